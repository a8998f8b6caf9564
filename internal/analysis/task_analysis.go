package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/cellar/internal/arch"
	"github.com/cochaviz/cellar/internal/auxiliary"
	"github.com/cochaviz/cellar/internal/logging"
	"github.com/cochaviz/cellar/internal/machinery"
	"github.com/cochaviz/cellar/internal/models"
	"github.com/cochaviz/cellar/internal/store"
)

const (
	fallbackTimeout = 2 * time.Minute
	mediaImageName  = "media.iso"
	memoryDumpName  = "memory.dmp"
	routeNone       = "none"
)

// TaskAnalysisCategories are the task categories TaskAnalysis runs.
var TaskAnalysisCategories = []models.Category{
	models.CategoryFile,
	models.CategoryURL,
	models.CategoryArchive,
	models.CategoryBaseline,
	models.CategoryService,
}

// errGuestCritical marks guest failures that fail the analysis.
var errGuestCritical = errors.New("guest unusable")

// TaskAnalysis runs one task on one machine: it starts the machine, routes
// its network, hands the target to the guest, waits for the timeout and
// tears everything down again.
type TaskAnalysis struct {
	Base

	dir        string
	analysisID string
	sample     sampleInfo
	mediaPath  string
	mediaFile  string

	aux            *auxiliary.Run
	route          NetworkRoute
	registered     bool
	machineStarted bool
}

// NewTaskAnalysis is the Factory for TaskAnalysis.
func NewTaskAnalysis(deps Deps) Manager {
	return &TaskAnalysis{Base: newBase(deps)}
}

func (a *TaskAnalysis) Init(ctx context.Context, db store.TaskStore) bool {
	task := a.Task()
	machine := a.Machine()
	a.dir = filepath.Join(a.deps.Settings.AnalysesDir, strconv.FormatInt(task.ID, 10))
	a.analysisID = uuid.NewString()

	if task.Category.IsFile() {
		info, err := resolveSample(ctx, task, a.deps.Sample, a.deps.Settings.BinariesDir)
		if err != nil {
			return a.failInit(ctx, db, "sample unavailable", err)
		}
		if info.UsedCopy {
			a.logger.Warn("target missing, using stored copy", "target", task.Target, "path", info.Path)
		}
		if info.FileType == "" {
			a.logger.Warn("could not determine file type", "path", info.Path)
		}
		if want := arch.Normalize(machine.Arch); info.Arch != "" && want != "" && info.Arch != want {
			a.logger.Warn("sample architecture differs from machine", "sample_arch", info.Arch, "machine_arch", want)
		}
		a.sample = info
	}

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return a.failInit(ctx, db, "create analysis directory", err)
	}

	if task.Category.IsFile() {
		a.mediaPath = filepath.Join(a.dir, mediaImageName)
		name, err := buildMedia(a.sample.Path, a.sample.FileName, a.mediaPath, volumeLabel("cellar", strconv.FormatInt(task.ID, 10)))
		if err != nil {
			return a.failInit(ctx, db, "build sample media", err)
		}
		a.mediaFile = name
	}

	if err := writeTaskDocument(a.dir, a.document(task)); err != nil {
		return a.failInit(ctx, db, "write task document", err)
	}

	logging.Event(a.logger, slog.LevelDebug, "analysis initialised", "analysis.init", "success",
		"analysis_id", a.analysisID, "dir", a.dir)
	return true
}

func (a *TaskAnalysis) failInit(ctx context.Context, db store.TaskStore, reason string, err error) bool {
	task := a.Task()
	logging.Event(a.logger, slog.LevelError, "analysis initialisation failed", "analysis.init", "failure",
		"reason", reason, "error", err)
	if setErr := db.SetStatus(ctx, task.ID, models.TaskFailedAnalysis); setErr != nil {
		a.logger.Error("failed to mark task as failed", "error", setErr)
	}
	a.releaseMachine(ctx)
	return false
}

func (a *TaskAnalysis) Start(ctx context.Context) {
	a.launch(ctx, a.run)
}

func (a *TaskAnalysis) run(ctx context.Context) {
	defer a.releaseSchedulerLock()

	started := a.startAnalysis(ctx)
	a.stopAnalysis(ctx)

	if started {
		logging.Event(a.logger, slog.LevelInfo, "analysis finished", "analysis.run", "success")
		a.setStatus(ctx, StatusStopped, true)
		return
	}
	logging.Event(a.logger, slog.LevelError, "analysis failed", "analysis.run", "failure")
	a.setStatus(ctx, StatusFailed, true)
}

func (a *TaskAnalysis) startAnalysis(ctx context.Context) bool {
	task := a.Task()
	machine := a.Machine()

	if a.deps.Results != nil {
		if err := a.deps.Results.Add(task, machine); err != nil {
			a.reportFatal(ctx, fmt.Errorf("register task #%d with result server: %w", task.ID, err))
			return false
		}
		a.registered = true
	}

	a.aux = a.deps.Auxiliary.Start(ctx, auxiliary.Context{
		Task:             task,
		Machine:          machine,
		AnalysisDir:      a.dir,
		ResultServerIP:   a.deps.Settings.ResultServerIP,
		ResultServerPort: a.deps.Settings.ResultServerPort,
	})

	logging.Event(a.logger, slog.LevelInfo, "starting machine", "vm.start", "pending", "label", machine.Label)
	a.machineStarted = true
	if err := a.deps.Machinery.Start(ctx, machine.Label, task); err != nil {
		var snapErr *machinery.SnapshotError
		if errors.As(err, &snapErr) {
			logging.Event(a.logger, slog.LevelError, "snapshot restore failed", "vm.start", "failure",
				"label", machine.Label, "snapshot", snapErr.Snapshot, "error", err)
		} else {
			logging.Event(a.logger, slog.LevelError, "machine failed to start", "vm.start", "failure",
				"label", machine.Label, "error", err)
		}
		return false
	}
	logging.Event(a.logger, slog.LevelInfo, "machine started", "vm.start", "success", "label", machine.Label)

	if a.deps.Router != nil {
		a.route = a.deps.Router.Resolve(task, machine)
	}
	if a.route != nil {
		if err := a.route.Enable(ctx); err != nil {
			logging.Event(a.logger, slog.LevelError, "failed to enable network route", "network.route", "failure",
				"route", a.route.String(), "error", err)
			return false
		}
	}

	a.releaseSchedulerLock()
	a.setStatus(ctx, StatusStarting, true)
	a.setStatus(ctx, StatusRunning, false)

	if err := a.manage(ctx); err != nil {
		if errors.Is(err, errGuestCritical) {
			a.logger.Error("guest could not run the task", "error", err)
			return false
		}
		a.logger.Warn("guest reported a problem", "error", err)
	}
	return true
}

// stopAnalysis tears down whatever startAnalysis set up. It runs detached
// from ctx cancellation so a shutdown still powers machines off.
func (a *TaskAnalysis) stopAnalysis(ctx context.Context) {
	cleanup := context.WithoutCancel(ctx)
	task := a.Task()
	machine := a.Machine()
	a.setStatus(cleanup, StatusStopping, false)

	if err := a.aux.Stop(); err != nil {
		a.logger.Warn("auxiliary modules did not stop cleanly", "error", err)
	}

	if a.machineStarted {
		if a.deps.Settings.MemoryDump || task.Option("memory", "") == "yes" {
			a.dumpMemory(cleanup, machine)
		}
		if err := a.deps.Machinery.Stop(cleanup, machine.Label); err != nil {
			logging.Event(a.logger, slog.LevelWarn, "failed to stop machine", "vm.stop", "failure",
				"label", machine.Label, "error", err)
		} else {
			logging.Event(a.logger, slog.LevelInfo, "machine stopped", "vm.stop", "success", "label", machine.Label)
		}
	}

	if a.registered {
		a.deps.Results.Remove(task, machine)
	}

	if a.route != nil {
		if err := a.route.Disable(cleanup); err != nil {
			logging.Event(a.logger, slog.LevelWarn, "failed to disable network route", "network.route", "failure",
				"route", a.route.String(), "error", err)
		}
	}
}

func (a *TaskAnalysis) dumpMemory(ctx context.Context, machine models.Machine) {
	dumper, ok := a.deps.Machinery.(machinery.MemoryDumper)
	if !ok {
		a.logger.Warn("machinery cannot dump memory")
		return
	}
	path := filepath.Join(a.dir, memoryDumpName)
	if err := dumper.DumpMemory(ctx, machine.Label, path); err != nil {
		a.logger.Warn("memory dump failed", "error", err)
		return
	}
	a.logger.Info("memory dumped", "path", path)
}

func (a *TaskAnalysis) timeout() time.Duration {
	if t := a.Task().Timeout; t > 0 {
		return t
	}
	if t := a.deps.Settings.DefaultTimeout; t > 0 {
		return t
	}
	return fallbackTimeout
}

func (a *TaskAnalysis) manage(ctx context.Context) error {
	task := a.Task()
	machine := a.Machine()
	timeout := a.timeout()

	switch {
	case isTrue(task.Option("noagent", "")) || machine.HasOption("noagent"):
		a.logger.Info("running without guest agent", "timeout", timeout)
		return a.wait(ctx, timeout)
	case task.Category == models.CategoryBaseline || task.Category == models.CategoryService:
		a.logger.Info("waiting for the analysis timeout", "category", task.Category, "timeout", timeout)
		return a.wait(ctx, timeout)
	default:
		return a.runGuest(ctx, task, machine, timeout)
	}
}

func (a *TaskAnalysis) runGuest(ctx context.Context, task models.Task, machine models.Machine, timeout time.Duration) error {
	provider, ok := a.deps.Machinery.(machinery.GuestProvider)
	if !ok {
		return fmt.Errorf("%w: machinery has no guest access", errGuestCritical)
	}
	guest, release, err := provider.Guest(ctx, machine)
	if err != nil {
		return fmt.Errorf("%w: %w", errGuestCritical, err)
	}
	defer release()

	critical := a.deps.Settings.CriticalTimeout
	if critical <= 0 {
		critical = timeout
	}
	if err := guest.WaitReady(ctx, critical); err != nil {
		return fmt.Errorf("%w: agent unreachable: %w", errGuestCritical, err)
	}

	if task.Category.IsFile() {
		attacher, ok := a.deps.Machinery.(machinery.MediaAttacher)
		if !ok {
			return fmt.Errorf("%w: machinery cannot attach media", errGuestCritical)
		}
		if err := attacher.AttachMedia(ctx, machine, a.mediaPath); err != nil {
			return fmt.Errorf("%w: attach media: %w", errGuestCritical, err)
		}
	}

	cmd, err := launchCommand(task, machine, a.mediaFile)
	if err != nil {
		return fmt.Errorf("%w: %w", errGuestCritical, err)
	}

	deadline := time.Now().Add(timeout)
	result, execErr := guest.Execute(ctx, cmd)
	if execErr != nil {
		a.logger.Warn("launch command failed", "exit_code", result.ExitCode, "error", execErr)
	} else {
		a.logger.Info("target launched", "category", task.Category)
	}

	if err := a.wait(ctx, time.Until(deadline)); err != nil {
		return err
	}
	if execErr != nil {
		return fmt.Errorf("launch target: %w", execErr)
	}
	return nil
}

// wait blocks for d or until ctx is done. A cancelled context ends the
// analysis early without failing it.
func (a *TaskAnalysis) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		a.logger.Info("analysis interrupted", "reason", ctx.Err())
	}
	return nil
}

func (a *TaskAnalysis) OnStarting(ctx context.Context, db store.TaskStore) error {
	route := routeNone
	if a.route != nil {
		route = a.route.String()
	}
	return db.SetRoute(ctx, a.Task().ID, route)
}

func (a *TaskAnalysis) OnStopped(ctx context.Context, db store.TaskStore) error {
	task := a.Task()
	if err := db.SetStatus(ctx, task.ID, models.TaskCompleted); err != nil {
		return err
	}
	var errs []error
	if err := a.refresh(ctx, db); err != nil {
		errs = append(errs, err)
	}
	if err := writeTaskDocument(a.dir, a.document(a.Task())); err != nil {
		errs = append(errs, err)
	}
	a.releaseMachine(ctx)
	return errors.Join(errs...)
}

func (a *TaskAnalysis) OnFailed(ctx context.Context, db store.TaskStore) error {
	err := db.SetStatus(ctx, a.Task().ID, models.TaskFailedAnalysis)
	a.releaseMachine(ctx)
	return err
}

func (a *TaskAnalysis) Finalize(ctx context.Context, db store.TaskStore) {
	if err := a.refresh(ctx, db); err != nil {
		a.logger.Error("failed to reload task", "error", err)
		return
	}
	task := a.Task()
	if task.Status == models.TaskRunning {
		a.logger.Error("analysis ended without reporting a result")
		if err := db.SetStatus(ctx, task.ID, models.TaskFailedAnalysis); err != nil {
			a.logger.Error("failed to mark task as failed", "error", err)
		}
		a.releaseMachine(ctx)
		if err := a.refresh(ctx, db); err != nil {
			a.logger.Error("failed to reload task", "error", err)
		}
		task = a.Task()
	}

	if a.dir != "" {
		if err := writeTaskDocument(a.dir, a.document(task)); err != nil {
			a.logger.Error("failed to write task document", "error", err)
		}
	}
	if task.Status == models.TaskCompleted {
		if err := db.SetStatus(ctx, task.ID, models.TaskReported); err != nil {
			a.logger.Error("failed to mark task as reported", "error", err)
			return
		}
	}
	logging.Event(a.logger, slog.LevelInfo, "analysis finalised", "analysis.finalize", "success",
		"task_status", task.Status)
}

func (a *TaskAnalysis) refresh(ctx context.Context, db store.TaskStore) error {
	id := a.Task().ID
	task, err := db.ViewTask(ctx, id)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task #%d no longer exists", id)
	}
	a.mu.Lock()
	a.task = *task
	a.mu.Unlock()
	return nil
}

// releaseMachine unlocks the machine unless it was already released.
func (a *TaskAnalysis) releaseMachine(ctx context.Context) {
	label := a.Machine().Label
	running, err := a.deps.Machinery.Running(ctx)
	if err != nil {
		a.logger.Warn("could not list locked machines", "error", err)
		return
	}
	for _, m := range running {
		if m.Label != label {
			continue
		}
		if _, err := a.deps.Machinery.Release(ctx, label); err != nil {
			a.logger.Error("failed to release machine", "label", label, "error", err)
			return
		}
		logging.Event(a.logger, slog.LevelDebug, "machine released", "vm.release", "success", "label", label)
		return
	}
}

func (a *TaskAnalysis) document(task models.Task) taskDocument {
	machine := a.Machine()
	doc := taskDocument{
		AnalysisID:  a.analysisID,
		ID:          task.ID,
		Category:    task.Category,
		Target:      task.Target,
		Status:      task.Status,
		Priority:    task.Priority,
		Timeout:     int(a.timeout() / time.Second),
		Tags:        task.Tags,
		Options:     task.Options,
		Route:       task.Route,
		FileName:    a.sample.FileName,
		FileType:    a.sample.FileType,
		FileArch:    string(a.sample.Arch),
		AddedOn:     optionalTime(task.AddedOn),
		StartedOn:   optionalTime(task.StartedOn),
		CompletedOn: optionalTime(task.CompletedOn),
		Machine: machineDocument{
			Name:     machine.Name,
			Label:    machine.Label,
			IP:       machine.IP,
			Platform: machine.Platform,
			Arch:     machine.Arch,
		},
		ResultServer: resultServerDocument{
			IP:   a.deps.Settings.ResultServerIP,
			Port: a.deps.Settings.ResultServerPort,
		},
	}
	if a.deps.Sample != nil {
		doc.SHA256 = a.deps.Sample.SHA256
	}
	return doc
}

func isTrue(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "yes", "true", "on":
		return true
	default:
		return false
	}
}
