package scheduler

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/cellar/internal/analysis"
	"github.com/cochaviz/cellar/internal/gate"
	"github.com/cochaviz/cellar/internal/logging"
	"github.com/cochaviz/cellar/internal/machinery"
	"github.com/cochaviz/cellar/internal/models"
	"github.com/cochaviz/cellar/internal/store"
)

// availableMB returns the free space in MiB of the file system holding path.
var availableMB = func(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize) / (1024 * 1024), nil
}

// handlePending starts at most one analysis: it checks the global limits,
// matches a pending task to an available machine and dispatches it.
func (s *Scheduler) handlePending(ctx context.Context) {
	// Only probe the gate here; a held gate means machines are still
	// starting and the availability numbers below are not settled yet.
	if !s.gate.Probe() {
		logging.Event(s.logger, slog.LevelDebug, "could not acquire machine lock", "scheduler.machine_lock", "busy")
		return
	}

	if s.cfg.Scheduler.Freespace > 0 && !s.enoughDiskSpace() {
		return
	}

	if limit := s.cfg.Scheduler.MaxMachinesCount; limit > 0 {
		running, err := s.machinery.Running(ctx)
		if err != nil {
			s.logger.Error("failed to list running machines", "error", err)
			return
		}
		if len(running) >= limit {
			logging.Event(s.logger, slog.LevelDebug, "already maxed out on running machines", "scheduler.machines", "maxed")
			return
		}
	}

	if s.maxCount > 0 && s.totalAnalyses() >= s.maxCount {
		active := len(s.trackedManagers())
		if active == 0 {
			logging.Event(s.logger, slog.LevelDebug, "reached max analysis count, exiting", "scheduler.max_analysis", "success",
				"limit", s.maxCount)
			s.Stop()
			return
		}
		logging.Event(s.logger, slog.LevelDebug, "maximum analyses hit, awaiting active to finish off", "scheduler.max_analysis", "busy",
			"active", active)
		return
	}

	available, err := s.machinery.Availables(ctx)
	if err != nil {
		s.logger.Error("failed to count available machines", "error", err)
		return
	}
	if available == 0 {
		logging.Event(s.logger, slog.LevelDebug, "no available machines", "scheduler.machines", "none")
		return
	}

	permit, err := s.gate.Hold(ctx)
	if err != nil {
		logging.Event(s.logger, slog.LevelDebug, "gave up waiting for machine lock", "scheduler.machine_lock", "cancelled",
			"error", err)
		return
	}

	task, machine := s.match(ctx)
	if task == nil || machine == nil {
		permit.Release()
		return
	}

	logging.Event(s.logger, slog.LevelInfo, "acquired machine", "vm.acquire", "success",
		"task_id", task.ID, "vmname", machine.Name, "label", machine.Label)
	s.dispatch(ctx, *task, *machine, permit)
}

// match picks a (task, machine) pair. Tasks bound to one of the available
// machines go first; otherwise general tasks are tried in queue order,
// skipping those no free machine can serve right now.
func (s *Scheduler) match(ctx context.Context) (*models.Task, *models.Machine) {
	var (
		task             *models.Task
		machine          *models.Machine
		analysisCapacity bool
	)

	candidates, err := s.db.GetAvailableMachines(ctx)
	if err != nil {
		s.logger.Error("failed to list available machines", "error", err)
		return nil, nil
	}
	for _, candidate := range candidates {
		found, err := s.db.Fetch(ctx, store.FetchOptions{Machine: candidate.Name})
		if err != nil {
			s.logger.Error("failed to fetch task for machine", "machine", candidate.Name, "error", err)
			return nil, nil
		}
		if found != nil {
			task = found
			machine, err = s.machinery.Acquire(ctx, machinery.AcquireOptions{MachineID: candidate.Name})
			if err != nil {
				s.logger.Error("failed to acquire machine", "task_id", found.ID, "machine", candidate.Name, "error", err)
			}
			break
		}
		if candidate.IsAnalysis() {
			analysisCapacity = true
		}
	}

	if task != nil || machine != nil || !analysisCapacity {
		return task, machine
	}

	var exclude []int64
	for machine == nil {
		found, err := s.db.Fetch(ctx, store.FetchOptions{Service: store.Bool(false), Exclude: exclude})
		if err != nil {
			s.logger.Error("failed to fetch pending task", "error", err)
			return nil, nil
		}
		if found == nil {
			return nil, nil
		}
		task = found

		machine, err = s.machinery.Acquire(ctx, acquireOptions(*found))
		switch {
		case errors.Is(err, machinery.ErrOperational):
			s.logger.Error("task cannot be started, no machine with matching requirements exists",
				"task_id", found.ID, "requirements", models.RequirementsString(*found))
		case err != nil:
			s.logger.Error("failed to acquire machine", "task_id", found.ID, "error", err)
		}
		if machine == nil {
			s.logger.Debug("no matching machine for task, skipping until one is available",
				"task_id", found.ID, "requirements", models.RequirementsString(*found))
			exclude = append(exclude, found.ID)
		}
	}
	return task, machine
}

// acquireOptions derives the machine requirements of a task. A task bound
// to a machine is matched on that machine alone.
func acquireOptions(task models.Task) machinery.AcquireOptions {
	if task.Machine != "" {
		return machinery.AcquireOptions{MachineID: task.Machine}
	}
	return machinery.AcquireOptions{Platform: task.Platform, Tags: task.Tags}
}

// dispatch builds, initialises and starts the manager for a matched pair.
// The permit moves to the manager once it started.
func (s *Scheduler) dispatch(ctx context.Context, task models.Task, machine models.Machine, permit *gate.Permit) {
	manager := s.getAnalysisManager(ctx, task, machine, permit)
	if manager == nil {
		if _, err := s.machinery.Release(ctx, machine.Label); err != nil {
			s.logger.Error("failed to release machine", "label", machine.Label, "error", err)
		}
		permit.Release()
		return
	}

	if err := s.db.SetStatus(ctx, task.ID, models.TaskRunning); err != nil {
		s.logger.Error("failed to mark task as running", "task_id", task.ID, "error", err)
		if _, err := s.machinery.Release(ctx, machine.Label); err != nil {
			s.logger.Error("failed to release machine", "label", machine.Label, "error", err)
		}
		permit.Release()
		return
	}

	s.mu.Lock()
	s.total++
	s.mu.Unlock()

	if !manager.Init(ctx, s.db) {
		permit.Release()
		return
	}
	manager.Start(ctx)
	s.track(manager)
}

// getAnalysisManager returns a manager for the task's category, or nil when
// no registered manager supports it.
func (s *Scheduler) getAnalysisManager(ctx context.Context, task models.Task, machine models.Machine, permit *gate.Permit) analysis.Manager {
	name, factory, ok := s.registry.Lookup(task.Category)
	if !ok {
		s.logger.Error("no analysis manager supports the task category",
			"task_id", task.ID, "category", task.Category)
		return nil
	}

	var sample *models.Sample
	if task.Category.IsFile() {
		var err error
		sample, err = s.db.ViewSample(ctx, task.SampleID)
		if err != nil {
			s.logger.Error("failed to load sample", "task_id", task.ID, "sample_id", task.SampleID, "error", err)
			return nil
		}
	}

	manager := factory(analysis.Deps{
		Machine:   machine,
		Errors:    s.errs,
		Machinery: s.machinery,
		Sample:    sample,
		Permit:    permit,
		Router:    s.router,
		Results:   s.results,
		Auxiliary: s.aux,
		Settings:  s.settings(),
		Logger:    s.logger,
	})
	manager.SetTask(task)
	s.logger.Debug("analysis manager selected", "task_id", task.ID, "manager", name)
	return manager
}

func (s *Scheduler) settings() analysis.Settings {
	return analysis.Settings{
		AnalysesDir:      s.cfg.Storage.AnalysesDir(),
		BinariesDir:      s.cfg.Storage.BinariesDir(),
		DefaultTimeout:   s.cfg.Timeouts.Default.Std(),
		CriticalTimeout:  s.cfg.Timeouts.Critical.Std(),
		ResultServerIP:   s.cfg.ResultServer.IP,
		ResultServerPort: s.cfg.ResultServer.Port,
		MemoryDump:       s.cfg.Scheduler.MemoryDump,
	}
}

func (s *Scheduler) enoughDiskSpace() bool {
	dir := s.cfg.Storage.AnalysesDir()
	available, err := availableMB(dir)
	if err != nil {
		s.logger.Error("failed to determine free disk space", "path", dir, "error", err)
		return false
	}
	if available < uint64(s.cfg.Scheduler.Freespace) {
		logging.Event(s.logger, slog.LevelError, "not enough free disk space", "scheduler.diskspace", "error",
			"available", available)
		return false
	}
	return true
}
