package simple

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/cellar/internal/analysis"
	"github.com/cochaviz/cellar/internal/auxiliary"
	"github.com/cochaviz/cellar/internal/config"
	"github.com/cochaviz/cellar/internal/daemon"
	"github.com/cochaviz/cellar/internal/logging"
	"github.com/cochaviz/cellar/internal/machinery"
	"github.com/cochaviz/cellar/internal/models"
	"github.com/cochaviz/cellar/internal/routing"
	"github.com/cochaviz/cellar/internal/scheduler"
	"github.com/cochaviz/cellar/internal/store"
)

// ServeOptions tweaks a scheduler run from the command line.
type ServeOptions struct {
	// MaxAnalysisCount overrides scheduler.max_analysis_count when positive.
	MaxAnalysisCount int
	// NoDaemon skips the control socket.
	NoDaemon bool
}

// Serve runs the scheduler against libvirt until ctx is done, the analysis
// limit is reached or a fatal error occurs.
func Serve(ctx context.Context, cfg config.Config, opts ServeOptions, logger *slog.Logger) error {
	logger = logging.Component(logger, "config.simple")

	db, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	aux, err := auxiliary.NewSuite(cfg.Auxiliary, logger)
	if err != nil {
		return fmt.Errorf("auxiliary modules: %w", err)
	}

	mach := machinery.NewManager(machinery.NewLibvirt(cfg.Libvirt.ConnectionURI), db, machinery.ManagerOptions{
		Machines:     MachinesFromConfig(cfg),
		StartTimeout: cfg.Timeouts.VMStart.Std(),
		StopTimeout:  cfg.Timeouts.VMStop.Std(),
		Logger:       logger,
	})
	router := routing.NewRouter(cfg, routing.NewNFTRooter(logger), logger)

	sched := scheduler.New(scheduler.Options{
		Config:    cfg,
		Store:     db,
		Machinery: mach,
		Router: analysis.RouterFunc(func(task models.Task, machine models.Machine) analysis.NetworkRoute {
			return router.Resolve(task, machine)
		}),
		Forwarding:       router,
		Results:          analysis.NewTaskRegistry(),
		Auxiliary:        aux,
		MaxAnalysisCount: opts.MaxAnalysisCount,
		Logger:           logger,
	})

	if opts.NoDaemon || cfg.Daemon.Socket == "" {
		return sched.Run(ctx)
	}

	srv := daemon.NewServer(cfg.Daemon.Socket, sched, db, logger)
	if err := srv.Listen(); err != nil {
		return err
	}
	daemonCtx, stopDaemon := context.WithCancel(ctx)
	defer stopDaemon()

	var g errgroup.Group
	g.Go(func() error { return srv.Serve(daemonCtx) })

	runErr := sched.Run(ctx)
	stopDaemon()
	return errors.Join(runErr, g.Wait())
}

// OpenStore opens and migrates the task database.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DatabasePath()), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	db, err := store.NewSQLiteStore(cfg.Storage.DatabasePath(), logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate task database: %w", err)
	}
	return db, nil
}

// MachinesFromConfig converts the configured libvirt machines.
func MachinesFromConfig(cfg config.Config) []models.Machine {
	machines := make([]models.Machine, 0, len(cfg.Libvirt.Machines))
	for _, m := range cfg.Libvirt.Machines {
		label := m.Label
		if label == "" {
			label = m.Name
		}
		iface := m.Interface
		if iface == "" {
			iface = cfg.Libvirt.Interface
		}
		machines = append(machines, models.Machine{
			Name:      m.Name,
			Label:     label,
			IP:        m.IP,
			Platform:  m.Platform,
			Arch:      m.Arch,
			Tags:      append([]string(nil), m.Tags...),
			Interface: iface,
			Snapshot:  m.Snapshot,
			Options:   append([]string(nil), m.Options...),
			Status:    models.MachineStatusPoweroff,
		})
	}
	return machines
}

// SubmitRequest describes a task to queue.
type SubmitRequest struct {
	Category models.Category
	Target   string
	Machine  string
	Platform string
	Tags     []string
	Options  map[string]string
	Priority int
	Timeout  time.Duration
	Route    string
	StartOn  time.Time
}

// Submit queues a task. File targets are copied into the binaries store and
// recorded as a sample first.
func Submit(ctx context.Context, db store.TaskStore, cfg config.Config, req SubmitRequest, logger *slog.Logger) (int64, error) {
	logger = logging.Component(logger, "config.simple")

	if req.Category == "" {
		req.Category = models.CategoryFile
	}
	task := models.Task{
		Category: req.Category,
		Target:   req.Target,
		Machine:  req.Machine,
		Platform: req.Platform,
		Tags:     req.Tags,
		Priority: req.Priority,
		Timeout:  req.Timeout,
		Options:  map[string]string{},
		StartOn:  req.StartOn,
	}
	for key, value := range req.Options {
		task.Options[key] = value
	}
	if req.Route != "" {
		task.Options["route"] = req.Route
	}

	switch {
	case req.Category.IsFile():
		abs, err := filepath.Abs(req.Target)
		if err != nil {
			return 0, err
		}
		sample, err := storeSample(abs, cfg.Storage.BinariesDir())
		if err != nil {
			return 0, err
		}
		if _, err := db.AddSample(ctx, sample); err != nil {
			return 0, err
		}
		task.Target = abs
		task.SampleID = sample.ID
	case req.Category == models.CategoryURL:
		if strings.TrimSpace(req.Target) == "" {
			return 0, errors.New("url tasks need a target")
		}
	case req.Category == models.CategoryBaseline, req.Category == models.CategoryService:
		task.Target = ""
	default:
		return 0, fmt.Errorf("unknown task category %q", req.Category)
	}

	id, err := db.AddTask(ctx, &task)
	if err != nil {
		return 0, err
	}
	logging.Event(logger, slog.LevelInfo, "task submitted", "task.submit", "success",
		"task_id", id, "category", task.Category, "target", task.Target)
	return id, nil
}

func storeSample(path, binariesDir string) (*models.Sample, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("sample %s is a directory", path)
	}
	digest, _, err := analysis.StoreBinary(binariesDir, path)
	if err != nil {
		return nil, fmt.Errorf("store sample: %w", err)
	}
	sum, err := md5File(path)
	if err != nil {
		return nil, err
	}
	return &models.Sample{
		SHA256:   digest,
		MD5:      sum,
		FileSize: info.Size(),
		FileName: filepath.Base(path),
	}, nil
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
