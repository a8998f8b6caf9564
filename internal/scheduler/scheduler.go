// Package scheduler matches pending tasks to machines, starts an analysis
// manager per match and supervises the managers until they finish.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cochaviz/cellar/internal/analysis"
	"github.com/cochaviz/cellar/internal/auxiliary"
	"github.com/cochaviz/cellar/internal/config"
	"github.com/cochaviz/cellar/internal/gate"
	"github.com/cochaviz/cellar/internal/logging"
	"github.com/cochaviz/cellar/internal/machinery"
	"github.com/cochaviz/cellar/internal/models"
	"github.com/cochaviz/cellar/internal/store"
)

// State is the lifecycle phase of the scheduler.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
)

const errorBuffer = 16

// Store is the persistence the scheduler needs.
type Store interface {
	store.TaskStore
	GetAvailableMachines(ctx context.Context) ([]models.Machine, error)
}

// ForwardingDropper removes forwarding rules left behind by a previous run.
type ForwardingDropper interface {
	DropForwardingRules(ctx context.Context, machines []models.Machine) error
}

// Options configures a Scheduler.
type Options struct {
	Config    config.Config
	Store     Store
	Machinery machinery.Machinery
	Registry  *analysis.Registry
	Router    analysis.Router
	// Forwarding is optional.
	Forwarding ForwardingDropper
	Results    analysis.ResultServer
	Auxiliary  *auxiliary.Suite
	// MaxAnalysisCount overrides scheduler.max_analysis_count when positive.
	MaxAnalysisCount int
	Logger           *slog.Logger
}

// Scheduler is the supervisor loop. One goroutine runs it; every analysis
// manager runs on its own goroutine.
type Scheduler struct {
	cfg        config.Config
	db         Store
	machinery  machinery.Machinery
	registry   *analysis.Registry
	router     analysis.Router
	forwarding ForwardingDropper
	results    analysis.ResultServer
	aux        *auxiliary.Suite
	logger     *slog.Logger

	gate     *gate.Gate
	errs     chan error
	maxCount int
	running  atomic.Bool

	mu       sync.Mutex
	state    State
	managers []analysis.Manager
	total    int
}

func New(opts Options) *Scheduler {
	registry := opts.Registry
	if registry == nil {
		registry = analysis.DefaultRegistry()
	}
	return &Scheduler{
		cfg:        opts.Config,
		db:         opts.Store,
		machinery:  opts.Machinery,
		registry:   registry,
		router:     opts.Router,
		forwarding: opts.Forwarding,
		results:    opts.Results,
		aux:        opts.Auxiliary,
		logger:     logging.Component(opts.Logger, "scheduler"),
		maxCount:   opts.MaxAnalysisCount,
		state:      StateInitializing,
	}
}

// Initialize prepares the gate, the machinery and the error channel.
// Failures are returned as *CriticalError.
func (s *Scheduler) Initialize(ctx context.Context) error {
	s.setState(StateInitializing)
	g := gate.New(s.cfg.Scheduler.MaxVMStartupCount)
	s.mu.Lock()
	s.gate = g
	s.mu.Unlock()

	logging.Event(s.logger, slog.LevelInfo, "using machine manager", "init.machinery", "success",
		"machinery", s.cfg.Scheduler.Machinery)

	if err := s.machinery.Initialize(ctx); err != nil {
		return &CriticalError{Err: fmt.Errorf("initialize machines: %w", err)}
	}
	machines, err := s.machinery.Machines(ctx)
	if err != nil {
		return &CriticalError{Err: fmt.Errorf("list machines: %w", err)}
	}
	if len(machines) == 0 {
		return &CriticalError{Err: errors.New("no machines available")}
	}
	logging.Event(s.logger, slog.LevelInfo, "loaded machines", "init.machines", "success",
		"count", len(machines))
	if len(machines) > 1 {
		s.logger.Warn("running parallel analyses on a SQLite task store; writes are serialised")
	}

	if s.forwarding != nil {
		if err := s.forwarding.DropForwardingRules(ctx, machines); err != nil {
			s.logger.Warn("failed to drop stale forwarding rules", "error", err)
		}
	}

	s.errs = make(chan error, errorBuffer)
	s.mu.Lock()
	if s.maxCount <= 0 {
		s.maxCount = s.cfg.Scheduler.MaxAnalysisCount
	}
	s.mu.Unlock()
	s.running.Store(true)
	return nil
}

// Run initialises the scheduler and runs the supervisor loop until ctx is
// done, Stop is called, the analysis limit is reached or a manager raises a
// fatal error. Managers still running are stopped before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Initialize(ctx); err != nil {
		s.setState(StateStopped)
		return err
	}

	managerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.setState(StateRunning)
	s.logger.Info("waiting for analysis tasks")

	interval := s.cfg.Scheduler.TickInterval.Std()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var runErr error
loop:
	for s.running.Load() {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
		if err := s.tick(managerCtx); err != nil {
			runErr = err
			break loop
		}
	}

	s.shutdown(ctx, cancel)
	s.logger.Debug("end of analyses")
	return runErr
}

func (s *Scheduler) tick(ctx context.Context) error {
	pending, err := s.db.CountTasks(ctx, models.TaskPending)
	if err != nil {
		s.logger.Error("failed to count pending tasks", "error", err)
	} else if pending > 0 {
		s.handlePending(ctx)
	}

	for _, m := range s.handleManagers(ctx) {
		s.untrack(m)
	}

	select {
	case err := <-s.errs:
		mErr := &ManagerError{Err: err}
		var taskErr *analysis.TaskError
		if errors.As(err, &taskErr) {
			mErr.TaskID = taskErr.TaskID
		}
		s.logger.Error("analysis manager raised a fatal error", "error", err)
		return mErr
	default:
		return nil
	}
}

// shutdown powers off the machinery, cancels the managers and waits for
// them, servicing their last action requests and finalising them.
func (s *Scheduler) shutdown(ctx context.Context, cancel context.CancelFunc) {
	s.setState(StateStopping)
	s.running.Store(false)
	cleanup := context.WithoutCancel(ctx)

	if err := s.machinery.Shutdown(cleanup); err != nil {
		s.logger.Error("machinery shutdown failed", "error", err)
	}
	cancel()

	for _, m := range s.trackedManagers() {
		<-m.Done()
	}
	for _, m := range s.handleManagers(cleanup) {
		s.untrack(m)
	}
	s.setState(StateStopped)
}

// Stop ends the supervisor loop at the start of the next tick. It is safe
// to call more than once and from any goroutine.
func (s *Scheduler) Stop() {
	if s.running.Swap(false) {
		s.logger.Info("stopping scheduler")
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// ManagerSnapshot describes one tracked analysis manager.
type ManagerSnapshot struct {
	TaskID   int64           `json:"task_id"`
	Category models.Category `json:"category"`
	Status   analysis.Status `json:"status"`
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	State            State             `json:"state"`
	Managers         []ManagerSnapshot `json:"managers"`
	TotalAnalyses    int               `json:"total_analyses"`
	MaxAnalysisCount int               `json:"max_analysis_count"`
	GateSize         int               `json:"gate_size"`
}

// Snapshot is safe to call from any goroutine.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:            s.state,
		TotalAnalyses:    s.total,
		MaxAnalysisCount: s.maxCount,
	}
	if s.gate != nil {
		snap.GateSize = s.gate.Size()
	}
	managers := append([]analysis.Manager(nil), s.managers...)
	s.mu.Unlock()

	snap.Managers = make([]ManagerSnapshot, 0, len(managers))
	for _, m := range managers {
		task := m.Task()
		snap.Managers = append(snap.Managers, ManagerSnapshot{
			TaskID:   task.ID,
			Category: task.Category,
			Status:   m.Status(),
		})
	}
	return snap
}

func (s *Scheduler) track(m analysis.Manager) {
	s.mu.Lock()
	s.managers = append(s.managers, m)
	s.mu.Unlock()
}

func (s *Scheduler) untrack(m analysis.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, candidate := range s.managers {
		if candidate == m {
			s.managers = append(s.managers[:i], s.managers[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) trackedManagers() []analysis.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]analysis.Manager(nil), s.managers...)
}

func (s *Scheduler) totalAnalyses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
