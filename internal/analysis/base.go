package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cochaviz/cellar/internal/logging"
	"github.com/cochaviz/cellar/internal/models"
)

// Base carries the state every Manager shares: the bound task and machine,
// the status, the action handshake with the scheduler and the goroutine
// bookkeeping. Implementations embed it.
type Base struct {
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	task    models.Task
	machine models.Machine
	status  Status
	pending bool
	ack     chan struct{}

	done    chan struct{}
	started bool
}

func newBase(deps Deps) Base {
	return Base{
		deps:    deps,
		logger:  logging.Component(logging.Ensure(deps.Logger), "analysis"),
		machine: deps.Machine,
		status:  StatusInit,
		done:    make(chan struct{}),
	}
}

func (b *Base) SetTask(task models.Task) {
	b.mu.Lock()
	b.task = task
	b.mu.Unlock()
	b.logger = b.logger.With("task_id", task.ID, "machine", b.deps.Machine.Name)
}

func (b *Base) Task() models.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.task
}

func (b *Base) Machine() models.Machine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.machine
}

func (b *Base) setMachine(machine models.Machine) {
	b.mu.Lock()
	b.machine = machine
	b.mu.Unlock()
}

func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// ActionRequested reports whether the analysis waits for the scheduler to
// handle its current status.
func (b *Base) ActionRequested() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// ReleaseLocks acknowledges a pending action request, unblocking the
// analysis. It is a no-op without a pending request.
func (b *Base) ReleaseLocks() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.pending {
		return
	}
	b.pending = false
	close(b.ack)
}

func (b *Base) Alive() bool {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

func (b *Base) Done() <-chan struct{} {
	return b.done
}

// setStatus records status and, when request is set, blocks until the
// scheduler acknowledged it.
func (b *Base) setStatus(ctx context.Context, status Status, request bool) {
	b.mu.Lock()
	b.status = status
	b.mu.Unlock()
	b.logger.Debug("analysis status changed", "status", status)
	if request {
		b.requestAction(ctx)
	}
}

func (b *Base) requestAction(ctx context.Context) {
	b.mu.Lock()
	if b.pending {
		b.mu.Unlock()
		return
	}
	ack := make(chan struct{})
	b.ack = ack
	b.pending = true
	b.mu.Unlock()

	select {
	case <-ack:
	case <-ctx.Done():
		b.logger.Warn("action request abandoned", "status", b.Status(), "error", ctx.Err())
	}
}

// releaseSchedulerLock returns the startup gate permit. Safe to call more
// than once.
func (b *Base) releaseSchedulerLock() {
	if b.deps.Permit.Release() {
		b.logger.Debug("startup permit released")
	}
}

// TaskError is a fatal error raised by the analysis of a task.
type TaskError struct {
	TaskID int64
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task #%d: %v", e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// reportFatal hands err to the scheduler's error channel.
func (b *Base) reportFatal(ctx context.Context, err error) {
	err = &TaskError{TaskID: b.Task().ID, Err: err}
	if b.deps.Errors == nil {
		b.logger.Error("fatal analysis error without error channel", "error", err)
		return
	}
	select {
	case b.deps.Errors <- err:
	case <-ctx.Done():
		b.logger.Error("fatal analysis error dropped", "error", err)
	}
}

// launch runs fn on a new goroutine and closes Done when it returns.
func (b *Base) launch(ctx context.Context, fn func(ctx context.Context)) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go func() {
		defer close(b.done)
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("analysis panicked", "panic", fmt.Sprint(r))
				b.releaseSchedulerLock()
			}
		}()
		fn(ctx)
	}()
}
