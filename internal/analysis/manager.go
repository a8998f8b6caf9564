// Package analysis implements the per-task analysis managers the scheduler
// starts: their lifecycle contract, the status handler table and the
// category registry.
package analysis

import (
	"context"
	"log/slog"
	"time"

	"github.com/cochaviz/cellar/internal/auxiliary"
	"github.com/cochaviz/cellar/internal/gate"
	"github.com/cochaviz/cellar/internal/machinery"
	"github.com/cochaviz/cellar/internal/models"
	"github.com/cochaviz/cellar/internal/store"
)

// Status is the lifecycle state an analysis reports to the scheduler.
type Status string

const (
	StatusInit     Status = "init"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// Manager is a unit of work bound to one task and one machine. The scheduler
// owns it from construction until Finalize.
type Manager interface {
	SetTask(task models.Task)
	Task() models.Task
	// Init prepares the analysis. It returns false when the analysis cannot
	// run; the task status has then already been updated.
	Init(ctx context.Context, db store.TaskStore) bool
	// Start runs the analysis on its own goroutine.
	Start(ctx context.Context)
	ActionRequested() bool
	Status() Status
	OnStarting(ctx context.Context, db store.TaskStore) error
	OnStopped(ctx context.Context, db store.TaskStore) error
	OnFailed(ctx context.Context, db store.TaskStore) error
	// ReleaseLocks acknowledges a pending action request.
	ReleaseLocks()
	Alive() bool
	Done() <-chan struct{}
	Finalize(ctx context.Context, db store.TaskStore)
}

// Handler reacts to a status an analysis requested action for.
type Handler func(ctx context.Context, m Manager, db store.TaskStore) error

var handlers = map[Status]Handler{
	StatusStarting: func(ctx context.Context, m Manager, db store.TaskStore) error {
		return m.OnStarting(ctx, db)
	},
	StatusStopped: func(ctx context.Context, m Manager, db store.TaskStore) error {
		return m.OnStopped(ctx, db)
	},
	StatusFailed: func(ctx context.Context, m Manager, db store.TaskStore) error {
		return m.OnFailed(ctx, db)
	},
}

// HandlerFor returns the handler registered for status.
func HandlerFor(status Status) (Handler, bool) {
	h, ok := handlers[status]
	return h, ok
}

// NetworkRoute is a resolved network route for one analysis.
type NetworkRoute interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	String() string
}

// Router resolves the route for a task running on a machine.
type Router interface {
	Resolve(task models.Task, machine models.Machine) NetworkRoute
}

// RouterFunc adapts a function to Router.
type RouterFunc func(task models.Task, machine models.Machine) NetworkRoute

func (f RouterFunc) Resolve(task models.Task, machine models.Machine) NetworkRoute {
	return f(task, machine)
}

// Settings carries the configuration an analysis needs.
type Settings struct {
	AnalysesDir      string
	BinariesDir      string
	DefaultTimeout   time.Duration
	CriticalTimeout  time.Duration
	ResultServerIP   string
	ResultServerPort int
	MemoryDump       bool
}

// Deps are the collaborators handed to a Manager at construction.
type Deps struct {
	Machine   models.Machine
	Errors    chan<- error
	Machinery machinery.Machinery
	Sample    *models.Sample
	// Permit is the startup gate permit the analysis releases once its
	// machine has started.
	Permit    *gate.Permit
	Router    Router
	Results   ResultServer
	Auxiliary *auxiliary.Suite
	Settings  Settings
	Logger    *slog.Logger
}

// Factory builds a Manager.
type Factory func(deps Deps) Manager

type registration struct {
	name       string
	categories []models.Category
	factory    Factory
}

// Registry maps task categories to manager factories. The first
// registration supporting a category wins.
type Registry struct {
	entries []registration
}

func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry returns a registry with TaskAnalysis registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("task", TaskAnalysisCategories, NewTaskAnalysis)
	return r
}

func (r *Registry) Register(name string, categories []models.Category, factory Factory) {
	r.entries = append(r.entries, registration{
		name:       name,
		categories: append([]models.Category(nil), categories...),
		factory:    factory,
	})
}

// Lookup returns the name and factory of the first registration supporting
// category.
func (r *Registry) Lookup(category models.Category) (string, Factory, bool) {
	for _, entry := range r.entries {
		for _, supported := range entry.categories {
			if supported == category {
				return entry.name, entry.factory, true
			}
		}
	}
	return "", nil, false
}
