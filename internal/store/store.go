// Package store persists tasks, samples and the machine inventory.
package store

import (
	"context"
	"errors"

	"github.com/cochaviz/cellar/internal/models"
)

var (
	// ErrNoMatchingMachine is returned by LockMachine when no machine, locked
	// or not, satisfies the requested criteria.
	ErrNoMatchingMachine = errors.New("no machine matches the requested criteria")
	// ErrMachineNotFound is returned when a machine label is unknown.
	ErrMachineNotFound = errors.New("machine not found")
	// ErrInvalidLockCriteria is returned for label+platform or label+tags lookups.
	ErrInvalidLockCriteria = errors.New("a machine label cannot be combined with platform or tags")
)

// FetchOptions selects the next pending task.
type FetchOptions struct {
	// Machine restricts the result to tasks bound to this machine name.
	Machine string
	// Service, when non-nil and false, skips tasks tagged as service tasks.
	Service *bool
	// Lock marks the fetched task as running.
	Lock bool
	// Exclude lists task ids that must not be returned.
	Exclude []int64
}

// ListOptions filters ListTasks.
type ListOptions struct {
	Status models.TaskStatus
	Limit  int
}

// LockOptions describes which machine LockMachine may pick.
type LockOptions struct {
	Label    string
	Platform string
	Tags     []string
}

// TaskStore is the task-side persistence contract.
type TaskStore interface {
	AddSample(ctx context.Context, sample *models.Sample) (int64, error)
	AddTask(ctx context.Context, task *models.Task) (int64, error)
	ViewTask(ctx context.Context, id int64) (*models.Task, error)
	ViewSample(ctx context.Context, id int64) (*models.Sample, error)
	ListTasks(ctx context.Context, opts ListOptions) ([]models.Task, error)
	Fetch(ctx context.Context, opts FetchOptions) (*models.Task, error)
	SetStatus(ctx context.Context, id int64, status models.TaskStatus) error
	SetRoute(ctx context.Context, id int64, route string) error
	CountTasks(ctx context.Context, status models.TaskStatus) (int, error)
}

// MachineStore is the machine inventory persistence contract.
type MachineStore interface {
	CleanMachines(ctx context.Context) error
	AddMachine(ctx context.Context, machine models.Machine) error
	ViewMachine(ctx context.Context, label string) (*models.Machine, error)
	ListMachines(ctx context.Context) ([]models.Machine, error)
	GetAvailableMachines(ctx context.Context) ([]models.Machine, error)
	CountMachinesAvailable(ctx context.Context) (int, error)
	LockMachine(ctx context.Context, opts LockOptions) (*models.Machine, error)
	UnlockMachine(ctx context.Context, label string) (*models.Machine, error)
	SetMachineStatus(ctx context.Context, label string, status models.MachineStatus) error
}

// Store combines task and machine persistence.
type Store interface {
	TaskStore
	MachineStore
	Close() error
}

// Bool returns a pointer to b, for FetchOptions.Service.
func Bool(b bool) *bool {
	return &b
}
