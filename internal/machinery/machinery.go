// Package machinery manages the pool of analysis virtual machines: the
// inventory, acquire/release bookkeeping and the hypervisor operations that
// start and stop machines for an analysis.
package machinery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cochaviz/cellar/internal/models"
)

// ErrOperational signals that no machine satisfies the requirements of a
// task. The scheduler treats it as recoverable.
var ErrOperational = errors.New("no machine with matching requirements")

// MachineError reports a failed hypervisor or inventory operation.
type MachineError struct {
	Label string
	Op    string
	Err   error
}

func (e *MachineError) Error() string {
	return fmt.Sprintf("machine %s: %s: %v", e.Label, e.Op, e.Err)
}

func (e *MachineError) Unwrap() error {
	return e.Err
}

// SnapshotError reports a failed snapshot restore.
type SnapshotError struct {
	Label    string
	Snapshot string
	Err      error
}

func (e *SnapshotError) Error() string {
	snapshot := e.Snapshot
	if snapshot == "" {
		snapshot = "<current>"
	}
	return fmt.Sprintf("machine %s: restore snapshot %s: %v", e.Label, snapshot, e.Err)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

// ErrNotSupported is returned by optional operations a backend does not offer.
var ErrNotSupported = errors.New("operation not supported by machinery")

// AcquireOptions describes the machine an analysis needs.
type AcquireOptions struct {
	MachineID string
	Platform  string
	Tags      []string
}

// Machinery is the capability the scheduler and analysis managers use to
// obtain and drive machines.
type Machinery interface {
	Initialize(ctx context.Context) error
	Machines(ctx context.Context) ([]models.Machine, error)
	Running(ctx context.Context) ([]models.Machine, error)
	Availables(ctx context.Context) (int, error)
	// Acquire locks a matching machine. It returns ErrOperational when no
	// machine matches at all, and a nil machine when all matches are busy.
	Acquire(ctx context.Context, opts AcquireOptions) (*models.Machine, error)
	Release(ctx context.Context, label string) (*models.Machine, error)
	Start(ctx context.Context, label string, task models.Task) error
	Stop(ctx context.Context, label string) error
	Shutdown(ctx context.Context) error
}

// State is the hypervisor-reported power state of a machine.
type State string

const (
	StateRunning  State = "running"
	StatePoweroff State = "poweroff"
	StatePaused   State = "paused"
	StateAborted  State = "aborted"
	StateUnknown  State = "unknown"
)

// Hypervisor is the backend a Manager drives.
type Hypervisor interface {
	Name() string
	State(ctx context.Context, label string) (State, error)
	// Revert restores snapshot, or the current snapshot when empty.
	Revert(ctx context.Context, label, snapshot string) error
	PowerOn(ctx context.Context, label string) error
	PowerOff(ctx context.Context, label string) error
}

// MemoryDumper is implemented by backends able to dump guest memory.
type MemoryDumper interface {
	DumpMemory(ctx context.Context, label, path string) error
}

// MediaAttacher is implemented by backends able to insert an ISO image
// into a machine's optical drive.
type MediaAttacher interface {
	AttachMedia(ctx context.Context, machine models.Machine, isoPath string) error
}

// GuestCommand is a process to run inside a guest.
type GuestCommand struct {
	Path    string
	Args    []string
	Timeout time.Duration
}

// GuestResult is the outcome of a GuestCommand.
type GuestResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Guest drives a running guest operating system.
type Guest interface {
	WaitReady(ctx context.Context, timeout time.Duration) error
	Execute(ctx context.Context, cmd GuestCommand) (GuestResult, error)
}

// GuestProvider is implemented by backends that can reach a guest agent.
// The returned close function releases backend handles.
type GuestProvider interface {
	Guest(ctx context.Context, machine models.Machine) (Guest, func(), error)
}
