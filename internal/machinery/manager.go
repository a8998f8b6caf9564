package machinery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cochaviz/cellar/internal/logging"
	"github.com/cochaviz/cellar/internal/models"
	"github.com/cochaviz/cellar/internal/store"
)

const defaultPollInterval = time.Second

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Machines     []models.Machine
	StartTimeout time.Duration
	StopTimeout  time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Manager implements Machinery on top of the machine inventory and a
// Hypervisor backend.
type Manager struct {
	hv       Hypervisor
	machines store.MachineStore
	defined  []models.Machine
	logger   *slog.Logger

	startTimeout time.Duration
	stopTimeout  time.Duration
	pollInterval time.Duration

	// mu serialises acquire and release so inventory locks stay consistent
	// with the power operations issued against the backend.
	mu sync.Mutex
}

// NewManager returns a Manager driving hv.
func NewManager(hv Hypervisor, machines store.MachineStore, opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Manager{
		hv:           hv,
		machines:     machines,
		defined:      append([]models.Machine(nil), opts.Machines...),
		logger:       logging.Component(logger, "machinery").With("backend", hv.Name()),
		startTimeout: opts.StartTimeout,
		stopTimeout:  opts.StopTimeout,
		pollInterval: poll,
	}
}

// Initialize rebuilds the inventory from the configured machines and powers
// off anything left running by a previous run.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.machines.CleanMachines(ctx); err != nil {
		return fmt.Errorf("clean machine inventory: %w", err)
	}
	for _, machine := range m.defined {
		if err := m.machines.AddMachine(ctx, machine); err != nil {
			return fmt.Errorf("register machine %s: %w", machine.Name, err)
		}
	}

	for _, machine := range m.defined {
		state, err := m.hv.State(ctx, machine.Label)
		if err != nil {
			return &MachineError{Label: machine.Label, Op: "inspect", Err: err}
		}
		m.logger.Debug("machine registered", "machine", machine.Name, "label", machine.Label, "state", state)
		if state == StatePoweroff {
			continue
		}
		m.logger.Warn("machine still running from a previous run, powering off", "machine", machine.Name)
		if err := m.powerOff(ctx, machine.Label); err != nil {
			return err
		}
	}

	m.logger.Info("machinery initialized", "machines", len(m.defined))
	return nil
}

func (m *Manager) Machines(ctx context.Context) ([]models.Machine, error) {
	return m.machines.ListMachines(ctx)
}

// Running lists the machines currently locked by an analysis.
func (m *Manager) Running(ctx context.Context) ([]models.Machine, error) {
	all, err := m.machines.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	locked := make([]models.Machine, 0, len(all))
	for _, machine := range all {
		if machine.Locked {
			locked = append(locked, machine)
		}
	}
	return locked, nil
}

func (m *Manager) Availables(ctx context.Context) (int, error) {
	return m.machines.CountMachinesAvailable(ctx)
}

func (m *Manager) Acquire(ctx context.Context, opts AcquireOptions) (*models.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	machine, err := m.machines.LockMachine(ctx, store.LockOptions{
		Label:    opts.MachineID,
		Platform: opts.Platform,
		Tags:     opts.Tags,
	})
	if errors.Is(err, store.ErrNoMatchingMachine) || errors.Is(err, store.ErrInvalidLockCriteria) {
		return nil, fmt.Errorf("%w: %w", ErrOperational, err)
	}
	if err != nil {
		return nil, err
	}
	if machine != nil {
		m.logger.Debug("machine acquired", "machine", machine.Name)
	}
	return machine, nil
}

func (m *Manager) Release(ctx context.Context, label string) (*models.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	machine, err := m.machines.UnlockMachine(ctx, label)
	if err != nil {
		return nil, &MachineError{Label: label, Op: "release", Err: err}
	}
	m.logger.Debug("machine released", "machine", label)
	return machine, nil
}

// Start restores the machine snapshot and powers it on.
func (m *Manager) Start(ctx context.Context, label string, task models.Task) error {
	machine, err := m.lookup(ctx, label)
	if err != nil {
		return err
	}

	state, err := m.hv.State(ctx, machine.Label)
	if err != nil {
		return &MachineError{Label: label, Op: "inspect", Err: err}
	}
	if state == StateRunning {
		return &MachineError{Label: label, Op: "start", Err: errors.New("machine is already running")}
	}

	m.logger.Info("restoring snapshot", "machine", machine.Name, "snapshot", machine.Snapshot, "task_id", task.ID)
	if err := m.hv.Revert(ctx, machine.Label, machine.Snapshot); err != nil {
		return &SnapshotError{Label: label, Snapshot: machine.Snapshot, Err: err}
	}

	state, err = m.hv.State(ctx, machine.Label)
	if err != nil {
		return &MachineError{Label: label, Op: "inspect", Err: err}
	}
	if state != StateRunning {
		if err := m.hv.PowerOn(ctx, machine.Label); err != nil {
			return &MachineError{Label: label, Op: "power on", Err: err}
		}
	}
	if err := m.waitState(ctx, machine.Label, m.startTimeout, StateRunning); err != nil {
		return &MachineError{Label: label, Op: "start", Err: err}
	}
	m.setStatus(ctx, machine.Label, models.MachineStatusRunning)
	return nil
}

// Stop powers the machine off.
func (m *Manager) Stop(ctx context.Context, label string) error {
	machine, err := m.lookup(ctx, label)
	if err != nil {
		return err
	}
	return m.powerOff(ctx, machine.Label)
}

// Shutdown powers off every machine still locked by an analysis.
func (m *Manager) Shutdown(ctx context.Context) error {
	locked, err := m.Running(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, machine := range locked {
		m.logger.Warn("machine still locked at shutdown, powering off", "machine", machine.Name)
		if err := m.powerOff(ctx, machine.Label); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := m.machines.UnlockMachine(ctx, machine.Label); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DumpMemory writes the guest memory to path when the backend supports it.
func (m *Manager) DumpMemory(ctx context.Context, label, path string) error {
	dumper, ok := m.hv.(MemoryDumper)
	if !ok {
		return ErrNotSupported
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := dumper.DumpMemory(ctx, label, path); err != nil {
		return &MachineError{Label: label, Op: "dump memory", Err: err}
	}
	return nil
}

// AttachMedia inserts isoPath into the machine's optical drive when the
// backend supports it.
func (m *Manager) AttachMedia(ctx context.Context, machine models.Machine, isoPath string) error {
	attacher, ok := m.hv.(MediaAttacher)
	if !ok {
		return ErrNotSupported
	}
	if err := attacher.AttachMedia(ctx, machine, isoPath); err != nil {
		return &MachineError{Label: machine.Label, Op: "attach media", Err: err}
	}
	return nil
}

// Guest returns a guest agent handle when the backend provides one.
func (m *Manager) Guest(ctx context.Context, machine models.Machine) (Guest, func(), error) {
	provider, ok := m.hv.(GuestProvider)
	if !ok {
		return nil, nil, ErrNotSupported
	}
	return provider.Guest(ctx, machine)
}

func (m *Manager) lookup(ctx context.Context, label string) (*models.Machine, error) {
	machine, err := m.machines.ViewMachine(ctx, label)
	if err != nil {
		return nil, &MachineError{Label: label, Op: "lookup", Err: err}
	}
	if machine == nil {
		return nil, &MachineError{Label: label, Op: "lookup", Err: store.ErrMachineNotFound}
	}
	return machine, nil
}

func (m *Manager) powerOff(ctx context.Context, label string) error {
	state, err := m.hv.State(ctx, label)
	if err != nil {
		return &MachineError{Label: label, Op: "inspect", Err: err}
	}
	if state == StatePoweroff {
		m.setStatus(ctx, label, models.MachineStatusPoweroff)
		return nil
	}
	if err := m.hv.PowerOff(ctx, label); err != nil {
		return &MachineError{Label: label, Op: "power off", Err: err}
	}
	if err := m.waitState(ctx, label, m.stopTimeout, StatePoweroff); err != nil {
		return &MachineError{Label: label, Op: "stop", Err: err}
	}
	m.setStatus(ctx, label, models.MachineStatusPoweroff)
	return nil
}

func (m *Manager) waitState(ctx context.Context, label string, timeout time.Duration, want State) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		state, err := m.hv.State(ctx, label)
		if err != nil {
			return err
		}
		if state == want {
			return nil
		}
		if state == StateAborted && want == StateRunning {
			m.setStatus(ctx, label, models.MachineStatusAborted)
			return fmt.Errorf("machine aborted while waiting for %s", want)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for state %s (last %s): %w", want, state, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (m *Manager) setStatus(ctx context.Context, label string, status models.MachineStatus) {
	if err := m.machines.SetMachineStatus(ctx, label, status); err != nil {
		m.logger.Warn("failed to record machine status", "machine", label, "status", status, "error", err)
	}
}
