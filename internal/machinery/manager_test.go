package machinery

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/cellar/internal/models"
	"github.com/cochaviz/cellar/internal/store"
)

type fakeHypervisor struct {
	mu        sync.Mutex
	states    map[string]State
	reverts   []string
	powerOns  []string
	powerOffs []string

	revertErr error
	// liveSnapshot leaves the machine running after a revert.
	liveSnapshot bool
	// stuck keeps PowerOn from changing the state.
	stuck bool
}

func newFakeHypervisor(states map[string]State) *fakeHypervisor {
	return &fakeHypervisor{states: states}
}

func (f *fakeHypervisor) Name() string { return "fake" }

func (f *fakeHypervisor) State(_ context.Context, label string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[label]
	if !ok {
		return StateUnknown, errors.New("no such domain")
	}
	return state, nil
}

func (f *fakeHypervisor) Revert(_ context.Context, label, snapshot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverts = append(f.reverts, label+"@"+snapshot)
	if f.revertErr != nil {
		return f.revertErr
	}
	if f.liveSnapshot {
		f.states[label] = StateRunning
	}
	return nil
}

func (f *fakeHypervisor) PowerOn(_ context.Context, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerOns = append(f.powerOns, label)
	if !f.stuck {
		f.states[label] = StateRunning
	}
	return nil
}

func (f *fakeHypervisor) PowerOff(_ context.Context, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerOffs = append(f.powerOffs, label)
	f.states[label] = StatePoweroff
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newTestManager(t *testing.T, hv Hypervisor, machines ...models.Machine) (*Manager, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", quietLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mgr := NewManager(hv, st, ManagerOptions{
		Machines:     machines,
		StartTimeout: time.Second,
		StopTimeout:  time.Second,
		PollInterval: 5 * time.Millisecond,
		Logger:       quietLogger(),
	})
	return mgr, st
}

var testMachines = []models.Machine{
	{Name: "win1", Label: "win1", Platform: "windows", Snapshot: "clean"},
	{Name: "lin1", Label: "lin1", Platform: "linux"},
}

func TestInitializePowersOffLeftovers(t *testing.T) {
	hv := newFakeHypervisor(map[string]State{"win1": StateRunning, "lin1": StatePoweroff})
	mgr, _ := newTestManager(t, hv, testMachines...)

	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	if len(hv.powerOffs) != 1 || hv.powerOffs[0] != "win1" {
		t.Fatalf("expected win1 to be powered off, got %v", hv.powerOffs)
	}

	machines, err := mgr.Machines(context.Background())
	if err != nil {
		t.Fatalf("Machines returned error: %v", err)
	}
	if len(machines) != 2 {
		t.Fatalf("expected 2 machines, got %d", len(machines))
	}
	available, err := mgr.Availables(context.Background())
	if err != nil || available != 2 {
		t.Fatalf("expected 2 available machines, got %d (%v)", available, err)
	}
}

func TestInitializeFailsForUnknownDomain(t *testing.T) {
	hv := newFakeHypervisor(map[string]State{"win1": StatePoweroff})
	mgr, _ := newTestManager(t, hv, testMachines...)

	err := mgr.Initialize(context.Background())
	var machineErr *MachineError
	if !errors.As(err, &machineErr) || machineErr.Label != "lin1" {
		t.Fatalf("expected MachineError for lin1, got %v", err)
	}
}

func TestAcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	hv := newFakeHypervisor(map[string]State{"win1": StatePoweroff, "lin1": StatePoweroff})
	mgr, _ := newTestManager(t, hv, testMachines...)
	if err := mgr.Initialize(ctx); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	machine, err := mgr.Acquire(ctx, AcquireOptions{Platform: "windows"})
	if err != nil || machine == nil || machine.Name != "win1" {
		t.Fatalf("expected win1, got %+v (%v)", machine, err)
	}

	busy, err := mgr.Acquire(ctx, AcquireOptions{Platform: "windows"})
	if err != nil || busy != nil {
		t.Fatalf("expected no machine while win1 is locked, got %+v (%v)", busy, err)
	}

	_, err = mgr.Acquire(ctx, AcquireOptions{Platform: "darwin"})
	if !errors.Is(err, ErrOperational) {
		t.Fatalf("expected ErrOperational, got %v", err)
	}
	_, err = mgr.Acquire(ctx, AcquireOptions{MachineID: "win1", Platform: "windows"})
	if !errors.Is(err, ErrOperational) {
		t.Fatalf("expected ErrOperational for mixed criteria, got %v", err)
	}

	running, err := mgr.Running(ctx)
	if err != nil || len(running) != 1 || running[0].Name != "win1" {
		t.Fatalf("expected win1 as the only locked machine, got %+v (%v)", running, err)
	}

	released, err := mgr.Release(ctx, "win1")
	if err != nil || released.Locked {
		t.Fatalf("expected win1 to be unlocked, got %+v (%v)", released, err)
	}
	if _, err := mgr.Release(ctx, "ghost"); err == nil {
		t.Fatal("expected error releasing an unknown machine")
	}
}

func TestStartRevertsAndPowersOn(t *testing.T) {
	ctx := context.Background()
	hv := newFakeHypervisor(map[string]State{"win1": StatePoweroff, "lin1": StatePoweroff})
	mgr, st := newTestManager(t, hv, testMachines...)
	if err := mgr.Initialize(ctx); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	if err := mgr.Start(ctx, "win1", models.Task{ID: 1}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if len(hv.reverts) != 1 || hv.reverts[0] != "win1@clean" {
		t.Fatalf("expected revert to win1@clean, got %v", hv.reverts)
	}
	if len(hv.powerOns) != 1 {
		t.Fatalf("expected one power on, got %v", hv.powerOns)
	}
	machine, _ := st.ViewMachine(ctx, "win1")
	if machine.Status != models.MachineStatusRunning {
		t.Fatalf("expected running status, got %s", machine.Status)
	}

	if err := mgr.Start(ctx, "win1", models.Task{ID: 2}); err == nil {
		t.Fatal("expected error starting a running machine")
	}

	if err := mgr.Stop(ctx, "win1"); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	machine, _ = st.ViewMachine(ctx, "win1")
	if machine.Status != models.MachineStatusPoweroff {
		t.Fatalf("expected poweroff status, got %s", machine.Status)
	}
}

func TestStartWithLiveSnapshotSkipsPowerOn(t *testing.T) {
	ctx := context.Background()
	hv := newFakeHypervisor(map[string]State{"win1": StatePoweroff, "lin1": StatePoweroff})
	hv.liveSnapshot = true
	mgr, _ := newTestManager(t, hv, testMachines...)
	if err := mgr.Initialize(ctx); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	if err := mgr.Start(ctx, "lin1", models.Task{ID: 1}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if len(hv.powerOns) != 0 {
		t.Fatalf("expected no power on after live snapshot, got %v", hv.powerOns)
	}
	if len(hv.reverts) != 1 || hv.reverts[0] != "lin1@" {
		t.Fatalf("expected revert to the current snapshot, got %v", hv.reverts)
	}
}

func TestStartSnapshotFailure(t *testing.T) {
	ctx := context.Background()
	hv := newFakeHypervisor(map[string]State{"win1": StatePoweroff, "lin1": StatePoweroff})
	hv.revertErr = errors.New("snapshot missing")
	mgr, _ := newTestManager(t, hv, testMachines...)
	if err := mgr.Initialize(ctx); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	err := mgr.Start(ctx, "win1", models.Task{ID: 1})
	var snapErr *SnapshotError
	if !errors.As(err, &snapErr) || snapErr.Snapshot != "clean" {
		t.Fatalf("expected SnapshotError, got %v", err)
	}
}

func TestStartTimesOut(t *testing.T) {
	ctx := context.Background()
	hv := newFakeHypervisor(map[string]State{"win1": StatePoweroff, "lin1": StatePoweroff})
	hv.stuck = true
	mgr, _ := newTestManager(t, hv, testMachines...)
	mgr.startTimeout = 30 * time.Millisecond
	if err := mgr.Initialize(ctx); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	err := mgr.Start(ctx, "win1", models.Task{ID: 1})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestShutdownStopsLockedMachines(t *testing.T) {
	ctx := context.Background()
	hv := newFakeHypervisor(map[string]State{"win1": StatePoweroff, "lin1": StatePoweroff})
	mgr, _ := newTestManager(t, hv, testMachines...)
	if err := mgr.Initialize(ctx); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	if _, err := mgr.Acquire(ctx, AcquireOptions{MachineID: "lin1"}); err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if err := mgr.Start(ctx, "lin1", models.Task{ID: 1}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if len(hv.powerOffs) != 1 || hv.powerOffs[0] != "lin1" {
		t.Fatalf("expected lin1 to be powered off, got %v", hv.powerOffs)
	}
	running, _ := mgr.Running(ctx)
	if len(running) != 0 {
		t.Fatalf("expected no locked machines after shutdown, got %v", running)
	}
}

func TestOptionalCapabilitiesNotSupported(t *testing.T) {
	hv := newFakeHypervisor(map[string]State{})
	mgr, _ := newTestManager(t, hv)

	if err := mgr.DumpMemory(context.Background(), "win1", t.TempDir()+"/memory.dmp"); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	if err := mgr.AttachMedia(context.Background(), models.Machine{Label: "win1"}, "/tmp/a.iso"); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	if _, _, err := mgr.Guest(context.Background(), models.Machine{Label: "win1"}); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
}
