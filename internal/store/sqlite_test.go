package store

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cochaviz/cellar/internal/models"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func addTask(t *testing.T, st *SQLiteStore, task models.Task) int64 {
	t.Helper()
	if task.Category == "" {
		task.Category = models.CategoryURL
	}
	if task.Target == "" {
		task.Target = "http://example.com"
	}
	id, err := st.AddTask(context.Background(), &task)
	require.NoError(t, err)
	return id
}

func TestAddAndViewTask(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	sampleID, err := st.AddSample(ctx, &models.Sample{SHA256: "abc", FileName: "a.exe", FileSize: 3})
	require.NoError(t, err)
	again, err := st.AddSample(ctx, &models.Sample{SHA256: "abc"})
	require.NoError(t, err)
	require.Equal(t, sampleID, again, "duplicate sample should reuse the existing row")

	id := addTask(t, st, models.Task{
		Category: models.CategoryFile,
		Target:   "/tmp/a.exe",
		Platform: "windows",
		Tags:     []string{"Office", "x64", "office"},
		Timeout:  90 * time.Second,
		Options:  map[string]string{"route": "internet"},
		SampleID: sampleID,
		Priority: 2,
	})

	task, err := st.ViewTask(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, models.TaskPending, task.Status)
	require.Equal(t, []string{"office", "x64"}, task.Tags)
	require.Equal(t, 90*time.Second, task.Timeout)
	require.Equal(t, "internet", task.Options["route"])
	require.Equal(t, sampleID, task.SampleID)
	require.False(t, task.AddedOn.IsZero())

	sample, err := st.ViewSample(ctx, sampleID)
	require.NoError(t, err)
	require.Equal(t, "a.exe", sample.FileName)

	missing, err := st.ViewTask(ctx, 999)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestFetchOrdersByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	base := time.Now().Add(-time.Hour)
	low := addTask(t, st, models.Task{Priority: 1, AddedOn: base})
	highNew := addTask(t, st, models.Task{Priority: 3, AddedOn: base.Add(2 * time.Minute)})
	highOld := addTask(t, st, models.Task{Priority: 3, AddedOn: base.Add(time.Minute)})

	task, err := st.Fetch(ctx, FetchOptions{})
	require.NoError(t, err)
	require.Equal(t, highOld, task.ID)

	task, err = st.Fetch(ctx, FetchOptions{Exclude: []int64{highOld}})
	require.NoError(t, err)
	require.Equal(t, highNew, task.ID)

	task, err = st.Fetch(ctx, FetchOptions{Exclude: []int64{highOld, highNew}})
	require.NoError(t, err)
	require.Equal(t, low, task.ID)

	task, err = st.Fetch(ctx, FetchOptions{Exclude: []int64{highOld, highNew, low}})
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestFetchSkipsFutureTasks(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	addTask(t, st, models.Task{StartOn: time.Now().Add(time.Hour)})

	task, err := st.Fetch(ctx, FetchOptions{})
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestFetchFiltersMachineAndService(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	bound := addTask(t, st, models.Task{Machine: "vm1", Priority: 1})
	service := addTask(t, st, models.Task{Tags: []string{"service"}, Priority: 5})
	plain := addTask(t, st, models.Task{Priority: 2})

	task, err := st.Fetch(ctx, FetchOptions{Machine: "vm1"})
	require.NoError(t, err)
	require.Equal(t, bound, task.ID)

	task, err = st.Fetch(ctx, FetchOptions{Service: Bool(false)})
	require.NoError(t, err)
	require.Equal(t, plain, task.ID)

	task, err = st.Fetch(ctx, FetchOptions{Service: Bool(true)})
	require.NoError(t, err)
	require.Equal(t, service, task.ID)
}

func TestFetchLockMarksRunning(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	id := addTask(t, st, models.Task{})

	task, err := st.Fetch(ctx, FetchOptions{Lock: true})
	require.NoError(t, err)
	require.Equal(t, id, task.ID)
	require.Equal(t, models.TaskRunning, task.Status)
	require.False(t, task.StartedOn.IsZero())

	count, err := st.CountTasks(ctx, models.TaskPending)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestSetStatusStampsTimes(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	id := addTask(t, st, models.Task{})
	require.NoError(t, st.SetStatus(ctx, id, models.TaskCompleted))
	require.NoError(t, st.SetRoute(ctx, id, "internet"))

	task, err := st.ViewTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.TaskCompleted, task.Status)
	require.Equal(t, "internet", task.Route)
	require.False(t, task.CompletedOn.IsZero())

	require.ErrorIs(t, st.SetStatus(ctx, 42, models.TaskRunning), ErrTaskNotFound)
	require.Error(t, st.SetStatus(ctx, id, models.TaskStatus("bogus")))
}

func TestListTasks(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	first := addTask(t, st, models.Task{Tags: []string{"a"}})
	second := addTask(t, st, models.Task{})
	require.NoError(t, st.SetStatus(ctx, second, models.TaskRunning))

	all, err := st.ListTasks(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, second, all[0].ID)
	require.Equal(t, []string{"a"}, all[1].Tags)

	pending, err := st.ListTasks(ctx, ListOptions{Status: models.TaskPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, first, pending[0].ID)
}

func seedMachines(t *testing.T, st *SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	machines := []models.Machine{
		{Name: "win1", Label: "win1-label", Platform: "windows", Tags: []string{"office"}},
		{Name: "win2", Platform: "windows"},
		{Name: "lin1", Platform: "linux"},
		{Name: "svc", Platform: "linux", Tags: []string{"service"}},
	}
	for _, m := range machines {
		require.NoError(t, st.AddMachine(ctx, m))
	}
}

func TestLockMachineByLabel(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seedMachines(t, st)

	machine, err := st.LockMachine(ctx, LockOptions{Label: "win1"})
	require.NoError(t, err)
	require.Equal(t, "win1", machine.Name)
	require.True(t, machine.Locked)

	again, err := st.LockMachine(ctx, LockOptions{Label: "win1-label"})
	require.NoError(t, err)
	require.Nil(t, again, "locked machine must not be handed out twice")

	available, err := st.CountMachinesAvailable(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, available)

	unlocked, err := st.UnlockMachine(ctx, "win1-label")
	require.NoError(t, err)
	require.False(t, unlocked.Locked)
}

func TestLockMachineByPlatformAndTags(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seedMachines(t, st)

	machine, err := st.LockMachine(ctx, LockOptions{Tags: []string{"office"}})
	require.NoError(t, err)
	require.Equal(t, "win1", machine.Name)

	_, err = st.LockMachine(ctx, LockOptions{Tags: []string{"gpu"}})
	require.ErrorIs(t, err, ErrNoMatchingMachine)

	machine, err = st.LockMachine(ctx, LockOptions{Platform: "linux"})
	require.NoError(t, err)
	require.Equal(t, "lin1", machine.Name, "service machines are skipped without the service tag")

	machine, err = st.LockMachine(ctx, LockOptions{Platform: "linux"})
	require.NoError(t, err)
	require.Nil(t, machine)

	machine, err = st.LockMachine(ctx, LockOptions{Tags: []string{"service"}})
	require.NoError(t, err)
	require.Equal(t, "svc", machine.Name)
}

func TestLockMachineRejectsMixedCriteria(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seedMachines(t, st)

	_, err := st.LockMachine(ctx, LockOptions{Label: "win1", Platform: "windows"})
	require.ErrorIs(t, err, ErrInvalidLockCriteria)
	_, err = st.LockMachine(ctx, LockOptions{Label: "win1", Tags: []string{"office"}})
	require.ErrorIs(t, err, ErrInvalidLockCriteria)
}

func TestAvailableMachinesAndClean(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seedMachines(t, st)

	_, err := st.LockMachine(ctx, LockOptions{Label: "win2"})
	require.NoError(t, err)

	available, err := st.GetAvailableMachines(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(available))
	for _, m := range available {
		names = append(names, m.Name)
	}
	require.Equal(t, []string{"lin1", "svc", "win1"}, names)

	require.NoError(t, st.SetMachineStatus(ctx, "lin1", models.MachineStatusRunning))
	lin, err := st.ViewMachine(ctx, "lin1")
	require.NoError(t, err)
	require.Equal(t, models.MachineStatusRunning, lin.Status)

	require.NoError(t, st.CleanMachines(ctx))
	all, err := st.ListMachines(ctx)
	require.NoError(t, err)
	require.Empty(t, all)

	_, err = st.UnlockMachine(ctx, "lin1")
	require.ErrorIs(t, err, ErrMachineNotFound)
}
