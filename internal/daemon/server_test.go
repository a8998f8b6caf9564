package daemon

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cochaviz/cellar/internal/models"
	"github.com/cochaviz/cellar/internal/scheduler"
	"github.com/cochaviz/cellar/internal/store"
)

type fakeController struct {
	stops atomic.Int32
}

func (f *fakeController) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{
		State:         scheduler.StateRunning,
		TotalAnalyses: 3,
		Managers:      []scheduler.ManagerSnapshot{{TaskID: 9, Category: models.CategoryURL, Status: "running"}},
	}
}

func (f *fakeController) Stop() { f.stops.Add(1) }

type fakeLister struct {
	got store.ListOptions
}

func (f *fakeLister) ListTasks(_ context.Context, opts store.ListOptions) ([]models.Task, error) {
	f.got = opts
	return []models.Task{{
		ID:        4,
		Category:  models.CategoryFile,
		Target:    "/tmp/sample.bin",
		Status:    models.TaskReported,
		AddedOn:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		StartedOn: time.Date(2024, 1, 2, 3, 5, 0, 0, time.UTC),
	}}, nil
}

func startServer(t *testing.T) (*Server, *fakeController, *fakeLister, DaemonClient) {
	t.Helper()

	// unix socket paths are length limited; keep them short
	dir, err := os.MkdirTemp("", "cellar")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "d.sock")

	control := &fakeController{}
	lister := &fakeLister{}
	srv := NewServer(socket, control, lister, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return srv, control, lister, NewClient(socket)
}

func TestClientStatus(t *testing.T) {
	t.Parallel()

	_, _, _, client := startServer(t)
	snap, err := client.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.StateRunning, snap.State)
	require.Equal(t, 3, snap.TotalAnalyses)
	require.Len(t, snap.Managers, 1)
	require.Equal(t, int64(9), snap.Managers[0].TaskID)
}

func TestClientStop(t *testing.T) {
	t.Parallel()

	_, control, _, client := startServer(t)
	require.NoError(t, client.Stop(context.Background()))
	require.Equal(t, int32(1), control.stops.Load())
}

func TestClientTasks(t *testing.T) {
	t.Parallel()

	_, _, lister, client := startServer(t)
	tasks, err := client.Tasks(context.Background(), TasksRequest{Status: models.TaskReported, Limit: 5})
	require.NoError(t, err)
	require.Equal(t, store.ListOptions{Status: models.TaskReported, Limit: 5}, lister.got)
	require.Len(t, tasks, 1)
	require.Equal(t, int64(4), tasks[0].ID)
	require.NotNil(t, tasks[0].StartedOn)
	require.Nil(t, tasks[0].CompletedOn)

	_, err = client.Tasks(context.Background(), TasksRequest{Status: "bogus"})
	require.ErrorContains(t, err, "unknown task status")
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := startServer(t)
	resp := srv.dispatch(context.Background(), IPCRequest{Command: "reboot"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "unknown command")
}

func TestListenReplacesStaleSocket(t *testing.T) {
	t.Parallel()

	dir, err := os.MkdirTemp("", "cellar")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "d.sock")

	stale, err := net.Listen("unix", socket)
	require.NoError(t, err)
	// keep the file but stop answering
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())

	srv := NewServer(socket, &fakeController{}, &fakeLister{}, nil)
	require.NoError(t, srv.Listen())
	srv.listener.Close()

	live, _, _, _ := startServer(t)
	other := NewServer(live.socketPath, &fakeController{}, &fakeLister{}, nil)
	require.ErrorContains(t, other.Listen(), "already listening")
}

func TestClientWithoutDaemon(t *testing.T) {
	t.Parallel()

	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := client.Status(context.Background())
	require.ErrorContains(t, err, "connect to daemon")
}

func listenOnly(t *testing.T) (*Server, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "cellar")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "d.sock")

	srv := NewServer(socket, &fakeController{}, &fakeLister{}, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	require.NoError(t, srv.Listen())
	return srv, socket
}

func TestServeReturnsWithIdleClient(t *testing.T) {
	t.Parallel()

	srv, socket := listenOnly(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()

	// give the accept loop time to hand the connection to a handler
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after cancellation with an idle client")
	}
	_, err = os.Stat(socket)
	require.True(t, os.IsNotExist(err), "socket should be removed, stat error = %v", err)
}

func TestIdleClientIsDisconnected(t *testing.T) {
	previous := requestTimeout
	requestTimeout = 100 * time.Millisecond
	t.Cleanup(func() { requestTimeout = previous })

	srv, socket := listenOnly(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	// the server gives up on the silent client and closes the connection
	buf := make([]byte, 512)
	for {
		_, err = conn.Read(buf)
		if err != nil {
			break
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatal("connection still open after the request timeout")
	}
}
