package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cochaviz/cellar/internal/logging"
	"github.com/cochaviz/cellar/internal/models"
	"github.com/cochaviz/cellar/internal/scheduler"
	"github.com/cochaviz/cellar/internal/store"
)

// requestTimeout bounds how long a client may take to send its request and
// read the reply.
var requestTimeout = 10 * time.Second

// Controller is the part of the scheduler the daemon exposes.
type Controller interface {
	Snapshot() scheduler.Snapshot
	Stop()
}

// TaskLister reads the task queue.
type TaskLister interface {
	ListTasks(ctx context.Context, opts store.ListOptions) ([]models.Task, error)
}

// Server answers IPCRequests on a unix socket.
type Server struct {
	socketPath string
	control    Controller
	tasks      TaskLister
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

func NewServer(socketPath string, control Controller, tasks TaskLister, logger *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		control:    control,
		tasks:      tasks,
		logger:     logging.Component(logger, "daemon"),
	}
}

// Listen binds the socket. A socket left behind by a dead daemon is
// replaced; a live one is an error.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil && errors.Is(err, syscall.EADDRINUSE) {
		conn, dialErr := net.Dial("unix", s.socketPath)
		if dialErr == nil {
			conn.Close()
			return fmt.Errorf("daemon already listening on %s", s.socketPath)
		}
		if removeErr := os.Remove(s.socketPath); removeErr != nil {
			return fmt.Errorf("remove stale socket: %w", removeErr)
		}
		s.logger.Warn("removed stale daemon socket", "socket", s.socketPath)
		ln, err = net.Listen("unix", s.socketPath)
	}
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	logging.Event(s.logger, slog.LevelInfo, "daemon listening", "daemon.listen", "success", "socket", s.socketPath)
	return nil
}

// Serve accepts connections until ctx is done. Listen must have succeeded.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("daemon is not listening")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	defer func() {
		s.wg.Wait()
		os.Remove(s.socketPath)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.SetDeadline(time.Now().Add(requestTimeout)); err != nil {
		s.logger.Warn("failed to set connection deadline", "error", err)
		return
	}

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("invalid daemon request", "error", err)
		s.reply(conn, IPCResponse{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}
	s.logger.Debug("daemon request", "command", req.Command)
	s.reply(conn, s.dispatch(ctx, req))
}

func (s *Server) dispatch(ctx context.Context, req IPCRequest) IPCResponse {
	switch req.Command {
	case CommandStatus:
		return IPCResponse{OK: true, Data: s.control.Snapshot()}
	case CommandStop:
		s.control.Stop()
		return IPCResponse{OK: true}
	case CommandTasks:
		var opts TasksRequest
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &opts); err != nil {
				return IPCResponse{Error: fmt.Sprintf("decode payload: %v", err)}
			}
		}
		if opts.Status != "" && !opts.Status.Valid() {
			return IPCResponse{Error: fmt.Sprintf("unknown task status %q", opts.Status)}
		}
		tasks, err := s.tasks.ListTasks(ctx, store.ListOptions{Status: opts.Status, Limit: opts.Limit})
		if err != nil {
			return IPCResponse{Error: err.Error()}
		}
		summaries := make([]TaskSummary, 0, len(tasks))
		for _, task := range tasks {
			summaries = append(summaries, summarize(task))
		}
		return IPCResponse{OK: true, Data: summaries}
	default:
		return IPCResponse{Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func (s *Server) reply(conn net.Conn, resp IPCResponse) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Warn("failed to write daemon response", "error", err)
	}
}
