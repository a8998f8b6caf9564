package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cochaviz/cellar/internal/config"
	"github.com/cochaviz/cellar/internal/scheduler"
)

type DaemonClient interface {
	Status(ctx context.Context) (scheduler.Snapshot, error)
	Stop(ctx context.Context) error
	Tasks(ctx context.Context, req TasksRequest) ([]TaskSummary, error)
}

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) DaemonClient {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = config.DefaultSocketPath
	}
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) send(ctx context.Context, request IPCRequest, response any) error {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var resp struct {
		OK    bool            `json:"ok"`
		Error string          `json:"error"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return fmt.Errorf("daemon request failed")
	}
	if response != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, response); err != nil {
			return fmt.Errorf("unmarshal response payload: %w", err)
		}
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (scheduler.Snapshot, error) {
	var snap scheduler.Snapshot
	if err := c.send(ctx, IPCRequest{Command: CommandStatus}, &snap); err != nil {
		return scheduler.Snapshot{}, err
	}
	return snap, nil
}

func (c *Client) Stop(ctx context.Context) error {
	return c.send(ctx, IPCRequest{Command: CommandStop}, nil)
}

func (c *Client) Tasks(ctx context.Context, req TasksRequest) ([]TaskSummary, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var tasks []TaskSummary
	if err := c.send(ctx, IPCRequest{Command: CommandTasks, Payload: payload}, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}
