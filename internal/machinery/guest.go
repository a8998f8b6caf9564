package machinery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultGuestCommandTimeout = 2 * time.Minute
	defaultGuestPollInterval   = 500 * time.Millisecond
)

type agentCommander interface {
	AgentCommand(cmd string) (string, error)
}

type guestExecRequest struct {
	Execute   string             `json:"execute"`
	Arguments guestExecArguments `json:"arguments"`
}

type guestExecArguments struct {
	Path          string   `json:"path"`
	Arg           []string `json:"arg"`
	CaptureOutput bool     `json:"capture-output"`
}

type guestExecResponse struct {
	Return struct {
		PID int `json:"pid"`
	} `json:"return"`
}

type guestExecStatusRequest struct {
	Execute   string `json:"execute"`
	Arguments struct {
		PID int `json:"pid"`
	} `json:"arguments"`
}

type guestExecStatusResponse struct {
	Return struct {
		Exited   bool   `json:"exited"`
		ExitCode int    `json:"exitcode"`
		OutData  string `json:"out-data"`
		ErrData  string `json:"err-data"`
	} `json:"return"`
}

// AgentGuest drives a guest through the QEMU guest agent.
type AgentGuest struct {
	agent    agentCommander
	interval time.Duration
}

// NewAgentGuest wraps a domain exposing the QEMU guest agent.
func NewAgentGuest(agent agentCommander) *AgentGuest {
	return &AgentGuest{agent: agent, interval: defaultGuestPollInterval}
}

// WaitReady polls guest-ping until the agent answers or timeout elapses.
func (g *AgentGuest) WaitReady(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var lastErr error
	for {
		_, err := g.agent.AgentCommand(`{"execute":"guest-ping"}`)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return fmt.Errorf("guest agent not reachable: %w (last error: %v)", ctx.Err(), lastErr)
		case <-time.After(g.interval):
		}
	}
}

// Execute runs cmd and waits for it to exit. A non-zero exit code is
// returned as an error alongside the captured output.
func (g *AgentGuest) Execute(ctx context.Context, cmd GuestCommand) (GuestResult, error) {
	if strings.TrimSpace(cmd.Path) == "" {
		return GuestResult{}, errors.New("guest command path is required")
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultGuestCommandTimeout
	}
	args := cmd.Args
	if args == nil {
		args = []string{}
	}

	payload, err := json.Marshal(guestExecRequest{
		Execute: "guest-exec",
		Arguments: guestExecArguments{
			Path:          cmd.Path,
			Arg:           args,
			CaptureOutput: true,
		},
	})
	if err != nil {
		return GuestResult{}, fmt.Errorf("marshal guest exec request: %w", err)
	}

	resp, err := g.agent.AgentCommand(string(payload))
	if err != nil {
		return GuestResult{}, fmt.Errorf("invoke guest exec: %w", err)
	}
	var execResp guestExecResponse
	if err := json.Unmarshal([]byte(resp), &execResp); err != nil {
		return GuestResult{}, fmt.Errorf("decode guest exec response: %w", err)
	}
	if execResp.Return.PID == 0 {
		return GuestResult{}, errors.New("guest exec returned invalid pid")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return g.waitForCommand(ctx, execResp.Return.PID)
}

func (g *AgentGuest) waitForCommand(ctx context.Context, pid int) (GuestResult, error) {
	var req guestExecStatusRequest
	req.Execute = "guest-exec-status"
	req.Arguments.PID = pid
	payload, err := json.Marshal(req)
	if err != nil {
		return GuestResult{}, fmt.Errorf("marshal guest exec status request: %w", err)
	}

	for {
		resp, err := g.agent.AgentCommand(string(payload))
		if err != nil {
			return GuestResult{}, fmt.Errorf("query guest exec status: %w", err)
		}
		var status guestExecStatusResponse
		if err := json.Unmarshal([]byte(resp), &status); err != nil {
			return GuestResult{}, fmt.Errorf("decode guest exec status: %w", err)
		}

		if status.Return.Exited {
			result := GuestResult{
				ExitCode: status.Return.ExitCode,
				Stdout:   decodeBase64(status.Return.OutData),
				Stderr:   decodeBase64(status.Return.ErrData),
			}
			if result.ExitCode != 0 {
				return result, fmt.Errorf("guest command exit code %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
			}
			return result, nil
		}

		select {
		case <-ctx.Done():
			return GuestResult{}, fmt.Errorf("guest command pid %d: %w", pid, ctx.Err())
		case <-time.After(g.interval):
		}
	}
}

func decodeBase64(data string) string {
	if strings.TrimSpace(data) == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return ""
	}
	return string(decoded)
}
