package machinery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

type scriptedAgent struct {
	statuses []string
	calls    []string
	pingErrs int
}

func (a *scriptedAgent) AgentCommand(cmd string) (string, error) {
	a.calls = append(a.calls, cmd)
	switch {
	case strings.Contains(cmd, `"guest-ping"`):
		if a.pingErrs > 0 {
			a.pingErrs--
			return "", errors.New("agent not ready")
		}
		return `{"return":{}}`, nil
	case strings.Contains(cmd, `"guest-exec-status"`):
		status := a.statuses[0]
		if len(a.statuses) > 1 {
			a.statuses = a.statuses[1:]
		}
		return status, nil
	case strings.Contains(cmd, `"guest-exec"`):
		return `{"return":{"pid":42}}`, nil
	}
	return "", errors.New("unexpected command")
}

func execStatus(exited bool, code int, stdout, stderr string) string {
	var resp guestExecStatusResponse
	resp.Return.Exited = exited
	resp.Return.ExitCode = code
	resp.Return.OutData = base64.StdEncoding.EncodeToString([]byte(stdout))
	resp.Return.ErrData = base64.StdEncoding.EncodeToString([]byte(stderr))
	payload, _ := json.Marshal(resp)
	return string(payload)
}

func newTestGuest(agent agentCommander) *AgentGuest {
	guest := NewAgentGuest(agent)
	guest.interval = time.Millisecond
	return guest
}

func TestAgentGuestExecute(t *testing.T) {
	agent := &scriptedAgent{statuses: []string{
		execStatus(false, 0, "", ""),
		execStatus(true, 0, "ok", ""),
	}}

	result, err := newTestGuest(agent).Execute(context.Background(), GuestCommand{Path: "/bin/true"})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Stdout != "ok" || result.ExitCode != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if !strings.Contains(agent.calls[0], `"arg":[]`) {
		t.Fatalf("expected empty argument list in request, got %s", agent.calls[0])
	}
}

func TestAgentGuestExecuteNonZeroExit(t *testing.T) {
	agent := &scriptedAgent{statuses: []string{execStatus(true, 2, "", "boom")}}

	result, err := newTestGuest(agent).Execute(context.Background(), GuestCommand{Path: "/bin/false"})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected exit error mentioning stderr, got %v", err)
	}
	if result.ExitCode != 2 {
		t.Fatalf("expected exit code 2, got %d", result.ExitCode)
	}
}

func TestAgentGuestExecuteTimesOut(t *testing.T) {
	agent := &scriptedAgent{statuses: []string{execStatus(false, 0, "", "")}}

	_, err := newTestGuest(agent).Execute(context.Background(), GuestCommand{Path: "/bin/sleep", Timeout: 20 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestAgentGuestExecuteRequiresPath(t *testing.T) {
	if _, err := newTestGuest(&scriptedAgent{}).Execute(context.Background(), GuestCommand{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestAgentGuestWaitReady(t *testing.T) {
	agent := &scriptedAgent{pingErrs: 2}
	if err := newTestGuest(agent).WaitReady(context.Background(), time.Second); err != nil {
		t.Fatalf("WaitReady returned error: %v", err)
	}
	if len(agent.calls) != 3 {
		t.Fatalf("expected 3 pings, got %d", len(agent.calls))
	}

	agent = &scriptedAgent{pingErrs: 1 << 20}
	if err := newTestGuest(agent).WaitReady(context.Background(), 20*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
