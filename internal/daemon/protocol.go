// Package daemon exposes a running scheduler over a unix socket so the CLI
// can inspect and stop it.
package daemon

import (
	"encoding/json"
	"time"

	"github.com/cochaviz/cellar/internal/models"
)

type Command string

const (
	CommandStatus Command = "status"
	CommandStop   Command = "stop"
	CommandTasks  Command = "tasks"
)

// IPCRequest is one newline-delimited JSON request.
type IPCRequest struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IPCResponse answers exactly one IPCRequest.
type IPCResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// TasksRequest is the payload of CommandTasks.
type TasksRequest struct {
	Status models.TaskStatus `json:"status,omitempty"`
	Limit  int               `json:"limit,omitempty"`
}

// TaskSummary is the wire form of a task.
type TaskSummary struct {
	ID          int64             `json:"id"`
	Category    models.Category   `json:"category"`
	Target      string            `json:"target"`
	Machine     string            `json:"machine,omitempty"`
	Platform    string            `json:"platform,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Status      models.TaskStatus `json:"status"`
	Priority    int               `json:"priority"`
	Route       string            `json:"route,omitempty"`
	AddedOn     time.Time         `json:"added_on"`
	StartedOn   *time.Time        `json:"started_on,omitempty"`
	CompletedOn *time.Time        `json:"completed_on,omitempty"`
}

func summarize(task models.Task) TaskSummary {
	summary := TaskSummary{
		ID:       task.ID,
		Category: task.Category,
		Target:   task.Target,
		Machine:  task.Machine,
		Platform: task.Platform,
		Tags:     task.Tags,
		Status:   task.Status,
		Priority: task.Priority,
		Route:    task.Route,
		AddedOn:  task.AddedOn,
	}
	if !task.StartedOn.IsZero() {
		started := task.StartedOn
		summary.StartedOn = &started
	}
	if !task.CompletedOn.IsZero() {
		completed := task.CompletedOn
		summary.CompletedOn = &completed
	}
	return summary
}
