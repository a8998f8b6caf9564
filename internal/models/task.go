package models

import (
	"strings"
	"time"
)

// TaskStatus captures the lifecycle state of a task in the task store.
type TaskStatus string

// Supported task statuses.
const (
	TaskPending          TaskStatus = "pending"
	TaskRunning          TaskStatus = "running"
	TaskCompleted        TaskStatus = "completed"
	TaskRecovered        TaskStatus = "recovered"
	TaskReported         TaskStatus = "reported"
	TaskFailedAnalysis   TaskStatus = "failed_analysis"
	TaskFailedProcessing TaskStatus = "failed_processing"
	TaskFailedReporting  TaskStatus = "failed_reporting"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskRecovered, TaskReported,
		TaskFailedAnalysis, TaskFailedProcessing, TaskFailedReporting:
		return true
	default:
		return false
	}
}

// Category determines which analysis manager handles a task.
type Category string

const (
	CategoryFile     Category = "file"
	CategoryArchive  Category = "archive"
	CategoryURL      Category = "url"
	CategoryBaseline Category = "baseline"
	CategoryService  Category = "service"
)

// IsFile reports whether tasks of this category carry a sample artifact.
func (c Category) IsFile() bool {
	return c == CategoryFile || c == CategoryArchive
}

// ServiceTag marks machines and tasks reserved for auxiliary services.
const ServiceTag = "service"

// Task is one queued analysis request.
type Task struct {
	ID       int64
	Category Category
	Target   string
	Machine  string
	Platform string
	Tags     []string
	Status   TaskStatus
	Priority int
	Timeout  time.Duration
	Options  map[string]string
	Route    string
	SampleID int64

	AddedOn     time.Time
	StartOn     time.Time
	StartedOn   time.Time
	CompletedOn time.Time
}

// Option returns the task option value for key, or fallback when unset.
func (t Task) Option(key, fallback string) string {
	if t.Options == nil {
		return fallback
	}
	if value, ok := t.Options[key]; ok && strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

// HasTag reports whether the task requests the given machine tag.
func (t Task) HasTag(tag string) bool {
	for _, candidate := range t.Tags {
		if candidate == tag {
			return true
		}
	}
	return false
}

// RequirementsString renders the machine constraints of a task for log output.
func RequirementsString(t Task) string {
	var parts []string
	if t.Platform != "" {
		parts = append(parts, "Platform: "+t.Platform)
	}
	if t.Machine != "" {
		parts = append(parts, "Machine name: "+t.Machine)
	}
	if len(t.Tags) > 0 {
		parts = append(parts, "Tags: "+strings.Join(t.Tags, ","))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}
