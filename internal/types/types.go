// Package types provides shared type definitions used across Atlas packages.
// This package exists to break import cycles between task, plugin, and collab.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TASK TYPES
// =============================================================================

// TaskStatus represents where a task is in its lifecycle.
type TaskStatus int

const (
	// TaskPending - task is queued, not yet picked up by a worker
	TaskPending TaskStatus = iota
	// TaskRunning - a worker is executing the task
	TaskRunning
	// TaskCompleted - task finished successfully
	TaskCompleted
	// TaskFailed - task failed with no retries remaining
	TaskFailed
	// TaskCancelled - task was cancelled before or during execution
	TaskCancelled
	// TaskRetrying - task failed and is waiting for its backoff to expire
	TaskRetrying
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	case TaskRetrying:
		return "retrying"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Terminal reports whether the status is final. Terminal tasks never
// transition again.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// validTransitions encodes the task lifecycle. The zero-value map entry
// (absent) means the transition is rejected.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:  {TaskRunning, TaskCancelled},
	TaskRunning:  {TaskCompleted, TaskFailed, TaskCancelled, TaskRetrying},
	TaskRetrying: {TaskPending, TaskRunning, TaskCancelled, TaskFailed},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TaskPriority orders tasks in the scheduler queue. Higher runs first.
type TaskPriority int

const (
	PriorityLow TaskPriority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// ParsePriority converts a priority name to a TaskPriority.
// Unknown names default to medium.
func ParsePriority(s string) TaskPriority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// Task is the unit of work tracked by the task manager.
type Task struct {
	ID          string       `json:"id"`
	Goal        string       `json:"goal"`
	Priority    TaskPriority `json:"priority"`
	Status      TaskStatus   `json:"status"`
	RetryCount  int          `json:"retry_count"`
	MaxRetries  int          `json:"max_retries"`
	LastError   string       `json:"last_error,omitempty"`
	Result      string       `json:"result,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// NewTask creates a pending task with a generated ID.
func NewTask(goal string, priority TaskPriority) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Goal:      goal,
		Priority:  priority,
		Status:    TaskPending,
		CreatedAt: time.Now(),
	}
}

// Clone returns a copy of the task safe to hand to callers.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}

// =============================================================================
// PLUGIN TYPES
// =============================================================================

// PluginStatus represents the lifecycle state of a plugin.
type PluginStatus string

const (
	PluginDiscovered PluginStatus = "discovered"
	PluginLoaded     PluginStatus = "loaded"
	PluginDisabled   PluginStatus = "disabled"
	PluginErrored    PluginStatus = "errored"
)

// PluginInfo is the externally visible record for a plugin.
type PluginInfo struct {
	Name              string       `json:"name"`
	Version           string       `json:"version"`
	Description       string       `json:"description,omitempty"`
	Path              string       `json:"path"`
	Status            PluginStatus `json:"status"`
	Error             string       `json:"error,omitempty"`
	ConsecutiveErrors int          `json:"consecutive_errors"`
	LoadedAt          *time.Time   `json:"loaded_at,omitempty"`
}
