package task

import (
	"context"
	"encoding/json"
	"time"
)

// Status represents the current state of a task.
type Status string

// Possible task status values.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Type identifies what kind of work a task performs.
type Type string

// Known task types.
const (
	TypeSave      Type = "save"
	TypeAIProcess Type = "ai_process"
)

// Target is an optional sub-type discriminator within a task type.
type Target string

// Known save targets.
const (
	TargetArticle Target = "article"
	TargetPaste   Target = "paste"
)

// Queue names per task type. Dispatch routes a task into the queue for
// its type.
var queueNames = map[Type]string{
	TypeSave:      "save_tasks",
	TypeAIProcess: "ai_tasks",
}

// QueueNameFor returns the logical queue name for a task type, or the
// empty string for an unknown type.
func QueueNameFor(t Type) string {
	return queueNames[t]
}

// QueueNames returns every known logical queue name. The flow manager
// subscribes to events on all of them.
func QueueNames() []string {
	names := make([]string, 0, len(queueNames))
	for _, name := range queueNames {
		names = append(names, name)
	}
	return names
}

// Payload is the structured data a task carries. Target qualifies the
// handler key; the remaining fields are handler-specific.
type Payload struct {
	Target   Target          `json:"target,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
	Content  string          `json:"content,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Extra    json.RawMessage `json:"extra,omitempty"`
}

// Task represents a unit of work submitted by a client. It is persisted
// independently of workflows and mutated only by the worker host during
// its lifecycle; records are never deleted by this subsystem.
type Task struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Payload   Payload   `json:"payload"`
	Status    Status    `json:"status"`
	Info      string    `json:"info,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Key returns the handler key for the task: the type alone, or
// "type:target" when a target qualifies it.
func (t *Task) Key() string {
	return Key(t.Type, t.Payload.Target)
}

// Key builds a handler key from a type and an optional target.
func Key(taskType Type, target Target) string {
	if target == "" {
		return string(taskType)
	}
	return string(taskType) + ":" + string(target)
}

// Handler executes tasks registered under its key. Handlers run
// concurrently with themselves and with each other; implementations must
// be safe for concurrent use.
type Handler interface {
	// TaskKey returns the key the handler serves: a task type, or
	// "type:target" for a target-specific handler.
	TaskKey() string

	// Handle runs the task and returns its result.
	Handle(ctx context.Context, t *Task) (json.RawMessage, error)
}

// TaskStore defines the interface for persisting tasks.
type TaskStore interface {
	// CreateTask persists a new task record.
	CreateTask(ctx context.Context, t *Task) error

	// GetTask retrieves a task by id.
	GetTask(ctx context.Context, id string) (*Task, error)

	// UpdateTaskStatus updates the status of a task and, when info is
	// non-empty, its info message.
	UpdateTaskStatus(ctx context.Context, id string, status Status, info string) error

	// ListTasksByStatus retrieves all tasks in the given status, oldest
	// first. Used for recovery of work lost across restarts.
	ListTasksByStatus(ctx context.Context, status Status) ([]*Task, error)
}

// StepResult is the return-value shape produced for tracked workflow
// steps. The flow manager reads it off completion events to fold
// per-step results into the workflow record.
type StepResult struct {
	Result json.RawMessage `json:"__result"`
	Name   string          `json:"__name"`
}
