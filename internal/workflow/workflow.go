package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/phrazzld/stash-api/internal/queue"
)

// Status represents the stored state of a workflow.
type Status string

// Possible workflow status values. Expired means the broker no longer
// holds the job graph and the final outcome was never observed.
const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// StepDefinition describes one step of a workflow before submission.
type StepDefinition struct {
	// Queue is the logical queue the step's job runs on.
	Queue string `json:"queueName"`

	// Name identifies the step within the workflow.
	Name string `json:"stepName"`

	// Payload is the task-shaped job data for the step.
	Payload json.RawMessage `json:"data,omitempty"`

	// Track marks the step's result for folding into the workflow record.
	Track bool `json:"track,omitempty"`
}

// ResultEntry is one tracked step result folded into the workflow.
type ResultEntry struct {
	Name   string          `json:"name"`
	Result json.RawMessage `json:"result"`
}

// Workflow is the persisted record of a submitted pipeline. Results is
// keyed by tracked step name, pre-seeded with null at creation so the
// key set never changes after submission. Definition is the step list
// the workflow was built from, stored alongside the record.
//
// JobIDs maps step names to the broker job ids the flow submission
// produced. It is derived from the flow tree at creation and returned
// to the caller; it is not persisted.
type Workflow struct {
	ID         string                     `json:"id"`
	Name       string                     `json:"name"`
	Status     Status                     `json:"status"`
	RootJobID  string                     `json:"rootJobId"`
	RootQueue  string                     `json:"rootQueue"`
	Definition []StepDefinition           `json:"definition,omitempty"`
	Results    map[string]json.RawMessage `json:"results,omitempty"`
	JobIDs     map[string]string          `json:"jobIds,omitempty"`
	CreatedAt  time.Time                  `json:"createdAt"`
	UpdatedAt  time.Time                  `json:"updatedAt"`
}

// JobStatus is the live state of one job in a workflow's flow tree,
// reported children before parents.
type JobStatus struct {
	JobID    string         `json:"jobId"`
	Name     string         `json:"name"`
	Queue    string         `json:"queue"`
	State    queue.JobState `json:"state"`
	Attempts int            `json:"attempts"`
}

// Detail pairs a workflow record with the live job states of its flow
// tree. Jobs is empty once the broker has evicted the graph.
type Detail struct {
	Workflow *Workflow   `json:"workflow"`
	Jobs     []JobStatus `json:"jobs,omitempty"`
}

// Store defines the persistence interface for workflow records.
type Store interface {
	// CreateWorkflow persists a new workflow record.
	CreateWorkflow(ctx context.Context, w *Workflow) error

	// GetWorkflow retrieves a workflow by id.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// UpdateStatus sets the status of a workflow by id.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// UpdateStatusByRootJob sets the status of the workflow owning the
	// given root job, if any. A missing workflow is not an error shared
	// with callers; implementations return store.ErrWorkflowNotFound.
	UpdateStatusByRootJob(ctx context.Context, rootJobID string, status Status) error

	// MergeResult writes a tracked step result into the workflow's result
	// map atomically with respect to concurrent merges.
	MergeResult(ctx context.Context, workflowID string, entry ResultEntry) error
}
