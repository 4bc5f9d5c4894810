package queue

import (
	"context"
	"encoding/json"
)

// JobState represents the broker-reported state of a job.
type JobState string

// Possible job states.
const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateDelayed   JobState = "delayed"
)

// Terminal reports whether the state is a final one.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Job is a unit of work delivered by the broker. The broker assigns the
// identity unless the enqueue options request a specific one (tasks use
// their own id so that lifecycle events can be attributed back to the
// task record).
type Job struct {
	// ID is the broker-assigned job identifier.
	ID string

	// Name is the job name within its queue.
	Name string

	// Queue is the name of the queue the job belongs to.
	Queue string

	// Payload is the opaque job data.
	Payload json.RawMessage

	// Options are the delivery options the job was enqueued with.
	Options JobOptions

	// AttemptsMade counts delivery attempts, including the current one.
	AttemptsMade int

	// progress is wired by the broker on delivered jobs; nil on jobs
	// obtained by lookup.
	progress func(ctx context.Context, message string) error
}

// UpdateProgress reports a progress message for a job currently being
// processed. The broker fans it out as a progress event. Calling it on a
// job that is not being processed is a no-op.
func (j *Job) UpdateProgress(ctx context.Context, message string) error {
	if j.progress == nil {
		return nil
	}
	return j.progress(ctx, message)
}

// WithProgress returns a shallow copy of the job with the given progress
// callback attached. Broker implementations use this when delivering a
// job to a processor.
func (j *Job) WithProgress(fn func(ctx context.Context, message string) error) *Job {
	c := *j
	c.progress = fn
	return &c
}

// FlowJob is a node of a flow tree before submission. Children execute
// before their parent: the parent only becomes eligible once every child
// has completed.
type FlowJob struct {
	Queue    string
	Name     string
	Payload  json.RawMessage
	Options  JobOptions
	Children []*FlowJob
}

// JobNode is a node of a submitted or retrieved flow tree, pairing the
// broker-side job with its children.
type JobNode struct {
	Job      *Job
	Children []*JobNode
}
