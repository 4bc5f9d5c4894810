package queue

import (
	"context"
	"encoding/json"
)

// ProcessFunc executes a delivered job and returns its result. Returning
// ErrRateLimited requeues the job without consuming an attempt; returning
// an UnrecoverableError fails the job permanently; any other error counts
// against the job's attempt budget.
type ProcessFunc func(ctx context.Context, job *Job) (json.RawMessage, error)

// Consumer delivers jobs from one queue to a ProcessFunc with bounded
// concurrency and exposes the resulting lifecycle events.
type Consumer interface {
	// Events returns the stream of lifecycle events for jobs on the
	// consumed queue. The channel is closed after Close has drained
	// in-flight jobs.
	Events() <-chan Event

	// Close stops accepting new jobs and waits for in-flight jobs to
	// finish before releasing broker resources.
	Close() error
}

// Broker is the durable job broker: at-least-once delivery with
// broker-side retry/backoff, flow trees whose children execute before
// parents, and per-queue lifecycle events.
type Broker interface {
	// Enqueue adds a job to the named queue and returns it with its
	// assigned identity.
	Enqueue(ctx context.Context, queue, name string, payload json.RawMessage, opts JobOptions) (*Job, error)

	// Job looks up a job by id. Returns ErrJobNotFound if the job does
	// not exist or has been evicted.
	Job(ctx context.Context, queue, id string) (*Job, error)

	// JobState queries the current state of a job by id.
	JobState(ctx context.Context, queue, id string) (JobState, error)

	// AddFlow submits a flow tree. Children become eligible immediately;
	// each parent waits for all of its children to complete. Returns the
	// tree with assigned job identities.
	AddFlow(ctx context.Context, root *FlowJob) (*JobNode, error)

	// GetFlow retrieves the live flow tree for a root job id. Returns
	// ErrFlowNotFound when the broker no longer holds the job graph.
	GetFlow(ctx context.Context, queue, rootID string) (*JobNode, error)

	// Consume starts delivering jobs from the named queue to fn with the
	// given concurrency limit.
	Consume(ctx context.Context, queue string, concurrency int, fn ProcessFunc) (Consumer, error)

	// SubscribeEvents subscribes to all lifecycle events on the named
	// queue. The returned cancel function releases the subscription.
	SubscribeEvents(queue string) (<-chan Event, func(), error)

	// Close releases broker resources. Pending delayed jobs are dropped.
	Close(ctx context.Context) error
}
