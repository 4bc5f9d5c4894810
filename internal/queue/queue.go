package queue

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Queue is a thin typed facade over broker enqueue/lookup for one
// logical queue. Default job options are applied uniformly to every
// enqueued job; callers override individual fields as needed.
type Queue struct {
	name     string
	broker   Broker
	defaults JobOptions
	logger   *slog.Logger
}

// NewQueue creates a facade for the named queue with the package default
// job options.
func NewQueue(name string, broker Broker, logger *slog.Logger) *Queue {
	return &Queue{
		name:     name,
		broker:   broker,
		defaults: DefaultJobOptions(),
		logger:   logger.With("queue", name),
	}
}

// Name returns the logical queue name.
func (q *Queue) Name() string {
	return q.name
}

// Enqueue adds a job to the queue. A nil opts uses the queue defaults;
// zero-valued fields of a non-nil opts are filled from the defaults.
func (q *Queue) Enqueue(ctx context.Context, name string, payload json.RawMessage, opts *JobOptions) (*Job, error) {
	jobOpts := q.defaults
	if opts != nil {
		jobOpts = opts.WithDefaults(q.defaults)
	}

	job, err := q.broker.Enqueue(ctx, q.name, name, payload, jobOpts)
	if err != nil {
		q.logger.Error("failed to enqueue job",
			"job_name", name,
			"error", err)
		return nil, err
	}

	q.logger.Debug("job enqueued",
		"job_id", job.ID,
		"job_name", name)
	return job, nil
}

// Job looks up a job by id. Returns ErrJobNotFound when absent.
func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	return q.broker.Job(ctx, q.name, id)
}

// Close releases the facade. The underlying broker is shared and stays
// open; closing the facade only marks it unusable for new work.
func (q *Queue) Close() error {
	q.logger.Debug("queue facade closed")
	return nil
}
