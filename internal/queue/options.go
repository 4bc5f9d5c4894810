package queue

import "time"

// Backoff type identifiers.
const (
	// BackoffExponential doubles the delay after every failed attempt.
	BackoffExponential = "exponential"

	// BackoffFixed retries after a constant delay.
	BackoffFixed = "fixed"
)

// BackoffPolicy describes how retry delays grow between attempts.
type BackoffPolicy struct {
	// Type is one of BackoffExponential or BackoffFixed.
	Type string

	// Delay is the base delay before the first retry.
	Delay time.Duration
}

// DelayFor returns the delay to apply before redelivering a job whose
// given attempt (1-based) just failed.
func (b BackoffPolicy) DelayFor(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential || attempt <= 1 {
		return b.Delay
	}
	d := b.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// JobOptions control delivery, retry, and retention for a job.
type JobOptions struct {
	// JobID requests a specific job identity. Empty means the broker
	// assigns one.
	JobID string

	// Attempts is the maximum number of delivery attempts before the
	// job fails permanently.
	Attempts int

	// Backoff is the retry delay policy between attempts.
	Backoff BackoffPolicy

	// KeepCompleted bounds how many completed jobs the broker retains
	// per queue before evicting the oldest.
	KeepCompleted int

	// KeepFailed bounds how many failed jobs the broker retains per
	// queue before evicting the oldest.
	KeepFailed int
}

// DefaultJobOptions returns the options applied uniformly by the queue
// facade: bounded retention of completed/failed jobs, 3 delivery
// attempts, exponential backoff starting at 1 second.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Attempts: 3,
		Backoff: BackoffPolicy{
			Type:  BackoffExponential,
			Delay: time.Second,
		},
		KeepCompleted: 100,
		KeepFailed:    500,
	}
}

// WithDefaults fills zero-valued fields from the given defaults.
func (o JobOptions) WithDefaults(defaults JobOptions) JobOptions {
	if o.Attempts == 0 {
		o.Attempts = defaults.Attempts
	}
	if o.Backoff.Type == "" && o.Backoff.Delay == 0 {
		o.Backoff = defaults.Backoff
	}
	if o.KeepCompleted == 0 {
		o.KeepCompleted = defaults.KeepCompleted
	}
	if o.KeepFailed == 0 {
		o.KeepFailed = defaults.KeepFailed
	}
	return o
}
