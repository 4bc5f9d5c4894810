package membroker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/phrazzld/stash-api/internal/queue"
)

// consumer delivers jobs from one queue to a ProcessFunc with bounded
// concurrency. Lifecycle events are exposed through a regular queue
// subscription so consumers and passive observers see the same stream.
type consumer struct {
	broker *Broker
	qs     *queueState
	ctx    context.Context
	fn     queue.ProcessFunc

	events <-chan queue.Event
	cancel func()

	wg      sync.WaitGroup
	closing bool // guarded by broker.mu
}

// Consume starts delivering jobs from the named queue to fn with the
// given concurrency limit.
func (b *Broker) Consume(ctx context.Context, queueName string, concurrency int, fn queue.ProcessFunc) (queue.Consumer, error) {
	if concurrency <= 0 {
		concurrency = 1
	}

	events, cancel, err := b.SubscribeEvents(queueName)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	qs := b.queueLocked(queueName)
	b.mu.Unlock()

	c := &consumer{
		broker: b,
		qs:     qs,
		ctx:    ctx,
		fn:     fn,
		events: events,
		cancel: cancel,
	}

	c.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go c.run()
	}

	b.logger.Info("consumer started",
		"queue", queueName,
		"concurrency", concurrency)
	return c, nil
}

// Events returns the consumer's lifecycle event stream.
func (c *consumer) Events() <-chan queue.Event {
	return c.events
}

// Close stops accepting new jobs, waits for in-flight jobs to finish,
// then releases the event subscription.
func (c *consumer) Close() error {
	c.broker.mu.Lock()
	c.closing = true
	c.qs.cond.Broadcast()
	c.broker.mu.Unlock()

	c.wg.Wait()
	c.cancel()
	return nil
}

// run is one worker goroutine: claim, process, repeat until closed.
func (c *consumer) run() {
	defer c.wg.Done()
	for {
		id, ok := c.claim()
		if !ok {
			return
		}
		c.process(id)
	}
}

// claim blocks until a job is deliverable, marks it active, and counts
// the attempt. Returns false when the consumer or broker is closing.
func (c *consumer) claim() (string, bool) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.closed || c.closing {
			return "", false
		}
		for len(c.qs.ready) > 0 {
			id := c.qs.ready[0]
			c.qs.ready = c.qs.ready[1:]
			rec, ok := c.qs.jobs[id]
			if !ok {
				continue
			}
			rec.state = queue.JobStateActive
			rec.job.AttemptsMade++
			b.emitLocked(c.qs, queue.Event{Type: queue.EventActive, Job: snapshotLocked(rec)})
			return id, true
		}
		c.qs.cond.Wait()
	}
}

// process runs fn on the claimed job and settles the outcome.
func (c *consumer) process(id string) {
	b := c.broker

	b.mu.Lock()
	rec, ok := c.qs.jobs[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delivered := snapshotLocked(rec).WithProgress(func(ctx context.Context, message string) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		r, ok := c.qs.jobs[id]
		if !ok {
			return queue.ErrJobNotFound
		}
		b.emitLocked(c.qs, queue.Event{
			Type:     queue.EventProgress,
			Job:      snapshotLocked(r),
			Progress: message,
		})
		return nil
	})
	b.mu.Unlock()

	result, err := c.fn(c.ctx, delivered)

	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok = c.qs.jobs[id]
	if !ok {
		return
	}

	switch {
	case err == nil:
		b.completeLocked(c.qs, rec, result)

	case errors.Is(err, queue.ErrRateLimited):
		// Admission control rejection. The attempt does not count; the
		// job is redelivered after a flat delay.
		rec.job.AttemptsMade--
		rec.state = queue.JobStateDelayed
		b.emitLocked(c.qs, queue.Event{
			Type:  queue.EventDelayed,
			Job:   snapshotLocked(rec),
			Delay: b.rateLimitDelay,
		})
		b.scheduleRedeliveryLocked(c.qs, id, b.rateLimitDelay)

	case queue.IsUnrecoverable(err) || rec.job.AttemptsMade >= rec.job.Options.Attempts:
		b.failLocked(c.qs, rec, err)

	default:
		// Transient failure with attempts remaining: report it and
		// schedule a backoff redelivery.
		b.emitLocked(c.qs, queue.Event{
			Type: queue.EventFailed,
			Job:  snapshotLocked(rec),
			Err:  err,
		})
		delay := rec.job.Options.Backoff.DelayFor(rec.job.AttemptsMade)
		rec.state = queue.JobStateDelayed
		b.emitLocked(c.qs, queue.Event{
			Type:  queue.EventDelayed,
			Job:   snapshotLocked(rec),
			Delay: delay,
		})
		b.scheduleRedeliveryLocked(c.qs, id, delay)
	}
}

// scheduleRedeliveryLocked moves a delayed job back to waiting after the
// given delay. Callers must hold b.mu.
func (b *Broker) scheduleRedeliveryLocked(qs *queueState, id string, delay time.Duration) {
	b.afterFuncLocked(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		rec, ok := qs.jobs[id]
		if !ok || rec.state != queue.JobStateDelayed {
			return
		}
		rec.state = queue.JobStateWaiting
		qs.ready = append(qs.ready, id)
		b.emitLocked(qs, queue.Event{Type: queue.EventWaiting, Job: snapshotLocked(rec)})
		qs.cond.Broadcast()
	})
}
