package membroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/stash-api/internal/queue"
)

// eventBuffer bounds each subscriber's event channel. A subscriber that
// falls this far behind starts losing events; handlers are written to
// tolerate at-least-once, out-of-order delivery anyway.
const eventBuffer = 256

// Config holds broker tuning knobs.
type Config struct {
	// RateLimitDelay is how long a rate-limited job waits before it is
	// redelivered. Defaults to one second.
	RateLimitDelay time.Duration
}

// Broker is the in-process queue.Broker implementation.
type Broker struct {
	logger         *slog.Logger
	rateLimitDelay time.Duration

	mu     sync.Mutex
	queues map[string]*queueState
	timers map[*time.Timer]struct{}
	closed bool
}

// jobRef identifies a job across queues, used for parent/child links.
type jobRef struct {
	queue string
	id    string
}

// jobRecord is the broker-side state of one job.
type jobRecord struct {
	job          queue.Job
	state        queue.JobState
	returnValue  json.RawMessage
	failedReason string

	// Flow links. A parent only becomes deliverable once
	// pendingChildren reaches zero.
	parent          *jobRef
	children        []jobRef
	pendingChildren int
}

// queueState holds one queue's jobs, its FIFO of deliverable job ids,
// retention bookkeeping, and event subscribers.
type queueState struct {
	name           string
	jobs           map[string]*jobRecord
	ready          []string
	completedOrder []string
	failedOrder    []string
	subs           map[int]chan queue.Event
	nextSubID      int
	cond           *sync.Cond
}

// New creates an empty broker.
func New(cfg Config, logger *slog.Logger) *Broker {
	delay := cfg.RateLimitDelay
	if delay <= 0 {
		delay = time.Second
	}
	return &Broker{
		logger:         logger.With("component", "membroker"),
		rateLimitDelay: delay,
		queues:         make(map[string]*queueState),
		timers:         make(map[*time.Timer]struct{}),
	}
}

// queueLocked returns the named queue state, creating it on first use.
// Callers must hold b.mu.
func (b *Broker) queueLocked(name string) *queueState {
	qs, ok := b.queues[name]
	if !ok {
		qs = &queueState{
			name: name,
			jobs: make(map[string]*jobRecord),
			subs: make(map[int]chan queue.Event),
			cond: sync.NewCond(&b.mu),
		}
		b.queues[name] = qs
	}
	return qs
}

// emitLocked fans an event out to every subscriber of the queue without
// blocking. Callers must hold b.mu.
func (b *Broker) emitLocked(qs *queueState, ev queue.Event) {
	for id, ch := range qs.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"queue", qs.name,
				"event", string(ev.Type),
				"subscriber", id)
		}
	}
}

// snapshotLocked returns a detached copy of the record's job.
func snapshotLocked(rec *jobRecord) *queue.Job {
	j := rec.job
	return &j
}

// afterFuncLocked schedules fn on the broker's timer set. The timer is
// forgotten once it fires and skipped entirely after Close.
func (b *Broker) afterFuncLocked(d time.Duration, fn func()) {
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		b.mu.Lock()
		delete(b.timers, t)
		if b.closed {
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		fn()
	})
	b.timers[t] = struct{}{}
}

// Enqueue adds a job to the named queue. An enqueue reusing an existing
// job id is deduplicated: the existing job is returned unchanged.
func (b *Broker) Enqueue(ctx context.Context, queueName, name string, payload json.RawMessage, opts queue.JobOptions) (*queue.Job, error) {
	opts = opts.WithDefaults(queue.DefaultJobOptions())

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, queue.ErrBrokerClosed
	}

	qs := b.queueLocked(queueName)

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if existing, ok := qs.jobs[id]; ok {
		return snapshotLocked(existing), nil
	}

	rec := &jobRecord{
		job: queue.Job{
			ID:      id,
			Name:    name,
			Queue:   queueName,
			Payload: payload,
			Options: opts,
		},
		state: queue.JobStateWaiting,
	}
	qs.jobs[id] = rec
	qs.ready = append(qs.ready, id)

	b.emitLocked(qs, queue.Event{Type: queue.EventWaiting, Job: snapshotLocked(rec)})
	qs.cond.Broadcast()

	return snapshotLocked(rec), nil
}

// Job looks up a job by id.
func (b *Broker) Job(ctx context.Context, queueName, id string) (*queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	qs, ok := b.queues[queueName]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	rec, ok := qs.jobs[id]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	return snapshotLocked(rec), nil
}

// JobState queries the current state of a job.
func (b *Broker) JobState(ctx context.Context, queueName, id string) (queue.JobState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	qs, ok := b.queues[queueName]
	if !ok {
		return "", queue.ErrJobNotFound
	}
	rec, ok := qs.jobs[id]
	if !ok {
		return "", queue.ErrJobNotFound
	}
	return rec.state, nil
}

// AddFlow submits a flow tree. Leaves become deliverable immediately;
// every parent waits until all of its children have completed.
func (b *Broker) AddFlow(ctx context.Context, root *queue.FlowJob) (*queue.JobNode, error) {
	if root == nil {
		return nil, errors.New("flow root cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, queue.ErrBrokerClosed
	}

	node := b.addFlowNodeLocked(root, nil)
	return node, nil
}

// addFlowNodeLocked creates the record for one flow node and recurses
// into its children. Callers must hold b.mu.
func (b *Broker) addFlowNodeLocked(fj *queue.FlowJob, parent *jobRef) *queue.JobNode {
	opts := fj.Options.WithDefaults(queue.DefaultJobOptions())

	qs := b.queueLocked(fj.Queue)

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	rec := &jobRecord{
		job: queue.Job{
			ID:      id,
			Name:    fj.Name,
			Queue:   fj.Queue,
			Payload: fj.Payload,
			Options: opts,
		},
		state:           queue.JobStateWaiting,
		parent:          parent,
		pendingChildren: len(fj.Children),
	}
	qs.jobs[id] = rec

	self := &jobRef{queue: fj.Queue, id: id}
	node := &queue.JobNode{Job: snapshotLocked(rec)}

	for _, child := range fj.Children {
		childNode := b.addFlowNodeLocked(child, self)
		node.Children = append(node.Children, childNode)
		rec.children = append(rec.children, jobRef{queue: child.Queue, id: childNode.Job.ID})
	}

	if rec.pendingChildren == 0 {
		qs.ready = append(qs.ready, id)
		b.emitLocked(qs, queue.Event{Type: queue.EventWaiting, Job: snapshotLocked(rec)})
		qs.cond.Broadcast()
	}

	return node
}

// GetFlow retrieves the live flow tree for a root job. Children already
// evicted by retention are omitted; an evicted root means the graph is
// gone and yields ErrFlowNotFound.
func (b *Broker) GetFlow(ctx context.Context, queueName, rootID string) (*queue.JobNode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	qs, ok := b.queues[queueName]
	if !ok {
		return nil, queue.ErrFlowNotFound
	}
	rec, ok := qs.jobs[rootID]
	if !ok {
		return nil, queue.ErrFlowNotFound
	}
	return b.flowNodeLocked(rec), nil
}

// flowNodeLocked rebuilds the JobNode tree below a record.
func (b *Broker) flowNodeLocked(rec *jobRecord) *queue.JobNode {
	node := &queue.JobNode{Job: snapshotLocked(rec)}
	for _, ref := range rec.children {
		cqs, ok := b.queues[ref.queue]
		if !ok {
			continue
		}
		crec, ok := cqs.jobs[ref.id]
		if !ok {
			continue
		}
		node.Children = append(node.Children, b.flowNodeLocked(crec))
	}
	return node
}

// SubscribeEvents subscribes to all lifecycle events on the named queue.
func (b *Broker) SubscribeEvents(queueName string) (<-chan queue.Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, queue.ErrBrokerClosed
	}

	qs := b.queueLocked(queueName)
	id := qs.nextSubID
	qs.nextSubID++

	ch := make(chan queue.Event, eventBuffer)
	qs.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := qs.subs[id]; ok {
			delete(qs.subs, id)
			close(ch)
		}
	}
	return ch, cancel, nil
}

// Close marks the broker closed, cancels pending redeliveries, and
// wakes every blocked consumer.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for t := range b.timers {
		t.Stop()
	}
	b.timers = make(map[*time.Timer]struct{})

	for _, qs := range b.queues {
		qs.cond.Broadcast()
	}

	b.logger.Info("broker closed", "queues", len(b.queues))
	return nil
}

// completeLocked finalizes a successful job: records the return value,
// applies retention, notifies subscribers, and releases the parent if
// this was its last pending child.
func (b *Broker) completeLocked(qs *queueState, rec *jobRecord, result json.RawMessage) {
	rec.state = queue.JobStateCompleted
	rec.returnValue = result

	qs.completedOrder = append(qs.completedOrder, rec.job.ID)
	b.evictLocked(qs, &qs.completedOrder, rec.job.Options.KeepCompleted)

	b.emitLocked(qs, queue.Event{
		Type:        queue.EventCompleted,
		Job:         snapshotLocked(rec),
		ReturnValue: result,
	})

	if rec.parent == nil {
		return
	}
	pqs, ok := b.queues[rec.parent.queue]
	if !ok {
		return
	}
	prec, ok := pqs.jobs[rec.parent.id]
	if !ok {
		return
	}
	prec.pendingChildren--
	if prec.pendingChildren <= 0 && prec.state == queue.JobStateWaiting {
		pqs.ready = append(pqs.ready, prec.job.ID)
		b.emitLocked(pqs, queue.Event{Type: queue.EventWaiting, Job: snapshotLocked(prec)})
		pqs.cond.Broadcast()
	}
}

// failLocked finalizes a permanently failed job and propagates the
// failure up the flow tree: a parent whose child can never complete can
// never run.
func (b *Broker) failLocked(qs *queueState, rec *jobRecord, cause error) {
	rec.state = queue.JobStateFailed
	rec.failedReason = cause.Error()

	qs.failedOrder = append(qs.failedOrder, rec.job.ID)
	b.evictLocked(qs, &qs.failedOrder, rec.job.Options.KeepFailed)

	b.emitLocked(qs, queue.Event{
		Type: queue.EventFailed,
		Job:  snapshotLocked(rec),
		Err:  cause,
	})

	if rec.parent == nil {
		return
	}
	pqs, ok := b.queues[rec.parent.queue]
	if !ok {
		return
	}
	prec, ok := pqs.jobs[rec.parent.id]
	if !ok || prec.state.Terminal() {
		return
	}
	b.failLocked(pqs, prec, fmt.Errorf("child job %s failed: %w", rec.job.ID, cause))
}

// evictLocked drops the oldest finished jobs beyond the retention bound.
func (b *Broker) evictLocked(qs *queueState, order *[]string, keep int) {
	if keep < 0 {
		return
	}
	for len(*order) > keep {
		oldest := (*order)[0]
		*order = (*order)[1:]
		delete(qs.jobs, oldest)
	}
}
