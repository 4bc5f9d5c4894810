package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/stash-api/internal/platform/membroker"
	"github.com/phrazzld/stash-api/internal/queue"
	"github.com/phrazzld/stash-api/internal/store"
	"github.com/phrazzld/stash-api/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// statusUpdate is one recorded UpdateTaskStatus call.
type statusUpdate struct {
	id     string
	status task.Status
	info   string
}

// recordingUpdater records status transitions; unknown ids report
// store.ErrTaskNotFound like the real store.
type recordingUpdater struct {
	mu      sync.Mutex
	known   map[string]bool
	updates []statusUpdate
}

func newRecordingUpdater(ids ...string) *recordingUpdater {
	known := make(map[string]bool)
	for _, id := range ids {
		known[id] = true
	}
	return &recordingUpdater{known: known}
}

func (r *recordingUpdater) UpdateTaskStatus(ctx context.Context, id string, status task.Status, info string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.known[id] {
		return store.ErrTaskNotFound
	}
	r.updates = append(r.updates, statusUpdate{id: id, status: status, info: info})
	return nil
}

func (r *recordingUpdater) statuses(id string) []task.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []task.Status
	for _, u := range r.updates {
		if u.id == id {
			out = append(out, u.status)
		}
	}
	return out
}

// chanNotifier forwards emits to a channel for assertion.
type chanNotifier struct {
	emits chan emittedEvent
}

type emittedEvent struct {
	room  string
	event string
}

func newChanNotifier() *chanNotifier {
	return &chanNotifier{emits: make(chan emittedEvent, 16)}
}

func (n *chanNotifier) Emit(room, event string, payload any) {
	n.emits <- emittedEvent{room: room, event: event}
}

func (n *chanNotifier) wait(t *testing.T) emittedEvent {
	t.Helper()
	select {
	case ev := <-n.emits:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return emittedEvent{}
	}
}

// scriptedGuard rejects the first n admission checks, then admits.
type scriptedGuard struct {
	rejections atomic.Int32
}

func (g *scriptedGuard) Consume(ctx context.Context, cost float64) (bool, error) {
	return g.rejections.Add(-1) < 0, nil
}

func startHost(t *testing.T, cfg HostConfig) (*membroker.Broker, *Host) {
	t.Helper()
	b := membroker.New(membroker.Config{RateLimitDelay: 5 * time.Millisecond}, testLogger())
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	h := NewHost(cfg, b, testLogger())
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Close() })
	return b, h
}

func fastOpts(jobID string, attempts int) queue.JobOptions {
	return queue.JobOptions{
		JobID:         jobID,
		Attempts:      attempts,
		Backoff:       queue.BackoffPolicy{Type: queue.BackoffFixed, Delay: 5 * time.Millisecond},
		KeepCompleted: 100,
		KeepFailed:    100,
	}
}

func TestHostSuccessLifecycle(t *testing.T) {
	updater := newRecordingUpdater("abc12345")
	notifier := newChanNotifier()

	b, _ := startHost(t, HostConfig{
		Queue:       "save_tasks",
		Concurrency: 1,
		Process: func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
			return json.RawMessage(`{"saved":true}`), nil
		},
		Tasks:    updater,
		Notifier: notifier,
	})

	_, err := b.Enqueue(context.Background(), "save_tasks", "save", json.RawMessage(`{}`), fastOpts("abc12345", 3))
	require.NoError(t, err)

	ev := notifier.wait(t)
	assert.Equal(t, "task:abc12345", ev.room)
	assert.Equal(t, "task:abc12345:completed", ev.event)

	statuses := updater.statuses("abc12345")
	require.NotEmpty(t, statuses)
	assert.Equal(t, task.StatusProcessing, statuses[0])
	assert.Equal(t, task.StatusCompleted, statuses[len(statuses)-1])
}

func TestHostFinalFailureNotifiesExactlyOnce(t *testing.T) {
	updater := newRecordingUpdater("abc12345")
	notifier := newChanNotifier()

	b, _ := startHost(t, HostConfig{
		Queue:       "save_tasks",
		Concurrency: 1,
		Process: func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
			return nil, errors.New("upstream down")
		},
		Tasks:    updater,
		Notifier: notifier,
	})

	_, err := b.Enqueue(context.Background(), "save_tasks", "save", json.RawMessage(`{}`), fastOpts("abc12345", 2))
	require.NoError(t, err)

	ev := notifier.wait(t)
	assert.Equal(t, "task:abc12345:failed", ev.event)

	// The first attempt's failure must not have produced a notification.
	select {
	case extra := <-notifier.emits:
		t.Fatalf("unexpected second notification: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	statuses := updater.statuses("abc12345")
	failed := 0
	for _, s := range statuses {
		if s == task.StatusFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed, "task must be marked failed exactly once")
}

func TestHostUnrecoverableFailureSkipsRetries(t *testing.T) {
	updater := newRecordingUpdater("abc12345")
	notifier := newChanNotifier()

	var calls atomic.Int32
	b, _ := startHost(t, HostConfig{
		Queue:       "save_tasks",
		Concurrency: 1,
		Process: func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
			calls.Add(1)
			return nil, queue.Unrecoverablef("no handler registered for task type: bogus")
		},
		Tasks:    updater,
		Notifier: notifier,
	})

	_, err := b.Enqueue(context.Background(), "save_tasks", "save", json.RawMessage(`{}`), fastOpts("abc12345", 3))
	require.NoError(t, err)

	ev := notifier.wait(t)
	assert.Equal(t, "task:abc12345:failed", ev.event)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHostRateLimitedJobKeepsAttemptBudget(t *testing.T) {
	updater := newRecordingUpdater("abc12345")
	notifier := newChanNotifier()
	guard := &scriptedGuard{}
	guard.rejections.Store(1)

	b, _ := startHost(t, HostConfig{
		Queue:       "save_tasks",
		Concurrency: 1,
		Guard:       guard,
		Process: func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
			return json.RawMessage(`"ok"`), nil
		},
		Tasks:    updater,
		Notifier: notifier,
	})

	_, err := b.Enqueue(context.Background(), "save_tasks", "save", json.RawMessage(`{}`), fastOpts("abc12345", 3))
	require.NoError(t, err)

	ev := notifier.wait(t)
	assert.Equal(t, "task:abc12345:completed", ev.event)

	for _, s := range updater.statuses("abc12345") {
		assert.NotEqual(t, task.StatusFailed, s, "rate limiting must never fail the task")
	}
}

func TestHostJobWithoutTaskRecordStillCompletes(t *testing.T) {
	updater := newRecordingUpdater() // knows no ids
	notifier := newChanNotifier()

	b, _ := startHost(t, HostConfig{
		Queue:       "ai_tasks",
		Concurrency: 1,
		Process: func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
			return json.RawMessage(`"step done"`), nil
		},
		Tasks:    updater,
		Notifier: notifier,
	})

	job, err := b.Enqueue(context.Background(), "ai_tasks", "workflow-step", json.RawMessage(`{}`), fastOpts("", 3))
	require.NoError(t, err)

	ev := notifier.wait(t)
	assert.Equal(t, "task:"+job.ID+":completed", ev.event)
	assert.Empty(t, updater.updates)
}
