package membroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/stash-api/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(Config{RateLimitDelay: 5 * time.Millisecond}, testLogger())
	t.Cleanup(func() {
		_ = b.Close(context.Background())
	})
	return b
}

// fastOpts keeps retries quick enough for tests.
func fastOpts() queue.JobOptions {
	return queue.JobOptions{
		Attempts:      3,
		Backoff:       queue.BackoffPolicy{Type: queue.BackoffFixed, Delay: 5 * time.Millisecond},
		KeepCompleted: 100,
		KeepFailed:    100,
	}
}

// waitForEvent drains the stream until an event of the wanted type for
// the wanted job arrives.
func waitForEvent(t *testing.T, events <-chan queue.Event, typ queue.EventType, jobID string) queue.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s on job %s", typ, jobID)
			}
			if ev.Type == typ && ev.Job != nil && ev.Job.ID == jobID {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on job %s", typ, jobID)
		}
	}
}

func TestEnqueueAndProcessSuccess(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	consumer, err := b.Consume(ctx, "save_tasks", 1, func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	require.NoError(t, err)
	defer consumer.Close()

	job, err := b.Enqueue(ctx, "save_tasks", "save", json.RawMessage(`{}`), fastOpts())
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	ev := waitForEvent(t, consumer.Events(), queue.EventCompleted, job.ID)
	assert.JSONEq(t, `{"ok":true}`, string(ev.ReturnValue))

	state, err := b.JobState(ctx, "save_tasks", job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStateCompleted, state)
}

func TestEnqueueWithExplicitIDIsDeduplicated(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	opts := fastOpts()
	opts.JobID = "abc12345"

	first, err := b.Enqueue(ctx, "save_tasks", "save", json.RawMessage(`{"n":1}`), opts)
	require.NoError(t, err)

	second, err := b.Enqueue(ctx, "save_tasks", "save", json.RawMessage(`{"n":2}`), opts)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.JSONEq(t, `{"n":1}`, string(second.Payload), "duplicate enqueue must not overwrite the job")
}

func TestTransientFailureRetriesUntilSuccess(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	var calls atomic.Int32
	consumer, err := b.Consume(ctx, "save_tasks", 1, func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("upstream hiccup")
		}
		return json.RawMessage(`"done"`), nil
	})
	require.NoError(t, err)
	defer consumer.Close()

	job, err := b.Enqueue(ctx, "save_tasks", "save", nil, fastOpts())
	require.NoError(t, err)

	ev := waitForEvent(t, consumer.Events(), queue.EventCompleted, job.ID)
	assert.Equal(t, 3, ev.Job.AttemptsMade)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTransientFailureExhaustsAttempts(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	consumer, err := b.Consume(ctx, "save_tasks", 1, func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		return nil, errors.New("always broken")
	})
	require.NoError(t, err)
	defer consumer.Close()

	job, err := b.Enqueue(ctx, "save_tasks", "save", nil, fastOpts())
	require.NoError(t, err)

	// Failed events fire on every attempt; wait for the final one.
	var final queue.Event
	for i := 0; i < 3; i++ {
		final = waitForEvent(t, consumer.Events(), queue.EventFailed, job.ID)
	}
	assert.Equal(t, 3, final.Job.AttemptsMade)
	require.Error(t, final.Err)

	state, err := b.JobState(ctx, "save_tasks", job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStateFailed, state)
}

func TestUnrecoverableErrorSkipsRetries(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	var calls atomic.Int32
	consumer, err := b.Consume(ctx, "save_tasks", 1, func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		calls.Add(1)
		return nil, queue.Unrecoverablef("no handler registered")
	})
	require.NoError(t, err)
	defer consumer.Close()

	job, err := b.Enqueue(ctx, "save_tasks", "save", nil, fastOpts())
	require.NoError(t, err)

	ev := waitForEvent(t, consumer.Events(), queue.EventFailed, job.ID)
	assert.Equal(t, 1, ev.Job.AttemptsMade)

	state, err := b.JobState(ctx, "save_tasks", job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStateFailed, state)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRateLimitedDoesNotConsumeAttempt(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	var calls atomic.Int32
	consumer, err := b.Consume(ctx, "save_tasks", 1, func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, queue.ErrRateLimited
		}
		return json.RawMessage(`"ok"`), nil
	})
	require.NoError(t, err)
	defer consumer.Close()

	job, err := b.Enqueue(ctx, "save_tasks", "save", nil, fastOpts())
	require.NoError(t, err)

	delayed := waitForEvent(t, consumer.Events(), queue.EventDelayed, job.ID)
	assert.Equal(t, 5*time.Millisecond, delayed.Delay)

	ev := waitForEvent(t, consumer.Events(), queue.EventCompleted, job.ID)
	assert.Equal(t, 1, ev.Job.AttemptsMade, "rate-limited delivery must not count against the attempt budget")
}

func TestProgressEventsAreFannedOut(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	consumer, err := b.Consume(ctx, "save_tasks", 1, func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		require.NoError(t, job.UpdateProgress(ctx, "Fetching handler"))
		return nil, nil
	})
	require.NoError(t, err)
	defer consumer.Close()

	job, err := b.Enqueue(ctx, "save_tasks", "save", nil, fastOpts())
	require.NoError(t, err)

	ev := waitForEvent(t, consumer.Events(), queue.EventProgress, job.ID)
	assert.Equal(t, "Fetching handler", ev.Progress)
}

func TestFlowChildrenRunBeforeParent(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	var order []string
	done := make(chan string, 3)
	consumer, err := b.Consume(ctx, "ai_tasks", 1, func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		done <- job.Name
		return json.RawMessage(`"` + job.Name + `"`), nil
	})
	require.NoError(t, err)
	defer consumer.Close()

	node, err := b.AddFlow(ctx, &queue.FlowJob{
		Queue: "ai_tasks",
		Name:  "parent",
		Children: []*queue.FlowJob{
			{Queue: "ai_tasks", Name: "child-a"},
			{Queue: "ai_tasks", Name: "child-b"},
		},
	})
	require.NoError(t, err)
	require.Len(t, node.Children, 2)

	for i := 0; i < 3; i++ {
		select {
		case name := <-done:
			order = append(order, name)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d jobs: %v", i, order)
		}
	}
	assert.Equal(t, "parent", order[2], "parent must run after both children: %v", order)

	tree, err := b.GetFlow(ctx, "ai_tasks", node.Job.ID)
	require.NoError(t, err)
	assert.Len(t, tree.Children, 2)
}

func TestFlowChildFailurePropagatesToRoot(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	consumer, err := b.Consume(ctx, "ai_tasks", 1, func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		if job.Name == "child-bad" {
			return nil, queue.Unrecoverablef("malformed step payload")
		}
		return nil, nil
	})
	require.NoError(t, err)
	defer consumer.Close()

	node, err := b.AddFlow(ctx, &queue.FlowJob{
		Queue: "ai_tasks",
		Name:  "parent",
		Children: []*queue.FlowJob{
			{Queue: "ai_tasks", Name: "child-ok"},
			{Queue: "ai_tasks", Name: "child-bad"},
		},
	})
	require.NoError(t, err)

	waitForEvent(t, consumer.Events(), queue.EventFailed, node.Job.ID)

	state, err := b.JobState(ctx, "ai_tasks", node.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStateFailed, state, "parent must fail when a child can never complete")
}

func TestRetentionEvictsOldestCompleted(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	events, cancel, err := b.SubscribeEvents("save_tasks")
	require.NoError(t, err)
	defer cancel()

	consumer, err := b.Consume(ctx, "save_tasks", 1, func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		return nil, nil
	})
	require.NoError(t, err)
	defer consumer.Close()

	opts := fastOpts()
	opts.KeepCompleted = 1

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := b.Enqueue(ctx, "save_tasks", fmt.Sprintf("save-%d", i), nil, opts)
		require.NoError(t, err)
		ids = append(ids, job.ID)
		waitForEvent(t, events, queue.EventCompleted, job.ID)
	}

	_, err = b.Job(ctx, "save_tasks", ids[0])
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
	_, err = b.Job(ctx, "save_tasks", ids[1])
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
	_, err = b.Job(ctx, "save_tasks", ids[2])
	assert.NoError(t, err, "newest completed job stays within retention")
}

func TestGetFlowAfterRootEviction(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	_, err := b.GetFlow(ctx, "ai_tasks", "gone")
	assert.ErrorIs(t, err, queue.ErrFlowNotFound)
}

func TestCloseRejectsNewWork(t *testing.T) {
	b := New(Config{}, testLogger())
	ctx := context.Background()

	require.NoError(t, b.Close(ctx))

	_, err := b.Enqueue(ctx, "save_tasks", "save", nil, fastOpts())
	assert.ErrorIs(t, err, queue.ErrBrokerClosed)

	_, _, err = b.SubscribeEvents("save_tasks")
	assert.ErrorIs(t, err, queue.ErrBrokerClosed)
}

func TestConsumerCloseWaitsForInflight(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	started := make(chan struct{})
	var finished atomic.Bool
	consumer, err := b.Consume(ctx, "save_tasks", 1, func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil, nil
	})
	require.NoError(t, err)

	_, err = b.Enqueue(ctx, "save_tasks", "save", nil, fastOpts())
	require.NoError(t, err)

	<-started
	require.NoError(t, consumer.Close())
	assert.True(t, finished.Load(), "close must drain the in-flight job")
}
