package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/phrazzld/stash-api/internal/queue"
	"github.com/phrazzld/stash-api/internal/store"
	"github.com/phrazzld/stash-api/internal/task"
)

// stepAttribution is the workflow stamp a flow-built job payload carries.
type stepAttribution struct {
	WorkflowID string `json:"workflowId"`
	StepName   string `json:"stepName"`
	Track      bool   `json:"track"`
}

// FlowManager keeps workflow records in sync with broker lifecycle
// events: root job completion or final failure settles the workflow
// status, and tracked step completions fold their results into the
// record.
type FlowManager struct {
	broker queue.Broker
	stores Store
	logger *slog.Logger

	mu         sync.Mutex
	subscribed map[string]func()
	wg         sync.WaitGroup
}

// NewFlowManager creates a manager. Call SetupQueueEvents to start
// listening.
func NewFlowManager(broker queue.Broker, stores Store, logger *slog.Logger) *FlowManager {
	return &FlowManager{
		broker:     broker,
		stores:     stores,
		logger:     logger.With("component", "flow_manager"),
		subscribed: make(map[string]func()),
	}
}

// SetupQueueEvents subscribes to lifecycle events on each named queue.
// Queues already subscribed are skipped, so repeated setup calls are
// safe and never double-handle events.
func (m *FlowManager) SetupQueueEvents(ctx context.Context, queues ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range queues {
		if _, ok := m.subscribed[name]; ok {
			continue
		}
		events, cancel, err := m.broker.SubscribeEvents(name)
		if err != nil {
			return err
		}
		m.subscribed[name] = cancel

		m.wg.Add(1)
		go m.listen(ctx, name, events)
		m.logger.Info("watching queue events", "queue", name)
	}
	return nil
}

// Close cancels all subscriptions and waits for the listeners to drain.
func (m *FlowManager) Close() error {
	m.mu.Lock()
	for name, cancel := range m.subscribed {
		cancel()
		delete(m.subscribed, name)
	}
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

func (m *FlowManager) listen(ctx context.Context, queueName string, events <-chan queue.Event) {
	defer m.wg.Done()

	for ev := range events {
		if ev.Job == nil {
			continue
		}
		switch ev.Type {
		case queue.EventCompleted:
			m.handleCompleted(ctx, ev)
		case queue.EventFailed:
			m.handleFailed(ctx, ev)
		}
	}
	m.logger.Debug("queue event stream closed", "queue", queueName)
}

// handleCompleted folds tracked step results into their workflow and
// marks workflows completed when their root job finishes.
func (m *FlowManager) handleCompleted(ctx context.Context, ev queue.Event) {
	var attr stepAttribution
	if err := json.Unmarshal(ev.Job.Payload, &attr); err == nil && attr.Track && attr.WorkflowID != "" {
		m.mergeStepResult(ctx, attr, ev)
	}

	err := m.stores.UpdateStatusByRootJob(ctx, ev.Job.ID, StatusCompleted)
	if err != nil && !store.IsNotFoundError(err) {
		m.logger.Error("failed to mark workflow completed",
			"root_job_id", ev.Job.ID,
			"error", err)
	}
}

// handleFailed marks a workflow failed once its root job fails for good.
// Non-final attempts are the worker host's concern, not the workflow's.
func (m *FlowManager) handleFailed(ctx context.Context, ev queue.Event) {
	if !queue.IsUnrecoverable(ev.Err) && ev.Job.AttemptsMade < ev.Job.Options.Attempts {
		return
	}

	err := m.stores.UpdateStatusByRootJob(ctx, ev.Job.ID, StatusFailed)
	if err != nil {
		if store.IsNotFoundError(err) {
			return
		}
		m.logger.Error("failed to mark workflow failed",
			"root_job_id", ev.Job.ID,
			"error", err)
		return
	}

	m.logger.Warn("workflow failed",
		"root_job_id", ev.Job.ID,
		"error", ev.Err)
}

// mergeStepResult unwraps the step's return value and writes it into
// the workflow's result map. Merge conflicts are the store's problem; a
// merge that still fails is logged and the event is otherwise dropped.
func (m *FlowManager) mergeStepResult(ctx context.Context, attr stepAttribution, ev queue.Event) {
	var sr task.StepResult
	if err := json.Unmarshal(ev.ReturnValue, &sr); err != nil || sr.Name == "" {
		m.logger.Warn("tracked step returned an unattributable result",
			"workflow_id", attr.WorkflowID,
			"step_name", attr.StepName,
			"job_id", ev.Job.ID)
		return
	}

	entry := ResultEntry{Name: sr.Name, Result: sr.Result}
	if err := m.stores.MergeResult(ctx, attr.WorkflowID, entry); err != nil {
		m.logger.Error("failed to merge step result",
			"workflow_id", attr.WorkflowID,
			"step_name", sr.Name,
			"error", err)
	}
}
