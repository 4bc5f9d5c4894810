package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phrazzld/stash-api/internal/queue"
)

// stepEnvelope extracts the workflow attribution keys a flow-built job
// carries alongside the task fields.
type stepEnvelope struct {
	WorkflowID string `json:"workflowId,omitempty"`
	StepName   string `json:"stepName,omitempty"`
	Track      bool   `json:"track,omitempty"`
}

// Processor maps composite task keys (type, or type:target) to handler
// implementations and dispatches delivered jobs to them. Registration
// order matters: whichever handler registers last for an identical key
// wins, so callers must register unambiguous keys.
type Processor struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewProcessor creates an empty processor.
func NewProcessor(logger *slog.Logger) *Processor {
	return &Processor{
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "task_processor"),
	}
}

// RegisterHandler stores the handler under its declared key.
func (p *Processor) RegisterHandler(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := h.TaskKey()
	if _, exists := p.handlers[key]; exists {
		p.logger.Warn("replacing previously registered handler", "task_key", key)
	}
	p.handlers[key] = h
	p.logger.Debug("handler registered", "task_key", key)
}

// Process resolves the handler for the job's task and invokes it. A job
// whose key has no registered handler fails permanently: an unknown task
// type can never become known by retrying.
//
// For workflow step jobs (payload carries a step name), the handler
// result is wrapped into the StepResult shape so the flow manager can
// attribute it.
func (p *Processor) Process(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	var t Task
	if err := json.Unmarshal(job.Payload, &t); err != nil {
		return nil, queue.Unrecoverablef("malformed task payload: %v", err)
	}

	if err := job.UpdateProgress(ctx, "Fetching handler"); err != nil {
		p.logger.Warn("failed to report progress", "job_id", job.ID, "error", err)
	}

	key := t.Key()
	p.mu.RLock()
	handler, ok := p.handlers[key]
	p.mu.RUnlock()
	if !ok {
		return nil, queue.Unrecoverablef("no handler registered for task type: %s", key)
	}

	if err := job.UpdateProgress(ctx, "Sending to handler"); err != nil {
		p.logger.Warn("failed to report progress", "job_id", job.ID, "error", err)
	}

	result, err := handler.Handle(ctx, &t)
	if err != nil {
		return nil, err
	}

	var env stepEnvelope
	if err := json.Unmarshal(job.Payload, &env); err == nil && env.StepName != "" {
		wrapped, err := json.Marshal(StepResult{Result: result, Name: env.StepName})
		if err != nil {
			return nil, fmt.Errorf("failed to wrap step result: %w", err)
		}
		return wrapped, nil
	}

	return result, nil
}
