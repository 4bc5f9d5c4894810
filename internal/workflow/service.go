package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/stash-api/internal/queue"
)

// ErrUnknownTemplate is returned when no template is registered under
// the requested name.
var ErrUnknownTemplate = errors.New("unknown workflow template")

// Service creates workflows and reads them back with live execution
// state from the broker.
type Service struct {
	broker    queue.Broker
	stores    Store
	templates map[string]Template
	logger    *slog.Logger
}

// NewService creates a workflow service with the built-in templates.
func NewService(broker queue.Broker, stores Store, logger *slog.Logger) *Service {
	return &Service{
		broker:    broker,
		stores:    stores,
		templates: builtinTemplates(),
		logger:    logger.With("component", "workflow_service"),
	}
}

// RegisterTemplate adds or replaces a named workflow template.
func (s *Service) RegisterTemplate(name string, tmpl Template) {
	s.templates[name] = tmpl
}

// CreateWorkflow validates the steps, submits them to the broker as a
// flow tree, and persists the workflow record as active.
func (s *Service) CreateWorkflow(ctx context.Context, name string, steps []StepDefinition) (*Workflow, error) {
	id := uuid.NewString()

	flow, err := BuildFlow(id, steps)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow definition: %w", err)
	}

	node, err := s.broker.AddFlow(ctx, flow)
	if err != nil {
		return nil, fmt.Errorf("failed to submit workflow flow: %w", err)
	}

	// Pre-seed the result map so the key set is fixed at submission;
	// tracked steps fill their slot in, nothing else is ever added.
	results := make(map[string]json.RawMessage)
	for _, step := range steps {
		if step.Track {
			results[step.Name] = nil
		}
	}

	now := time.Now().UTC()
	w := &Workflow{
		ID:         id,
		Name:       name,
		Status:     StatusActive,
		RootJobID:  node.Job.ID,
		RootQueue:  node.Job.Queue,
		Definition: steps,
		Results:    results,
		JobIDs:     extractJobIDs(node),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.stores.CreateWorkflow(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to persist workflow: %w", err)
	}

	s.logger.Info("workflow created",
		"workflow_id", id,
		"name", name,
		"steps", len(steps),
		"root_job_id", w.RootJobID)
	return w, nil
}

// CreateWorkflowFromTemplate expands a registered template with the
// given input and creates the resulting workflow.
func (s *Service) CreateWorkflowFromTemplate(ctx context.Context, name string, input TemplateInput) (*Workflow, error) {
	tmpl, ok := s.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	steps, err := tmpl(input)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	return s.CreateWorkflow(ctx, name, steps)
}

// GetWorkflow returns the workflow record together with the live state
// of its flow tree.
//
// A terminal record is returned as stored. An active record is synced
// against the broker: a finished root job settles the status, and a
// graph the broker has evicted degrades the workflow to expired.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*Detail, error) {
	w, err := s.stores.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	if w.Status.Terminal() {
		return &Detail{Workflow: w}, nil
	}

	tree, err := s.broker.GetFlow(ctx, w.RootQueue, w.RootJobID)
	if err != nil {
		if errors.Is(err, queue.ErrFlowNotFound) {
			return s.expire(ctx, w)
		}
		return nil, fmt.Errorf("failed to read flow state: %w", err)
	}

	jobs := s.flatten(ctx, tree, nil)

	rootState, err := s.broker.JobState(ctx, w.RootQueue, w.RootJobID)
	if err == nil {
		if status, terminal := statusForJobState(rootState); terminal && status != w.Status {
			if err := s.stores.UpdateStatus(ctx, w.ID, status); err != nil {
				s.logger.Error("failed to sync workflow status",
					"workflow_id", w.ID,
					"status", string(status),
					"error", err)
			} else {
				w.Status = status
			}
		}
	}

	return &Detail{Workflow: w, Jobs: jobs}, nil
}

// expire marks a workflow whose job graph the broker no longer holds.
func (s *Service) expire(ctx context.Context, w *Workflow) (*Detail, error) {
	if err := s.stores.UpdateStatus(ctx, w.ID, StatusExpired); err != nil {
		return nil, fmt.Errorf("failed to expire workflow: %w", err)
	}
	w.Status = StatusExpired
	s.logger.Warn("workflow expired, job graph evicted by broker",
		"workflow_id", w.ID,
		"root_job_id", w.RootJobID)
	return &Detail{Workflow: w}, nil
}

// flatten walks the flow tree children before parents, matching the
// order the broker executes them in.
func (s *Service) flatten(ctx context.Context, node *queue.JobNode, out []JobStatus) []JobStatus {
	for _, child := range node.Children {
		out = s.flatten(ctx, child, out)
	}

	state, err := s.broker.JobState(ctx, node.Job.Queue, node.Job.ID)
	if err != nil {
		s.logger.Debug("job state unavailable", "job_id", node.Job.ID, "error", err)
	}
	return append(out, JobStatus{
		JobID:    node.Job.ID,
		Name:     node.Job.Name,
		Queue:    node.Job.Queue,
		State:    state,
		Attempts: node.Job.AttemptsMade,
	})
}

// extractJobIDs walks the submitted flow tree and maps each step name to
// the job id the broker assigned it.
func extractJobIDs(node *queue.JobNode) map[string]string {
	ids := make(map[string]string)
	var walk func(n *queue.JobNode)
	walk = func(n *queue.JobNode) {
		ids[n.Job.Name] = n.Job.ID
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(node)
	return ids
}

// statusForJobState maps a root job state to a terminal workflow status.
func statusForJobState(state queue.JobState) (Status, bool) {
	switch state {
	case queue.JobStateCompleted:
		return StatusCompleted, true
	case queue.JobStateFailed:
		return StatusFailed, true
	default:
		return "", false
	}
}
