package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/stash-api/internal/queue"
	"github.com/phrazzld/stash-api/internal/store"
	"github.com/phrazzld/stash-api/internal/task"
)

// taskEnvelope is the job payload shape the processor unmarshals.
type taskEnvelope struct {
	Type    task.Type    `json:"type"`
	Payload task.Payload `json:"payload"`
}

// TaskService creates task records and dispatches them onto the queue
// for their type. The job reuses the task's id, which is how lifecycle
// events find their way back to the record.
type TaskService struct {
	stores task.TaskStore
	queues *queue.Registry
	logger *slog.Logger
}

// NewTaskService creates a task service.
func NewTaskService(stores task.TaskStore, queues *queue.Registry, logger *slog.Logger) *TaskService {
	return &TaskService{
		stores: stores,
		queues: queues,
		logger: logger.With("component", "task_service"),
	}
}

// CreateTask persists a pending task and enqueues it for execution.
func (s *TaskService) CreateTask(ctx context.Context, taskType task.Type, payload task.Payload) (*task.Task, error) {
	queueName := task.QueueNameFor(taskType)
	if queueName == "" {
		return nil, fmt.Errorf("unknown task type: %s", taskType)
	}

	t := &task.Task{
		ID:        task.NewID(),
		Type:      taskType,
		Payload:   payload,
		Status:    task.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.stores.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	if err := s.dispatch(ctx, t); err != nil {
		// The record exists but never reached the queue; mark it so the
		// failure is visible to clients polling the task.
		if updateErr := s.stores.UpdateTaskStatus(ctx, t.ID, task.StatusFailed, err.Error()); updateErr != nil {
			s.logger.Error("failed to mark undispatched task",
				"task_id", t.ID,
				"error", updateErr)
		}
		return nil, err
	}

	s.logger.Info("task created",
		"task_id", t.ID,
		"task_type", string(taskType),
		"queue", queueName)
	return t, nil
}

// RecoverTasks re-dispatches tasks left pending or processing by a
// previous run. The job reuses the task id, so a job the broker still
// holds is deduplicated rather than doubled.
func (s *TaskService) RecoverTasks(ctx context.Context) error {
	recovered := 0
	for _, status := range []task.Status{task.StatusPending, task.StatusProcessing} {
		tasks, err := s.stores.ListTasksByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to list %s tasks: %w", status, err)
		}
		for _, t := range tasks {
			if err := s.dispatch(ctx, t); err != nil {
				s.logger.Error("failed to recover task",
					"task_id", t.ID,
					"error", err)
				continue
			}
			recovered++
		}
	}
	if recovered > 0 {
		s.logger.Info("recovered unfinished tasks", "count", recovered)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *TaskService) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return s.stores.GetTask(ctx, id)
}

// DispatchTask re-enqueues an existing task by id. The broker
// deduplicates on the task id, so dispatching a task whose job is still
// queued is a no-op.
func (s *TaskService) DispatchTask(ctx context.Context, id string) error {
	t, err := s.stores.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return s.dispatch(ctx, t)
}

// UpdateTask records a status transition for a task. A missing record
// is logged and swallowed; jobs that are not task-backed report status
// through their workflow instead.
func (s *TaskService) UpdateTask(ctx context.Context, id string, status task.Status, info string) error {
	if err := s.stores.UpdateTaskStatus(ctx, id, status, info); err != nil {
		if store.IsNotFoundError(err) {
			s.logger.Debug("no task record to update", "task_id", id, "status", string(status))
			return nil
		}
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

// dispatch enqueues the task onto the queue for its type.
func (s *TaskService) dispatch(ctx context.Context, t *task.Task) error {
	payload, err := json.Marshal(taskEnvelope{Type: t.Type, Payload: t.Payload})
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	q := s.queues.Get(task.QueueNameFor(t.Type))
	_, err = q.Enqueue(ctx, string(t.Type), payload, &queue.JobOptions{JobID: t.ID})
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}
