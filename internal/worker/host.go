package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/phrazzld/stash-api/internal/notify"
	"github.com/phrazzld/stash-api/internal/queue"
	"github.com/phrazzld/stash-api/internal/redact"
	"github.com/phrazzld/stash-api/internal/store"
	"github.com/phrazzld/stash-api/internal/task"
)

// AdmissionGuard gates job admission. A rejected job is redelivered
// later without consuming a retry attempt.
type AdmissionGuard interface {
	Consume(ctx context.Context, cost float64) (bool, error)
}

// TaskUpdater is the slice of task persistence the host needs: status
// transitions driven by broker lifecycle events.
type TaskUpdater interface {
	UpdateTaskStatus(ctx context.Context, id string, status task.Status, info string) error
}

// HostConfig wires a Host's collaborators.
type HostConfig struct {
	// Queue is the logical queue name to consume.
	Queue string

	// Concurrency bounds how many jobs process at once.
	Concurrency int

	// Guard optionally gates admission; nil disables admission control.
	Guard AdmissionGuard

	// Process executes delivered jobs, typically Processor.Process.
	Process queue.ProcessFunc

	// Tasks persists status transitions for task-backed jobs.
	Tasks TaskUpdater

	// Notifier emits completion and failure events into per-task rooms.
	Notifier notify.Notifier
}

// Host consumes one queue and drives the task lifecycle around job
// execution: admission control before the processor runs, and status
// persistence plus client notification from the broker's event stream.
//
// Jobs whose id has no task record (workflow step jobs carry their own
// ids) still execute; only the status bookkeeping is skipped for them.
type Host struct {
	cfg      HostConfig
	broker   queue.Broker
	logger   *slog.Logger
	consumer queue.Consumer
	done     chan struct{}
}

// NewHost creates a host. Call Start to begin consuming.
func NewHost(cfg HostConfig, broker queue.Broker, logger *slog.Logger) *Host {
	return &Host{
		cfg:    cfg,
		broker: broker,
		logger: logger.With("component", "worker_host", "queue", cfg.Queue),
		done:   make(chan struct{}),
	}
}

// Start begins consuming the queue and handling lifecycle events.
func (h *Host) Start(ctx context.Context) error {
	consumer, err := h.broker.Consume(ctx, h.cfg.Queue, h.cfg.Concurrency, h.execute)
	if err != nil {
		return fmt.Errorf("failed to start consumer for queue %s: %w", h.cfg.Queue, err)
	}
	h.consumer = consumer

	go h.eventLoop(ctx)

	h.logger.Info("worker host started", "concurrency", h.cfg.Concurrency)
	return nil
}

// Close stops consuming, waits for in-flight jobs to drain, then waits
// for the event loop to finish handling the resulting events.
func (h *Host) Close() error {
	if h.consumer == nil {
		return nil
	}
	if err := h.consumer.Close(); err != nil {
		return err
	}
	<-h.done
	h.logger.Info("worker host stopped")
	return nil
}

// execute runs one job through admission control and the processor.
func (h *Host) execute(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	if h.cfg.Guard != nil {
		allowed, err := h.cfg.Guard.Consume(ctx, 1)
		if err != nil {
			return nil, fmt.Errorf("admission guard check failed: %w", err)
		}
		if !allowed {
			h.logger.Debug("job rate limited", "job_id", job.ID)
			return nil, queue.ErrRateLimited
		}
	}
	return h.cfg.Process(ctx, job)
}

// eventLoop translates broker lifecycle events into task status updates
// and client notifications until the consumer's stream closes.
func (h *Host) eventLoop(ctx context.Context) {
	defer close(h.done)

	for ev := range h.consumer.Events() {
		if ev.Job == nil {
			continue
		}
		switch ev.Type {
		case queue.EventActive:
			h.updateTask(ctx, ev.Job.ID, task.StatusProcessing, "")

		case queue.EventProgress:
			h.updateTask(ctx, ev.Job.ID, task.StatusProcessing, ev.Progress)

		case queue.EventCompleted:
			h.updateTask(ctx, ev.Job.ID, task.StatusCompleted, string(ev.ReturnValue))
			room := "task:" + ev.Job.ID
			h.cfg.Notifier.Emit(room, room+":completed", map[string]any{
				"status": string(task.StatusCompleted),
				"result": json.RawMessage(ev.ReturnValue),
			})

		case queue.EventFailed:
			if !finalFailure(ev) {
				h.logger.Warn("job attempt failed, will retry",
					"job_id", ev.Job.ID,
					"attempts_made", ev.Job.AttemptsMade,
					"attempts", ev.Job.Options.Attempts,
					"error", ev.Err)
				continue
			}
			reason := redact.Error(ev.Err)
			h.logger.Error("job failed permanently",
				"job_id", ev.Job.ID,
				"attempts_made", ev.Job.AttemptsMade,
				"error", ev.Err)
			h.updateTask(ctx, ev.Job.ID, task.StatusFailed, reason)
			room := "task:" + ev.Job.ID
			h.cfg.Notifier.Emit(room, room+":failed", map[string]any{
				"status": string(task.StatusFailed),
				"error":  reason,
			})
		}
	}
}

// finalFailure reports whether a failed event is the job's last word:
// the attempt budget is spent or the failure can never succeed on retry.
func finalFailure(ev queue.Event) bool {
	return queue.IsUnrecoverable(ev.Err) || ev.Job.AttemptsMade >= ev.Job.Options.Attempts
}

// updateTask persists a status transition. A missing record is expected
// for jobs that are not task-backed and is logged rather than escalated.
func (h *Host) updateTask(ctx context.Context, id string, status task.Status, info string) {
	if h.cfg.Tasks == nil {
		return
	}
	if err := h.cfg.Tasks.UpdateTaskStatus(ctx, id, status, info); err != nil {
		if store.IsNotFoundError(err) {
			h.logger.Debug("no task record for job", "job_id", id, "status", string(status))
			return
		}
		h.logger.Error("failed to update task status",
			"job_id", id,
			"status", string(status),
			"error", err)
	}
}
