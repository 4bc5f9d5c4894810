package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/stash-api/internal/generation"
	"github.com/phrazzld/stash-api/internal/queue"
)

// AIProcessHandler runs LLM processing over saved content. It serves the
// type-level "ai_process" key, so only tasks carrying no target resolve
// to it.
type AIProcessHandler struct {
	generator generation.Generator
	logger    *slog.Logger
}

// NewAIProcessHandler creates the handler over the given generator.
func NewAIProcessHandler(generator generation.Generator, logger *slog.Logger) *AIProcessHandler {
	return &AIProcessHandler{
		generator: generator,
		logger:    logger.With("handler", string(TypeAIProcess)),
	}
}

// TaskKey returns the key this handler serves.
func (h *AIProcessHandler) TaskKey() string {
	return string(TypeAIProcess)
}

// Handle summarizes the task's content. Safety blocks and configuration
// errors are unrecoverable; transient LLM failures are retried by the
// broker.
func (h *AIProcessHandler) Handle(ctx context.Context, t *Task) (json.RawMessage, error) {
	if t.Payload.Content == "" {
		return nil, queue.Unrecoverablef("ai_process task %s has no content", t.ID)
	}

	summary, err := h.generator.Summarize(ctx, t.Payload.Content)
	if err != nil {
		if errors.Is(err, generation.ErrContentBlocked) ||
			errors.Is(err, generation.ErrInvalidConfig) {
			return nil, queue.Unrecoverable(err)
		}
		return nil, fmt.Errorf("failed to summarize content for task %s: %w", t.ID, err)
	}

	h.logger.Info("content summarized", "task_id", t.ID)

	return json.Marshal(map[string]string{"summary": summary})
}
