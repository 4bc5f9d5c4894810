package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/stash-api/internal/queue"
)

// ErrUnauthorized is returned by content fetchers when the upstream
// source rejects the request. Authorization failures never succeed on
// retry, so the save handler fails the job permanently.
var ErrUnauthorized = errors.New("upstream authorization failed")

// ContentFetcher retrieves the raw content of a save target from its
// upstream source.
type ContentFetcher interface {
	Fetch(ctx context.Context, target Target, targetID string) (json.RawMessage, error)
}

// ContentWriter persists fetched content. Implementations live with the
// record entities, outside this subsystem.
type ContentWriter interface {
	Save(ctx context.Context, target Target, targetID string, content json.RawMessage) error
}

// SaveHandler fetches a target's content from upstream and persists it.
// One handler instance serves one save target ("save:article",
// "save:paste", ...).
type SaveHandler struct {
	target  Target
	fetcher ContentFetcher
	writer  ContentWriter
	logger  *slog.Logger
}

// NewSaveHandler creates a save handler for the given target.
func NewSaveHandler(target Target, fetcher ContentFetcher, writer ContentWriter, logger *slog.Logger) *SaveHandler {
	return &SaveHandler{
		target:  target,
		fetcher: fetcher,
		writer:  writer,
		logger:  logger.With("handler", Key(TypeSave, target)),
	}
}

// TaskKey returns the composite key this handler serves.
func (h *SaveHandler) TaskKey() string {
	return Key(TypeSave, h.target)
}

// Handle fetches and persists the target's content. An upstream
// authorization failure is unrecoverable; other fetch errors are left to
// the broker's retry policy.
func (h *SaveHandler) Handle(ctx context.Context, t *Task) (json.RawMessage, error) {
	if t.Payload.TargetID == "" {
		return nil, queue.Unrecoverablef("save task %s has no target id", t.ID)
	}

	content, err := h.fetcher.Fetch(ctx, h.target, t.Payload.TargetID)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return nil, queue.Unrecoverable(err)
		}
		return nil, fmt.Errorf("failed to fetch %s %s: %w", h.target, t.Payload.TargetID, err)
	}

	if err := h.writer.Save(ctx, h.target, t.Payload.TargetID, content); err != nil {
		return nil, fmt.Errorf("failed to save %s %s: %w", h.target, t.Payload.TargetID, err)
	}

	h.logger.Info("content saved",
		"task_id", t.ID,
		"target_id", t.Payload.TargetID)

	return json.Marshal(map[string]string{
		"target":   string(h.target),
		"targetId": t.Payload.TargetID,
	})
}
