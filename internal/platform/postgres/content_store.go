package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/phrazzld/stash-api/internal/platform/logger"
	"github.com/phrazzld/stash-api/internal/store"
	"github.com/phrazzld/stash-api/internal/task"
)

// PostgresContentStore implements task.ContentWriter using PostgreSQL.
// Saving the same target twice overwrites the stored content; save
// tasks are retried and must stay idempotent.
type PostgresContentStore struct {
	db store.DBTX
}

// NewPostgresContentStore creates a new PostgresContentStore.
func NewPostgresContentStore(db store.DBTX) *PostgresContentStore {
	return &PostgresContentStore{
		db: db,
	}
}

// Save upserts the fetched content for a target.
func (s *PostgresContentStore) Save(ctx context.Context, target task.Target, targetID string, content json.RawMessage) error {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO contents (target, target_id, content, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (target, target_id)
		DO UPDATE SET content = EXCLUDED.content, saved_at = EXCLUDED.saved_at
	`

	_, err := s.db.ExecContext(ctx, query,
		target,
		targetID,
		[]byte(content),
		time.Now().UTC(),
	)
	if err != nil {
		log.Error("failed to save content",
			"target", string(target),
			"target_id", targetID,
			"error", err)
		return fmt.Errorf("failed to save content: %w", MapError(err))
	}

	return nil
}

// GetContent retrieves stored content for a target.
func (s *PostgresContentStore) GetContent(ctx context.Context, target task.Target, targetID string) (json.RawMessage, error) {
	query := `
		SELECT content FROM contents WHERE target = $1 AND target_id = $2
	`

	var content []byte
	err := s.db.QueryRowContext(ctx, query, target, targetID).Scan(&content)
	if err != nil {
		if mapped := MapError(err); store.IsNotFoundError(mapped) {
			return nil, mapped
		}
		return nil, fmt.Errorf("failed to get content: %w", err)
	}
	return content, nil
}
