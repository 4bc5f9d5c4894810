package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/phrazzld/stash-api/internal/platform/logger"
	"github.com/phrazzld/stash-api/internal/store"
	"github.com/phrazzld/stash-api/internal/workflow"
)

// PostgresWorkflowStore implements the workflow.Store interface using
// PostgreSQL. It holds the full *sql.DB rather than a DBTX because
// MergeResult opens its own transaction for the row lock.
type PostgresWorkflowStore struct {
	db *sql.DB
}

// NewPostgresWorkflowStore creates a new PostgresWorkflowStore.
func NewPostgresWorkflowStore(db *sql.DB) *PostgresWorkflowStore {
	return &PostgresWorkflowStore{
		db: db,
	}
}

// CreateWorkflow persists a new workflow record.
func (s *PostgresWorkflowStore) CreateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	log := logger.FromContext(ctx)

	definition, err := json.Marshal(w.Definition)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow definition: %w", err)
	}
	results, err := json.Marshal(w.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow results: %w", err)
	}

	query := `
		INSERT INTO workflows (id, name, status, root_job_id, root_queue, definition, results, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = s.db.ExecContext(ctx, query,
		w.ID,
		w.Name,
		w.Status,
		w.RootJobID,
		w.RootQueue,
		definition,
		results,
		w.CreatedAt,
		w.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to save workflow",
			"workflow_id", w.ID,
			"error", err)
		return fmt.Errorf("failed to save workflow: %w", MapError(err))
	}

	return nil
}

// GetWorkflow retrieves a workflow by id.
func (s *PostgresWorkflowStore) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	query := `
		SELECT id, name, status, root_job_id, root_queue, definition, results, created_at, updated_at
		FROM workflows
		WHERE id = $1
	`
	return s.scanWorkflow(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresWorkflowStore) scanWorkflow(row *sql.Row) (*workflow.Workflow, error) {
	var w workflow.Workflow
	var definition, results []byte
	err := row.Scan(
		&w.ID,
		&w.Name,
		&w.Status,
		&w.RootJobID,
		&w.RootQueue,
		&definition,
		&results,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		if mapped := MapError(err); store.IsNotFoundError(mapped) {
			return nil, store.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if len(definition) > 0 {
		if err := json.Unmarshal(definition, &w.Definition); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
		}
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &w.Results); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow results: %w", err)
		}
	}
	return &w, nil
}

// UpdateStatus sets the status of a workflow by id.
func (s *PostgresWorkflowStore) UpdateStatus(ctx context.Context, id string, status workflow.Status) error {
	return s.updateStatus(ctx, "id", id, status)
}

// UpdateStatusByRootJob sets the status of the workflow owning the given
// root job.
func (s *PostgresWorkflowStore) UpdateStatusByRootJob(ctx context.Context, rootJobID string, status workflow.Status) error {
	return s.updateStatus(ctx, "root_job_id", rootJobID, status)
}

func (s *PostgresWorkflowStore) updateStatus(ctx context.Context, column, key string, status workflow.Status) error {
	log := logger.FromContext(ctx)

	query := fmt.Sprintf(`
		UPDATE workflows
		SET status = $1, updated_at = $2
		WHERE %s = $3
	`, column)

	result, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), key)
	if err != nil {
		log.Error("failed to update workflow status",
			column, key,
			"status", string(status),
			"error", err)
		return fmt.Errorf("failed to update workflow status: %w", MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrWorkflowNotFound
	}

	return nil
}

// MergeResult writes a tracked step result into the workflow's result
// map. The row is locked for the duration of the merge so concurrent
// step completions cannot overwrite each other's entries.
func (s *PostgresWorkflowStore) MergeResult(ctx context.Context, workflowID string, entry workflow.ResultEntry) error {
	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRowContext(ctx,
			`SELECT results FROM workflows WHERE id = $1 FOR UPDATE`,
			workflowID,
		).Scan(&raw)
		if err != nil {
			if mapped := MapError(err); store.IsNotFoundError(mapped) {
				return store.ErrWorkflowNotFound
			}
			return fmt.Errorf("failed to lock workflow row: %w", err)
		}

		results := make(map[string]json.RawMessage)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &results); err != nil {
				return fmt.Errorf("failed to unmarshal workflow results: %w", err)
			}
		}
		results[entry.Name] = entry.Result

		merged, err := json.Marshal(results)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow results: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE workflows SET results = $1, updated_at = $2 WHERE id = $3`,
			merged, time.Now().UTC(), workflowID,
		)
		if err != nil {
			return fmt.Errorf("failed to write merged results: %w", err)
		}
		return nil
	})
}
