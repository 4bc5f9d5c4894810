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

// PostgresTaskStore implements the task.TaskStore interface using PostgreSQL.
type PostgresTaskStore struct {
	db store.DBTX
}

// NewPostgresTaskStore creates a new PostgresTaskStore.
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{
		db: db,
	}
}

// WithTx returns a copy of the store bound to the given transaction.
func (s *PostgresTaskStore) WithTx(tx store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{db: tx}
}

// CreateTask persists a new task record.
func (s *PostgresTaskStore) CreateTask(ctx context.Context, t *task.Task) error {
	log := logger.FromContext(ctx)

	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	query := `
		INSERT INTO tasks (id, type, payload, status, info, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	_, err = s.db.ExecContext(ctx, query,
		t.ID,
		t.Type,
		payload,
		t.Status,
		t.Info,
		t.CreatedAt,
	)
	if err != nil {
		log.Error("failed to save task",
			"task_id", t.ID,
			"task_type", string(t.Type),
			"error", err)
		return fmt.Errorf("failed to save task: %w", MapError(err))
	}

	return nil
}

// GetTask retrieves a task by id.
func (s *PostgresTaskStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	query := `
		SELECT id, type, payload, status, info, created_at
		FROM tasks
		WHERE id = $1
	`

	var t task.Task
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID,
		&t.Type,
		&payload,
		&t.Status,
		&t.Info,
		&t.CreatedAt,
	)
	if err != nil {
		if mapped := MapError(err); store.IsNotFoundError(mapped) {
			return nil, store.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	if err := json.Unmarshal(payload, &t.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	return &t, nil
}

// ListTasksByStatus retrieves all tasks in the given status, oldest
// first.
func (s *PostgresTaskStore) ListTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	query := `
		SELECT id, type, payload, status, info, created_at
		FROM tasks
		WHERE status = $1
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []*task.Task
	for rows.Next() {
		var t task.Task
		var payload []byte
		if err := rows.Scan(&t.ID, &t.Type, &payload, &t.Status, &t.Info, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task payload: %w", err)
		}
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}
	return tasks, nil
}

// UpdateTaskStatus updates the status of a task and, when info is
// non-empty, its info message. Returns store.ErrTaskNotFound when no
// record has the id; worker jobs without task records hit this path
// routinely.
func (s *PostgresTaskStore) UpdateTaskStatus(ctx context.Context, id string, status task.Status, info string) error {
	log := logger.FromContext(ctx)

	query := `
		UPDATE tasks
		SET status = $1,
		    info = CASE WHEN $2 <> '' THEN $2 ELSE info END,
		    updated_at = $3
		WHERE id = $4
	`

	result, err := s.db.ExecContext(ctx, query,
		status,
		info,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		log.Error("failed to update task status",
			"task_id", id,
			"status", string(status),
			"error", err)
		return fmt.Errorf("failed to update task status: %w", MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrTaskNotFound
	}

	return nil
}
