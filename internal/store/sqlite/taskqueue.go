package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/animadev/anima/internal/store"
)

const taskQueueColumns = `id, task_type, payload, status, created_at, started_at, completed_at, error_message`

// EnqueueTaskQueue inserts a pending background job.
func (r *Repository) EnqueueTaskQueue(ctx context.Context, item *store.TaskQueueItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Status == "" {
		item.Status = store.QueuePending
	}
	item.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO task_queue (`+taskQueueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), item.ID, item.TaskType, marshalJSON(item.Payload, "{}"), string(item.Status),
		item.CreatedAt, nullTime(item.StartedAt), nullTime(item.CompletedAt), item.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func scanTaskQueueItem(scan func(dest ...interface{}) error) (*store.TaskQueueItem, error) {
	item := &store.TaskQueueItem{}
	var (
		payload     string
		status      string
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := scan(&item.ID, &item.TaskType, &payload, &status, &item.CreatedAt,
		&startedAt, &completedAt, &item.ErrorMessage)
	if err != nil {
		return nil, err
	}
	item.Payload = unmarshalMap(payload)
	item.Status = store.QueueStatus(status)
	item.StartedAt = timePtr(startedAt)
	item.CompletedAt = timePtr(completedAt)
	return item, nil
}

// ClaimPendingTask atomically claims the oldest pending job of the given type,
// marking it running. Returns (nil, nil) when nothing is pending.
func (r *Repository) ClaimPendingTask(ctx context.Context, taskType string) (*store.TaskQueueItem, error) {
	if r.isPostgres() {
		return r.claimPendingPG(ctx, taskType)
	}

	for {
		var id string
		err := r.db.QueryRowContext(ctx, r.db.Rebind(`
			SELECT id FROM task_queue WHERE task_type = ? AND status = 'pending'
			ORDER BY created_at ASC LIMIT 1
		`), taskType).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		result, err := r.db.ExecContext(ctx, r.db.Rebind(`
			UPDATE task_queue SET status = 'running', started_at = ?
			WHERE id = ? AND status = 'pending'
		`), time.Now().UTC(), id)
		if err != nil {
			return nil, err
		}
		if rows, _ := result.RowsAffected(); rows > 0 {
			return r.getTaskQueueItem(ctx, id)
		}
		// Raced by another claimer; try the next pending row.
	}
}

func (r *Repository) claimPendingPG(ctx context.Context, taskType string) (*store.TaskQueueItem, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, r.db.Rebind(`
		SELECT id FROM task_queue WHERE task_type = ? AND status = 'pending'
		ORDER BY created_at ASC LIMIT 1
		FOR UPDATE SKIP LOCKED
	`), taskType).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE task_queue SET status = 'running', started_at = ? WHERE id = ?
	`), time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r.getTaskQueueItem(ctx, id)
}

func (r *Repository) getTaskQueueItem(ctx context.Context, id string) (*store.TaskQueueItem, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT `+taskQueueColumns+` FROM task_queue WHERE id = ?
	`), id)
	item, err := scanTaskQueueItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task queue item %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// MarkTaskQueueCompleted finishes a running job.
func (r *Repository) MarkTaskQueueCompleted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE task_queue SET status = 'completed', completed_at = ? WHERE id = ?
	`), time.Now().UTC(), id)
	return err
}

// MarkTaskQueueFailed finishes a running job with an error.
func (r *Repository) MarkTaskQueueFailed(ctx context.Context, id, errorMessage string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE task_queue SET status = 'failed', completed_at = ?, error_message = ? WHERE id = ?
	`), time.Now().UTC(), errorMessage, id)
	return err
}

// ListTaskQueue returns recent queue items, newest first.
func (r *Repository) ListTaskQueue(ctx context.Context, limit int) ([]*store.TaskQueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+taskQueueColumns+` FROM task_queue ORDER BY created_at DESC LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []*store.TaskQueueItem
	for rows.Next() {
		item, err := scanTaskQueueItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
