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

const notificationColumns = `id, session_id, kind, title, body, payload, status, created_at, acknowledged_at, error_message`

// CreateNotification inserts a pending ambient notification.
func (r *Repository) CreateNotification(ctx context.Context, n *store.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Status == "" {
		n.Status = store.NotificationPending
	}
	n.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO ambient_notifications (`+notificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), n.ID, n.SessionID, n.Kind, n.Title, n.Body, marshalJSON(n.Payload, "{}"),
		string(n.Status), n.CreatedAt, nullTime(n.AcknowledgedAt), n.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func scanNotification(scan func(dest ...interface{}) error) (*store.Notification, error) {
	n := &store.Notification{}
	var (
		payload        string
		status         string
		acknowledgedAt sql.NullTime
	)
	err := scan(&n.ID, &n.SessionID, &n.Kind, &n.Title, &n.Body, &payload, &status,
		&n.CreatedAt, &acknowledgedAt, &n.ErrorMessage)
	if err != nil {
		return nil, err
	}
	n.Payload = unmarshalMap(payload)
	n.Status = store.NotificationStatus(status)
	n.AcknowledgedAt = timePtr(acknowledgedAt)
	return n, nil
}

// GetNotification retrieves a notification by ID.
func (r *Repository) GetNotification(ctx context.Context, id string) (*store.Notification, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+notificationColumns+` FROM ambient_notifications WHERE id = ?
	`), id)
	n, err := scanNotification(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// ListNotifications returns notifications matching the filter, newest first.
func (r *Repository) ListNotifications(ctx context.Context, filter store.NotificationFilter) ([]*store.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM ambient_notifications WHERE 1=1`
	args := []interface{}{}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var notifications []*store.Notification
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// MarkNotificationDelivered transitions pending to delivered.
func (r *Repository) MarkNotificationDelivered(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE ambient_notifications SET status = 'delivered' WHERE id = ? AND status = 'pending'
	`), id)
	return err
}

// AcknowledgeNotification marks a notification acknowledged by a client.
func (r *Repository) AcknowledgeNotification(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE ambient_notifications SET status = 'acknowledged', acknowledged_at = ? WHERE id = ?
	`), at.UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// FailNotification marks a notification undeliverable.
func (r *Repository) FailNotification(ctx context.Context, id, errorMessage string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE ambient_notifications SET status = 'failed', error_message = ? WHERE id = ?
	`), errorMessage, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// PruneNotifications deletes acknowledged notifications older than the cutoff.
func (r *Repository) PruneNotifications(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM ambient_notifications WHERE status = 'acknowledged' AND created_at < ?
	`), olderThan.UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
