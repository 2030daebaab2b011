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

// InsertFinding queues a shareable finding for ambient surfacing.
func (r *Repository) InsertFinding(ctx context.Context, f *store.Finding) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	f.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO shareable_findings (id, source, finding, created_at) VALUES (?, ?, ?, ?)
	`), f.ID, f.Source, f.Finding, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert finding: %w", err)
	}
	return nil
}

// NextFindingForSession returns the newest finding that has not been surfaced
// to the session within the window, or (nil, nil) when none qualifies.
func (r *Repository) NextFindingForSession(ctx context.Context, sessionID string, window time.Duration) (*store.Finding, error) {
	cutoff := time.Now().UTC().Add(-window)
	f := &store.Finding{}
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT f.id, f.source, f.finding, f.created_at
		FROM shareable_findings f
		WHERE NOT EXISTS (
			SELECT 1 FROM surfaced_findings s
			WHERE s.finding_id = f.id AND s.session_id = ? AND s.surfaced_at > ?
		)
		ORDER BY f.created_at DESC LIMIT 1
	`), sessionID, cutoff).Scan(&f.ID, &f.Source, &f.Finding, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// MarkFindingSurfaced records that a finding was shown to a session.
func (r *Repository) MarkFindingSurfaced(ctx context.Context, findingID, sessionID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO surfaced_findings (finding_id, session_id, surfaced_at, cited) VALUES (?, ?, ?, ?)
		ON CONFLICT(finding_id, session_id) DO UPDATE SET surfaced_at = excluded.surfaced_at, cited = 0
	`), findingID, sessionID, at.UTC(), false)
	return err
}

// MarkFindingCited flags a surfaced finding as cited by the assistant.
func (r *Repository) MarkFindingCited(ctx context.Context, sessionID, findingID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE surfaced_findings SET cited = ? WHERE session_id = ? AND finding_id = ?
	`), true, sessionID, findingID)
	return err
}
