package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/animadev/anima/internal/store"
)

// InsertConsolidationRun records the start of a consolidation pass.
func (r *Repository) InsertConsolidationRun(ctx context.Context, run *store.ConsolidationRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = "running"
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO consolidation_runs (id, started_at, completed_at, status, phases, stats, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.StartedAt, nullTime(run.CompletedAt), run.Status,
		marshalJSON(run.Phases, "[]"), marshalJSON(run.Stats, "{}"), run.ErrorMessage)
	return err
}

// UpdateConsolidationRun rewrites a run's status, stats and completion stamp.
func (r *Repository) UpdateConsolidationRun(ctx context.Context, run *store.ConsolidationRun) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE consolidation_runs SET completed_at = ?, status = ?, phases = ?, stats = ?, error_message = ?
		WHERE id = ?
	`), nullTime(run.CompletedAt), run.Status, marshalJSON(run.Phases, "[]"),
		marshalJSON(run.Stats, "{}"), run.ErrorMessage, run.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("consolidation run %s: %w", run.ID, store.ErrNotFound)
	}
	return nil
}

// ListConsolidationRuns returns recent runs, newest first.
func (r *Repository) ListConsolidationRuns(ctx context.Context, limit int) ([]*store.ConsolidationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, started_at, completed_at, status, phases, stats, error_message
		FROM consolidation_runs ORDER BY started_at DESC LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []*store.ConsolidationRun
	for rows.Next() {
		run := &store.ConsolidationRun{}
		var completedAt sql.NullTime
		var phases, stats string
		if err := rows.Scan(&run.ID, &run.StartedAt, &completedAt, &run.Status,
			&phases, &stats, &run.ErrorMessage); err != nil {
			return nil, err
		}
		run.CompletedAt = timePtr(completedAt)
		run.Phases = unmarshalList(phases)
		_ = json.Unmarshal([]byte(stats), &run.Stats)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
