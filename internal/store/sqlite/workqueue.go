package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/animadev/anima/internal/store"
)

const workTaskColumns = `id, working_dir, title, description, acceptance_criteria, context_summary,
	scope_paths, required_tools, task_type, tags, priority, status, blocked_by,
	claimed_by_session_id, claimed_by_agent_id, claimed_at, started_at, completed_at,
	attempt_count, outcome, completion_notes, last_error, created_at, updated_at`

// InsertWorkTask inserts a task row. The caller decides ready vs blocked.
func (r *Repository) InsertWorkTask(ctx context.Context, t *store.WorkTask) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = store.TaskReady
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO work_tasks (`+workTaskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.WorkingDir, t.Title, t.Description, t.AcceptanceCriteria, t.ContextSummary,
		marshalJSON(t.ScopePaths, "[]"), marshalJSON(t.RequiredTools, "[]"), t.TaskType,
		marshalJSON(t.Tags, "[]"), t.Priority, string(t.Status), marshalJSON(t.BlockedBy, "[]"),
		t.ClaimedBySessionID, t.ClaimedByAgentID, nullTime(t.ClaimedAt), nullTime(t.StartedAt),
		nullTime(t.CompletedAt), t.AttemptCount, t.Outcome, t.CompletionNotes, t.LastError,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert work task: %w", err)
	}
	return nil
}

func scanWorkTask(scan func(dest ...interface{}) error) (*store.WorkTask, error) {
	t := &store.WorkTask{}
	var (
		scopePaths    string
		requiredTools string
		tags          string
		status        string
		blockedBy     string
		claimedAt     sql.NullTime
		startedAt     sql.NullTime
		completedAt   sql.NullTime
	)
	err := scan(&t.ID, &t.WorkingDir, &t.Title, &t.Description, &t.AcceptanceCriteria,
		&t.ContextSummary, &scopePaths, &requiredTools, &t.TaskType, &tags, &t.Priority,
		&status, &blockedBy, &t.ClaimedBySessionID, &t.ClaimedByAgentID, &claimedAt,
		&startedAt, &completedAt, &t.AttemptCount, &t.Outcome, &t.CompletionNotes,
		&t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.ScopePaths = unmarshalList(scopePaths)
	t.RequiredTools = unmarshalList(requiredTools)
	t.Tags = unmarshalList(tags)
	t.Status = store.WorkTaskStatus(status)
	t.BlockedBy = unmarshalList(blockedBy)
	t.ClaimedAt = timePtr(claimedAt)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	return t, nil
}

// GetWorkTask retrieves a task by ID.
func (r *Repository) GetWorkTask(ctx context.Context, id string) (*store.WorkTask, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+workTaskColumns+` FROM work_tasks WHERE id = ?
	`), id)
	t, err := scanWorkTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work task %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// getWorkTaskForWrite reads through the writer pool so claim preconditions see
// the latest committed row.
func (r *Repository) getWorkTaskForWrite(ctx context.Context, id string) (*store.WorkTask, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT `+workTaskColumns+` FROM work_tasks WHERE id = ?
	`), id)
	t, err := scanWorkTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work task %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateWorkTask rewrites the mutable fields of a task row.
func (r *Repository) UpdateWorkTask(ctx context.Context, t *store.WorkTask) error {
	t.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE work_tasks SET working_dir = ?, title = ?, description = ?, acceptance_criteria = ?,
			context_summary = ?, scope_paths = ?, required_tools = ?, task_type = ?, tags = ?,
			priority = ?, status = ?, blocked_by = ?, claimed_by_session_id = ?,
			claimed_by_agent_id = ?, claimed_at = ?, started_at = ?, completed_at = ?,
			attempt_count = ?, outcome = ?, completion_notes = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`), t.WorkingDir, t.Title, t.Description, t.AcceptanceCriteria, t.ContextSummary,
		marshalJSON(t.ScopePaths, "[]"), marshalJSON(t.RequiredTools, "[]"), t.TaskType,
		marshalJSON(t.Tags, "[]"), t.Priority, string(t.Status), marshalJSON(t.BlockedBy, "[]"),
		t.ClaimedBySessionID, t.ClaimedByAgentID, nullTime(t.ClaimedAt), nullTime(t.StartedAt),
		nullTime(t.CompletedAt), t.AttemptCount, t.Outcome, t.CompletionNotes, t.LastError,
		t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("work task %s: %w", t.ID, store.ErrNotFound)
	}
	return nil
}

// DeleteWorkTask removes a task row.
func (r *Repository) DeleteWorkTask(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM work_tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("work task %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// ListWorkTasks returns tasks matching the filter, higher priority first, then
// oldest first.
func (r *Repository) ListWorkTasks(ctx context.Context, filter store.WorkTaskFilter) ([]*store.WorkTask, error) {
	query := `SELECT ` + workTaskColumns + ` FROM work_tasks WHERE 1=1`
	args := []interface{}{}
	if filter.WorkingDir != "" {
		query += ` AND working_dir = ?`
		args = append(args, filter.WorkingDir)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.TaskType != "" {
		query += ` AND task_type = ?`
		args = append(args, filter.TaskType)
	}
	query += ` ORDER BY priority DESC, created_at ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return r.queryWorkTasks(ctx, query, args...)
}

// ListReadyWorkTasks returns unclaimed ready tasks in claim order.
func (r *Repository) ListReadyWorkTasks(ctx context.Context, workingDir string, limit int) ([]*store.WorkTask, error) {
	query := `SELECT ` + workTaskColumns + ` FROM work_tasks
		WHERE status = 'ready' AND claimed_by_agent_id = '' AND claimed_by_session_id = ''`
	args := []interface{}{}
	if workingDir != "" {
		query += ` AND working_dir = ?`
		args = append(args, workingDir)
	}
	query += ` ORDER BY priority DESC, created_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryWorkTasks(ctx, query, args...)
}

func (r *Repository) queryWorkTasks(ctx context.Context, query string, args ...interface{}) ([]*store.WorkTask, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*store.WorkTask
	for rows.Next() {
		t, err := scanWorkTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// claimUpdate is the single-statement claim precondition: it only fires when
// the task is still ready and unclaimed, so two concurrent claimers can never
// both win.
func (r *Repository) claimUpdate(ctx context.Context, exec sqlx.ExecerContext, id, sessionID, agentID string) (bool, error) {
	now := time.Now().UTC()
	result, err := exec.ExecContext(ctx, r.db.Rebind(`
		UPDATE work_tasks SET status = 'claimed', claimed_by_session_id = ?, claimed_by_agent_id = ?,
			claimed_at = ?, attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = ? AND status = 'ready' AND claimed_by_session_id = '' AND claimed_by_agent_id = ''
	`), sessionID, agentID, now, now, id)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ClaimWorkTask atomically claims one specific task.
func (r *Repository) ClaimWorkTask(ctx context.Context, id, sessionID, agentID string) (*store.WorkTask, error) {
	t, err := r.getWorkTaskForWrite(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != store.TaskReady || t.ClaimedByAgentID != "" || t.ClaimedBySessionID != "" {
		return nil, fmt.Errorf("work task %s is %s: %w", id, t.Status, store.ErrNotReady)
	}
	won, err := r.claimUpdate(ctx, r.db, id, sessionID, agentID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, fmt.Errorf("work task %s: %w", id, store.ErrClaimRaced)
	}
	return r.getWorkTaskForWrite(ctx, id)
}

// ClaimNextWorkTask atomically claims the best-matching ready task, or returns
// (nil, nil) when none qualifies. Candidates are ordered by priority then age;
// the required-tools filter is applied in memory before the atomic claim. On
// Postgres the candidate row is taken under FOR UPDATE SKIP LOCKED.
func (r *Repository) ClaimNextWorkTask(ctx context.Context, filter store.ClaimFilter) (*store.WorkTask, error) {
	candidates, err := r.claimCandidates(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, id := range candidates {
		var won bool
		if r.isPostgres() {
			won, err = r.claimLockedPG(ctx, id, filter.SessionID, filter.AgentID)
		} else {
			won, err = r.claimUpdate(ctx, r.db, id, filter.SessionID, filter.AgentID)
		}
		if err != nil {
			return nil, err
		}
		if won {
			return r.getWorkTaskForWrite(ctx, id)
		}
	}
	return nil, nil
}

func (r *Repository) claimCandidates(ctx context.Context, filter store.ClaimFilter) ([]string, error) {
	query := `SELECT id, task_type, required_tools FROM work_tasks
		WHERE status = 'ready' AND claimed_by_session_id = '' AND claimed_by_agent_id = ''`
	args := []interface{}{}
	if filter.WorkingDir != "" {
		query += ` AND working_dir = ?`
		args = append(args, filter.WorkingDir)
	}
	query += ` ORDER BY priority DESC, created_at ASC LIMIT 20`

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	wantedTypes := make(map[string]bool, len(filter.TaskTypes))
	for _, tt := range filter.TaskTypes {
		wantedTypes[tt] = true
	}
	caps := make(map[string]bool, len(filter.Capabilities))
	for _, c := range filter.Capabilities {
		caps[c] = true
	}

	var ids []string
	for rows.Next() {
		var id, taskType, requiredTools string
		if err := rows.Scan(&id, &taskType, &requiredTools); err != nil {
			return nil, err
		}
		if len(wantedTypes) > 0 && !wantedTypes[taskType] {
			continue
		}
		if len(caps) > 0 {
			covered := true
			for _, tool := range unmarshalList(requiredTools) {
				if !caps[tool] {
					covered = false
					break
				}
			}
			if !covered {
				continue
			}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) claimLockedPG(ctx context.Context, id, sessionID, agentID string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx, r.db.Rebind(`
		SELECT id FROM work_tasks
		WHERE id = ? AND status = 'ready' AND claimed_by_session_id = '' AND claimed_by_agent_id = ''
		FOR UPDATE SKIP LOCKED
	`), id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	won, err := r.claimUpdate(ctx, tx, id, sessionID, agentID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return won, nil
}

// ReleaseWorkTask moves a claimed or in_progress task back to ready and clears
// the claimer. A non-empty lastError replaces the stored one.
func (r *Repository) ReleaseWorkTask(ctx context.Context, id, lastError string) (*store.WorkTask, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE work_tasks SET status = 'ready', claimed_by_session_id = '', claimed_by_agent_id = '',
			claimed_at = NULL, last_error = CASE WHEN ? = '' THEN last_error ELSE ? END, updated_at = ?
		WHERE id = ? AND status IN ('claimed', 'in_progress')
	`), lastError, lastError, time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := r.getWorkTaskForWrite(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("work task %s is not claimed: %w", id, store.ErrNotReady)
	}
	return r.getWorkTaskForWrite(ctx, id)
}

// CascadeTaskDone removes doneID from every dependent's blocked_by list and
// promotes blocked dependents whose remaining references are all done. Returns
// the ids of tasks promoted to ready.
func (r *Repository) CascadeTaskDone(ctx context.Context, doneID string) ([]string, error) {
	dependents, err := r.queryWorkTasksWrite(ctx, `
		SELECT `+workTaskColumns+` FROM work_tasks WHERE blocked_by LIKE ?
	`, "%\""+doneID+"\"%")
	if err != nil {
		return nil, err
	}

	var promoted []string
	now := time.Now().UTC()
	for _, dep := range dependents {
		remaining := make([]string, 0, len(dep.BlockedBy))
		for _, b := range dep.BlockedBy {
			if b != doneID {
				remaining = append(remaining, b)
			}
		}
		if len(remaining) == len(dep.BlockedBy) {
			continue
		}

		allDone := true
		for _, b := range remaining {
			blocker, err := r.getWorkTaskForWrite(ctx, b)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, err
			}
			if blocker.Status != store.TaskDone {
				allDone = false
				break
			}
		}

		status := dep.Status
		if dep.Status == store.TaskBlocked && allDone {
			status = store.TaskReady
			promoted = append(promoted, dep.ID)
		}
		_, err = r.db.ExecContext(ctx, r.db.Rebind(`
			UPDATE work_tasks SET blocked_by = ?, status = ?, updated_at = ? WHERE id = ?
		`), marshalJSON(remaining, "[]"), string(status), now, dep.ID)
		if err != nil {
			return nil, err
		}
	}
	return promoted, nil
}

func (r *Repository) queryWorkTasksWrite(ctx context.Context, query string, args ...interface{}) ([]*store.WorkTask, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*store.WorkTask
	for rows.Next() {
		t, err := scanWorkTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
