package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/animadev/anima/internal/store"
)

const sessionColumns = `id, working_dir, personality, user_id, medium, start_time, last_activity,
	claude_session_id, sandbox_mode, sandbox_mount_type, sandbox_settings, sandbox_network_mode,
	is_locked, session_name, model, thinking_budget, allowed_tools, auto_approve, lean_mode,
	plugins, env, output_format, output_style, include_context, enable_streaming, mission_id,
	summary, created_at, end_time`

// CreateSession inserts a new session row.
func (r *Repository) CreateSession(ctx context.Context, s *store.Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if s.StartTime.IsZero() {
		s.StartTime = now
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = s.StartTime
	}
	s.CreatedAt = now
	if s.SandboxMountType == "" {
		s.SandboxMountType = store.MountDirect
	}

	outputFormat := ""
	if s.OutputFormat != nil {
		outputFormat = marshalJSON(s.OutputFormat, "")
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), s.ID, s.WorkingDir, s.Personality, s.UserID, s.Medium, s.StartTime, s.LastActivity,
		s.ClaudeSessionID, s.SandboxMode, string(s.SandboxMountType), marshalJSON(s.SandboxSettings, "{}"),
		s.SandboxNetworkMode, s.IsLocked, s.SessionName, s.Model, s.ThinkingBudget,
		marshalJSON(s.AllowedTools, "[]"), s.AutoApprove, s.LeanMode, marshalJSON(s.Plugins, "[]"),
		marshalJSON(s.Env, "{}"), outputFormat, s.OutputStyle, s.IncludeContext, s.EnableStreaming,
		s.MissionID, s.Summary, s.CreatedAt, nullTime(s.EndTime))
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func scanSession(scan func(dest ...interface{}) error) (*store.Session, error) {
	s := &store.Session{}
	var (
		mountType       string
		sandboxSettings string
		allowedTools    string
		plugins         string
		env             string
		outputFormat    string
		endTime         sql.NullTime
	)
	err := scan(&s.ID, &s.WorkingDir, &s.Personality, &s.UserID, &s.Medium, &s.StartTime,
		&s.LastActivity, &s.ClaudeSessionID, &s.SandboxMode, &mountType, &sandboxSettings,
		&s.SandboxNetworkMode, &s.IsLocked, &s.SessionName, &s.Model, &s.ThinkingBudget,
		&allowedTools, &s.AutoApprove, &s.LeanMode, &plugins, &env, &outputFormat,
		&s.OutputStyle, &s.IncludeContext, &s.EnableStreaming, &s.MissionID, &s.Summary,
		&s.CreatedAt, &endTime)
	if err != nil {
		return nil, err
	}
	s.SandboxMountType = store.MountType(mountType)
	s.SandboxSettings = unmarshalMap(sandboxSettings)
	s.AllowedTools = unmarshalList(allowedTools)
	s.Plugins = unmarshalList(plugins)
	s.Env = unmarshalStringMap(env)
	s.EndTime = timePtr(endTime)
	if outputFormat != "" {
		var of store.OutputFormat
		if json.Unmarshal([]byte(outputFormat), &of) == nil && of.Type != "" {
			s.OutputFormat = &of
		}
	}
	return s, nil
}

// GetSession retrieves a session by ID.
func (r *Repository) GetSession(ctx context.Context, id string) (*store.Session, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?
	`), id)
	s, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateSession rewrites the mutable fields of a session.
func (r *Repository) UpdateSession(ctx context.Context, s *store.Session) error {
	outputFormat := ""
	if s.OutputFormat != nil {
		outputFormat = marshalJSON(s.OutputFormat, "")
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET working_dir = ?, personality = ?, user_id = ?, medium = ?,
			last_activity = ?, claude_session_id = ?, sandbox_mode = ?, sandbox_mount_type = ?,
			sandbox_settings = ?, sandbox_network_mode = ?, is_locked = ?, session_name = ?,
			model = ?, thinking_budget = ?, allowed_tools = ?, auto_approve = ?, lean_mode = ?,
			plugins = ?, env = ?, output_format = ?, output_style = ?, include_context = ?,
			enable_streaming = ?, mission_id = ?, summary = ?
		WHERE id = ?
	`), s.WorkingDir, s.Personality, s.UserID, s.Medium, s.LastActivity, s.ClaudeSessionID,
		s.SandboxMode, string(s.SandboxMountType), marshalJSON(s.SandboxSettings, "{}"),
		s.SandboxNetworkMode, s.IsLocked, s.SessionName, s.Model, s.ThinkingBudget,
		marshalJSON(s.AllowedTools, "[]"), s.AutoApprove, s.LeanMode, marshalJSON(s.Plugins, "[]"),
		marshalJSON(s.Env, "{}"), outputFormat, s.OutputStyle, s.IncludeContext,
		s.EnableStreaming, s.MissionID, s.Summary, s.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session %s: %w", s.ID, store.ErrNotFound)
	}
	return nil
}

// TouchSession updates last_activity.
func (r *Repository) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET last_activity = ? WHERE id = ?
	`), at.UTC(), id)
	return err
}

// SetClaudeSessionID persists the agent backend's resume token.
func (r *Repository) SetClaudeSessionID(ctx context.Context, id, claudeSessionID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET claude_session_id = ? WHERE id = ?
	`), claudeSessionID, id)
	return err
}

// LockSession marks a session locked. Locked sessions accept no new queries.
func (r *Repository) LockSession(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET is_locked = ? WHERE id = ?
	`), true, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// EndSession stamps end_time and an optional closing summary.
func (r *Repository) EndSession(ctx context.Context, id string, endTime time.Time, summary string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET end_time = ?, summary = CASE WHEN ? = '' THEN summary ELSE ? END
		WHERE id = ?
	`), endTime.UTC(), summary, summary, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// SetSessionSummary stores a consolidation summary.
func (r *Repository) SetSessionSummary(ctx context.Context, id, summary string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET summary = ? WHERE id = ?
	`), summary, id)
	return err
}

// ListSessions returns sessions matching the filter, most recent first.
func (r *Repository) ListSessions(ctx context.Context, filter store.SessionFilter) ([]*store.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	args := []interface{}{}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Medium != "" {
		query += ` AND medium = ?`
		args = append(args, filter.Medium)
	}
	if filter.ActiveOnly {
		query += ` AND end_time IS NULL AND is_locked = ?`
		args = append(args, false)
	}
	query += ` ORDER BY last_activity DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []*store.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SessionsNeedingSummary returns ended sessions without a summary, oldest first.
func (r *Repository) SessionsNeedingSummary(ctx context.Context, endedBefore time.Time, limit int) ([]*store.Session, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE end_time IS NOT NULL AND end_time < ? AND summary = ''
		ORDER BY end_time ASC LIMIT ?
	`), endedBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []*store.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
