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

const swarmColumns = `id, name, description, parent_session_id, working_dir, git_branch_prefix,
	base_branch, status, auto_synthesize, synthesis_prompt, skip_synthesis_on_failure,
	auto_supervise, supervisor_warn_threshold, supervisor_cancel_threshold, synthesis_output,
	synthesis_summary, created_at, started_at, completed_at, error_message`

// CreateSwarm inserts the swarm row. Agents are inserted separately with
// CreateSwarmAgent once their ids are resolved.
func (r *Repository) CreateSwarm(ctx context.Context, s *store.Swarm) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Status == "" {
		s.Status = store.SwarmPending
	}
	s.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO swarms (`+swarmColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), s.ID, s.Name, s.Description, s.ParentSessionID, s.WorkingDir, s.GitBranchPrefix,
		s.BaseBranch, string(s.Status), s.AutoSynthesize, s.SynthesisPrompt,
		s.SkipSynthesisOnFailure, s.AutoSupervise, s.SupervisorWarnThreshold,
		s.SupervisorCancelThreshold, s.SynthesisOutput, s.SynthesisSummary, s.CreatedAt,
		nullTime(s.StartedAt), nullTime(s.CompletedAt), s.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to insert swarm: %w", err)
	}
	return nil
}

func scanSwarm(scan func(dest ...interface{}) error) (*store.Swarm, error) {
	s := &store.Swarm{}
	var status string
	var startedAt, completedAt sql.NullTime
	err := scan(&s.ID, &s.Name, &s.Description, &s.ParentSessionID, &s.WorkingDir,
		&s.GitBranchPrefix, &s.BaseBranch, &status, &s.AutoSynthesize, &s.SynthesisPrompt,
		&s.SkipSynthesisOnFailure, &s.AutoSupervise, &s.SupervisorWarnThreshold,
		&s.SupervisorCancelThreshold, &s.SynthesisOutput, &s.SynthesisSummary, &s.CreatedAt,
		&startedAt, &completedAt, &s.ErrorMessage)
	if err != nil {
		return nil, err
	}
	s.Status = store.SwarmStatus(status)
	s.StartedAt = timePtr(startedAt)
	s.CompletedAt = timePtr(completedAt)
	return s, nil
}

// GetSwarm retrieves a swarm row without its agents.
func (r *Repository) GetSwarm(ctx context.Context, id string) (*store.Swarm, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+swarmColumns+` FROM swarms WHERE id = ?
	`), id)
	s, err := scanSwarm(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("swarm %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateSwarm rewrites the mutable fields of a swarm row.
func (r *Repository) UpdateSwarm(ctx context.Context, s *store.Swarm) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE swarms SET name = ?, description = ?, status = ?, base_branch = ?,
			synthesis_output = ?, synthesis_summary = ?, started_at = ?, completed_at = ?,
			error_message = ?
		WHERE id = ?
	`), s.Name, s.Description, string(s.Status), s.BaseBranch, s.SynthesisOutput,
		s.SynthesisSummary, nullTime(s.StartedAt), nullTime(s.CompletedAt), s.ErrorMessage, s.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("swarm %s: %w", s.ID, store.ErrNotFound)
	}
	return nil
}

// ListSwarms returns swarms matching the filter, newest first.
func (r *Repository) ListSwarms(ctx context.Context, filter store.SwarmFilter) ([]*store.Swarm, error) {
	query := `SELECT ` + swarmColumns + ` FROM swarms WHERE 1=1`
	args := []interface{}{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ParentSessionID != "" {
		query += ` AND parent_session_id = ?`
		args = append(args, filter.ParentSessionID)
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

	var swarms []*store.Swarm
	for rows.Next() {
		s, err := scanSwarm(rows.Scan)
		if err != nil {
			return nil, err
		}
		swarms = append(swarms, s)
	}
	return swarms, rows.Err()
}

// DeleteSwarm removes a swarm and, via cascade, its agents and edges.
func (r *Repository) DeleteSwarm(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM swarms WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("swarm %s: %w", id, store.ErrNotFound)
	}
	_, _ = r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM swarm_scratchpad WHERE swarm_id = ?`), id)
	return nil
}

const agentColumns = `id, swarm_id, name, role, is_synthesis_agent, mode, prompt, personality,
	plugins, allowed_tools, thinking_budget, model, sandbox_mode, status, output_text,
	output_summary, error_message, tool_count, started_at, completed_at, session_id, goal,
	capabilities, task_types, max_tasks, max_duration_seconds, idle_timeout_seconds,
	tasks_completed, tasks_failed, current_task_id`

// CreateSwarmAgent inserts an agent row together with its dependency edges in
// one transaction. Dependency agent ids must already be resolved.
func (r *Repository) CreateSwarmAgent(ctx context.Context, a *store.SwarmAgent) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = store.AgentPending
	}
	if a.Mode == "" {
		a.Mode = store.ModeAssigned
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO swarm_agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), a.ID, a.SwarmID, a.Name, a.Role, a.IsSynthesisAgent, string(a.Mode), a.Prompt,
		a.Personality, marshalJSON(a.Plugins, "[]"), marshalJSON(a.AllowedTools, "[]"),
		a.ThinkingBudget, a.Model, a.SandboxMode, string(a.Status), a.OutputText,
		a.OutputSummary, a.ErrorMessage, a.ToolCount, nullTime(a.StartedAt),
		nullTime(a.CompletedAt), a.SessionID, a.Goal, marshalJSON(a.Capabilities, "[]"),
		marshalJSON(a.TaskTypes, "[]"), a.MaxTasks, a.MaxDurationSeconds, a.IdleTimeoutSeconds,
		a.TasksCompleted, a.TasksFailed, a.CurrentTaskID)
	if err != nil {
		return fmt.Errorf("failed to insert swarm agent: %w", err)
	}

	for _, dep := range a.DependsOn {
		_, err = tx.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO swarm_agent_deps (swarm_id, agent_id, depends_on_agent_id, include, condition)
			VALUES (?, ?, ?, ?, ?)
		`), a.SwarmID, a.ID, dep.AgentID, string(dep.Include), dep.Condition)
		if err != nil {
			return fmt.Errorf("failed to insert agent dependency: %w", err)
		}
	}

	return tx.Commit()
}

func scanSwarmAgent(scan func(dest ...interface{}) error) (*store.SwarmAgent, error) {
	a := &store.SwarmAgent{}
	var (
		mode         string
		status       string
		plugins      string
		allowedTools string
		capabilities string
		taskTypes    string
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	err := scan(&a.ID, &a.SwarmID, &a.Name, &a.Role, &a.IsSynthesisAgent, &mode, &a.Prompt,
		&a.Personality, &plugins, &allowedTools, &a.ThinkingBudget, &a.Model, &a.SandboxMode,
		&status, &a.OutputText, &a.OutputSummary, &a.ErrorMessage, &a.ToolCount, &startedAt,
		&completedAt, &a.SessionID, &a.Goal, &capabilities, &taskTypes, &a.MaxTasks,
		&a.MaxDurationSeconds, &a.IdleTimeoutSeconds, &a.TasksCompleted, &a.TasksFailed,
		&a.CurrentTaskID)
	if err != nil {
		return nil, err
	}
	a.Mode = store.AgentMode(mode)
	a.Status = store.AgentStatus(status)
	a.Plugins = unmarshalList(plugins)
	a.AllowedTools = unmarshalList(allowedTools)
	a.Capabilities = unmarshalList(capabilities)
	a.TaskTypes = unmarshalList(taskTypes)
	a.StartedAt = timePtr(startedAt)
	a.CompletedAt = timePtr(completedAt)
	return a, nil
}

// UpdateSwarmAgent rewrites the mutable fields of an agent row.
func (r *Repository) UpdateSwarmAgent(ctx context.Context, a *store.SwarmAgent) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE swarm_agents SET status = ?, output_text = ?, output_summary = ?,
			error_message = ?, tool_count = ?, started_at = ?, completed_at = ?, session_id = ?,
			tasks_completed = ?, tasks_failed = ?, current_task_id = ?, prompt = ?
		WHERE id = ?
	`), string(a.Status), a.OutputText, a.OutputSummary, a.ErrorMessage, a.ToolCount,
		nullTime(a.StartedAt), nullTime(a.CompletedAt), a.SessionID, a.TasksCompleted,
		a.TasksFailed, a.CurrentTaskID, a.Prompt, a.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("swarm agent %s: %w", a.ID, store.ErrNotFound)
	}
	return nil
}

// GetSwarmAgent retrieves one agent of a swarm by name.
func (r *Repository) GetSwarmAgent(ctx context.Context, swarmID, name string) (*store.SwarmAgent, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+agentColumns+` FROM swarm_agents WHERE swarm_id = ? AND name = ?
	`), swarmID, name)
	a, err := scanSwarmAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("swarm agent %s: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	deps, err := r.loadAgentDeps(ctx, swarmID)
	if err != nil {
		return nil, err
	}
	a.DependsOn = deps[a.ID]
	return a, nil
}

// ListSwarmAgents returns all agents of a swarm with their dependency edges.
func (r *Repository) ListSwarmAgents(ctx context.Context, swarmID string) ([]*store.SwarmAgent, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+agentColumns+` FROM swarm_agents WHERE swarm_id = ? ORDER BY name ASC
	`), swarmID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []*store.SwarmAgent
	for rows.Next() {
		a, err := scanSwarmAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	deps, err := r.loadAgentDeps(ctx, swarmID)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		a.DependsOn = deps[a.ID]
	}
	return agents, nil
}

func (r *Repository) loadAgentDeps(ctx context.Context, swarmID string) (map[string][]store.AgentDependency, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT agent_id, depends_on_agent_id, include, condition
		FROM swarm_agent_deps WHERE swarm_id = ?
	`), swarmID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	deps := make(map[string][]store.AgentDependency)
	for rows.Next() {
		var agentID, dependsOn, include, condition string
		if err := rows.Scan(&agentID, &dependsOn, &include, &condition); err != nil {
			return nil, err
		}
		deps[agentID] = append(deps[agentID], store.AgentDependency{
			AgentID:   dependsOn,
			Include:   store.IncludeMode(include),
			Condition: condition,
		})
	}
	return deps, rows.Err()
}

// LoadSwarmWithAgents retrieves the swarm row plus all agents and edges.
func (r *Repository) LoadSwarmWithAgents(ctx context.Context, id string) (*store.Swarm, error) {
	s, err := r.GetSwarm(ctx, id)
	if err != nil {
		return nil, err
	}
	agents, err := r.ListSwarmAgents(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Agents = agents
	return s, nil
}

// ScratchpadGet returns one scratchpad entry.
func (r *Repository) ScratchpadGet(ctx context.Context, swarmID, key string) (*store.ScratchpadEntry, error) {
	e := &store.ScratchpadEntry{}
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT swarm_id, key, value, updated_at FROM swarm_scratchpad WHERE swarm_id = ? AND key = ?
	`), swarmID, key).Scan(&e.SwarmID, &e.Key, &e.Value, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scratchpad key %s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ScratchpadSet upserts one scratchpad entry.
func (r *Repository) ScratchpadSet(ctx context.Context, swarmID, key, value string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO swarm_scratchpad (swarm_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(swarm_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`), swarmID, key, value, time.Now().UTC())
	return err
}

// ScratchpadDelete removes one scratchpad entry.
func (r *Repository) ScratchpadDelete(ctx context.Context, swarmID, key string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM swarm_scratchpad WHERE swarm_id = ? AND key = ?
	`), swarmID, key)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("scratchpad key %s: %w", key, store.ErrNotFound)
	}
	return nil
}

// ScratchpadList returns all entries of a swarm's scratchpad.
func (r *Repository) ScratchpadList(ctx context.Context, swarmID string) ([]*store.ScratchpadEntry, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT swarm_id, key, value, updated_at FROM swarm_scratchpad WHERE swarm_id = ? ORDER BY key ASC
	`), swarmID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*store.ScratchpadEntry
	for rows.Next() {
		e := &store.ScratchpadEntry{}
		if err := rows.Scan(&e.SwarmID, &e.Key, &e.Value, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
