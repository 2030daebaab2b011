// Package sqlite implements the store.Store interface on SQLite and Postgres
// through database/sql drivers.
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/animadev/anima/internal/db/dialect"
)

// Repository provides SQL-backed storage for the daemon.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a repository over existing writer and reader pools (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying sql.DB instance for shared access.
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

func (r *Repository) isPostgres() bool {
	return dialect.IsPostgres(r.db.DriverName())
}

// initSchema creates the database tables if they don't exist.
func (r *Repository) initSchema() error {
	if err := r.initSessionSchema(); err != nil {
		return err
	}
	if err := r.initEmotionSchema(); err != nil {
		return err
	}
	if err := r.initSwarmSchema(); err != nil {
		return err
	}
	if err := r.initWorkSchema(); err != nil {
		return err
	}
	if err := r.initAuxSchema(); err != nil {
		return err
	}
	if err := r.runMigrations(); err != nil {
		return err
	}
	return r.ensureIndexes()
}

func (r *Repository) initSessionSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		working_dir TEXT NOT NULL DEFAULT '',
		personality TEXT DEFAULT '',
		user_id TEXT DEFAULT '',
		medium TEXT DEFAULT '',
		start_time TIMESTAMP NOT NULL,
		last_activity TIMESTAMP NOT NULL,
		claude_session_id TEXT DEFAULT '',
		sandbox_mode INTEGER NOT NULL DEFAULT 0,
		sandbox_mount_type TEXT DEFAULT 'direct',
		sandbox_settings TEXT DEFAULT '{}',
		sandbox_network_mode TEXT DEFAULT '',
		is_locked INTEGER NOT NULL DEFAULT 0,
		session_name TEXT DEFAULT '',
		model TEXT DEFAULT '',
		thinking_budget INTEGER DEFAULT 0,
		allowed_tools TEXT DEFAULT '[]',
		auto_approve INTEGER NOT NULL DEFAULT 0,
		lean_mode INTEGER NOT NULL DEFAULT 0,
		plugins TEXT DEFAULT '[]',
		env TEXT DEFAULT '{}',
		output_format TEXT DEFAULT '',
		output_style TEXT DEFAULT '',
		include_context INTEGER NOT NULL DEFAULT 0,
		enable_streaming INTEGER NOT NULL DEFAULT 1,
		mission_id TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		end_time TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		personality TEXT DEFAULT '',
		medium TEXT DEFAULT '',
		user_id TEXT DEFAULT '',
		ttft_ms INTEGER,
		response_ms INTEGER,
		thinking_ms INTEGER,
		tool_uses INTEGER DEFAULT 0,
		tool_names TEXT DEFAULT '[]',
		prompt_summary TEXT DEFAULT '',
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS conversation_blocks (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		block_type TEXT NOT NULL,
		text_content TEXT DEFAULT '',
		tool_use_id TEXT DEFAULT '',
		tool_name TEXT DEFAULT '',
		tool_input TEXT DEFAULT '{}',
		is_error INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
		UNIQUE(conversation_id, ordinal)
	);
	`)
	return err
}

func (r *Repository) initEmotionSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS emotion_states (
		id TEXT PRIMARY KEY,
		session_id TEXT DEFAULT '',
		primary_emotion TEXT DEFAULT '',
		primary_intensity REAL DEFAULT 0,
		secondary_emotion TEXT DEFAULT '',
		secondary_intensity REAL DEFAULT 0,
		overall_intensity REAL DEFAULT 0,
		appraisal_data TEXT DEFAULT '{}',
		trigger_data TEXT DEFAULT '',
		last_update TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stimulus_history (
		id TEXT PRIMARY KEY,
		session_id TEXT DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		stimulus_type TEXT DEFAULT '',
		valence REAL DEFAULT 0,
		intensity REAL DEFAULT 0,
		context TEXT DEFAULT ''
	);
	`)
	return err
}

func (r *Repository) initSwarmSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS swarms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		parent_session_id TEXT DEFAULT '',
		working_dir TEXT DEFAULT '',
		git_branch_prefix TEXT DEFAULT '',
		base_branch TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		auto_synthesize INTEGER NOT NULL DEFAULT 0,
		synthesis_prompt TEXT DEFAULT '',
		skip_synthesis_on_failure INTEGER NOT NULL DEFAULT 0,
		auto_supervise INTEGER NOT NULL DEFAULT 0,
		supervisor_warn_threshold INTEGER DEFAULT 0,
		supervisor_cancel_threshold INTEGER DEFAULT 0,
		synthesis_output TEXT DEFAULT '',
		synthesis_summary TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		error_message TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS swarm_agents (
		id TEXT PRIMARY KEY,
		swarm_id TEXT NOT NULL,
		name TEXT NOT NULL,
		role TEXT DEFAULT '',
		is_synthesis_agent INTEGER NOT NULL DEFAULT 0,
		mode TEXT NOT NULL DEFAULT 'assigned',
		prompt TEXT DEFAULT '',
		personality TEXT DEFAULT '',
		plugins TEXT DEFAULT '[]',
		allowed_tools TEXT DEFAULT '[]',
		thinking_budget INTEGER DEFAULT 0,
		model TEXT DEFAULT '',
		sandbox_mode INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		output_text TEXT DEFAULT '',
		output_summary TEXT DEFAULT '',
		error_message TEXT DEFAULT '',
		tool_count INTEGER DEFAULT 0,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		session_id TEXT DEFAULT '',
		goal TEXT DEFAULT '',
		capabilities TEXT DEFAULT '[]',
		task_types TEXT DEFAULT '[]',
		max_tasks INTEGER DEFAULT 0,
		max_duration_seconds INTEGER DEFAULT 0,
		idle_timeout_seconds INTEGER DEFAULT 0,
		tasks_completed INTEGER DEFAULT 0,
		tasks_failed INTEGER DEFAULT 0,
		current_task_id TEXT DEFAULT '',
		FOREIGN KEY (swarm_id) REFERENCES swarms(id) ON DELETE CASCADE,
		UNIQUE(swarm_id, name)
	);

	CREATE TABLE IF NOT EXISTS swarm_agent_deps (
		swarm_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		depends_on_agent_id TEXT NOT NULL,
		include TEXT NOT NULL DEFAULT 'none',
		condition TEXT DEFAULT '',
		PRIMARY KEY (agent_id, depends_on_agent_id),
		FOREIGN KEY (swarm_id) REFERENCES swarms(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS swarm_scratchpad (
		swarm_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (swarm_id, key)
	);
	`)
	return err
}

func (r *Repository) initWorkSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS work_tasks (
		id TEXT PRIMARY KEY,
		working_dir TEXT DEFAULT '',
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		acceptance_criteria TEXT DEFAULT '',
		context_summary TEXT DEFAULT '',
		scope_paths TEXT DEFAULT '[]',
		required_tools TEXT DEFAULT '[]',
		task_type TEXT DEFAULT '',
		tags TEXT DEFAULT '[]',
		priority INTEGER DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'ready',
		blocked_by TEXT DEFAULT '[]',
		claimed_by_session_id TEXT DEFAULT '',
		claimed_by_agent_id TEXT DEFAULT '',
		claimed_at TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		attempt_count INTEGER DEFAULT 0,
		outcome TEXT DEFAULT '',
		completion_notes TEXT DEFAULT '',
		last_error TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_queue (
		id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL,
		payload TEXT DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		error_message TEXT DEFAULT ''
	);
	`)
	return err
}

func (r *Repository) initAuxSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS consolidation_runs (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		status TEXT NOT NULL DEFAULT 'running',
		phases TEXT DEFAULT '[]',
		stats TEXT DEFAULT '{}',
		error_message TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS ambient_notifications (
		id TEXT PRIMARY KEY,
		session_id TEXT DEFAULT '',
		kind TEXT DEFAULT '',
		title TEXT NOT NULL,
		body TEXT DEFAULT '',
		payload TEXT DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		acknowledged_at TIMESTAMP,
		error_message TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS shareable_findings (
		id TEXT PRIMARY KEY,
		source TEXT DEFAULT '',
		finding TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS surfaced_findings (
		finding_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		surfaced_at TIMESTAMP NOT NULL,
		cited INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (finding_id, session_id)
	);
	`)
	return err
}

// runMigrations applies idempotent ALTER TABLE migrations for schema evolution.
func (r *Repository) runMigrations() error {
	// Columns added after the initial schema shipped (ignore error if already present).
	_, _ = r.db.Exec(`ALTER TABLE sessions ADD COLUMN mission_id TEXT DEFAULT ''`)
	_, _ = r.db.Exec(`ALTER TABLE sessions ADD COLUMN output_style TEXT DEFAULT ''`)
	_, _ = r.db.Exec(`ALTER TABLE swarm_agents ADD COLUMN current_task_id TEXT DEFAULT ''`)
	_, _ = r.db.Exec(`ALTER TABLE work_tasks ADD COLUMN outcome TEXT DEFAULT ''`)
	return nil
}

func (r *Repository) ensureIndexes() error {
	_, err := r.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_blocks_conversation ON conversation_blocks(conversation_id, ordinal);
	CREATE INDEX IF NOT EXISTS idx_emotion_states_session ON emotion_states(session_id, last_update);
	CREATE INDEX IF NOT EXISTS idx_stimulus_session ON stimulus_history(session_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_swarm_agents_swarm ON swarm_agents(swarm_id);
	CREATE INDEX IF NOT EXISTS idx_swarm_deps_agent ON swarm_agent_deps(agent_id);
	CREATE INDEX IF NOT EXISTS idx_work_tasks_status ON work_tasks(status, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_work_tasks_working_dir ON work_tasks(working_dir);
	CREATE INDEX IF NOT EXISTS idx_task_queue_status ON task_queue(status, task_type);
	CREATE INDEX IF NOT EXISTS idx_notifications_session ON ambient_notifications(session_id, status);
	CREATE INDEX IF NOT EXISTS idx_surfaced_session ON surfaced_findings(session_id, surfaced_at);
	`)
	return err
}
