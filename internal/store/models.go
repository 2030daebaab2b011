// Package store defines the persistent data model and the Store interface
// implemented by the SQL backends.
package store

import "time"

// MountType controls how a session's working directory is exposed to a sandbox.
type MountType string

const (
	// MountDirect bind-mounts the working directory into the sandbox.
	MountDirect MountType = "direct"
	// MountCopy copies the working directory into the sandbox at start.
	MountCopy MountType = "copy"
	// MountNone runs the sandbox without a workspace mount.
	MountNone MountType = "none"
)

// OutputFormat requests structured output from the agent backend.
type OutputFormat struct {
	Type   string                 `json:"type"`
	Schema map[string]interface{} `json:"schema,omitempty"`
}

// Session is the identity of a conversation context.
type Session struct {
	ID                 string                 `json:"id"`
	WorkingDir         string                 `json:"working_dir"`
	Personality        string                 `json:"personality"`
	UserID             string                 `json:"user_id,omitempty"`
	Medium             string                 `json:"medium"`
	StartTime          time.Time              `json:"start_time"`
	LastActivity       time.Time              `json:"last_activity"`
	ClaudeSessionID    string                 `json:"claude_session_id,omitempty"`
	SandboxMode        bool                   `json:"sandbox_mode"`
	SandboxMountType   MountType              `json:"sandbox_mount_type"`
	SandboxSettings    map[string]interface{} `json:"sandbox_settings,omitempty"`
	SandboxNetworkMode string                 `json:"sandbox_network_mode,omitempty"`
	IsLocked           bool                   `json:"is_locked"`
	SessionName        string                 `json:"session_name,omitempty"`
	Model              string                 `json:"model,omitempty"`
	ThinkingBudget     int                    `json:"thinking_budget,omitempty"`
	AllowedTools       []string               `json:"allowed_tools,omitempty"`
	AutoApprove        bool                   `json:"auto_approve"`
	LeanMode           bool                   `json:"lean_mode"`
	Plugins            []string               `json:"plugins,omitempty"`
	Env                map[string]string      `json:"env,omitempty"`
	OutputFormat       *OutputFormat          `json:"output_format,omitempty"`
	OutputStyle        string                 `json:"output_style,omitempty"`
	IncludeContext     bool                   `json:"include_context"`
	EnableStreaming    bool                   `json:"enable_streaming"`
	MissionID          string                 `json:"mission_id,omitempty"`
	Summary            string                 `json:"summary,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	EndTime            *time.Time             `json:"end_time,omitempty"`
}

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType is the variant tag of a conversation block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ConversationBlock is one semantic unit of a turn. Ordinals are dense and
// strictly increasing within a conversation.
type ConversationBlock struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	Ordinal        int                    `json:"ordinal"`
	BlockType      BlockType              `json:"block_type"`
	TextContent    string                 `json:"text_content,omitempty"`
	ToolUseID      string                 `json:"tool_use_id,omitempty"`
	ToolName       string                 `json:"tool_name,omitempty"`
	ToolInput      map[string]interface{} `json:"tool_input,omitempty"`
	IsError        bool                   `json:"is_error,omitempty"`
}

// TurnMetrics carries the optional timing/tool metrics of an assistant turn.
type TurnMetrics struct {
	TTFTMs     *int64   `json:"ttft_ms,omitempty"`
	ResponseMs *int64   `json:"response_ms,omitempty"`
	ThinkingMs *int64   `json:"thinking_ms,omitempty"`
	ToolUses   int      `json:"tool_uses,omitempty"`
	ToolNames  []string `json:"tool_names,omitempty"`
}

// Conversation is a single turn owned by a session.
type Conversation struct {
	ID            string               `json:"id"`
	SessionID     string               `json:"session_id"`
	Role          Role                 `json:"role"`
	Timestamp     time.Time            `json:"timestamp"`
	Personality   string               `json:"personality,omitempty"`
	Medium        string               `json:"medium,omitempty"`
	UserID        string               `json:"user_id,omitempty"`
	Metrics       TurnMetrics          `json:"metrics"`
	PromptSummary string               `json:"prompt_summary,omitempty"`
	Blocks        []*ConversationBlock `json:"blocks,omitempty"`
}

// EmotionInstance is one active emotion with its current intensity in [0,100].
type EmotionInstance struct {
	Type        string    `json:"type"`
	Intensity   float64   `json:"intensity"`
	LastUpdated time.Time `json:"last_updated"`
}

// AppraisalData is the serialized active-emotion map plus decay bookkeeping.
type AppraisalData struct {
	Active        map[string]EmotionInstance `json:"active"`
	LastDecayTime time.Time                  `json:"last_decay_time"`
}

// EmotionState is a persisted snapshot of an appraisal manager. SessionID is
// empty for the daemon-global scope.
type EmotionState struct {
	ID                 string        `json:"id"`
	SessionID          string        `json:"session_id,omitempty"`
	PrimaryEmotion     string        `json:"primary_emotion"`
	PrimaryIntensity   float64       `json:"primary_intensity"`
	SecondaryEmotion   string        `json:"secondary_emotion,omitempty"`
	SecondaryIntensity float64       `json:"secondary_intensity,omitempty"`
	OverallIntensity   float64       `json:"overall_intensity"`
	Appraisal          AppraisalData `json:"appraisal_data"`
	Reasoning          string        `json:"trigger_data,omitempty"`
	LastUpdate         time.Time     `json:"last_update"`
}

// StimulusRecord is the durable history row for one appraised stimulus.
// Valence lies in [-10, 10].
type StimulusRecord struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	StimulusType string    `json:"stimulus_type"`
	Valence      float64   `json:"valence"`
	Intensity    float64   `json:"intensity"`
	Context      string    `json:"context,omitempty"`
}

// SwarmStatus is the lifecycle state of a swarm run.
type SwarmStatus string

const (
	SwarmPending   SwarmStatus = "pending"
	SwarmRunning   SwarmStatus = "running"
	SwarmCompleted SwarmStatus = "completed"
	SwarmFailed    SwarmStatus = "failed"
	SwarmCancelled SwarmStatus = "cancelled"
)

// Swarm is a DAG of cooperating agents with one orchestration lifecycle.
type Swarm struct {
	ID                       string       `json:"id"`
	Name                     string       `json:"name"`
	Description              string       `json:"description,omitempty"`
	ParentSessionID          string       `json:"parent_session_id,omitempty"`
	WorkingDir               string       `json:"working_dir,omitempty"`
	GitBranchPrefix          string       `json:"git_branch_prefix,omitempty"`
	BaseBranch               string       `json:"base_branch,omitempty"`
	Status                   SwarmStatus  `json:"status"`
	AutoSynthesize           bool         `json:"auto_synthesize"`
	SynthesisPrompt          string       `json:"synthesis_prompt,omitempty"`
	SkipSynthesisOnFailure   bool         `json:"skip_synthesis_on_failure"`
	AutoSupervise            bool         `json:"auto_supervise"`
	SupervisorWarnThreshold  int          `json:"supervisor_warn_threshold,omitempty"`
	SupervisorCancelThreshold int         `json:"supervisor_cancel_threshold,omitempty"`
	SynthesisOutput          string       `json:"synthesis_output,omitempty"`
	SynthesisSummary         string       `json:"synthesis_summary,omitempty"`
	CreatedAt                time.Time    `json:"created_at"`
	StartedAt                *time.Time   `json:"started_at,omitempty"`
	CompletedAt              *time.Time   `json:"completed_at,omitempty"`
	ErrorMessage             string       `json:"error_message,omitempty"`
	Agents                   []*SwarmAgent `json:"agents,omitempty"`
}

// AgentMode selects between a fixed prompt and the autonomous task-claim loop.
type AgentMode string

const (
	ModeAssigned   AgentMode = "assigned"
	ModeAutonomous AgentMode = "autonomous"
)

// AgentStatus is the lifecycle state of one swarm agent.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentCancelled AgentStatus = "cancelled"
	AgentSkipped   AgentStatus = "skipped"
)

// IncludeMode controls how much of a predecessor's output a dependent sees.
type IncludeMode string

const (
	IncludeSummary IncludeMode = "summary"
	IncludeFull    IncludeMode = "full"
	IncludeNone    IncludeMode = "none"
)

// AgentDependency is one resolved edge of the swarm DAG.
type AgentDependency struct {
	AgentID   string      `json:"agent_id"`
	Include   IncludeMode `json:"include"`
	Condition string      `json:"condition,omitempty"`
}

// SwarmAgent is one node of a swarm. Name is unique within the swarm.
type SwarmAgent struct {
	ID               string            `json:"id"`
	SwarmID          string            `json:"swarm_id"`
	Name             string            `json:"name"`
	Role             string            `json:"role,omitempty"`
	IsSynthesisAgent bool              `json:"is_synthesis_agent"`
	Mode             AgentMode         `json:"mode"`
	Prompt           string            `json:"prompt,omitempty"`
	Personality      string            `json:"personality,omitempty"`
	Plugins          []string          `json:"plugins,omitempty"`
	AllowedTools     []string          `json:"allowed_tools,omitempty"`
	ThinkingBudget   int               `json:"thinking_budget,omitempty"`
	Model            string            `json:"model,omitempty"`
	SandboxMode      bool              `json:"sandbox_mode"`
	DependsOn        []AgentDependency `json:"depends_on,omitempty"`
	Status           AgentStatus       `json:"status"`
	OutputText       string            `json:"output_text,omitempty"`
	OutputSummary    string            `json:"output_summary,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	ToolCount        int               `json:"tool_count"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	SessionID        string            `json:"session_id,omitempty"`

	// Autonomous-mode fields.
	Goal               string   `json:"goal,omitempty"`
	Capabilities       []string `json:"capabilities,omitempty"`
	TaskTypes          []string `json:"task_types,omitempty"`
	MaxTasks           int      `json:"max_tasks,omitempty"`
	MaxDurationSeconds int      `json:"max_duration_seconds,omitempty"`
	IdleTimeoutSeconds int      `json:"idle_timeout_seconds,omitempty"`
	TasksCompleted     int      `json:"tasks_completed"`
	TasksFailed        int      `json:"tasks_failed"`
	CurrentTaskID      string   `json:"current_task_id,omitempty"`
}

// WorkTaskStatus is the lifecycle state of a work-queue task.
type WorkTaskStatus string

const (
	TaskBacklog    WorkTaskStatus = "backlog"
	TaskReady      WorkTaskStatus = "ready"
	TaskClaimed    WorkTaskStatus = "claimed"
	TaskInProgress WorkTaskStatus = "in_progress"
	TaskDone       WorkTaskStatus = "done"
	TaskBlocked    WorkTaskStatus = "blocked"
	TaskCancelled  WorkTaskStatus = "cancelled"
)

// WorkTask is one claimable unit on the work-queue board. A task is ready iff
// every id in BlockedBy refers to a done task.
type WorkTask struct {
	ID                 string         `json:"id"`
	WorkingDir         string         `json:"working_dir,omitempty"`
	Title              string         `json:"title"`
	Description        string         `json:"description,omitempty"`
	AcceptanceCriteria string         `json:"acceptance_criteria,omitempty"`
	ContextSummary     string         `json:"context_summary,omitempty"`
	ScopePaths         []string       `json:"scope_paths,omitempty"`
	RequiredTools      []string       `json:"required_tools,omitempty"`
	TaskType           string         `json:"task_type,omitempty"`
	Tags               []string       `json:"tags,omitempty"`
	Priority           int            `json:"priority"`
	Status             WorkTaskStatus `json:"status"`
	BlockedBy          []string       `json:"blocked_by,omitempty"`
	ClaimedBySessionID string         `json:"claimed_by_session_id,omitempty"`
	ClaimedByAgentID   string         `json:"claimed_by_agent_id,omitempty"`
	ClaimedAt          *time.Time     `json:"claimed_at,omitempty"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	AttemptCount       int            `json:"attempt_count"`
	Outcome            string         `json:"outcome,omitempty"`
	CompletionNotes    string         `json:"completion_notes,omitempty"`
	LastError          string         `json:"last_error,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// QueueStatus is the state of a background task_queue row.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueRunning   QueueStatus = "running"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
)

// TaskQueueItem is one background job claimed by a scheduler.
type TaskQueueItem struct {
	ID           string                 `json:"id"`
	TaskType     string                 `json:"task_type"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	Status       QueueStatus            `json:"status"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// ConsolidationRun records one memory-consolidation pass and its stats.
type ConsolidationRun struct {
	ID           string                 `json:"id"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Status       string                 `json:"status"`
	Phases       []string               `json:"phases,omitempty"`
	Stats        map[string]interface{} `json:"stats,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// NotificationStatus is the delivery state of an ambient notification.
type NotificationStatus string

const (
	NotificationPending      NotificationStatus = "pending"
	NotificationDelivered    NotificationStatus = "delivered"
	NotificationAcknowledged NotificationStatus = "acknowledged"
	NotificationFailed       NotificationStatus = "failed"
)

// Notification is an ambient message surfaced to clients outside a turn.
type Notification struct {
	ID             string                 `json:"id"`
	SessionID      string                 `json:"session_id,omitempty"`
	Kind           string                 `json:"kind"`
	Title          string                 `json:"title"`
	Body           string                 `json:"body,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Status         NotificationStatus     `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
}

// Finding is a shareable fact queued for ambient surfacing into sessions.
type Finding struct {
	ID        string    `json:"id"`
	Source    string    `json:"source,omitempty"`
	Finding   string    `json:"finding"`
	CreatedAt time.Time `json:"created_at"`
}

// ScratchpadEntry is one key/value pair on a swarm's shared scratchpad.
// Value holds raw JSON text.
type ScratchpadEntry struct {
	SwarmID   string    `json:"swarm_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
