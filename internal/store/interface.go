package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotReady is returned when claiming a task that is not in the ready state.
	ErrNotReady = errors.New("task is not ready")
	// ErrClaimRaced is returned when a concurrent claimer won the task first.
	ErrClaimRaced = errors.New("task claim lost the race")
)

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	UserID     string
	Medium     string
	ActiveOnly bool
	Limit      int
}

// SwarmFilter narrows ListSwarms.
type SwarmFilter struct {
	Status          SwarmStatus
	ParentSessionID string
	Limit           int
}

// WorkTaskFilter narrows ListWorkTasks.
type WorkTaskFilter struct {
	WorkingDir string
	Status     WorkTaskStatus
	TaskType   string
	Limit      int
}

// ClaimFilter selects the next claimable work task for an autonomous agent.
// A task qualifies when its required_tools are a subset of Capabilities
// (checked only when both sides are non-empty).
type ClaimFilter struct {
	WorkingDir   string
	TaskTypes    []string
	Capabilities []string
	SessionID    string
	AgentID      string
}

// NotificationFilter narrows ListNotifications.
type NotificationFilter struct {
	SessionID string
	Status    NotificationStatus
	Limit     int
}

// Store is the transactional persistence gateway. Implementations must make
// the operations documented as atomic actually atomic.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	TouchSession(ctx context.Context, id string, at time.Time) error
	SetClaudeSessionID(ctx context.Context, id, claudeSessionID string) error
	LockSession(ctx context.Context, id string) error
	EndSession(ctx context.Context, id string, endTime time.Time, summary string) error
	SetSessionSummary(ctx context.Context, id, summary string) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
	SessionsNeedingSummary(ctx context.Context, endedBefore time.Time, limit int) ([]*Session, error)

	// Conversation operations. InsertConversation writes the conversation row
	// and all of its blocks in ordinal order inside one transaction.
	InsertConversation(ctx context.Context, conv *Conversation) error
	ListConversations(ctx context.Context, sessionID string, limit int, before time.Time) ([]*Conversation, error)
	ListBlocks(ctx context.Context, conversationID string) ([]*ConversationBlock, error)

	// Emotion operations
	InsertEmotionState(ctx context.Context, state *EmotionState) error
	LatestEmotionState(ctx context.Context, sessionID string) (*EmotionState, error)
	ListEmotionStates(ctx context.Context, sessionID string, limit int) ([]*EmotionState, error)
	InsertStimulus(ctx context.Context, rec *StimulusRecord) error
	RecentStimuli(ctx context.Context, sessionID string, since time.Time, limit int) ([]*StimulusRecord, error)
	ListStimuli(ctx context.Context, sessionID string, limit int) ([]*StimulusRecord, error)
	PruneStimuli(ctx context.Context, olderThan time.Time) (int64, error)

	// Swarm operations
	CreateSwarm(ctx context.Context, swarm *Swarm) error
	CreateSwarmAgent(ctx context.Context, agent *SwarmAgent) error
	UpdateSwarm(ctx context.Context, swarm *Swarm) error
	UpdateSwarmAgent(ctx context.Context, agent *SwarmAgent) error
	GetSwarm(ctx context.Context, id string) (*Swarm, error)
	LoadSwarmWithAgents(ctx context.Context, id string) (*Swarm, error)
	GetSwarmAgent(ctx context.Context, swarmID, name string) (*SwarmAgent, error)
	ListSwarmAgents(ctx context.Context, swarmID string) ([]*SwarmAgent, error)
	ListSwarms(ctx context.Context, filter SwarmFilter) ([]*Swarm, error)
	DeleteSwarm(ctx context.Context, id string) error

	// Swarm scratchpad
	ScratchpadGet(ctx context.Context, swarmID, key string) (*ScratchpadEntry, error)
	ScratchpadSet(ctx context.Context, swarmID, key, value string) error
	ScratchpadDelete(ctx context.Context, swarmID, key string) error
	ScratchpadList(ctx context.Context, swarmID string) ([]*ScratchpadEntry, error)

	// Work queue. ClaimWorkTask and ClaimNextWorkTask are atomic: two
	// concurrent claimers never win the same task. ClaimNextWorkTask returns
	// (nil, nil) when no ready task matches the filter.
	InsertWorkTask(ctx context.Context, task *WorkTask) error
	GetWorkTask(ctx context.Context, id string) (*WorkTask, error)
	UpdateWorkTask(ctx context.Context, task *WorkTask) error
	DeleteWorkTask(ctx context.Context, id string) error
	ListWorkTasks(ctx context.Context, filter WorkTaskFilter) ([]*WorkTask, error)
	ListReadyWorkTasks(ctx context.Context, workingDir string, limit int) ([]*WorkTask, error)
	ClaimWorkTask(ctx context.Context, id, sessionID, agentID string) (*WorkTask, error)
	ClaimNextWorkTask(ctx context.Context, filter ClaimFilter) (*WorkTask, error)
	ReleaseWorkTask(ctx context.Context, id, lastError string) (*WorkTask, error)
	CascadeTaskDone(ctx context.Context, doneID string) ([]string, error)

	// Task queue (background jobs). ClaimPendingTask returns (nil, nil) when
	// nothing is pending.
	EnqueueTaskQueue(ctx context.Context, item *TaskQueueItem) error
	ClaimPendingTask(ctx context.Context, taskType string) (*TaskQueueItem, error)
	MarkTaskQueueCompleted(ctx context.Context, id string) error
	MarkTaskQueueFailed(ctx context.Context, id, errorMessage string) error
	ListTaskQueue(ctx context.Context, limit int) ([]*TaskQueueItem, error)

	// Consolidation runs
	InsertConsolidationRun(ctx context.Context, run *ConsolidationRun) error
	UpdateConsolidationRun(ctx context.Context, run *ConsolidationRun) error
	ListConsolidationRuns(ctx context.Context, limit int) ([]*ConsolidationRun, error)

	// Ambient notifications
	CreateNotification(ctx context.Context, n *Notification) error
	GetNotification(ctx context.Context, id string) (*Notification, error)
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]*Notification, error)
	MarkNotificationDelivered(ctx context.Context, id string) error
	AcknowledgeNotification(ctx context.Context, id string, at time.Time) error
	FailNotification(ctx context.Context, id, errorMessage string) error
	PruneNotifications(ctx context.Context, olderThan time.Time) (int64, error)

	// Shareable findings. NextFindingForSession returns (nil, nil) when every
	// finding has already been surfaced to the session within the window.
	InsertFinding(ctx context.Context, f *Finding) error
	NextFindingForSession(ctx context.Context, sessionID string, window time.Duration) (*Finding, error)
	MarkFindingSurfaced(ctx context.Context, findingID, sessionID string, at time.Time) error
	MarkFindingCited(ctx context.Context, sessionID, findingID string) error

	Close() error
}
