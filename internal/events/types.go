// Package events defines the subjects published on the anima event bus.
package events

// Event types for sessions
const (
	SessionCreated = "session.created"
	SessionEnded   = "session.ended"
	TurnCompleted  = "turn.completed" // Base subject for per-session turn completion
)

// Event types for emotion state
const (
	EmotionUpdated = "emotion.updated" // Base subject for per-scope emotion snapshots
)

// Event types for swarms
const (
	SwarmCreated        = "swarm.created"
	SwarmStarted        = "swarm.started"
	SwarmCompleted      = "swarm.completed"
	SwarmFailed         = "swarm.failed"
	SwarmCancelled      = "swarm.cancelled"
	SwarmAgentCompleted = "swarm.agent.completed" // Base subject for per-swarm agent completion
)

// Event types for the work queue
const (
	TaskCreated  = "workqueue.task.created"
	TaskClaimed  = "workqueue.task.claimed"
	TaskDone     = "workqueue.task.done"
	TaskReleased = "workqueue.task.released"
)

// Event types for ambient notifications
const (
	NotificationCreated = "notification.created" // Base subject for per-session notifications
)

// Event types for memory consolidation
const (
	ConsolidationCompleted = "consolidation.run.completed"
)

// GlobalScope is the subject token used when an event is not bound to a session.
const GlobalScope = "global"

func scopeToken(sessionID string) string {
	if sessionID == "" {
		return GlobalScope
	}
	return sessionID
}

// BuildTurnCompletedSubject creates a turn completion subject for a specific session
func BuildTurnCompletedSubject(sessionID string) string {
	return TurnCompleted + "." + sessionID
}

// BuildTurnCompletedWildcardSubject creates a wildcard subscription for all turn completions
func BuildTurnCompletedWildcardSubject() string {
	return TurnCompleted + ".*"
}

// BuildEmotionUpdatedSubject creates an emotion snapshot subject for a session scope.
// The empty scope publishes under the global token.
func BuildEmotionUpdatedSubject(sessionID string) string {
	return EmotionUpdated + "." + scopeToken(sessionID)
}

// BuildEmotionUpdatedWildcardSubject creates a wildcard subscription for all emotion snapshots
func BuildEmotionUpdatedWildcardSubject() string {
	return EmotionUpdated + ".*"
}

// BuildNotificationSubject creates a notification subject for a specific session.
// Notifications without a session publish under the global token.
func BuildNotificationSubject(sessionID string) string {
	return NotificationCreated + "." + scopeToken(sessionID)
}

// BuildNotificationWildcardSubject creates a wildcard subscription for all notifications
func BuildNotificationWildcardSubject() string {
	return NotificationCreated + ".*"
}

// BuildSwarmAgentSubject creates an agent completion subject for a specific swarm
func BuildSwarmAgentSubject(swarmID string) string {
	return SwarmAgentCompleted + "." + swarmID
}

// BuildSwarmAgentWildcardSubject creates a wildcard subscription for all swarm agent completions
func BuildSwarmAgentWildcardSubject() string {
	return SwarmAgentCompleted + ".*"
}
