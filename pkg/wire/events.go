package wire

import "time"

// Outbound event types (daemon to client).
const (
	EventSessionReady      = "session_ready"
	EventText              = "text"
	EventThinking          = "thinking"
	EventToolUse           = "tool_use"
	EventToolResult        = "tool_result"
	EventPermissionRequest = "permission_request"
	EventDone              = "done"
	EventCancelled         = "cancelled"
	EventError             = "error"
	EventPong              = "pong"
	EventNotification      = "notification"
)

// Event is the outbound envelope. Seq is omitted for unsequenced frames (pong).
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Seq       int64       `json:"seq,omitempty"`
}

// SessionReadyData announces a bound session.
type SessionReadyData struct {
	SessionID string         `json:"session_id"`
	Config    *SessionConfig `json:"config,omitempty"`
	IsLocked  bool           `json:"is_locked"`
	Name      string         `json:"name,omitempty"`
}

// TextData carries streamed or terminal assistant text.
type TextData struct {
	Text string `json:"text"`
}

// ToolUseData announces a tool invocation by the agent backend.
type ToolUseData struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input,omitempty"`
}

// ToolResultData carries the outcome of a tool invocation.
type ToolResultData struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name,omitempty"`
	Output    string `json:"output,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// PermissionRequestData asks the client to allow or deny a tool call.
type PermissionRequestData struct {
	RequestID string                 `json:"request_id"`
	ToolName  string                 `json:"tool_name"`
	ToolInput map[string]interface{} `json:"tool_input,omitempty"`
}

// Timings summarizes a turn's latency profile in milliseconds.
type Timings struct {
	TimeToFirstToken int64 `json:"time_to_first_token"`
	ResponseTime     int64 `json:"response_time"`
}

// DoneData closes a query with the final response and metrics.
type DoneData struct {
	ResponseText     string      `json:"response_text"`
	ToolCount        int         `json:"tool_count"`
	Timings          Timings     `json:"timings"`
	StructuredOutput interface{} `json:"structured_output,omitempty"`
}

// CancelledData acknowledges a cancel request.
type CancelledData struct {
	Message string `json:"message"`
}

// ErrorData reports an error. Recoverable errors leave the connection usable.
type ErrorData struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// NotificationData pushes an ambient notification outside a query.
type NotificationData struct {
	ID      string                 `json:"id"`
	Kind    string                 `json:"kind"`
	Title   string                 `json:"title"`
	Body    string                 `json:"body,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}
