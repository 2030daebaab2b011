package main

import "encoding/json"

// Wire structs for the stream-json protocol. The daemon parses these in
// pkg/claude, so the JSON field names here are a contract, not a choice.

// Message types.
const (
	TypeSystem          = "system"
	TypeAssistant       = "assistant"
	TypeUser            = "user"
	TypeResult          = "result"
	TypeControlRequest  = "control_request"
	TypeControlResponse = "control_response"
)

// Content block types.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Tool names the daemon knows how to render.
const (
	ToolBash      = "Bash"
	ToolEdit      = "Edit"
	ToolRead      = "Read"
	ToolGlob      = "Glob"
	ToolGrep      = "Grep"
	ToolTask      = "Task"
	ToolTodoWrite = "TodoWrite"
	ToolWebFetch  = "WebFetch"
)

// --- Incoming (read from stdin) ---

// IncomingMessage decodes just enough of each stdin line to route it.
type IncomingMessage struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id,omitempty"`
	Message   *IncomingBody       `json:"message,omitempty"`
	Request   *IncomingReqControl `json:"request,omitempty"`
	Response  *IncomingControl    `json:"response,omitempty"`
}

// IncomingReqControl carries the subtype of a daemon-initiated control
// request (initialize, interrupt, set_permission_mode).
type IncomingReqControl struct {
	Subtype string `json:"subtype"`
}

// IncomingBody is the body of a user prompt.
type IncomingBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// IncomingControl is the daemon's answer to a control request this process
// sent, which here is always a permission decision.
type IncomingControl struct {
	Subtype   string           `json:"subtype"`
	RequestID string           `json:"request_id,omitempty"`
	Result    *PermissionReply `json:"result,omitempty"`
}

// PermissionReply holds the arbiter's verdict: "allow" or "deny".
type PermissionReply struct {
	Behavior string `json:"behavior"`
}

// --- Outgoing (written to stdout) ---

// SystemMsg opens every turn.
type SystemMsg struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	SessionStatus string `json:"session_status"`
}

// AssistantMsg streams assistant content blocks. ParentToolUseID nests the
// message under a running Task tool call.
type AssistantMsg struct {
	Type            string        `json:"type"`
	ParentToolUseID string        `json:"parent_tool_use_id,omitempty"`
	Message         AssistantBody `json:"message"`
}

// AssistantBody is the assistant message payload.
type AssistantBody struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one block in an assistant or user message. Which fields
// are set depends on Type.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Usage reports token counts on each assistant message.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// UserMsg carries tool results back into the transcript.
type UserMsg struct {
	Type            string      `json:"type"`
	ParentToolUseID string      `json:"parent_tool_use_id,omitempty"`
	Message         UserMsgBody `json:"message"`
}

// UserMsgBody is the user message payload.
type UserMsgBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ResultMsg closes the turn. Result is a JSON string for errors and
// structured answers, or a ResultData object on the default success path.
type ResultMsg struct {
	Type              string                     `json:"type"`
	Result            json.RawMessage            `json:"result"`
	CostUSD           float64                    `json:"cost_usd"`
	DurationMS        int64                      `json:"duration_ms"`
	DurationAPIMS     int64                      `json:"duration_api_ms"`
	IsError           bool                       `json:"is_error"`
	NumTurns          int                        `json:"num_turns"`
	TotalInputTokens  int64                      `json:"total_input_tokens"`
	TotalOutputTokens int64                      `json:"total_output_tokens"`
	ModelUsage        map[string]ModelUsageStats `json:"model_usage,omitempty"`
}

// ModelUsageStats is per-model usage reported on the result.
type ModelUsageStats struct {
	ContextWindow int64 `json:"context_window"`
}

// ResultData is the success result payload.
type ResultData struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// ControlRequestMsg asks the daemon for a permission decision.
type ControlRequestMsg struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// ControlRequestBody is the can_use_tool request payload.
type ControlRequestBody struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponseMsg answers a daemon control request.
type ControlResponseMsg struct {
	Type     string              `json:"type"`
	Response ControlResponseBody `json:"response"`
}

// ControlResponseBody is the control response payload. Response is set only
// for initialize.
type ControlResponseBody struct {
	Subtype   string              `json:"subtype"`
	RequestID string              `json:"request_id"`
	Response  *InitializeResponse `json:"response,omitempty"`
}

// InitializeResponse advertises the command palette and agent roster.
type InitializeResponse struct {
	Commands []Command `json:"commands"`
	Agents   []string  `json:"agents"`
}

// Command is one entry in the command palette.
type Command struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	ArgumentHint string `json:"argumentHint,omitempty"`
}
