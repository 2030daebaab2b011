// Package claude provides the client and process runner for the claude CLI
// stream-json protocol. The agent speaks newline-delimited JSON over
// stdin/stdout with control requests for permissions and lifecycle operations.
package claude

import "encoding/json"

// Message types on the stream
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking or tool_use blocks
	MessageTypeAssistant = "assistant"
	// MessageTypeUser is a user message (prompt out, tool_result blocks in)
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message for a turn
	MessageTypeResult = "result"
	// MessageTypeStreamEvent carries partial content updates
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeControlRequest is a control request (permission, lifecycle)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes
const (
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeInitialize initializes the session
	SubtypeInitialize = "initialize"
	// SubtypeInterrupt interrupts the current operation
	SubtypeInterrupt = "interrupt"
	// SubtypeSetPermissionMode sets the permission mode
	SubtypeSetPermissionMode = "set_permission_mode"
)

// Permission behaviors
const (
	// BehaviorAllow allows the tool use
	BehaviorAllow = "allow"
	// BehaviorDeny denies the tool use
	BehaviorDeny = "deny"
)

// CLIMessage represents a single stream-json line from the agent.
// The message type determines which fields are populated.
type CLIMessage struct {
	// Type is the message type (system, assistant, result, control_request, etc.)
	Type string `json:"type"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response messages.
	// Note: the request id lives inside the response object, not at the
	// message level.
	Response *IncomingControlResponse `json:"response,omitempty"`

	// For system messages
	SessionID string `json:"session_id,omitempty"`
	Subtype   string `json:"subtype,omitempty"`

	// For assistant and user messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For stream_event messages
	Event *StreamEvent `json:"event,omitempty"`

	// For result messages.
	// Result can be either a string (final text or error) or an object.
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
}

// GetResultString returns the Result field as a plain string.
// Returns "" when Result is empty or not a JSON string.
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// AssistantMessage contains the content of an assistant or user message.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// For tool_result blocks.
	// Content can be either a string or a list of text blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ContentText flattens a tool_result content payload to plain text.
// Handles both the string form and the block-list form.
func (b *ContentBlock) ContentText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		out := ""
		for _, blk := range blocks {
			if blk.Type == "text" {
				out += blk.Text
			}
		}
		return out
	}
	return string(b.Content)
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// StreamEvent is a partial content update emitted when the agent runs with
// --include-partial-messages.
type StreamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	Delta        *StreamDelta  `json:"delta,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
}

// Stream event types
const (
	StreamContentBlockStart = "content_block_start"
	StreamContentBlockDelta = "content_block_delta"
	StreamContentBlockStop  = "content_block_stop"
)

// StreamDelta carries the incremental payload of a content_block_delta event.
type StreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// Delta types
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
)

// ControlRequest represents a control request from the agent, e.g. a
// can_use_tool permission request.
type ControlRequest struct {
	// Subtype identifies the type of control request
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string                 `json:"tool_name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage is the message sent to answer a control request.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the body of a control response.
type ControlResponse struct {
	// Subtype is the response type (success, error)
	Subtype string `json:"subtype"`

	// For success responses to can_use_tool
	Result *PermissionResult `json:"result,omitempty"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// PermissionResult is the verdict for a tool permission request.
type PermissionResult struct {
	// Behavior is "allow" or "deny"
	Behavior string `json:"behavior"`

	// UpdatedInput allows modifying the tool input on allow
	UpdatedInput interface{} `json:"updatedInput,omitempty"`

	// Message provides feedback to the model on deny
	Message string `json:"message,omitempty"`

	// Interrupt stops the current operation (for deny)
	Interrupt *bool `json:"interrupt,omitempty"`
}

// PermissionRequest is the decoded form of a can_use_tool request handed to
// the permission handler.
type PermissionRequest struct {
	ToolName  string
	Input     map[string]interface{}
	ToolUseID string
}

// SDKControlRequest is a control request sent to the agent.
// Used for initialize, interrupt and set_permission_mode.
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody contains the body of an outgoing control request.
type SDKControlRequestBody struct {
	// Subtype identifies the operation (initialize, interrupt, set_permission_mode)
	Subtype string `json:"subtype"`

	// For initialize requests
	Hooks map[string]interface{} `json:"hooks,omitempty"`

	// For set_permission_mode requests
	Mode string `json:"mode,omitempty"`
}

// IncomingControlResponse is the payload of a control_response message from
// the agent, matched to a pending request by request id.
type IncomingControlResponse struct {
	Subtype   string                  `json:"subtype"`
	RequestID string                  `json:"request_id"`
	Response  *InitializeResponseData `json:"response,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// InitializeResponseData is the agent's answer to an initialize request.
type InitializeResponseData struct {
	Commands    []CommandInfo `json:"commands,omitempty"`
	Agents      []string      `json:"agents,omitempty"`
	OutputStyle string        `json:"output_style,omitempty"`
}

// CommandInfo describes a slash command advertised by the agent.
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// UserMessage is sent to provide a prompt to the agent.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// EventType discriminates the typed events decoded from the agent stream.
type EventType string

// Typed event kinds surfaced on Client.Events().
const (
	EventText          EventType = "text"
	EventTextDelta     EventType = "text_delta"
	EventThinking      EventType = "thinking"
	EventThinkingDelta EventType = "thinking_delta"
	EventToolUse       EventType = "tool_use"
	EventToolResult    EventType = "tool_result"
	EventSessionID     EventType = "session_id"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// Event is a typed occurrence decoded from the agent's output stream.
type Event struct {
	Type EventType

	// For text and text_delta events
	Text string

	// For thinking and thinking_delta events
	Thinking string

	// For tool_use events
	ToolID    string
	ToolName  string
	ToolInput map[string]interface{}

	// For tool_result events
	ToolUseID string
	Content   string

	// For session_id events
	SessionID string

	// For done events
	ResultText string
	DurationMS int64
	NumTurns   int
	Usage      *Usage

	// IsError marks a failed tool_result or an errored done event
	IsError bool

	// For error events
	Err string
}
