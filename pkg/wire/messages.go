// Package wire defines the client protocol: inbound control messages and
// outbound sequenced events exchanged over a WebSocket connection.
package wire

import (
	"encoding/json"
	"strings"
)

// Inbound message types (client to daemon).
const (
	MessageNewSession         = "new_session"
	MessageResumeSession      = "resume_session"
	MessageUpdateConfig       = "update_config"
	MessageQuery              = "query"
	MessagePermissionResponse = "permission_response"
	MessageCancel             = "cancel"
	MessagePing               = "ping"
	MessageClose              = "close"
)

// Personality accepts either a single string or a list of strings on the wire
// and normalizes to a comma-joined tag.
type Personality string

// UnmarshalJSON implements json.Unmarshaler.
func (p *Personality) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*p = Personality(single)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*p = Personality(strings.Join(list, ","))
	return nil
}

// String returns the normalized tag.
func (p Personality) String() string { return string(p) }

// OutputFormat requests structured output from the agent backend.
type OutputFormat struct {
	Type   string                 `json:"type"`
	Schema map[string]interface{} `json:"schema,omitempty"`
}

// SessionConfig is the client-supplied configuration for new_session and
// update_config.
type SessionConfig struct {
	WorkingDir         string                 `json:"working_dir"`
	OutputStyle        string                 `json:"output_style,omitempty"`
	Personality        Personality            `json:"personality,omitempty"`
	Model              string                 `json:"model,omitempty"`
	UserID             string                 `json:"user_id,omitempty"`
	AllowedTools       []string               `json:"allowed_tools,omitempty"`
	IncludeContext     bool                   `json:"include_context,omitempty"`
	EnableStreaming    bool                   `json:"enable_streaming,omitempty"`
	ThinkingBudget     int                    `json:"thinking_budget,omitempty"`
	SandboxMode        bool                   `json:"sandbox_mode,omitempty"`
	SandboxMountType   string                 `json:"sandbox_mount_type,omitempty"`
	SandboxSettings    map[string]interface{} `json:"sandbox_settings,omitempty"`
	SandboxNetworkMode string                 `json:"sandbox_network_mode,omitempty"`
	MissionID          string                 `json:"mission_id,omitempty"`
	SessionName        string                 `json:"session_name,omitempty"`
	AutoApprove        bool                   `json:"auto_approve,omitempty"`
	LeanMode           bool                   `json:"lean_mode,omitempty"`
	Plugins            []string               `json:"plugins,omitempty"`
	Env                map[string]string      `json:"env,omitempty"`
	OutputFormat       *OutputFormat          `json:"output_format,omitempty"`
	Medium             string                 `json:"medium,omitempty"`
}

// Inbound is the flat envelope for all client control messages. Fields beyond
// Type are populated per message type.
type Inbound struct {
	Type        string         `json:"type"`
	Config      *SessionConfig `json:"config,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	LastSeq     *int64         `json:"last_seq,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Prompt      string         `json:"prompt,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	Allowed     *bool          `json:"allowed,omitempty"`
	DenyMessage string         `json:"deny_message,omitempty"`
}

// ParseInbound decodes a raw client frame.
func ParseInbound(data []byte) (*Inbound, error) {
	msg := &Inbound{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
