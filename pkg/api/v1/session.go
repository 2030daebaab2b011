// Package v1 contains the request and response DTOs of the HTTP API.
// Session create and update bodies reuse wire.SessionConfig, the same config
// document the websocket protocol carries.
package v1

// EndSessionRequest optionally records a summary when a session is ended.
type EndSessionRequest struct {
	Summary string `json:"summary,omitempty"`
}

// SessionHistoryQuery selects a page of conversation history.
type SessionHistoryQuery struct {
	Limit  int    `form:"limit,default=50" binding:"omitempty,min=1,max=500"`
	Before string `form:"before" binding:"omitempty"` // RFC3339 timestamp
}
