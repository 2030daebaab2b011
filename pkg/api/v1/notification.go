package v1

// CreateNotificationRequest surfaces an ambient notification to clients.
type CreateNotificationRequest struct {
	SessionID string                 `json:"session_id,omitempty"`
	Kind      string                 `json:"kind,omitempty"`
	Title     string                 `json:"title" binding:"required,max=500"`
	Body      string                 `json:"body,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// FailNotificationRequest marks a notification undeliverable.
type FailNotificationRequest struct {
	Error string `json:"error,omitempty"`
}
