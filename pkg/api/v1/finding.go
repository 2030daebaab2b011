package v1

// CreateFindingRequest shares a finding with future sessions. The context
// builder surfaces unseen findings into new conversations.
type CreateFindingRequest struct {
	Source  string `json:"source,omitempty"`
	Finding string `json:"finding" binding:"required"`
}
