package v1

// CreateWorkTaskRequest creates a task on the shared work queue.
type CreateWorkTaskRequest struct {
	WorkingDir         string   `json:"working_dir,omitempty"`
	Title              string   `json:"title" binding:"required,max=500"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria string   `json:"acceptance_criteria,omitempty"`
	ContextSummary     string   `json:"context_summary,omitempty"`
	ScopePaths         []string `json:"scope_paths,omitempty"`
	RequiredTools      []string `json:"required_tools,omitempty"`
	TaskType           string   `json:"task_type,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	Priority           int      `json:"priority,omitempty" binding:"min=0,max=10"`
	BlockedBy          []string `json:"blocked_by,omitempty"`
}

// UpdateWorkTaskRequest patches task fields. Nil fields are left unchanged.
type UpdateWorkTaskRequest struct {
	Title              *string   `json:"title,omitempty" binding:"omitempty,max=500"`
	Description        *string   `json:"description,omitempty"`
	AcceptanceCriteria *string   `json:"acceptance_criteria,omitempty"`
	ContextSummary     *string   `json:"context_summary,omitempty"`
	ScopePaths         *[]string `json:"scope_paths,omitempty"`
	RequiredTools      *[]string `json:"required_tools,omitempty"`
	TaskType           *string   `json:"task_type,omitempty"`
	Tags               *[]string `json:"tags,omitempty"`
	Priority           *int      `json:"priority,omitempty" binding:"omitempty,min=0,max=10"`
	Status             *string   `json:"status,omitempty"`
	Outcome            *string   `json:"outcome,omitempty"`
	CompletionNotes    *string   `json:"completion_notes,omitempty"`
	LastError          *string   `json:"last_error,omitempty"`
}

// ClaimWorkTaskRequest identifies the claimant of a task.
type ClaimWorkTaskRequest struct {
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// ReleaseWorkTaskRequest returns a claimed task to the pool.
type ReleaseWorkTaskRequest struct {
	LastError string `json:"last_error,omitempty"`
}
