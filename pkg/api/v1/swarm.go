package v1

// ResumeSwarmRequest restarts a finished swarm. With no agents listed, the
// orchestrator re-runs every failed or cancelled agent.
type ResumeSwarmRequest struct {
	Agents []string `json:"agents,omitempty"`
}

// ScratchpadSetRequest writes one scratchpad value. Value holds raw JSON or
// plain text, stored verbatim.
type ScratchpadSetRequest struct {
	Value string `json:"value"`
}
