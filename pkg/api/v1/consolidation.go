package v1

// EnqueueConsolidationRequest requests a consolidation pass. The payload is
// recorded on the queue row for operators; the pass itself ignores it.
type EnqueueConsolidationRequest struct {
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// EnqueueConsolidationResponse acknowledges a queued pass.
type EnqueueConsolidationResponse struct {
	QueueID string `json:"queue_id"`
	Status  string `json:"status"`
}
