package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/consolidation"
	"github.com/animadev/anima/internal/store"
	v1 "github.com/animadev/anima/pkg/api/v1"
)

// ConsolidationHandlers serves the memory-consolidation endpoints.
type ConsolidationHandlers struct {
	scheduler *consolidation.Scheduler
	logger    *logger.Logger
}

// NewConsolidationHandlers creates the consolidation HTTP handlers.
func NewConsolidationHandlers(scheduler *consolidation.Scheduler, log *logger.Logger) *ConsolidationHandlers {
	return &ConsolidationHandlers{
		scheduler: scheduler,
		logger:    log.WithFields(zap.String("component", "consolidation-handlers")),
	}
}

// RegisterConsolidationRoutes mounts the consolidation endpoints.
func RegisterConsolidationRoutes(router *gin.Engine, scheduler *consolidation.Scheduler, log *logger.Logger) {
	h := NewConsolidationHandlers(scheduler, log)
	api := router.Group("/api/v1")
	api.POST("/consolidation/enqueue", h.enqueue)
	api.GET("/consolidation/runs", h.listRuns)
}

// enqueue queues a consolidation pass. The scheduler's poll loop picks it up;
// the response carries the queue item id, not a run id.
func (h *ConsolidationHandlers) enqueue(c *gin.Context) {
	var req v1.EnqueueConsolidationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["trigger"] = "manual"

	item, err := h.scheduler.Enqueue(c.Request.Context(), payload)
	if err != nil {
		respondError(c, h.logger, err, "consolidation queue unavailable")
		return
	}
	c.JSON(http.StatusAccepted, v1.EnqueueConsolidationResponse{
		QueueID: item.ID,
		Status:  string(item.Status),
	})
}

func (h *ConsolidationHandlers) listRuns(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	runs, err := h.scheduler.Runs(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.logger, err, "consolidation runs not found")
		return
	}
	if runs == nil {
		runs = []*store.ConsolidationRun{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
}
