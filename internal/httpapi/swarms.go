package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/store"
	"github.com/animadev/anima/internal/swarm"
	v1 "github.com/animadev/anima/pkg/api/v1"
)

// ScratchpadStore is the persistence surface of the swarm scratchpad routes.
type ScratchpadStore interface {
	ScratchpadGet(ctx context.Context, swarmID, key string) (*store.ScratchpadEntry, error)
	ScratchpadSet(ctx context.Context, swarmID, key, value string) error
	ScratchpadDelete(ctx context.Context, swarmID, key string) error
	ScratchpadList(ctx context.Context, swarmID string) ([]*store.ScratchpadEntry, error)
}

// SwarmHandlers serves the orchestrator endpoints.
type SwarmHandlers struct {
	svc     *swarm.Service
	scratch ScratchpadStore
	logger  *logger.Logger
}

// NewSwarmHandlers creates the swarm HTTP handlers.
func NewSwarmHandlers(svc *swarm.Service, scratch ScratchpadStore, log *logger.Logger) *SwarmHandlers {
	return &SwarmHandlers{
		svc:     svc,
		scratch: scratch,
		logger:  log.WithFields(zap.String("component", "swarm-handlers")),
	}
}

// RegisterSwarmRoutes mounts the swarm endpoints.
func RegisterSwarmRoutes(router *gin.Engine, svc *swarm.Service, scratch ScratchpadStore, log *logger.Logger) {
	h := NewSwarmHandlers(svc, scratch, log)
	api := router.Group("/api/v1")
	api.POST("/swarms", h.createSwarm)
	api.GET("/swarms", h.listSwarms)
	api.GET("/swarms/:id", h.getSwarm)
	api.GET("/swarms/:id/dag", h.swarmDag)
	api.POST("/swarms/:id/start", h.startSwarm)
	api.POST("/swarms/:id/resume", h.resumeSwarm)
	api.POST("/swarms/:id/wait", h.waitSwarm)
	api.POST("/swarms/:id/cancel", h.cancelSwarm)
	api.POST("/swarms/:id/merge", h.mergeSwarm)
	api.DELETE("/swarms/:id", h.deleteSwarm)
	api.GET("/swarms/:id/agents/:name", h.getAgent)
	api.GET("/swarms/:id/scratchpad", h.listScratchpad)
	api.GET("/swarms/:id/scratchpad/:key", h.getScratchpad)
	api.PUT("/swarms/:id/scratchpad/:key", h.setScratchpad)
	api.DELETE("/swarms/:id/scratchpad/:key", h.deleteScratchpad)
}

func (h *SwarmHandlers) createSwarm(c *gin.Context) {
	var spec swarm.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		respondBindError(c, err)
		return
	}

	sw, err := h.svc.Create(c.Request.Context(), &spec)
	if err != nil {
		respondError(c, h.logger, err, "swarm not found")
		return
	}
	c.JSON(http.StatusCreated, sw)
}

func (h *SwarmHandlers) listSwarms(c *gin.Context) {
	filter := store.SwarmFilter{
		Status:          store.SwarmStatus(c.Query("status")),
		ParentSessionID: c.Query("parent_session_id"),
	}
	if limit := c.Query("limit"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}

	swarms, err := h.svc.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, err, "swarms not found")
		return
	}
	if swarms == nil {
		swarms = []*store.Swarm{}
	}
	c.JSON(http.StatusOK, gin.H{"swarms": swarms, "total": len(swarms)})
}

func (h *SwarmHandlers) getSwarm(c *gin.Context) {
	sw, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "swarm not found")
		return
	}
	c.JSON(http.StatusOK, sw)
}

func (h *SwarmHandlers) swarmDag(c *gin.Context) {
	dag, err := h.svc.Dag(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "swarm not found")
		return
	}
	c.JSON(http.StatusOK, dag)
}

func (h *SwarmHandlers) startSwarm(c *gin.Context) {
	sw, err := h.svc.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "swarm not found")
		return
	}
	c.JSON(http.StatusAccepted, sw)
}

func (h *SwarmHandlers) resumeSwarm(c *gin.Context) {
	var req v1.ResumeSwarmRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
	}

	sw, err := h.svc.Resume(c.Request.Context(), c.Param("id"), req.Agents)
	if err != nil {
		respondError(c, h.logger, err, "swarm not found")
		return
	}
	c.JSON(http.StatusAccepted, sw)
}

// waitSwarm blocks until the swarm reaches a terminal status. Long-poll
// clients bound the wait with their own request timeout.
func (h *SwarmHandlers) waitSwarm(c *gin.Context) {
	sw, err := h.svc.Wait(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "swarm not found")
		return
	}
	c.JSON(http.StatusOK, sw)
}

func (h *SwarmHandlers) cancelSwarm(c *gin.Context) {
	sw, err := h.svc.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "swarm not found")
		return
	}
	c.JSON(http.StatusOK, sw)
}

func (h *SwarmHandlers) mergeSwarm(c *gin.Context) {
	result, err := h.svc.Merge(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "swarm not found")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *SwarmHandlers) deleteSwarm(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err, "swarm not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *SwarmHandlers) getAgent(c *gin.Context) {
	agent, err := h.svc.Agent(c.Request.Context(), c.Param("id"), c.Param("name"))
	if err != nil {
		respondError(c, h.logger, err, "agent not found")
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *SwarmHandlers) listScratchpad(c *gin.Context) {
	entries, err := h.scratch.ScratchpadList(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "scratchpad not found")
		return
	}
	if entries == nil {
		entries = []*store.ScratchpadEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}

func (h *SwarmHandlers) getScratchpad(c *gin.Context) {
	entry, err := h.scratch.ScratchpadGet(c.Request.Context(), c.Param("id"), c.Param("key"))
	if err != nil {
		respondError(c, h.logger, err, "scratchpad key not found")
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *SwarmHandlers) setScratchpad(c *gin.Context) {
	var req v1.ScratchpadSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	ctx := c.Request.Context()
	swarmID := c.Param("id")
	key := c.Param("key")
	if err := h.scratch.ScratchpadSet(ctx, swarmID, key, req.Value); err != nil {
		respondError(c, h.logger, err, "swarm not found")
		return
	}

	entry, err := h.scratch.ScratchpadGet(ctx, swarmID, key)
	if err != nil {
		respondError(c, h.logger, err, "scratchpad key not found")
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *SwarmHandlers) deleteScratchpad(c *gin.Context) {
	if err := h.scratch.ScratchpadDelete(c.Request.Context(), c.Param("id"), c.Param("key")); err != nil {
		respondError(c, h.logger, err, "scratchpad key not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
