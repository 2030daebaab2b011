package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/emotion"
	"github.com/animadev/anima/internal/store"
)

// EmotionHistoryStore is the persistence surface of the emotion read routes.
type EmotionHistoryStore interface {
	ListEmotionStates(ctx context.Context, sessionID string, limit int) ([]*store.EmotionState, error)
	ListStimuli(ctx context.Context, sessionID string, limit int) ([]*store.StimulusRecord, error)
}

// EmotionHandlers serves the affect read endpoints. An empty session_id query
// addresses the daemon-global emotion map.
type EmotionHandlers struct {
	registry *emotion.Registry
	st       EmotionHistoryStore
	logger   *logger.Logger
}

// NewEmotionHandlers creates the emotion HTTP handlers.
func NewEmotionHandlers(registry *emotion.Registry, st EmotionHistoryStore, log *logger.Logger) *EmotionHandlers {
	return &EmotionHandlers{
		registry: registry,
		st:       st,
		logger:   log.WithFields(zap.String("component", "emotion-handlers")),
	}
}

// RegisterEmotionRoutes mounts the emotion endpoints.
func RegisterEmotionRoutes(router *gin.Engine, registry *emotion.Registry, st EmotionHistoryStore, log *logger.Logger) {
	h := NewEmotionHandlers(registry, st, log)
	api := router.Group("/api/v1")
	api.GET("/emotions/state", h.state)
	api.GET("/emotions/history", h.history)
	api.GET("/emotions/summary", h.summary)
	api.GET("/emotions/profile", h.profile)
}

func (h *EmotionHandlers) state(c *gin.Context) {
	m, err := h.registry.Manager(c.Request.Context(), c.Query("session_id"))
	if err != nil {
		respondError(c, h.logger, err, "emotion state not found")
		return
	}
	c.JSON(http.StatusOK, m.Snapshot())
}

func (h *EmotionHandlers) history(c *gin.Context) {
	sessionID := c.Query("session_id")
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	ctx := c.Request.Context()
	states, err := h.st.ListEmotionStates(ctx, sessionID, limit)
	if err != nil {
		respondError(c, h.logger, err, "emotion history not found")
		return
	}
	stimuli, err := h.st.ListStimuli(ctx, sessionID, limit)
	if err != nil {
		respondError(c, h.logger, err, "emotion history not found")
		return
	}
	if states == nil {
		states = []*store.EmotionState{}
	}
	if stimuli == nil {
		stimuli = []*store.StimulusRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"states": states, "stimuli": stimuli})
}

func (h *EmotionHandlers) summary(c *gin.Context) {
	sessionID := c.Query("session_id")
	m, err := h.registry.Manager(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, h.logger, err, "emotion state not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "summary": m.Summary()})
}

func (h *EmotionHandlers) profile(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Profile())
}
