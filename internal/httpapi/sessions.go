package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/broker"
	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/store"
	v1 "github.com/animadev/anima/pkg/api/v1"
	"github.com/animadev/anima/pkg/wire"
)

// SessionStore is the persistence surface the session endpoints use.
type SessionStore interface {
	CreateSession(ctx context.Context, sess *store.Session) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	UpdateSession(ctx context.Context, sess *store.Session) error
	EndSession(ctx context.Context, id string, endTime time.Time, summary string) error
	ListSessions(ctx context.Context, filter store.SessionFilter) ([]*store.Session, error)
	ListConversations(ctx context.Context, sessionID string, limit int, before time.Time) ([]*store.Conversation, error)
	ListBlocks(ctx context.Context, conversationID string) ([]*store.ConversationBlock, error)
}

// SessionHandlers serves session CRUD and conversation history. Create and
// update take the same wire.SessionConfig document the websocket protocol
// uses, so both surfaces enforce identical rules.
type SessionHandlers struct {
	st     SessionStore
	logger *logger.Logger
}

// NewSessionHandlers creates the session HTTP handlers.
func NewSessionHandlers(st SessionStore, log *logger.Logger) *SessionHandlers {
	return &SessionHandlers{
		st:     st,
		logger: log.WithFields(zap.String("component", "session-handlers")),
	}
}

// RegisterSessionRoutes mounts the session endpoints.
func RegisterSessionRoutes(router *gin.Engine, st SessionStore, log *logger.Logger) {
	h := NewSessionHandlers(st, log)
	api := router.Group("/api/v1")
	api.POST("/sessions", h.createSession)
	api.GET("/sessions", h.listSessions)
	api.GET("/sessions/:id", h.getSession)
	api.PATCH("/sessions/:id", h.updateSession)
	api.DELETE("/sessions/:id", h.endSession)
	api.GET("/sessions/:id/history", h.sessionHistory)
}

func (h *SessionHandlers) createSession(c *gin.Context) {
	var cfg wire.SessionConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondBindError(c, err)
		return
	}
	if err := broker.ValidateSessionConfig(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:           uuid.New().String(),
		StartTime:    now,
		LastActivity: now,
		CreatedAt:    now,
	}
	broker.ApplySessionConfig(sess, &cfg)

	if err := h.st.CreateSession(c.Request.Context(), sess); err != nil {
		respondError(c, h.logger, err, "session not found")
		return
	}

	h.logger.Info("session created via http",
		zap.String("session_id", sess.ID),
		zap.String("medium", sess.Medium))
	c.JSON(http.StatusCreated, sess)
}

func (h *SessionHandlers) listSessions(c *gin.Context) {
	filter := store.SessionFilter{
		UserID:     c.Query("user_id"),
		Medium:     c.Query("medium"),
		ActiveOnly: c.Query("active") == "true",
	}
	if limit := c.Query("limit"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}

	sessions, err := h.st.ListSessions(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, err, "sessions not found")
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

func (h *SessionHandlers) getSession(c *gin.Context) {
	sess, err := h.st.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "session not found")
		return
	}
	c.JSON(http.StatusOK, sess)
}

// updateSession overwrites the session's client-configurable fields with the
// supplied config, the same wholesale semantics as update_config on the wire.
func (h *SessionHandlers) updateSession(c *gin.Context) {
	var cfg wire.SessionConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondBindError(c, err)
		return
	}
	if err := broker.ValidateSessionConfig(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	sess, err := h.st.GetSession(ctx, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "session not found")
		return
	}

	broker.ApplySessionConfig(sess, &cfg)
	if err := h.st.UpdateSession(ctx, sess); err != nil {
		respondError(c, h.logger, err, "session not found")
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandlers) endSession(c *gin.Context) {
	var req v1.EndSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.st.GetSession(ctx, id); err != nil {
		respondError(c, h.logger, err, "session not found")
		return
	}
	if err := h.st.EndSession(ctx, id, time.Now().UTC(), req.Summary); err != nil {
		respondError(c, h.logger, err, "session not found")
		return
	}

	h.logger.Info("session ended via http", zap.String("session_id", id))
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

// sessionHistory returns conversations with their blocks, oldest first.
func (h *SessionHandlers) sessionHistory(c *gin.Context) {
	var query v1.SessionHistoryQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		respondBindError(c, err)
		return
	}
	var before time.Time
	if query.Before != "" {
		parsed, err := time.Parse(time.RFC3339, query.Before)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "before must be RFC3339"})
			return
		}
		before = parsed
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.st.GetSession(ctx, id); err != nil {
		respondError(c, h.logger, err, "session not found")
		return
	}

	convs, err := h.st.ListConversations(ctx, id, query.Limit, before)
	if err != nil {
		respondError(c, h.logger, err, "history not found")
		return
	}
	for _, conv := range convs {
		blocks, err := h.st.ListBlocks(ctx, conv.ID)
		if err != nil {
			respondError(c, h.logger, err, "history not found")
			return
		}
		conv.Blocks = blocks
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs, "total": len(convs)})
}
