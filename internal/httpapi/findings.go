package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/store"
	v1 "github.com/animadev/anima/pkg/api/v1"
)

// FindingStore is the persistence surface of the findings route.
type FindingStore interface {
	InsertFinding(ctx context.Context, f *store.Finding) error
}

// FindingHandlers accepts findings for ambient surfacing into later turns.
type FindingHandlers struct {
	st     FindingStore
	logger *logger.Logger
}

// NewFindingHandlers creates the finding HTTP handlers.
func NewFindingHandlers(st FindingStore, log *logger.Logger) *FindingHandlers {
	return &FindingHandlers{
		st:     st,
		logger: log.WithFields(zap.String("component", "finding-handlers")),
	}
}

// RegisterFindingRoutes mounts the finding endpoints.
func RegisterFindingRoutes(router *gin.Engine, st FindingStore, log *logger.Logger) {
	h := NewFindingHandlers(st, log)
	api := router.Group("/api/v1")
	api.POST("/findings", h.createFinding)
}

func (h *FindingHandlers) createFinding(c *gin.Context) {
	var req v1.CreateFindingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	f := &store.Finding{
		ID:        uuid.New().String(),
		Source:    req.Source,
		Finding:   req.Finding,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.st.InsertFinding(c.Request.Context(), f); err != nil {
		respondError(c, h.logger, err, "finding not found")
		return
	}
	c.JSON(http.StatusCreated, f)
}
