// Package httpapi exposes the daemon's REST surface. Each domain registers
// its own routes under /api/v1; handlers translate service sentinels into
// HTTP status codes and keep bodies in the {"error": ...} shape.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/notifications"
	"github.com/animadev/anima/internal/store"
	"github.com/animadev/anima/internal/swarm"
	"github.com/animadev/anima/internal/workqueue"
)

// respondError maps service errors onto HTTP statuses. Unknown errors are
// logged and reported as a generic 500 so internals do not leak.
func respondError(c *gin.Context, log *logger.Logger, err error, fallback string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": fallback})
	case errors.Is(err, swarm.ErrSwarmActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case isBadRequest(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}

func isBadRequest(err error) bool {
	for _, sentinel := range []error{
		store.ErrNotReady,
		store.ErrClaimRaced,
		workqueue.ErrInvalidTask,
		swarm.ErrInvalidSpec,
		swarm.ErrNotStartable,
		swarm.ErrNotMergeable,
		notifications.ErrInvalidNotification,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// respondBindError reports a malformed request body or query string.
func respondBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
