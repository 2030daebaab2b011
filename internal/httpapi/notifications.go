package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/notifications"
	"github.com/animadev/anima/internal/store"
	v1 "github.com/animadev/anima/pkg/api/v1"
)

// NotificationHandlers serves the ambient-notification endpoints.
type NotificationHandlers struct {
	svc    *notifications.Service
	logger *logger.Logger
}

// NewNotificationHandlers creates the notification HTTP handlers.
func NewNotificationHandlers(svc *notifications.Service, log *logger.Logger) *NotificationHandlers {
	return &NotificationHandlers{
		svc:    svc,
		logger: log.WithFields(zap.String("component", "notification-handlers")),
	}
}

// RegisterNotificationRoutes mounts the notification endpoints.
func RegisterNotificationRoutes(router *gin.Engine, svc *notifications.Service, log *logger.Logger) {
	h := NewNotificationHandlers(svc, log)
	api := router.Group("/api/v1")
	api.POST("/notifications", h.createNotification)
	api.GET("/notifications", h.listNotifications)
	api.GET("/notifications/:id", h.getNotification)
	api.POST("/notifications/:id/acknowledge", h.acknowledgeNotification)
	api.POST("/notifications/:id/fail", h.failNotification)
}

func (h *NotificationHandlers) createNotification(c *gin.Context) {
	var req v1.CreateNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	n := &store.Notification{
		SessionID: req.SessionID,
		Kind:      req.Kind,
		Title:     req.Title,
		Body:      req.Body,
		Payload:   req.Payload,
	}
	created, err := h.svc.Create(c.Request.Context(), n)
	if err != nil {
		respondError(c, h.logger, err, "notification not found")
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *NotificationHandlers) listNotifications(c *gin.Context) {
	filter := store.NotificationFilter{
		SessionID: c.Query("session_id"),
		Status:    store.NotificationStatus(c.Query("status")),
	}
	if limit := c.Query("limit"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}

	items, err := h.svc.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, err, "notifications not found")
		return
	}
	if items == nil {
		items = []*store.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items, "total": len(items)})
}

func (h *NotificationHandlers) getNotification(c *gin.Context) {
	n, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "notification not found")
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *NotificationHandlers) acknowledgeNotification(c *gin.Context) {
	n, err := h.svc.Acknowledge(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "notification not found")
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *NotificationHandlers) failNotification(c *gin.Context) {
	var req v1.FailNotificationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
	}

	n, err := h.svc.Fail(c.Request.Context(), c.Param("id"), req.Error)
	if err != nil {
		respondError(c, h.logger, err, "notification not found")
		return
	}
	c.JSON(http.StatusOK, n)
}
