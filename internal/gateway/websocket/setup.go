package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/animadev/anima/internal/broker"
	"github.com/animadev/anima/internal/common/logger"
)

// Gateway bundles the hub and handler for wiring into the HTTP server.
type Gateway struct {
	Hub     *Hub
	Handler *Handler
}

// NewGateway creates the websocket gateway on top of a broker.
func NewGateway(b *broker.Broker, log *logger.Logger) *Gateway {
	hub := NewHub(log)
	return &Gateway{
		Hub:     hub,
		Handler: NewHandler(hub, b, log),
	}
}

// SetupRoutes mounts the websocket endpoint on the router.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
