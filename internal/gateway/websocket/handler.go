package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/broker"
	"github.com/animadev/anima/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon binds loopback by default; origin policy belongs to a
		// fronting proxy when exposed beyond it.
		return true
	},
}

// Handler upgrades HTTP requests and binds each socket to a broker
// connection.
type Handler struct {
	hub    *Hub
	broker *broker.Broker
	logger *logger.Logger
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(hub *Hub, b *broker.Broker, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		broker: b,
		logger: log.WithFields(zap.String("component", "ws-handler")),
	}
}

// HandleConnection upgrades the request and runs the connection until the
// socket drops.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("websocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := NewClient(clientID, conn, h.logger)
	bconn := h.broker.NewConn(client)

	h.hub.Register(client)
	go client.WritePump()
	client.ReadPump(c.Request.Context(), bconn)
	h.hub.Unregister(client)
}
