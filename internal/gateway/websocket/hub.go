// Package websocket is the client gateway: it upgrades connections, pumps
// frames between each socket and its broker connection, and broadcasts
// ambient notifications to everyone connected.
package websocket

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/pkg/wire"
)

// Hub tracks all connected clients for broadcast and shutdown. Session state
// lives in the broker; the hub only fans out.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan wire.Event

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan wire.Event, 256),
		logger:     log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run processes registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.remove(client)

		case ev := <-h.broadcast:
			h.fanOut(ev)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a frame for every connected client. Broadcast frames are
// not sequenced; they are ambient, not part of any session's event history.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	ev := wire.Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("broadcast buffer full, dropping frame",
			zap.String("event_type", eventType))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		if err := client.Close(); err != nil {
			h.logger.Debug("client close failed", zap.Error(err))
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) fanOut(ev wire.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if err := client.Send(ev); err != nil {
			h.logger.Debug("dropped broadcast frame",
				zap.String("client_id", client.ID),
				zap.Error(err))
		}
	}
}
