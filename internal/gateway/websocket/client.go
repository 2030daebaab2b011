package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/broker"
	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/pkg/wire"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// ErrSendBufferFull is returned when a client cannot drain its event stream.
// Dropped frames leave a seq gap the client can detect and resume over.
var ErrSendBufferFull = errors.New("client send buffer full")

var errClientClosed = errors.New("client closed")

// Client is a single WebSocket connection. It implements broker.Transport:
// outbound frames are serialized here and drained by WritePump.
type Client struct {
	ID   string
	conn *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	logger *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// Send implements broker.Transport. It never blocks; frames are dropped with
// an error when the buffer is full.
func (c *Client) Send(ev wire.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return ErrSendBufferFull
	}
}

// Close implements broker.Transport. It stops the write pump, which closes
// the socket and in turn unblocks the read pump. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// ReadPump feeds inbound frames to the broker connection. It blocks until
// the socket drops or is closed, then tears the broker connection down.
func (c *Client) ReadPump(ctx context.Context, conn *broker.Conn) {
	defer conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}
		conn.Handle(ctx, message)
	}
}

// WritePump drains the send buffer to the socket and keeps the connection
// alive with pings. On Close it flushes queued frames and sends a close
// frame.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)

			// Batch additional queued frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued when the client closes.
func (c *Client) flush() {
	n := len(c.send)
	if n == 0 {
		return
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			w.Write([]byte{'\n'})
		}
		w.Write(<-c.send)
	}
	w.Close()
}
