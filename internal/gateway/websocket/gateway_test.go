package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animadev/anima/internal/broker"
	"github.com/animadev/anima/internal/common/config"
	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/events"
	"github.com/animadev/anima/internal/events/bus"
	"github.com/animadev/anima/internal/sandbox"
	"github.com/animadev/anima/internal/session"
	"github.com/animadev/anima/internal/store"
	"github.com/animadev/anima/pkg/wire"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

type fakeGatewayStore struct {
	mu       sync.Mutex
	sessions map[string]*store.Session
}

func newFakeGatewayStore() *fakeGatewayStore {
	return &fakeGatewayStore{sessions: make(map[string]*store.Session)}
}

func (s *fakeGatewayStore) CreateSession(_ context.Context, sess *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *fakeGatewayStore) GetSession(_ context.Context, id string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	cp := *sess
	return &cp, nil
}

func (s *fakeGatewayStore) UpdateSession(_ context.Context, sess *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *fakeGatewayStore) SetClaudeSessionID(_ context.Context, _, _ string) error {
	return nil
}

type inertSandboxes struct{}

func (inertSandboxes) Available() bool { return false }
func (inertSandboxes) Ensure(context.Context, *store.Session) (*sandbox.SandboxSession, error) {
	return nil, errors.New("sandbox disabled")
}
func (inertSandboxes) Close(context.Context, string)        {}
func (inertSandboxes) CloseAndLock(context.Context, string) {}

type stubTurn struct {
	req       session.Request
	run       func(ctx context.Context, req session.Request) (*session.Result, error)
	cancelled atomic.Bool
}

func (t *stubTurn) Run(ctx context.Context) (*session.Result, error) { return t.run(ctx, t.req) }
func (t *stubTurn) Cancel(context.Context)                           { t.cancelled.Store(true) }

type stubTurns struct {
	mu    sync.Mutex
	run   func(ctx context.Context, req session.Request) (*session.Result, error)
	turns []*stubTurn
}

func (f *stubTurns) NewTurn(req session.Request) broker.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := f.run
	if run == nil {
		run = func(_ context.Context, req session.Request) (*session.Result, error) {
			req.Sink.Emit(wire.EventText, wire.TextData{Text: "hello"})
			req.Sink.Emit(wire.EventDone, wire.DoneData{ResponseText: "hello"})
			return &session.Result{ResponseText: "hello"}, nil
		}
	}
	turn := &stubTurn{req: req, run: run}
	f.turns = append(f.turns, turn)
	return turn
}

func (f *stubTurns) last() *stubTurn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.turns) == 0 {
		return nil
	}
	return f.turns[len(f.turns)-1]
}

type gatewayHarness struct {
	gateway *Gateway
	server  *httptest.Server
	store   *fakeGatewayStore
	turns   *stubTurns
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()
	log := newTestLogger()
	cfg := &config.Config{}
	cfg.Agent.PermissionTimeout = 300
	cfg.Agent.EventLogLimit = 1000

	st := newFakeGatewayStore()
	turns := &stubTurns{}
	b := broker.NewBroker(st, inertSandboxes{}, turns, broker.NewLogRegistry(0), cfg, log)

	gw := NewGateway(b, log)
	ctx, cancel := context.WithCancel(context.Background())
	go gw.Hub.Run(ctx)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	gw.SetupRoutes(router)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &gatewayHarness{gateway: gw, server: srv, store: st, turns: turns}
}

// wsTestClient drives the gateway over a real websocket connection.
type wsTestClient struct {
	t      *testing.T
	conn   *gorillaws.Conn
	frames chan wire.Event
	done   chan struct{}
}

func (h *gatewayHarness) dial(t *testing.T) *wsTestClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	dialer := gorillaws.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	c := &wsTestClient{
		t:      t,
		conn:   conn,
		frames: make(chan wire.Event, 100),
		done:   make(chan struct{}),
	}
	go c.readPump()
	t.Cleanup(c.close)
	return c
}

// readPump decodes incoming messages. The server coalesces queued frames into
// a single websocket message separated by newlines, so each message may carry
// several events.
func (c *wsTestClient) readPump() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var ev wire.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				continue
			}
			select {
			case c.frames <- ev:
			case <-time.After(time.Second):
				return
			}
		}
	}
}

func (c *wsTestClient) send(raw string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(gorillaws.TextMessage, []byte(raw)))
}

// next returns the next frame in arrival order.
func (c *wsTestClient) next() wire.Event {
	c.t.Helper()
	select {
	case ev := <-c.frames:
		return ev
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for a frame")
		return wire.Event{}
	}
}

// await skips frames until one of the given type arrives.
func (c *wsTestClient) await(eventType string) wire.Event {
	c.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.frames:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s frame", eventType)
		}
	}
}

func (c *wsTestClient) close() {
	_ = c.conn.Close()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
	}
}

func frameData(t *testing.T, ev wire.Event) map[string]interface{} {
	t.Helper()
	m, ok := ev.Data.(map[string]interface{})
	require.True(t, ok, "frame data is %T, want object", ev.Data)
	return m
}

func TestGateway_SessionRoundTrip(t *testing.T) {
	h := newGatewayHarness(t)
	c := h.dial(t)

	c.send(`{"type":"new_session","config":{"working_dir":"/tmp/w","personality":"curious"}}`)
	ready := c.next()
	require.Equal(t, wire.EventSessionReady, ready.Type)
	assert.Equal(t, int64(1), ready.Seq)
	readyData := frameData(t, ready)
	sessionID, _ := readyData["session_id"].(string)
	require.NotEmpty(t, sessionID)

	c.send(`{"type":"query","prompt":"hi there"}`)
	text := c.next()
	require.Equal(t, wire.EventText, text.Type)
	assert.Equal(t, int64(2), text.Seq)
	assert.Equal(t, "hello", frameData(t, text)["text"])

	done := c.next()
	require.Equal(t, wire.EventDone, done.Type)
	assert.Equal(t, int64(3), done.Seq)
	assert.Equal(t, "hello", frameData(t, done)["response_text"])

	turn := h.turns.last()
	require.NotNil(t, turn)
	assert.Equal(t, "hi there", turn.req.Prompt)
	assert.Equal(t, sessionID, turn.req.Session.ID)
}

func TestGateway_InvalidJSONGetsError(t *testing.T) {
	h := newGatewayHarness(t)
	c := h.dial(t)

	c.send(`{not json`)
	ev := c.next()
	require.Equal(t, wire.EventError, ev.Type)
	data := frameData(t, ev)
	assert.Contains(t, data["message"], "invalid message")
	assert.Equal(t, true, data["recoverable"])
}

func TestGateway_PingPong(t *testing.T) {
	h := newGatewayHarness(t)
	c := h.dial(t)

	c.send(`{"type":"ping"}`)
	ev := c.next()
	require.Equal(t, wire.EventPong, ev.Type)
	assert.Zero(t, ev.Seq)
}

func TestGateway_ResumeAcrossConnections(t *testing.T) {
	h := newGatewayHarness(t)

	first := h.dial(t)
	first.send(`{"type":"new_session","config":{"working_dir":"/tmp/w"}}`)
	ready := first.next()
	require.Equal(t, wire.EventSessionReady, ready.Type)
	sessionID := frameData(t, ready)["session_id"].(string)

	first.send(`{"type":"query","prompt":"hi"}`)
	first.await(wire.EventDone)
	first.close()

	second := h.dial(t)
	second.send(fmt.Sprintf(`{"type":"resume_session","session_id":%q,"last_seq":1}`, sessionID))

	resumed := second.next()
	require.Equal(t, wire.EventSessionReady, resumed.Type)
	assert.Equal(t, sessionID, frameData(t, resumed)["session_id"])

	// The first connection logged ready(1), text(2), done(3); replay picks up
	// after seq 1.
	text := second.next()
	require.Equal(t, wire.EventText, text.Type)
	assert.Equal(t, int64(2), text.Seq)
	done := second.next()
	require.Equal(t, wire.EventDone, done.Type)
	assert.Equal(t, int64(3), done.Seq)
}

func TestGateway_DisconnectCancelsQuery(t *testing.T) {
	h := newGatewayHarness(t)
	started := make(chan struct{})
	h.turns.run = func(ctx context.Context, _ session.Request) (*session.Result, error) {
		close(started)
		<-ctx.Done()
		return &session.Result{Cancelled: true}, nil
	}

	c := h.dial(t)
	c.send(`{"type":"new_session","config":{"working_dir":"/tmp/w"}}`)
	require.Equal(t, wire.EventSessionReady, c.next().Type)

	c.send(`{"type":"query","prompt":"long running"}`)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("query never started")
	}

	c.close()

	turn := h.turns.last()
	require.NotNil(t, turn)
	require.Eventually(t, func() bool { return turn.cancelled.Load() },
		2*time.Second, 10*time.Millisecond, "disconnect should cancel the in-flight turn")
	require.Eventually(t, func() bool { return h.gateway.Hub.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond, "client should leave the hub")
}

func TestGateway_HubTracksClients(t *testing.T) {
	h := newGatewayHarness(t)

	first := h.dial(t)
	second := h.dial(t)
	require.Eventually(t, func() bool { return h.gateway.Hub.ClientCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	first.close()
	require.Eventually(t, func() bool { return h.gateway.Hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	second.close()
	require.Eventually(t, func() bool { return h.gateway.Hub.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestGateway_NotificationBroadcast(t *testing.T) {
	h := newGatewayHarness(t)
	log := newTestLogger()
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	RegisterNotificationBroadcaster(ctx, memBus, h.gateway.Hub, log)

	c := h.dial(t)
	require.Eventually(t, func() bool { return h.gateway.Hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	event := bus.NewEvent(events.NotificationCreated, "notifications", map[string]interface{}{
		"id":    "note-1",
		"kind":  "insight",
		"title": "Something clicked",
		"body":  "a connection between two findings",
	})
	require.NoError(t, memBus.Publish(ctx, events.BuildNotificationSubject("sess-1"), event))

	ev := c.await(wire.EventNotification)
	data := frameData(t, ev)
	assert.Equal(t, "note-1", data["id"])
	assert.Equal(t, "insight", data["kind"])
	assert.Equal(t, "Something clicked", data["title"])
	assert.Zero(t, ev.Seq)
}

func TestNotificationData(t *testing.T) {
	assert.Equal(t, wire.NotificationData{}, notificationData(nil))
	assert.Equal(t, wire.NotificationData{}, notificationData(&bus.Event{Data: "not a map"}))

	got := notificationData(&bus.Event{Data: map[string]interface{}{
		"id":      "n-1",
		"kind":    "reminder",
		"title":   "check the queue",
		"body":    "two tasks idle",
		"payload": map[string]interface{}{"count": 2},
	}})
	assert.Equal(t, "n-1", got.ID)
	assert.Equal(t, "reminder", got.Kind)
	assert.Equal(t, "check the queue", got.Title)
	assert.Equal(t, "two tasks idle", got.Body)
	assert.Equal(t, map[string]interface{}{"count": 2}, got.Payload)
}
