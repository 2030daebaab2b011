package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/config"
	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/sandbox"
	"github.com/animadev/anima/internal/session"
	"github.com/animadev/anima/internal/store"
	"github.com/animadev/anima/pkg/wire"
)

// Transport delivers outbound frames to one connected client. Send must not
// block indefinitely; Close terminates the underlying connection.
type Transport interface {
	Send(ev wire.Event) error
	Close() error
}

// Turn is one in-flight query execution.
type Turn interface {
	Run(ctx context.Context) (*session.Result, error)
	Cancel(ctx context.Context)
}

// TurnFactory creates turns for query execution.
type TurnFactory interface {
	NewTurn(req session.Request) Turn
}

// RunnerTurns adapts *session.Runner to TurnFactory.
type RunnerTurns struct {
	Runner *session.Runner
}

// NewTurn implements TurnFactory.
func (r RunnerTurns) NewTurn(req session.Request) Turn {
	return r.Runner.NewTurn(req)
}

// SessionStore is the persistence surface the broker needs.
type SessionStore interface {
	CreateSession(ctx context.Context, sess *store.Session) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	UpdateSession(ctx context.Context, sess *store.Session) error
	SetClaudeSessionID(ctx context.Context, id, claudeSessionID string) error
}

// Sandboxes is the sandbox supervisor surface the broker needs.
type Sandboxes interface {
	Available() bool
	Ensure(ctx context.Context, sess *store.Session) (*sandbox.SandboxSession, error)
	Close(ctx context.Context, sessionID string)
	CloseAndLock(ctx context.Context, sessionID string)
}

// Broker owns the collaborators shared by all client connections.
type Broker struct {
	store             SessionStore
	sandboxes         Sandboxes
	turns             TurnFactory
	logs              *LogRegistry
	permissionTimeout time.Duration
	logger            *logger.Logger
}

// NewBroker creates the connection broker. The permission timeout comes from
// the agent config; zero falls back to DefaultPermissionTimeout.
func NewBroker(st SessionStore, sandboxes Sandboxes, turns TurnFactory, logs *LogRegistry, cfg *config.Config, log *logger.Logger) *Broker {
	return &Broker{
		store:             st,
		sandboxes:         sandboxes,
		turns:             turns,
		logs:              logs,
		permissionTimeout: cfg.Agent.PermissionTimeoutDuration(),
		logger:            log.WithFields(zap.String("component", "broker")),
	}
}

// Conn is the control-loop state for one client connection. Handle is called
// from the transport's read loop one message at a time; queries run in their
// own goroutine so cancel, ping and permission responses keep flowing while
// the agent works. A connection binds to at most one session.
type Conn struct {
	id        string
	broker    *Broker
	transport Transport
	arbiter   *Arbiter
	logger    *logger.Logger

	mu          sync.Mutex
	sess        *store.Session
	log         *EventLog
	localSeq    int64
	turn        Turn
	cancelQuery context.CancelFunc

	closeOnce sync.Once
}

// NewConn attaches a new connection over the given transport.
func (b *Broker) NewConn(transport Transport) *Conn {
	c := &Conn{
		id:        uuid.New().String(),
		broker:    b,
		transport: transport,
	}
	c.logger = b.logger.WithFields(zap.String("conn_id", c.id))
	c.arbiter = NewArbiter(b.permissionTimeout, c.Emit, c.logger)
	c.logger.Info("connection opened")
	return c
}

// Handle parses and dispatches one inbound frame.
func (c *Conn) Handle(ctx context.Context, raw []byte) {
	msg, err := wire.ParseInbound(raw)
	if err != nil {
		c.emitError("invalid message: " + err.Error())
		return
	}

	switch msg.Type {
	case wire.MessageNewSession:
		c.handleNewSession(ctx, msg)
	case wire.MessageResumeSession:
		c.handleResumeSession(ctx, msg)
	case wire.MessageUpdateConfig:
		c.handleUpdateConfig(ctx, msg)
	case wire.MessageQuery:
		c.handleQuery(msg)
	case wire.MessagePermissionResponse:
		c.handlePermissionResponse(msg)
	case wire.MessageCancel:
		c.handleCancel(ctx)
	case wire.MessagePing:
		c.Emit(wire.EventPong, nil)
	case wire.MessageClose:
		c.Close()
	case "":
		c.emitError("message type is required")
	default:
		c.emitError("unknown message type: " + msg.Type)
	}
}

// Emit stamps, sequences, records and sends one event. Pong frames carry no
// seq. Before a session is bound a connection-local sequence is used and
// nothing is retained for replay.
func (c *Conn) Emit(eventType string, data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLocked(eventType, data)
}

func (c *Conn) emitLocked(eventType string, data interface{}) {
	var ev wire.Event
	switch {
	case eventType == wire.EventPong:
		ev = wire.Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
	case c.log != nil:
		entry := c.log.Append(eventType, data)
		ev = wire.Event{Type: entry.Type, Data: entry.Data, Timestamp: entry.Timestamp, Seq: entry.Seq}
	default:
		c.localSeq++
		ev = wire.Event{Type: eventType, Data: data, Timestamp: time.Now().UTC(), Seq: c.localSeq}
	}
	c.send(ev)
}

// send writes one frame to the transport. Caller holds c.mu so wire order
// matches seq order.
func (c *Conn) send(ev wire.Event) {
	if err := c.transport.Send(ev); err != nil {
		c.logger.Debug("failed to send event",
			zap.String("event_type", ev.Type),
			zap.Error(err))
	}
}

func (c *Conn) emitError(message string) {
	c.Emit(wire.EventError, wire.ErrorData{Message: message, Recoverable: true})
}

func (c *Conn) handleNewSession(ctx context.Context, msg *wire.Inbound) {
	if c.session() != nil {
		c.emitError("connection already has a session")
		return
	}
	if msg.Config == nil {
		c.emitError("config is required")
		return
	}
	if err := ValidateSessionConfig(msg.Config); err != nil {
		c.emitError(err.Error())
		return
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:           uuid.New().String(),
		StartTime:    now,
		LastActivity: now,
		CreatedAt:    now,
	}
	ApplySessionConfig(sess, msg.Config)

	if err := c.broker.store.CreateSession(ctx, sess); err != nil {
		c.logger.Error("failed to create session", zap.Error(err))
		c.emitError("failed to create session: " + err.Error())
		return
	}

	c.bind(sess)

	if sess.SandboxMode {
		c.ensureSandbox(ctx, sess)
	}

	c.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("medium", sess.Medium),
		zap.Bool("sandbox_mode", sess.SandboxMode))
	c.emitReady()
}

func (c *Conn) handleResumeSession(ctx context.Context, msg *wire.Inbound) {
	if c.session() != nil {
		c.emitError("connection already has a session")
		return
	}
	if msg.SessionID == "" {
		c.emitError("session_id is required")
		return
	}

	sess, err := c.broker.store.GetSession(ctx, msg.SessionID)
	if err != nil {
		c.emitError("session not found: " + msg.SessionID)
		return
	}
	if sess.UserID != "" && sess.UserID != msg.UserID {
		c.logger.Warn("resume rejected: user mismatch", zap.String("session_id", sess.ID))
		c.emitError("session belongs to another user")
		return
	}

	log := c.broker.logs.GetOrCreate(sess.ID)
	var lastSeq int64
	if msg.LastSeq != nil {
		lastSeq = *msg.LastSeq
	}
	// Snapshot the replay set before anything new is appended so freshly
	// emitted frames are not replayed back-to-back.
	pending := log.After(lastSeq)

	c.mu.Lock()
	c.sess = sess
	c.log = log
	c.mu.Unlock()

	if sess.SandboxMode && !sess.IsLocked {
		c.ensureSandbox(ctx, sess)
	}

	c.mu.Lock()
	c.emitLocked(wire.EventSessionReady, c.readyData())
	replayed := 0
	for _, e := range pending {
		if e.Type == wire.EventSessionReady {
			continue
		}
		c.send(wire.Event{Type: e.Type, Data: e.Data, Timestamp: e.Timestamp, Seq: e.Seq})
		replayed++
	}
	c.mu.Unlock()

	c.logger.Info("session resumed",
		zap.String("session_id", sess.ID),
		zap.Int64("last_seq", lastSeq),
		zap.Int("replayed", replayed))
}

func (c *Conn) handleUpdateConfig(ctx context.Context, msg *wire.Inbound) {
	sess := c.session()
	if sess == nil {
		c.emitError("no session bound to this connection")
		return
	}
	if c.queryInFlight() {
		c.emitError("cannot update config while a query is running")
		return
	}
	if msg.Config == nil {
		c.emitError("config is required")
		return
	}
	if err := ValidateSessionConfig(msg.Config); err != nil {
		c.emitError(err.Error())
		return
	}

	next := *sess
	ApplySessionConfig(&next, msg.Config)
	if err := c.broker.store.UpdateSession(ctx, &next); err != nil {
		c.logger.Error("failed to update session", zap.Error(err))
		c.emitError("failed to update session: " + err.Error())
		return
	}

	if sess.SandboxMode && !next.SandboxMode {
		// Sandbox turned off: release the container without locking.
		c.broker.sandboxes.Close(ctx, sess.ID)
	}

	c.mu.Lock()
	c.sess = &next
	c.mu.Unlock()

	c.logger.Info("session config updated", zap.String("session_id", sess.ID))
	c.emitReady()
}

func (c *Conn) handleQuery(msg *wire.Inbound) {
	c.mu.Lock()
	sess := c.sess
	switch {
	case sess == nil:
		c.mu.Unlock()
		c.emitError("no session bound to this connection")
		return
	case sess.IsLocked:
		c.mu.Unlock()
		c.emitError("session is locked")
		return
	case c.turn != nil:
		c.mu.Unlock()
		c.emitError("a query is already in flight")
		return
	case strings.TrimSpace(msg.Prompt) == "":
		c.mu.Unlock()
		c.emitError("prompt is required")
		return
	}

	var gate session.PermissionGate
	if !sess.AutoApprove {
		gate = c.arbiter
	}
	turn := c.broker.turns.NewTurn(session.Request{
		Session: sess,
		Prompt:  msg.Prompt,
		UserID:  msg.UserID,
		Gate:    gate,
		Sink:    c,
	})

	// The query lives beyond this frame; teardown cancels it explicitly.
	queryCtx, cancel := context.WithCancel(context.Background())
	c.turn = turn
	c.cancelQuery = cancel
	c.mu.Unlock()

	c.logger.Info("query started", zap.String("session_id", sess.ID))
	go c.runQuery(queryCtx, cancel, turn, sess.ID)
}

func (c *Conn) runQuery(ctx context.Context, cancel context.CancelFunc, turn Turn, sessionID string) {
	defer cancel()

	result, err := turn.Run(ctx)

	c.mu.Lock()
	c.turn = nil
	c.cancelQuery = nil
	c.mu.Unlock()

	switch {
	case err != nil:
		c.logger.Error("query failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		c.emitError(err.Error())
	case result.Cancelled:
		c.logger.Info("query cancelled", zap.String("session_id", sessionID))
	default:
		c.logger.Info("query completed",
			zap.String("session_id", sessionID),
			zap.Int("tool_count", result.ToolCount),
			zap.Duration("response_time", result.Duration))
	}
}

func (c *Conn) handlePermissionResponse(msg *wire.Inbound) {
	if msg.RequestID == "" || msg.Allowed == nil {
		c.emitError("request_id and allowed are required")
		return
	}
	if !c.arbiter.Resolve(msg.RequestID, *msg.Allowed, msg.DenyMessage) {
		c.emitError("unknown permission request: " + msg.RequestID)
	}
}

func (c *Conn) handleCancel(ctx context.Context) {
	c.mu.Lock()
	turn := c.turn
	c.mu.Unlock()
	if turn == nil {
		c.emitError("no query in flight")
		return
	}

	turn.Cancel(ctx)
	c.Emit(wire.EventCancelled, wire.CancelledData{Message: "Query cancelled"})
	c.logger.Info("query cancel requested")
}

// Close tears the connection down: outstanding permissions resolve as
// deny-with-interrupt, a running query is cancelled, and the transport is
// closed. Idempotent. The session and its event log survive for resume; the
// sandbox is left to the idle reaper.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.arbiter.CloseAll()

		c.mu.Lock()
		turn := c.turn
		cancel := c.cancelQuery
		sessionID := ""
		if c.sess != nil {
			sessionID = c.sess.ID
		}
		c.mu.Unlock()

		if turn != nil {
			ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			turn.Cancel(ctx)
			done()
		}
		if cancel != nil {
			cancel()
		}

		if err := c.transport.Close(); err != nil {
			c.logger.Debug("transport close failed", zap.Error(err))
		}
		c.logger.Info("connection closed", zap.String("session_id", sessionID))
	})
}

// ensureSandbox pre-starts the session's sandbox so the first query does not
// pay the container start. A start failure locks the session.
func (c *Conn) ensureSandbox(ctx context.Context, sess *store.Session) {
	if !c.broker.sandboxes.Available() {
		c.emitError("sandbox is not available")
		return
	}

	entry, err := c.broker.sandboxes.Ensure(ctx, sess)
	if err != nil {
		c.broker.sandboxes.CloseAndLock(ctx, sess.ID)
		c.setLocked()
		c.logger.Error("sandbox start failed",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		c.emitError("failed to start sandbox: " + err.Error())
		return
	}
	if entry.IsLocked {
		c.setLocked()
		return
	}
	if entry.ClaudeSessionID != "" && entry.ClaudeSessionID != sess.ClaudeSessionID {
		if err := c.broker.store.SetClaudeSessionID(ctx, sess.ID, entry.ClaudeSessionID); err != nil {
			c.logger.Warn("failed to persist agent session id", zap.Error(err))
		}
		c.mu.Lock()
		sess.ClaudeSessionID = entry.ClaudeSessionID
		c.mu.Unlock()
	}
}

func (c *Conn) emitReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return
	}
	c.emitLocked(wire.EventSessionReady, c.readyData())
}

// readyData renders session_ready from the bound session. Caller holds c.mu.
func (c *Conn) readyData() wire.SessionReadyData {
	return wire.SessionReadyData{
		SessionID: c.sess.ID,
		Config:    sessionConfig(c.sess),
		IsLocked:  c.sess.IsLocked,
		Name:      c.sess.SessionName,
	}
}

func (c *Conn) bind(sess *store.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess = sess
	c.log = c.broker.logs.GetOrCreate(sess.ID)
}

func (c *Conn) session() *store.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Conn) queryInFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn != nil
}

func (c *Conn) setLocked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		c.sess.IsLocked = true
	}
}

// ValidateSessionConfig rejects configs the runner cannot execute. The HTTP
// session endpoints share it so both surfaces enforce the same rules.
func ValidateSessionConfig(cfg *wire.SessionConfig) error {
	if cfg.WorkingDir == "" && cfg.SandboxMountType != string(store.MountNone) {
		return errors.New("working_dir is required")
	}
	switch cfg.SandboxMountType {
	case "", string(store.MountDirect), string(store.MountCopy), string(store.MountNone):
	default:
		return fmt.Errorf("invalid sandbox_mount_type: %s", cfg.SandboxMountType)
	}
	switch cfg.SandboxNetworkMode {
	case "", "bridge", "host":
	default:
		return fmt.Errorf("invalid sandbox_network_mode: %s", cfg.SandboxNetworkMode)
	}
	if cfg.OutputFormat != nil && cfg.OutputFormat.Type != "json_schema" {
		return fmt.Errorf("invalid output_format type: %s", cfg.OutputFormat.Type)
	}
	return nil
}

// ApplySessionConfig overwrites the session's client-configurable fields
// wholesale. Identity, lock state and lifecycle fields are untouched.
func ApplySessionConfig(sess *store.Session, cfg *wire.SessionConfig) {
	sess.WorkingDir = cfg.WorkingDir
	sess.OutputStyle = cfg.OutputStyle
	sess.Personality = cfg.Personality.String()
	sess.Model = cfg.Model
	sess.UserID = cfg.UserID
	sess.AllowedTools = cfg.AllowedTools
	sess.IncludeContext = cfg.IncludeContext
	sess.EnableStreaming = cfg.EnableStreaming
	sess.ThinkingBudget = cfg.ThinkingBudget
	sess.SandboxMode = cfg.SandboxMode
	sess.SandboxMountType = store.MountType(cfg.SandboxMountType)
	if sess.SandboxMountType == "" {
		sess.SandboxMountType = store.MountDirect
	}
	sess.SandboxSettings = cfg.SandboxSettings
	sess.SandboxNetworkMode = cfg.SandboxNetworkMode
	sess.MissionID = cfg.MissionID
	sess.SessionName = cfg.SessionName
	sess.AutoApprove = cfg.AutoApprove
	sess.LeanMode = cfg.LeanMode
	sess.Plugins = cfg.Plugins
	sess.Env = cfg.Env
	if cfg.OutputFormat != nil {
		sess.OutputFormat = &store.OutputFormat{
			Type:   cfg.OutputFormat.Type,
			Schema: cfg.OutputFormat.Schema,
		}
	} else {
		sess.OutputFormat = nil
	}
	sess.Medium = cfg.Medium
	if sess.Medium == "" {
		sess.Medium = "chat"
	}
}

// sessionConfig renders the session's effective config for session_ready.
func sessionConfig(sess *store.Session) *wire.SessionConfig {
	cfg := &wire.SessionConfig{
		WorkingDir:         sess.WorkingDir,
		OutputStyle:        sess.OutputStyle,
		Personality:        wire.Personality(sess.Personality),
		Model:              sess.Model,
		UserID:             sess.UserID,
		AllowedTools:       sess.AllowedTools,
		IncludeContext:     sess.IncludeContext,
		EnableStreaming:    sess.EnableStreaming,
		ThinkingBudget:     sess.ThinkingBudget,
		SandboxMode:        sess.SandboxMode,
		SandboxMountType:   string(sess.SandboxMountType),
		SandboxSettings:    sess.SandboxSettings,
		SandboxNetworkMode: sess.SandboxNetworkMode,
		MissionID:          sess.MissionID,
		SessionName:        sess.SessionName,
		AutoApprove:        sess.AutoApprove,
		LeanMode:           sess.LeanMode,
		Plugins:            sess.Plugins,
		Env:                sess.Env,
		Medium:             sess.Medium,
	}
	if sess.OutputFormat != nil {
		cfg.OutputFormat = &wire.OutputFormat{
			Type:   sess.OutputFormat.Type,
			Schema: sess.OutputFormat.Schema,
		}
	}
	return cfg
}
