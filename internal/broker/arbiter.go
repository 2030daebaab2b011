package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/pkg/claude"
	"github.com/animadev/anima/pkg/wire"
)

// DefaultPermissionTimeout is the deadline for an unanswered permission
// request.
const DefaultPermissionTimeout = 5 * time.Minute

// Timeout and teardown messages delivered to the agent on unresolved
// permission requests. Clients rely on these strings.
const (
	permissionTimeoutMessage = "Permission request timed out"
	connectionClosedMessage  = "WebSocket connection closed"
	queryCancelledMessage    = "Query cancelled"
	deniedByUserMessage      = "Permission denied by user"
)

// pendingPermission is one outstanding tool approval awaiting the client.
type pendingPermission struct {
	requestID string
	toolName  string
	input     map[string]interface{}
	ch        chan claude.PermissionResult
	timer     *time.Timer
}

// Arbiter tracks pending tool permission requests for one connection.
// Each request resolves exactly once: by client response, by deadline, or by
// connection teardown. The agent backend is never left waiting.
type Arbiter struct {
	mu      sync.Mutex
	pending map[string]*pendingPermission

	timeout time.Duration
	emit    func(eventType string, data interface{})
	logger  *logger.Logger
}

// NewArbiter creates an arbiter emitting permission_request events through
// the given emit function. A zero timeout means DefaultPermissionTimeout.
func NewArbiter(timeout time.Duration, emit func(eventType string, data interface{}), log *logger.Logger) *Arbiter {
	if timeout <= 0 {
		timeout = DefaultPermissionTimeout
	}
	return &Arbiter{
		pending: make(map[string]*pendingPermission),
		timeout: timeout,
		emit:    emit,
		logger:  log.WithFields(zap.String("component", "permission-arbiter")),
	}
}

// Request registers a pending permission, emits permission_request to the
// client and blocks until resolution. On context cancellation the request is
// resolved as deny-with-interrupt so the agent is not stranded.
func (a *Arbiter) Request(ctx context.Context, toolName string, input map[string]interface{}) claude.PermissionResult {
	requestID := uuid.New().String()

	p := &pendingPermission{
		requestID: requestID,
		toolName:  toolName,
		input:     input,
		ch:        make(chan claude.PermissionResult, 1),
	}

	a.mu.Lock()
	a.pending[requestID] = p
	a.mu.Unlock()

	p.timer = time.AfterFunc(a.timeout, func() {
		if a.finish(requestID, denyWithInterrupt(permissionTimeoutMessage)) {
			a.logger.Warn("permission request timed out",
				zap.String("request_id", requestID),
				zap.String("tool", toolName))
		}
	})

	a.logger.Info("permission requested",
		zap.String("request_id", requestID),
		zap.String("tool", toolName))

	a.emit(wire.EventPermissionRequest, wire.PermissionRequestData{
		RequestID: requestID,
		ToolName:  toolName,
		ToolInput: input,
	})

	select {
	case result := <-p.ch:
		return result
	case <-ctx.Done():
		res := denyWithInterrupt(queryCancelledMessage)
		a.finish(requestID, res)
		return res
	}
}

// Resolve answers a pending request from a client permission_response.
// Returns false when the request is unknown or already resolved.
func (a *Arbiter) Resolve(requestID string, allowed bool, denyMessage string) bool {
	a.mu.Lock()
	p, ok := a.pending[requestID]
	a.mu.Unlock()
	if !ok {
		return false
	}

	var result claude.PermissionResult
	if allowed {
		result = claude.PermissionResult{
			Behavior:     claude.BehaviorAllow,
			UpdatedInput: p.input,
		}
	} else {
		msg := denyMessage
		if msg == "" {
			msg = deniedByUserMessage
		}
		result = denyWithInterrupt(msg)
	}

	if a.finish(requestID, result) {
		a.logger.Info("permission resolved",
			zap.String("request_id", requestID),
			zap.Bool("allowed", allowed))
		return true
	}
	return false
}

// CloseAll resolves every outstanding request as deny-with-interrupt. Called
// when the connection goes away.
func (a *Arbiter) CloseAll() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	for _, id := range ids {
		if a.finish(id, denyWithInterrupt(connectionClosedMessage)) {
			a.logger.Info("permission denied on connection close", zap.String("request_id", id))
		}
	}
}

// Pending reports the number of unresolved requests.
func (a *Arbiter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// finish removes the pending entry and delivers the result. First caller
// wins; later callers get false.
func (a *Arbiter) finish(requestID string, result claude.PermissionResult) bool {
	a.mu.Lock()
	p, ok := a.pending[requestID]
	if ok {
		delete(a.pending, requestID)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- result
	return true
}

func denyWithInterrupt(message string) claude.PermissionResult {
	interrupt := true
	return claude.PermissionResult{
		Behavior:  claude.BehaviorDeny,
		Message:   message,
		Interrupt: &interrupt,
	}
}
