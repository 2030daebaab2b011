package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/logger"
)

// controlTimeout bounds control round-trips (initialize, interrupt,
// set_permission_mode) when the caller's context has no earlier deadline.
const controlTimeout = 30 * time.Second

// eventBuffer is the capacity of the typed event channel. When the consumer
// falls behind, the read loop blocks and backpressure reaches the subprocess
// pipe.
const eventBuffer = 64

// PermissionHandler decides a can_use_tool request. It runs on its own
// goroutine; returning BehaviorAllow with the original input is the default
// when no handler is registered.
type PermissionHandler func(ctx context.Context, req PermissionRequest) PermissionResult

// pendingRequest tracks a control request waiting for a response.
type pendingRequest struct {
	ch chan *IncomingControlResponse
}

// Client handles agent communication over stdin/stdout streams.
// It reads streaming JSON from stdout, decodes it into typed events, and
// writes user messages and control traffic to stdin.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	events chan Event

	// Pending control requests (requests we sent, waiting for responses)
	pendingRequests   map[string]*pendingRequest
	pendingRequestsMu sync.Mutex

	writeMu sync.Mutex

	mu                sync.RWMutex
	permissionHandler PermissionHandler
	ctx               context.Context
	done              chan struct{}
}

// NewClient creates a client over the given agent pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:           stdin,
		stdout:          stdout,
		logger:          log.WithFields(zap.String("component", "claude-client")),
		events:          make(chan Event, eventBuffer),
		done:            make(chan struct{}),
		pendingRequests: make(map[string]*pendingRequest),
	}
}

// SetPermissionHandler registers the handler invoked on can_use_tool
// requests. Must be set before Start to avoid missing early requests.
func (c *Client) SetPermissionHandler(handler PermissionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.permissionHandler = handler
}

// Events returns the typed event stream. The channel is closed when the
// agent's stdout ends or the client is stopped.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Start begins reading from stdout in a goroutine and returns.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	go c.readLoop(ctx)
}

// Stop stops the client. Safe to call multiple times.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		// Already closed
	default:
		close(c.done)
	}
}

// Initialize sends the initialize control request and waits for the response.
// Must be called in streaming mode (input-format=stream-json).
func (c *Client) Initialize(ctx context.Context) (*InitializeResponseData, error) {
	resp, err := c.roundTrip(ctx, SDKControlRequestBody{Subtype: SubtypeInitialize})
	if err != nil {
		return nil, err
	}
	data := resp.Response
	if data == nil {
		data = &InitializeResponseData{}
	}
	c.logger.Debug("initialize response received",
		zap.Int("commands", len(data.Commands)),
		zap.Int("agents", len(data.Agents)))
	return data, nil
}

// Interrupt asks the agent to stop the in-flight operation.
func (c *Client) Interrupt(ctx context.Context) error {
	_, err := c.roundTrip(ctx, SDKControlRequestBody{Subtype: SubtypeInterrupt})
	return err
}

// SetPermissionMode switches the agent's permission mode.
func (c *Client) SetPermissionMode(ctx context.Context, mode string) error {
	_, err := c.roundTrip(ctx, SDKControlRequestBody{Subtype: SubtypeSetPermissionMode, Mode: mode})
	return err
}

// roundTrip sends a control request and waits for the matching response.
func (c *Client) roundTrip(ctx context.Context, body SDKControlRequestBody) (*IncomingControlResponse, error) {
	requestID := uuid.New().String()

	pending := &pendingRequest{
		ch: make(chan *IncomingControlResponse, 1),
	}

	c.pendingRequestsMu.Lock()
	c.pendingRequests[requestID] = pending
	c.pendingRequestsMu.Unlock()

	defer func() {
		c.pendingRequestsMu.Lock()
		delete(c.pendingRequests, requestID)
		c.pendingRequestsMu.Unlock()
	}()

	req := &SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   body,
	}

	c.logger.Debug("sending control request",
		zap.String("subtype", body.Subtype),
		zap.String("request_id", requestID))

	if err := c.send(req); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", body.Subtype, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("%s request aborted: client stopped", body.Subtype)
	case <-time.After(controlTimeout):
		c.logger.Warn("control request timed out",
			zap.String("subtype", body.Subtype),
			zap.Duration("timeout", controlTimeout))
		return nil, fmt.Errorf("%s request timed out after %v", body.Subtype, controlTimeout)
	case resp := <-pending.ch:
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("%s failed: %s", body.Subtype, resp.Error)
		}
		return resp, nil
	}
}

// SendUserMessage sends a user message (prompt) to the agent.
func (c *Client) SendUserMessage(content string) error {
	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	}
	return c.send(msg)
}

// SendControlResponse sends a control response to the agent.
func (c *Client) SendControlResponse(resp *ControlResponseMessage) error {
	return c.send(resp)
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.stdin.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("claude: sent message", zap.String("data", string(data)))
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.events)

	scanner := bufio.NewScanner(c.stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	c.logger.Debug("claude: read loop starting")

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
		c.emit(Event{Type: EventError, Err: err.Error()})
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) handleLine(line []byte) {
	c.logger.Debug("claude: received raw line", zap.String("line", string(line)))

	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("failed to parse message", zap.Error(err), zap.String("line", string(line)))
		return
	}

	switch msg.Type {
	case MessageTypeControlRequest:
		if msg.Request != nil {
			c.handleControlRequest(msg.RequestID, msg.Request)
		}
	case MessageTypeControlResponse:
		if msg.Response != nil {
			c.handleControlResponse(msg.Response)
		}
	case MessageTypeSystem:
		if msg.SessionID != "" {
			c.emit(Event{Type: EventSessionID, SessionID: msg.SessionID})
		}
	case MessageTypeAssistant:
		c.handleAssistant(msg.Message)
	case MessageTypeUser:
		c.handleUser(msg.Message)
	case MessageTypeStreamEvent:
		c.handleStreamEvent(msg.Event)
	case MessageTypeResult:
		c.emit(Event{
			Type:       EventDone,
			ResultText: msg.GetResultString(),
			IsError:    msg.IsError,
			DurationMS: msg.DurationMS,
			NumTurns:   msg.NumTurns,
			Usage:      msg.Usage,
		})
	default:
		c.logger.Debug("claude: ignoring message", zap.String("type", msg.Type))
	}
}

func (c *Client) handleAssistant(body *AssistantMessage) {
	if body == nil {
		return
	}
	for _, block := range body.Content {
		switch block.Type {
		case "text":
			c.emit(Event{Type: EventText, Text: block.Text})
		case "thinking":
			c.emit(Event{Type: EventThinking, Thinking: block.Thinking})
		case "tool_use":
			c.emit(Event{
				Type:      EventToolUse,
				ToolID:    block.ID,
				ToolName:  block.Name,
				ToolInput: block.Input,
			})
		}
	}
}

// handleUser surfaces tool_result blocks. Replayed user prompts carry no
// tool_result blocks and produce nothing.
func (c *Client) handleUser(body *AssistantMessage) {
	if body == nil {
		return
	}
	for _, block := range body.Content {
		if block.Type != "tool_result" {
			continue
		}
		c.emit(Event{
			Type:      EventToolResult,
			ToolUseID: block.ToolUseID,
			Content:   block.ContentText(),
			IsError:   block.IsError,
		})
	}
}

func (c *Client) handleStreamEvent(ev *StreamEvent) {
	if ev == nil {
		return
	}
	switch ev.Type {
	case StreamContentBlockDelta:
		if ev.Delta == nil {
			return
		}
		switch ev.Delta.Type {
		case DeltaText:
			c.emit(Event{Type: EventTextDelta, Text: ev.Delta.Text})
		case DeltaThinking:
			c.emit(Event{Type: EventThinkingDelta, Thinking: ev.Delta.Thinking})
		}
	case StreamContentBlockStart, StreamContentBlockStop:
		// Tool input streams via input_json_delta and is incomplete until the
		// full assistant message arrives; tool_use events come from there.
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	if req.Subtype != SubtypeCanUseTool {
		c.logger.Warn("unsupported control request",
			zap.String("request_id", requestID),
			zap.String("subtype", req.Subtype))
		if err := c.SendControlResponse(&ControlResponseMessage{
			Type:      MessageTypeControlResponse,
			RequestID: requestID,
			Response: &ControlResponse{
				Subtype: "error",
				Error:   fmt.Sprintf("unsupported control request subtype: %s", req.Subtype),
			},
		}); err != nil {
			c.logger.Warn("failed to send error response", zap.Error(err))
		}
		return
	}

	c.mu.RLock()
	handler := c.permissionHandler
	ctx := c.ctx
	c.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		result := PermissionResult{Behavior: BehaviorAllow, UpdatedInput: req.Input}
		if handler != nil {
			result = handler(ctx, PermissionRequest{
				ToolName:  req.ToolName,
				Input:     req.Input,
				ToolUseID: req.ToolUseID,
			})
		}

		resp := &ControlResponseMessage{
			Type:      MessageTypeControlResponse,
			RequestID: requestID,
			Response: &ControlResponse{
				Subtype: "success",
				Result:  &result,
			},
		}
		if err := c.SendControlResponse(resp); err != nil {
			c.logger.Warn("failed to send permission response",
				zap.String("request_id", requestID),
				zap.Error(err))
		}
	}()
}

func (c *Client) handleControlResponse(resp *IncomingControlResponse) {
	requestID := resp.RequestID

	c.pendingRequestsMu.Lock()
	pending, ok := c.pendingRequests[requestID]
	c.pendingRequestsMu.Unlock()

	if !ok {
		c.logger.Warn("received control response for unknown request",
			zap.String("request_id", requestID),
			zap.String("subtype", resp.Subtype))
		return
	}

	select {
	case pending.ch <- resp:
	default:
		c.logger.Warn("pending request channel full", zap.String("request_id", requestID))
	}
}
