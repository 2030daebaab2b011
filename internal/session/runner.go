// Package session executes prompt turns against the agent backend. The same
// runner drives interactive client queries and swarm agent runs: it persists
// the user turn, surfaces ambient findings, composes the system prompt, picks
// the direct or sandboxed execution path, converts the agent's event stream
// into wire events and conversation blocks, and fires the post-completion
// side effects.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/config"
	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/emotion"
	"github.com/animadev/anima/internal/events"
	"github.com/animadev/anima/internal/events/bus"
	"github.com/animadev/anima/internal/llm"
	"github.com/animadev/anima/internal/sandbox"
	"github.com/animadev/anima/internal/store"
	"github.com/animadev/anima/internal/sysprompt"
	"github.com/animadev/anima/pkg/claude"
	"github.com/animadev/anima/pkg/wire"
)

// VirtualScheme marks working directories that exist only as a conversation
// context. They are substituted with the daemon's fallback directory.
const VirtualScheme = "virtual://"

// ErrSessionLocked is returned when the session's sandbox has been reaped and
// the session may no longer run queries.
var ErrSessionLocked = errors.New("session is locked")

// Store is the slice of the persistence gateway the runner uses.
type Store interface {
	InsertConversation(ctx context.Context, conv *store.Conversation) error
	SetClaudeSessionID(ctx context.Context, id, claudeSessionID string) error
	TouchSession(ctx context.Context, id string, at time.Time) error
	NextFindingForSession(ctx context.Context, sessionID string, window time.Duration) (*store.Finding, error)
	MarkFindingSurfaced(ctx context.Context, findingID, sessionID string, at time.Time) error
	MarkFindingCited(ctx context.Context, sessionID, findingID string) error
}

// Sandboxes is the sandbox supervisor surface the runner uses.
type Sandboxes interface {
	Available() bool
	Ensure(ctx context.Context, sess *store.Session) (*sandbox.SandboxSession, error)
	BeginQuery(sessionID string)
	EndQuery(sessionID string)
	SetClaudeSessionID(sessionID, claudeSessionID string)
	CloseAndLock(ctx context.Context, sessionID string)
}

// Stimuli receives emotional stimuli after completed turns.
type Stimuli interface {
	BufferStimulus(ctx context.Context, sessionID string, stim emotion.Stimulus)
}

// Publisher is the event bus surface the runner uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *bus.Event) error
}

// PermissionGate decides tool-use permission requests. A nil gate allows
// every tool with its original input.
type PermissionGate interface {
	Request(ctx context.Context, toolName string, input map[string]interface{}) claude.PermissionResult
}

// EventSink receives the wire events a turn produces, in order.
type EventSink interface {
	Emit(eventType string, data interface{})
}

// ContextBuilder contributes an extra context section to the system prompt
// for sessions that opt in via include_context.
type ContextBuilder interface {
	BuildContext(ctx context.Context, sess *store.Session) (string, error)
}

// Runner owns the shared collaborators of turn execution. Safe for
// concurrent use; each turn carries its own state.
type Runner struct {
	st            Store
	sandboxes     Sandboxes
	stimuli       Stimuli
	publisher     Publisher
	builder       ContextBuilder
	agentCfg      config.AgentConfig
	fallbackDir   string
	surfaceWindow time.Duration
	logger        *logger.Logger
}

// NewRunner creates a turn runner. stimuli, publisher and builder may be nil;
// the corresponding side effects are skipped.
func NewRunner(st Store, sandboxes Sandboxes, stimuli Stimuli, publisher Publisher, builder ContextBuilder, cfg *config.Config, log *logger.Logger) *Runner {
	window := time.Duration(cfg.Findings.SurfaceWindow) * time.Hour
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return &Runner{
		st:            st,
		sandboxes:     sandboxes,
		stimuli:       stimuli,
		publisher:     publisher,
		builder:       builder,
		agentCfg:      cfg.Agent,
		fallbackDir:   cfg.Sandbox.FallbackDir,
		surfaceWindow: window,
		logger:        log.WithFields(zap.String("component", "turn-runner")),
	}
}

// Request describes one prompt turn.
type Request struct {
	Session *store.Session
	Prompt  string
	// UserID overrides the session's user id for this turn when set.
	UserID string
	// Gate handles tool permission requests. nil allows everything (auto
	// approve sessions and swarm agents).
	Gate PermissionGate
	// Sink receives the turn's wire events. nil discards them.
	Sink EventSink
}

// Result is the outcome of a completed (or cancelled) turn.
type Result struct {
	ResponseText     string
	ToolCount        int
	TimeToFirstToken time.Duration
	Duration         time.Duration
	StructuredOutput map[string]interface{}
	ClaudeSessionID  string
	Cancelled        bool
}

// Turn is a single in-flight execution. Cancel may be called from another
// goroutine at any point; it is edge-sensitive.
type Turn struct {
	r   *Runner
	req Request

	cancelled atomic.Bool
	mu        sync.Mutex
	client    *claude.Client
}

// NewTurn prepares a turn for the request without starting it.
func (r *Runner) NewTurn(req Request) *Turn {
	return &Turn{r: r, req: req}
}

// Cancel marks the turn cancelled and interrupts the agent if it is running.
// Subsequent events are suppressed except for the terminal done.
func (t *Turn) Cancel(ctx context.Context) {
	if t.cancelled.Swap(true) {
		return
	}
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client != nil {
		if err := client.Interrupt(ctx); err != nil {
			t.r.logger.Warn("failed to interrupt agent", zap.Error(err))
		}
	}
}

// Cancelled reports whether Cancel has been called.
func (t *Turn) Cancelled() bool {
	return t.cancelled.Load()
}

// Run executes the turn to completion. It blocks until the agent finishes,
// the turn is cancelled, or ctx is done. A ctx cancellation without a prior
// Cancel counts as a failed run and locks a sandboxed session; callers that
// mean "stop cleanly" call Cancel first.
func (t *Turn) Run(ctx context.Context) (*Result, error) {
	sess := t.req.Session
	now := time.Now().UTC()
	userID := t.req.UserID
	if userID == "" {
		userID = sess.UserID
	}

	userConv := &store.Conversation{
		SessionID:     sess.ID,
		Role:          store.RoleUser,
		Timestamp:     now,
		Personality:   sess.Personality,
		Medium:        sess.Medium,
		UserID:        userID,
		PromptSummary: truncate(t.req.Prompt, 200),
		Blocks: []*store.ConversationBlock{
			{BlockType: store.BlockText, TextContent: t.req.Prompt},
		},
	}
	if err := t.r.st.InsertConversation(ctx, userConv); err != nil {
		return nil, fmt.Errorf("failed to persist user turn: %w", err)
	}

	agentPrompt, surfacedID := t.r.surfaceFinding(ctx, sess.ID, t.req.Prompt)

	opts, err := t.r.buildOptions(ctx, sess)
	if err != nil {
		return nil, err
	}

	client, closer, sandboxed, err := t.start(ctx, sess, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := closer(); cerr != nil {
			t.r.logger.Warn("failed to close agent run", zap.Error(cerr))
		}
	}()
	if sandboxed {
		defer t.r.sandboxes.EndQuery(sess.ID)
	}

	if gate := t.req.Gate; gate != nil {
		client.SetPermissionHandler(func(hctx context.Context, preq claude.PermissionRequest) claude.PermissionResult {
			return gate.Request(hctx, preq.ToolName, preq.Input)
		})
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	if t.cancelled.Load() {
		// Cancelled before the agent saw the prompt.
		return &Result{Cancelled: true}, nil
	}

	if err := client.SendUserMessage(agentPrompt); err != nil {
		t.failSandbox(ctx, sess, sandboxed)
		return nil, fmt.Errorf("failed to send prompt: %w", err)
	}

	result, conv, runErr := t.consume(ctx, client, sess, sandboxed)
	if runErr != nil {
		// A cancel that lands while the run is failing wins: cancelled
		// queries never lock the sandbox.
		if t.cancelled.Load() {
			return &Result{Cancelled: true}, nil
		}
		t.failSandbox(ctx, sess, sandboxed)
		return nil, runErr
	}
	if result.Cancelled || t.cancelled.Load() {
		result.Cancelled = true
		return result, nil
	}

	// A persistence failure is recoverable and does not lock the sandbox;
	// the agent run itself succeeded.
	if conv != nil {
		if err := t.r.st.InsertConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("failed to persist assistant turn: %w", err)
		}
	}

	t.r.afterTurn(sess, surfacedID, t.req.Prompt, result)
	return result, nil
}

// surfaceFinding prepends at most one sharable finding to the prompt.
// Failures only log; the turn proceeds with the original prompt.
func (r *Runner) surfaceFinding(ctx context.Context, sessionID, prompt string) (string, string) {
	finding, err := r.st.NextFindingForSession(ctx, sessionID, r.surfaceWindow)
	if err != nil {
		r.logger.Warn("failed to look up sharable findings", zap.Error(err))
		return prompt, ""
	}
	if finding == nil {
		return prompt, ""
	}
	if err := r.st.MarkFindingSurfaced(ctx, finding.ID, sessionID, time.Now().UTC()); err != nil {
		r.logger.Warn("failed to mark finding surfaced", zap.Error(err))
		return prompt, ""
	}

	paragraph := sysprompt.Wrap(fmt.Sprintf(
		"Something you noticed earlier may be relevant: %s. Bring it up only if it genuinely fits the conversation.",
		finding.Finding))
	return paragraph + "\n\n" + prompt, finding.ID
}

// buildOptions assembles the agent invocation options from the session.
func (r *Runner) buildOptions(ctx context.Context, sess *store.Session) (claude.Options, error) {
	workDir := sess.WorkingDir
	if strings.HasPrefix(workDir, VirtualScheme) {
		workDir = r.fallbackDir
	}

	contextSection := ""
	if sess.IncludeContext && r.builder != nil {
		section, err := r.builder.BuildContext(ctx, sess)
		if err != nil {
			r.logger.Warn("context builder failed", zap.Error(err))
		} else {
			contextSection = section
		}
	}

	opts := claude.Options{
		Binary:          r.agentCfg.Binary,
		WorkingDir:      workDir,
		SystemPrompt:    sysprompt.Compose(sess.Personality, sess.OutputStyle, contextSection),
		Model:           sess.Model,
		ThinkingBudget:  sess.ThinkingBudget,
		AllowedTools:    sess.AllowedTools,
		ResumeSessionID: sess.ClaudeSessionID,
		Plugins:         sess.Plugins,
		LeanMode:        sess.LeanMode,
	}

	if sess.OutputFormat != nil && sess.OutputFormat.Schema != nil {
		schema, err := json.Marshal(sess.OutputFormat.Schema)
		if err != nil {
			return claude.Options{}, fmt.Errorf("invalid output format schema: %w", err)
		}
		opts.OutputFormat = string(schema)
	}

	if len(sess.Env) > 0 {
		keys := make([]string, 0, len(sess.Env))
		for k := range sess.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			opts.Env = append(opts.Env, k+"="+sess.Env[k])
		}
	}

	return opts, nil
}

// start picks the execution path and returns a running client plus its
// teardown. Sandbox start failures lock the session.
func (t *Turn) start(ctx context.Context, sess *store.Session, opts claude.Options) (*claude.Client, func() error, bool, error) {
	if !sess.SandboxMode {
		proc := claude.NewProcess(opts, t.r.logger)
		client, err := proc.Start(ctx)
		if err != nil {
			return nil, nil, false, fmt.Errorf("failed to start agent: %w", err)
		}
		return client, proc.Close, false, nil
	}

	if t.r.sandboxes == nil || !t.r.sandboxes.Available() {
		return nil, nil, false, fmt.Errorf("sandbox mode requested but no container runtime is available")
	}

	entry, err := t.r.sandboxes.Ensure(ctx, sess)
	if err != nil {
		t.r.sandboxes.CloseAndLock(ctx, sess.ID)
		sess.IsLocked = true
		return nil, nil, false, fmt.Errorf("failed to start sandbox: %w", err)
	}
	if entry.IsLocked {
		sess.IsLocked = true
		return nil, nil, false, ErrSessionLocked
	}
	if entry.ClaudeSessionID != "" {
		opts.ResumeSessionID = entry.ClaudeSessionID
	}

	t.r.sandboxes.BeginQuery(sess.ID)
	client, closer, err := entry.Runner.StartQuery(ctx, opts)
	if err != nil {
		t.r.sandboxes.EndQuery(sess.ID)
		t.r.sandboxes.CloseAndLock(ctx, sess.ID)
		sess.IsLocked = true
		return nil, nil, false, fmt.Errorf("failed to start sandboxed agent: %w", err)
	}
	return client, closer, true, nil
}

// failSandbox applies the failed-run policy: the runner is closed, evicted
// and the session locked, in memory and in the store. Cancelled runs do not
// come through here.
func (t *Turn) failSandbox(ctx context.Context, sess *store.Session, sandboxed bool) {
	if sandboxed {
		t.r.sandboxes.CloseAndLock(ctx, sess.ID)
		sess.IsLocked = true
	}
}

// consume iterates the agent's event stream, converting it into wire events
// and conversation blocks with the streaming-vs-batch deduplication rule:
// once any delta of a kind has been emitted, the terminal consolidated block
// of that kind is dropped from emission and persistence. The returned
// conversation is ready to insert; it is nil when there is nothing to
// persist (cancelled or empty turns).
func (t *Turn) consume(ctx context.Context, client *claude.Client, sess *store.Session, sandboxed bool) (*Result, *store.Conversation, error) {
	var (
		blocks           []*store.ConversationBlock
		textStreamed     bool
		thinkingStreamed bool
		streamedThinking strings.Builder
		toolNames        []string
		toolNameByID     = map[string]string{}
		toolCount        int
		sawFirstToken    bool
		ttft             time.Duration
		thinkingMS       int64
		thinkingStart    time.Time
		claudeSessionID  = sess.ClaudeSessionID
		resultText       string
		doneSeen         bool
		runErr           error
	)

	start := time.Now()
	emit := t.emitFunc()

	markFirstToken := func(content string) {
		if !sawFirstToken && content != "" {
			sawFirstToken = true
			ttft = time.Since(start)
		}
	}
	closeThinkingSpan := func() {
		if !thinkingStart.IsZero() {
			thinkingMS += time.Since(thinkingStart).Milliseconds()
			thinkingStart = time.Time{}
		}
	}

	events := client.Events()
loop:
	for {
		var ev claude.Event
		var ok bool
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case ev, ok = <-events:
			if !ok {
				break loop
			}
		}

		if t.cancelled.Load() && ev.Type != claude.EventDone {
			continue
		}

		switch ev.Type {
		case claude.EventTextDelta:
			textStreamed = true
			markFirstToken(ev.Text)
			closeThinkingSpan()
			appendTextMerged(&blocks, ev.Text)
			emit(wire.EventText, wire.TextData{Text: ev.Text})

		case claude.EventText:
			if textStreamed {
				continue
			}
			markFirstToken(ev.Text)
			closeThinkingSpan()
			blocks = append(blocks, &store.ConversationBlock{BlockType: store.BlockText, TextContent: ev.Text})
			emit(wire.EventText, wire.TextData{Text: ev.Text})

		case claude.EventThinkingDelta:
			thinkingStreamed = true
			markFirstToken(ev.Thinking)
			if thinkingStart.IsZero() {
				thinkingStart = time.Now()
			}
			streamedThinking.WriteString(ev.Thinking)
			emit(wire.EventThinking, wire.TextData{Text: ev.Thinking})

		case claude.EventThinking:
			if thinkingStreamed {
				continue
			}
			markFirstToken(ev.Thinking)
			blocks = append(blocks, &store.ConversationBlock{BlockType: store.BlockThinking, TextContent: ev.Thinking})
			emit(wire.EventThinking, wire.TextData{Text: ev.Thinking})

		case claude.EventToolUse:
			closeThinkingSpan()
			toolCount++
			toolNames = append(toolNames, ev.ToolName)
			toolNameByID[ev.ToolID] = ev.ToolName
			blocks = append(blocks, &store.ConversationBlock{
				BlockType: store.BlockToolUse,
				ToolUseID: ev.ToolID,
				ToolName:  ev.ToolName,
				ToolInput: ev.ToolInput,
			})
			emit(wire.EventToolUse, wire.ToolUseData{ID: ev.ToolID, Name: ev.ToolName, Input: ev.ToolInput})

		case claude.EventToolResult:
			blocks = append(blocks, &store.ConversationBlock{
				BlockType:   store.BlockToolResult,
				ToolUseID:   ev.ToolUseID,
				TextContent: ev.Content,
				IsError:     ev.IsError,
			})
			emit(wire.EventToolResult, wire.ToolResultData{
				ToolUseID: ev.ToolUseID,
				Name:      toolNameByID[ev.ToolUseID],
				Output:    ev.Content,
				IsError:   ev.IsError,
			})

		case claude.EventSessionID:
			claudeSessionID = ev.SessionID
			if err := t.r.st.SetClaudeSessionID(ctx, sess.ID, ev.SessionID); err != nil {
				t.r.logger.Warn("failed to persist agent session id", zap.Error(err))
			}
			if sandboxed {
				t.r.sandboxes.SetClaudeSessionID(sess.ID, ev.SessionID)
			}
			sess.ClaudeSessionID = ev.SessionID

		case claude.EventError:
			if runErr == nil {
				runErr = fmt.Errorf("agent error: %s", ev.Err)
			}

		case claude.EventDone:
			doneSeen = true
			closeThinkingSpan()
			resultText = ev.ResultText
			if ev.IsError && runErr == nil {
				msg := ev.ResultText
				if msg == "" {
					msg = "agent reported an error"
				}
				runErr = fmt.Errorf("agent error: %s", msg)
			}
			break loop
		}
	}

	duration := time.Since(start)
	cancelled := t.cancelled.Load()

	if runErr == nil && !doneSeen && !cancelled {
		runErr = fmt.Errorf("agent stream ended unexpectedly")
	}
	if runErr != nil && !cancelled {
		return nil, nil, runErr
	}

	// Accumulated streamed thinking persists as one block at the head:
	// thinking precedes the final text.
	if thinkingStreamed && streamedThinking.Len() > 0 {
		head := &store.ConversationBlock{BlockType: store.BlockThinking, TextContent: streamedThinking.String()}
		blocks = append([]*store.ConversationBlock{head}, blocks...)
	}

	responseText := joinTextBlocks(blocks)
	if responseText == "" && resultText != "" {
		// No streamed or consolidated text arrived; the terminal result is
		// the response.
		responseText = resultText
		blocks = append(blocks, &store.ConversationBlock{BlockType: store.BlockText, TextContent: resultText})
	}

	var structured map[string]interface{}
	if sess.OutputFormat != nil && responseText != "" {
		if err := json.Unmarshal([]byte(llm.ExtractJSON(responseText)), &structured); err != nil {
			t.r.logger.Warn("response did not match the session output format", zap.Error(err))
			structured = nil
		}
	}

	result := &Result{
		ResponseText:     responseText,
		ToolCount:        toolCount,
		TimeToFirstToken: ttft,
		Duration:         duration,
		StructuredOutput: structured,
		ClaudeSessionID:  claudeSessionID,
		Cancelled:        cancelled,
	}

	emit(wire.EventDone, wire.DoneData{
		ResponseText: responseText,
		ToolCount:    toolCount,
		Timings: wire.Timings{
			TimeToFirstToken: ttft.Milliseconds(),
			ResponseTime:     duration.Milliseconds(),
		},
		StructuredOutput: structuredOrNil(structured),
	})

	if cancelled || len(blocks) == 0 {
		return result, nil, nil
	}

	ttftMS := ttft.Milliseconds()
	responseMS := duration.Milliseconds()
	conv := &store.Conversation{
		SessionID:   sess.ID,
		Role:        store.RoleAssistant,
		Timestamp:   time.Now().UTC(),
		Personality: sess.Personality,
		Medium:      sess.Medium,
		UserID:      sess.UserID,
		Metrics: store.TurnMetrics{
			TTFTMs:     &ttftMS,
			ResponseMs: &responseMS,
			ToolUses:   toolCount,
			ToolNames:  toolNames,
		},
		PromptSummary: responseText,
		Blocks:        blocks,
	}
	if thinkingMS > 0 {
		conv.Metrics.ThinkingMs = &thinkingMS
	}

	return result, conv, nil
}

// afterTurn runs the fire-and-forget post-completion effects. Failures log
// and never surface to the client.
func (r *Runner) afterTurn(sess *store.Session, surfacedID, prompt string, result *Result) {
	sessionID := sess.ID
	medium := sess.Medium
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if surfacedID != "" && result.ResponseText != "" {
			if err := r.st.MarkFindingCited(ctx, sessionID, surfacedID); err != nil {
				r.logger.Warn("failed to mark finding cited", zap.Error(err))
			}
		}

		if r.stimuli != nil {
			r.stimuli.BufferStimulus(ctx, sessionID, emotion.Stimulus{
				Type:    "user_message",
				Payload: prompt,
				Context: "assistant replied: " + truncate(result.ResponseText, 200),
			})
		}

		if err := r.st.TouchSession(ctx, sessionID, time.Now().UTC()); err != nil {
			r.logger.Warn("failed to touch session", zap.Error(err))
		}

		if r.publisher != nil {
			event := bus.NewEvent(events.TurnCompleted, "session", map[string]interface{}{
				"session_id":  sessionID,
				"medium":      medium,
				"tool_count":  result.ToolCount,
				"response_ms": result.Duration.Milliseconds(),
			})
			if err := r.publisher.Publish(ctx, events.BuildTurnCompletedSubject(sessionID), event); err != nil {
				r.logger.Warn("failed to publish turn event", zap.Error(err))
			}
		}
	}()
}

func (t *Turn) emitFunc() func(eventType string, data interface{}) {
	if t.req.Sink == nil {
		return func(string, interface{}) {}
	}
	return t.req.Sink.Emit
}

// appendTextMerged appends delta text, merging into a trailing text block.
func appendTextMerged(blocks *[]*store.ConversationBlock, text string) {
	if n := len(*blocks); n > 0 && (*blocks)[n-1].BlockType == store.BlockText {
		(*blocks)[n-1].TextContent += text
		return
	}
	*blocks = append(*blocks, &store.ConversationBlock{BlockType: store.BlockText, TextContent: text})
}

func joinTextBlocks(blocks []*store.ConversationBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.BlockType == store.BlockText {
			b.WriteString(block.TextContent)
		}
	}
	return b.String()
}

func structuredOrNil(m map[string]interface{}) interface{} {
	if m == nil {
		return nil
	}
	return m
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
