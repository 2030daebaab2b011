package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/animadev/anima/internal/common/config"
	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/emotion"
	"github.com/animadev/anima/internal/events/bus"
	"github.com/animadev/anima/internal/sandbox"
	"github.com/animadev/anima/internal/store"
	"github.com/animadev/anima/pkg/claude"
	"github.com/animadev/anima/pkg/wire"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

// lockedBuffer guards Write/Bytes across goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

type fakeTurnStore struct {
	mu            sync.Mutex
	conversations []*store.Conversation
	claudeIDs     map[string]string
	touched       int
	finding       *store.Finding
	findingErr    error
	surfaced      []string
	cited         []string
	insertErr     error
}

func (f *fakeTurnStore) InsertConversation(_ context.Context, conv *store.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil && conv.Role == store.RoleAssistant {
		return f.insertErr
	}
	f.conversations = append(f.conversations, conv)
	return nil
}

func (f *fakeTurnStore) SetClaudeSessionID(_ context.Context, id, claudeSessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claudeIDs == nil {
		f.claudeIDs = map[string]string{}
	}
	f.claudeIDs[id] = claudeSessionID
	return nil
}

func (f *fakeTurnStore) TouchSession(_ context.Context, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched++
	return nil
}

func (f *fakeTurnStore) NextFindingForSession(_ context.Context, _ string, _ time.Duration) (*store.Finding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finding, f.findingErr
}

func (f *fakeTurnStore) MarkFindingSurfaced(_ context.Context, findingID, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.surfaced = append(f.surfaced, findingID)
	return nil
}

func (f *fakeTurnStore) MarkFindingCited(_ context.Context, _, findingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cited = append(f.cited, findingID)
	return nil
}

func (f *fakeTurnStore) byRole(role store.Role) []*store.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Conversation
	for _, c := range f.conversations {
		if c.Role == role {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTurnStore) citedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cited)
}

func (f *fakeTurnStore) touchedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.touched
}

// scriptedRunner plays a canned stream-json script as the agent.
type scriptedRunner struct {
	script   io.Reader
	stdin    lockedBuffer
	mu       sync.Mutex
	opts     claude.Options
	closed   bool
	startErr error
}

func (r *scriptedRunner) StartQuery(ctx context.Context, opts claude.Options) (*claude.Client, func() error, error) {
	if r.startErr != nil {
		return nil, nil, r.startErr
	}
	r.mu.Lock()
	r.opts = opts
	r.mu.Unlock()

	client := claude.NewClient(&r.stdin, r.script, newTestLogger())
	client.Start(ctx)
	return client, func() error {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		client.Stop()
		return nil
	}, nil
}

func (r *scriptedRunner) Close(context.Context) error { return nil }

func (r *scriptedRunner) startOpts() claude.Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts
}

// sentPrompt decodes the user message the runner wrote to the agent's stdin.
func (r *scriptedRunner) sentPrompt(t *testing.T) string {
	t.Helper()
	for _, line := range bytes.Split(r.stdin.Bytes(), []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg claude.UserMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Type == claude.MessageTypeUser {
			return msg.Message.Content
		}
	}
	t.Fatal("no user message was sent to the agent")
	return ""
}

type fakeSandboxes struct {
	mu        sync.Mutex
	entry     *sandbox.SandboxSession
	ensureErr error
	available bool
	begin     int
	end       int
	locked    []string
	claudeIDs map[string]string
}

func (f *fakeSandboxes) Available() bool { return f.available }

func (f *fakeSandboxes) Ensure(_ context.Context, _ *store.Session) (*sandbox.SandboxSession, error) {
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	return f.entry, nil
}

func (f *fakeSandboxes) BeginQuery(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begin++
}

func (f *fakeSandboxes) EndQuery(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.end++
}

func (f *fakeSandboxes) SetClaudeSessionID(sessionID, claudeSessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claudeIDs == nil {
		f.claudeIDs = map[string]string{}
	}
	f.claudeIDs[sessionID] = claudeSessionID
}

func (f *fakeSandboxes) CloseAndLock(_ context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = append(f.locked, sessionID)
}

func (f *fakeSandboxes) lockedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.locked...)
}

type fakeStimuli struct {
	mu      sync.Mutex
	stimuli []emotion.Stimulus
}

func (f *fakeStimuli) BufferStimulus(_ context.Context, _ string, stim emotion.Stimulus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stimuli = append(f.stimuli, stim)
}

func (f *fakeStimuli) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stimuli)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (f *fakePublisher) Publish(_ context.Context, _ string, event *bus.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type sinkEvent struct {
	Type string
	Data interface{}
}

type collectSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *collectSink) Emit(eventType string, data interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{Type: eventType, Data: data})
}

func (s *collectSink) byType(eventType string) []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sinkEvent
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (s *collectSink) all() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkEvent{}, s.events...)
}

func testRunnerConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Agent.Binary = "mock-agent"
	cfg.Sandbox.FallbackDir = "/var/lib/anima/chat"
	cfg.Findings.SurfaceWindow = 168
	return cfg
}

func sandboxSession() *store.Session {
	return &store.Session{
		ID:          "sess-1",
		WorkingDir:  "/work",
		Personality: "warm",
		Medium:      "code",
		UserID:      "user-1",
		SandboxMode: true,
	}
}

func newRunnerHarness(t *testing.T, script string) (*Runner, *fakeTurnStore, *fakeSandboxes, *scriptedRunner, *fakeStimuli, *fakePublisher) {
	t.Helper()
	st := &fakeTurnStore{}
	agent := &scriptedRunner{script: strings.NewReader(script)}
	boxes := &fakeSandboxes{
		available: true,
		entry:     &sandbox.SandboxSession{SessionID: "sess-1", Runner: agent},
	}
	stim := &fakeStimuli{}
	pub := &fakePublisher{}
	r := NewRunner(st, boxes, stim, pub, nil, testRunnerConfig(), newTestLogger())
	return r, st, boxes, agent, stim, pub
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

const happyScript = `{"type":"system","subtype":"init","session_id":"cs-1"}
{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}}
{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hello"}]}}
{"type":"result","subtype":"success","is_error":false,"duration_ms":100,"num_turns":1,"result":"Hello"}
`

func TestTurn_SandboxedHappyPath(t *testing.T) {
	r, st, boxes, agent, stim, pub := newRunnerHarness(t, happyScript)
	sink := &collectSink{}

	turn := r.NewTurn(Request{Session: sandboxSession(), Prompt: "hello", Sink: sink})
	result, err := turn.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Cancelled {
		t.Error("happy path should not be cancelled")
	}
	if result.ResponseText != "Hello" {
		t.Errorf("response = %q, want Hello", result.ResponseText)
	}
	if result.ClaudeSessionID != "cs-1" {
		t.Errorf("claude session id = %q, want cs-1", result.ClaudeSessionID)
	}

	// Both turns persisted; the user turn first with the raw prompt.
	users := st.byRole(store.RoleUser)
	if len(users) != 1 || len(users[0].Blocks) != 1 || users[0].Blocks[0].TextContent != "hello" {
		t.Fatalf("unexpected user turns: %+v", users)
	}
	assistants := st.byRole(store.RoleAssistant)
	if len(assistants) != 1 {
		t.Fatalf("expected one assistant turn, got %d", len(assistants))
	}
	turnConv := assistants[0]

	// Streamed deltas merge into one text block; the consolidated
	// duplicate is dropped.
	if len(turnConv.Blocks) != 1 || turnConv.Blocks[0].BlockType != store.BlockText {
		t.Fatalf("unexpected blocks: %+v", turnConv.Blocks)
	}
	if turnConv.Blocks[0].TextContent != "Hello" {
		t.Errorf("merged text = %q, want Hello", turnConv.Blocks[0].TextContent)
	}
	if turnConv.PromptSummary != "Hello" {
		t.Errorf("prompt summary = %q", turnConv.PromptSummary)
	}
	if turnConv.Metrics.ResponseMs == nil || turnConv.Metrics.TTFTMs == nil {
		t.Error("expected timing metrics on the assistant turn")
	}

	// Exactly two text events (the deltas) then done.
	texts := sink.byType(wire.EventText)
	if len(texts) != 2 {
		t.Fatalf("expected 2 text events, got %d: %+v", len(texts), sink.all())
	}
	dones := sink.byType(wire.EventDone)
	if len(dones) != 1 {
		t.Fatalf("expected 1 done event, got %d", len(dones))
	}
	done := dones[0].Data.(wire.DoneData)
	if done.ResponseText != "Hello" || done.ToolCount != 0 {
		t.Errorf("done = %+v", done)
	}

	// Sandbox bookkeeping and agent session id propagation.
	if boxes.begin != 1 || boxes.end != 1 {
		t.Errorf("begin/end = %d/%d, want 1/1", boxes.begin, boxes.end)
	}
	if st.claudeIDs["sess-1"] != "cs-1" || boxes.claudeIDs["sess-1"] != "cs-1" {
		t.Errorf("claude session id not propagated: store=%v sandbox=%v", st.claudeIDs, boxes.claudeIDs)
	}
	if !agent.closed {
		t.Error("agent run should be closed after the turn")
	}

	// Post-completion side effects are async.
	waitFor(t, "stimulus", func() bool { return stim.count() == 1 })
	waitFor(t, "touch", func() bool { return st.touchedCount() == 1 })
	waitFor(t, "bus event", func() bool { return pub.count() == 1 })
}

const dedupScript = `{"type":"system","subtype":"init","session_id":"cs-2"}
{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}}
{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"Hel"},{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"ls"}}]}}
{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","content":"file.txt"}]}}
{"type":"result","subtype":"success","is_error":false,"duration_ms":100,"num_turns":2,"result":"Hel"}
`

func TestTurn_StreamingDeduplication(t *testing.T) {
	r, st, _, _, _, _ := newRunnerHarness(t, dedupScript)
	sink := &collectSink{}

	turn := r.NewTurn(Request{Session: sandboxSession(), Prompt: "run ls", Sink: sink})
	result, err := turn.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// One thinking event (the delta) and one text event (the delta); the
	// consolidated duplicates are suppressed.
	if n := len(sink.byType(wire.EventThinking)); n != 1 {
		t.Errorf("expected 1 thinking event, got %d", n)
	}
	if n := len(sink.byType(wire.EventText)); n != 1 {
		t.Errorf("expected 1 text event, got %d", n)
	}
	if n := len(sink.byType(wire.EventToolUse)); n != 1 {
		t.Errorf("expected 1 tool_use event, got %d", n)
	}
	if n := len(sink.byType(wire.EventToolResult)); n != 1 {
		t.Errorf("expected 1 tool_result event, got %d", n)
	}
	if result.ToolCount != 1 {
		t.Errorf("tool count = %d, want 1", result.ToolCount)
	}

	// Streamed thinking lands at the head of the persisted block list.
	assistants := st.byRole(store.RoleAssistant)
	if len(assistants) != 1 {
		t.Fatalf("expected one assistant turn, got %d", len(assistants))
	}
	blocks := assistants[0].Blocks
	wantTypes := []store.BlockType{store.BlockThinking, store.BlockText, store.BlockToolUse, store.BlockToolResult}
	if len(blocks) != len(wantTypes) {
		t.Fatalf("expected %d blocks, got %d: %+v", len(wantTypes), len(blocks), blocks)
	}
	for i, want := range wantTypes {
		if blocks[i].BlockType != want {
			t.Errorf("block[%d] = %s, want %s", i, blocks[i].BlockType, want)
		}
	}
	if blocks[0].TextContent != "hmm" {
		t.Errorf("thinking head = %q, want hmm", blocks[0].TextContent)
	}
	if blocks[2].ToolUseID != "tu_1" || blocks[3].ToolUseID != "tu_1" {
		t.Error("tool blocks should carry the tool use id")
	}
	if assistants[0].Metrics.ToolUses != 1 || len(assistants[0].Metrics.ToolNames) != 1 {
		t.Errorf("unexpected tool metrics: %+v", assistants[0].Metrics)
	}
}

func TestTurn_FindingSurfacedAndCited(t *testing.T) {
	r, st, _, agent, _, _ := newRunnerHarness(t, happyScript)
	st.finding = &store.Finding{ID: "f1", Finding: "the nightly build got 20% faster"}
	sink := &collectSink{}

	turn := r.NewTurn(Request{Session: sandboxSession(), Prompt: "hello", Sink: sink})
	if _, err := turn.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The agent prompt carries the wrapped finding; the persisted user
	// block does not.
	sent := agent.sentPrompt(t)
	if !strings.Contains(sent, "nightly build") || !strings.HasSuffix(sent, "hello") {
		t.Errorf("unexpected agent prompt: %q", sent)
	}
	users := st.byRole(store.RoleUser)
	if users[0].Blocks[0].TextContent != "hello" {
		t.Errorf("persisted prompt = %q, want hello", users[0].Blocks[0].TextContent)
	}

	if len(st.surfaced) != 1 || st.surfaced[0] != "f1" {
		t.Errorf("surfaced = %v, want [f1]", st.surfaced)
	}
	waitFor(t, "citation", func() bool { return st.citedCount() == 1 })
}

func TestTurn_FindingFailureIsNonFatal(t *testing.T) {
	r, st, _, agent, _, _ := newRunnerHarness(t, happyScript)
	st.findingErr = errors.New("findings table busy")

	turn := r.NewTurn(Request{Session: sandboxSession(), Prompt: "hello"})
	if _, err := turn.Run(context.Background()); err != nil {
		t.Fatalf("Run should survive a finding lookup failure: %v", err)
	}
	if got := agent.sentPrompt(t); got != "hello" {
		t.Errorf("prompt = %q, want the original", got)
	}
}

func TestTurn_SandboxStartFailureLocksSession(t *testing.T) {
	r, st, boxes, _, _, _ := newRunnerHarness(t, happyScript)
	boxes.ensureErr = errors.New("image pull failed")

	turn := r.NewTurn(Request{Session: sandboxSession(), Prompt: "hello"})
	_, err := turn.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := boxes.lockedSessions(); len(got) != 1 || got[0] != "sess-1" {
		t.Errorf("locked = %v, want [sess-1]", got)
	}
	// The user turn persisted before the sandbox was touched.
	if len(st.byRole(store.RoleUser)) != 1 {
		t.Error("user turn should be persisted before sandbox start")
	}
	if len(st.byRole(store.RoleAssistant)) != 0 {
		t.Error("no assistant turn on a failed run")
	}
}

func TestTurn_AgentStartFailureLocksSession(t *testing.T) {
	r, _, boxes, agent, _, _ := newRunnerHarness(t, happyScript)
	agent.startErr = errors.New("exec failed")

	turn := r.NewTurn(Request{Session: sandboxSession(), Prompt: "hello"})
	if _, err := turn.Run(context.Background()); err == nil {
		t.Fatal("expected an error")
	}
	if got := boxes.lockedSessions(); len(got) != 1 {
		t.Errorf("locked = %v, want one session", got)
	}
	if boxes.begin != 1 || boxes.end != 1 {
		t.Errorf("begin/end = %d/%d, refcount must not leak", boxes.begin, boxes.end)
	}
}

func TestTurn_LockedSandboxEntry(t *testing.T) {
	r, _, boxes, _, _, _ := newRunnerHarness(t, happyScript)
	boxes.entry.IsLocked = true

	turn := r.NewTurn(Request{Session: sandboxSession(), Prompt: "hello"})
	_, err := turn.Run(context.Background())
	if !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("err = %v, want ErrSessionLocked", err)
	}
}

func TestTurn_SandboxUnavailable(t *testing.T) {
	r, _, boxes, _, _, _ := newRunnerHarness(t, happyScript)
	boxes.available = false

	turn := r.NewTurn(Request{Session: sandboxSession(), Prompt: "hello"})
	if _, err := turn.Run(context.Background()); err == nil {
		t.Fatal("expected an error when no runtime is available")
	}
}

const errorScript = `{"type":"system","subtype":"init","session_id":"cs-3"}
{"type":"result","subtype":"error_during_execution","is_error":true,"duration_ms":50,"num_turns":1,"result":"backend exploded"}
`

func TestTurn_AgentErrorLocksSandbox(t *testing.T) {
	r, st, boxes, _, stim, _ := newRunnerHarness(t, errorScript)

	turn := r.NewTurn(Request{Session: sandboxSession(), Prompt: "hello"})
	_, err := turn.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "backend exploded") {
		t.Fatalf("err = %v, want the agent error", err)
	}
	if got := boxes.lockedSessions(); len(got) != 1 {
		t.Errorf("failed run should lock the session, locked = %v", got)
	}
	if len(st.byRole(store.RoleAssistant)) != 0 {
		t.Error("no assistant turn on a failed run")
	}
	if stim.count() != 0 {
		t.Error("no post-completion effects on a failed run")
	}
}

func TestTurn_CancelBeforeStart(t *testing.T) {
	r, st, _, _, stim, _ := newRunnerHarness(t, happyScript)
	sink := &collectSink{}

	turn := r.NewTurn(Request{Session: sandboxSession(), Prompt: "hello", Sink: sink})
	turn.Cancel(context.Background())

	result, err := turn.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Cancelled {
		t.Error("expected a cancelled result")
	}
	if len(st.byRole(store.RoleAssistant)) != 0 {
		t.Error("no assistant turn for a cancelled query")
	}
	if stim.count() != 0 {
		t.Error("no post-completion effects for a cancelled query")
	}
}

func TestTurn_CancelMidStream(t *testing.T) {
	pr, pw := io.Pipe()
	r, st, boxes, _, stim, _ := newRunnerHarness(t, "")
	agent := &scriptedRunner{script: pr}
	boxes.entry.Runner = agent
	sink := &collectSink{}

	turn := r.NewTurn(Request{Session: sandboxSession(), Prompt: "hello", Sink: sink})

	done := make(chan struct{})
	var result *Result
	var runErr error
	go func() {
		defer close(done)
		result, runErr = turn.Run(context.Background())
	}()

	lines := []string{
		`{"type":"system","subtype":"init","session_id":"cs-4"}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"part"}}}`,
	}
	for _, line := range lines {
		if _, err := io.WriteString(pw, line+"\n"); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	waitFor(t, "first text event", func() bool { return len(sink.byType(wire.EventText)) == 1 })

	cancelCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	turn.Cancel(cancelCtx)
	cancel()

	// Events after the cancel are suppressed; the terminal done passes.
	post := []string{
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ignored"}}}`,
		`{"type":"result","subtype":"success","is_error":false,"duration_ms":10,"num_turns":1,"result":"part"}`,
	}
	for _, line := range post {
		if _, err := io.WriteString(pw, line+"\n"); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	pw.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish")
	}

	if runErr != nil {
		t.Fatalf("cancelled run should not error: %v", runErr)
	}
	if !result.Cancelled {
		t.Error("expected a cancelled result")
	}
	if n := len(sink.byType(wire.EventText)); n != 1 {
		t.Errorf("post-cancel text should be suppressed, got %d text events", n)
	}
	if n := len(sink.byType(wire.EventDone)); n != 1 {
		t.Errorf("done should pass through, got %d", n)
	}
	if len(st.byRole(store.RoleAssistant)) != 0 {
		t.Error("no assistant turn for a cancelled query")
	}
	if stim.count() != 0 {
		t.Error("no post-completion effects for a cancelled query")
	}
	if len(boxes.lockedSessions()) != 0 {
		t.Error("a cancelled query must not lock the session")
	}
}

const structuredScript = `{"type":"system","subtype":"init","session_id":"cs-5"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"` + "```json\\n{\\\"answer\\\": 42}\\n```" + `"}]}}
{"type":"result","subtype":"success","is_error":false,"duration_ms":10,"num_turns":1,"result":""}
`

func TestTurn_StructuredOutput(t *testing.T) {
	r, _, _, _, _, _ := newRunnerHarness(t, structuredScript)
	sess := sandboxSession()
	sess.OutputFormat = &store.OutputFormat{
		Type:   "json_schema",
		Schema: map[string]interface{}{"type": "object"},
	}
	sink := &collectSink{}

	turn := r.NewTurn(Request{Session: sess, Prompt: "answer", Sink: sink})
	result, err := turn.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.StructuredOutput == nil || result.StructuredOutput["answer"] != float64(42) {
		t.Errorf("structured output = %v", result.StructuredOutput)
	}
	done := sink.byType(wire.EventDone)[0].Data.(wire.DoneData)
	if done.StructuredOutput == nil {
		t.Error("done event should carry the structured output")
	}
}

func TestTurn_ResumesAgentSession(t *testing.T) {
	r, _, boxes, agent, _, _ := newRunnerHarness(t, happyScript)
	boxes.entry.ClaudeSessionID = "cs-old"

	turn := r.NewTurn(Request{Session: sandboxSession(), Prompt: "hello"})
	if _, err := turn.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := agent.startOpts().ResumeSessionID; got != "cs-old" {
		t.Errorf("resume id = %q, want cs-old", got)
	}
}

func TestTurn_PersistFailureIsRecoverable(t *testing.T) {
	r, st, boxes, _, _, _ := newRunnerHarness(t, happyScript)
	st.insertErr = errors.New("disk full")

	turn := r.NewTurn(Request{Session: sandboxSession(), Prompt: "hello"})
	if _, err := turn.Run(context.Background()); err == nil {
		t.Fatal("expected a persistence error")
	}
	// The agent run itself succeeded: the sandbox stays up.
	if len(boxes.lockedSessions()) != 0 {
		t.Error("a persistence failure must not lock the session")
	}
}

func TestRunner_BuildOptions(t *testing.T) {
	r, _, _, _, _, _ := newRunnerHarness(t, happyScript)

	sess := &store.Session{
		ID:          "sess-2",
		WorkingDir:  "virtual://chat/user-1",
		Personality: "warm",
		Medium:      "chat",
		Model:       "claude-test",
		Env:         map[string]string{"B": "2", "A": "1"},
		OutputFormat: &store.OutputFormat{
			Type:   "json_schema",
			Schema: map[string]interface{}{"type": "object"},
		},
	}

	opts, err := r.buildOptions(context.Background(), sess)
	if err != nil {
		t.Fatalf("buildOptions failed: %v", err)
	}
	if opts.WorkingDir != "/var/lib/anima/chat" {
		t.Errorf("virtual scheme should map to the fallback dir, got %q", opts.WorkingDir)
	}
	if opts.Model != "claude-test" || opts.Binary != "mock-agent" {
		t.Errorf("opts = %+v", opts)
	}
	if len(opts.Env) != 2 || opts.Env[0] != "A=1" || opts.Env[1] != "B=2" {
		t.Errorf("env should be sorted KEY=VALUE pairs, got %v", opts.Env)
	}
	if !strings.Contains(opts.OutputFormat, `"type":"object"`) {
		t.Errorf("output format = %q", opts.OutputFormat)
	}
	if !strings.Contains(opts.SystemPrompt, "warm") {
		t.Error("system prompt should carry the personality fragment")
	}
}

func TestStateContext_BuildContext(t *testing.T) {
	b := NewStateContext(nil)

	sess := &store.Session{ID: "sess-3", Summary: "talked about the garden"}
	got, err := b.BuildContext(context.Background(), sess)
	if err != nil {
		t.Fatalf("BuildContext failed: %v", err)
	}
	if !strings.Contains(got, "talked about the garden") {
		t.Errorf("context = %q", got)
	}

	empty, err := b.BuildContext(context.Background(), &store.Session{ID: "sess-4"})
	if err != nil || empty != "" {
		t.Errorf("empty session should build empty context, got %q err %v", empty, err)
	}
}
