package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/animadev/anima/internal/common/logger"
)

type stubMessages struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
	calls      int
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	s.calls++
	return s.resp, s.err
}

func newTestClient(stub *stubMessages) *Client {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return &Client{
		msg:       stub,
		model:     "claude-haiku-4-5",
		maxTokens: 256,
		hasKey:    true,
		logger:    log,
	}
}

func textReply(text string) *sdk.Message {
	return &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: text}},
		StopReason: sdk.StopReasonEndTurn,
	}
}

func TestComplete(t *testing.T) {
	stub := &stubMessages{resp: textReply("hello back")}
	c := newTestClient(stub)

	out, err := c.Complete(context.Background(), "be brief", "hello")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "hello back" {
		t.Errorf("expected %q, got %q", "hello back", out)
	}
	if len(stub.lastParams.System) != 1 || stub.lastParams.System[0].Text != "be brief" {
		t.Errorf("system prompt not passed: %+v", stub.lastParams.System)
	}
	if stub.lastParams.Model != "claude-haiku-4-5" {
		t.Errorf("unexpected model %q", stub.lastParams.Model)
	}
}

func TestComplete_NoKey(t *testing.T) {
	c := newTestClient(&stubMessages{})
	c.hasKey = false

	if _, err := c.Complete(context.Background(), "", "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestComplete_AuthLatch(t *testing.T) {
	stub := &stubMessages{err: errors.New("401 authentication_error: invalid x-api-key")}
	c := newTestClient(stub)

	if _, err := c.Complete(context.Background(), "", "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on auth failure, got %v", err)
	}
	if !c.AuthFailed() {
		t.Error("auth latch did not trip")
	}

	// Later calls short-circuit without hitting the API.
	if _, err := c.Complete(context.Background(), "", "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after latch, got %v", err)
	}
	if stub.calls != 1 {
		t.Errorf("expected 1 API call, got %d", stub.calls)
	}
}

func TestComplete_NonAuthErrorDoesNotLatch(t *testing.T) {
	stub := &stubMessages{err: errors.New("overloaded_error")}
	c := newTestClient(stub)

	_, err := c.Complete(context.Background(), "", "x")
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected plain error, got %v", err)
	}
	if c.AuthFailed() {
		t.Error("transient error must not trip the auth latch")
	}
}

func TestStructured(t *testing.T) {
	stub := &stubMessages{resp: textReply("```json\n{\"mood\": \"curious\", \"score\": 7}\n```")}
	c := newTestClient(stub)

	var out struct {
		Mood  string  `json:"mood"`
		Score float64 `json:"score"`
	}
	schema := map[string]interface{}{"type": "object"}
	if err := c.Structured(context.Background(), "", "how do you feel", schema, &out); err != nil {
		t.Fatalf("Structured: %v", err)
	}
	if out.Mood != "curious" || out.Score != 7 {
		t.Errorf("unexpected decode: %+v", out)
	}

	// The schema travels inside the prompt.
	sent := stub.lastParams.Messages[0]
	raw, _ := sent.MarshalJSON()
	if !strings.Contains(string(raw), "\\\"type\\\"") && !strings.Contains(string(raw), "\"type\"") {
		t.Errorf("schema missing from prompt: %s", raw)
	}
}

func TestStructured_InvalidReply(t *testing.T) {
	stub := &stubMessages{resp: textReply("sorry, I cannot do that")}
	c := newTestClient(stub)

	var out map[string]interface{}
	err := c.Structured(context.Background(), "", "x", map[string]interface{}{}, &out)
	if err == nil {
		t.Fatal("expected decode error for non-JSON reply")
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tc := range cases {
		if got := ExtractJSON(tc.in); got != tc.want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
