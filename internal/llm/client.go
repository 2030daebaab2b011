// Package llm wraps the Anthropic Messages API for the daemon's auxiliary
// model calls: structured appraisal, summarization, and plain completions.
// These are small one-shot requests, distinct from the interactive agent
// backend.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/config"
	"github.com/animadev/anima/internal/common/logger"
)

// ErrUnavailable is returned when no API key is configured or a previous
// call failed authentication.
var ErrUnavailable = errors.New("llm client unavailable")

const apiKeyEnv = "ANTHROPIC_API_KEY"

// MessagesClient captures the subset of the Anthropic SDK used here.
// Satisfied by *sdk.MessageService; tests pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client issues auxiliary model calls. Authentication failures latch: once a
// call fails auth, every later call short-circuits with ErrUnavailable until
// the daemon restarts.
type Client struct {
	msg        MessagesClient
	model      string
	maxTokens  int64
	hasKey     bool
	authFailed atomic.Bool
	logger     *logger.Logger
}

// New creates the client. The API key is read from ANTHROPIC_API_KEY; when it
// is absent the client is constructed but reports unavailable.
func New(cfg config.LLMConfig, log *logger.Logger) *Client {
	ac := sdk.NewClient() // picks up ANTHROPIC_API_KEY from the environment

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	return &Client{
		msg:       &ac.Messages,
		model:     cfg.Model,
		maxTokens: maxTokens,
		hasKey:    os.Getenv(apiKeyEnv) != "",
		logger:    log.WithFields(zap.String("component", "llm")),
	}
}

// Available reports whether calls can be attempted.
func (c *Client) Available() bool {
	return c.hasKey && !c.authFailed.Load()
}

// AuthFailed reports whether the auth latch has tripped.
func (c *Client) AuthFailed() bool {
	return c.authFailed.Load()
}

// Complete sends one user prompt with an optional system prompt and returns
// the concatenated text of the reply.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	if !c.Available() {
		return "", ErrUnavailable
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isAuthError(err) {
			c.authFailed.Store(true)
			c.logger.Error("authentication failed, disabling llm calls", zap.Error(err))
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return "", fmt.Errorf("llm completion failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// structuredNote is appended to prompts that must return machine-readable
// output.
const structuredNote = "\n\nRespond with a single JSON object conforming to this JSON schema and nothing else:\n"

// Structured sends a prompt that must answer with JSON matching schema and
// decodes the reply into out. Fenced code blocks around the JSON are
// tolerated.
func (c *Client) Structured(ctx context.Context, system, prompt string, schema map[string]interface{}, out interface{}) error {
	schemaText, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}

	reply, err := c.Complete(ctx, system, prompt+structuredNote+string(schemaText))
	if err != nil {
		return err
	}

	jsonText := ExtractJSON(reply)
	if err := json.Unmarshal([]byte(jsonText), out); err != nil {
		return fmt.Errorf("structured reply is not valid JSON: %w", err)
	}
	return nil
}

// Summarize condenses text into one or two sentences.
func (c *Client) Summarize(ctx context.Context, text string) (string, error) {
	const system = "You summarize text. Reply with a one or two sentence summary and nothing else."
	summary, err := c.Complete(ctx, system, text)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(summary), nil
}

// ExtractJSON strips a surrounding fenced code block, if any, and trims
// whitespace. The result may still be arbitrary text; callers unmarshal.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```")
	// Drop an optional language tag on the fence line.
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// isAuthError reports whether err looks like an authentication failure.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "authentication_error") ||
		strings.Contains(msg, "invalid x-api-key")
}
