package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/animadev/anima/internal/emotion"
	"github.com/animadev/anima/internal/store"
)

// EmotionSource resolves the emotional state for a session scope.
type EmotionSource interface {
	Manager(ctx context.Context, sessionID string) (*emotion.Manager, error)
}

// StateContext is the default context builder: it contributes the session's
// stored summary and the current emotional tone for sessions that opt in
// via include_context.
type StateContext struct {
	emotions EmotionSource
}

// NewStateContext creates the builder. emotions may be nil.
func NewStateContext(emotions EmotionSource) *StateContext {
	return &StateContext{emotions: emotions}
}

func (b *StateContext) BuildContext(ctx context.Context, sess *store.Session) (string, error) {
	var sections []string

	if sess.Summary != "" {
		sections = append(sections, fmt.Sprintf("What happened earlier in this conversation: %s", sess.Summary))
	}

	if b.emotions != nil {
		mgr, err := b.emotions.Manager(ctx, sess.ID)
		if err != nil {
			return strings.Join(sections, "\n\n"), fmt.Errorf("failed to resolve emotional state: %w", err)
		}
		if tone := mgr.Summary(); tone != "neutral" {
			sections = append(sections, fmt.Sprintf("Your current emotional tone is %s. Let it color your phrasing naturally; never name it unprompted.", tone))
		}
	}

	return strings.Join(sections, "\n\n"), nil
}
