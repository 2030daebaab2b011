package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/logger"
)

// MemoryEventBus dispatches events in-process. It is the default when no
// NATS URL is configured, which covers the single-daemon deployment.
//
// Handlers run synchronously inside Publish so a subscriber observes events
// in exactly the order they were published. The websocket broadcaster and
// anything else replaying per-session activity depend on that ordering.
type MemoryEventBus struct {
	mu     sync.RWMutex
	exact  map[string][]*memorySubscription // keyed by literal subject
	wild   []*memorySubscription            // subjects containing * or >
	closed bool
	logger *logger.Logger
}

// NewMemoryEventBus creates an open, empty bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		exact:  make(map[string][]*memorySubscription),
		logger: log,
	}
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact-match subjects
	handler EventHandler

	mu     sync.Mutex
	active bool
}

// Unsubscribe deactivates the subscription and removes it from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.pattern == nil {
		s.bus.exact[s.subject] = removeSub(s.bus.exact[s.subject], s)
		if len(s.bus.exact[s.subject]) == 0 {
			delete(s.bus.exact, s.subject)
		}
	} else {
		s.bus.wild = removeSub(s.bus.wild, s)
	}
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func removeSub(subs []*memorySubscription, target *memorySubscription) []*memorySubscription {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Subscribe registers a handler for a subject or wildcard pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
	}
	if sub.pattern == nil {
		b.exact[subject] = append(b.exact[subject], sub)
	} else {
		b.wild = append(b.wild, sub)
	}

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Publish delivers an event to every matching subscriber. Targets are
// collected under the read lock and handlers invoked after it is released,
// so a handler may subscribe, unsubscribe, or publish without deadlocking.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	targets := make([]*memorySubscription, 0, len(b.exact[subject]))
	for _, sub := range b.exact[subject] {
		if sub.IsValid() {
			targets = append(targets, sub)
		}
	}
	for _, sub := range b.wild {
		if sub.IsValid() && sub.pattern.MatchString(subject) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("Event handler error",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Close deactivates every subscription and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true

	deactivate := func(subs []*memorySubscription) {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	for _, subs := range b.exact {
		deactivate(subs)
	}
	deactivate(b.wild)

	b.exact = make(map[string][]*memorySubscription)
	b.wild = nil
	b.logger.Info("Memory event bus closed")
}

// IsConnected reports true while the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// compilePattern converts a NATS-style subject pattern to a regexp. Literal
// subjects (no * or >) compile to nil and are matched by map lookup instead.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	// * matches a single token; > swallows the rest of the subject.
	// QuoteMeta escapes * but leaves > untouched.
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
