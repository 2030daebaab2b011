package events

import (
	"fmt"
	"strings"

	"github.com/animadev/anima/internal/common/config"
	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/events/bus"
)

// Provide selects the event bus implementation from configuration: NATS when
// a URL is set, the in-process bus otherwise. The returned cleanup drains the
// connection on shutdown.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) == "" {
		memBus := bus.NewMemoryEventBus(log)
		return memBus, func() error { memBus.Close(); return nil }, nil
	}

	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
	}
	return natsBus, func() error { natsBus.Close(); return nil }, nil
}
