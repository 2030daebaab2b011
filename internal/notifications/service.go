// Package notifications manages ambient notifications: messages the daemon or
// its background engines surface to whoever is connected (or to the next
// client that connects). Notifications persist until acknowledged so nothing
// is lost while no client is attached.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/events"
	"github.com/animadev/anima/internal/events/bus"
	"github.com/animadev/anima/internal/store"
)

// ErrInvalidNotification is returned when a create request fails validation.
var ErrInvalidNotification = errors.New("invalid notification")

// Store is the persistence surface the notification service uses.
type Store interface {
	CreateNotification(ctx context.Context, n *store.Notification) error
	GetNotification(ctx context.Context, id string) (*store.Notification, error)
	ListNotifications(ctx context.Context, filter store.NotificationFilter) ([]*store.Notification, error)
	MarkNotificationDelivered(ctx context.Context, id string) error
	AcknowledgeNotification(ctx context.Context, id string, at time.Time) error
	FailNotification(ctx context.Context, id, errorMessage string) error
}

// Publisher is the event bus surface the notification service uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *bus.Event) error
}

// Deliverer reports how many clients are attached to receive broadcasts.
type Deliverer interface {
	ClientCount() int
}

// Service persists ambient notifications and announces them on the bus. The
// websocket gateway subscribes to the notification subjects and pushes them
// to connected clients.
type Service struct {
	st        Store
	publisher Publisher
	deliverer Deliverer
	logger    *logger.Logger
}

// NewService creates the notification service. publisher and deliverer may be
// nil; notifications are then stored without broadcast or delivery tracking.
func NewService(st Store, publisher Publisher, deliverer Deliverer, log *logger.Logger) *Service {
	return &Service{
		st:        st,
		publisher: publisher,
		deliverer: deliverer,
		logger:    log.WithFields(zap.String("component", "notifications")),
	}
}

// Create stores a pending notification and publishes it on the session (or
// global) notification subject. When at least one client is connected the
// notification is marked delivered immediately.
func (s *Service) Create(ctx context.Context, n *store.Notification) (*store.Notification, error) {
	if strings.TrimSpace(n.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidNotification)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.Status = store.NotificationPending
	n.CreatedAt = time.Now().UTC()

	if err := s.st.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to store notification: %w", err)
	}

	s.logger.Info("notification created",
		zap.String("notification_id", n.ID),
		zap.String("session_id", n.SessionID),
		zap.String("kind", n.Kind))

	s.broadcast(ctx, n)

	if s.deliverer != nil && s.deliverer.ClientCount() > 0 {
		if err := s.st.MarkNotificationDelivered(ctx, n.ID); err != nil {
			s.logger.Warn("failed to mark notification delivered", zap.Error(err))
		} else {
			n.Status = store.NotificationDelivered
		}
	}
	return n, nil
}

// Get returns one notification.
func (s *Service) Get(ctx context.Context, id string) (*store.Notification, error) {
	return s.st.GetNotification(ctx, id)
}

// List returns notifications matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter store.NotificationFilter) ([]*store.Notification, error) {
	return s.st.ListNotifications(ctx, filter)
}

// Acknowledge marks a notification as seen by a client. Acknowledged
// notifications age out during consolidation pruning.
func (s *Service) Acknowledge(ctx context.Context, id string) (*store.Notification, error) {
	if err := s.st.AcknowledgeNotification(ctx, id, time.Now().UTC()); err != nil {
		return nil, err
	}
	return s.st.GetNotification(ctx, id)
}

// Fail marks a notification undeliverable with the given reason.
func (s *Service) Fail(ctx context.Context, id, errorMessage string) (*store.Notification, error) {
	if err := s.st.FailNotification(ctx, id, errorMessage); err != nil {
		return nil, err
	}
	return s.st.GetNotification(ctx, id)
}

// MarkDelivered transitions a pending notification to delivered. The gateway
// calls this when it replays stored notifications to a newly attached client.
func (s *Service) MarkDelivered(ctx context.Context, id string) error {
	return s.st.MarkNotificationDelivered(ctx, id)
}

func (s *Service) broadcast(ctx context.Context, n *store.Notification) {
	if s.publisher == nil {
		return
	}
	subject := events.BuildNotificationSubject(n.SessionID)
	event := bus.NewEvent(events.NotificationCreated, "notifications", map[string]interface{}{
		"id":         n.ID,
		"session_id": n.SessionID,
		"kind":       n.Kind,
		"title":      n.Title,
		"body":       n.Body,
		"payload":    n.Payload,
	})
	if err := s.publisher.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("failed to publish notification",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
