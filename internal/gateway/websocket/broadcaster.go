package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/events"
	"github.com/animadev/anima/internal/events/bus"
	"github.com/animadev/anima/pkg/wire"
)

// NotificationBroadcaster forwards ambient notifications from the event bus
// to every connected websocket client.
type NotificationBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterNotificationBroadcaster subscribes the hub to notification
// subjects. A nil bus yields an inert broadcaster.
func RegisterNotificationBroadcaster(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *NotificationBroadcaster {
	b := &NotificationBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-notification-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.BuildNotificationWildcardSubject())

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close drops the bus subscriptions.
func (b *NotificationBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *NotificationBroadcaster) subscribe(eventBus bus.EventBus, subject string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		b.hub.Broadcast(wire.EventNotification, notificationData(event))
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

// notificationData reshapes a bus event into the wire notification payload.
// NATS delivery decodes Data as a generic map, so field access stays loose.
func notificationData(event *bus.Event) wire.NotificationData {
	var data wire.NotificationData
	if event == nil {
		return data
	}
	m, ok := event.Data.(map[string]interface{})
	if !ok {
		return data
	}
	if id, ok := m["id"].(string); ok {
		data.ID = id
	}
	if kind, ok := m["kind"].(string); ok {
		data.Kind = kind
	}
	if title, ok := m["title"].(string); ok {
		data.Title = title
	}
	if body, ok := m["body"].(string); ok {
		data.Body = body
	}
	if payload, ok := m["payload"].(map[string]interface{}); ok {
		data.Payload = payload
	}
	return data
}
