package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animadev/anima/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestNewEventStampsEnvelope(t *testing.T) {
	before := time.Now().UTC()
	ev := NewEvent("turn.completed", "session", map[string]interface{}{"session_id": "sess-1"})

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "turn.completed", ev.Type)
	assert.Equal(t, "session", ev.Source)
	assert.False(t, ev.Timestamp.Before(before))
	data, ok := ev.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "sess-1", data["session_id"])

	other := NewEvent("turn.completed", "session", nil)
	assert.NotEqual(t, ev.ID, other.ID)
}

func TestMemoryBusDeliversToExactSubject(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var got []*Event
	sub, err := b.Subscribe("notification.created.sess-1", func(ctx context.Context, ev *Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	ev := NewEvent("notification.created", "notifications", map[string]interface{}{"title": "build finished"})
	require.NoError(t, b.Publish(context.Background(), "notification.created.sess-1", ev))

	// A different session's subject must not reach this subscriber.
	require.NoError(t, b.Publish(context.Background(), "notification.created.sess-2", NewEvent("notification.created", "notifications", nil)))

	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)
}

func TestMemoryBusPreservesPublishOrder(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var seen []string
	_, err := b.Subscribe("turn.completed.sess-1", func(ctx context.Context, ev *Event) error {
		seen = append(seen, ev.Data.(map[string]interface{})["seq"].(string))
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		ev := NewEvent("turn.completed", "session", map[string]interface{}{"seq": fmt.Sprintf("%02d", i)})
		require.NoError(t, b.Publish(context.Background(), "turn.completed.sess-1", ev))
	}

	require.Len(t, seen, 20)
	for i, seq := range seen {
		assert.Equal(t, fmt.Sprintf("%02d", i), seq)
	}
}

func TestMemoryBusSingleTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var subjects []string
	_, err := b.Subscribe("emotion.updated.*", func(ctx context.Context, ev *Event) error {
		subjects = append(subjects, ev.Data.(map[string]interface{})["subject"].(string))
		return nil
	})
	require.NoError(t, err)

	publish := func(subject string) {
		ev := NewEvent("emotion.updated", "emotion", map[string]interface{}{"subject": subject})
		require.NoError(t, b.Publish(context.Background(), subject, ev))
	}
	publish("emotion.updated.global")
	publish("emotion.updated.sess-1")
	publish("emotion.updated")            // missing token
	publish("emotion.updated.sess-1.sub") // extra token, * is single-token

	assert.Equal(t, []string{"emotion.updated.global", "emotion.updated.sess-1"}, subjects)
}

func TestMemoryBusTailWildcard(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int
	_, err := b.Subscribe("swarm.>", func(ctx context.Context, ev *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	for _, subject := range []string{"swarm.created", "swarm.agent.completed.sw-1", "swarm.completed"} {
		require.NoError(t, b.Publish(context.Background(), subject, NewEvent(subject, "swarm", nil)))
	}
	require.NoError(t, b.Publish(context.Background(), "workqueue.task.created", NewEvent("workqueue.task.created", "workqueue", nil)))

	assert.Equal(t, 3, count)
}

func TestMemoryBusFansOutToAllSubscribers(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var first, second, wild int
	_, err := b.Subscribe("session.created", func(ctx context.Context, ev *Event) error { first++; return nil })
	require.NoError(t, err)
	_, err = b.Subscribe("session.created", func(ctx context.Context, ev *Event) error { second++; return nil })
	require.NoError(t, err)
	_, err = b.Subscribe("session.*", func(ctx context.Context, ev *Event) error { wild++; return nil })
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "session.created", NewEvent("session.created", "broker", nil)))

	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
	assert.Equal(t, 1, wild)
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int
	sub, err := b.Subscribe("turn.completed.sess-1", func(ctx context.Context, ev *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "turn.completed.sess-1", NewEvent("turn.completed", "session", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "turn.completed.sess-1", NewEvent("turn.completed", "session", nil)))
	assert.Equal(t, 1, count)

	// Unsubscribing twice is harmless.
	require.NoError(t, sub.Unsubscribe())
}

func TestMemoryBusHandlerErrorDoesNotStopOthers(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var delivered bool
	_, err := b.Subscribe("workqueue.task.done", func(ctx context.Context, ev *Event) error {
		return fmt.Errorf("handler blew up")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("workqueue.task.done", func(ctx context.Context, ev *Event) error {
		delivered = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "workqueue.task.done", NewEvent("workqueue.task.done", "workqueue", nil)))
	assert.True(t, delivered)
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))

	sub, err := b.Subscribe("session.ended", func(ctx context.Context, ev *Event) error { return nil })
	require.NoError(t, err)
	assert.True(t, b.IsConnected())

	b.Close()

	assert.False(t, b.IsConnected())
	assert.False(t, sub.IsValid())
	assert.Error(t, b.Publish(context.Background(), "session.ended", NewEvent("session.ended", "broker", nil)))
	_, err = b.Subscribe("session.ended", func(ctx context.Context, ev *Event) error { return nil })
	assert.Error(t, err)
}

// A handler must be able to publish and subscribe without deadlocking: the
// websocket forwarder publishes notifications from inside turn completion
// handlers.
func TestMemoryBusReentrantHandlers(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var forwarded bool
	_, err := b.Subscribe("notification.created.global", func(ctx context.Context, ev *Event) error {
		forwarded = true
		return nil
	})
	require.NoError(t, err)

	_, err = b.Subscribe("turn.completed.sess-1", func(ctx context.Context, ev *Event) error {
		if _, err := b.Subscribe("emotion.updated.*", func(ctx context.Context, ev *Event) error { return nil }); err != nil {
			return err
		}
		return b.Publish(ctx, "notification.created.global", NewEvent("notification.created", "notifications", nil))
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Publish(context.Background(), "turn.completed.sess-1", NewEvent("turn.completed", "session", nil))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish deadlocked on reentrant handler")
	}
	assert.True(t, forwarded)
}

func TestMemoryBusConcurrentPublishers(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var mu sync.Mutex
	counts := make(map[string]int)
	_, err := b.Subscribe("workqueue.task.*", func(ctx context.Context, ev *Event) error {
		mu.Lock()
		counts[ev.Type]++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				ev := NewEvent("workqueue.task.created", "workqueue", nil)
				_ = b.Publish(context.Background(), "workqueue.task.created", ev)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 200, counts["workqueue.task.created"])
}
