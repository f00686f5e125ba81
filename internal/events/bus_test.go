package events

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *MemoryBus {
	t.Helper()
	bus := NewMemoryBus(slog.Default(), nil)
	t.Cleanup(bus.Close)
	return bus
}

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(out))
		}
	}
	return out
}

func TestPublishFanOut(t *testing.T) {
	bus := newTestBus(t)

	var mu sync.Mutex
	var got []EventType
	done := make(chan struct{}, 2)
	bus.Subscribe(GlobalPattern, func(e Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.Publish(context.Background(), New(TaskCreated, EntityTask, "task-1", nil))
	bus.Publish(context.Background(), New(TaskCompleted, EntityTask, "task-1", nil))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handler")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{TaskCreated, TaskCompleted}, got, "per-entity order preserved")
}

func TestPatternMatching(t *testing.T) {
	tests := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"*", "task.created", true},
		{"task.*", "task.created", true},
		{"task.*", "agent.heartbeat", false},
		{"task.*", "task.failed.permanent", false},
		{"task.**", "task.failed.permanent", true},
		{"task.failed.permanent", "task.failed.permanent", true},
		{"lock.*", "lock.wait_time", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchPattern(tt.pattern, tt.eventType),
			"pattern=%s type=%s", tt.pattern, tt.eventType)
	}
}

func TestSubscribeChanFiltered(t *testing.T) {
	bus := newTestBus(t)

	ch, cancel := bus.SubscribeChan("agent.**")
	defer cancel()

	bus.Publish(context.Background(), New(TaskCreated, EntityTask, "task-1", nil))
	bus.Publish(context.Background(), New(AgentHeartbeat, EntityAgent, "w1", nil))
	bus.Publish(context.Background(), New(AgentStaleDetected, EntityAgent, "w1", nil))

	got := collect(t, ch, 2)
	assert.Equal(t, AgentHeartbeat, got[0].Type)
	assert.Equal(t, AgentStaleDetected, got[1].Type)
}

func TestHandlerPanicDoesNotBlockOthers(t *testing.T) {
	bus := newTestBus(t)

	bus.Subscribe(GlobalPattern, func(e Event) {
		panic("bad handler")
	})
	done := make(chan Event, 1)
	bus.Subscribe(GlobalPattern, func(e Event) {
		done <- e
	})

	bus.Publish(context.Background(), New(TaskCreated, EntityTask, "task-1", nil))

	select {
	case e := <-done:
		assert.Equal(t, TaskCreated, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never ran")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus(t)

	delivered := make(chan Event, 4)
	unsubscribe := bus.Subscribe(GlobalPattern, func(e Event) {
		delivered <- e
	})

	bus.Publish(context.Background(), New(TaskCreated, EntityTask, "task-1", nil))
	collect(t, delivered, 1)

	unsubscribe()
	bus.Publish(context.Background(), New(TaskCompleted, EntityTask, "task-1", nil))

	select {
	case e := <-delivered:
		t.Fatalf("unexpected delivery after unsubscribe: %s", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := NewMemoryBus(slog.Default(), nil)
	bus.Close()
	bus.Publish(context.Background(), New(TaskCreated, EntityTask, "task-1", nil))
	bus.Close()
}

func TestNewEventFields(t *testing.T) {
	e := New(TicketCreated, EntityTicket, "tkt-1", map[string]any{"title": "x"}).WithActor("user-1")
	require.NotEmpty(t, e.ID)
	assert.Equal(t, TicketCreated, e.Type)
	assert.Equal(t, "tkt-1", e.EntityID)
	assert.Equal(t, "user-1", e.ActorID)
	assert.False(t, e.Time.IsZero())
}
