package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/steward-dev/steward/internal/db"
)

// GlobalPattern subscribes to every event type.
const GlobalPattern = "*"

// Handler processes a single event. Handlers must be idempotent; delivery is
// at-least-once within the process.
type Handler func(Event)

// Bus is the in-process publish/subscribe surface.
type Bus interface {
	// Publish fans the event out to matching subscribers and appends it to
	// the persistent event log.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for event types matching the glob
	// pattern ("task.*", "*"). Returns an unsubscribe function.
	Subscribe(pattern string, handler Handler) (unsubscribe func())
	// SubscribeChan returns a buffered channel receiving matching events.
	// Sends are non-blocking; a full channel drops events.
	SubscribeChan(pattern string) (<-chan Event, func())
	// Recent returns an entity's persisted events created at or after since.
	Recent(ctx context.Context, entityID string, since time.Time) ([]db.EventRecord, error)
	// Close shuts down delivery; pending per-entity queues are drained.
	Close()
}

type subscription struct {
	id      int64
	pattern string
	handler Handler
}

type chanSub struct {
	id      int64
	pattern string
	ch      chan Event
}

// MemoryBus delivers events in-process. Delivery is asynchronous but ordered
// per entity ID: each entity gets its own queue and delivery goroutine, so
// handlers observe a consistent per-entity sequence.
type MemoryBus struct {
	log   *slog.Logger
	store *db.Store

	mu       sync.RWMutex
	nextID   int64
	handlers []subscription
	chans    []chanSub
	queues   map[string]chan Event
	closed   bool

	wg         sync.WaitGroup
	bufferSize int
}

// BusOption configures a MemoryBus.
type BusOption func(*MemoryBus)

// WithBufferSize sets the per-entity queue and channel buffer size.
func WithBufferSize(size int) BusOption {
	return func(b *MemoryBus) {
		b.bufferSize = size
	}
}

// NewMemoryBus creates a bus. store may be nil to disable persistence (tests).
func NewMemoryBus(log *slog.Logger, store *db.Store, opts ...BusOption) *MemoryBus {
	b := &MemoryBus{
		log:        log,
		store:      store,
		queues:     make(map[string]chan Event),
		bufferSize: 256,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends the event to the log and routes it to the entity's
// delivery queue. The persistent append happens before fan-out so replay
// never misses an event a handler observed.
func (b *MemoryBus) Publish(ctx context.Context, event Event) {
	if b.store != nil {
		rec := &db.EventRecord{
			EventID:    event.ID,
			Type:       string(event.Type),
			EntityType: event.EntityType,
			EntityID:   event.EntityID,
			Payload:    event.Payload,
			ActorID:    event.ActorID,
			CreatedAt:  event.Time,
		}
		if err := b.store.AppendEvent(ctx, rec); err != nil {
			b.log.Warn("event log append failed", "type", event.Type, "entity_id", event.EntityID, "error", err)
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	queue, ok := b.queues[event.EntityID]
	if !ok {
		queue = make(chan Event, b.bufferSize)
		b.queues[event.EntityID] = queue
		b.wg.Add(1)
		go b.deliverLoop(queue)
	}
	b.mu.Unlock()

	select {
	case queue <- event:
	default:
		b.log.Warn("event queue full, dropping", "type", event.Type, "entity_id", event.EntityID)
	}
}

// deliverLoop drains one entity's queue, invoking matching handlers in order.
func (b *MemoryBus) deliverLoop(queue chan Event) {
	defer b.wg.Done()
	for event := range queue {
		b.mu.RLock()
		handlers := make([]subscription, 0, len(b.handlers))
		for _, sub := range b.handlers {
			if matchPattern(sub.pattern, string(event.Type)) {
				handlers = append(handlers, sub)
			}
		}
		channels := make([]chanSub, 0, len(b.chans))
		for _, sub := range b.chans {
			if matchPattern(sub.pattern, string(event.Type)) {
				channels = append(channels, sub)
			}
		}
		b.mu.RUnlock()

		for _, sub := range handlers {
			b.invoke(sub, event)
		}
		for _, sub := range channels {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// invoke runs one handler, recovering panics so a bad subscriber never
// blocks delivery to others.
func (b *MemoryBus) invoke(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "pattern", sub.pattern, "type", event.Type, "panic", r)
		}
	}()
	sub.handler(event)
}

// Subscribe registers a handler for matching event types.
func (b *MemoryBus) Subscribe(pattern string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, subscription{id: id, pattern: pattern, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.handlers {
			if sub.id == id {
				b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

// SubscribeChan returns a buffered channel of matching events.
func (b *MemoryBus) SubscribeChan(pattern string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	ch := make(chan Event, b.bufferSize)
	b.chans = append(b.chans, chanSub{id: id, pattern: pattern, ch: ch})

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.chans {
			if sub.id == id {
				b.chans = append(b.chans[:i], b.chans[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
}

// Recent returns an entity's persisted events created at or after since.
func (b *MemoryBus) Recent(ctx context.Context, entityID string, since time.Time) ([]db.EventRecord, error) {
	if b.store == nil {
		return nil, nil
	}
	return b.store.RecentEvents(ctx, entityID, since)
}

// Close stops delivery and waits for per-entity queues to drain.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, queue := range b.queues {
		close(queue)
		delete(b.queues, id)
	}
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	for _, sub := range b.chans {
		close(sub.ch)
	}
	b.chans = nil
	b.handlers = nil
	b.mu.Unlock()
}

// matchPattern matches an event type against a glob pattern. The bare "*"
// matches everything; otherwise doublestar glob semantics apply with "."
// treated as a path separator so "task.*" matches "task.created" but not
// "task.failed.permanent" (use "task.**" for that).
func matchPattern(pattern, eventType string) bool {
	if pattern == GlobalPattern || pattern == eventType {
		return true
	}
	ok, err := doublestar.Match(dotsToSlashes(pattern), dotsToSlashes(eventType))
	if err != nil {
		return false
	}
	return ok
}

func dotsToSlashes(s string) string {
	out := []byte(s)
	for i := range out {
		if out[i] == '.' {
			out[i] = '/'
		}
	}
	return string(out)
}

// NopBus discards everything; used when events are disabled and in tests.
type NopBus struct{}

func (NopBus) Publish(ctx context.Context, event Event) {}

func (NopBus) Subscribe(pattern string, handler Handler) func() { return func() {} }

func (NopBus) SubscribeChan(pattern string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

func (NopBus) Recent(ctx context.Context, entityID string, since time.Time) ([]db.EventRecord, error) {
	return nil, nil
}

func (NopBus) Close() {}
