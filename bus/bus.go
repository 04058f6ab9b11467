package bus

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/onnwee/chatbridge/telemetry"
)

// Handler consumes one event. Handlers must be safe to call concurrently with
// themselves for different events.
type Handler func(ctx context.Context, ev Event)

// subscription pairs a handler with its identity key so duplicate
// registrations of the same function collapse to a single entry.
type subscription struct {
	key uintptr
	fn  Handler
}

// Bus is an in-process broker with a single bounded delivery queue. A lone
// worker dequeues strictly in publish order and fans each event out to every
// handler registered for its kind or a declared supertype kind. All handlers
// for event N complete before N+1 is dequeued, which is what the ordering
// tests assert.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]subscription
	queue  chan Event
	closed bool

	workerDone chan struct{}
}

// New creates the bus and starts its delivery worker. queueSize bounds the
// publish queue; events published while the queue is full are dropped.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	b := &Bus{
		subs:       make(map[Kind][]subscription),
		queue:      make(chan Event, queueSize),
		workerDone: make(chan struct{}),
	}
	go b.worker()
	return b
}

// Subscribe registers handler for kind. Registering the same function twice
// for the same kind is a no-op: the handler is invoked once per matching event.
func (b *Bus) Subscribe(kind Kind, handler Handler) {
	if handler == nil {
		return
	}
	key := reflect.ValueOf(handler).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[kind] {
		if s.key == key {
			return
		}
	}
	b.subs[kind] = append(b.subs[kind], subscription{key: key, fn: handler})
}

// Unsubscribe removes handler's registration for kind. Absent registrations
// are a silent no-op.
func (b *Bus) Unsubscribe(kind Kind, handler Handler) {
	if handler == nil {
		return
	}
	key := reflect.ValueOf(handler).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[kind]
	for i, s := range subs {
		if s.key == key {
			b.subs[kind] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish enqueues ev without blocking. If the queue is full or the bus is
// closed the event is dropped with a warning; publishing is never fatal.
//
// The read lock is held across the send so Close cannot close the queue
// between the closed-check and the enqueue. The send is non-blocking, so the
// lock is never held for longer than a channel buffer write.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		slog.Warn("bus closed; event dropped", slog.String("kind", string(ev.Kind)))
		return
	}
	select {
	case b.queue <- ev:
		telemetry.IncBusPublished()
		telemetry.SetBusQueueDepth(len(b.queue))
	default:
		telemetry.IncBusDropped()
		slog.Warn("bus queue full; event dropped", slog.String("kind", string(ev.Kind)))
	}
}

// Close stops accepting publishes and waits up to grace for the worker to
// drain the queue, then abandons it. Safe to call once.
func (b *Bus) Close(grace time.Duration) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	select {
	case <-b.workerDone:
	case <-time.After(grace):
		slog.Warn("bus shutdown grace expired; abandoning worker")
	}
}

func (b *Bus) worker() {
	defer close(b.workerDone)
	ctx := context.Background()
	for ev := range b.queue {
		telemetry.SetBusQueueDepth(len(b.queue))
		b.dispatch(ctx, ev)
	}
}

// dispatch fans ev out to all handlers for its kind and declared supertypes,
// concurrently, and waits for every handler to return.
func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.mu.RLock()
	var handlers []subscription
	handlers = append(handlers, b.subs[ev.Kind]...)
	for _, super := range Supertypes(ev.Kind) {
		handlers = append(handlers, b.subs[super]...)
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, s := range handlers {
		wg.Add(1)
		go func(s subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					telemetry.IncBusHandlerError()
					slog.Error("bus handler panic",
						slog.String("kind", string(ev.Kind)),
						slog.Any("panic", r))
				}
			}()
			s.fn(ctx, ev)
		}(s)
	}
	wg.Wait()
}
