package events

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// EventType names a kind of event carried on a Bus.
type EventType string

// Event is anything that can report its own kind.
type Event interface {
	Type() EventType
}

// HandlerID uniquely identifies a subscription
type HandlerID uint64

type Handler[E Event] func(event E)

// PanicHandler is told about handlers that panicked during Publish.
type PanicHandler func(eventType EventType, id HandlerID, recovered any)

type handlerInfo[E Event] struct {
	id        HandlerID
	eventType EventType // empty for wildcard subscriptions
	handler   Handler[E]
}

// Bus is a typed, synchronous publish/subscribe hub. Handlers run on the
// publishing goroutine in subscription order, so a single publisher observes
// strict ordering.
type Bus[E Event] struct {
	mu       sync.RWMutex
	handlers []*handlerInfo[E]
	onPanic  PanicHandler

	idCounter atomic.Uint64

	// Metrics for monitoring
	publishedEvents atomic.Uint64
	failedHandlers  atomic.Uint64
}

func NewBus[E Event]() *Bus[E] {
	return &Bus[E]{}
}

// Subscribe registers handler for one event type and returns an ID for Unsubscribe.
func (b *Bus[E]) Subscribe(eventType EventType, handler Handler[E]) HandlerID {
	return b.add(eventType, handler)
}

// SubscribeAll registers handler for every event published on the bus.
func (b *Bus[E]) SubscribeAll(handler Handler[E]) HandlerID {
	return b.add("", handler)
}

func (b *Bus[E]) add(eventType EventType, handler Handler[E]) HandlerID {
	id := HandlerID(b.idCounter.Add(1))

	b.mu.Lock()
	defer b.mu.Unlock()

	// Copy on write so Publish can iterate without holding the lock.
	next := make([]*handlerInfo[E], len(b.handlers), len(b.handlers)+1)
	copy(next, b.handlers)
	b.handlers = append(next, &handlerInfo[E]{id: id, eventType: eventType, handler: handler})
	return id
}

// Unsubscribe removes a handler by ID. It reports whether the handler was found.
func (b *Bus[E]) Unsubscribe(id HandlerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, info := range b.handlers {
		if info.id != id {
			continue
		}
		next := make([]*handlerInfo[E], 0, len(b.handlers)-1)
		next = append(next, b.handlers[:i]...)
		b.handlers = append(next, b.handlers[i+1:]...)
		return true
	}
	return false
}

// UnsubscribeAll detaches every handler.
func (b *Bus[E]) UnsubscribeAll() {
	b.mu.Lock()
	b.handlers = nil
	b.mu.Unlock()
}

// OnPanic installs a callback for recovered handler panics.
func (b *Bus[E]) OnPanic(fn PanicHandler) {
	b.mu.Lock()
	b.onPanic = fn
	b.mu.Unlock()
}

// Publish delivers event to every matching handler before returning.
func (b *Bus[E]) Publish(event E) {
	b.publishedEvents.Add(1)

	eventType := event.Type()

	b.mu.RLock()
	handlers := b.handlers
	onPanic := b.onPanic
	b.mu.RUnlock()

	for _, info := range handlers {
		if info.eventType != "" && info.eventType != eventType {
			continue
		}
		b.execute(info, event, onPanic)
	}
}

func (b *Bus[E]) execute(info *handlerInfo[E], event E, onPanic PanicHandler) {
	defer func() {
		if r := recover(); r != nil {
			b.failedHandlers.Add(1)
			if onPanic != nil {
				onPanic(event.Type(), info.id, r)
			}
		}
	}()
	info.handler(event)
}

// HandlerCount returns the number of live subscriptions.
func (b *Bus[E]) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Metrics returns bus metrics
func (b *Bus[E]) Metrics() map[string]uint64 {
	return map[string]uint64{
		"published_events": b.publishedEvents.Load(),
		"failed_handlers":  b.failedHandlers.Load(),
		"handlers":         uint64(b.HandlerCount()),
	}
}

func (id HandlerID) String() string {
	return fmt.Sprintf("handler-%d", uint64(id))
}
