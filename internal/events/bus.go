package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler receives events published on the bus.
type Handler func(*Event)

// Bus is an in-process publish/subscribe fanout. Subscribers register per
// event type or for all events; Publish invokes every matching handler
// synchronously, so handlers must not block.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
	log      zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a handler for a single event type.
func (b *Bus) Subscribe(eventType EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish wraps the payload in an envelope and delivers it to all matching
// handlers.
func (b *Bus) Publish(data EventData) {
	if data == nil {
		return
	}

	event := &Event{
		Type:      data.EventType(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.all))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	b.log.Debug().
		Str("event_type", string(event.Type)).
		Int("handlers", len(handlers)).
		Msg("Event published")

	for _, h := range handlers {
		h(event)
	}
}
