// Package bus is the in-process event fan-out between the exporter, the
// diagnostic tap, and gateway WebSocket clients.
package bus

import (
	"log/slog"
	"sync"
)

// MessageBus is a process-wide EventPublisher. Handlers run synchronously on
// the broadcasting goroutine; a handler must never block on the bus itself.
type MessageBus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewMessageBus creates an empty bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{handlers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under an id, replacing any previous handler
// with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes a handler. Unknown ids are ignored.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers the event to every subscriber. A panicking handler is
// logged and skipped so one bad subscriber cannot take down the broadcaster.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	subs := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		subs = append(subs, h)
	}
	b.mu.RUnlock()

	for _, h := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus handler panic", "event", event.Name, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
