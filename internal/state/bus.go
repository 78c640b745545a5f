package state

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

// EventHandler receives one state-change event.
type EventHandler func(protocol.Event)

// EventBus is a small typed multiplexer. Subscribers are keyed by id;
// delivery to each subscriber is isolated so a panicking sink never blocks
// the others, and emission order is preserved per subscriber.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string]EventHandler
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string]EventHandler)}
}

func (b *EventBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Emit delivers ev to every current subscriber.
func (b *EventBus) Emit(ev protocol.Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		deliver(h, ev)
	}
}

func deliver(h EventHandler, ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked", "event", ev.Type, "panic", r)
		}
	}()
	h(ev)
}
