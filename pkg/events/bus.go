package events

import (
	"sync"

	"go.uber.org/zap"
)

// Dispatcher accepts domain events.
type Dispatcher interface {
	Dispatch(ev Event)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ev Event)

func (f DispatcherFunc) Dispatch(ev Event) { f(ev) }

// Subscriber is a channel that receives events.
type Subscriber chan Event

// Bus fans events out to subscribers without blocking the producer.
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
	handlers    []Dispatcher
	logger      *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.L().Named("events")
	}
	return &Bus{logger: logger}
}

// Subscribe adds a new subscriber and returns a channel to receive events.
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(Subscriber, 100)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Handle registers a synchronous handler. Handlers run in registration
// order before channel subscribers are notified.
func (b *Bus) Handle(d Dispatcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, d)
}

// Dispatch delivers ev to every handler and subscriber.
func (b *Bus) Dispatch(ev Event) {
	b.mu.RLock()
	handlers := append([]Dispatcher(nil), b.handlers...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h.Dispatch(ev)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
			b.logger.Warn("subscriber is slow, dropping event", zap.String("kind", string(ev.Kind())))
		}
	}
}
