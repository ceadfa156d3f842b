package memory

import (
	"context"
	"sync"

	"github.com/aescanero/kgworker/pkg/ports"
)

type subscription struct {
	id      uint64
	handler ports.EventHandler
}

// InMemoryEventBus implements EventBus using in-memory handlers. Handlers
// run synchronously in publish order.
type InMemoryEventBus struct {
	subscribers map[string][]subscription
	nextID      uint64
	mu          sync.RWMutex
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus() *InMemoryEventBus {
	return &InMemoryEventBus{
		subscribers: make(map[string][]subscription),
	}
}

// Publish publishes an event to all subscribers of a topic
func (e *InMemoryEventBus) Publish(ctx context.Context, topic string, event ports.Event) error {
	e.mu.RLock()
	subs := make([]subscription, len(e.subscribers[topic]))
	copy(subs, e.subscribers[topic])
	e.mu.RUnlock()

	for _, sub := range subs {
		// handler errors belong to the subscriber
		_ = sub.handler(ctx, event)
	}

	return nil
}

// Subscribe subscribes to events on a specific topic until ctx is done
func (e *InMemoryEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subscribers[topic] = append(e.subscribers[topic], subscription{id: id, handler: handler})
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.unsubscribe(topic, id)
	}()

	return nil
}

// Close closes the event bus and cleans up resources
func (e *InMemoryEventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subscribers = make(map[string][]subscription)
	return nil
}

// unsubscribe removes a handler from a topic
func (e *InMemoryEventBus) unsubscribe(topic string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subscribers[topic]
	for i, sub := range subs {
		if sub.id == id {
			e.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}
