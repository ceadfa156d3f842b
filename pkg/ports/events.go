package ports

import (
	"context"
	"time"
)

// EventType names a pool lifecycle event
type EventType string

const (
	EventTypeWorkerSpawned  EventType = "worker.spawned"
	EventTypeWorkerExited   EventType = "worker.exited"
	EventTypeWorkerKilled   EventType = "worker.killed"
	EventTypePoolShortfall  EventType = "pool.shortfall"
	EventTypePoolStopped    EventType = "pool.stopped"
	EventTypeTasksRecovered EventType = "tasks.recovered"
	EventTypeDrainStarted   EventType = "drain.started"
	EventTypeDrainCompleted EventType = "drain.completed"
)

// TopicPool is the topic pool lifecycle events are published on.
const TopicPool = "pool"

// Event is a pool lifecycle event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Node      string                 `json:"node"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventHandler receives events from a subscription
type EventHandler func(ctx context.Context, event Event) error

// EventBus publishes and subscribes to events
type EventBus interface {
	Publish(ctx context.Context, topic string, event Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Close() error
}
