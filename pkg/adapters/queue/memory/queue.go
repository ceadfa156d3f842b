package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/kgworker/pkg/adapters/queue"
	"github.com/aescanero/kgworker/pkg/domain"
)

// TaskQueue implements ports.TaskQueue in memory
// This is for testing purposes only
type TaskQueue struct {
	mu         sync.Mutex
	queues     map[domain.ProviderID][]string
	processing map[string][]string
	notify     chan struct{}
}

// NewTaskQueue creates a new in-memory task queue
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		queues:     make(map[domain.ProviderID][]string),
		processing: make(map[string][]string),
		notify:     make(chan struct{}),
	}
}

// Pop blocks up to timeout for the next envelope of provider
func (q *TaskQueue) Pop(ctx context.Context, provider domain.ProviderID, consumer string, timeout time.Duration) (*domain.TaskEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if items := q.queues[provider]; len(items) > 0 {
			raw := items[0]
			q.queues[provider] = items[1:]
			key := processingKey(provider, consumer)
			q.processing[key] = append(q.processing[key], raw)
			q.mu.Unlock()
			return queue.Decode(raw, provider)
		}
		notify := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
		}
	}
}

// Ack removes a delivered envelope from the consumer's processing list
func (q *TaskQueue) Ack(ctx context.Context, provider domain.ProviderID, consumer string, env *domain.TaskEnvelope) error {
	if env == nil || env.Raw == "" {
		return fmt.Errorf("cannot ack envelope without its raw form")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := processingKey(provider, consumer)
	items := q.processing[key]
	for i, raw := range items {
		if raw == env.Raw {
			q.processing[key] = append(items[:i:i], items[i+1:]...)
			break
		}
	}
	if len(q.processing[key]) == 0 {
		delete(q.processing, key)
	}
	return nil
}

// Recover moves every envelope held by consumer back to the queue head
func (q *TaskQueue) Recover(ctx context.Context, provider domain.ProviderID, consumer string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := processingKey(provider, consumer)
	held := q.processing[key]
	delete(q.processing, key)
	if len(held) == 0 {
		return 0, nil
	}

	restored := make([]string, 0, len(held)+len(q.queues[provider]))
	restored = append(restored, held...)
	restored = append(restored, q.queues[provider]...)
	q.queues[provider] = restored
	q.wakeLocked()
	return len(held), nil
}

// Enqueue appends an envelope to the tail of its provider queue
func (q *TaskQueue) Enqueue(ctx context.Context, env *domain.TaskEnvelope) error {
	raw, err := queue.Encode(env)
	if err != nil {
		return err
	}
	env.Raw = raw
	q.PushRaw(env.Provider, raw)
	return nil
}

// PushRaw appends an already encoded item, valid or not
func (q *TaskQueue) PushRaw(provider domain.ProviderID, raw string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.queues[provider] = append(q.queues[provider], raw)
	q.wakeLocked()
}

// Length returns the number of waiting envelopes
func (q *TaskQueue) Length(ctx context.Context, provider domain.ProviderID) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.queues[provider])), nil
}

// Purge drops every waiting envelope of provider
func (q *TaskQueue) Purge(ctx context.Context, provider domain.ProviderID) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := int64(len(q.queues[provider]))
	delete(q.queues, provider)
	return n, nil
}

// InFlight returns the envelopes held by consumer
func (q *TaskQueue) InFlight(ctx context.Context, provider domain.ProviderID, consumer string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.processing[processingKey(provider, consumer)])), nil
}

// wakeLocked releases every blocked Pop. Callers hold q.mu.
func (q *TaskQueue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func processingKey(provider domain.ProviderID, consumer string) string {
	return string(provider) + "|" + consumer
}
