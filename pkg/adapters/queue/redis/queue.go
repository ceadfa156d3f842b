package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/kgworker/pkg/adapters/queue"
	"github.com/aescanero/kgworker/pkg/domain"
)

// minBlockTimeout is the smallest blocking timeout Redis honours.
const minBlockTimeout = time.Second

// TaskQueue implements ports.TaskQueue on Redis lists. Pop moves each
// envelope into a per-consumer processing list so envelopes held by a dead
// consumer can be recovered.
type TaskQueue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewTaskQueue creates a new Redis task queue
func NewTaskQueue(client *redis.Client, logger *zap.Logger) *TaskQueue {
	return &TaskQueue{
		client: client,
		logger: logger,
	}
}

// Pop blocks up to timeout for the next envelope of provider
func (q *TaskQueue) Pop(ctx context.Context, provider domain.ProviderID, consumer string, timeout time.Duration) (*domain.TaskEnvelope, error) {
	if timeout < minBlockTimeout {
		timeout = minBlockTimeout
	}

	raw, err := q.client.BLMove(ctx, queueKey(provider), processingKey(provider, consumer), "LEFT", "RIGHT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop from queue: %w", err)
	}

	return queue.Decode(raw, provider)
}

// Ack removes a delivered envelope from the consumer's processing list
func (q *TaskQueue) Ack(ctx context.Context, provider domain.ProviderID, consumer string, env *domain.TaskEnvelope) error {
	if env == nil || env.Raw == "" {
		return fmt.Errorf("cannot ack envelope without its raw form")
	}
	if err := q.client.LRem(ctx, processingKey(provider, consumer), 1, env.Raw).Err(); err != nil {
		return fmt.Errorf("failed to ack envelope: %w", err)
	}
	return nil
}

// Recover moves every envelope held by consumer back to the head of the
// provider queue, keeping their original order.
func (q *TaskQueue) Recover(ctx context.Context, provider domain.ProviderID, consumer string) (int, error) {
	src := processingKey(provider, consumer)
	dst := queueKey(provider)

	moved := 0
	for {
		err := q.client.LMove(ctx, src, dst, "RIGHT", "LEFT").Err()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return moved, fmt.Errorf("failed to recover envelopes: %w", err)
		}
		moved++
	}

	if moved > 0 {
		q.logger.Info("recovered in-flight envelopes",
			zap.String("provider", string(provider)),
			zap.String("consumer", consumer),
			zap.Int("count", moved))
	}
	return moved, nil
}

// Enqueue appends an envelope to the tail of its provider queue
func (q *TaskQueue) Enqueue(ctx context.Context, env *domain.TaskEnvelope) error {
	raw, err := queue.Encode(env)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, queueKey(env.Provider), raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue envelope: %w", err)
	}
	env.Raw = raw
	return nil
}

// Length returns the number of waiting envelopes
func (q *TaskQueue) Length(ctx context.Context, provider domain.ProviderID) (int64, error) {
	n, err := q.client.LLen(ctx, queueKey(provider)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return n, nil
}

// Purge drops every waiting envelope of provider
func (q *TaskQueue) Purge(ctx context.Context, provider domain.ProviderID) (int64, error) {
	key := queueKey(provider)

	var length *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		length = pipe.LLen(ctx, key)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue: %w", err)
	}

	q.logger.Info("queue purged",
		zap.String("provider", string(provider)),
		zap.Int64("count", length.Val()))
	return length.Val(), nil
}

// InFlight returns the envelopes held by consumer
func (q *TaskQueue) InFlight(ctx context.Context, provider domain.ProviderID, consumer string) (int64, error) {
	n, err := q.client.LLen(ctx, processingKey(provider, consumer)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get processing length: %w", err)
	}
	return n, nil
}

func queueKey(provider domain.ProviderID) string {
	return fmt.Sprintf("kg:ai_queue:%s", provider)
}

func processingKey(provider domain.ProviderID, consumer string) string {
	return fmt.Sprintf("kg:ai_queue:%s:processing:%s", provider, consumer)
}
