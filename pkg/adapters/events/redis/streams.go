package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/kgworker/pkg/ports"
)

// defaultMaxLen caps each stream so old pool events are trimmed.
const defaultMaxLen = 10000

// StreamsEventBus implements EventBus using Redis Streams. Every subscriber
// reads the stream on its own so each one sees every event published after
// it subscribed.
type StreamsEventBus struct {
	client *redis.Client
	logger *zap.Logger
	maxLen int64

	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel []context.CancelFunc
}

// NewStreamsEventBus creates a new Redis Streams event bus
func NewStreamsEventBus(client *redis.Client, logger *zap.Logger) *StreamsEventBus {
	return &StreamsEventBus{
		client: client,
		logger: logger,
		maxLen: defaultMaxLen,
	}
}

// Publish publishes an event to the appropriate stream topic
func (e *StreamsEventBus) Publish(ctx context.Context, topic string, event ports.Event) error {
	streamKey := getStreamKey(topic)

	// Serialize event
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: e.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}

	if _, err := e.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	e.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("stream", streamKey))

	return nil
}

// Subscribe delivers every event published on topic from now on until ctx
// is cancelled or the bus is closed
func (e *StreamsEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	streamKey := getStreamKey(topic)

	// Resolve "$" now so events published right after Subscribe returns
	// are not missed.
	lastID := "0-0"
	entries, err := e.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read stream tail: %w", err)
	}
	if len(entries) > 0 {
		lastID = entries[0].ID
	}

	subCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = append(e.cancel, cancel)
	e.mu.Unlock()

	e.logger.Info("subscribed to event stream",
		zap.String("stream", streamKey),
		zap.String("topic", topic))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.readStream(subCtx, streamKey, lastID, handler)
	}()

	return nil
}

// readStream reads events from a stream
func (e *StreamsEventBus) readStream(ctx context.Context, streamKey, lastID string, handler ports.EventHandler) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := e.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				// No new messages
				continue
			}
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("failed to read from stream",
				zap.String("stream", streamKey),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				lastID = message.ID
				e.processMessage(ctx, streamKey, message, handler)
			}
		}
	}
}

// processMessage processes a single message from the stream
func (e *StreamsEventBus) processMessage(ctx context.Context, streamKey string, message redis.XMessage, handler ports.EventHandler) {
	data, ok := message.Values["data"].(string)
	if !ok {
		e.logger.Error("invalid message format",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID))
		return
	}

	var event ports.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		e.logger.Error("failed to unmarshal event",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if err := handler(ctx, event); err != nil {
		e.logger.Debug("handler error",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
}

// Close stops every subscription. The Redis client is closed by the caller.
func (e *StreamsEventBus) Close() error {
	e.mu.Lock()
	for _, cancel := range e.cancel {
		cancel()
	}
	e.cancel = nil
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

// getStreamKey returns the Redis stream key for a topic
func getStreamKey(topic string) string {
	return fmt.Sprintf("kg:events:%s", topic)
}
