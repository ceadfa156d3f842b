package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/kgworker/pkg/domain"
)

// failureWindow bounds how long consecutive failures are remembered.
const failureWindow = 24 * time.Hour

// Throttle implements ports.Throttle on Redis counters. The suspension is a
// key whose TTL is the suspension window.
type Throttle struct {
	client      *redis.Client
	logger      *zap.Logger
	maxFailures int
	suspendFor  time.Duration
}

// NewThrottle creates a new Redis provider throttle
func NewThrottle(client *redis.Client, maxFailures int, suspendFor time.Duration, logger *zap.Logger) *Throttle {
	return &Throttle{
		client:      client,
		logger:      logger,
		maxFailures: maxFailures,
		suspendFor:  suspendFor,
	}
}

// Suspended reports whether provider is inside a suspension window
func (t *Throttle) Suspended(ctx context.Context, provider domain.ProviderID) (bool, error) {
	if provider == "" || provider == domain.ProviderRules {
		return false, nil
	}
	n, err := t.client.Exists(ctx, suspendKey(provider)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check suspension: %w", err)
	}
	return n > 0, nil
}

// RecordFailure counts a failure and suspends the provider once the count
// reaches the threshold. The counter is reset when the suspension starts.
func (t *Throttle) RecordFailure(ctx context.Context, provider domain.ProviderID) (int, bool, error) {
	if provider == "" || provider == domain.ProviderRules {
		return 0, false, nil
	}

	suspended, err := t.Suspended(ctx, provider)
	if err != nil {
		return 0, false, err
	}
	if suspended {
		count, err := t.failures(ctx, provider)
		return count, true, err
	}

	var incr *redis.IntCmd
	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, failKey(provider))
		pipe.Expire(ctx, failKey(provider), failureWindow)
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to count failure: %w", err)
	}

	count := int(incr.Val())
	if count < t.maxFailures {
		return count, false, nil
	}

	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, suspendKey(provider), time.Now().Add(t.suspendFor).Unix(), t.suspendFor)
		pipe.Del(ctx, failKey(provider))
		return nil
	})
	if err != nil {
		return count, false, fmt.Errorf("failed to suspend provider: %w", err)
	}

	t.logger.Warn("provider suspended after consecutive failures",
		zap.String("provider", string(provider)),
		zap.Int("failures", count),
		zap.Duration("suspend_for", t.suspendFor))
	return 0, true, nil
}

// Reset clears the consecutive failure count
func (t *Throttle) Reset(ctx context.Context, provider domain.ProviderID) error {
	if provider == "" || provider == domain.ProviderRules {
		return nil
	}
	if err := t.client.Del(ctx, failKey(provider)).Err(); err != nil {
		return fmt.Errorf("failed to reset failures: %w", err)
	}
	return nil
}

// Clear lifts a suspension immediately
func (t *Throttle) Clear(ctx context.Context, provider domain.ProviderID) error {
	if err := t.client.Del(ctx, suspendKey(provider), failKey(provider)).Err(); err != nil {
		return fmt.Errorf("failed to clear suspension: %w", err)
	}
	t.logger.Info("provider suspension cleared", zap.String("provider", string(provider)))
	return nil
}

func (t *Throttle) failures(ctx context.Context, provider domain.ProviderID) (int, error) {
	n, err := t.client.Get(ctx, failKey(provider)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read failures: %w", err)
	}
	return n, nil
}

func failKey(provider domain.ProviderID) string {
	return fmt.Sprintf("ai:provider:fail:%s", provider)
}

func suspendKey(provider domain.ProviderID) string {
	return fmt.Sprintf("ai:provider:suspend:%s", provider)
}
