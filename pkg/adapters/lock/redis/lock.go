package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Compare-and-delete and compare-and-expire so a lock is only touched by the
// holder of its token.
var (
	unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker implements ports.Locker with SET NX PX
type Locker struct {
	client *redis.Client
}

// NewLocker creates a new Redis locker
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// TryLock acquires key for ttl. It returns "" when the lock is held elsewhere.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// Refresh extends a held lock
func (l *Locker) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock %s: %w", key, err)
	}
	return n == 1, nil
}

// Unlock releases key when token still holds it
func (l *Locker) Unlock(ctx context.Context, key, token string) error {
	err := unlockScript.Run(ctx, l.client, []string{key}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}
