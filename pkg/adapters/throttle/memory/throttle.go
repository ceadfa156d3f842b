package memory

import (
	"context"
	"sync"
	"time"

	"github.com/aescanero/kgworker/pkg/domain"
)

// Throttle implements ports.Throttle in process memory. It is the fallback
// when no shared store is configured, and is used in tests.
type Throttle struct {
	mu          sync.Mutex
	failures    map[domain.ProviderID]int
	until       map[domain.ProviderID]time.Time
	maxFailures int
	suspendFor  time.Duration
	now         func() time.Time
}

// NewThrottle creates a new in-memory throttle. A nil clock uses time.Now.
func NewThrottle(maxFailures int, suspendFor time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{
		failures:    make(map[domain.ProviderID]int),
		until:       make(map[domain.ProviderID]time.Time),
		maxFailures: maxFailures,
		suspendFor:  suspendFor,
		now:         now,
	}
}

// Suspended reports whether provider is inside a suspension window
func (t *Throttle) Suspended(ctx context.Context, provider domain.ProviderID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspendedLocked(provider), nil
}

// RecordFailure counts a failure and suspends at the threshold
func (t *Throttle) RecordFailure(ctx context.Context, provider domain.ProviderID) (int, bool, error) {
	if provider == "" || provider == domain.ProviderRules {
		return 0, false, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.suspendedLocked(provider) {
		return t.failures[provider], true, nil
	}

	t.failures[provider]++
	count := t.failures[provider]
	if count < t.maxFailures {
		return count, false, nil
	}

	t.until[provider] = t.now().Add(t.suspendFor)
	delete(t.failures, provider)
	return 0, true, nil
}

// Reset clears the consecutive failure count
func (t *Throttle) Reset(ctx context.Context, provider domain.ProviderID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, provider)
	return nil
}

// Clear lifts a suspension immediately
func (t *Throttle) Clear(ctx context.Context, provider domain.ProviderID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, provider)
	delete(t.until, provider)
	return nil
}

func (t *Throttle) suspendedLocked(provider domain.ProviderID) bool {
	if provider == "" || provider == domain.ProviderRules {
		return false
	}
	until, ok := t.until[provider]
	if !ok {
		return false
	}
	if !until.After(t.now()) {
		delete(t.until, provider)
		return false
	}
	return true
}
