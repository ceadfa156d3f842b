package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/kgworker/pkg/domain"
	"github.com/aescanero/kgworker/pkg/ports"
)

// guard tick results, used as the metric label
const (
	tickOK       = "ok"
	tickSkipped  = "skipped"
	tickLocked   = "locked"
	tickDraining = "draining"
)

// GuardOptions configures a Guard
type GuardOptions struct {
	Providers []domain.ProviderID
	Target    int
	Interval  time.Duration

	// NodeHeartbeatTTL is the TTL of the node record refreshed every tick.
	NodeHeartbeatTTL time.Duration

	// LockTTL bounds how long a crashed guard keeps the node lock. Zero
	// uses twice the interval.
	LockTTL time.Duration
}

// Guard periodically reconciles the pool of this node with its mirror
// records and restores every provider to its target
type Guard struct {
	sup    *Supervisor
	locker ports.Locker
	opts   GuardOptions
	logger *zap.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// NewGuard creates a new guard. locker may be nil to run without the node
// lock.
func NewGuard(sup *Supervisor, locker ports.Locker, opts GuardOptions, logger *zap.Logger) *Guard {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * opts.Interval
	}
	return &Guard{
		sup:    sup,
		locker: locker,
		opts:   opts,
		logger: logger,
	}
}

// LockKey returns the key of the node-scoped guard lock
func LockKey(node string) string {
	return "kg:lock:guard:" + node
}

// Start starts the guard loop. Only one guard may be active per
// Supervisor; a second start returns ErrGuardActive.
func (g *Guard) Start(ctx context.Context) error {
	g.sup.mu.Lock()
	if g.sup.guardActive {
		g.sup.mu.Unlock()
		g.logger.Warn("guard loop already active, start request ignored")
		return ErrGuardActive
	}
	g.sup.guardActive = true
	g.sup.mu.Unlock()

	g.mu.Lock()
	g.stopCh = make(chan struct{})
	g.done = make(chan struct{})
	stopCh, done := g.stopCh, g.done
	g.mu.Unlock()

	g.logger.Info("guard loop started",
		zap.Duration("interval", g.opts.Interval),
		zap.Int("target", g.opts.Target),
		zap.Int("providers", len(g.opts.Providers)))

	go g.run(ctx, stopCh, done)
	return nil
}

// Stop stops the guard loop and waits for a running tick to finish
func (g *Guard) Stop() {
	g.mu.Lock()
	stopCh, done := g.stopCh, g.done
	g.stopCh, g.done = nil, nil
	g.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-done
}

// run is the main guard loop. The first tick runs immediately. The guard
// active flag is cleared on every exit path, before done is closed.
func (g *Guard) run(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		g.sup.mu.Lock()
		g.sup.guardActive = false
		g.sup.mu.Unlock()
		g.logger.Info("guard loop stopped")
	}()

	ticker := time.NewTicker(g.opts.Interval)
	defer ticker.Stop()

	for {
		if err := g.Tick(ctx); err != nil {
			g.logger.Warn("guard tick skipped", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one reconciliation pass
func (g *Guard) Tick(ctx context.Context) error {
	start := time.Now()
	result := tickOK
	defer func() {
		g.sup.metrics.RecordGuardTick(result, time.Since(start))
	}()

	if g.sup.state.Draining() {
		result = tickDraining
		return nil
	}

	if g.locker != nil {
		key := LockKey(g.sup.opts.NodeName)
		token, err := g.locker.TryLock(ctx, key, g.opts.LockTTL)
		if err != nil {
			result = tickSkipped
			return fmt.Errorf("failed to take guard lock: %w", err)
		}
		if token == "" {
			result = tickLocked
			g.logger.Warn("guard lock held by another process, tick skipped",
				zap.String("key", key))
			return nil
		}
		defer func() {
			uctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
			defer cancel()
			if err := g.locker.Unlock(uctx, key, token); err != nil {
				g.logger.Debug("failed to release guard lock", zap.Error(err))
			}
		}()
	}

	lctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	records, err := g.sup.mirror.ListWorkers(lctx, g.sup.opts.NodeName)
	cancel()
	if err != nil {
		result = tickSkipped
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	g.sup.reconcile(ctx, records)

	if needy := g.sup.needy(g.opts.Providers, g.opts.Target); len(needy) > 0 {
		report := g.sup.RequestPool(ctx, needy, g.opts.Target)
		g.logger.Info("guard restored pool",
			zap.Int("spawned", report.SpawnedCount()),
			zap.Int("total", report.Total))
	}

	if err := g.sup.Heartbeat(ctx, g.opts.NodeHeartbeatTTL); err != nil {
		g.logger.Warn("failed to refresh node heartbeat", zap.Error(err))
	}
	g.sup.recordQueueDepth(ctx, g.opts.Providers)

	g.logger.Debug("guard tick completed",
		zap.Int("records", len(records)),
		zap.Int("total", g.sup.Total()),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// needy returns the unpaused providers below min(target, maxPerProvider)
func (s *Supervisor) needy(providers []domain.ProviderID, target int) []domain.ProviderID {
	desired := target
	if desired > s.opts.Limits.MaxPerProvider {
		desired = s.opts.Limits.MaxPerProvider
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ProviderID
	for _, p := range providers {
		if s.paused[p] {
			continue
		}
		if s.registry.alive(p) < desired {
			out = append(out, p)
		}
	}
	return out
}

// reconcile compares the Registry with the mirror records of this node.
// Dead processes are purged, hung ones killed, and records without a live
// process behind them are deleted and their envelopes recovered.
func (s *Supervisor) reconcile(ctx context.Context, records []domain.WorkerProcessRecord) {
	now := s.opts.Now()
	ttl := s.opts.HeartbeatTTL

	byPID := make(map[int]domain.WorkerProcessRecord, len(records))
	for _, rec := range records {
		byPID[rec.PID] = rec
	}

	var stale []*process
	var orphans []domain.WorkerProcessRecord

	s.mu.Lock()
	dead := s.registry.purgeDead()
	deadPIDs := make(map[int]bool, len(dead))
	for _, p := range dead {
		deadPIDs[p.pid()] = true
	}

	for _, p := range s.registry.matching("") {
		if p.stopping || p.killed {
			continue
		}
		rec, ok := byPID[p.pid()]
		if (ok && rec.Expired(now, ttl)) || (!ok && now.Sub(p.startedAt) > ttl) {
			stale = append(stale, p)
		}
	}

	for _, rec := range records {
		if _, ok := s.registry.lookup(rec.PID); ok || deadPIDs[rec.PID] {
			continue
		}
		orphans = append(orphans, rec)
	}
	s.mu.Unlock()

	s.afterRemoval(dead)

	if len(stale) > 0 {
		s.logger.Warn("killing worker processes with expired heartbeat",
			zap.Int("count", len(stale)))
		s.kill(stale)

		s.mu.Lock()
		var removed []*process
		for _, p := range stale {
			if r := s.registry.remove(p.pid()); r != nil {
				removed = append(removed, r)
			}
		}
		s.mu.Unlock()

		s.afterRemoval(removed)
	}

	for _, rec := range orphans {
		s.logger.Warn("removing worker record without a live process",
			zap.Int("pid", rec.PID),
			zap.String("provider", string(rec.Provider)),
			zap.Time("last_heartbeat_at", rec.LastHeartbeatAt))

		dctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
		if err := s.mirror.DeleteWorker(dctx, s.opts.NodeName, rec.PID); err != nil {
			s.logger.Warn("failed to delete orphan worker record",
				zap.Int("pid", rec.PID),
				zap.Error(err))
		}
		s.recover(dctx, rec.Provider, rec.PID)
		cancel()
	}
}

// recordQueueDepth meters the waiting envelopes of each provider
func (s *Supervisor) recordQueueDepth(ctx context.Context, providers []domain.ProviderID) {
	if s.queue == nil {
		return
	}
	for _, p := range providers {
		qctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
		depth, err := s.queue.Length(qctx, p)
		cancel()
		if err != nil {
			s.logger.Debug("failed to read queue depth",
				zap.String("provider", string(p)),
				zap.Error(err))
			continue
		}
		s.metrics.SetQueueDepth(string(p), depth)
	}
}
