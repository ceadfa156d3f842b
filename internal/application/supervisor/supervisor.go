package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aescanero/kgworker/internal/application/runstate"
	"github.com/aescanero/kgworker/pkg/domain"
	"github.com/aescanero/kgworker/pkg/ports"
)

var (
	// ErrGuardActive is returned when a Guard Loop is started while one is
	// already running.
	ErrGuardActive = errors.New("guard loop already active")

	// ErrRegistryUnavailable marks a reconciliation that could not read the
	// registry mirror.
	ErrRegistryUnavailable = errors.New("registry unavailable")
)

// ShortfallReason explains why a provider did not reach its target
type ShortfallReason string

const (
	ShortfallCeiling     ShortfallReason = "ceiling"
	ShortfallSpawnFailed ShortfallReason = "spawn_failed"
	ShortfallDraining    ShortfallReason = "draining"
)

// Shortfall is the unmet part of one provider's request
type Shortfall struct {
	Provider domain.ProviderID `json:"provider"`
	Missing  int               `json:"missing"`
	Reason   ShortfallReason   `json:"reason"`
}

// PoolReport is the outcome of one RequestPool call
type PoolReport struct {
	Spawned    map[domain.ProviderID][]int `json:"spawned"`
	Shortfalls []Shortfall                 `json:"shortfalls,omitempty"`
	Total      int                         `json:"total"`
}

// SpawnedCount returns how many processes the call started
func (r PoolReport) SpawnedCount() int {
	n := 0
	for _, pids := range r.Spawned {
		n += len(pids)
	}
	return n
}

// Missing returns the shortfall reported for provider
func (r PoolReport) Missing(provider domain.ProviderID) int {
	n := 0
	for _, s := range r.Shortfalls {
		if s.Provider == provider {
			n += s.Missing
		}
	}
	return n
}

// ProviderStats is the pool state of one provider
type ProviderStats struct {
	Alive  int   `json:"alive"`
	Target int   `json:"target"`
	PIDs   []int `json:"pids"`
	Paused bool  `json:"paused"`
}

// PoolStats is a point-in-time view of the node's pool
type PoolStats struct {
	Node      string                               `json:"node"`
	State     string                               `json:"state"`
	Limits    domain.PoolLimits                    `json:"limits"`
	Total     int                                  `json:"total"`
	Providers map[domain.ProviderID]*ProviderStats `json:"providers"`
	Timestamp time.Time                            `json:"timestamp"`
}

// Options configures a Supervisor
type Options struct {
	NodeName string
	Limits   domain.PoolLimits

	// HeartbeatTTL is the TTL of worker records and the age after which a
	// silent process is considered hung.
	HeartbeatTTL time.Duration

	// StopGrace bounds how long StopPool waits before killing.
	StopGrace time.Duration

	// Now is the clock; nil uses time.Now.
	Now func() time.Time
}

// mirrorTimeout bounds each registry mirror and queue call made on behalf
// of the pool.
const mirrorTimeout = 5 * time.Second

// Supervisor creates and limits worker processes per provider. It owns the
// Registry; every read-then-decide-then-write on it happens under mu.
type Supervisor struct {
	spawner  ports.Spawner
	mirror   ports.RegistryMirror
	queue    ports.TaskQueue
	eventBus ports.EventBus
	metrics  ports.MetricsCollector
	state    *runstate.State
	opts     Options
	logger   *zap.Logger

	startedAt time.Time

	mu          sync.Mutex
	registry    *Registry
	targets     map[domain.ProviderID]int
	paused      map[domain.ProviderID]bool
	guardActive bool
}

// NewSupervisor creates a new supervisor. queue and eventBus may be nil.
func NewSupervisor(
	spawner ports.Spawner,
	mirror ports.RegistryMirror,
	queue ports.TaskQueue,
	eventBus ports.EventBus,
	metrics ports.MetricsCollector,
	state *runstate.State,
	opts Options,
	logger *zap.Logger,
) *Supervisor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	return &Supervisor{
		spawner:  spawner,
		mirror:   mirror,
		queue:    queue,
		eventBus: eventBus,
		metrics:  metrics,
		state:    state,
		opts:     opts,
		logger:   logger,
		registry: newRegistry(),
		targets:  make(map[domain.ProviderID]int),
		paused:   make(map[domain.ProviderID]bool),

		startedAt: opts.Now(),
	}
}

type spawned struct {
	proc   *process
	record domain.WorkerProcessRecord
}

// RequestPool brings each provider up to min(count, maxPerProvider) live
// processes without exceeding the total ceiling. Unmet need is reported in
// the returned PoolReport, never as an error.
func (s *Supervisor) RequestPool(ctx context.Context, providers []domain.ProviderID, count int) PoolReport {
	report := PoolReport{Spawned: make(map[domain.ProviderID][]int)}
	limits := s.opts.Limits

	desired := count
	if desired > limits.MaxPerProvider {
		desired = limits.MaxPerProvider
	}
	if desired < 0 {
		desired = 0
	}

	var started []spawned

	s.mu.Lock()
	dead := s.registry.purgeDead()
	draining := s.state.Draining()

	for _, provider := range providers {
		alive := s.registry.alive(provider)
		toSpawn := desired - alive
		if toSpawn < 0 {
			toSpawn = 0
		}

		if draining {
			if toSpawn > 0 {
				report.Shortfalls = append(report.Shortfalls, Shortfall{provider, toSpawn, ShortfallDraining})
			}
			continue
		}

		s.targets[provider] = desired
		delete(s.paused, provider)

		room := limits.MaxTotalProcesses - s.registry.total()
		if room < 0 {
			room = 0
		}
		ceilingShort := 0
		if toSpawn > room {
			ceilingShort = toSpawn - room
			toSpawn = room
		}

		failed := 0
		for i := 0; i < toSpawn; i++ {
			sp, err := s.spawnLocked(ctx, provider)
			if err != nil {
				failed = toSpawn - i
				s.metrics.IncSpawnFailures(string(provider))
				s.logger.Error("failed to spawn worker process, target not met this cycle",
					zap.String("provider", string(provider)),
					zap.Int("missing", failed),
					zap.Error(err))
				break
			}
			started = append(started, sp)
			report.Spawned[provider] = append(report.Spawned[provider], sp.proc.pid())
		}

		if ceilingShort > 0 {
			report.Shortfalls = append(report.Shortfalls, Shortfall{provider, ceilingShort, ShortfallCeiling})
		}
		if failed > 0 {
			report.Shortfalls = append(report.Shortfalls, Shortfall{provider, failed, ShortfallSpawnFailed})
		}

		s.metrics.SetAliveProcesses(string(provider), s.registry.alive(provider))
		s.metrics.SetShortfall(string(provider), ceilingShort+failed)
	}
	report.Total = s.registry.total()
	s.mu.Unlock()

	s.afterRemoval(dead)

	for _, sp := range started {
		s.putRecord(sp.record)
		s.metrics.IncSpawned(string(sp.proc.provider))
		s.publish(ports.EventTypeWorkerSpawned, map[string]interface{}{
			"pid":      sp.proc.pid(),
			"provider": string(sp.proc.provider),
		})
		go s.watchExit(sp.proc)
	}

	for _, short := range report.Shortfalls {
		s.logger.Warn("pool target not met",
			zap.String("provider", string(short.Provider)),
			zap.Int("missing", short.Missing),
			zap.String("reason", string(short.Reason)),
			zap.Int("total", report.Total),
			zap.Int("max_total", limits.MaxTotalProcesses))
		s.publish(ports.EventTypePoolShortfall, map[string]interface{}{
			"provider": string(short.Provider),
			"missing":  short.Missing,
			"reason":   string(short.Reason),
		})
	}

	if n := report.SpawnedCount(); n > 0 {
		s.logger.Info("worker processes spawned",
			zap.Int("spawned", n),
			zap.Int("total", report.Total))
	}

	return report
}

// spawnLocked starts one process and registers it. Callers hold s.mu.
func (s *Supervisor) spawnLocked(ctx context.Context, provider domain.ProviderID) (spawned, error) {
	handle, err := s.spawner.Spawn(ctx, provider)
	if err != nil {
		return spawned{}, err
	}

	now := s.opts.Now()
	proc := &process{handle: handle, provider: provider, startedAt: now}
	s.registry.add(proc)

	record := domain.WorkerProcessRecord{
		PID:             handle.PID(),
		Provider:        provider,
		NodeName:        s.opts.NodeName,
		StartedAt:       now,
		LastHeartbeatAt: now,
	}

	s.logger.Debug("worker process registered",
		zap.Int("pid", record.PID),
		zap.String("provider", string(provider)))

	return spawned{proc: proc, record: record}, nil
}

// putRecord writes the initial mirror record of a spawned process. It runs
// outside s.mu.
func (s *Supervisor) putRecord(record domain.WorkerProcessRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := s.mirror.PutWorker(ctx, record, s.opts.HeartbeatTTL); err != nil {
		// the child refreshes its own record; the next heartbeat fixes this
		s.logger.Warn("failed to register worker record",
			zap.Int("pid", record.PID),
			zap.String("provider", string(record.Provider)),
			zap.Error(err))
	}
}

// watchExit removes a process from the Registry as soon as it is reaped
func (s *Supervisor) watchExit(proc *process) {
	<-proc.handle.Done()

	s.mu.Lock()
	removed := s.registry.remove(proc.pid())
	s.mu.Unlock()

	if removed != nil {
		s.afterRemoval([]*process{removed})
	}
}

// StopPool gracefully stops the processes of provider, or of every
// provider when provider is empty. Stopped providers are paused so the
// Guard Loop does not restore them until RequestPool is called again.
// The wait is bounded by StopGrace only; a cancelled ctx does not turn the
// stop into a kill.
func (s *Supervisor) StopPool(ctx context.Context, provider domain.ProviderID) int {
	s.mu.Lock()
	if provider == "" {
		for p := range s.targets {
			s.paused[p] = true
		}
		for _, p := range s.registry.providers() {
			s.paused[p] = true
		}
	} else {
		s.paused[provider] = true
	}
	targets := s.registry.matching(provider)
	for _, p := range targets {
		p.stopping = true
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return 0
	}

	s.logger.Info("stopping worker processes",
		zap.String("provider", string(provider)),
		zap.Int("count", len(targets)))

	s.terminate(targets, s.opts.StopGrace)

	s.mu.Lock()
	var removed []*process
	for _, p := range targets {
		if r := s.registry.remove(p.pid()); r != nil {
			removed = append(removed, r)
		}
	}
	s.mu.Unlock()

	s.afterRemoval(removed)

	s.publish(ports.EventTypePoolStopped, map[string]interface{}{
		"provider": string(provider),
		"count":    len(targets),
	})
	return len(targets)
}

// terminate sends SIGTERM to procs, waits up to grace for them to exit and
// kills the rest. It returns how many had to be killed. Only grace bounds
// the wait.
func (s *Supervisor) terminate(procs []*process, grace time.Duration) int {
	for _, p := range procs {
		if err := p.handle.Signal(syscall.SIGTERM); err != nil {
			s.logger.Warn("failed to signal worker process",
				zap.Int("pid", p.pid()),
				zap.Error(err))
		}
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-allExited(procs):
		return 0
	case <-timer.C:
	}

	return s.kill(procs)
}

// kill force-terminates every proc that has not exited and waits for the
// kills to be reaped
func (s *Supervisor) kill(procs []*process) int {
	var stragglers []*process

	s.mu.Lock()
	for _, p := range procs {
		if !p.exited() {
			p.killed = true
			stragglers = append(stragglers, p)
		}
	}
	s.mu.Unlock()

	for _, p := range stragglers {
		s.logger.Warn("force-terminating worker process",
			zap.Int("pid", p.pid()),
			zap.String("provider", string(p.provider)))
		if err := p.handle.Kill(); err != nil {
			s.logger.Error("failed to kill worker process",
				zap.Int("pid", p.pid()),
				zap.Error(err))
		}
	}

	select {
	case <-allExited(stragglers):
	case <-time.After(mirrorTimeout):
		s.logger.Error("killed worker processes were not reaped in time",
			zap.Int("count", len(stragglers)))
	}
	return len(stragglers)
}

// afterRemoval cleans up after processes left the Registry: the mirror
// record goes, in-flight envelopes go back to their queue.
func (s *Supervisor) afterRemoval(procs []*process) {
	for _, p := range procs {
		reason := p.exitReason()
		pid := p.pid()

		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)

		if err := s.mirror.DeleteWorker(ctx, s.opts.NodeName, pid); err != nil {
			s.logger.Warn("failed to delete worker record",
				zap.Int("pid", pid),
				zap.Error(err))
		}

		recovered := s.recover(ctx, p.provider, pid)
		cancel()

		s.metrics.IncWorkerExits(string(p.provider), reason)

		fields := []zap.Field{
			zap.Int("pid", pid),
			zap.String("provider", string(p.provider)),
			zap.String("reason", reason),
			zap.Int("exit_code", p.handle.ExitCode()),
			zap.Int("recovered", recovered),
		}
		if reason == reasonCrashed || reason == reasonVanished || reason == reasonStale {
			s.logger.Warn("worker process removed", fields...)
		} else {
			s.logger.Info("worker process removed", fields...)
		}

		s.publish(ports.EventTypeWorkerExited, map[string]interface{}{
			"pid":       pid,
			"provider":  string(p.provider),
			"reason":    reason,
			"recovered": recovered,
		})
	}

	if len(procs) > 0 {
		s.mu.Lock()
		for _, p := range procs {
			s.metrics.SetAliveProcesses(string(p.provider), s.registry.alive(p.provider))
		}
		s.mu.Unlock()
	}
}

// recover returns the envelopes a dead consumer still held to its queue
func (s *Supervisor) recover(ctx context.Context, provider domain.ProviderID, pid int) int {
	if s.queue == nil {
		return 0
	}

	consumer := domain.ConsumerID(s.opts.NodeName, pid)
	n, err := s.queue.Recover(ctx, provider, consumer)
	if err != nil {
		s.logger.Error("failed to recover in-flight envelopes",
			zap.String("provider", string(provider)),
			zap.String("consumer", consumer),
			zap.Error(err))
		return n
	}
	if n > 0 {
		s.metrics.IncTasksRecovered(string(provider), n)
		s.publish(ports.EventTypeTasksRecovered, map[string]interface{}{
			"provider": string(provider),
			"consumer": consumer,
			"count":    n,
		})
	}
	return n
}

// Snapshot returns the current pool state
func (s *Supervisor) Snapshot() PoolStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := PoolStats{
		Node:      s.opts.NodeName,
		State:     s.state.Load().String(),
		Limits:    s.opts.Limits,
		Total:     s.registry.total(),
		Providers: make(map[domain.ProviderID]*ProviderStats),
		Timestamp: s.opts.Now(),
	}

	provider := func(p domain.ProviderID) *ProviderStats {
		ps, ok := stats.Providers[p]
		if !ok {
			ps = &ProviderStats{PIDs: []int{}, Target: s.targets[p], Paused: s.paused[p]}
			stats.Providers[p] = ps
		}
		return ps
	}

	for p := range s.targets {
		provider(p)
	}
	for p := range s.paused {
		provider(p)
	}
	for _, proc := range s.registry.matching("") {
		ps := provider(proc.provider)
		ps.Alive++
		ps.PIDs = append(ps.PIDs, proc.pid())
	}
	return stats
}

// Alive returns the live process count of provider
func (s *Supervisor) Alive(provider domain.ProviderID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.alive(provider)
}

// Total returns the live process count of the node
func (s *Supervisor) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.total()
}

// Heartbeat refreshes the node record in the mirror
func (s *Supervisor) Heartbeat(ctx context.Context, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	return s.mirror.PutNode(ctx, domain.NodeRecord{
		NodeName:           s.opts.NodeName,
		PID:                os.Getpid(),
		WorkersPerProvider: s.opts.Limits.PerProviderTarget,
		StartedAt:          s.startedAt,
		LastHeartbeatAt:    s.opts.Now(),
	}, ttl)
}

// RunHeartbeat refreshes the node record every interval until ctx is done
// or a drain starts.
func (s *Supervisor) RunHeartbeat(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.Heartbeat(ctx, ttl); err != nil {
			s.logger.Warn("failed to refresh node heartbeat", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-s.state.DrainRequested():
			return
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) publish(eventType ports.EventType, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	event := ports.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Node:      s.opts.NodeName,
		Timestamp: s.opts.Now(),
		Data:      data,
	}
	if err := s.eventBus.Publish(ctx, ports.TopicPool, event); err != nil {
		s.logger.Debug("failed to publish pool event",
			zap.String("type", string(eventType)),
			zap.Error(err))
	}
}

// allExited is closed once every proc has exited
func allExited(procs []*process) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for _, p := range procs {
			<-p.handle.Done()
		}
		close(done)
	}()
	return done
}
