package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	lockredis "github.com/aescanero/kgworker/pkg/adapters/lock/redis"
	"github.com/aescanero/kgworker/pkg/domain"
)

func newTestGuard(env *testEnv, providers ...domain.ProviderID) *Guard {
	return NewGuard(env.sup, nil, GuardOptions{
		Providers:        providers,
		Target:           2,
		Interval:         time.Hour,
		NodeHeartbeatTTL: time.Minute,
	}, zap.NewNop())
}

func TestGuardSingleton(t *testing.T) {
	env := newTestEnv(t, limits(10, 10, 2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := newTestGuard(env, "openai")
	second := newTestGuard(env, "openai")

	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := first.Start(ctx); !errors.Is(err, ErrGuardActive) {
		t.Errorf("repeated Start() error = %v, want %v", err, ErrGuardActive)
	}
	if err := second.Start(ctx); !errors.Is(err, ErrGuardActive) {
		t.Errorf("second guard Start() error = %v, want %v", err, ErrGuardActive)
	}

	// the first tick runs immediately
	waitFor(t, "first tick", func() bool { return env.sup.Alive("openai") == 2 })

	first.Stop()
	if err := second.Start(ctx); err != nil {
		t.Errorf("Start() after Stop error = %v", err)
	}
	second.Stop()

	if got := env.spawner.spawned(); got != 2 {
		t.Errorf("spawned %d, want 2", got)
	}
}

func TestGuardCanRestartAfterContextEnds(t *testing.T) {
	env := newTestEnv(t, limits(10, 10, 2))

	ctx, cancel := context.WithCancel(context.Background())
	first := newTestGuard(env, "openai")
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "first tick", func() bool { return env.sup.Alive("openai") == 2 })

	cancel()
	waitFor(t, "guard loop exit", func() bool {
		env.sup.mu.Lock()
		defer env.sup.mu.Unlock()
		return !env.sup.guardActive
	})

	second := newTestGuard(env, "openai")
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("Start() after the first loop ended error = %v", err)
	}
	second.Stop()
	first.Stop()
}

func TestGuardRestoresKilledWorker(t *testing.T) {
	env := newTestEnv(t, limits(3, 10, 2))
	guard := newTestGuard(env, "openai", "rules")
	ctx := context.Background()

	if err := guard.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if got := env.sup.Total(); got != 3 {
		t.Fatalf("total = %d, want 3", got)
	}

	env.spawner.handle(0).exit(137)

	if err := guard.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if got := env.sup.Alive("openai"); got != 2 {
		t.Errorf("alive(openai) = %d, want 2", got)
	}
	if got := env.sup.Total(); got != 3 {
		t.Errorf("total = %d, want 3", got)
	}
	if got := env.spawner.spawned(); got != 4 {
		t.Errorf("spawned %d, want 4", got)
	}
}

func TestGuardRemovesExpiredRecordAndReplaces(t *testing.T) {
	env := newTestEnv(t, limits(10, 2, 2))
	guard := newTestGuard(env, "openai")
	ctx := context.Background()

	// left behind by a previous run of this node
	leftover := domain.WorkerProcessRecord{
		PID:             123,
		Provider:        "openai",
		NodeName:        testNode,
		StartedAt:       env.clock.Now().Add(-3 * time.Hour),
		LastHeartbeatAt: env.clock.Now().Add(-2 * time.Hour),
	}
	if err := env.mirror.PutWorker(ctx, leftover, 24*time.Hour); err != nil {
		t.Fatalf("PutWorker() error = %v", err)
	}
	consumer := leftover.Consumer()
	env.queue.PushRaw("openai", `{"task_id":"9"}`)
	if _, err := env.queue.Pop(ctx, "openai", consumer, time.Second); err != nil {
		t.Fatalf("Pop() error = %v", err)
	}

	if err := guard.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	records, _ := env.mirror.ListWorkers(ctx, testNode)
	for _, rec := range records {
		if rec.PID == 123 {
			t.Error("stale record for pid 123 was not removed")
		}
	}
	if got := env.sup.Alive("openai"); got != 2 {
		t.Errorf("alive(openai) = %d, want 2", got)
	}
	if n, _ := env.queue.InFlight(ctx, "openai", consumer); n != 0 {
		t.Errorf("in-flight of pid 123 = %d, want 0", n)
	}
	if n, _ := env.queue.Length(ctx, "openai"); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}

func TestGuardKillsHungWorker(t *testing.T) {
	env := newTestEnv(t, limits(10, 10, 1))
	guard := NewGuard(env.sup, nil, GuardOptions{
		Providers:        []domain.ProviderID{"openai"},
		Target:           1,
		Interval:         time.Hour,
		NodeHeartbeatTTL: time.Minute,
	}, zap.NewNop())
	ctx := context.Background()

	if err := guard.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	hung := env.spawner.handle(0)

	// no heartbeat for longer than the TTL
	env.clock.Advance(2 * time.Hour)

	if err := guard.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if !hung.wasKilled() {
		t.Error("hung worker was not killed")
	}
	if got := env.sup.Alive("openai"); got != 1 {
		t.Errorf("alive(openai) = %d, want 1", got)
	}
	if got := env.spawner.spawned(); got != 2 {
		t.Errorf("spawned %d, want 2", got)
	}
}

func TestGuardKeepsWorkerWithFreshHeartbeat(t *testing.T) {
	env := newTestEnv(t, limits(10, 10, 1))
	guard := newTestGuard(env, "openai")
	ctx := context.Background()

	guard.Tick(ctx)
	h := env.spawner.handle(0)

	env.clock.Advance(2 * time.Hour)
	env.mirror.PutWorker(ctx, domain.WorkerProcessRecord{
		PID:             h.pid,
		Provider:        "openai",
		NodeName:        testNode,
		LastHeartbeatAt: env.clock.Now(),
	}, time.Hour)

	guard.Tick(ctx)
	if h.wasKilled() {
		t.Error("worker with a fresh heartbeat was killed")
	}
}

func TestGuardTickFailsWhenRegistryUnavailable(t *testing.T) {
	env := newTestEnv(t, limits(10, 10, 2))
	guard := newTestGuard(env, "openai")
	ctx := context.Background()

	env.mirror.SetError(errors.New("connection refused"))
	err := guard.Tick(ctx)
	if !errors.Is(err, ErrRegistryUnavailable) {
		t.Fatalf("Tick() error = %v, want %v", err, ErrRegistryUnavailable)
	}
	if got := env.spawner.spawned(); got != 0 {
		t.Errorf("spawned %d on a failed tick, want 0", got)
	}

	env.mirror.SetError(nil)
	if err := guard.Tick(ctx); err != nil {
		t.Fatalf("Tick() after recovery error = %v", err)
	}
	if got := env.sup.Alive("openai"); got != 2 {
		t.Errorf("alive(openai) = %d, want 2", got)
	}
}

func TestGuardSkipsWhenLockHeld(t *testing.T) {
	env := newTestEnv(t, limits(10, 10, 2))
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	locker := lockredis.NewLocker(client)
	ctx := context.Background()

	guard := NewGuard(env.sup, locker, GuardOptions{
		Providers:        []domain.ProviderID{"openai"},
		Target:           2,
		Interval:         time.Hour,
		NodeHeartbeatTTL: time.Minute,
	}, zap.NewNop())

	token, err := locker.TryLock(ctx, LockKey(testNode), time.Minute)
	if err != nil || token == "" {
		t.Fatalf("TryLock() = %q, %v", token, err)
	}

	if err := guard.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if got := env.spawner.spawned(); got != 0 {
		t.Errorf("spawned %d while the lock was held, want 0", got)
	}

	locker.Unlock(ctx, LockKey(testNode), token)
	if err := guard.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if got := env.spawner.spawned(); got != 2 {
		t.Errorf("spawned %d, want 2", got)
	}
	if mr.Exists(LockKey(testNode)) {
		t.Error("guard lock not released after the tick")
	}
}

func TestGuardSkipsPausedProvider(t *testing.T) {
	env := newTestEnv(t, limits(10, 10, 2))
	guard := newTestGuard(env, "openai", "rules")
	ctx := context.Background()

	guard.Tick(ctx)
	env.sup.StopPool(ctx, "openai")

	guard.Tick(ctx)
	if got := env.sup.Alive("openai"); got != 0 {
		t.Errorf("alive(openai) = %d, want 0 while paused", got)
	}
	if got := env.sup.Alive("rules"); got != 2 {
		t.Errorf("alive(rules) = %d, want 2", got)
	}
}

func TestGuardDoesNothingWhileDraining(t *testing.T) {
	env := newTestEnv(t, limits(10, 10, 2))
	guard := newTestGuard(env, "openai")
	env.state.Transition(domain.RunStateDraining)

	if err := guard.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if got := env.spawner.spawned(); got != 0 {
		t.Errorf("spawned %d while draining, want 0", got)
	}
}
