package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/kgworker/internal/application/runstate"
	eventsmemory "github.com/aescanero/kgworker/pkg/adapters/events/memory"
	queuememory "github.com/aescanero/kgworker/pkg/adapters/queue/memory"
	registrymemory "github.com/aescanero/kgworker/pkg/adapters/registry/memory"
	"github.com/aescanero/kgworker/pkg/domain"
	"github.com/aescanero/kgworker/pkg/ports"
)

const testNode = "node-a"

type fakeHandle struct {
	pid int

	mu         sync.Mutex
	signals    []os.Signal
	killed     bool
	exitCode   int
	ignoreTerm bool
	vanished   bool

	done chan struct{}
	once sync.Once
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	ignore := h.ignoreTerm
	h.mu.Unlock()

	if sig == syscall.SIGTERM && !ignore {
		h.exit(0)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.exit(-1)
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *fakeHandle) Alive() bool {
	h.mu.Lock()
	vanished := h.vanished
	h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
		return !vanished
	}
}

// exit simulates the process ending with code
func (h *fakeHandle) exit(code int) {
	h.once.Do(func() {
		h.mu.Lock()
		h.exitCode = code
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

func (h *fakeHandle) gotSignal(sig os.Signal) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.signals {
		if s == sig {
			return true
		}
	}
	return false
}

type fakeSpawner struct {
	mu         sync.Mutex
	nextPID    int
	handles    []*fakeHandle
	providers  []domain.ProviderID
	failAfter  int
	ignoreTerm bool
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPID: 1000, failAfter: -1}
}

func (s *fakeSpawner) Spawn(ctx context.Context, provider domain.ProviderID) (ports.ProcessHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAfter >= 0 && len(s.handles) >= s.failAfter {
		return nil, errors.New("fork/exec: resource temporarily unavailable")
	}

	s.nextPID++
	h := &fakeHandle{pid: s.nextPID, done: make(chan struct{}), ignoreTerm: s.ignoreTerm}
	s.handles = append(s.handles, h)
	s.providers = append(s.providers, provider)
	return h, nil
}

func (s *fakeSpawner) spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *fakeSpawner) handle(i int) *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[i]
}

func (s *fakeSpawner) all() []*fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeHandle(nil), s.handles...)
}

// fakeClock is a settable clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	sup     *Supervisor
	spawner *fakeSpawner
	mirror  *registrymemory.Registry
	queue   *queuememory.TaskQueue
	events  *eventsmemory.InMemoryEventBus
	state   *runstate.State
	clock   *fakeClock
}

func newTestEnv(t *testing.T, limits domain.PoolLimits) *testEnv {
	t.Helper()

	clock := newFakeClock()
	env := &testEnv{
		spawner: newFakeSpawner(),
		mirror:  registrymemory.NewRegistry(clock.Now),
		queue:   queuememory.NewTaskQueue(),
		events:  eventsmemory.NewInMemoryEventBus(),
		state:   runstate.New(),
		clock:   clock,
	}
	env.state.Transition(domain.RunStateRunning)

	env.sup = NewSupervisor(env.spawner, env.mirror, env.queue, env.events, nil, env.state, Options{
		NodeName:     testNode,
		Limits:       limits,
		HeartbeatTTL: time.Hour,
		StopGrace:    time.Second,
		Now:          clock.Now,
	}, zap.NewNop())

	t.Cleanup(func() {
		for _, h := range env.spawner.all() {
			h.exit(0)
		}
		env.events.Close()
	})
	return env
}

// waitFor polls cond until it holds or a second passes
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func limits(total, perProvider, target int) domain.PoolLimits {
	return domain.PoolLimits{
		MaxTotalProcesses: total,
		MaxPerProvider:    perProvider,
		PerProviderTarget: target,
	}
}
