package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/kgworker/internal/application/runstate"
	queuememory "github.com/aescanero/kgworker/pkg/adapters/queue/memory"
	registrymemory "github.com/aescanero/kgworker/pkg/adapters/registry/memory"
	throttlememory "github.com/aescanero/kgworker/pkg/adapters/throttle/memory"
	"github.com/aescanero/kgworker/pkg/domain"
)

const (
	testNode = "node-a"
	testPID  = 4242
)

var testConsumer = domain.ConsumerID(testNode, testPID)

// countingMirror counts heartbeats on top of the in-memory registry
type countingMirror struct {
	*registrymemory.Registry
	puts atomic.Int64
}

func (m *countingMirror) PutWorker(ctx context.Context, rec domain.WorkerProcessRecord, ttl time.Duration) error {
	m.puts.Add(1)
	return m.Registry.PutWorker(ctx, rec, ttl)
}

// funcExecutor runs fn for every envelope
type funcExecutor struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, env *domain.TaskEnvelope) error
}

func (e *funcExecutor) Execute(ctx context.Context, env *domain.TaskEnvelope) error {
	e.mu.Lock()
	e.calls = append(e.calls, env.TaskID)
	e.mu.Unlock()
	if e.fn == nil {
		return nil
	}
	return e.fn(ctx, env)
}

func (e *funcExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

type harness struct {
	loop     *Loop
	state    *runstate.State
	queue    *queuememory.TaskQueue
	mirror   *countingMirror
	throttle *throttlememory.Throttle
	executor *funcExecutor
	closed   atomic.Bool
	done     chan error
}

func newHarness(t *testing.T, provider domain.ProviderID) *harness {
	t.Helper()

	h := &harness{
		state:    runstate.New(),
		queue:    queuememory.NewTaskQueue(),
		mirror:   &countingMirror{Registry: registrymemory.NewRegistry(nil)},
		throttle: throttlememory.NewThrottle(3, time.Hour, nil),
		executor: &funcExecutor{},
	}
	h.state.Transition(domain.RunStateRunning)

	connect := func(ctx context.Context) (*Session, error) {
		return &Session{
			Queue:    h.queue,
			Mirror:   h.mirror,
			Throttle: h.throttle,
			Executor: h.executor,
			Close: func() error {
				h.closed.Store(true)
				return nil
			},
		}, nil
	}

	h.loop = NewLoop(connect, h.state, Options{
		NodeName:     testNode,
		Provider:     provider,
		PID:          testPID,
		PopTimeout:   20 * time.Millisecond,
		HeartbeatTTL: time.Minute,
		SuspendPoll:  10 * time.Millisecond,
		MaxBackoff:   time.Second,
	}, zap.NewNop())
	return h
}

func (h *harness) start() {
	h.done = make(chan error, 1)
	go func() { h.done <- h.loop.Run(context.Background()) }()
}

// drain requests a drain and waits for Run to return
func (h *harness) drain(t *testing.T) {
	t.Helper()
	h.state.Transition(domain.RunStateDraining)
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after drain")
	}
}

func (h *harness) push(t *testing.T, provider domain.ProviderID, taskID string) {
	t.Helper()
	env := &domain.TaskEnvelope{TaskID: taskID, Provider: provider}
	if err := h.queue.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEmptyQueueKeepsFetchingAndHeartbeating(t *testing.T) {
	h := newHarness(t, "openai")
	h.start()

	waitFor(t, "heartbeats", func() bool { return h.mirror.puts.Load() >= 5 })
	if got := h.loop.State(); got != StateFetching && got != StateIdle {
		t.Errorf("State() = %v, want fetching", got)
	}
	h.drain(t)

	if got := len(h.executor.executed()); got != 0 {
		t.Errorf("executor called %d times on an empty queue", got)
	}
	if !h.closed.Load() {
		t.Error("session not closed on exit")
	}
	if got := h.loop.State(); got != StateDraining {
		t.Errorf("State() = %v after exit, want draining", got)
	}
}

func TestTasksAreExecutedInOrderAndAcked(t *testing.T) {
	h := newHarness(t, "openai")
	for _, id := range []string{"1", "2", "3"} {
		h.push(t, "openai", id)
	}
	h.start()

	waitFor(t, "three tasks", func() bool { return len(h.executor.executed()) == 3 })
	h.drain(t)

	got := h.executor.executed()
	for i, want := range []string{"1", "2", "3"} {
		if got[i] != want {
			t.Errorf("task %d = %s, want %s", i, got[i], want)
		}
	}
	if n, _ := h.queue.InFlight(context.Background(), "openai", testConsumer); n != 0 {
		t.Errorf("in-flight = %d after acks, want 0", n)
	}

	records, _ := h.mirror.ListWorkers(context.Background(), testNode)
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].TasksSucceeded != 3 || records[0].TaskID != "" {
		t.Errorf("record = %+v, want 3 succeeded and no current task", records[0])
	}
}

func TestFailedTaskDoesNotStopTheLoop(t *testing.T) {
	h := newHarness(t, "openai")
	h.executor.fn = func(ctx context.Context, env *domain.TaskEnvelope) error {
		if env.TaskID == "bad" {
			return errors.New("upstream returned 500")
		}
		return nil
	}
	h.push(t, "openai", "bad")
	h.push(t, "openai", "good")
	h.start()

	waitFor(t, "both tasks", func() bool { return len(h.executor.executed()) == 2 })
	h.drain(t)

	records, _ := h.mirror.ListWorkers(context.Background(), testNode)
	if records[0].TasksFailed != 1 || records[0].TasksSucceeded != 1 {
		t.Errorf("record = %+v, want one failed and one succeeded", records[0])
	}
	// the success reset the failure counter
	count, _, _ := h.throttle.RecordFailure(context.Background(), "openai")
	if count != 1 {
		t.Errorf("failure count = %d after reset, want 1", count)
	}
}

func TestExecutorPanicIsRecovered(t *testing.T) {
	h := newHarness(t, "openai")
	h.executor.fn = func(ctx context.Context, env *domain.TaskEnvelope) error {
		if env.TaskID == "boom" {
			panic("nil map write")
		}
		return nil
	}
	h.push(t, "openai", "boom")
	h.push(t, "openai", "after")
	h.start()

	waitFor(t, "task after the panic", func() bool { return len(h.executor.executed()) == 2 })
	h.drain(t)

	if n, _ := h.queue.InFlight(context.Background(), "openai", testConsumer); n != 0 {
		t.Errorf("in-flight = %d, want 0", n)
	}
}

func TestMalformedEnvelopeIsDiscarded(t *testing.T) {
	h := newHarness(t, "openai")
	h.queue.PushRaw("openai", "not json at all")
	h.push(t, "openai", "7")
	h.start()

	waitFor(t, "valid task", func() bool { return len(h.executor.executed()) == 1 })
	h.drain(t)

	if got := h.executor.executed(); got[0] != "7" {
		t.Errorf("executed %v, want only 7", got)
	}
	if n, _ := h.queue.InFlight(context.Background(), "openai", testConsumer); n != 0 {
		t.Errorf("malformed envelope still in flight")
	}
	if n, _ := h.queue.Length(context.Background(), "openai"); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestDrainFinishesInFlightTask(t *testing.T) {
	h := newHarness(t, "openai")
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	h.executor.fn = func(ctx context.Context, env *domain.TaskEnvelope) error {
		close(started)
		<-release
		if ctx.Err() != nil {
			return ctx.Err()
		}
		finished.Store(true)
		return nil
	}
	h.push(t, "openai", "long")
	h.push(t, "openai", "next")
	h.start()

	<-started
	h.state.Transition(domain.RunStateDraining)
	if got := h.loop.State(); got != StateExecuting {
		t.Errorf("State() = %v during the task, want executing", got)
	}
	close(release)

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return")
	}

	if !finished.Load() {
		t.Error("in-flight task was interrupted by the drain")
	}
	if got := h.executor.executed(); len(got) != 1 {
		t.Errorf("executed %v, want only the in-flight task", got)
	}
	if n, _ := h.queue.Length(context.Background(), "openai"); n != 1 {
		t.Errorf("queue length = %d, want the next task left waiting", n)
	}
	if n, _ := h.queue.InFlight(context.Background(), "openai", testConsumer); n != 0 {
		t.Errorf("in-flight = %d, want the finished task acked", n)
	}
}

func TestSuspendedProviderIsNotFetched(t *testing.T) {
	h := newHarness(t, "openai")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.throttle.RecordFailure(ctx, "openai")
	}
	h.push(t, "openai", "1")
	h.start()

	before := h.mirror.puts.Load()
	waitFor(t, "heartbeats while suspended", func() bool { return h.mirror.puts.Load() >= before+3 })
	if got := len(h.executor.executed()); got != 0 {
		t.Fatalf("executed %d tasks while suspended", got)
	}

	h.throttle.Clear(ctx, "openai")
	waitFor(t, "task after resume", func() bool { return len(h.executor.executed()) == 1 })
	h.drain(t)
}

func TestRulesProviderIsNeverSuspended(t *testing.T) {
	h := newHarness(t, domain.ProviderRules)
	h.executor.fn = func(ctx context.Context, env *domain.TaskEnvelope) error {
		return errors.New("rule set missing")
	}
	for _, id := range []string{"1", "2", "3", "4"} {
		h.push(t, domain.ProviderRules, id)
	}
	h.start()

	waitFor(t, "all rules tasks", func() bool { return len(h.executor.executed()) == 4 })
	h.drain(t)
}

func TestConnectFailure(t *testing.T) {
	loop := NewLoop(func(ctx context.Context) (*Session, error) {
		return nil, errors.New("dial tcp: connection refused")
	}, runstate.New(), Options{Provider: "openai"}, zap.NewNop())

	if err := loop.Run(context.Background()); err == nil {
		t.Error("Run() error = nil when the connector fails")
	}
}
