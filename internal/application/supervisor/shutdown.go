package supervisor

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/kgworker/internal/application/runstate"
	"github.com/aescanero/kgworker/pkg/domain"
	"github.com/aescanero/kgworker/pkg/ports"
)

// DrainHook runs once a drain has started, e.g. to stop status servers.
// ctx expires at the end of the grace window, or right away when a second
// signal escalates the drain.
type DrainHook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   DrainHook
}

// DrainResult describes how a drain ended
type DrainResult struct {
	// Forced is set when processes had to be killed.
	Forced bool
	// Escalated is set when a second signal cut the grace window short.
	Escalated bool
	Killed    int
	Duration  time.Duration
}

// Coordinator turns a termination signal into a bounded drain of every
// process this node owns
type Coordinator struct {
	sup     *Supervisor
	guard   *Guard
	state   *runstate.State
	grace   time.Duration
	metrics ports.MetricsCollector
	logger  *zap.Logger

	mu    sync.Mutex
	hooks []namedHook
	once  sync.Once
}

// NewCoordinator creates a new shutdown coordinator. guard may be nil when
// the Guard Loop is disabled.
func NewCoordinator(
	sup *Supervisor,
	guard *Guard,
	state *runstate.State,
	grace time.Duration,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) *Coordinator {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Coordinator{
		sup:     sup,
		guard:   guard,
		state:   state,
		grace:   grace,
		metrics: metrics,
		logger:  logger,
	}
}

// OnDrain registers a hook that runs right after the drain starts
func (c *Coordinator) OnDrain(name string, fn DrainHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, namedHook{name: name, fn: fn})
}

// Run blocks until the first signal arrives or ctx is done, then drains.
// A further signal during the drain skips the rest of the grace window.
func (c *Coordinator) Run(ctx context.Context, signals <-chan os.Signal) DrainResult {
	select {
	case sig := <-signals:
		c.logger.Info("termination signal received, draining",
			zap.String("signal", sig.String()),
			zap.Duration("grace", c.grace))
	case <-ctx.Done():
		c.logger.Info("context cancelled, draining",
			zap.Duration("grace", c.grace))
	}

	return c.Drain(signals)
}

// Drain runs the drain protocol. It only runs once; later calls return a
// zero result.
func (c *Coordinator) Drain(escalate <-chan os.Signal) DrainResult {
	var result DrainResult
	c.once.Do(func() {
		result = c.drain(escalate)
	})
	return result
}

func (c *Coordinator) drain(escalate <-chan os.Signal) DrainResult {
	start := time.Now()
	deadline := start.Add(c.grace)

	c.state.Transition(domain.RunStateDraining)
	c.sup.publish(ports.EventTypeDrainStarted, map[string]interface{}{
		"grace_seconds": c.grace.Seconds(),
	})

	c.sup.mu.Lock()
	procs := c.sup.registry.matching("")
	for _, p := range procs {
		p.stopping = true
	}
	c.sup.mu.Unlock()

	for _, p := range procs {
		if err := p.handle.Signal(syscall.SIGTERM); err != nil {
			c.logger.Warn("failed to signal worker process",
				zap.Int("pid", p.pid()),
				zap.Error(err))
		}
	}
	c.logger.Info("drain started",
		zap.Int("processes", len(procs)))

	// a running tick may take a while; the workers are already stopping
	if c.guard != nil {
		c.guard.Stop()
	}

	hooksDone, cancelHooks := c.runHooks(deadline)
	defer cancelHooks()

	var result DrainResult
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-allExited(procs):
	case <-timer.C:
		result.Forced = true
	case sig := <-escalate:
		c.logger.Warn("second termination signal, force-terminating now",
			zap.String("signal", sig.String()))
		result.Forced = true
		result.Escalated = true
	}

	if result.Forced {
		result.Killed = c.sup.kill(procs)
		if result.Killed == 0 {
			result.Forced = false
		}
	}

	if result.Escalated {
		cancelHooks()
	}
	<-hooksDone

	c.sup.mu.Lock()
	var removed []*process
	for _, p := range procs {
		if r := c.sup.registry.remove(p.pid()); r != nil {
			removed = append(removed, r)
		}
	}
	c.sup.mu.Unlock()
	c.sup.afterRemoval(removed)

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	if err := c.sup.mirror.ClearNode(ctx, c.sup.opts.NodeName); err != nil {
		c.logger.Warn("failed to clear node records", zap.Error(err))
	}
	cancel()

	result.Duration = time.Since(start)
	c.state.Transition(domain.RunStateStopped)
	c.metrics.RecordDrain(result.Forced, result.Duration)
	c.sup.publish(ports.EventTypeDrainCompleted, map[string]interface{}{
		"forced":    result.Forced,
		"escalated": result.Escalated,
		"killed":    result.Killed,
	})

	c.logger.Info("drain completed",
		zap.Bool("forced", result.Forced),
		zap.Bool("escalated", result.Escalated),
		zap.Int("killed", result.Killed),
		zap.Duration("duration", result.Duration))

	return result
}

// runHooks starts every drain hook concurrently. The returned channel is
// closed once all of them returned; cancel ends their ctx early.
func (c *Coordinator) runHooks(deadline time.Time) (<-chan struct{}, context.CancelFunc) {
	c.mu.Lock()
	hooks := append([]namedHook(nil), c.hooks...)
	c.mu.Unlock()

	done := make(chan struct{})
	ctx, cancel := context.WithDeadline(context.Background(), deadline)

	var wg sync.WaitGroup
	for _, h := range hooks {
		wg.Add(1)
		go func(h namedHook) {
			defer wg.Done()
			if err := h.fn(ctx); err != nil {
				c.logger.Warn("drain hook failed",
					zap.String("hook", h.name),
					zap.Error(err))
			}
		}(h)
	}

	go func() {
		wg.Wait()
		cancel()
		close(done)
	}()
	return done, cancel
}
