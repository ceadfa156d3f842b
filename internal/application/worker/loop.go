package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/kgworker/internal/application/runstate"
	"github.com/aescanero/kgworker/pkg/domain"
	"github.com/aescanero/kgworker/pkg/ports"
)

// State is the position of a worker loop in its cycle
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateExecuting
	StateReporting
	StateDraining
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateExecuting:
		return "executing"
	case StateReporting:
		return "reporting"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Session holds the downstream connections of one worker process
type Session struct {
	Queue    ports.TaskQueue
	Mirror   ports.RegistryMirror
	Throttle ports.Throttle
	Executor ports.Executor

	// Close releases the connections; may be nil.
	Close func() error
}

// Connector opens a Session. It runs once, after the process was spawned,
// so no connection is ever shared with the parent.
type Connector func(ctx context.Context) (*Session, error)

// Options configures a Loop
type Options struct {
	NodeName string
	Provider domain.ProviderID
	PID      int

	PopTimeout   time.Duration
	HeartbeatTTL time.Duration
	SuspendPoll  time.Duration
	MaxBackoff   time.Duration

	// Now is the clock; nil uses time.Now.
	Now func() time.Time
}

const minBackoff = time.Second

// Loop is the fetch-execute-report cycle of one worker process
type Loop struct {
	connect Connector
	state   *runstate.State
	opts    Options
	logger  *zap.Logger

	current   atomic.Int32
	session   *Session
	record    domain.WorkerProcessRecord
	consumer  string
	suspended bool
	backoff   time.Duration
}

// NewLoop creates a new worker loop
func NewLoop(connect Connector, state *runstate.State, opts Options, logger *zap.Logger) *Loop {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxBackoff < minBackoff {
		opts.MaxBackoff = minBackoff
	}

	return &Loop{
		connect:  connect,
		state:    state,
		opts:     opts,
		logger:   logger,
		consumer: domain.ConsumerID(opts.NodeName, opts.PID),
		backoff:  minBackoff,
	}
}

// State returns the current loop state
func (l *Loop) State() State {
	return State(l.current.Load())
}

func (l *Loop) setState(s State) {
	l.current.Store(int32(s))
}

// Run connects and loops until a drain is requested or ctx is done. An
// envelope already popped when the drain starts is executed and acked
// before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	session, err := l.connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect worker session: %w", err)
	}
	l.session = session
	defer func() {
		if session.Close != nil {
			if err := session.Close(); err != nil {
				l.logger.Warn("failed to close worker session", zap.Error(err))
			}
		}
	}()

	now := l.opts.Now()
	l.record = domain.WorkerProcessRecord{
		PID:             l.opts.PID,
		Provider:        l.opts.Provider,
		NodeName:        l.opts.NodeName,
		StartedAt:       now,
		LastHeartbeatAt: now,
	}
	l.heartbeat(ctx)

	// only fetching and waiting are interrupted by a drain
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.state.DrainRequested():
			cancel()
		case <-fetchCtx.Done():
		}
	}()

	l.logger.Info("worker loop started",
		zap.Duration("pop_timeout", l.opts.PopTimeout))

	for !l.stopping(ctx) {
		if l.waitWhileSuspended(ctx, fetchCtx) {
			continue
		}

		l.setState(StateFetching)
		env, err := l.session.Queue.Pop(fetchCtx, l.opts.Provider, l.consumer, l.opts.PopTimeout)
		if l.stopping(ctx) && env == nil {
			break
		}

		switch {
		case errors.Is(err, domain.ErrMalformedEnvelope):
			l.discard(ctx, env, err)
		case err != nil:
			l.logger.Error("failed to pop task envelope",
				zap.Duration("backoff", l.backoff),
				zap.Error(err))
			l.sleep(fetchCtx, l.backoff)
			l.backoff *= 2
			if l.backoff > l.opts.MaxBackoff {
				l.backoff = l.opts.MaxBackoff
			}
		case env == nil:
			l.backoff = minBackoff
			l.heartbeat(ctx)
		default:
			l.backoff = minBackoff
			l.process(ctx, env)
		}
		l.setState(StateIdle)
	}

	l.setState(StateDraining)
	l.logger.Info("worker loop stopped",
		zap.Int64("tasks_succeeded", l.record.TasksSucceeded),
		zap.Int64("tasks_failed", l.record.TasksFailed))
	return nil
}

func (l *Loop) stopping(ctx context.Context) bool {
	return l.state.Draining() || ctx.Err() != nil
}

// process executes one envelope and reports it
func (l *Loop) process(ctx context.Context, env *domain.TaskEnvelope) {
	logger := l.logger.With(
		zap.String("task_id", env.TaskID),
		zap.String("payload_ref", env.PayloadRef))

	l.setState(StateExecuting)
	started := l.opts.Now()
	l.record.TaskID = env.TaskID
	l.record.TaskStartedAt = &started
	l.heartbeat(ctx)

	logger.Debug("executing task")
	err := l.execute(ctx, env)
	duration := l.opts.Now().Sub(started)

	l.setState(StateReporting)
	if err != nil {
		l.record.TasksFailed++
		logger.Error("task failed",
			zap.Duration("duration", duration),
			zap.Error(err))
		l.recordFailure(ctx)
	} else {
		l.record.TasksSucceeded++
		logger.Info("task completed", zap.Duration("duration", duration))
		if err := l.session.Throttle.Reset(ctx, l.opts.Provider); err != nil {
			logger.Warn("failed to reset provider failures", zap.Error(err))
		}
	}

	if err := l.session.Queue.Ack(ctx, l.opts.Provider, l.consumer, env); err != nil {
		logger.Error("failed to ack task envelope", zap.Error(err))
	}

	l.record.TaskID = ""
	l.record.TaskStartedAt = nil
	l.heartbeat(ctx)
}

// execute runs the executor and turns a panic into an error
func (l *Loop) execute(ctx context.Context, env *domain.TaskEnvelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return l.session.Executor.Execute(ctx, env)
}

func (l *Loop) recordFailure(ctx context.Context) {
	count, suspended, err := l.session.Throttle.RecordFailure(ctx, l.opts.Provider)
	if err != nil {
		l.logger.Warn("failed to record provider failure", zap.Error(err))
		return
	}
	if suspended {
		l.logger.Warn("provider suspended after repeated failures",
			zap.Int("failures", count))
	}
}

// discard acks an envelope that cannot be associated with a task
func (l *Loop) discard(ctx context.Context, env *domain.TaskEnvelope, cause error) {
	l.logger.Error("discarding malformed task envelope", zap.Error(cause))
	if env == nil || env.Raw == "" {
		return
	}
	if err := l.session.Queue.Ack(ctx, l.opts.Provider, l.consumer, env); err != nil {
		l.logger.Error("failed to ack malformed envelope", zap.Error(err))
	}
}

// waitWhileSuspended reports true when the provider is suspended, after
// heartbeating and waiting one poll interval
func (l *Loop) waitWhileSuspended(ctx, fetchCtx context.Context) bool {
	suspended, err := l.session.Throttle.Suspended(fetchCtx, l.opts.Provider)
	if err != nil {
		if fetchCtx.Err() == nil {
			l.logger.Warn("failed to read provider suspension", zap.Error(err))
		}
		return false
	}

	if suspended != l.suspended {
		l.suspended = suspended
		if suspended {
			l.logger.Warn("provider suspended, not fetching",
				zap.Duration("poll", l.opts.SuspendPoll))
		} else {
			l.logger.Info("provider resumed")
		}
	}
	if !suspended {
		return false
	}

	l.setState(StateIdle)
	l.heartbeat(ctx)
	l.sleep(fetchCtx, l.opts.SuspendPoll)
	return true
}

func (l *Loop) heartbeat(ctx context.Context) {
	l.record.LastHeartbeatAt = l.opts.Now()
	if err := l.session.Mirror.PutWorker(ctx, l.record, l.opts.HeartbeatTTL); err != nil {
		l.logger.Warn("failed to refresh worker heartbeat", zap.Error(err))
	}
}

// sleep waits for d or until ctx is done
func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
