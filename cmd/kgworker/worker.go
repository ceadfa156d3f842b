package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/aescanero/kgworker/internal/application/runstate"
	"github.com/aescanero/kgworker/internal/application/worker"
	"github.com/aescanero/kgworker/internal/config"
	"github.com/aescanero/kgworker/pkg/adapters/executor"
	queueredis "github.com/aescanero/kgworker/pkg/adapters/queue/redis"
	registryredis "github.com/aescanero/kgworker/pkg/adapters/registry/redis"
	throttleredis "github.com/aescanero/kgworker/pkg/adapters/throttle/redis"
	"github.com/aescanero/kgworker/pkg/domain"
)

// runWorker runs one worker process for the provider named in the
// environment. A stop signal only starts the drain; the task in progress
// is finished before the process exits.
func runWorker() int {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.ValidateWorker()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	provider := domain.NormalizeProvider(cfg.Worker.Provider)
	pid := os.Getpid()

	logger := initLogger(cfg.LogLevel).With(
		zap.String("node", cfg.NodeName),
		zap.String("provider", string(provider)),
		zap.Int("pid", pid))
	defer logger.Sync()

	state := runstate.New()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		logger.Info("stop signal received, draining", zap.String("signal", sig.String()))
		state.Transition(domain.RunStateDraining)
	}()

	connect := func(ctx context.Context) (*worker.Session, error) {
		client := newRedisClient(cfg.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}

		exe, err := executor.New(&executor.Config{
			Command: cfg.Executor.Command,
			WorkDir: cfg.Executor.WorkDir,
			Timeout: cfg.Executor.TaskTimeout,
			Logger:  logger,
		})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create executor: %w", err)
		}

		return &worker.Session{
			Queue:    queueredis.NewTaskQueue(client, logger),
			Mirror:   registryredis.NewRegistry(client, logger),
			Throttle: throttleredis.NewThrottle(client, cfg.Throttle.MaxFailures, cfg.Throttle.SuspendDuration, logger),
			Executor: exe,
			Close:    client.Close,
		}, nil
	}

	loop := worker.NewLoop(connect, state, worker.Options{
		NodeName:     cfg.NodeName,
		Provider:     provider,
		PID:          pid,
		PopTimeout:   cfg.Worker.PopTimeout,
		HeartbeatTTL: cfg.Worker.HeartbeatTTL,
		SuspendPoll:  cfg.Worker.SuspendPoll,
		MaxBackoff:   cfg.Worker.MaxBackoff,
	}, logger)

	state.Transition(domain.RunStateRunning)
	if err := loop.Run(context.Background()); err != nil {
		logger.Error("worker process failed", zap.Error(err))
		return 1
	}
	return 0
}
