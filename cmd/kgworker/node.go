package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/aescanero/kgworker/internal/application/runstate"
	"github.com/aescanero/kgworker/internal/application/supervisor"
	"github.com/aescanero/kgworker/internal/config"
	eventsredis "github.com/aescanero/kgworker/pkg/adapters/events/redis"
	lockredis "github.com/aescanero/kgworker/pkg/adapters/lock/redis"
	metricsprom "github.com/aescanero/kgworker/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/kgworker/pkg/adapters/process"
	queueredis "github.com/aescanero/kgworker/pkg/adapters/queue/redis"
	registryredis "github.com/aescanero/kgworker/pkg/adapters/registry/redis"
	throttleredis "github.com/aescanero/kgworker/pkg/adapters/throttle/redis"
	"github.com/aescanero/kgworker/pkg/api/grpc"
	"github.com/aescanero/kgworker/pkg/api/http"
	"github.com/aescanero/kgworker/pkg/api/websocket"
	"github.com/aescanero/kgworker/pkg/domain"
	"github.com/aescanero/kgworker/pkg/ports"
)

var errNoProviders = errors.New("no providers resolved")

// runNode runs the node supervisor until a drain completes
func runNode() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger := initLogger(cfg.LogLevel).With(zap.String("node", cfg.NodeName))
	defer logger.Sync()

	logger.Info("starting kgworker node",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	redisClient := newRedisClient(cfg.Redis)
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	err = redisClient.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		logger.Error("failed to connect to Redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		return 1
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	registry := registryredis.NewRegistry(redisClient, logger)

	providers, err := resolveProviders(ctx, cfg, registry)
	if err != nil {
		logger.Error("failed to resolve providers", zap.Error(err))
		return 1
	}
	if cfg.ExplicitProviders() != nil {
		if err := registry.RegisterProviders(ctx, providers...); err != nil {
			logger.Warn("failed to register providers", zap.Error(err))
		}
	}

	queue := queueredis.NewTaskQueue(redisClient, logger)
	throttle := throttleredis.NewThrottle(redisClient, cfg.Throttle.MaxFailures, cfg.Throttle.SuspendDuration, logger)
	eventBus := eventsredis.NewStreamsEventBus(redisClient, logger)
	defer eventBus.Close()
	metricsCollector := metricsprom.NewCollector(prometheus.DefaultRegisterer)

	spawner, err := process.SelfSpawner(logger)
	if err != nil {
		logger.Error("failed to create process spawner", zap.Error(err))
		return 1
	}
	// children must report under the resolved node name
	spawner.Env["KG_WORKER_NODE_NAME"] = cfg.NodeName

	state := runstate.New()
	limits := cfg.Limits()

	sup := supervisor.NewSupervisor(
		spawner,
		registry,
		queue,
		eventBus,
		metricsCollector,
		state,
		supervisor.Options{
			NodeName:     cfg.NodeName,
			Limits:       limits,
			HeartbeatTTL: cfg.Worker.HeartbeatTTL,
			StopGrace:    cfg.Timeouts.StopGrace,
		},
		logger,
	)

	var guard *supervisor.Guard
	if cfg.Pool.GuardEnabled {
		guard = supervisor.NewGuard(sup, lockredis.NewLocker(redisClient), supervisor.GuardOptions{
			Providers:        providers,
			Target:           limits.PerProviderTarget,
			Interval:         cfg.Pool.GuardInterval,
			NodeHeartbeatTTL: cfg.Worker.NodeHeartbeatTTL,
		}, logger)
	}

	coordinator := supervisor.NewCoordinator(sup, guard, state, cfg.Timeouts.ShutdownGrace, metricsCollector, logger)

	httpServer := http.NewServer(&http.Config{
		Port:      cfg.HTTPPort,
		Pool:      sup,
		Registry:  registry,
		Queue:     queue,
		Throttle:  throttle,
		State:     state,
		Providers: providers,
		Target:    limits.PerProviderTarget,
		Logger:    logger,
	})
	httpServer.SetupWebSocket(websocket.NewHandler(eventBus, logger))

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:   cfg.GRPCPort,
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to create gRPC server", zap.Error(err))
		return 1
	}

	coordinator.OnDrain("grpc", func(ctx context.Context) error {
		grpcServer.SetServing(false)
		return grpcServer.Shutdown(ctx)
	})
	coordinator.OnDrain("http", httpServer.Shutdown)

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	// signals are routed before any child exists
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	state.Transition(domain.RunStateRunning)
	grpcServer.SetServing(true)

	report := sup.RequestPool(ctx, providers, limits.PerProviderTarget)
	logger.Info("kgworker node started",
		zap.Strings("providers", providerNames(providers)),
		zap.Int("spawned", report.SpawnedCount()),
		zap.Int("shortfalls", len(report.Shortfalls)),
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("max_total_processes", limits.MaxTotalProcesses),
		zap.Int("max_per_provider", limits.MaxPerProvider))

	go sup.RunHeartbeat(ctx, cfg.Worker.NodeHeartbeatInterval, cfg.Worker.NodeHeartbeatTTL)

	if guard != nil {
		if err := guard.Start(ctx); err != nil {
			logger.Error("failed to start guard loop", zap.Error(err))
		}
	}

	result := coordinator.Run(ctx, sigCh)

	logger.Info("kgworker node shut down complete",
		zap.Bool("forced", result.Forced),
		zap.Duration("drain", result.Duration.Round(time.Millisecond)))
	return 0
}

// resolveProviders returns the explicit providers, or discovers them once
// from the provider directory
func resolveProviders(ctx context.Context, cfg *config.Config, dir ports.ProviderDirectory) ([]domain.ProviderID, error) {
	if providers := cfg.ExplicitProviders(); providers != nil {
		return providers, nil
	}

	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	discovered, err := dir.ActiveProviders(dctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover providers: %w", err)
	}

	providers := cfg.WithRules(discovered)
	if len(providers) == 0 {
		return nil, errNoProviders
	}
	return providers, nil
}

func providerNames(providers []domain.ProviderID) []string {
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = string(p)
	}
	return names
}
