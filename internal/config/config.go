package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/aescanero/kgworker/pkg/domain"
)

// Config holds all configuration for a worker node and its worker processes
type Config struct {
	// Node identity
	NodeName string `env:"KG_WORKER_NODE_NAME"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Server configuration
	HTTPPort int `env:"KG_HTTP_PORT" envDefault:"8080"`
	GRPCPort int `env:"KG_GRPC_PORT" envDefault:"9090"`

	// Redis configuration
	Redis RedisConfig

	// Pool configuration
	Pool PoolConfig

	// Worker process configuration
	Worker WorkerConfig

	// Provider throttling
	Throttle ThrottleConfig

	// Task executor
	Executor ExecutorConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR,required"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// PoolConfig holds the process ceilings and the guard settings
type PoolConfig struct {
	Providers          []string      `env:"KG_WORKER_PROVIDERS" envSeparator:","`
	IncludeRules       bool          `env:"KG_INCLUDE_RULES" envDefault:"true"`
	WorkersPerProvider int           `env:"KG_WORKERS_PER_PROVIDER" envDefault:"2"`
	MaxTotalProcesses  int           `env:"KG_MAX_TOTAL_PROCESSES" envDefault:"50"`
	MaxPerProvider     int           `env:"KG_MAX_PROCESSES_PER_PROVIDER" envDefault:"10"`
	GuardEnabled       bool          `env:"KG_GUARD_ENABLED" envDefault:"true"`
	GuardInterval      time.Duration `env:"KG_GUARD_INTERVAL" envDefault:"30s"`
}

// WorkerConfig holds the worker process loop settings
type WorkerConfig struct {
	// Provider is set by the node for each spawned worker process.
	Provider     string        `env:"KG_WORKER_PROVIDER"`
	PopTimeout   time.Duration `env:"KG_WORKER_POP_TIMEOUT" envDefault:"3s"`
	HeartbeatTTL time.Duration `env:"KG_WORKER_HEARTBEAT_TTL" envDefault:"1h"`
	SuspendPoll  time.Duration `env:"KG_WORKER_SUSPEND_POLL" envDefault:"5s"`
	MaxBackoff   time.Duration `env:"KG_WORKER_MAX_BACKOFF" envDefault:"8s"`

	NodeHeartbeatTTL      time.Duration `env:"KG_NODE_HEARTBEAT_TTL" envDefault:"180s"`
	NodeHeartbeatInterval time.Duration `env:"KG_NODE_HEARTBEAT_INTERVAL" envDefault:"60s"`
}

// ThrottleConfig holds provider suspension settings
type ThrottleConfig struct {
	MaxFailures     int           `env:"KG_PROVIDER_MAX_FAILURES" envDefault:"3"`
	SuspendDuration time.Duration `env:"KG_PROVIDER_SUSPEND_DURATION" envDefault:"10m"`
}

// ExecutorConfig holds the task executor settings
type ExecutorConfig struct {
	Command     []string      `env:"KG_EXECUTOR_COMMAND" envSeparator:" "`
	WorkDir     string        `env:"KG_EXECUTOR_WORKDIR"`
	TaskTimeout time.Duration `env:"KG_TASK_TIMEOUT" envDefault:"0s"`
}

// TimeoutConfig holds shutdown timeouts
type TimeoutConfig struct {
	ShutdownGrace time.Duration `env:"KG_SHUTDOWN_GRACE" envDefault:"15s"`
	StopGrace     time.Duration `env:"KG_STOP_GRACE" envDefault:"10s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.NodeName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "worker-node"
		}
		cfg.NodeName = hostname
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	if strings.TrimSpace(c.NodeName) == "" {
		return fmt.Errorf("node name is required")
	}

	// Validate Redis config
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	// Validate pool config
	if err := c.Limits().Validate(); err != nil {
		return err
	}
	if c.Pool.GuardInterval <= 0 {
		return fmt.Errorf("guard interval must be positive")
	}

	// Validate worker config
	if c.Worker.PopTimeout <= 0 {
		return fmt.Errorf("worker pop timeout must be positive")
	}
	if c.Worker.HeartbeatTTL <= c.Worker.PopTimeout {
		return fmt.Errorf("worker heartbeat TTL (%s) must exceed the pop timeout (%s)",
			c.Worker.HeartbeatTTL, c.Worker.PopTimeout)
	}
	if c.Worker.NodeHeartbeatInterval <= 0 || c.Worker.NodeHeartbeatTTL <= c.Worker.NodeHeartbeatInterval {
		return fmt.Errorf("node heartbeat TTL must exceed its interval")
	}

	// Validate throttle config
	if c.Throttle.MaxFailures < 1 {
		return fmt.Errorf("provider max failures must be at least 1")
	}

	// Validate executor config
	if len(c.Executor.Command) == 0 {
		return fmt.Errorf("executor command is required")
	}

	if c.Timeouts.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown grace must be positive")
	}
	if c.Timeouts.StopGrace <= 0 {
		return fmt.Errorf("stop grace must be positive")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// ValidateWorker checks the settings only a worker process needs
func (c *Config) ValidateWorker() error {
	if domain.NormalizeProvider(c.Worker.Provider) == "" {
		return fmt.Errorf("worker provider is required (KG_WORKER_PROVIDER)")
	}
	return nil
}

// Limits returns the pool ceilings
func (c *Config) Limits() domain.PoolLimits {
	return domain.PoolLimits{
		MaxTotalProcesses: c.Pool.MaxTotalProcesses,
		MaxPerProvider:    c.Pool.MaxPerProvider,
		PerProviderTarget: c.Pool.WorkersPerProvider,
	}
}

// ExplicitProviders returns the configured providers, normalized, with the
// rules provider appended when enabled. It returns nil when no providers were
// configured so they can be discovered instead.
func (c *Config) ExplicitProviders() []domain.ProviderID {
	providers := domain.NormalizeProviders(c.Pool.Providers)
	if len(providers) == 0 {
		return nil
	}
	return c.WithRules(providers)
}

// WithRules appends the rules provider when enabled and missing
func (c *Config) WithRules(providers []domain.ProviderID) []domain.ProviderID {
	if !c.Pool.IncludeRules {
		return providers
	}
	for _, p := range providers {
		if p == domain.ProviderRules {
			return providers
		}
	}
	return append(providers, domain.ProviderRules)
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
