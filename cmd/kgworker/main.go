package main

import (
	"fmt"
	"os"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aescanero/kgworker/internal/config"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

// main dispatches on the first argument: "worker" runs one worker process,
// anything else (or nothing, or "node") runs the node supervisor.
func main() {
	mode := "node"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	switch mode {
	case "node":
		os.Exit(runNode())
	case "worker":
		os.Exit(runWorker())
	case "version":
		fmt.Printf("kgworker %s (built %s)\n", Version, BuildTime)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q (want node or worker)\n", mode)
		os.Exit(2)
	}
}

// newRedisClient creates a Redis client from the configuration
func newRedisClient(cfg config.RedisConfig) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
