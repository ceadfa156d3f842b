package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/kgworker/pkg/domain"
	"github.com/aescanero/kgworker/pkg/ports"
)

// Config holds executor configuration
type Config struct {
	// Kind selects the implementation: "command" (default) or "noop".
	Kind    string
	Command []string
	WorkDir string
	Timeout time.Duration
	Logger  *zap.Logger
}

// New creates a task executor based on kind
func New(cfg *Config) (ports.Executor, error) {
	switch cfg.Kind {
	case "", "command":
		return NewCommandExecutor(cfg.Command, cfg.WorkDir, cfg.Timeout, cfg.Logger)
	case "noop":
		return &NoopExecutor{logger: cfg.Logger}, nil
	default:
		return nil, fmt.Errorf("unsupported executor kind: %s", cfg.Kind)
	}
}

// NoopExecutor accepts every task without doing anything
type NoopExecutor struct {
	logger *zap.Logger
}

// Execute logs the task and succeeds
func (e *NoopExecutor) Execute(ctx context.Context, env *domain.TaskEnvelope) error {
	e.logger.Info("noop executor skipped task",
		zap.String("task_id", env.TaskID),
		zap.String("provider", string(env.Provider)))
	return nil
}
