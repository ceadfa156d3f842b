package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/kgworker/pkg/domain"
)

// stderrTail bounds how much child stderr is kept for error messages.
const stderrTail = 2048

// CommandExecutor runs an external command per task. The envelope is
// written to stdin and described in KG_TASK_* variables. A zero exit status
// is success.
type CommandExecutor struct {
	path    string
	args    []string
	dir     string
	timeout time.Duration
	logger  *zap.Logger
}

// NewCommandExecutor creates an executor for the command line argv
func NewCommandExecutor(argv []string, dir string, timeout time.Duration, logger *zap.Logger) (*CommandExecutor, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("executor command is empty")
	}
	return &CommandExecutor{
		path:    argv[0],
		args:    argv[1:],
		dir:     dir,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Execute runs the command for env and waits for it
func (e *CommandExecutor) Execute(ctx context.Context, env *domain.TaskEnvelope) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.path, e.args...)
	cmd.Dir = e.dir
	cmd.Env = append(os.Environ(),
		"KG_TASK_ID="+env.TaskID,
		"KG_TASK_PROVIDER="+string(env.Provider),
		"KG_TASK_PAYLOAD_REF="+env.PayloadRef,
		"KG_TASK_ENQUEUED_AT="+env.EnqueuedAt.UTC().Format(time.RFC3339),
	)
	cmd.Stdin = strings.NewReader(env.Raw)
	cmd.Stdout = os.Stdout
	var stderr bytes.Buffer
	cmd.Stderr = &tailWriter{buf: &stderr, max: stderrTail}
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("task %s timed out after %s", env.TaskID, e.timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("task %s failed: %w: %s", env.TaskID, err, msg)
		}
		return fmt.Errorf("task %s failed: %w", env.TaskID, err)
	}

	e.logger.Debug("task command finished",
		zap.String("task_id", env.TaskID),
		zap.Duration("duration", duration))
	return nil
}

// tailWriter keeps the last max bytes written to it
type tailWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if over := w.buf.Len() - w.max; over > 0 {
		w.buf.Next(over)
	}
	return len(p), nil
}
