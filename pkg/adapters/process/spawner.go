// Package process starts worker processes and tracks their lifetime.
package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/aescanero/kgworker/pkg/domain"
	"github.com/aescanero/kgworker/pkg/ports"
)

// ProviderEnv is the variable a worker process reads its provider from.
const ProviderEnv = "KG_WORKER_PROVIDER"

// ExecSpawner starts worker processes with os/exec. Each child runs in its
// own process group so a terminal interrupt reaches only the node, which
// then forwards the stop signal itself.
type ExecSpawner struct {
	// Path and Args form the command line of a worker process.
	Path string
	Args []string
	// Env is added on top of the node environment.
	Env map[string]string
	Dir string

	Stdout io.Writer
	Stderr io.Writer

	logger *zap.Logger
}

// NewExecSpawner creates a spawner for path with args
func NewExecSpawner(path string, args []string, logger *zap.Logger) *ExecSpawner {
	return &ExecSpawner{
		Path:   path,
		Args:   args,
		Env:    make(map[string]string),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		logger: logger,
	}
}

// SelfSpawner re-executes the running binary in worker mode
func SelfSpawner(logger *zap.Logger) (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}
	return NewExecSpawner(path, []string{"worker"}, logger), nil
}

// Spawn starts one worker process for provider. The process is not tied to
// ctx; it lives until it exits or is signalled.
func (s *ExecSpawner) Spawn(ctx context.Context, provider domain.ProviderID) (ports.ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(s.Path, s.Args...)
	cmd.Dir = s.Dir
	cmd.Env = s.buildEnvironment(provider)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process for %s: %w", provider, err)
	}

	s.logger.Debug("worker process started",
		zap.String("provider", string(provider)),
		zap.Int("pid", cmd.Process.Pid))

	return newHandle(cmd), nil
}

// buildEnvironment merges the node environment, Env and the provider
// variable, the latter taking precedence.
func (s *ExecSpawner) buildEnvironment(provider domain.ProviderID) []string {
	envMap := make(map[string]string)

	for _, kv := range os.Environ() {
		if idx := strings.Index(kv, "="); idx > 0 {
			envMap[kv[:idx]] = kv[idx+1:]
		}
	}
	for k, v := range s.Env {
		envMap[k] = v
	}
	envMap[ProviderEnv] = string(provider)

	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(envMap))
	for _, k := range keys {
		env = append(env, k+"="+envMap[k])
	}
	return env
}
