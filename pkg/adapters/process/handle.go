package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"
)

// Handle tracks one started process. A single goroutine waits on it, so the
// process is reaped as soon as it exits.
type Handle struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

func newHandle(cmd *exec.Cmd) *Handle {
	h := &Handle{
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		done:     make(chan struct{}),
		exitCode: -1,
	}
	go h.wait()
	return h
}

func (h *Handle) wait() {
	// the exit status is carried by ProcessState
	_ = h.cmd.Wait()

	h.mu.Lock()
	if h.cmd.ProcessState != nil {
		h.exitCode = h.cmd.ProcessState.ExitCode()
	}
	h.mu.Unlock()

	close(h.done)
}

// PID returns the process id
func (h *Handle) PID() int {
	return h.pid
}

// Signal delivers sig to the process
func (h *Handle) Signal(sig os.Signal) error {
	if h.exited() {
		return nil
	}
	if err := h.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to signal pid %d: %w", h.pid, err)
	}
	return nil
}

// Kill force-terminates the process group of the worker
func (h *Handle) Kill() error {
	if h.exited() {
		return nil
	}
	// negative pid targets the whole group started with Setpgid
	if err := unix.Kill(-h.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill pid %d: %w", h.pid, err)
		}
	}
	return nil
}

// Done is closed once the process exited and was reaped
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the exit status, -1 when killed by a signal or unknown
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Alive probes the process with signal 0
func (h *Handle) Alive() bool {
	if h.exited() {
		return false
	}
	return Probe(h.pid)
}

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Probe reports whether a process with pid exists. EPERM means it exists
// but belongs to someone else.
func Probe(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
