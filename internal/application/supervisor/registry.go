package supervisor

import (
	"sort"
	"time"

	"github.com/aescanero/kgworker/pkg/domain"
	"github.com/aescanero/kgworker/pkg/ports"
)

// exit reasons used in logs, events and metrics
const (
	reasonExited   = "exited"
	reasonCrashed  = "crashed"
	reasonStopped  = "stopped"
	reasonStale    = "stale"
	reasonKilled   = "killed"
	reasonVanished = "vanished"
)

// process is one entry of the Registry
type process struct {
	handle    ports.ProcessHandle
	provider  domain.ProviderID
	startedAt time.Time

	// stopping is set once a graceful stop was requested.
	stopping bool

	// killed is set once the process was force-terminated. It stays counted
	// until it is reaped.
	killed bool
}

func (p *process) pid() int {
	return p.handle.PID()
}

func (p *process) exited() bool {
	select {
	case <-p.handle.Done():
		return true
	default:
		return false
	}
}

// exitReason classifies how a removed process ended
func (p *process) exitReason() string {
	switch {
	case p.killed && !p.stopping:
		return reasonStale
	case p.killed:
		return reasonKilled
	case p.stopping:
		return reasonStopped
	case !p.exited():
		return reasonVanished
	case p.handle.ExitCode() == 0:
		return reasonExited
	default:
		return reasonCrashed
	}
}

// Registry is the node's process table. It is not safe for concurrent use;
// the Supervisor guards it with its mutex.
type Registry struct {
	byPID map[int]*process
}

func newRegistry() *Registry {
	return &Registry{byPID: make(map[int]*process)}
}

func (r *Registry) add(p *process) {
	r.byPID[p.pid()] = p
}

func (r *Registry) remove(pid int) *process {
	p, ok := r.byPID[pid]
	if !ok {
		return nil
	}
	delete(r.byPID, pid)
	return p
}

func (r *Registry) lookup(pid int) (*process, bool) {
	p, ok := r.byPID[pid]
	return p, ok
}

// alive counts the processes of provider
func (r *Registry) alive(provider domain.ProviderID) int {
	n := 0
	for _, p := range r.byPID {
		if p.provider == provider {
			n++
		}
	}
	return n
}

func (r *Registry) total() int {
	return len(r.byPID)
}

// purgeDead removes every process that was reaped or fails the OS probe
func (r *Registry) purgeDead() []*process {
	var dead []*process
	for pid, p := range r.byPID {
		if p.exited() || !p.handle.Alive() {
			delete(r.byPID, pid)
			dead = append(dead, p)
		}
	}
	sortProcesses(dead)
	return dead
}

// matching returns the processes of provider, or all when provider is empty
func (r *Registry) matching(provider domain.ProviderID) []*process {
	var out []*process
	for _, p := range r.byPID {
		if provider == "" || p.provider == provider {
			out = append(out, p)
		}
	}
	sortProcesses(out)
	return out
}

func (r *Registry) providers() []domain.ProviderID {
	seen := make(map[domain.ProviderID]bool)
	var out []domain.ProviderID
	for _, p := range r.byPID {
		if !seen[p.provider] {
			seen[p.provider] = true
			out = append(out, p.provider)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortProcesses(ps []*process) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].pid() < ps[j].pid() })
}
