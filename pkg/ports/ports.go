package ports

import (
	"context"
	"os"
	"time"

	"github.com/aescanero/kgworker/pkg/domain"
)

// TaskQueue is a per-provider blocking delivery channel.
type TaskQueue interface {
	// Pop blocks up to timeout for the next envelope of provider. It returns
	// nil, nil on timeout. The envelope is moved atomically into the
	// processing list of consumer. A malformed item is returned together
	// with an error wrapping domain.ErrMalformedEnvelope so it can be acked.
	Pop(ctx context.Context, provider domain.ProviderID, consumer string, timeout time.Duration) (*domain.TaskEnvelope, error)

	// Ack removes a delivered envelope from the consumer's processing list.
	Ack(ctx context.Context, provider domain.ProviderID, consumer string, env *domain.TaskEnvelope) error

	// Recover moves every envelope still held by consumer back to the head
	// of the provider queue and returns how many were moved.
	Recover(ctx context.Context, provider domain.ProviderID, consumer string) (int, error)

	// Enqueue appends an envelope to the tail of its provider queue.
	Enqueue(ctx context.Context, env *domain.TaskEnvelope) error

	// Length returns the number of envelopes waiting in the provider queue.
	Length(ctx context.Context, provider domain.ProviderID) (int64, error)

	// Purge drops every waiting envelope of provider and returns the count.
	Purge(ctx context.Context, provider domain.ProviderID) (int64, error)
}

// Executor performs one task. It owns its own durability.
type Executor interface {
	Execute(ctx context.Context, env *domain.TaskEnvelope) error
}

// RegistryMirror is the externally visible liveness registry of worker
// processes and nodes. Entries carry a TTL and disappear when not refreshed.
type RegistryMirror interface {
	// PutWorker creates or refreshes a worker record.
	PutWorker(ctx context.Context, rec domain.WorkerProcessRecord, ttl time.Duration) error

	// DeleteWorker removes a worker record.
	DeleteWorker(ctx context.Context, node string, pid int) error

	// ListWorkers returns the live records of node, or of all nodes when
	// node is empty.
	ListWorkers(ctx context.Context, node string) ([]domain.WorkerProcessRecord, error)

	// PutNode creates or refreshes a node heartbeat.
	PutNode(ctx context.Context, rec domain.NodeRecord, ttl time.Duration) error

	// ListNodes returns the live node heartbeats.
	ListNodes(ctx context.Context) ([]domain.NodeRecord, error)

	// ClearNode removes every worker record of node and its heartbeat.
	ClearNode(ctx context.Context, node string) error
}

// ProviderDirectory resolves the set of active providers.
type ProviderDirectory interface {
	ActiveProviders(ctx context.Context) ([]domain.ProviderID, error)
}

// Throttle tracks consecutive provider failures and suspends providers that
// keep failing.
type Throttle interface {
	Suspended(ctx context.Context, provider domain.ProviderID) (bool, error)
	// RecordFailure returns the current failure count and whether the
	// provider is suspended after this failure.
	RecordFailure(ctx context.Context, provider domain.ProviderID) (int, bool, error)
	Reset(ctx context.Context, provider domain.ProviderID) error
	Clear(ctx context.Context, provider domain.ProviderID) error
}

// Locker is a best-effort distributed lock.
type Locker interface {
	// TryLock returns a token when the lock was acquired, or "" when it is
	// held by someone else.
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Refresh extends a held lock. It returns false when the lock was lost.
	Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, provider domain.ProviderID) (ProcessHandle, error)
}

// ProcessHandle controls one spawned OS process.
type ProcessHandle interface {
	PID() int
	// Signal delivers sig to the process.
	Signal(sig os.Signal) error
	// Kill force-terminates the process.
	Kill() error
	// Done is closed once the process has exited and was reaped.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed; -1 when unknown.
	ExitCode() int
	// Alive probes the OS for the process.
	Alive() bool
}
