package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/kgworker/pkg/domain"
)

type workerKey struct {
	node string
	pid  int
}

type workerEntry struct {
	rec       domain.WorkerProcessRecord
	expiresAt time.Time
}

type nodeEntry struct {
	rec       domain.NodeRecord
	expiresAt time.Time
}

// Registry implements ports.RegistryMirror and ports.ProviderDirectory in
// memory with TTL semantics driven by an injectable clock.
// This is for testing purposes only
type Registry struct {
	mu        sync.RWMutex
	workers   map[workerKey]workerEntry
	nodes     map[string]nodeEntry
	providers []domain.ProviderID
	now       func() time.Time

	// err, when set, is returned by every call.
	err error
}

// NewRegistry creates a new in-memory registry. A nil clock uses time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		workers: make(map[workerKey]workerEntry),
		nodes:   make(map[string]nodeEntry),
		now:     now,
	}
}

// PutWorker creates or refreshes a worker record
func (r *Registry) PutWorker(ctx context.Context, rec domain.WorkerProcessRecord, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}

	if rec.TaskStartedAt != nil {
		started := *rec.TaskStartedAt
		rec.TaskStartedAt = &started
	}
	r.workers[workerKey{rec.NodeName, rec.PID}] = workerEntry{rec: rec, expiresAt: r.now().Add(ttl)}
	return nil
}

// DeleteWorker removes a worker record
func (r *Registry) DeleteWorker(ctx context.Context, node string, pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}

	delete(r.workers, workerKey{node, pid})
	return nil
}

// ListWorkers returns the live records of node, or of all nodes
func (r *Registry) ListWorkers(ctx context.Context, node string) ([]domain.WorkerProcessRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.err != nil {
		return nil, r.err
	}

	now := r.now()
	records := make([]domain.WorkerProcessRecord, 0, len(r.workers))
	for key, entry := range r.workers {
		if !entry.expiresAt.After(now) {
			continue
		}
		if node != "" && key.node != node {
			continue
		}
		records = append(records, entry.rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].NodeName != records[j].NodeName {
			return records[i].NodeName < records[j].NodeName
		}
		return records[i].PID < records[j].PID
	})
	return records, nil
}

// PutNode creates or refreshes a node heartbeat
func (r *Registry) PutNode(ctx context.Context, rec domain.NodeRecord, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}

	r.nodes[rec.NodeName] = nodeEntry{rec: rec, expiresAt: r.now().Add(ttl)}
	return nil
}

// ListNodes returns the live node heartbeats
func (r *Registry) ListNodes(ctx context.Context) ([]domain.NodeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.err != nil {
		return nil, r.err
	}

	now := r.now()
	nodes := make([]domain.NodeRecord, 0, len(r.nodes))
	for _, entry := range r.nodes {
		if entry.expiresAt.After(now) {
			nodes = append(nodes, entry.rec)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeName < nodes[j].NodeName })
	return nodes, nil
}

// ClearNode removes every worker record of node and its heartbeat
func (r *Registry) ClearNode(ctx context.Context, node string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}

	for key := range r.workers {
		if key.node == node {
			delete(r.workers, key)
		}
	}
	delete(r.nodes, node)
	return nil
}

// ActiveProviders returns the registered providers
func (r *Registry) ActiveProviders(ctx context.Context) ([]domain.ProviderID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.err != nil {
		return nil, r.err
	}

	providers := make([]domain.ProviderID, len(r.providers))
	copy(providers, r.providers)
	return providers, nil
}

// RegisterProviders marks providers as active
func (r *Registry) RegisterProviders(ctx context.Context, providers ...domain.ProviderID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[domain.ProviderID]bool, len(r.providers))
	for _, p := range r.providers {
		seen[p] = true
	}
	for _, p := range providers {
		if !seen[p] {
			seen[p] = true
			r.providers = append(r.providers, p)
		}
	}
	return nil
}

// SetError makes every following call fail with err, or succeed again when
// err is nil.
func (r *Registry) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}
