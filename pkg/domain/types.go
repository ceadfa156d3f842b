package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProviderID identifies one AI backend. It is the unit of queue partitioning
// and pool sizing.
type ProviderID string

// ProviderRules is the rule-based extraction provider. It never calls an AI
// backend and is never throttled.
const ProviderRules ProviderID = "rules"

// NormalizeProvider lower-cases and trims a provider name.
func NormalizeProvider(name string) ProviderID {
	return ProviderID(strings.ToLower(strings.TrimSpace(name)))
}

// NormalizeProviders normalizes, drops empty names and removes duplicates
// while keeping the first-seen order.
func NormalizeProviders(names []string) []ProviderID {
	seen := make(map[ProviderID]bool, len(names))
	providers := make([]ProviderID, 0, len(names))
	for _, name := range names {
		p := NormalizeProvider(name)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		providers = append(providers, p)
	}
	return providers
}

// ErrMalformedEnvelope is returned by a queue when a popped item cannot be
// associated with a task.
var ErrMalformedEnvelope = errors.New("malformed task envelope")

// TaskEnvelope is one unit of work popped from a provider queue. The payload
// reference is interpreted by the executor only.
type TaskEnvelope struct {
	TaskID     string     `json:"task_id"`
	Provider   ProviderID `json:"provider"`
	PayloadRef string     `json:"payload_ref,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`

	// Raw is the encoded form as it sits in the queue. Queues use it to
	// acknowledge the envelope.
	Raw string `json:"-"`
}

// Validate checks that the envelope can be associated with a task.
func (e *TaskEnvelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: envelope is nil", ErrMalformedEnvelope)
	}
	if strings.TrimSpace(e.TaskID) == "" {
		return fmt.Errorf("%w: task_id is required", ErrMalformedEnvelope)
	}
	if e.Provider == "" {
		return fmt.Errorf("%w: provider is required", ErrMalformedEnvelope)
	}
	return nil
}

// WorkerProcessRecord is the externally visible liveness entry of one worker
// process. It is eventually consistent with the process table.
type WorkerProcessRecord struct {
	PID             int        `json:"pid"`
	Provider        ProviderID `json:"provider"`
	NodeName        string     `json:"node_name"`
	StartedAt       time.Time  `json:"started_at"`
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at"`
	TaskID          string     `json:"task_id,omitempty"`
	TaskStartedAt   *time.Time `json:"task_started_at,omitempty"`
	TasksSucceeded  int64      `json:"tasks_succeeded"`
	TasksFailed     int64      `json:"tasks_failed"`
}

// Expired reports whether the heartbeat is older than ttl at now.
func (r WorkerProcessRecord) Expired(now time.Time, ttl time.Duration) bool {
	return r.LastHeartbeatAt.Add(ttl).Before(now)
}

// Consumer returns the queue consumer identity of the process.
func (r WorkerProcessRecord) Consumer() string {
	return ConsumerID(r.NodeName, r.PID)
}

// ConsumerID builds the identity that owns a processing list.
func ConsumerID(node string, pid int) string {
	return fmt.Sprintf("%s:%d", node, pid)
}

// NodeRecord is the node-level heartbeat.
type NodeRecord struct {
	NodeName           string    `json:"node_name"`
	PID                int       `json:"pid"`
	WorkersPerProvider int       `json:"workers_per_provider"`
	StartedAt          time.Time `json:"started_at"`
	LastHeartbeatAt    time.Time `json:"last_heartbeat_at"`
}

// PoolLimits are the process ceilings of one node. They are loaded once at
// startup and never change afterwards.
type PoolLimits struct {
	MaxTotalProcesses int `json:"max_total_processes"`
	MaxPerProvider    int `json:"max_per_provider"`
	PerProviderTarget int `json:"per_provider_target"`
}

// Validate checks the limits are usable.
func (l PoolLimits) Validate() error {
	if l.MaxTotalProcesses < 1 {
		return fmt.Errorf("max total processes must be at least 1, got %d", l.MaxTotalProcesses)
	}
	if l.MaxPerProvider < 1 {
		return fmt.Errorf("max processes per provider must be at least 1, got %d", l.MaxPerProvider)
	}
	if l.PerProviderTarget < 1 {
		return fmt.Errorf("per provider target must be at least 1, got %d", l.PerProviderTarget)
	}
	return nil
}
