package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/kgworker/pkg/domain"
)

const (
	workerKeyPrefix = "kg:worker:"
	nodeKeyPrefix   = "kg:nodes:"

	// ActiveProvidersKey is the set producers register their providers in.
	ActiveProvidersKey = "kg:providers:active"
)

// Registry implements ports.RegistryMirror and ports.ProviderDirectory on
// Redis hashes with a TTL.
type Registry struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRegistry creates a new Redis registry mirror
func NewRegistry(client *redis.Client, logger *zap.Logger) *Registry {
	return &Registry{
		client: client,
		logger: logger,
	}
}

// PutWorker creates or refreshes a worker record
func (r *Registry) PutWorker(ctx context.Context, rec domain.WorkerProcessRecord, ttl time.Duration) error {
	key := workerKey(rec.NodeName, rec.PID)

	fields := map[string]interface{}{
		"pid":               rec.PID,
		"provider":          string(rec.Provider),
		"node_name":         rec.NodeName,
		"started_at":        formatTime(rec.StartedAt),
		"last_heartbeat_at": formatTime(rec.LastHeartbeatAt),
		"tasks_succeeded":   rec.TasksSucceeded,
		"tasks_failed":      rec.TasksFailed,
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if rec.TaskID != "" && rec.TaskStartedAt != nil {
			fields["task_id"] = rec.TaskID
			fields["task_started_at"] = formatTime(*rec.TaskStartedAt)
		} else {
			pipe.HDel(ctx, key, "task_id", "task_started_at")
		}
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save worker record: %w", err)
	}
	return nil
}

// DeleteWorker removes a worker record
func (r *Registry) DeleteWorker(ctx context.Context, node string, pid int) error {
	if err := r.client.Del(ctx, workerKey(node, pid)).Err(); err != nil {
		return fmt.Errorf("failed to delete worker record: %w", err)
	}
	return nil
}

// ListWorkers returns the live worker records of node, or of every node
// when node is empty
func (r *Registry) ListWorkers(ctx context.Context, node string) ([]domain.WorkerProcessRecord, error) {
	pattern := workerKeyPrefix + "*"
	if node != "" {
		pattern = workerKeyPrefix + node + ":*"
	}

	keys, err := r.scan(ctx, pattern)
	if err != nil {
		return nil, err
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read worker records: %w", err)
	}

	records := make([]domain.WorkerProcessRecord, 0, len(keys))
	for i, cmd := range cmds {
		values := cmd.Val()
		if len(values) == 0 {
			// expired between scan and read
			continue
		}
		rec, err := parseWorker(values)
		if err != nil {
			r.logger.Warn("skipping unreadable worker record",
				zap.String("key", keys[i]),
				zap.Error(err))
			continue
		}
		if node != "" && rec.NodeName != node {
			continue
		}
		records = append(records, rec)
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
	key := nodeKeyPrefix + rec.NodeName

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"node_name":            rec.NodeName,
			"pid":                  rec.PID,
			"workers_per_provider": rec.WorkersPerProvider,
			"started_at":           formatTime(rec.StartedAt),
			"last_heartbeat_at":    formatTime(rec.LastHeartbeatAt),
		})
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save node heartbeat: %w", err)
	}
	return nil
}

// ListNodes returns the live node heartbeats
func (r *Registry) ListNodes(ctx context.Context) ([]domain.NodeRecord, error) {
	keys, err := r.scan(ctx, nodeKeyPrefix+"*")
	if err != nil {
		return nil, err
	}

	nodes := make([]domain.NodeRecord, 0, len(keys))
	for _, key := range keys {
		values, err := r.client.HGetAll(ctx, key).Result()
		if err != nil || len(values) == 0 {
			continue
		}
		pid, _ := strconv.Atoi(values["pid"])
		perProvider, _ := strconv.Atoi(values["workers_per_provider"])
		nodes = append(nodes, domain.NodeRecord{
			NodeName:           values["node_name"],
			PID:                pid,
			WorkersPerProvider: perProvider,
			StartedAt:          parseTime(values["started_at"]),
			LastHeartbeatAt:    parseTime(values["last_heartbeat_at"]),
		})
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeName < nodes[j].NodeName })
	return nodes, nil
}

// ClearNode removes every worker record of node and its heartbeat
func (r *Registry) ClearNode(ctx context.Context, node string) error {
	keys, err := r.scan(ctx, workerKeyPrefix+node+":*")
	if err != nil {
		return err
	}
	keys = append(keys, nodeKeyPrefix+node)

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear node: %w", err)
	}

	r.logger.Debug("node cleared from registry",
		zap.String("node", node),
		zap.Int("keys", len(keys)))
	return nil
}

// ActiveProviders returns the providers registered as active
func (r *Registry) ActiveProviders(ctx context.Context) ([]domain.ProviderID, error) {
	members, err := r.client.SMembers(ctx, ActiveProvidersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read active providers: %w", err)
	}
	sort.Strings(members)
	return domain.NormalizeProviders(members), nil
}

// RegisterProviders marks providers as active
func (r *Registry) RegisterProviders(ctx context.Context, providers ...domain.ProviderID) error {
	if len(providers) == 0 {
		return nil
	}
	members := make([]interface{}, len(providers))
	for i, p := range providers {
		members[i] = string(p)
	}
	if err := r.client.SAdd(ctx, ActiveProvidersKey, members...).Err(); err != nil {
		return fmt.Errorf("failed to register providers: %w", err)
	}
	return nil
}

func (r *Registry) scan(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error

		batch, cursor, err = r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func parseWorker(values map[string]string) (domain.WorkerProcessRecord, error) {
	pid, err := strconv.Atoi(values["pid"])
	if err != nil {
		return domain.WorkerProcessRecord{}, fmt.Errorf("invalid pid %q", values["pid"])
	}
	succeeded, _ := strconv.ParseInt(values["tasks_succeeded"], 10, 64)
	failed, _ := strconv.ParseInt(values["tasks_failed"], 10, 64)

	rec := domain.WorkerProcessRecord{
		PID:             pid,
		Provider:        domain.ProviderID(values["provider"]),
		NodeName:        values["node_name"],
		StartedAt:       parseTime(values["started_at"]),
		LastHeartbeatAt: parseTime(values["last_heartbeat_at"]),
		TaskID:          values["task_id"],
		TasksSucceeded:  succeeded,
		TasksFailed:     failed,
	}
	if s := values["task_started_at"]; s != "" {
		started := parseTime(s)
		rec.TaskStartedAt = &started
	}
	return rec, nil
}

func workerKey(node string, pid int) string {
	return fmt.Sprintf("%s%s:%d", workerKeyPrefix, node, pid)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}
