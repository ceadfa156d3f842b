package config

import (
	"strings"
	"testing"
	"time"

	"github.com/aescanero/kgworker/pkg/domain"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("KG_EXECUTOR_COMMAND", "python3 -m extractor")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("KG_WORKER_NODE_NAME", "node-a")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.NodeName != "node-a" {
		t.Errorf("NodeName = %q, want %q", cfg.NodeName, "node-a")
	}
	limits := cfg.Limits()
	if limits.MaxTotalProcesses != 50 || limits.MaxPerProvider != 10 || limits.PerProviderTarget != 2 {
		t.Errorf("Limits() = %+v, want {50 10 2}", limits)
	}
	if cfg.Pool.GuardInterval != 30*time.Second {
		t.Errorf("GuardInterval = %s, want 30s", cfg.Pool.GuardInterval)
	}
	if cfg.Timeouts.ShutdownGrace != 15*time.Second {
		t.Errorf("ShutdownGrace = %s, want 15s", cfg.Timeouts.ShutdownGrace)
	}
	if cfg.Worker.PopTimeout != 3*time.Second {
		t.Errorf("PopTimeout = %s, want 3s", cfg.Worker.PopTimeout)
	}
	if got := strings.Join(cfg.Executor.Command, "|"); got != "python3|-m|extractor" {
		t.Errorf("Executor.Command = %q, want python3|-m|extractor", got)
	}
}

func TestLoadFallsBackToHostname(t *testing.T) {
	setRequired(t)
	t.Setenv("KG_WORKER_NODE_NAME", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.NodeName == "" {
		t.Error("NodeName is empty, want hostname fallback")
	}
}

func TestLoadRequiresRedisAddr(t *testing.T) {
	t.Setenv("KG_EXECUTOR_COMMAND", "true")
	t.Setenv("REDIS_ADDR", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want missing REDIS_ADDR error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero total", map[string]string{"KG_MAX_TOTAL_PROCESSES": "0"}},
		{"zero per provider", map[string]string{"KG_MAX_PROCESSES_PER_PROVIDER": "0"}},
		{"zero target", map[string]string{"KG_WORKERS_PER_PROVIDER": "0"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "verbose"}},
		{"missing executor", map[string]string{"KG_EXECUTOR_COMMAND": ""}},
		{"ttl below pop timeout", map[string]string{"KG_WORKER_HEARTBEAT_TTL": "2s"}},
		{"zero grace", map[string]string{"KG_SHUTDOWN_GRACE": "0s"}},
		{"bad port", map[string]string{"KG_HTTP_PORT": "70000"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Errorf("Load() error = nil for %s", tt.name)
			}
		})
	}
}

func TestExplicitProviders(t *testing.T) {
	setRequired(t)
	t.Setenv("KG_WORKER_PROVIDERS", " OpenAI ,deepseek,,openai")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got := cfg.ExplicitProviders()
	want := []domain.ProviderID{"openai", "deepseek", domain.ProviderRules}
	if len(got) != len(want) {
		t.Fatalf("ExplicitProviders() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ExplicitProviders()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExplicitProvidersEmptyMeansDiscover(t *testing.T) {
	setRequired(t)
	t.Setenv("KG_WORKER_PROVIDERS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.ExplicitProviders(); got != nil {
		t.Errorf("ExplicitProviders() = %v, want nil", got)
	}
}

func TestWithRulesDisabled(t *testing.T) {
	setRequired(t)
	t.Setenv("KG_INCLUDE_RULES", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := cfg.WithRules([]domain.ProviderID{"openai"})
	if len(got) != 1 || got[0] != "openai" {
		t.Errorf("WithRules() = %v, want [openai]", got)
	}
}

func TestValidateWorker(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.ValidateWorker(); err == nil {
		t.Error("ValidateWorker() error = nil without provider")
	}
	cfg.Worker.Provider = "OpenAI"
	if err := cfg.ValidateWorker(); err != nil {
		t.Errorf("ValidateWorker() error = %v", err)
	}
}
