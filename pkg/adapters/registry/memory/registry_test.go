package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aescanero/kgworker/pkg/domain"
)

func TestRegistryTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := NewRegistry(func() time.Time { return now })
	ctx := context.Background()

	reg.PutWorker(ctx, domain.WorkerProcessRecord{PID: 1, NodeName: "n", Provider: "openai"}, time.Minute)
	reg.PutWorker(ctx, domain.WorkerProcessRecord{PID: 2, NodeName: "n", Provider: "openai"}, time.Hour)

	now = now.Add(2 * time.Minute)
	got, err := reg.ListWorkers(ctx, "n")
	if err != nil {
		t.Fatalf("ListWorkers() error = %v", err)
	}
	if len(got) != 1 || got[0].PID != 2 {
		t.Errorf("ListWorkers() = %v, want only pid 2", got)
	}
}

func TestRegistryInjectedError(t *testing.T) {
	reg := NewRegistry(nil)
	boom := errors.New("redis down")
	reg.SetError(boom)

	if _, err := reg.ListWorkers(context.Background(), ""); !errors.Is(err, boom) {
		t.Errorf("ListWorkers() error = %v, want %v", err, boom)
	}

	reg.SetError(nil)
	if _, err := reg.ListWorkers(context.Background(), ""); err != nil {
		t.Errorf("ListWorkers() error = %v after reset", err)
	}
}

func TestRegistryClearNode(t *testing.T) {
	reg := NewRegistry(nil)
	ctx := context.Background()

	reg.PutWorker(ctx, domain.WorkerProcessRecord{PID: 1, NodeName: "a"}, time.Hour)
	reg.PutWorker(ctx, domain.WorkerProcessRecord{PID: 2, NodeName: "b"}, time.Hour)
	reg.PutNode(ctx, domain.NodeRecord{NodeName: "a"}, time.Hour)

	reg.ClearNode(ctx, "a")

	all, _ := reg.ListWorkers(ctx, "")
	if len(all) != 1 || all[0].NodeName != "b" {
		t.Errorf("ListWorkers() = %v, want only node b", all)
	}
	nodes, _ := reg.ListNodes(ctx)
	if len(nodes) != 0 {
		t.Errorf("ListNodes() = %v, want none", nodes)
	}
}
