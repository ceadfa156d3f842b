package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	eventsmemory "github.com/aescanero/kgworker/pkg/adapters/events/memory"
	"github.com/aescanero/kgworker/pkg/domain"
	"github.com/aescanero/kgworker/pkg/ports"
)

func newStreamServer(t *testing.T) (*httptest.Server, *eventsmemory.InMemoryEventBus) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := eventsmemory.NewInMemoryEventBus()
	router := gin.New()
	router.GET("/api/v1/events/ws", NewHandler(bus, zap.NewNop()).HandlePoolStream)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, bus
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// publishUntil keeps publishing events until stop is closed, since the
// subscription is registered asynchronously after the upgrade
func publishUntil(bus *eventsmemory.InMemoryEventBus, stop <-chan struct{}, events ...ports.Event) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, e := range events {
			bus.Publish(context.Background(), ports.TopicPool, e)
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func TestStreamDeliversPoolEvents(t *testing.T) {
	srv, bus := newStreamServer(t)
	conn := dial(t, srv, "")

	stop := make(chan struct{})
	defer close(stop)
	go publishUntil(bus, stop, ports.Event{
		ID:   "e1",
		Type: ports.EventTypeWorkerSpawned,
		Node: "node-a",
		Data: map[string]interface{}{"provider": "openai", "pid": 10},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got ports.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got.Type != ports.EventTypeWorkerSpawned || got.Node != "node-a" {
		t.Errorf("event = %+v, want worker.spawned from node-a", got)
	}
}

func TestStreamFiltersByProvider(t *testing.T) {
	srv, bus := newStreamServer(t)
	conn := dial(t, srv, "?provider=Rules")

	stop := make(chan struct{})
	defer close(stop)
	go publishUntil(bus, stop,
		ports.Event{ID: "a", Type: ports.EventTypeWorkerExited, Data: map[string]interface{}{"provider": "openai"}},
		ports.Event{ID: "b", Type: ports.EventTypeWorkerExited, Data: map[string]interface{}{"provider": "rules"}},
	)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 3; i++ {
		var got ports.Event
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if got.ID != "b" {
			t.Fatalf("received event %q, want only rules events", got.ID)
		}
	}
}

func TestMatches(t *testing.T) {
	event := ports.Event{Node: "node-a", Data: map[string]interface{}{"provider": "openai"}}

	tests := []struct {
		name     string
		provider string
		node     string
		want     bool
	}{
		{"no filter", "", "", true},
		{"same provider", "openai", "", true},
		{"other provider", "rules", "", false},
		{"same node", "", "node-a", true},
		{"other node", "", "node-b", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matches(event, domain.ProviderID(tt.provider), tt.node); got != tt.want {
				t.Errorf("matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
