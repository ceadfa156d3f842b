package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aescanero/kgworker/pkg/domain"
	"github.com/aescanero/kgworker/pkg/ports"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	eventBus ports.EventBus
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(eventBus ports.EventBus, logger *zap.Logger) *Handler {
	return &Handler{
		eventBus: eventBus,
		logger:   logger,
	}
}

// HandlePoolStream streams pool events to the client. The optional
// provider and node query parameters filter the stream.
func (h *Handler) HandlePoolStream(c *gin.Context) {
	provider := domain.NormalizeProvider(c.Query("provider"))
	node := c.Query("node")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("provider", string(provider)),
		zap.String("node", node),
		zap.String("client", c.ClientIP()))

	eventChan := make(chan ports.Event, 32)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// the client never sends; reading detects a closed connection
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	handler := func(ctx context.Context, event ports.Event) error {
		if !matches(event, provider, node) {
			return nil
		}
		select {
		case eventChan <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			h.logger.Warn("event channel full, dropping event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)))
		}
		return nil
	}

	if err := h.eventBus.Subscribe(ctx, ports.TopicPool, handler); err != nil {
		h.logger.Error("failed to subscribe to events",
			zap.String("topic", ports.TopicPool),
			zap.Error(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eventChan:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("failed to write message", zap.Error(err))
				return
			}
		}
	}
}

// matches reports whether event passes the stream filters
func matches(event ports.Event, provider domain.ProviderID, node string) bool {
	if node != "" && event.Node != node {
		return false
	}
	if provider == "" {
		return true
	}
	p, ok := event.Data["provider"].(string)
	return ok && domain.ProviderID(p) == provider
}
