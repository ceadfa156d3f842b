package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aescanero/kgworker/internal/application/runstate"
	"github.com/aescanero/kgworker/internal/application/supervisor"
	"github.com/aescanero/kgworker/pkg/domain"
	"github.com/aescanero/kgworker/pkg/ports"
)

// PoolService is the part of the supervisor driven by the API
type PoolService interface {
	RequestPool(ctx context.Context, providers []domain.ProviderID, count int) supervisor.PoolReport
	StopPool(ctx context.Context, provider domain.ProviderID) int
	Snapshot() supervisor.PoolStats
}

// Server represents the HTTP API server
type Server struct {
	router *gin.Engine
	server *http.Server

	pool      PoolService
	registry  ports.RegistryMirror
	queue     ports.TaskQueue
	throttle  ports.Throttle
	state     *runstate.State
	providers []domain.ProviderID
	target    int
	logger    *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port     int
	Pool     PoolService
	Registry ports.RegistryMirror
	Queue    ports.TaskQueue
	Throttle ports.Throttle
	State    *runstate.State

	// Providers and Target are used when a pool request names neither.
	Providers []domain.ProviderID
	Target    int

	// Gatherer serves /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:    router,
		pool:      cfg.Pool,
		registry:  cfg.Registry,
		queue:     cfg.Queue,
		throttle:  cfg.Throttle,
		state:     cfg.State,
		providers: cfg.Providers,
		target:    cfg.Target,
		logger:    cfg.Logger,
	}

	s.setupRoutes(cfg.Gatherer)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", s.handleHealth)

	metrics := promhttp.Handler()
	if gatherer != nil {
		metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	s.router.GET("/metrics", gin.WrapH(metrics))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/pool", s.handleGetPool)
		v1.POST("/pool", s.handleRequestPool)
		v1.DELETE("/pool", s.handleStopPool)
		v1.DELETE("/pool/:provider", s.handleStopPool)

		v1.GET("/workers", s.handleListWorkers)

		v1.GET("/queues/:provider", s.handleQueueLength)
		v1.POST("/queues/:provider/tasks", s.handleEnqueue)
		v1.DELETE("/queues/:provider", s.handlePurgeQueue)

		v1.DELETE("/providers/:provider/suspension", s.handleClearSuspension)
	}
}

// SetupWebSocket adds the pool event stream to the server
func (s *Server) SetupWebSocket(handler interface{}) {
	if wsHandler, ok := handler.(interface {
		HandlePoolStream(*gin.Context)
	}); ok {
		s.router.GET("/api/v1/events/ws", wsHandler.HandlePoolStream)
	}
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}
