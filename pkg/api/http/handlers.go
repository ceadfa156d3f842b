package http

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aescanero/kgworker/pkg/domain"
)

// PoolRequest asks the node to bring providers up to a per-provider count
type PoolRequest struct {
	Providers   []string `json:"providers"`
	PerProvider int      `json:"per_provider"`
}

// TaskRequest enqueues one task for a provider
type TaskRequest struct {
	TaskID     string `json:"task_id" binding:"required"`
	PayloadRef string `json:"payload_ref"`
}

// ProviderWorkers is the cluster-wide view of one provider
type ProviderWorkers struct {
	Workers     []domain.WorkerProcessRecord `json:"workers"`
	QueueLength int64                        `json:"queue_length"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func abortWithError(c *gin.Context, status int, code, message string, details interface{}) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// providerParam reads the :provider path parameter
func providerParam(c *gin.Context) (domain.ProviderID, bool) {
	provider := domain.NormalizeProvider(c.Param("provider"))
	if provider == "" {
		abortWithError(c, http.StatusBadRequest, "INVALID_PROVIDER", "Provider is required", nil)
		return "", false
	}
	return provider, true
}

// handleHealth reports the run state; only Running is healthy
func (s *Server) handleHealth(c *gin.Context) {
	state := s.state.Load()

	status := http.StatusOK
	health := "healthy"
	if state != domain.RunStateRunning {
		status = http.StatusServiceUnavailable
		health = "unavailable"
	}

	c.JSON(status, gin.H{
		"status":    health,
		"state":     state.String(),
		"timestamp": time.Now().UTC(),
	})
}

// handleGetPool returns the local pool snapshot
func (s *Server) handleGetPool(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"data":      s.pool.Snapshot(),
		"timestamp": time.Now().UTC(),
	})
}

// handleRequestPool handles pool requests
func (s *Server) handleRequestPool(c *gin.Context) {
	var req PoolRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.logger.Error("invalid request", zap.Error(err))
			abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
	}
	if req.PerProvider < 0 {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", "per_provider must not be negative", nil)
		return
	}

	if s.state.Draining() {
		abortWithError(c, http.StatusConflict, "DRAINING", "Node is draining", nil)
		return
	}

	providers := domain.NormalizeProviders(req.Providers)
	if len(providers) == 0 {
		providers = s.providers
	}
	count := req.PerProvider
	if count == 0 {
		count = s.target
	}

	report := s.pool.RequestPool(c.Request.Context(), providers, count)

	c.JSON(http.StatusOK, gin.H{
		"data":      report,
		"timestamp": time.Now().UTC(),
	})
}

// handleStopPool stops one provider, or every provider without one
func (s *Server) handleStopPool(c *gin.Context) {
	var provider domain.ProviderID
	if c.Param("provider") != "" {
		var ok bool
		if provider, ok = providerParam(c); !ok {
			return
		}
	}

	stopped := s.pool.StopPool(c.Request.Context(), provider)

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"provider": provider,
			"stopped":  stopped,
		},
		"timestamp": time.Now().UTC(),
	})
}

// handleListWorkers lists the workers of every node grouped by provider
func (s *Server) handleListWorkers(c *gin.Context) {
	ctx := c.Request.Context()

	records, err := s.registry.ListWorkers(ctx, "")
	if err != nil {
		s.logger.Error("failed to list workers", zap.Error(err))
		abortWithError(c, http.StatusServiceUnavailable, "REGISTRY_ERROR", "Failed to retrieve workers", err.Error())
		return
	}
	nodes, err := s.registry.ListNodes(ctx)
	if err != nil {
		s.logger.Error("failed to list nodes", zap.Error(err))
		abortWithError(c, http.StatusServiceUnavailable, "REGISTRY_ERROR", "Failed to retrieve nodes", err.Error())
		return
	}

	byProvider := make(map[domain.ProviderID]*ProviderWorkers)
	group := func(p domain.ProviderID) *ProviderWorkers {
		pw, ok := byProvider[p]
		if !ok {
			pw = &ProviderWorkers{Workers: []domain.WorkerProcessRecord{}}
			byProvider[p] = pw
		}
		return pw
	}
	for _, p := range s.providers {
		group(p)
	}
	for _, rec := range records {
		pw := group(rec.Provider)
		pw.Workers = append(pw.Workers, rec)
	}

	for p, pw := range byProvider {
		n, err := s.queue.Length(ctx, p)
		if err != nil {
			s.logger.Warn("failed to read queue length",
				zap.String("provider", string(p)),
				zap.Error(err))
			continue
		}
		pw.QueueLength = n
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeName < nodes[j].NodeName })

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"providers": byProvider,
			"nodes":     nodes,
			"total":     len(records),
		},
		"timestamp": time.Now().UTC(),
	})
}

// handleQueueLength returns the waiting envelopes of a provider
func (s *Server) handleQueueLength(c *gin.Context) {
	provider, ok := providerParam(c)
	if !ok {
		return
	}

	n, err := s.queue.Length(c.Request.Context(), provider)
	if err != nil {
		s.logger.Error("failed to read queue length", zap.Error(err))
		abortWithError(c, http.StatusServiceUnavailable, "QUEUE_ERROR", "Failed to read queue", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"provider": provider,
			"length":   n,
		},
		"timestamp": time.Now().UTC(),
	})
}

// handleEnqueue appends a task to the provider queue
func (s *Server) handleEnqueue(c *gin.Context) {
	provider, ok := providerParam(c)
	if !ok {
		return
	}

	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	env := &domain.TaskEnvelope{
		TaskID:     req.TaskID,
		Provider:   provider,
		PayloadRef: req.PayloadRef,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.queue.Enqueue(c.Request.Context(), env); err != nil {
		if errors.Is(err, domain.ErrMalformedEnvelope) {
			abortWithError(c, http.StatusBadRequest, "INVALID_TASK", err.Error(), nil)
			return
		}
		s.logger.Error("failed to enqueue task", zap.Error(err))
		abortWithError(c, http.StatusServiceUnavailable, "QUEUE_ERROR", "Failed to enqueue task", err.Error())
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"data":      env,
		"timestamp": time.Now().UTC(),
	})
}

// handlePurgeQueue drops every waiting envelope of a provider
func (s *Server) handlePurgeQueue(c *gin.Context) {
	provider, ok := providerParam(c)
	if !ok {
		return
	}

	n, err := s.queue.Purge(c.Request.Context(), provider)
	if err != nil {
		s.logger.Error("failed to purge queue", zap.Error(err))
		abortWithError(c, http.StatusServiceUnavailable, "QUEUE_ERROR", "Failed to purge queue", err.Error())
		return
	}

	s.logger.Warn("queue purged",
		zap.String("provider", string(provider)),
		zap.Int64("purged", n))

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"provider": provider,
			"purged":   n,
		},
		"timestamp": time.Now().UTC(),
	})
}

// handleClearSuspension lifts a provider suspension
func (s *Server) handleClearSuspension(c *gin.Context) {
	provider, ok := providerParam(c)
	if !ok {
		return
	}

	if err := s.throttle.Clear(c.Request.Context(), provider); err != nil {
		s.logger.Error("failed to clear suspension", zap.Error(err))
		abortWithError(c, http.StatusServiceUnavailable, "THROTTLE_ERROR", "Failed to clear suspension", err.Error())
		return
	}

	s.logger.Info("provider suspension cleared", zap.String("provider", string(provider)))

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"provider":  provider,
			"suspended": false,
		},
		"timestamp": time.Now().UTC(),
	})
}
