package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	aliveProcesses *prometheus.GaugeVec
	shortfall      *prometheus.GaugeVec
	queueDepth     *prometheus.GaugeVec
	spawned        *prometheus.CounterVec
	spawnFailures  *prometheus.CounterVec
	workerExits    *prometheus.CounterVec
	tasksRecovered *prometheus.CounterVec

	guardTicks        *prometheus.CounterVec
	guardTickDuration prometheus.Histogram
	drainDuration     prometheus.Histogram
	drainForced       prometheus.Counter
}

// NewCollector creates a new Prometheus metrics collector registered on reg.
// A nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		aliveProcesses: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kg_worker_processes_alive",
				Help: "Number of live worker processes",
			},
			[]string{"provider"},
		),
		shortfall: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kg_worker_shortfall",
				Help: "Processes missing from the per-provider target",
			},
			[]string{"provider"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kg_queue_depth",
				Help: "Envelopes waiting in the provider queue",
			},
			[]string{"provider"},
		),
		spawned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kg_worker_spawned_total",
				Help: "Total number of worker processes spawned",
			},
			[]string{"provider"},
		),
		spawnFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kg_worker_spawn_failures_total",
				Help: "Total number of failed spawn attempts",
			},
			[]string{"provider"},
		),
		workerExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kg_worker_exits_total",
				Help: "Total number of worker process exits",
			},
			[]string{"provider", "reason"},
		),
		tasksRecovered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kg_tasks_recovered_total",
				Help: "Envelopes moved back to their queue after a worker died",
			},
			[]string{"provider"},
		),
		guardTicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kg_guard_ticks_total",
				Help: "Guard ticks by result",
			},
			[]string{"result"},
		),
		guardTickDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kg_guard_tick_duration_seconds",
				Help:    "Guard tick duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		),
		drainDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kg_drain_duration_seconds",
				Help:    "Time from the stop signal to the end of the drain",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 15, 30, 60},
			},
		),
		drainForced: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kg_drain_forced_total",
				Help: "Drains that had to force-kill worker processes",
			},
		),
	}
}

// SetAliveProcesses sets the live process count of a provider
func (c *Collector) SetAliveProcesses(provider string, count int) {
	c.aliveProcesses.WithLabelValues(provider).Set(float64(count))
}

// SetShortfall sets the missing process count of a provider
func (c *Collector) SetShortfall(provider string, count int) {
	c.shortfall.WithLabelValues(provider).Set(float64(count))
}

// SetQueueDepth sets the waiting envelope count of a provider
func (c *Collector) SetQueueDepth(provider string, depth int64) {
	c.queueDepth.WithLabelValues(provider).Set(float64(depth))
}

// IncSpawned increments the spawned counter
func (c *Collector) IncSpawned(provider string) {
	c.spawned.WithLabelValues(provider).Inc()
}

// IncSpawnFailures increments the spawn failure counter
func (c *Collector) IncSpawnFailures(provider string) {
	c.spawnFailures.WithLabelValues(provider).Inc()
}

// IncWorkerExits increments the exit counter
func (c *Collector) IncWorkerExits(provider, reason string) {
	c.workerExits.WithLabelValues(provider, reason).Inc()
}

// IncTasksRecovered adds recovered envelopes
func (c *Collector) IncTasksRecovered(provider string, count int) {
	c.tasksRecovered.WithLabelValues(provider).Add(float64(count))
}

// RecordGuardTick records one guard tick
func (c *Collector) RecordGuardTick(result string, duration time.Duration) {
	c.guardTicks.WithLabelValues(result).Inc()
	c.guardTickDuration.Observe(duration.Seconds())
}

// RecordDrain records a completed drain
func (c *Collector) RecordDrain(forced bool, duration time.Duration) {
	c.drainDuration.Observe(duration.Seconds())
	if forced {
		c.drainForced.Inc()
	}
}
