package ports

import "time"

// MetricsCollector records pool metrics
type MetricsCollector interface {
	SetAliveProcesses(provider string, count int)
	SetShortfall(provider string, count int)
	IncSpawned(provider string)
	IncSpawnFailures(provider string)
	IncWorkerExits(provider, reason string)
	IncTasksRecovered(provider string, count int)
	SetQueueDepth(provider string, depth int64)
	RecordGuardTick(result string, duration time.Duration)
	RecordDrain(forced bool, duration time.Duration)
}

// NopMetrics discards every metric.
type NopMetrics struct{}

func (NopMetrics) SetAliveProcesses(string, int) {}
func (NopMetrics) SetShortfall(string, int) {}
func (NopMetrics) IncSpawned(string) {}
func (NopMetrics) IncSpawnFailures(string) {}
func (NopMetrics) IncWorkerExits(string, string) {}
func (NopMetrics) IncTasksRecovered(string, int) {}
func (NopMetrics) SetQueueDepth(string, int64) {}
func (NopMetrics) RecordGuardTick(string, time.Duration) {}
func (NopMetrics) RecordDrain(bool, time.Duration) {}
