package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the replication control layer
type Registry struct {
	// Duplication Metrics
	DuplicationPendingMutations  *prometheus.GaugeVec
	DuplicationConfirmedDecree   *prometheus.GaugeVec
	DuplicationIncreasedDecree   *prometheus.GaugeVec
	DuplicationShippedBatches    *prometheus.CounterVec
	DuplicationShippedBytes      *prometheus.CounterVec
	DuplicationShipRetries       *prometheus.CounterVec
	DuplicationFatalErrors       *prometheus.CounterVec

	// Partition Split Metrics
	SplitsTotal           *prometheus.CounterVec
	SplitDurationSeconds  prometheus.Histogram
	SplitLearnBytes       prometheus.Counter
	SplitCatchUpMutations prometheus.Counter
	PartitionVersion      *prometheus.GaugeVec

	// System Metrics
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initDuplicationMetrics()
	r.initSplitMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
