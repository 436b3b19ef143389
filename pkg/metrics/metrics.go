package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RecordDuplicationProgress updates the per-task duplication gauges.
func (r *Registry) RecordDuplicationProgress(gpid, dupid string, pending, confirmed, increased int64) {
	r.DuplicationPendingMutations.WithLabelValues(gpid, dupid).Set(float64(pending))
	r.DuplicationConfirmedDecree.WithLabelValues(gpid, dupid).Set(float64(confirmed))
	r.DuplicationIncreasedDecree.WithLabelValues(gpid, dupid).Set(float64(increased))
}

// RecordShippedBatch records one shipped batch and its compressed size.
func (r *Registry) RecordShippedBatch(gpid string, bytes int) {
	r.DuplicationShippedBatches.WithLabelValues("ok").Inc()
	r.DuplicationShippedBytes.WithLabelValues(gpid).Add(float64(bytes))
}

// RecordShipRetry records a transient ship failure that will be retried.
func (r *Registry) RecordShipRetry(gpid string) {
	r.DuplicationShippedBatches.WithLabelValues("retried").Inc()
	r.DuplicationShipRetries.WithLabelValues(gpid).Inc()
}

// RecordDuplicationFatal records a duplication task stopped by an
// unrecoverable error.
func (r *Registry) RecordDuplicationFatal(gpid, reason string) {
	r.DuplicationFatalErrors.WithLabelValues(gpid, reason).Inc()
}

// RecordSplitResult records the outcome of a split attempt.
func (r *Registry) RecordSplitResult(result string, elapsed time.Duration) {
	r.SplitsTotal.WithLabelValues(result).Inc()
	if elapsed > 0 {
		r.SplitDurationSeconds.Observe(elapsed.Seconds())
	}
}

// SetPartitionVersion updates the routing version gauge for a partition.
func (r *Registry) SetPartitionVersion(gpid string, version int32) {
	r.PartitionVersion.WithLabelValues(gpid).Set(float64(version))
}

// UpdateSystemMetrics refreshes process-level gauges.
func (r *Registry) UpdateSystemMetrics(start time.Time) {
	r.UptimeSeconds.Set(time.Since(start).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	r.MemoryAllocBytes.Set(float64(mem.Alloc))
}

// Handler returns the HTTP handler exposing this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
