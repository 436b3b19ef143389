package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initDuplicationMetrics() {
	r.DuplicationPendingMutations = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replication_dup_pending_mutations",
			Help: "Number of mutations committed locally but not yet confirmed by the remote cluster",
		},
		[]string{"gpid", "dupid"},
	)

	r.DuplicationConfirmedDecree = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replication_dup_confirmed_decree",
			Help: "Highest decree acknowledged as durably received by the remote cluster",
		},
		[]string{"gpid", "dupid"},
	)

	r.DuplicationIncreasedDecree = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replication_dup_increased_confirmed_decree",
			Help: "Confirmed decree growth during the last metrics interval",
		},
		[]string{"gpid", "dupid"},
	)

	r.DuplicationShippedBatches = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_dup_shipped_batches_total",
			Help: "Total number of mutation batches shipped to remote clusters",
		},
		[]string{"result"}, // ok, retried, failed
	)

	r.DuplicationShippedBytes = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_dup_shipped_bytes_total",
			Help: "Total compressed bytes shipped to remote clusters",
		},
		[]string{"gpid"},
	)

	r.DuplicationShipRetries = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_dup_ship_retries_total",
			Help: "Total transient ship failures that were retried with backoff",
		},
		[]string{"gpid"},
	)

	r.DuplicationFatalErrors = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_dup_fatal_errors_total",
			Help: "Duplication tasks stopped by unrecoverable errors (e.g. GC-truncated logs)",
		},
		[]string{"gpid", "reason"},
	)
}
