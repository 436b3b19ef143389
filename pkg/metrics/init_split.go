package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initSplitMetrics() {
	r.SplitsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_splits_total",
			Help: "Partition split attempts by outcome",
		},
		[]string{"result"}, // registered, aborted, failed
	)

	r.SplitDurationSeconds = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replication_split_duration_seconds",
			Help:    "Wall time from child creation to coordinator registration",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	r.SplitLearnBytes = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "replication_split_learn_bytes_total",
			Help: "Bytes of checkpoint and private log transferred to split children",
		},
	)

	r.SplitCatchUpMutations = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "replication_split_catch_up_mutations_total",
			Help: "Mutations absorbed by split children during async catch-up",
		},
	)

	r.PartitionVersion = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replication_partition_version",
			Help: "Partition version used for request routing (-1 while rejecting)",
		},
		[]string{"gpid"},
	)
}
