package primary

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the merge and refresh counters the coordinator records
// (elapsed time, completion counter), grounded in the Planner-level
// prometheus fields of the replication example this repo draws its
// durable-upload stack from.
type Metrics struct {
	MergePreCopyDuration prometheus.Histogram
	MergePreCopyTotal    *prometheus.CounterVec // label: outcome (completed|abandoned)
	RefreshTotal         *prometheus.CounterVec // label: outcome (changed|unchanged|failed)
}

// NewMetrics constructs Metrics and registers them with reg. Passing a
// fresh prometheus.NewRegistry() in tests avoids collisions with the
// global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var m = &Metrics{
		MergePreCopyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nrtsearch",
			Subsystem: "primary",
			Name:      "merge_precopy_duration_seconds",
			Help:      "Time spent pre-copying a merged segment's files to replicas.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		MergePreCopyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nrtsearch",
			Subsystem: "primary",
			Name:      "merge_precopy_total",
			Help:      "Count of merge pre-copies by terminal outcome.",
		}, []string{"outcome"}),
		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nrtsearch",
			Subsystem: "primary",
			Name:      "refresh_total",
			Help:      "Count of refresh cycles by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.MergePreCopyDuration, m.MergePreCopyTotal, m.RefreshTotal)
	return m
}
