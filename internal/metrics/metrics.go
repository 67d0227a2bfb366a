// Package metrics holds the process-wide prometheus collectors shared
// across components.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// IngestedEntries counts log entries appended to the live tail.
	IngestedEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "puppylog",
		Subsystem: "ingest",
		Name:      "entries_total",
		Help:      "Total log entries appended to the live tail.",
	})

	// SegmentsSealed counts live-tail-to-archive seal operations.
	SegmentsSealed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "puppylog",
		Subsystem: "ingest",
		Name:      "segments_sealed_total",
		Help:      "Total segments sealed from the live tail to the archive.",
	})

	// CompactionRuns counts merger/compactor runs that did useful work.
	CompactionRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "puppylog",
		Subsystem: "compact",
		Name:      "runs_total",
		Help:      "Total merger/compactor runs, labeled by worker.",
	}, []string{"worker"})

	// ActiveSubscriptions gauges the current live-tail subscriber count.
	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "puppylog",
		Subsystem: "subscribe",
		Name:      "active_subscriptions",
		Help:      "Current number of active live-tail subscribers.",
	})

	// SearchedEntries counts log entries evaluated by the searcher.
	SearchedEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "puppylog",
		Subsystem: "search",
		Name:      "entries_evaluated_total",
		Help:      "Total log entries evaluated by the searcher across all queries.",
	})
)

// Register adds every collector above to reg. Call once at startup before
// serving /metrics.
func Register(reg *prometheus.Registry) error {
	for _, c := range []prometheus.Collector{
		IngestedEntries,
		SegmentsSealed,
		CompactionRuns,
		ActiveSubscriptions,
		SearchedEntries,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
