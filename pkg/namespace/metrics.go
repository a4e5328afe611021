package namespace

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Activations tracks completed version activations
	Activations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_namespace_activations_total",
			Help: "Total number of namespace version activations",
		},
	)

	// PartitionsDropped tracks stale partitions removed by the activation sweep
	PartitionsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_namespace_partitions_dropped_total",
			Help: "Total number of stale partitions deleted",
		},
	)

	// CleanupFailures tracks stale partitions whose deletion failed
	CleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_namespace_cleanup_failures_total",
			Help: "Total number of failed stale partition deletions",
		},
	)

	// Entries reports the entry count per active namespace
	Entries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offline_namespace_entries",
			Help: "Number of entries in the active namespace",
		},
		[]string{"kind"},
	)
)
