package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by namespace kind
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"kind"},
	)

	// CacheMisses tracks cache misses by namespace kind
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"kind"},
	)

	// CacheErrors tracks store operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_errors_total",
			Help: "Total number of cache store operation errors",
		},
		[]string{"operation"}, // "get", "put", "delete", "keys", "drop"
	)

	// CacheEvictions tracks forced evictions
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_evictions_total",
			Help: "Total number of evicted cache entries",
		},
		[]string{"kind", "reason"}, // reason: "max_entries", "max_age", "corrupt", "io_error"
	)

	// NotModifiedResponses tracks 304 Not Modified revalidations
	NotModifiedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_cache_not_modified_total",
			Help: "Total number of 304 Not Modified revalidations",
		},
	)
)
