// Package metrics provides the Prometheus registry and HTTP handler for the
// offline cache engine. All metrics are defined in their respective packages
// (cache, namespace, strategy, queue, syncer, ...) to maintain modularity and
// avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the engine.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - offline_cache_hits_total{kind} (Counter): Cache hits by namespace kind
//   - offline_cache_misses_total{kind} (Counter): Cache misses by namespace kind
//   - offline_cache_errors_total{operation} (Counter): Store operation errors
//   - offline_cache_evictions_total{kind, reason} (Counter): Entries removed (max_entries, max_age, corrupt, io_error)
//   - offline_cache_not_modified_total (Counter): 304 revalidations
//
// Namespace Metrics (pkg/namespace):
//   - offline_namespace_activations_total (Counter): Version activations
//   - offline_namespace_partitions_dropped_total (Counter): Stale partitions deleted
//   - offline_namespace_cleanup_failures_total (Counter): Stale partitions whose deletion failed
//   - offline_namespace_entries{kind} (Gauge): Entries per active namespace
//
// Routing and Strategy Metrics (pkg/router, pkg/strategy):
//   - offline_router_decisions_total{rule, strategy} (Counter): Classification decisions
//   - offline_strategy_results_total{strategy, source, stale} (Counter): Answers by source
//   - offline_strategy_fallbacks_total{strategy, reason} (Counter): Cache fallbacks (offline, timeout, network_error, server_error)
//   - offline_strategy_refresh_total{outcome} (Counter): Background refreshes
//   - offline_upstream_breaker_state{name} (Gauge): 0 closed, 1 half-open, 2 open
//
// Queue and Sync Metrics (pkg/queue, pkg/syncer):
//   - offline_queue_depth (Gauge): Queued writes not yet confirmed by the server
//   - offline_queue_enqueued_total (Counter): Writes captured
//   - offline_queue_transitions_total{status, resolution} (Counter): Item state changes
//   - offline_queue_recovered_total (Counter): In-flight items reset after a restart
//   - offline_sync_sends_total{outcome} (Counter): Sends by outcome
//   - offline_sync_drains_total{trigger} (Counter): Drains by trigger
//   - offline_sync_send_duration_seconds (Histogram): Send latency
//
// Connectivity Metrics (pkg/connectivity):
//   - offline_connectivity_online (Gauge): 1 when online
//   - offline_connectivity_transitions_total{state} (Counter): Online/offline transitions
//   - offline_connectivity_dropped_events_total (Counter): Events dropped for slow subscribers
//   - offline_connectivity_probe_duration_seconds (Histogram): Probe latency
//
// Engine Metrics (pkg/client, pkg/precache):
//   - offline_client_requests_total{strategy, source} (Counter): Intercepted requests
//   - offline_client_request_duration_seconds{strategy} (Histogram): Request duration
//   - offline_client_errors_total{class} (Counter): Failures by error class
//   - offline_client_writes_total{outcome} (Counter): Writes sent, queued or failed
//   - offline_client_bandwidth_biased_total (Counter): Reads rerouted on a constrained link
//   - offline_client_retries_total{error_class} (Counter): Inline retry attempts
//   - offline_client_retry_backoff_seconds{error_class} (Histogram): Inline retry backoff
//   - offline_client_retry_exhausted_total{error_class} (Counter): Inline retries exhausted
//   - offline_precache_total{outcome} (Counter): Shell precache fetches
//
// Proxy Metrics (pkg/config, cmd/offline-proxy):
//   - offline_config_reloads_total{outcome} (Counter): Rule table reloads (applied, rejected)
//   - offline_proxy_requests_total{method, code} (Counter): Requests served by the proxy
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate per kind
//   sum by (kind) (rate(offline_cache_hits_total[5m])) /
//   (sum by (kind) (rate(offline_cache_hits_total[5m])) + sum by (kind) (rate(offline_cache_misses_total[5m])))
//
//   # Writes waiting for sync
//   offline_queue_depth
//
//   # Writes needing user resolution
//   sum(rate(offline_queue_transitions_total{resolution!=""}[1h]))
//
//   # Share of answers served stale
//   sum(rate(offline_strategy_results_total{stale="true"}[5m])) / sum(rate(offline_strategy_results_total[5m]))
