// Package cache provides the response cache primitives used by the offline
// engine: entries, deterministic request keys and partition stores.
//
// A partition is an isolated, named store of request key -> response entries.
// Partitions are created and retired by the namespace package; this package
// only knows how to persist them. Three Store backends are provided:
//
//   - RedisStore: shared cache for proxy deployments (go-redis)
//   - LevelStore: on-device persistent partitions (goleveldb)
//   - MemoryStore: process-local partitions, used by tests and ephemeral clients
//
// # Basic Usage
//
//	store, err := cache.OpenLevelStore("./data/cache")
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	key := cache.KeyFromRequest(req, []string{"Accept"})
//
//	entry, err := store.Get(ctx, "pwa-data-v3", key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from network
//	}
//
// # HTTP Response Caching
//
//	if cache.Storable(resp) {
//		entry, err := cache.ResponseToEntry(resp, key)
//		if err != nil {
//			return err
//		}
//		if err := store.Put(ctx, "pwa-data-v3", entry); err != nil {
//			return err
//		}
//	}
//
// # Staleness
//
// An entry is stale once StoredAt + TTL has passed. Stale entries are still
// returned by every Store; it is up to the retrieval strategy to decide
// whether a stale copy may be served and whether a refresh is due.
//
// # Metrics
//
//   - offline_cache_hits_total{kind}
//   - offline_cache_misses_total{kind}
//   - offline_cache_errors_total{operation}
//   - offline_cache_evictions_total{kind, reason}
//   - offline_cache_not_modified_total
package cache
