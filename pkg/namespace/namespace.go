// Package namespace owns the mapping from logical cache kinds to versioned
// physical partitions and migrates them atomically across versions.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/offline-health-cache/pkg/cache"
	"github.com/rs/zerolog"
)

// ErrNamespaceRetired is returned by operations on a namespace handle whose
// version has been replaced by an activation. Callers should Open again.
var ErrNamespaceRetired = errors.New("namespace retired")

// Namespace is a handle on one versioned cache partition.
//
// All methods are safe for concurrent use. Once retired, every operation
// fails with ErrNamespaceRetired; operations that were already running when
// retirement began complete against the old data.
type Namespace struct {
	name    string
	kind    Kind
	version string
	limits  Limits
	store   cache.Store
	logger  zerolog.Logger
	now     func() time.Time

	// gate is read-held by every operation and write-held by retire
	gate    sync.RWMutex
	retired atomic.Bool

	// writeMu serializes put+evict so maxEntries is never overshot
	writeMu sync.Mutex
}

func newNamespace(store cache.Store, prefix string, kind Kind, version string, limits Limits, logger zerolog.Logger) *Namespace {
	if !kind.Evictable() {
		limits = Limits{}
	}
	name := PartitionName(prefix, kind, version)
	return &Namespace{
		name:    name,
		kind:    kind,
		version: version,
		limits:  limits,
		store:   store,
		logger:  logger.With().Str("namespace", name).Logger(),
		now:     time.Now,
	}
}

// Name returns the physical partition name.
func (n *Namespace) Name() string { return n.name }

// Kind returns the namespace kind.
func (n *Namespace) Kind() Kind { return n.kind }

// Version returns the namespace version.
func (n *Namespace) Version() string { return n.version }

// Limits returns the eviction limits in effect.
func (n *Namespace) Limits() Limits { return n.limits }

// Retired reports whether the namespace has been replaced.
func (n *Namespace) Retired() bool { return n.retired.Load() }

func (n *Namespace) acquire() error {
	n.gate.RLock()
	if n.retired.Load() {
		n.gate.RUnlock()
		return ErrNamespaceRetired
	}
	return nil
}

func (n *Namespace) release() { n.gate.RUnlock() }

// retire blocks new operations and waits for in-flight ones to finish.
func (n *Namespace) retire() {
	n.gate.Lock()
	n.retired.Store(true)
	n.gate.Unlock()
}

// Get returns the entry stored under key.
//
// Entries older than the namespace's MaxAge and entries that cannot be
// decoded are deleted and reported as cache.ErrCacheMiss. Other store read
// errors also degrade to a miss.
func (n *Namespace) Get(ctx context.Context, key string) (*cache.Entry, error) {
	if err := n.acquire(); err != nil {
		return nil, err
	}
	defer n.release()

	entry, err := n.store.Get(ctx, n.name, key)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrCacheMiss):
		cache.CacheMisses.WithLabelValues(string(n.kind)).Inc()
		return nil, cache.ErrCacheMiss
	case errors.Is(err, cache.ErrInvalidEntry):
		n.logger.Warn().Err(err).Str("key", key).Msg("Dropping corrupt cache entry")
		if derr := n.store.Delete(ctx, n.name, key); derr == nil {
			cache.CacheEvictions.WithLabelValues(string(n.kind), "corrupt").Inc()
		}
		cache.CacheMisses.WithLabelValues(string(n.kind)).Inc()
		return nil, cache.ErrCacheMiss
	default:
		n.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed, treating as miss")
		cache.CacheMisses.WithLabelValues(string(n.kind)).Inc()
		return nil, fmt.Errorf("%w: %v", cache.ErrCacheMiss, err)
	}

	if n.expired(entry) {
		n.logger.Debug().Str("key", key).Msg("Entry exceeded max age")
		if derr := n.store.Delete(ctx, n.name, key); derr != nil {
			n.logger.Warn().Err(derr).Str("key", key).Msg("Failed to delete expired entry")
		} else {
			cache.CacheEvictions.WithLabelValues(string(n.kind), "max_age").Inc()
		}
		cache.CacheMisses.WithLabelValues(string(n.kind)).Inc()
		return nil, cache.ErrCacheMiss
	}

	cache.CacheHits.WithLabelValues(string(n.kind)).Inc()
	n.logger.Debug().Str("key", key).Msg("Cache hit")
	return entry, nil
}

func (n *Namespace) expired(entry *cache.Entry) bool {
	return n.limits.MaxAge > 0 && entry.Age(n.now()) > n.limits.MaxAge
}

// Put stores entry under entry.Key and enforces MaxEntries.
//
// If the store rejects the write (quota, corruption) the namespace is cleared
// and the write retried once. The error is returned only if the retry fails.
func (n *Namespace) Put(ctx context.Context, entry *cache.Entry) error {
	if entry == nil || entry.Key == "" {
		return fmt.Errorf("%w: missing key", cache.ErrInvalidEntry)
	}
	if err := n.acquire(); err != nil {
		return err
	}
	defer n.release()

	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	if err := n.store.Put(ctx, n.name, entry); err != nil {
		n.logger.Warn().Err(err).Str("key", entry.Key).Msg("Cache write failed, clearing namespace and retrying")
		if cerr := n.clear(ctx, "io_error"); cerr != nil {
			return fmt.Errorf("clear namespace %s after write error %v: %w", n.name, err, cerr)
		}
		if err := n.store.Put(ctx, n.name, entry); err != nil {
			n.logger.Error().Err(err).Str("key", entry.Key).Msg("Cache write failed after clearing namespace")
			return fmt.Errorf("put %s: %w", n.name, err)
		}
	}

	n.enforceMaxEntries(ctx)
	return nil
}

func (n *Namespace) enforceMaxEntries(ctx context.Context) {
	if n.limits.MaxEntries <= 0 {
		return
	}
	keys, err := n.store.Keys(ctx, n.name)
	if err != nil {
		n.logger.Warn().Err(err).Msg("Failed to list keys for eviction")
		return
	}
	for excess := len(keys) - n.limits.MaxEntries; excess > 0; excess-- {
		victim := keys[0]
		keys = keys[1:]
		if err := n.store.Delete(ctx, n.name, victim); err != nil {
			n.logger.Warn().Err(err).Str("key", victim).Msg("Failed to evict entry")
			return
		}
		cache.CacheEvictions.WithLabelValues(string(n.kind), "max_entries").Inc()
		n.logger.Debug().Str("key", victim).Msg("Evicted oldest entry")
	}
}

func (n *Namespace) clear(ctx context.Context, reason string) error {
	count, _ := n.store.Len(ctx, n.name)
	if err := n.store.DropPartition(ctx, n.name); err != nil {
		return err
	}
	if err := n.store.CreatePartition(ctx, n.name); err != nil {
		return err
	}
	cache.CacheEvictions.WithLabelValues(string(n.kind), reason).Add(float64(count))
	return nil
}

// Delete removes the entry stored under key.
func (n *Namespace) Delete(ctx context.Context, key string) error {
	if err := n.acquire(); err != nil {
		return err
	}
	defer n.release()

	if err := n.store.Delete(ctx, n.name, key); err != nil {
		return fmt.Errorf("delete %s from %s: %w", key, n.name, err)
	}
	return nil
}

// Keys lists the namespace's keys, oldest insertion first.
func (n *Namespace) Keys(ctx context.Context) ([]string, error) {
	if err := n.acquire(); err != nil {
		return nil, err
	}
	defer n.release()
	return n.store.Keys(ctx, n.name)
}

// Len returns the number of entries in the namespace.
func (n *Namespace) Len(ctx context.Context) (int, error) {
	if err := n.acquire(); err != nil {
		return 0, err
	}
	defer n.release()
	return n.store.Len(ctx, n.name)
}

// Clear removes every entry while keeping the namespace active.
func (n *Namespace) Clear(ctx context.Context) error {
	if err := n.acquire(); err != nil {
		return err
	}
	defer n.release()

	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	if err := n.clear(ctx, "cleared"); err != nil {
		return fmt.Errorf("clear %s: %w", n.name, err)
	}
	return nil
}

// Purge deletes every entry older than MaxAge and returns how many were
// removed. It is a no-op for namespaces without an age limit.
func (n *Namespace) Purge(ctx context.Context) (int, error) {
	if n.limits.MaxAge <= 0 {
		return 0, nil
	}
	if err := n.acquire(); err != nil {
		return 0, err
	}
	defer n.release()

	keys, err := n.store.Keys(ctx, n.name)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", n.name, err)
	}

	purged := 0
	for _, key := range keys {
		entry, err := n.store.Get(ctx, n.name, key)
		if err != nil {
			if errors.Is(err, cache.ErrInvalidEntry) {
				n.store.Delete(ctx, n.name, key)
				cache.CacheEvictions.WithLabelValues(string(n.kind), "corrupt").Inc()
				purged++
			}
			continue
		}
		if !n.expired(entry) {
			continue
		}
		if err := n.store.Delete(ctx, n.name, key); err != nil {
			n.logger.Warn().Err(err).Str("key", key).Msg("Failed to purge expired entry")
			continue
		}
		cache.CacheEvictions.WithLabelValues(string(n.kind), "max_age").Inc()
		purged++
	}
	return purged, nil
}
