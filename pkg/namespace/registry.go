package namespace

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Sternrassler/offline-health-cache/pkg/cache"
	"github.com/Sternrassler/offline-health-cache/pkg/logging"
	"github.com/rs/zerolog"
)

// Registry maps each Kind to exactly one active Namespace and performs
// version activations.
type Registry struct {
	store  cache.Store
	limits map[Kind]Limits
	logger zerolog.Logger

	mu       sync.RWMutex
	manifest VersionManifest
	active   map[Kind]*Namespace

	// activateMu serializes activations; pending is guarded by it
	activateMu sync.Mutex
	pending    map[string]struct{}
}

// ActivationReport summarizes one ActivateVersion call.
type ActivationReport struct {
	// Active lists the partition names now serving each kind
	Active map[Kind]string

	// Dropped lists stale partitions deleted by the sweep
	Dropped []string

	// Failed lists stale partitions whose deletion failed; they are retried
	// on the next activation
	Failed []string
}

// Stats describes one active namespace.
type Stats struct {
	Name    string `json:"name"`
	Kind    Kind   `json:"kind"`
	Version string `json:"version"`
	Entries int    `json:"entries"`
}

// NewRegistry creates a registry serving manifest. Nil limits select
// DefaultLimits. Namespaces are created lazily by Open.
func NewRegistry(store cache.Store, manifest VersionManifest, limits map[Kind]Limits) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	if limits == nil {
		limits = DefaultLimits()
	}

	return &Registry{
		store:    store,
		limits:   limits,
		logger:   logging.NewLogger("namespace"),
		manifest: manifest,
		active:   make(map[Kind]*Namespace, len(Kinds)),
		pending:  make(map[string]struct{}),
	}, nil
}

// Open returns the namespace serving kind, creating its partition if absent.
func (r *Registry) Open(ctx context.Context, kind Kind) (*Namespace, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown namespace kind %q", kind)
	}

	r.mu.RLock()
	ns := r.active[kind]
	r.mu.RUnlock()
	if ns != nil {
		return ns, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ns := r.active[kind]; ns != nil {
		return ns, nil
	}

	ns = newNamespace(r.store, r.manifest.Prefix, kind, r.manifest.VersionFor(kind), r.limits[kind], r.logger)
	if err := r.store.CreatePartition(ctx, ns.Name()); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", ns.Name(), err)
	}
	r.active[kind] = ns
	return ns, nil
}

// Manifest returns the manifest currently in effect.
func (r *Registry) Manifest() VersionManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manifest
}

// ActivateVersion makes manifest the active version set.
//
// Partitions for the new versions are created first and swapped in under one
// lock, so Open never returns a mix of old and new namespaces. Replaced
// namespaces are then retired, which waits for their in-flight operations to
// finish. Finally every partition under the manifest prefix that is not
// active is dropped. Drop failures are logged and retried on the next
// activation; they never fail the activation.
func (r *Registry) ActivateVersion(ctx context.Context, manifest VersionManifest) (ActivationReport, error) {
	if err := manifest.Validate(); err != nil {
		return ActivationReport{}, err
	}

	r.activateMu.Lock()
	defer r.activateMu.Unlock()

	r.mu.RLock()
	current := make(map[Kind]*Namespace, len(r.active))
	for k, ns := range r.active {
		current[k] = ns
	}
	r.mu.RUnlock()

	next := make(map[Kind]*Namespace, len(Kinds))
	for _, kind := range Kinds {
		name := PartitionName(manifest.Prefix, kind, manifest.VersionFor(kind))
		if ns := current[kind]; ns != nil && ns.Name() == name {
			next[kind] = ns
			continue
		}
		ns := newNamespace(r.store, manifest.Prefix, kind, manifest.VersionFor(kind), r.limits[kind], r.logger)
		if err := r.store.CreatePartition(ctx, ns.Name()); err != nil {
			return ActivationReport{}, fmt.Errorf("create partition %s: %w", ns.Name(), err)
		}
		next[kind] = ns
	}

	r.mu.Lock()
	previous := r.active
	previousPrefix := r.manifest.Prefix
	r.active = next
	r.manifest = manifest
	r.mu.Unlock()

	for kind, ns := range previous {
		if next[kind] != ns {
			ns.retire()
		}
	}
	Activations.Inc()

	report := ActivationReport{Active: make(map[Kind]string, len(next))}
	for kind, ns := range next {
		report.Active[kind] = ns.Name()
	}

	r.logger.Info().
		Str("prefix", manifest.Prefix).
		Str("version", manifest.CurrentVersion).
		Msg("Activated namespace version")

	r.sweep(ctx, manifest.Prefix, previousPrefix, &report)
	return report, nil
}

// sweep drops every partition under the known prefixes that is not active,
// plus any partition left over from a failed earlier sweep.
func (r *Registry) sweep(ctx context.Context, prefix, previousPrefix string, report *ActivationReport) {
	keep := make(map[string]struct{}, len(report.Active))
	for _, name := range report.Active {
		keep[name] = struct{}{}
	}

	candidates := make(map[string]struct{}, len(r.pending))
	for name := range r.pending {
		candidates[name] = struct{}{}
	}

	names, err := r.store.Partitions(ctx)
	if err != nil {
		CleanupFailures.Inc()
		r.logger.Warn().Err(err).Msg("Failed to list partitions, stale namespaces kept until next activation")
	}
	for _, name := range names {
		if _, _, ok := ParsePartitionName(prefix, name); ok {
			candidates[name] = struct{}{}
			continue
		}
		if previousPrefix != prefix {
			if _, _, ok := ParsePartitionName(previousPrefix, name); ok {
				candidates[name] = struct{}{}
			}
		}
	}

	stale := make([]string, 0, len(candidates))
	for name := range candidates {
		if _, ok := keep[name]; ok {
			delete(r.pending, name)
			continue
		}
		stale = append(stale, name)
	}
	sort.Strings(stale)

	for _, name := range stale {
		if err := r.store.DropPartition(ctx, name); err != nil {
			CleanupFailures.Inc()
			r.pending[name] = struct{}{}
			report.Failed = append(report.Failed, name)
			r.logger.Warn().Err(err).Str("partition", name).Msg("Failed to drop stale partition, will retry on next activation")
			continue
		}
		delete(r.pending, name)
		PartitionsDropped.Inc()
		report.Dropped = append(report.Dropped, name)
		r.logger.Debug().Str("partition", name).Msg("Dropped stale partition")
	}
}

// PendingCleanup lists stale partitions whose deletion is still outstanding.
func (r *Registry) PendingCleanup() []string {
	r.activateMu.Lock()
	defer r.activateMu.Unlock()

	names := make([]string, 0, len(r.pending))
	for name := range r.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats reports the entry count of every kind, opening namespaces as needed.
func (r *Registry) Stats(ctx context.Context) ([]Stats, error) {
	stats := make([]Stats, 0, len(Kinds))
	for _, kind := range Kinds {
		ns, err := r.Open(ctx, kind)
		if err != nil {
			return nil, err
		}
		n, err := ns.Len(ctx)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", ns.Name(), err)
		}
		Entries.WithLabelValues(string(kind)).Set(float64(n))
		stats = append(stats, Stats{
			Name:    ns.Name(),
			Kind:    kind,
			Version: ns.Version(),
			Entries: n,
		})
	}
	return stats, nil
}

// Sweep purges entries older than MaxAge from every evictable namespace and
// returns the number removed.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	total := 0
	for _, kind := range Kinds {
		if !kind.Evictable() {
			continue
		}
		ns, err := r.Open(ctx, kind)
		if err != nil {
			return total, err
		}
		n, err := ns.Purge(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		r.logger.Info().Int("purged", total).Msg("Swept expired entries")
	}
	return total, nil
}

// PurgeMatching deletes every entry whose key satisfies match from the
// active namespace of each kind and returns the number removed.
func (r *Registry) PurgeMatching(ctx context.Context, match func(key string) bool) (int, error) {
	total := 0
	for _, kind := range Kinds {
		ns, err := r.Open(ctx, kind)
		if err != nil {
			return total, err
		}
		keys, err := ns.Keys(ctx)
		if err != nil {
			return total, fmt.Errorf("list %s: %w", ns.Name(), err)
		}
		for _, key := range keys {
			if !match(key) {
				continue
			}
			if err := ns.Delete(ctx, key); err != nil {
				return total, err
			}
			total++
		}
	}
	return total, nil
}
