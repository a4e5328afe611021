// Package strategy implements the retrieval strategies that decide, per
// request, whether the answer comes from the network, a cache namespace or
// both.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/offline-health-cache/pkg/cache"
	"github.com/Sternrassler/offline-health-cache/pkg/logging"
	"github.com/Sternrassler/offline-health-cache/pkg/namespace"
	"github.com/Sternrassler/offline-health-cache/pkg/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_strategy_results_total",
		Help: "Total strategy results by strategy, source and staleness",
	}, []string{"strategy", "source", "stale"})

	fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_strategy_fallbacks_total",
		Help: "Total cache fallbacks by strategy and reason",
	}, []string{"strategy", "reason"})

	refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_strategy_refresh_total",
		Help: "Total background refreshes by outcome",
	}, []string{"outcome"}) // "updated", "not_modified", "failed", "skipped", "deduplicated"
)

// ErrOffline is returned when a request needs the network but the client is
// known to be offline and no cached copy exists.
var ErrOffline = errors.New("offline")

// Source tells where a response came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// Request is one classified request.
type Request struct {
	HTTP *http.Request

	// Key is the cache key (see cache.KeyFromRequest)
	Key string

	// Kind selects the namespace
	Kind namespace.Kind
}

// Result is a strategy's answer.
type Result struct {
	Response *http.Response
	Source   Source

	// Stale marks a possibly outdated cached copy
	Stale bool
}

// Strategy answers a classified request.
type Strategy interface {
	Handle(req Request) (*Result, error)
}

// NamespaceOpener resolves the active namespace for a kind.
// *namespace.Registry implements it.
type NamespaceOpener interface {
	Open(ctx context.Context, kind namespace.Kind) (*namespace.Namespace, error)
}

// OnlineChecker reports connectivity. *connectivity.Monitor implements it.
type OnlineChecker interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// Config holds strategy timeouts and limits.
type Config struct {
	// NetworkTimeout bounds network-first attempts before falling back
	NetworkTimeout time.Duration `yaml:"network_timeout" env:"NETWORK_TIMEOUT" validate:"gte=0"`

	// FetchTimeout bounds cache-first misses and background refreshes
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT" validate:"gte=0"`

	// MaxBackgroundRefreshes caps concurrent stale-while-revalidate fetches
	MaxBackgroundRefreshes int `yaml:"max_background_refreshes" env:"MAX_BACKGROUND_REFRESHES" validate:"gte=0"`
}

// DefaultConfig returns the default strategy configuration.
func DefaultConfig() Config {
	return Config{
		NetworkTimeout:         4 * time.Second,
		FetchTimeout:           30 * time.Second,
		MaxBackgroundRefreshes: 4,
	}
}

// base holds what every caching strategy shares.
type base struct {
	name       router.Strategy
	namespaces NamespaceOpener
	upstream   Fetcher
	online     OnlineChecker
	logger     zerolog.Logger
}

// lookup reads key from the active namespace of kind. A handle retired by a
// concurrent activation is reopened once. Misses and read errors both yield
// a nil entry.
func (b *base) lookup(ctx context.Context, kind namespace.Kind, key string) *cache.Entry {
	for attempt := 0; attempt < 2; attempt++ {
		ns, err := b.namespaces.Open(ctx, kind)
		if err != nil {
			b.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Failed to open namespace")
			return nil
		}
		entry, err := ns.Get(ctx, key)
		if errors.Is(err, namespace.ErrNamespaceRetired) {
			continue
		}
		if err != nil {
			return nil
		}
		return entry
	}
	return nil
}

// store writes entry to the active namespace of kind. Errors are logged;
// the response is still served.
func (b *base) store(ctx context.Context, kind namespace.Kind, entry *cache.Entry) {
	for attempt := 0; attempt < 2; attempt++ {
		ns, err := b.namespaces.Open(ctx, kind)
		if err != nil {
			b.logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to open namespace for write")
			return
		}
		err = ns.Put(ctx, entry)
		if errors.Is(err, namespace.ErrNamespaceRetired) {
			continue
		}
		if err != nil {
			b.logger.Error().Err(err).Str("key", entry.Key).Msg("Failed to store response")
			return
		}
		b.logger.Debug().Str("key", entry.Key).Dur("ttl", entry.TTL).Msg("Stored response")
		return
	}
}

// fetch sends a copy of req bound to ctx and snapshots the response.
func (b *base) fetch(ctx context.Context, req Request, cached *cache.Entry) (*cache.Entry, *http.Response, error) {
	out := req.HTTP.Clone(ctx)
	if cached != nil {
		cache.AddConditionalHeaders(out, cached)
	}

	resp, err := b.upstream.Do(out)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	entry, err := cache.ResponseToEntry(resp, req.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("read upstream response: %w", err)
	}
	return entry, resp, nil
}

func (b *base) result(entry *cache.Entry, req Request, source Source, stale bool) *Result {
	resp := cache.EntryToResponse(entry, req.HTTP)
	resp.Header.Set(cache.HeaderSource, string(source))
	if stale {
		resp.Header.Set(cache.HeaderStale, "1")
	}
	resultsTotal.WithLabelValues(string(b.name), string(source), fmt.Sprint(stale)).Inc()
	return &Result{Response: resp, Source: source, Stale: stale}
}

// Set bundles one instance of every strategy around shared dependencies.
type Set struct {
	CacheFirst           *CacheFirst
	NetworkFirst         *NetworkFirst
	StaleWhileRevalidate *StaleWhileRevalidate
	NetworkOnly          *NetworkOnly

	refresher *refresher
}

// NewSet creates all strategies. A nil online checker means always online.
func NewSet(namespaces NamespaceOpener, upstream Fetcher, online OnlineChecker, cfg Config) *Set {
	def := DefaultConfig()
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = def.NetworkTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.MaxBackgroundRefreshes <= 0 {
		cfg.MaxBackgroundRefreshes = def.MaxBackgroundRefreshes
	}
	if online == nil {
		online = alwaysOnline{}
	}

	logger := logging.NewLogger("strategy")
	mk := func(name router.Strategy) base {
		return base{
			name:       name,
			namespaces: namespaces,
			upstream:   upstream,
			online:     online,
			logger:     logger.With().Str("strategy", string(name)).Logger(),
		}
	}

	r := newRefresher(mk("refresh"), cfg.MaxBackgroundRefreshes, cfg.FetchTimeout)
	return &Set{
		CacheFirst:           &CacheFirst{base: mk(router.CacheFirst), refresher: r, timeout: cfg.FetchTimeout},
		NetworkFirst:         &NetworkFirst{base: mk(router.NetworkFirst), timeout: cfg.NetworkTimeout},
		StaleWhileRevalidate: &StaleWhileRevalidate{base: mk(router.StaleWhileRevalidate), refresher: r},
		NetworkOnly:          &NetworkOnly{upstream: upstream},
		refresher:            r,
	}
}

// Table returns the dispatch table from strategy name to implementation.
func (s *Set) Table() map[router.Strategy]Strategy {
	return map[router.Strategy]Strategy{
		router.CacheFirst:           s.CacheFirst,
		router.NetworkFirst:         s.NetworkFirst,
		router.StaleWhileRevalidate: s.StaleWhileRevalidate,
		router.NetworkOnly:          s.NetworkOnly,
	}
}

// Wait blocks until all background refreshes have finished.
func (s *Set) Wait() {
	s.refresher.wait()
}
