package strategy

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/offline-health-cache/pkg/cache"
)

// StaleWhileRevalidate serves images and education content: any cached copy
// is returned immediately and refreshed in the background. Only a cold miss
// waits for the network.
type StaleWhileRevalidate struct {
	base
	refresher *refresher
}

// Handle implements Strategy.
func (s *StaleWhileRevalidate) Handle(req Request) (*Result, error) {
	ctx := req.HTTP.Context()

	if entry := s.lookup(ctx, req.Kind, req.Key); entry != nil {
		if s.online.Online() {
			s.refresher.trigger(req, entry)
		}
		return s.result(entry, req, SourceCache, entry.IsStale(time.Now())), nil
	}

	if !s.online.Online() {
		return nil, fmt.Errorf("stale-while-revalidate %s: %w", req.Key, ErrOffline)
	}

	entry, resp, err := s.fetch(ctx, req, nil)
	if err != nil {
		return nil, fmt.Errorf("stale-while-revalidate %s: %w", req.Key, err)
	}
	if cache.Storable(resp) {
		s.store(ctx, req.Kind, entry)
	}
	return s.result(entry, req, SourceNetwork, false), nil
}

// refresher runs bounded, per-key deduplicated background revalidations.
type refresher struct {
	base
	sem     chan struct{}
	timeout time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

func newRefresher(b base, concurrency int, timeout time.Duration) *refresher {
	return &refresher{
		base:     b,
		sem:      make(chan struct{}, concurrency),
		timeout:  timeout,
		inflight: make(map[string]struct{}),
	}
}

// trigger starts a background revalidation of req unless one is already
// running for the same key or the concurrency budget is exhausted. It never
// blocks.
func (r *refresher) trigger(req Request, cached *cache.Entry) bool {
	r.mu.Lock()
	if _, busy := r.inflight[req.Key]; busy {
		r.mu.Unlock()
		refreshTotal.WithLabelValues("deduplicated").Inc()
		return false
	}
	select {
	case r.sem <- struct{}{}:
	default:
		r.mu.Unlock()
		refreshTotal.WithLabelValues("skipped").Inc()
		r.logger.Debug().Str("key", req.Key).Msg("Background refresh skipped, limit reached")
		return false
	}
	r.inflight[req.Key] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	bg := Request{
		HTTP: req.HTTP.Clone(context.Background()),
		Key:  req.Key,
		Kind: req.Kind,
	}

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.inflight, bg.Key)
			r.mu.Unlock()
			<-r.sem
			r.wg.Done()
		}()
		r.revalidate(bg, cached)
	}()
	return true
}

func (r *refresher) revalidate(req Request, cached *cache.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	entry, resp, err := r.fetch(ctx, req, cached)
	if err != nil {
		refreshTotal.WithLabelValues("failed").Inc()
		r.logger.Debug().Err(err).Str("key", req.Key).Msg("Background refresh failed")
		return
	}

	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		r.store(ctx, req.Kind, cache.Revalidated(cached, resp))
		refreshTotal.WithLabelValues("not_modified").Inc()
	case cache.Storable(resp):
		r.store(ctx, req.Kind, entry)
		refreshTotal.WithLabelValues("updated").Inc()
	default:
		refreshTotal.WithLabelValues("failed").Inc()
		r.logger.Debug().Int("status", resp.StatusCode).Str("key", req.Key).Msg("Background refresh not stored")
	}
}

func (r *refresher) wait() {
	r.wg.Wait()
}
