package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/offline-health-cache/pkg/cache"
	"golang.org/x/sync/singleflight"
)

// CacheFirst serves the shell. A hit never touches the network (a stale hit
// schedules a background refresh). Concurrent misses for one key share a
// single upstream fetch.
type CacheFirst struct {
	base
	refresher *refresher
	timeout   time.Duration
	group     singleflight.Group
}

// Handle implements Strategy.
func (s *CacheFirst) Handle(req Request) (*Result, error) {
	ctx := req.HTTP.Context()

	if entry := s.lookup(ctx, req.Kind, req.Key); entry != nil {
		stale := entry.IsStale(time.Now())
		if stale && s.online.Online() {
			s.refresher.trigger(req, entry)
		}
		return s.result(entry, req, SourceCache, stale), nil
	}

	v, err, shared := s.group.Do(req.Key, func() (interface{}, error) {
		// The shared fetch outlives any single caller's cancellation
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		entry, resp, err := s.fetch(fctx, req, nil)
		if err != nil {
			return nil, err
		}
		if cache.Storable(resp) {
			s.store(fctx, req.Kind, entry)
		}
		return entry, nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("key", req.Key).Msg("Cache miss and network fetch failed")
		return nil, fmt.Errorf("cache-first %s: %w", req.Key, err)
	}
	if shared {
		s.logger.Debug().Str("key", req.Key).Msg("Coalesced concurrent miss")
	}

	return s.result(v.(*cache.Entry), req, SourceNetwork, false), nil
}
