package strategy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/offline-health-cache/pkg/cache"
)

// NetworkFirst serves health data: the network wins when it answers within
// the timeout; otherwise the cached copy is returned marked stale.
type NetworkFirst struct {
	base
	timeout time.Duration
}

// Handle implements Strategy.
func (s *NetworkFirst) Handle(req Request) (*Result, error) {
	ctx := req.HTTP.Context()
	cached := s.lookup(ctx, req.Kind, req.Key)

	if !s.online.Online() {
		return s.fallback(req, cached, "offline", ErrOffline)
	}

	fctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entry, resp, err := s.fetch(fctx, req, cached)
	if err != nil {
		reason := "network_error"
		if fctx.Err() == context.DeadlineExceeded {
			reason = "timeout"
		}
		return s.fallback(req, cached, reason, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		fresh := cache.Revalidated(cached, resp)
		s.store(ctx, req.Kind, fresh)
		return s.result(fresh, req, SourceNetwork, false), nil

	case resp.StatusCode >= 500:
		if cached != nil {
			return s.fallback(req, cached, "server_error", nil)
		}
		return s.result(entry, req, SourceNetwork, false), nil

	case cache.Storable(resp):
		s.store(ctx, req.Kind, entry)
	}

	return s.result(entry, req, SourceNetwork, false), nil
}

// fallback serves cached as possibly stale, or fails with cause when there
// is nothing cached.
func (s *NetworkFirst) fallback(req Request, cached *cache.Entry, reason string, cause error) (*Result, error) {
	if cached == nil {
		if cause == nil {
			cause = ErrOffline
		}
		return nil, fmt.Errorf("network-first %s: %w", req.Key, cause)
	}

	fallbacksTotal.WithLabelValues(string(s.name), reason).Inc()
	s.logger.Warn().
		Err(cause).
		Str("key", req.Key).
		Str("reason", reason).
		Dur("age", cached.Age(time.Now())).
		Msg("Serving cached copy")
	return s.result(cached, req, SourceCache, true), nil
}
