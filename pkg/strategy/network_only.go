package strategy

import (
	"github.com/Sternrassler/offline-health-cache/pkg/cache"
	"github.com/Sternrassler/offline-health-cache/pkg/router"
)

// NetworkOnly forwards the request and never reads or writes a cache.
// Errors propagate unchanged.
type NetworkOnly struct {
	upstream Fetcher
}

// Handle implements Strategy.
func (s *NetworkOnly) Handle(req Request) (*Result, error) {
	resp, err := s.upstream.Do(req.HTTP)
	if err != nil {
		return nil, err
	}
	resp.Header.Set(cache.HeaderSource, string(SourceNetwork))
	resultsTotal.WithLabelValues(string(router.NetworkOnly), string(SourceNetwork), "false").Inc()
	return &Result{Response: resp, Source: SourceNetwork}, nil
}
