package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/offline-health-cache/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

var breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "offline_upstream_breaker_state",
	Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
}, []string{"name"})

// ErrUpstreamUnavailable is returned while the circuit breaker is open.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// errServerStatus marks a 5xx response as a breaker failure.
var errServerStatus = errors.New("upstream server error")

// Fetcher performs upstream HTTP requests. *http.Client implements it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// BreakerConfig configures the upstream circuit breaker.
type BreakerConfig struct {
	Name string `yaml:"name" env:"NAME"`

	// MaxRequests are allowed through while half-open
	MaxRequests uint32 `yaml:"max_requests" env:"MAX_REQUESTS"`

	// Interval resets the closed-state counters
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`

	// Timeout is the open-state duration before half-open
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`

	// FailureRatio trips the breaker once MinRequests have been seen
	FailureRatio float64 `yaml:"failure_ratio" env:"FAILURE_RATIO" validate:"gte=0,lte=1"`
	MinRequests  uint32  `yaml:"min_requests" env:"MIN_REQUESTS"`
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:         "upstream",
		MaxRequests:  3,
		Interval:     30 * time.Second,
		Timeout:      20 * time.Second,
		FailureRatio: 0.6,
		MinRequests:  5,
	}
}

// Upstream wraps a Fetcher with a circuit breaker. Network errors and 5xx
// responses count as failures; 5xx responses are still returned to the
// caller so strategies can decide on a fallback.
type Upstream struct {
	fetcher Fetcher
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewUpstream creates an Upstream around fetcher.
func NewUpstream(fetcher Fetcher, cfg BreakerConfig) *Upstream {
	if fetcher == nil {
		fetcher = http.DefaultClient
	}
	if cfg.Name == "" {
		cfg.Name = "upstream"
	}
	logger := logging.NewLogger("upstream")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			breakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation is not an upstream failure
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	breakerState.WithLabelValues(cfg.Name).Set(0)

	return &Upstream{fetcher: fetcher, breaker: cb, logger: logger}
}

// Do sends req through the breaker.
func (u *Upstream) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	_, err := u.breaker.Execute(func() (interface{}, error) {
		r, err := u.fetcher.Do(req)
		if err != nil {
			return nil, err
		}
		resp = r
		if r.StatusCode >= 500 {
			return nil, errServerStatus
		}
		return nil, nil
	})

	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, errServerStatus):
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		u.logger.Debug().Str("path", req.URL.Path).Msg("Upstream request rejected by open breaker")
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	default:
		return nil, err
	}
}

// State returns the breaker state.
func (u *Upstream) State() gobreaker.State {
	return u.breaker.State()
}
