// Package ratelimit tracks the rate limits a server announces in its
// responses and gates background sync traffic accordingly.
//
// It understands the RateLimit-Remaining and RateLimit-Reset headers and
// Retry-After on 429 and 503 responses. State can be kept in memory or shared
// across proxy instances through Redis.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage, relative to the tracker prefix.
const (
	RedisKeyRemaining  = "rate_limit:remaining"
	RedisKeyResetAt    = "rate_limit:reset_at"
	RedisKeyRetryAt    = "rate_limit:retry_at"
	RedisKeyLastUpdate = "rate_limit:last_update"
)

// Config holds the thresholds for gating decisions.
type Config struct {
	// Critical blocks sends until the window resets when fewer requests remain
	Critical int `yaml:"critical" env:"CRITICAL" validate:"gte=0"`

	// Warning delays every send by ThrottleDelay when fewer requests remain
	Warning int `yaml:"warning" env:"WARNING" validate:"gtefield=Critical"`

	ThrottleDelay time.Duration `yaml:"throttle_delay" env:"THROTTLE_DELAY" validate:"gte=0"`

	// MaxWait caps a Retry-After or reset the server announces
	MaxWait time.Duration `yaml:"max_wait" env:"MAX_WAIT" validate:"gte=0"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Critical:      2,
		Warning:       10,
		ThrottleDelay: time.Second,
		MaxWait:       10 * time.Minute,
	}
}

// State is the last rate limit information a server announced.
type State struct {
	// Remaining is the number of requests left in the current window, or -1
	// when the server never announced one
	Remaining int `json:"remaining"`

	// ResetAt is when the current window ends
	ResetAt time.Time `json:"reset_at"`

	// RetryAt is the earliest time a Retry-After allows the next request
	RetryAt time.Time `json:"retry_at"`

	// LastUpdate is when the state was last updated from a response
	LastUpdate time.Time `json:"last_update"`
}

// unknownState is the state before any response was observed.
func unknownState() *State {
	return &State{Remaining: -1}
}

// IsStale returns true if the state data is older than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// BlockedFor returns how long sends must wait at now, or 0 when they may
// proceed.
func (s *State) BlockedFor(now time.Time, cfg Config) time.Duration {
	var wait time.Duration
	if s.RetryAt.After(now) {
		wait = s.RetryAt.Sub(now)
	}
	if s.Remaining >= 0 && s.Remaining < cfg.Critical && s.ResetAt.After(now) {
		if d := s.ResetAt.Sub(now); d > wait {
			wait = d
		}
	}
	if cfg.MaxWait > 0 && wait > cfg.MaxWait {
		wait = cfg.MaxWait
	}
	return wait
}

// NeedsThrottling returns true if sends should be slowed down at now. A
// window that has already reset no longer throttles.
func (s *State) NeedsThrottling(now time.Time, cfg Config) bool {
	if s.Remaining < 0 || s.Remaining >= cfg.Warning {
		return false
	}
	return s.ResetAt.IsZero() || s.ResetAt.After(now)
}
