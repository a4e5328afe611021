// Package queue implements the durable mutation queue: an ordered log of
// writes made while offline that have not yet been confirmed by the server.
package queue

import (
	"errors"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/Sternrassler/offline-health-cache/pkg/namespace"
)

var (
	// ErrNotFound indicates no item with the given id exists
	ErrNotFound = errors.New("queue item not found")

	// ErrInvalidTransition indicates a status change the item's current
	// status does not allow
	ErrInvalidTransition = errors.New("invalid queue item transition")

	// ErrInvalidItem indicates an item cannot be enqueued
	ErrInvalidItem = errors.New("invalid queue item")
)

// Status is the lifecycle state of an item.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusFailed   Status = "failed"
	StatusDone     Status = "done"
)

// Resolution explains why a failed item will not be retried automatically.
type Resolution string

const (
	// ResolutionNone marks a failed item that is waiting for its backoff
	ResolutionNone Resolution = ""

	// ResolutionConflict: the server rejected the write as conflicting
	// (409/412). Never retried blindly.
	ResolutionConflict Resolution = "conflict"

	// ResolutionExhausted: MaxAttempts reached
	ResolutionExhausted Resolution = "exhausted"

	// ResolutionRejected: the server refused the write (4xx)
	ResolutionRejected Resolution = "rejected"
)

// Item is one queued write.
type Item struct {
	ID uint64 `json:"id"`

	// ResourceKey groups items that must be sent in creation order
	ResourceKey string `json:"resource_key"`

	// Kind names the namespace the confirmed write is reconciled into
	Kind namespace.Kind `json:"kind,omitempty"`

	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Body    []byte      `json:"body,omitempty"`
	Headers http.Header `json:"headers,omitempty"`

	// IdempotencyKey is sent with every attempt so the server can
	// deduplicate replays
	IdempotencyKey string `json:"idempotency_key"`

	CreatedAt     time.Time `json:"created_at"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`

	Status     Status     `json:"status"`
	LastError  string     `json:"last_error,omitempty"`
	Resolution Resolution `json:"resolution,omitempty"`
}

// NeedsResolution reports whether the item is parked until a user retries
// or discards it.
func (it *Item) NeedsResolution() bool {
	return it.Status == StatusFailed && it.Resolution != ResolutionNone
}

// sendable reports whether the item may be attempted at now.
func (it *Item) sendable(now time.Time) bool {
	switch it.Status {
	case StatusPending:
		return !now.Before(it.NextAttemptAt)
	case StatusFailed:
		return it.Resolution == ResolutionNone && !now.Before(it.NextAttemptAt)
	default:
		return false
	}
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() *Item {
	out := *it
	out.Body = append([]byte(nil), it.Body...)
	out.Headers = it.Headers.Clone()
	return &out
}

// ResourceKeyFor derives the default resource key of a write: the URL path.
// Writes to the same record are therefore ordered regardless of method.
func ResourceKeyFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return rawURL
	}
	return u.Path
}

// Policy configures retry backoff.
type Policy struct {
	BaseDelay   time.Duration `yaml:"base_delay" env:"BASE_DELAY" validate:"gt=0"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"MAX_DELAY" validate:"gtefield=BaseDelay"`
	Multiplier  float64       `yaml:"multiplier" env:"MULTIPLIER" validate:"gte=1"`
	Jitter      float64       `yaml:"jitter" env:"JITTER" validate:"gte=0,lt=1"`
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS" validate:"gt=0"`
}

// DefaultPolicy returns the default retry policy: 2s base, doubling, capped
// at 5 minutes, ±20% jitter, 8 attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   2 * time.Second,
		MaxDelay:    5 * time.Minute,
		Multiplier:  2,
		Jitter:      0.2,
		MaxAttempts: 8,
	}
}

// Backoff returns the delay before the next attempt after attempts failed
// attempts, without jitter.
func (p Policy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempts-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// delay applies jitter to Backoff.
func (p Policy) delay(attempts int) time.Duration {
	d := p.Backoff(attempts)
	if p.Jitter <= 0 {
		return d
	}
	// ±Jitter randomness
	return time.Duration(float64(d) * (1 - p.Jitter + rand.Float64()*2*p.Jitter))
}
