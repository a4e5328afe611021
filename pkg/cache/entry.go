package cache

import (
	"net/http"
	"time"
)

// Entry represents a cached response.
type Entry struct {
	// Key is the request identity (see RequestKey)
	Key string `json:"key"`

	// Data is the response body
	Data []byte `json:"data"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// ETag for conditional revalidation (If-None-Match)
	ETag string `json:"etag,omitempty"`

	// LastModified is the server timestamp of the representation. It is the
	// reference for last-write-wins reconciliation.
	LastModified time.Time `json:"last_modified,omitempty"`

	// StoredAt is when the entry was written or last revalidated
	StoredAt time.Time `json:"stored_at"`

	// TTL is the freshness lifetime. Zero means the entry never goes stale.
	TTL time.Duration `json:"ttl,omitempty"`
}

// ExpiresAt returns StoredAt + TTL, or the zero time when the entry has no TTL.
func (e *Entry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.StoredAt.Add(e.TTL)
}

// IsStale reports whether the entry's freshness lifetime has passed at now.
func (e *Entry) IsStale(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.StoredAt.Add(e.TTL))
}

// Age returns how long ago the entry was stored.
// Returns 0 for entries stored in the future (clock skew).
func (e *Entry) Age(now time.Time) time.Duration {
	age := now.Sub(e.StoredAt)
	if age < 0 {
		return 0
	}
	return age
}

// ServerTime returns the authoritative server timestamp of the entry:
// Last-Modified if known, otherwise the Date header, otherwise StoredAt.
func (e *Entry) ServerTime() time.Time {
	if !e.LastModified.IsZero() {
		return e.LastModified
	}
	if e.Headers != nil {
		if d, err := http.ParseTime(e.Headers.Get("Date")); err == nil {
			return d
		}
	}
	return e.StoredAt
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.Data = append([]byte(nil), e.Data...)
	out.Headers = e.Headers.Clone()
	return &out
}
