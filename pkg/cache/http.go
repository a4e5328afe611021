package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTTL is the fallback freshness lifetime when the response carries
	// neither Cache-Control max-age nor Expires.
	DefaultTTL = 5 * time.Minute
)

// Response headers set on responses produced by the engine.
const (
	HeaderSource = "X-Cache-Source"
	HeaderStale  = "X-Cache-Stale"
)

// ResponseToEntry converts an HTTP response to an Entry stored under key.
// It reads the response body and restores it for the caller.
func ResponseToEntry(resp *http.Response, key string) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		resp.Body.Close()
	}

	// Restore body for caller
	resp.Body = io.NopCloser(bytes.NewReader(body))

	now := time.Now()
	headers := resp.Header.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	headers.Del("Content-Length")
	headers.Del(HeaderSource)
	headers.Del(HeaderStale)

	entry := &Entry{
		Key:        key,
		Data:       body,
		StatusCode: resp.StatusCode,
		Headers:    headers,
		ETag:       resp.Header.Get("ETag"),
		StoredAt:   now,
		TTL:        parseTTL(resp.Header, now),
	}

	if lastModStr := resp.Header.Get("Last-Modified"); lastModStr != "" {
		if lastMod, err := http.ParseTime(lastModStr); err == nil {
			entry.LastModified = lastMod
		}
	}

	return entry, nil
}

// parseTTL derives the freshness lifetime from Cache-Control max-age, then
// Expires, falling back to DefaultTTL.
func parseTTL(headers http.Header, now time.Time) time.Duration {
	for _, directive := range strings.Split(headers.Get("Cache-Control"), ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		if v, ok := strings.CutPrefix(directive, "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
				if secs == 0 {
					// max-age=0: stale immediately, but still kept for offline fallback
					return time.Nanosecond
				}
				return time.Duration(secs) * time.Second
			}
		}
	}

	if expiresStr := headers.Get("Expires"); expiresStr != "" {
		expires, err := http.ParseTime(expiresStr)
		if err != nil {
			return DefaultTTL
		}
		ttl := expires.Sub(now)
		if ttl <= 0 {
			return time.Nanosecond
		}
		return ttl
	}

	return DefaultTTL
}

// Storable reports whether a response may be written to a partition:
// a 2xx status and no Cache-Control: no-store.
func Storable(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store")
}

// EntryToResponse converts a cache entry back to an HTTP response for req.
// Each call returns an independent body reader.
func EntryToResponse(entry *Entry, req *http.Request) *http.Response {
	headers := entry.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}

	status := entry.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        headers,
		Body:          io.NopCloser(bytes.NewReader(entry.Data)),
		ContentLength: int64(len(entry.Data)),
		Request:       req,
	}
}

// ShouldMakeConditionalRequest determines if we should add conditional
// request headers (If-None-Match or If-Modified-Since) based on the cache entry.
func ShouldMakeConditionalRequest(entry *Entry) bool {
	if entry == nil {
		return false
	}
	return entry.ETag != "" || !entry.LastModified.IsZero()
}

// AddConditionalHeaders adds If-None-Match (ETag) or If-Modified-Since headers
// to the request if the cache entry supports conditional requests.
func AddConditionalHeaders(req *http.Request, entry *Entry) {
	if entry == nil || req == nil {
		return
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}

	// Prefer ETag over Last-Modified (more accurate)
	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	} else if !entry.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", entry.LastModified.UTC().Format(http.TimeFormat))
	}
}

// Revalidated returns a copy of entry refreshed by a 304 Not Modified
// response: StoredAt is reset and TTL recomputed from the 304 headers.
func Revalidated(entry *Entry, notModified *http.Response) *Entry {
	out := entry.Clone()
	now := time.Now()
	out.StoredAt = now
	out.TTL = parseTTL(notModified.Header, now)
	if etag := notModified.Header.Get("ETag"); etag != "" {
		out.ETag = etag
	}
	NotModifiedResponses.Inc()
	return out
}
