// Package testutil provides a mock health-platform API for tests.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is one request received by the mock.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
	At     time.Time
}

// MockAPI is a configurable mock upstream.
//
// Without a custom handler it behaves like a small record store: writes
// (POST, PUT, PATCH) store the body under the request path and GET serves it
// back with ETag and Last-Modified; DELETE removes it. Writes carrying an
// Idempotency-Key that was already applied are acknowledged without being
// applied again.
type MockAPI struct {
	server *httptest.Server

	mu        sync.RWMutex
	handlers  map[string]http.HandlerFunc
	records   map[string][]byte
	modified  map[string]time.Time
	applied   map[string]int
	conflicts map[string]int
	requests  []RecordedRequest
	down      bool
}

// NewMockAPI starts a new mock server.
func NewMockAPI() *MockAPI {
	m := &MockAPI{
		handlers:  make(map[string]http.HandlerFunc),
		records:   make(map[string][]byte),
		modified:  make(map[string]time.Time),
		applied:   make(map[string]int),
		conflicts: make(map[string]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

func (m *MockAPI) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	r.Body.Close()
	r.Body = io.NopCloser(strings.NewReader(string(body)))

	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		// Drop the connection so the client sees a transport error.
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	m.requests = append(m.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   body,
		At:     time.Now(),
	})
	handler, exists := m.handlers[r.URL.Path]
	conflict := m.conflicts[r.URL.Path]
	m.mu.Unlock()

	if exists {
		handler(w, r)
		return
	}
	if conflict != 0 && r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(conflict)
		fmt.Fprintf(w, `{"error":"version mismatch on %s"}`, r.URL.Path)
		return
	}

	m.defaultHandler(w, r, body)
}

func (m *MockAPI) defaultHandler(w http.ResponseWriter, r *http.Request, body []byte) {
	path := r.URL.Path
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		m.mu.RLock()
		data, ok := m.records[path]
		modified := m.modified[path]
		m.mu.RUnlock()

		if !ok {
			w.Header().Set("ETag", `"default-etag"`)
			w.Header().Set("Cache-Control", "max-age=300")
			if r.Header.Get("If-None-Match") == `"default-etag"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status": "ok"}`))
			return
		}

		etag := fmt.Sprintf(`"%x-%x"`, len(data), modified.UnixNano())
		w.Header().Set("ETag", etag)
		w.Header().Set("Last-Modified", modified.UTC().Format(http.TimeFormat))
		w.Header().Set("Cache-Control", "max-age=60")
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(data)

	case http.MethodPost, http.MethodPut, http.MethodPatch:
		key := r.Header.Get("Idempotency-Key")

		m.mu.Lock()
		if key != "" && m.applied[key] > 0 {
			m.applied[key]++
			data := m.records[path]
			modified := m.modified[path]
			m.mu.Unlock()
			w.Header().Set("Last-Modified", modified.UTC().Format(http.TimeFormat))
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
		now := time.Now()
		m.records[path] = body
		m.modified[path] = now
		if key != "" {
			m.applied[key] = 1
		}
		m.mu.Unlock()

		w.Header().Set("Last-Modified", now.UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		w.Write(body)

	case http.MethodDelete:
		m.mu.Lock()
		delete(m.records, path)
		delete(m.modified, path)
		m.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Client returns an HTTP client configured for the mock server.
func (m *MockAPI) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// SetDown makes every request fail at the transport level.
func (m *MockAPI) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// SetHandler sets a custom handler for a specific path.
func (m *MockAPI) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockAPI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			select {
			case <-time.After(resp.Delay):
			case <-r.Context().Done():
				return
			}
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// ClearHandler removes a custom handler, restoring the default behavior.
func (m *MockAPI) ClearHandler(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, path)
}

// SetConflict makes writes to path fail with status (409 or 412).
// A zero status clears the conflict.
func (m *MockAPI) SetConflict(path string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status == 0 {
		delete(m.conflicts, path)
		return
	}
	m.conflicts[path] = status
}

// SetRecord stores body under path as if it had been written at modified.
func (m *MockAPI) SetRecord(path, body string, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[path] = []byte(body)
	m.modified[path] = modified
}

// Record returns the body stored under path.
func (m *MockAPI) Record(path string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.records[path]
	return string(data), ok
}

// AppliedCount returns how often a write with the given Idempotency-Key was
// received, including replays.
func (m *MockAPI) AppliedCount(idempotencyKey string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.applied[idempotencyKey]
}

// Requests returns a copy of every recorded request.
func (m *MockAPI) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestsFor returns the recorded requests for path.
func (m *MockAPI) RequestsFor(method, path string) []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RecordedRequest
	for _, r := range m.requests {
		if r.Path == path && (method == "" || r.Method == method) {
			out = append(out, r)
		}
	}
	return out
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockAPI) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.requests {
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			n++
		}
	}
	return n
}

// Reset clears recorded requests.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

// NewHealthyResponse creates a standard 200 OK JSON response.
func NewHealthyResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"ETag":          `"test-etag-123"`,
			"Cache-Control": "max-age=300",
			"Content-Type":  "application/json; charset=utf-8",
		},
	}
}

// NewNotModifiedResponse creates a 304 Not Modified response.
func NewNotModifiedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotModified,
		Headers: map[string]string{
			"Cache-Control": "max-age=300",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewConditionalHandler creates a handler that responds with 304 when the
// request carries etag in If-None-Match.
func NewConditionalHandler(etag string, data string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "max-age=300")

		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(data))
	}
}
