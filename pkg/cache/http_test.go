package cache

import (
	"bytes"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestResponseToEntry(t *testing.T) {
	tests := []struct {
		name    string
		resp    *http.Response
		wantErr bool
	}{
		{
			name: "valid response with all headers",
			resp: &http.Response{
				StatusCode: 200,
				Header: http.Header{
					"Cache-Control": []string{"max-age=600"},
					"Last-Modified": []string{time.Now().Add(-1 * time.Hour).Format(http.TimeFormat)},
					"Etag":          []string{`"abc123"`},
					"Content-Type":  []string{"application/json"},
				},
				Body: io.NopCloser(bytes.NewReader([]byte(`{"bp": "120/80"}`))),
			},
			wantErr: false,
		},
		{
			name: "response without freshness headers",
			resp: &http.Response{
				StatusCode: 200,
				Header: http.Header{
					"Content-Type": []string{"application/json"},
				},
				Body: io.NopCloser(bytes.NewReader([]byte(`{"test": "data"}`))),
			},
			wantErr: false,
		},
		{
			name:    "nil response",
			resp:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := ResponseToEntry(tt.resp, "GET /api/health-data")
			if (err != nil) != tt.wantErr {
				t.Errorf("ResponseToEntry() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}

			// Verify body was read and restored
			body, _ := io.ReadAll(tt.resp.Body)
			if len(body) == 0 {
				t.Error("Response body was not restored")
			}
			if !bytes.Equal(body, entry.Data) {
				t.Errorf("Data = %q, want %q", entry.Data, body)
			}

			if entry.Key != "GET /api/health-data" {
				t.Errorf("Key = %q", entry.Key)
			}
			if entry.StatusCode != tt.resp.StatusCode {
				t.Errorf("StatusCode = %v, want %v", entry.StatusCode, tt.resp.StatusCode)
			}
			if entry.ETag != tt.resp.Header.Get("ETag") {
				t.Errorf("ETag = %v, want %v", entry.ETag, tt.resp.Header.Get("ETag"))
			}
			if entry.TTL <= 0 {
				t.Error("TTL was not set")
			}
			if entry.StoredAt.IsZero() {
				t.Error("StoredAt was not set")
			}
		})
	}
}

func TestParseTTL(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		headers http.Header
		wantMin time.Duration
		wantMax time.Duration
	}{
		{
			name:    "max-age",
			headers: http.Header{"Cache-Control": {"public, max-age=120"}},
			wantMin: 120 * time.Second,
			wantMax: 120 * time.Second,
		},
		{
			name:    "max-age beats expires",
			headers: http.Header{"Cache-Control": {"max-age=60"}, "Expires": {now.Add(time.Hour).Format(http.TimeFormat)}},
			wantMin: 60 * time.Second,
			wantMax: 60 * time.Second,
		},
		{
			name:    "expires header",
			headers: http.Header{"Expires": {now.Add(time.Hour).Format(http.TimeFormat)}},
			wantMin: 59 * time.Minute,
			wantMax: 61 * time.Minute,
		},
		{
			name:    "no headers",
			headers: http.Header{},
			wantMin: DefaultTTL,
			wantMax: DefaultTTL,
		},
		{
			name:    "invalid expires",
			headers: http.Header{"Expires": {"not a valid date"}},
			wantMin: DefaultTTL,
			wantMax: DefaultTTL,
		},
		{
			name:    "expires in the past",
			headers: http.Header{"Expires": {now.Add(-time.Hour).Format(http.TimeFormat)}},
			wantMin: time.Nanosecond,
			wantMax: time.Nanosecond,
		},
		{
			name:    "max-age zero",
			headers: http.Header{"Cache-Control": {"max-age=0"}},
			wantMin: time.Nanosecond,
			wantMax: time.Nanosecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTTL(tt.headers, now)
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("parseTTL() = %v, want between %v and %v", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestStorable(t *testing.T) {
	tests := []struct {
		name string
		resp *http.Response
		want bool
	}{
		{name: "nil", resp: nil, want: false},
		{name: "200", resp: &http.Response{StatusCode: 200, Header: http.Header{}}, want: true},
		{name: "204", resp: &http.Response{StatusCode: 204, Header: http.Header{}}, want: true},
		{name: "404", resp: &http.Response{StatusCode: 404, Header: http.Header{}}, want: false},
		{name: "503", resp: &http.Response{StatusCode: 503, Header: http.Header{}}, want: false},
		{name: "no-store", resp: &http.Response{StatusCode: 200, Header: http.Header{"Cache-Control": {"private, no-store"}}}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Storable(tt.resp); got != tt.want {
				t.Errorf("Storable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntryToResponse(t *testing.T) {
	entry := &Entry{
		Data:       []byte(`{"modules": []}`),
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": {"application/json"}},
	}
	req, _ := http.NewRequest("GET", "https://app.example.com/api/education/modules", nil)

	// Two responses from the same entry must have independent bodies
	for i := 0; i < 2; i++ {
		resp := EntryToResponse(entry, req)
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if string(body) != `{"modules": []}` {
			t.Errorf("body = %q", body)
		}
		if resp.StatusCode != 200 {
			t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
		}
		if resp.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
		}
		if resp.Request != req {
			t.Error("Request not set on response")
		}
	}
}

func TestShouldMakeConditionalRequest(t *testing.T) {
	tests := []struct {
		name  string
		entry *Entry
		want  bool
	}{
		{name: "nil entry", entry: nil, want: false},
		{name: "entry with ETag", entry: &Entry{ETag: `"abc123"`}, want: true},
		{name: "entry with Last-Modified", entry: &Entry{LastModified: time.Now()}, want: true},
		{name: "entry without validators", entry: &Entry{Data: []byte("data")}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldMakeConditionalRequest(tt.entry); got != tt.want {
				t.Errorf("ShouldMakeConditionalRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAddConditionalHeaders(t *testing.T) {
	tests := []struct {
		name       string
		entry      *Entry
		wantHeader string
		wantValue  string
	}{
		{
			name:       "add If-None-Match with ETag",
			entry:      &Entry{ETag: `"abc123"`},
			wantHeader: "If-None-Match",
			wantValue:  `"abc123"`,
		},
		{
			name:       "add If-Modified-Since with Last-Modified",
			entry:      &Entry{LastModified: time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)},
			wantHeader: "If-Modified-Since",
			wantValue:  "Sun, 01 Jan 2023 12:00:00 GMT",
		},
		{
			name: "prefer ETag over Last-Modified",
			entry: &Entry{
				ETag:         `"abc123"`,
				LastModified: time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC),
			},
			wantHeader: "If-None-Match",
			wantValue:  `"abc123"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", "https://example.com", nil)
			AddConditionalHeaders(req, tt.entry)

			if got := req.Header.Get(tt.wantHeader); got != tt.wantValue {
				t.Errorf("Header %s = %v, want %v", tt.wantHeader, got, tt.wantValue)
			}
		})
	}
}

func TestAddConditionalHeaders_NilInputs(t *testing.T) {
	// Should not panic with nil inputs
	AddConditionalHeaders(nil, &Entry{ETag: "test"})
	AddConditionalHeaders(&http.Request{}, nil)
}

func TestRevalidated(t *testing.T) {
	old := &Entry{
		Key:      "GET /api/education/modules",
		Data:     []byte("cached"),
		ETag:     `"v1"`,
		StoredAt: time.Now().Add(-time.Hour),
		TTL:      time.Minute,
	}
	notModified := &http.Response{
		StatusCode: http.StatusNotModified,
		Header:     http.Header{"Cache-Control": {"max-age=300"}},
	}

	fresh := Revalidated(old, notModified)

	if fresh.IsStale(time.Now()) {
		t.Error("revalidated entry should be fresh")
	}
	if fresh.TTL != 300*time.Second {
		t.Errorf("TTL = %v, want 5m", fresh.TTL)
	}
	if string(fresh.Data) != "cached" || fresh.ETag != `"v1"` {
		t.Errorf("revalidated entry lost payload: %+v", fresh)
	}
	if !old.IsStale(time.Now()) {
		t.Error("original entry must not be mutated")
	}
}
