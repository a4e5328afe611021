package cache

import (
	"net/http"
	"net/url"
	"testing"
)

func TestRequestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  RequestKey
		want string
	}{
		{
			name: "simple path",
			key: RequestKey{
				Method: "GET",
				Path:   "/api/education/modules",
			},
			want: "GET /api/education/modules",
		},
		{
			name: "empty method defaults to GET",
			key: RequestKey{
				Path: "/index.html",
			},
			want: "GET /index.html",
		},
		{
			name: "HEAD folds into GET",
			key: RequestKey{
				Method: "HEAD",
				Path:   "/static/app.js",
			},
			want: "GET /static/app.js",
		},
		{
			name: "query params sorted",
			key: RequestKey{
				Method: "get",
				Path:   "/api/health-data",
				Query: url.Values{
					"to":   []string{"2026-02-01"},
					"from": []string{"2026-01-01"},
				},
			},
			want: "GET /api/health-data?from=2026-01-01&to=2026-02-01",
		},
		{
			name: "vary headers sorted",
			key: RequestKey{
				Method: "GET",
				Path:   "/api/education/modules",
				Vary: map[string]string{
					"accept-language": "de",
					"accept":          "application/json",
				},
			},
			want: "GET /api/education/modules accept=application/json accept-language=de",
		},
		{
			name: "empty path",
			key:  RequestKey{Method: "GET"},
			want: "GET /",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("RequestKey.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestRequestKey_Determinism ensures same input always produces same key
func TestRequestKey_Determinism(t *testing.T) {
	key := RequestKey{
		Method: "GET",
		Path:   "/api/health-data/vitals",
		Query: url.Values{
			"type":  []string{"bp", "hr", "spo2"},
			"limit": []string{"50"},
		},
		Vary: map[string]string{
			"accept":          "application/json",
			"accept-language": "en",
		},
	}

	first := key.String()
	for i := 0; i < 10; i++ {
		if got := key.String(); got != first {
			t.Errorf("iteration %d = %v, want %v (not deterministic)", i, got, first)
		}
	}
}

func TestKeyFromRequest(t *testing.T) {
	req, _ := http.NewRequest("GET", "https://app.example.com/api/education/modules?lang=en", nil)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer secret")

	got := KeyFromRequest(req, []string{"Accept", "Accept-Language"})
	want := "GET /api/education/modules?lang=en accept=application/json"
	if got != want {
		t.Errorf("KeyFromRequest() = %q, want %q", got, want)
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		key        string
		wantMethod string
		wantPath   string
		wantOK     bool
	}{
		{"GET /api/education/modules", "GET", "/api/education/modules", true},
		{"GET /api/education/modules?lang=en accept=application/json", "GET", "/api/education/modules", true},
		{"GET /index.html accept-language=de", "GET", "/index.html", true},
		{"GET /", "GET", "/", true},
		{"first", "", "", false},
		{"GET relative", "", "", false},
		{" /api", "", "", false},
	}
	for _, tt := range tests {
		method, path, ok := ParseKey(tt.key)
		if method != tt.wantMethod || path != tt.wantPath || ok != tt.wantOK {
			t.Errorf("ParseKey(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.key, method, path, ok, tt.wantMethod, tt.wantPath, tt.wantOK)
		}
	}

	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/api/vitals?b=2&a=1", nil)
	method, path, ok := ParseKey(KeyFromRequest(req, nil))
	if !ok || method != "GET" || path != "/api/vitals" {
		t.Errorf("ParseKey(KeyFromRequest) = (%q, %q, %v)", method, path, ok)
	}
}
