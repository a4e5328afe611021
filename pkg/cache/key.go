package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// RequestKey represents the identity of a cacheable request.
type RequestKey struct {
	// Method is the HTTP method (HEAD is folded into GET)
	Method string

	// Path is the URL path (e.g., "/api/health-data/vitals")
	Path string

	// Query are the query parameters
	Query url.Values

	// Vary are the vary-relevant request headers, lower-cased names
	Vary map[string]string
}

// String generates a deterministic cache key string.
// Format: METHOD path?q1=v1&q2=v2 hdr1=val1 hdr2=val2
//
// Example:
//
//	GET /api/education/modules?lang=en accept=application/json
func (k RequestKey) String() string {
	method := strings.ToUpper(k.Method)
	if method == "" || method == http.MethodHead {
		method = http.MethodGet
	}

	path := k.Path
	if path == "" {
		path = "/"
	}

	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(path)

	// Query params (url.Values.Encode sorts by key)
	if len(k.Query) > 0 {
		values := make(url.Values, len(k.Query))
		for key, vals := range k.Query {
			sorted := append([]string(nil), vals...)
			sort.Strings(sorted)
			values[key] = sorted
		}
		b.WriteByte('?')
		b.WriteString(values.Encode())
	}

	// Vary headers (sorted for determinism)
	if len(k.Vary) > 0 {
		names := make([]string, 0, len(k.Vary))
		for name := range k.Vary {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			fmt.Fprintf(&b, " %s=%s", name, k.Vary[name])
		}
	}

	return b.String()
}

// ParseKey extracts the method and path from a key produced by
// RequestKey.String.
func ParseKey(key string) (method, path string, ok bool) {
	method, rest, found := strings.Cut(key, " ")
	if !found || method == "" || !strings.HasPrefix(rest, "/") {
		return "", "", false
	}
	if i := strings.IndexAny(rest, "? "); i >= 0 {
		rest = rest[:i]
	}
	return method, rest, true
}

// KeyFromRequest builds the cache key for req, including the values of the
// given vary-relevant headers. Headers absent from the request are skipped.
func KeyFromRequest(req *http.Request, varyHeaders []string) string {
	return NewRequestKey(req, varyHeaders).String()
}

// NewRequestKey extracts a RequestKey from req.
func NewRequestKey(req *http.Request, varyHeaders []string) RequestKey {
	key := RequestKey{
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.Query(),
	}

	for _, name := range varyHeaders {
		if v := req.Header.Get(name); v != "" {
			if key.Vary == nil {
				key.Vary = make(map[string]string, len(varyHeaders))
			}
			key.Vary[strings.ToLower(name)] = v
		}
	}

	return key
}
