package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/offline-health-cache/internal/testutil"
	"github.com/Sternrassler/offline-health-cache/pkg/cache"
	"github.com/Sternrassler/offline-health-cache/pkg/client"
	"github.com/Sternrassler/offline-health-cache/pkg/config"
	"github.com/Sternrassler/offline-health-cache/pkg/namespace"
	"github.com/Sternrassler/offline-health-cache/pkg/queue"
	"github.com/Sternrassler/offline-health-cache/pkg/strategy"
	"github.com/Sternrassler/offline-health-cache/pkg/syncer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type proxyHarness struct {
	api    *testutil.MockAPI
	engine *client.Client
	proxy  *httptest.Server
}

func testConfig(origin string) *config.Config {
	cfg := config.Default()
	cfg.Upstream.Origin = origin
	cfg.Shell.URLs = []string{"/index.html"}
	cfg.Breaker.MinRequests = 1000
	cfg.Sync.Rate = 1000
	cfg.Sync.Burst = 10
	cfg.Sync.AttemptTimeout = 2 * time.Second
	cfg.Queue.BaseDelay = time.Millisecond
	cfg.Queue.MaxDelay = 10 * time.Millisecond
	cfg.Queue.Jitter = 0
	return cfg
}

func newProxyHarness(t *testing.T) *proxyHarness {
	t.Helper()

	api := testutil.NewMockAPI()
	t.Cleanup(api.Close)

	cfg := testConfig(api.URL())
	require.NoError(t, cfg.Validate())

	q, err := openQueue("", cfg.Queue)
	require.NoError(t, err)

	engine, err := newEngine(cfg, cache.NewMemoryStore(), q, nil)
	require.NoError(t, err)

	srv, err := newServer(engine, cfg.Upstream.Origin, zerolog.Nop())
	require.NoError(t, err)

	proxy := httptest.NewServer(srv.routes())
	t.Cleanup(func() {
		proxy.Close()
		engine.Close()
		q.Close()
	})

	return &proxyHarness{api: api, engine: engine, proxy: proxy}
}

func (h *proxyHarness) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.proxy.URL+path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.proxy.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func (h *proxyHarness) setOnline(t *testing.T, online bool) {
	t.Helper()
	body := `{"online": false}`
	if online {
		body = `{"online": true}`
	}
	resp, _ := h.do(t, http.MethodPost, "/_offline/connectivity", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, online, h.engine.Monitor().Online())
}

func TestNewServer_InvalidOrigin(t *testing.T) {
	tests := []string{"", "not a url", "/relative/path"}
	for _, origin := range tests {
		if _, err := newServer(nil, origin, zerolog.Nop()); err == nil {
			t.Errorf("newServer(%q) should fail", origin)
		}
	}
}

func TestProxy_ServesCachedCopyOffline(t *testing.T) {
	h := newProxyHarness(t)
	path := "/api/education/sleep"
	h.api.SetRecord(path, `{"title":"Sleep"}`, time.Now())

	resp, body := h.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(strategy.SourceNetwork), resp.Header.Get(cache.HeaderSource))
	require.Equal(t, `{"title":"Sleep"}`, body)

	h.setOnline(t, false)

	resp, body = h.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(strategy.SourceCache), resp.Header.Get(cache.HeaderSource))
	require.Equal(t, `{"title":"Sleep"}`, body)
}

func TestProxy_ForwardsQueryString(t *testing.T) {
	h := newProxyHarness(t)

	resp, _ := h.do(t, http.MethodGet, "/api/profile?lang=de", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	requests := h.api.RequestsFor(http.MethodGet, "/api/profile")
	require.Len(t, requests, 1)
	assert.Equal(t, "lang=de", requests[0].Query)
}

func TestProxy_OfflineMissIsUnavailable(t *testing.T) {
	h := newProxyHarness(t)
	h.setOnline(t, false)

	resp, body := h.do(t, http.MethodGet, "/api/profile", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var fe fetchErrorResponse
	require.NoError(t, json.Unmarshal([]byte(body), &fe))
	assert.Equal(t, client.ErrorClassOffline, fe.Class)
	assert.Empty(t, h.api.Requests())
}

func TestProxy_OfflineWriteQueuedThenSynced(t *testing.T) {
	h := newProxyHarness(t)
	path := "/api/vitals/pulse"
	payload := `{"bpm":64}`

	h.setOnline(t, false)

	resp, _ := h.do(t, http.MethodPut, path, payload)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(client.HeaderSyncPending))

	resp, body := h.do(t, http.MethodGet, "/_offline/queue", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Stats queue.Stats   `json:"stats"`
		Items []*queue.Item `json:"items"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &listing))
	require.Equal(t, 1, listing.Stats.Pending)
	require.Len(t, listing.Items, 1)
	assert.Equal(t, http.MethodPut, listing.Items[0].Method)
	assert.Equal(t, payload, string(listing.Items[0].Body))

	h.setOnline(t, true)

	resp, body = h.do(t, http.MethodPost, "/_offline/sync", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report syncer.Report
	require.NoError(t, json.Unmarshal([]byte(body), &report))
	assert.Equal(t, 1, report.Done)

	record, ok := h.api.Record(path)
	require.True(t, ok)
	assert.Equal(t, payload, record)
}

func TestControl_QueueItemErrors(t *testing.T) {
	h := newProxyHarness(t)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"retry unknown item", http.MethodPost, "/_offline/queue/999/retry", http.StatusNotFound},
		{"discard unknown item", http.MethodDelete, "/_offline/queue/999", http.StatusNotFound},
		{"retry invalid id", http.MethodPost, "/_offline/queue/abc/retry", http.StatusBadRequest},
		{"discard invalid id", http.MethodDelete, "/_offline/queue/-1", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := h.do(t, tt.method, tt.path, "")
			if resp.StatusCode != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
			}
		})
	}
}

func TestControl_DiscardPendingItem(t *testing.T) {
	h := newProxyHarness(t)
	h.setOnline(t, false)

	resp, _ := h.do(t, http.MethodPost, "/api/symptoms", `{"headache":true}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := resp.Header.Get(client.HeaderSyncPending)

	// Only failed items can be retried.
	resp, _ = h.do(t, http.MethodPost, "/_offline/queue/"+id+"/retry", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/_offline/queue/"+id, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stats, err := h.engine.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestControl_Health(t *testing.T) {
	h := newProxyHarness(t)

	resp, body := h.do(t, http.MethodGet, "/_offline/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.Unmarshal([]byte(body), &health))
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.Online)
	assert.Equal(t, "closed", health.Breaker)
	assert.Equal(t, 0, health.Queue.Total)
}

func TestControl_Connectivity(t *testing.T) {
	h := newProxyHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/_offline/connectivity", `{"bandwidth":"constrained"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, h.engine.Monitor().Online())
	assert.Equal(t, "constrained", string(h.engine.Monitor().Bandwidth()))

	resp, _ = h.do(t, http.MethodPost, "/_offline/connectivity", `{"bandwidth":"dial-up"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/_offline/connectivity", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestControl_ActivateVersion(t *testing.T) {
	h := newProxyHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/_offline/activate", `{}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/_offline/activate", `{"version":"v2"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "v2", h.engine.Registry().Manifest().CurrentVersion)

	resp, body := h.do(t, http.MethodGet, "/_offline/namespaces", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Namespaces []namespace.Stats `json:"namespaces"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &listing))
	require.Len(t, listing.Namespaces, len(namespace.Kinds))
	for _, ns := range listing.Namespaces {
		assert.Equal(t, "v2", ns.Version)
	}
}

func TestReload_PurgesNewlyDeniedEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newProxyHarness(t)

	routes, err := os.ReadFile("../../configs/routes.yaml")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, routes, 0o644))

	watcher, err := config.NewRuleWatcher(path, h.engine.Classifier(), time.Hour)
	require.NoError(t, err)
	purgeDeniedOnReload(ctx, watcher, h.engine, zerolog.Nop())
	go watcher.Run(ctx)

	h.api.SetRecord("/api/education/sleep", `{"title":"Sleep"}`, time.Now())
	resp, _ := h.do(t, http.MethodGet, "/api/education/sleep", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, "/index.html", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	dynamic, err := h.engine.Registry().Open(ctx, namespace.KindDynamic)
	require.NoError(t, err)
	n, err := dynamic.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	updated := strings.Replace(string(routes), "deny:\n", "deny:\n  - name: education\n    pattern: '(?i)^/api/education(/|$)'\n", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.NoError(t, watcher.Reload())

	n, err = dynamic.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "entries under a newly denied path are purged")

	shell, err := h.engine.Registry().Open(ctx, namespace.KindShell)
	require.NoError(t, err)
	n, err = shell.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "allowed entries stay")
}

func TestControl_Metrics(t *testing.T) {
	h := newProxyHarness(t)

	h.do(t, http.MethodGet, "/_offline/healthz", "")

	resp, body := h.do(t, http.MethodGet, "/_offline/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "offline_proxy_requests_total")
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	store, redisClient, err := openStore(ctx, config.StorageConfig{Backend: config.BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &cache.MemoryStore{}, store)
	assert.Nil(t, redisClient)
	require.NoError(t, store.Close())

	store, _, err = openStore(ctx, config.StorageConfig{
		Backend:   config.BackendLevelDB,
		CachePath: filepath.Join(t.TempDir(), "cache"),
	})
	require.NoError(t, err)
	assert.IsType(t, &cache.LevelStore{}, store)
	require.NoError(t, store.Close())
}

func TestOpenQueue_Persistent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue")

	q, err := openQueue(path, queue.DefaultPolicy())
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queue.Item{Method: http.MethodPost, URL: "https://api.example.com/api/vitals"})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q, err = openQueue(path, queue.DefaultPolicy())
	require.NoError(t, err)
	defer q.Close()

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}
