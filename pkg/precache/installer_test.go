package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/offline-health-cache/internal/testutil"
	"github.com/Sternrassler/offline-health-cache/pkg/cache"
	"github.com/Sternrassler/offline-health-cache/pkg/namespace"
)

func setup(t *testing.T, cfg Config) (*testutil.MockAPI, *namespace.Registry, *Installer) {
	t.Helper()
	api := testutil.NewMockAPI()
	t.Cleanup(api.Close)

	reg, err := namespace.NewRegistry(cache.NewMemoryStore(), namespace.VersionManifest{Prefix: "wellness", CurrentVersion: "v1"}, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	in, err := NewInstaller(api.Client(), reg, api.URL(), cfg)
	if err != nil {
		t.Fatalf("NewInstaller: %v", err)
	}
	return api, reg, in
}

func shellLen(t *testing.T, reg *namespace.Registry) int {
	t.Helper()
	ns, err := reg.Open(context.Background(), namespace.KindShell)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	n, err := ns.Len(context.Background())
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	return n
}

func TestInstall_StoresAll(t *testing.T) {
	api, reg, in := setup(t, DefaultConfig())
	urls := []string{"/", "/index.html", "/offline.html", "/static/app.js", "/static/app.css"}
	for _, u := range urls {
		api.SetResponse(u, testutil.NewHealthyResponse("asset "+u))
	}

	report, err := in.Install(context.Background(), urls)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(report.Stored) != len(urls) {
		t.Errorf("expected %d stored, got %d", len(urls), len(report.Stored))
	}
	if len(report.Failed) != 0 {
		t.Errorf("expected no failures, got %v", report.Failed)
	}
	if got := shellLen(t, reg); got != len(urls) {
		t.Errorf("expected %d shell entries, got %d", len(urls), got)
	}

	ns, _ := reg.Open(context.Background(), namespace.KindShell)
	req, _ := http.NewRequest(http.MethodGet, api.URL()+"/static/app.js", nil)
	entry, err := ns.Get(context.Background(), cache.KeyFromRequest(req, nil))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(entry.Data) != "asset /static/app.js" {
		t.Errorf("unexpected body %q", entry.Data)
	}
}

func TestInstall_ReportsFailures(t *testing.T) {
	api, reg, in := setup(t, DefaultConfig())
	api.SetResponse("/index.html", testutil.NewHealthyResponse("<html>"))
	api.SetResponse("/static/missing.js", testutil.MockResponse{StatusCode: http.StatusNotFound})
	api.SetResponse("/static/private.js", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       "x",
		Headers:    map[string]string{"Cache-Control": "no-store"},
	})

	report, err := in.Install(context.Background(), []string{"/index.html", "/static/missing.js", "/static/private.js"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "2/3") {
		t.Errorf("unexpected error message: %v", err)
	}
	if len(report.Stored) != 1 || report.Stored[0] != "/index.html" {
		t.Errorf("unexpected stored list %v", report.Stored)
	}
	if _, ok := report.Failed["/static/missing.js"]; !ok {
		t.Error("expected /static/missing.js to fail")
	}
	if got := shellLen(t, reg); got != 1 {
		t.Errorf("expected 1 shell entry, got %d", got)
	}
}

func TestInstall_BoundedConcurrency(t *testing.T) {
	api, _, in := setup(t, Config{MaxConcurrency: 2, Timeout: time.Second})

	var current, peak int32
	urls := make([]string, 8)
	for i := range urls {
		urls[i] = fmt.Sprintf("/static/chunk-%d.js", i)
		api.SetHandler(urls[i], func(w http.ResponseWriter, r *http.Request) {
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("js"))
		})
	}

	if _, err := in.Install(context.Background(), urls); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("expected at most 2 concurrent fetches, saw %d", p)
	}
}

func TestInstall_Timeout(t *testing.T) {
	api, _, in := setup(t, Config{MaxConcurrency: 1, Timeout: 30 * time.Millisecond})
	slow := testutil.NewHealthyResponse("slow")
	slow.Delay = time.Second
	api.SetResponse("/static/slow.js", slow)

	report, err := in.Install(context.Background(), []string{"/static/slow.js"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(report.Failed["/static/slow.js"], context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", report.Failed["/static/slow.js"])
	}
}

func TestInstall_CancelledContext(t *testing.T) {
	_, _, in := setup(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := in.Install(ctx, []string{"/a.js", "/b.js"})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(report.Failed) != 2 {
		t.Errorf("expected both urls reported failed, got %v", report.Failed)
	}
}

func TestInstall_Empty(t *testing.T) {
	_, _, in := setup(t, DefaultConfig())
	report, err := in.Install(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Stored) != 0 || len(report.Failed) != 0 {
		t.Errorf("expected empty report, got %+v", report)
	}
}
