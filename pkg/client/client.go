// Package client provides the offline-first engine: it intercepts requests,
// classifies them, answers reads through the retrieval strategies and
// captures writes in the mutation queue when the network is unavailable.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/offline-health-cache/pkg/cache"
	"github.com/Sternrassler/offline-health-cache/pkg/connectivity"
	"github.com/Sternrassler/offline-health-cache/pkg/logging"
	"github.com/Sternrassler/offline-health-cache/pkg/namespace"
	"github.com/Sternrassler/offline-health-cache/pkg/precache"
	"github.com/Sternrassler/offline-health-cache/pkg/queue"
	"github.com/Sternrassler/offline-health-cache/pkg/ratelimit"
	"github.com/Sternrassler/offline-health-cache/pkg/router"
	"github.com/Sternrassler/offline-health-cache/pkg/strategy"
	"github.com/Sternrassler/offline-health-cache/pkg/syncer"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// HeaderSyncPending names the queue item that holds a write accepted offline.
const HeaderSyncPending = "X-Sync-Pending"

// Prometheus metrics for engine operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_client_requests_total",
		Help: "Total intercepted requests by strategy and source",
	}, []string{"strategy", "source"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_client_request_duration_seconds",
		Help:    "Intercepted request duration in seconds by strategy",
		Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"strategy"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_client_errors_total",
		Help: "Total failed requests by error class",
	}, []string{"class"})

	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_client_writes_total",
		Help: "Total intercepted writes by outcome",
	}, []string{"outcome"}) // "sent", "queued", "failed"

	biasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_client_bandwidth_biased_total",
		Help: "Total network-first reads served stale-while-revalidate on a constrained link",
	})
)

// hop-by-hop headers are not persisted with queued writes
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length",
}

// Client is the offline-first engine.
type Client struct {
	config     Config
	classifier *router.Classifier
	registry   *namespace.Registry
	upstream   *strategy.Upstream
	strategies *strategy.Set
	dispatch   map[router.Strategy]strategy.Strategy
	queue      *queue.Queue
	reconciler *syncer.Reconciler
	syncer     *syncer.Coordinator
	monitor    *connectivity.Monitor
	installer  *precache.Installer
	logger     zerolog.Logger
}

// Config holds the engine configuration.
type Config struct {
	// Store holds the cache partitions (required)
	Store cache.Store

	// Queue persists intercepted writes (required)
	Queue *queue.Queue

	// Monitor reports connectivity. Nil creates a monitor that starts online.
	Monitor *connectivity.Monitor

	// Classifier routes requests. Nil uses router.DefaultTable.
	Classifier *router.Classifier

	// HTTPClient performs upstream requests. Nil uses a client with a 30s timeout.
	HTTPClient *http.Client

	// Origin is the base URL that relative shell URLs resolve against
	Origin string

	// Manifest names the namespace version served at startup
	Manifest namespace.VersionManifest

	// Limits overrides the per-kind eviction limits
	Limits map[namespace.Kind]namespace.Limits

	// ShellURLs are precached into the shell namespace on every activation
	ShellURLs []string

	// VaryHeaders are the request headers that take part in cache keys
	VaryHeaders []string

	// Gate defers queued writes while the server asks for backpressure.
	// Nil creates an in-memory ratelimit.Tracker from RateLimit.
	Gate syncer.Gate

	Strategy  strategy.Config
	Breaker   strategy.BreakerConfig
	Retry     RetryConfig
	Sync      syncer.Config
	Precache  precache.Config
	RateLimit ratelimit.Config
}

// DefaultConfig returns a configuration with defaults for everything except
// the store and queue.
func DefaultConfig(store cache.Store, q *queue.Queue, origin string) Config {
	return Config{
		Store:     store,
		Queue:     q,
		Origin:    origin,
		Manifest:  namespace.VersionManifest{Prefix: "wellness", CurrentVersion: "v1"},
		Strategy:  strategy.DefaultConfig(),
		Breaker:   strategy.DefaultBreakerConfig(),
		Retry:     DefaultRetryConfig(),
		Sync:      syncer.DefaultConfig(),
		Precache:  precache.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
	}
}

// New creates the engine.
func New(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("mutation queue is required")
	}

	logger := logging.NewLogger("client")

	if cfg.Monitor == nil {
		cfg.Monitor = connectivity.NewMonitor(true)
	}
	if cfg.Classifier == nil {
		classifier, err := router.NewClassifier(nil)
		if err != nil {
			return nil, fmt.Errorf("default classifier: %w", err)
		}
		cfg.Classifier = classifier
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Breaker == (strategy.BreakerConfig{}) {
		cfg.Breaker = strategy.DefaultBreakerConfig()
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Gate == nil {
		if cfg.RateLimit == (ratelimit.Config{}) {
			cfg.RateLimit = ratelimit.DefaultConfig()
		}
		cfg.Gate = ratelimit.NewTracker(cfg.RateLimit)
	}

	registry, err := namespace.NewRegistry(cfg.Store, cfg.Manifest, cfg.Limits)
	if err != nil {
		return nil, fmt.Errorf("namespace registry: %w", err)
	}

	upstream := strategy.NewUpstream(cfg.HTTPClient, cfg.Breaker)
	strategies := strategy.NewSet(registry, upstream, cfg.Monitor, cfg.Strategy)
	reconciler := syncer.NewReconciler(registry, cfg.VaryHeaders)

	coordinator, err := syncer.New(cfg.Queue, upstream, reconciler, cfg.Monitor, cfg.Sync)
	if err != nil {
		return nil, fmt.Errorf("sync coordinator: %w", err)
	}
	coordinator.UseGate(cfg.Gate)

	installer, err := precache.NewInstaller(upstream, registry, cfg.Origin, cfg.Precache)
	if err != nil {
		return nil, fmt.Errorf("precache installer: %w", err)
	}

	c := &Client{
		config:     cfg,
		classifier: cfg.Classifier,
		registry:   registry,
		upstream:   upstream,
		strategies: strategies,
		dispatch:   strategies.Table(),
		queue:      cfg.Queue,
		reconciler: reconciler,
		syncer:     coordinator,
		monitor:    cfg.Monitor,
		installer:  installer,
		logger:     logger,
	}

	coordinator.OnPermanentFailure(func(item *queue.Item) {
		c.logger.Error().
			Uint64("id", item.ID).
			Str("method", item.Method).
			Str("url", item.URL).
			Str("resolution", string(item.Resolution)).
			Str("last_error", item.LastError).
			Msg("Queued write needs resolution")
	})

	return c, nil
}

// Do intercepts req. Reads are answered by the strategy the classifier
// selects; writes are forwarded, or captured in the mutation queue when the
// route is queueable and the network is unavailable.
//
// Responses carry X-Cache-Source and, for possibly outdated copies,
// X-Cache-Stale. An upstream error status is returned as a response, not an
// error; failures without a response are returned as *FetchError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	req = canonicalize(req)
	decision := c.classifier.ClassifyRequest(req)
	name := decision.Strategy

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(string(name)).Observe(time.Since(start).Seconds())
	}()

	var (
		resp *http.Response
		err  error
	)
	switch {
	case !isRead(req.Method):
		resp, err = c.write(req, decision)
	case decision.Denied || !decision.Cacheable:
		resp, err = c.forward(req)
	default:
		name = c.effectiveStrategy(decision)
		resp, err = c.read(req, decision, name)
	}

	if err != nil {
		errorsTotal.WithLabelValues(string(ClassOf(err))).Inc()
		c.logger.Debug().
			Err(err).
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Str("rule", decision.Rule).
			Msg("Request failed")
		return nil, err
	}
	source := resp.Header.Get(cache.HeaderSource)
	if resp.Header.Get(HeaderSyncPending) != "" {
		source = "queue"
	}
	requestsTotal.WithLabelValues(string(name), source).Inc()
	return resp, nil
}

// effectiveStrategy biases dynamic network-first routes to
// stale-while-revalidate on a constrained link. Health data is never biased.
func (c *Client) effectiveStrategy(d router.Decision) router.Strategy {
	if d.Strategy == router.NetworkFirst &&
		d.Kind == namespace.KindDynamic &&
		c.monitor.Bandwidth() == connectivity.BandwidthConstrained {
		biasedTotal.Inc()
		return router.StaleWhileRevalidate
	}
	return d.Strategy
}

func (c *Client) read(req *http.Request, d router.Decision, name router.Strategy) (*http.Response, error) {
	impl, ok := c.dispatch[name]
	if !ok {
		return nil, newFetchError(req, ErrorClassClient, 0, "no strategy "+string(name), nil)
	}

	res, err := impl.Handle(strategy.Request{
		HTTP: req,
		Key:  cache.KeyFromRequest(req, c.config.VaryHeaders),
		Kind: d.Kind,
	})
	if err != nil {
		return nil, newFetchError(req, classifyError(err), 0, "no response available", err)
	}

	c.logger.Debug().
		Str("path", req.URL.Path).
		Str("strategy", string(name)).
		Str("source", string(res.Source)).
		Bool("stale", res.Stale).
		Msg("Request served")
	return res.Response, nil
}

// forward sends a non-cacheable read network-only. Idempotent requests are
// retried inline on server and network errors while online; the last
// server response is returned when retries run out.
func (c *Client) forward(req *http.Request) (*http.Response, error) {
	sreq := strategy.Request{HTTP: req}
	retry := c.config.Retry
	if !c.monitor.Online() {
		retry.MaxAttempts = 1
	}

	var resp *http.Response
	logger := c.logger.With().Str("url", req.URL.String()).Logger()
	err := retryWithBackoff(req.Context(), retry, logger, func() error {
		if resp != nil {
			resp.Body.Close()
			resp = nil
		}
		res, err := c.strategies.NetworkOnly.Handle(sreq)
		if err != nil {
			return newFetchError(req, classifyError(err), 0, "upstream request failed", err)
		}
		resp = res.Response
		if class := ClassifyStatus(resp.StatusCode); class == ErrorClassServer {
			return newFetchError(req, class, resp.StatusCode, resp.Status, nil)
		}
		return nil
	})

	switch {
	case err == nil:
		return resp, nil
	case resp != nil && ClassOf(err) == ErrorClassServer:
		return resp, nil
	default:
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
}

// write forwards a write. A queueable write is enqueued when the client is
// offline, when earlier writes to the same resource are still queued, or when
// the send fails before a response arrives. The same idempotency key is used
// for the direct attempt and every queued replay.
func (c *Client) write(req *http.Request, d router.Decision) (*http.Response, error) {
	body, err := readBody(req)
	if err != nil {
		return nil, newFetchError(req, ErrorClassClient, 0, "read request body", err)
	}

	idempotencyKey := req.Header.Get(syncer.HeaderIdempotencyKey)
	if d.Queueable && idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	if d.Queueable && !c.monitor.Online() {
		return c.enqueue(req, body, idempotencyKey, d.Kind, "offline")
	}
	if d.Queueable {
		pending, err := c.queue.HasResource(req.Context(), queue.ResourceKeyFor(req.URL.String()))
		if err != nil {
			return nil, newFetchError(req, ErrorClassCache, 0, "check queued writes", err)
		}
		if pending {
			resp, err := c.enqueue(req, body, idempotencyKey, d.Kind, "ordered_behind_pending")
			if err == nil {
				c.syncer.Trigger()
			}
			return resp, err
		}
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	if idempotencyKey != "" {
		out.Header.Set(syncer.HeaderIdempotencyKey, idempotencyKey)
	}

	res, err := c.strategies.NetworkOnly.Handle(strategy.Request{HTTP: out, Kind: d.Kind})
	if err != nil {
		if d.Queueable && req.Context().Err() == nil {
			c.logger.Warn().Err(err).Str("path", req.URL.Path).Msg("Write failed at network level, queueing")
			return c.enqueue(req, body, idempotencyKey, d.Kind, "network_error")
		}
		writesTotal.WithLabelValues("failed").Inc()
		return nil, newFetchError(req, classifyError(err), 0, "write failed", err)
	}

	writesTotal.WithLabelValues("sent").Inc()
	resp := res.Response
	if err := c.config.Gate.Observe(context.WithoutCancel(req.Context()), resp); err != nil {
		c.logger.Debug().Err(err).Str("path", req.URL.Path).Msg("Ignoring malformed rate limit headers")
	}
	if d.Queueable && d.Kind != "" && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.reconcile(req, body, idempotencyKey, d.Kind, resp)
	}
	return resp, nil
}

// reconcile applies a confirmed online write to the namespace of its route
// the same way a synced queue item is applied. resp.Body is replaced with a
// buffered copy.
func (c *Client) reconcile(req *http.Request, body []byte, idempotencyKey string, kind namespace.Kind, resp *http.Response) {
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		c.logger.Warn().Err(err).Str("path", req.URL.Path).Msg("Failed to read write response")
		return
	}

	item := &queue.Item{
		Kind:           kind,
		Method:         req.Method,
		URL:            req.URL.String(),
		Body:           body,
		Headers:        persistedHeaders(req.Header),
		IdempotencyKey: idempotencyKey,
	}
	applied := *resp
	applied.Body = io.NopCloser(bytes.NewReader(data))
	outcome, err := c.reconciler.Apply(req.Context(), item, &applied)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", req.URL.Path).Msg("Failed to reconcile cache with write")
		return
	}
	c.logger.Debug().Str("path", req.URL.Path).Str("outcome", string(outcome)).Msg("Cache reconciled with write")
}

type pendingBody struct {
	ID             uint64       `json:"id"`
	Status         queue.Status `json:"status"`
	IdempotencyKey string       `json:"idempotency_key"`
}

// enqueue captures the write and answers 202 Accepted optimistically.
func (c *Client) enqueue(req *http.Request, body []byte, idempotencyKey string, kind namespace.Kind, reason string) (*http.Response, error) {
	item, err := c.queue.Enqueue(context.WithoutCancel(req.Context()), queue.Item{
		Kind:           kind,
		Method:         req.Method,
		URL:            req.URL.String(),
		Body:           body,
		Headers:        persistedHeaders(req.Header),
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		writesTotal.WithLabelValues("failed").Inc()
		return nil, newFetchError(req, ErrorClassCache, 0, "enqueue write", err)
	}
	writesTotal.WithLabelValues("queued").Inc()

	c.logger.Info().
		Uint64("id", item.ID).
		Str("method", item.Method).
		Str("url", item.URL).
		Str("reason", reason).
		Msg("Write queued for sync")

	data, err := json.Marshal(pendingBody{ID: item.ID, Status: item.Status, IdempotencyKey: item.IdempotencyKey})
	if err != nil {
		return nil, fmt.Errorf("marshal pending body: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(HeaderSyncPending, strconv.FormatUint(item.ID, 10))
	header.Set(syncer.HeaderIdempotencyKey, item.IdempotencyKey)
	return &http.Response{
		Status:        "202 Accepted",
		StatusCode:    http.StatusAccepted,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: int64(len(data)),
		Request:       req,
	}, nil
}

// Get performs a GET request through the engine.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.Do(req)
}

// Precache fills the shell namespace of the active version with the
// configured shell URLs.
func (c *Client) Precache(ctx context.Context) (precache.Report, error) {
	return c.installer.Install(ctx, c.config.ShellURLs)
}

// ActivateVersion switches every kind to manifest's versions, drops the
// partitions of other versions and precaches the shell for the new version.
// Precache failures are logged; activation itself has already succeeded.
func (c *Client) ActivateVersion(ctx context.Context, manifest namespace.VersionManifest) (namespace.ActivationReport, error) {
	report, err := c.registry.ActivateVersion(ctx, manifest)
	if err != nil {
		return report, err
	}
	if _, err := c.Precache(ctx); err != nil {
		c.logger.Warn().Err(err).Str("version", manifest.CurrentVersion).Msg("Shell precache incomplete after activation")
	}
	return report, nil
}

// Drain sends every ready queued write now.
func (c *Client) Drain(ctx context.Context) (syncer.Report, error) {
	return c.syncer.Drain(ctx)
}

// Run drives background sync until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	return c.syncer.Run(ctx, c.monitor)
}

// QueueStats summarizes the mutation queue; Pending drives the sync-pending
// indicator.
func (c *Client) QueueStats(ctx context.Context) (queue.Stats, error) {
	return c.queue.Stats(ctx)
}

// PurgeDenied removes cached entries whose path the current rule table
// denies, such as entries stored before a reload added a deny rule.
func (c *Client) PurgeDenied(ctx context.Context) (int, error) {
	table := c.classifier.Table()
	n, err := c.registry.PurgeMatching(ctx, func(key string) bool {
		method, path, ok := cache.ParseKey(key)
		return ok && router.Classify(table, method, path).Denied
	})
	if n > 0 {
		c.logger.Info().Int("removed", n).Msg("Purged cached entries of denied routes")
	}
	return n, err
}

// Classifier returns the request classifier.
func (c *Client) Classifier() *router.Classifier { return c.classifier }

// Registry returns the namespace registry.
func (c *Client) Registry() *namespace.Registry { return c.registry }

// Queue returns the mutation queue.
func (c *Client) Queue() *queue.Queue { return c.queue }

// Syncer returns the sync coordinator.
func (c *Client) Syncer() *syncer.Coordinator { return c.syncer }

// Monitor returns the connectivity monitor.
func (c *Client) Monitor() *connectivity.Monitor { return c.monitor }

// Upstream returns the breaker-guarded upstream fetcher.
func (c *Client) Upstream() *strategy.Upstream { return c.upstream }

// Close waits for background refreshes. The store and queue belong to the
// caller.
func (c *Client) Close() error {
	c.strategies.Wait()
	return nil
}

func isRead(method string) bool {
	switch method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// canonicalize returns req with its URL path in the form the classifier
// matched, so the resource fetched, cached or queued is the one classified.
func canonicalize(req *http.Request) *http.Request {
	p := router.CanonicalPath(req.URL.Path)
	if p == req.URL.Path && req.URL.RawPath == "" {
		return req
	}
	u := *req.URL
	u.Path = p
	u.RawPath = ""
	out := req.WithContext(req.Context())
	out.URL = &u
	return out
}

func persistedHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return http.Header{}
	}
	for _, k := range hopHeaders {
		out.Del(k)
	}
	out.Del(syncer.HeaderIdempotencyKey)
	return out
}
