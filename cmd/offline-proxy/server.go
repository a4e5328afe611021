package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/offline-health-cache/pkg/client"
	"github.com/Sternrassler/offline-health-cache/pkg/connectivity"
	"github.com/Sternrassler/offline-health-cache/pkg/metrics"
	"github.com/Sternrassler/offline-health-cache/pkg/queue"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

var proxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "offline_proxy_requests_total",
	Help: "Total requests served by the proxy by method and status code",
}, []string{"method", "code"})

// hop-by-hop headers are not forwarded in either direction
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// server exposes the engine as a reverse proxy plus a small control API
// under /_offline.
type server struct {
	engine *client.Client
	origin string
	logger zerolog.Logger
}

func newServer(engine *client.Client, origin string, logger zerolog.Logger) (*server, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", origin)
	}
	return &server{
		engine: engine,
		origin: strings.TrimSuffix(origin, "/"),
		logger: logger,
	}, nil
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		proxyRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", size).
			Dur("duration", duration).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("HTTP request")
	}))
	r.Use(chimw.Recoverer)

	r.Route("/_offline", func(r chi.Router) {
		r.Get("/healthz", s.handleHealth)
		r.Get("/namespaces", s.handleNamespaces)
		r.Post("/activate", s.handleActivate)
		r.Get("/queue", s.handleQueue)
		r.Post("/queue/{id}/retry", s.handleRetry)
		r.Delete("/queue/{id}", s.handleDiscard)
		r.Post("/sync", s.handleSync)
		r.Post("/connectivity", s.handleConnectivity)
		r.Handle("/metrics", metrics.Handler())
	})

	r.HandleFunc("/*", s.handleProxy)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type healthResponse struct {
	Status    string                 `json:"status"`
	Online    bool                   `json:"online"`
	Bandwidth connectivity.Bandwidth `json:"bandwidth"`
	Breaker   string                 `json:"breaker"`
	Queue     queue.Stats            `json:"queue"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.QueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	state := s.engine.Monitor().State()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Online:    state.Online,
		Bandwidth: state.Bandwidth,
		Breaker:   s.engine.Upstream().State().String(),
		Queue:     stats,
	})
}

func (s *server) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Registry().Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"manifest":        s.engine.Registry().Manifest(),
		"namespaces":      stats,
		"pending_cleanup": s.engine.Registry().PendingCleanup(),
	})
}

type activateRequest struct {
	Version string `json:"version"`
}

func (s *server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var body activateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Version) == "" {
		writeError(w, http.StatusBadRequest, errors.New("body must be {\"version\": \"...\"}"))
		return
	}

	manifest := s.engine.Registry().Manifest().WithVersion(body.Version)
	report, err := s.engine.ActivateVersion(r.Context(), manifest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	items, err := s.engine.Queue().List(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	stats, err := s.engine.QueueStats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": stats,
		"items": items,
	})
}

func itemID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid item id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func queueErrorStatus(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := itemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	item, err := s.engine.Queue().Retry(r.Context(), id)
	if err != nil {
		writeError(w, queueErrorStatus(err), err)
		return
	}
	s.engine.Syncer().Trigger()
	writeJSON(w, http.StatusOK, item)
}

func (s *server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id, err := itemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	item, err := s.engine.Queue().Discard(r.Context(), id)
	if err != nil {
		writeError(w, queueErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Drain(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type connectivityRequest struct {
	Online    *bool  `json:"online"`
	Bandwidth string `json:"bandwidth"`
}

// handleConnectivity accepts connectivity hints from the embedding app,
// e.g. from a platform network-change callback.
func (s *server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var body connectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	monitor := s.engine.Monitor()
	state := monitor.State()
	online := state.Online
	if body.Online != nil {
		online = *body.Online
	}
	bandwidth := state.Bandwidth
	if body.Bandwidth != "" {
		b, err := connectivity.ParseBandwidth(body.Bandwidth)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		bandwidth = b
	}

	monitor.Set(online, bandwidth)
	writeJSON(w, http.StatusOK, monitor.State())
}

func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	target := s.origin + r.URL.RequestURI()

	var body io.Reader
	if r.ContentLength != 0 {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.ContentLength = r.ContentLength
	req.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}

	resp, err := s.engine.Do(req)
	if err != nil {
		s.writeFetchError(w, r, err)
		return
	}
	defer resp.Body.Close()

	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("path", r.URL.Path).Msg("Failed to copy response body")
	}
}

type fetchErrorResponse struct {
	Error string            `json:"error"`
	Class client.ErrorClass `json:"class"`
}

func (s *server) writeFetchError(w http.ResponseWriter, r *http.Request, err error) {
	class := client.ClassOf(err)

	status := http.StatusBadGateway
	switch class {
	case client.ErrorClassOffline:
		status = http.StatusServiceUnavailable
	case client.ErrorClassCache:
		status = http.StatusInternalServerError
	}

	hlog.FromRequest(r).Info().
		Err(err).
		Str("class", string(class)).
		Str("path", r.URL.Path).
		Msg("Request could not be answered")
	writeJSON(w, status, fetchErrorResponse{Error: err.Error(), Class: class})
}
