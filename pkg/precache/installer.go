package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/offline-health-cache/pkg/cache"
	"github.com/Sternrassler/offline-health-cache/pkg/logging"
	"github.com/Sternrassler/offline-health-cache/pkg/namespace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var precacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "offline_precache_total",
	Help: "Total number of shell precache fetches by outcome",
}, []string{"outcome"}) // "stored", "failed"

// Config holds installer configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel fetches
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY" validate:"gte=1"`

	// Timeout per URL fetch
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gt=0"`
}

// DefaultConfig returns the default installer configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 6,
		Timeout:        15 * time.Second,
	}
}

// Fetcher performs upstream requests
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// NamespaceOpener resolves the active namespace for a kind
type NamespaceOpener interface {
	Open(ctx context.Context, kind namespace.Kind) (*namespace.Namespace, error)
}

// Result is the outcome of precaching a single URL
type Result struct {
	URL   string
	Error error
}

// Report summarizes one Install call
type Report struct {
	Stored []string         `json:"stored"`
	Failed map[string]error `json:"-"`
}

// Installer fetches shell assets into the shell namespace
type Installer struct {
	fetcher    Fetcher
	namespaces NamespaceOpener
	base       *url.URL
	config     Config
	logger     zerolog.Logger
}

// NewInstaller creates an installer resolving relative URLs against baseURL
func NewInstaller(fetcher Fetcher, namespaces NamespaceOpener, baseURL string, config Config) (*Installer, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 6
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	return &Installer{
		fetcher:    fetcher,
		namespaces: namespaces,
		base:       base,
		config:     config,
		logger:     logging.NewLogger("precache"),
	}, nil
}

// Install fetches every URL in parallel and stores the responses in the
// shell namespace. Failed URLs are reported in Report.Failed; the returned
// error joins them.
func (in *Installer) Install(ctx context.Context, urls []string) (Report, error) {
	start := time.Now()
	report := Report{Failed: make(map[string]error)}
	if len(urls) == 0 {
		return report, nil
	}

	in.logger.Info().Int("urls", len(urls)).Msg("Starting shell precache")

	queue := make(chan string, len(urls))
	results := make(chan Result, len(urls))
	for _, u := range urls {
		queue <- u
	}
	close(queue)

	workers := in.config.MaxConcurrency
	if workers > len(urls) {
		workers = len(urls)
	}

	// Start worker pool
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go in.worker(ctx, queue, results, &wg, i)
	}

	// Close results channel when all workers done
	go func() {
		wg.Wait()
		close(results)
	}()

	for result := range results {
		if result.Error != nil {
			report.Failed[result.URL] = result.Error
			precacheTotal.WithLabelValues("failed").Inc()
			continue
		}
		report.Stored = append(report.Stored, result.URL)
		precacheTotal.WithLabelValues("stored").Inc()
	}
	sort.Strings(report.Stored)

	// URLs never picked up because ctx ended
	if ctx.Err() != nil {
		for _, u := range urls {
			if _, failed := report.Failed[u]; !failed && !contains(report.Stored, u) {
				report.Failed[u] = ctx.Err()
			}
		}
	}

	level := zerolog.InfoLevel
	if len(report.Failed) > 0 {
		level = zerolog.WarnLevel
	}
	in.logger.WithLevel(level).
		Int("stored", len(report.Stored)).
		Int("failed", len(report.Failed)).
		Dur("duration", time.Since(start)).
		Msg("Shell precache complete")

	if len(report.Failed) == 0 {
		return report, nil
	}
	failed := make([]string, 0, len(report.Failed))
	for u := range report.Failed {
		failed = append(failed, u)
	}
	sort.Strings(failed)
	errs := make([]error, 0, len(failed))
	for _, u := range failed {
		errs = append(errs, fmt.Errorf("%s: %w", u, report.Failed[u]))
	}
	return report, fmt.Errorf("precache %d/%d urls failed: %w", len(failed), len(urls), errors.Join(errs...))
}

// worker processes URLs from the queue
func (in *Installer) worker(ctx context.Context, queue <-chan string, results chan<- Result, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for u := range queue {
		// Check context cancellation
		select {
		case <-ctx.Done():
			in.logger.Debug().
				Int("worker_id", workerID).
				Int("processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, in.config.Timeout)
		err := in.fetch(fetchCtx, u)
		cancel()

		if err != nil {
			in.logger.Warn().
				Err(err).
				Int("worker_id", workerID).
				Str("url", u).
				Msg("Precache fetch failed")
		}
		results <- Result{URL: u, Error: err}
		processed++
	}

	if processed > 0 {
		in.logger.Debug().
			Int("worker_id", workerID).
			Int("processed", processed).
			Msg("Worker completed")
	}
}

func (in *Installer) fetch(ctx context.Context, rawURL string) error {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.base.ResolveReference(ref).String(), nil)
	if err != nil {
		return err
	}

	resp, err := in.fetcher.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !cache.Storable(resp) {
		return fmt.Errorf("not storable: %s", resp.Status)
	}

	entry, err := cache.ResponseToEntry(resp, cache.KeyFromRequest(req, nil))
	if err != nil {
		return err
	}

	// A retired handle means an activation raced this install; reopen once
	for attempt := 0; attempt < 2; attempt++ {
		ns, err := in.namespaces.Open(ctx, namespace.KindShell)
		if err != nil {
			return err
		}
		err = ns.Put(ctx, entry)
		if !errors.Is(err, namespace.ErrNamespaceRetired) {
			return err
		}
	}
	return namespace.ErrNamespaceRetired
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
