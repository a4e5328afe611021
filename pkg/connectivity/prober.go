package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var probeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "offline_connectivity_probe_duration_seconds",
	Help:    "Latency of successful connectivity probes",
	Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
})

// ProberConfig configures active probing.
type ProberConfig struct {
	// URL is fetched with GET; any response below 500 counts as reachable
	URL string `yaml:"url" env:"URL" validate:"omitempty,url"`

	// Interval between probes
	Interval time.Duration `yaml:"interval" env:"INTERVAL" validate:"gte=0"`

	// Timeout per probe
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gte=0"`

	// ConstrainedLatency marks the link constrained when a probe is slower
	ConstrainedLatency time.Duration `yaml:"constrained_latency" env:"CONSTRAINED_LATENCY" validate:"gte=0"`

	// FailureThreshold consecutive failures switch the monitor offline
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD" validate:"gte=0"`
}

// DefaultProberConfig returns the default probe settings for url.
func DefaultProberConfig(url string) ProberConfig {
	return ProberConfig{
		URL:                url,
		Interval:           15 * time.Second,
		Timeout:            5 * time.Second,
		ConstrainedLatency: 1500 * time.Millisecond,
		FailureThreshold:   2,
	}
}

// Prober derives Monitor state from periodic requests to a health URL.
type Prober struct {
	monitor    *Monitor
	httpClient *http.Client
	config     ProberConfig
	failures   int
}

// NewProber creates a prober feeding monitor.
func NewProber(monitor *Monitor, httpClient *http.Client, cfg ProberConfig) *Prober {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 2
	}
	return &Prober{monitor: monitor, httpClient: httpClient, config: cfg}
}

// ProbeOnce performs one probe and updates the monitor. A single failure is
// tolerated; the monitor goes offline after FailureThreshold consecutive
// failures. Success switches it online immediately.
func (p *Prober) ProbeOnce(ctx context.Context) error {
	latency, err := p.probe(ctx)
	if err != nil {
		p.failures++
		if p.failures >= p.config.FailureThreshold {
			p.monitor.SetOnline(false)
		}
		return err
	}

	p.failures = 0
	probeDuration.Observe(latency.Seconds())

	bw := BandwidthNormal
	if p.config.ConstrainedLatency > 0 && latency > p.config.ConstrainedLatency {
		bw = BandwidthConstrained
	}
	p.monitor.Set(true, bw)
	return nil
}

func (p *Prober) probe(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("create probe request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", p.config.URL, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	latency := time.Since(start)

	if resp.StatusCode >= 500 {
		return 0, fmt.Errorf("probe %s: status %d", p.config.URL, resp.StatusCode)
	}
	return latency, nil
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		if err := p.ProbeOnce(ctx); err != nil {
			p.monitor.logger.Debug().Err(err).Int("failures", p.failures).Msg("Connectivity probe failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
