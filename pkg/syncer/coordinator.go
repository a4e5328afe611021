// Package syncer drains the mutation queue against the network once
// connectivity allows and reconciles caches with the server's answers.
package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/offline-health-cache/pkg/connectivity"
	"github.com/Sternrassler/offline-health-cache/pkg/logging"
	"github.com/Sternrassler/offline-health-cache/pkg/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_sync_sends_total",
		Help: "Total number of queued writes sent by outcome",
	}, []string{"outcome"}) // "done", "retry", "conflict", "rejected", "exhausted", "deferred"

	drainsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_sync_drains_total",
		Help: "Total number of queue drains by trigger",
	}, []string{"trigger"})

	sendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_sync_send_duration_seconds",
		Help:    "Duration of individual sync sends",
		Buckets: prometheus.DefBuckets,
	})
)

// HeaderIdempotencyKey carries the queue item's idempotency key on every send.
const HeaderIdempotencyKey = "Idempotency-Key"

// Sender performs the network request of a queued write.
// *http.Client and *strategy.Upstream implement it.
type Sender interface {
	Do(req *http.Request) (*http.Response, error)
}

// Applier reconciles caches with a confirmed write. *Reconciler implements it.
type Applier interface {
	Apply(ctx context.Context, item *queue.Item, resp *http.Response) (Outcome, error)
}

// OnlineChecker reports connectivity. *connectivity.Monitor implements it.
type OnlineChecker interface {
	Online() bool
}

// Gate defers sends while the server asks for backpressure.
// *ratelimit.Tracker implements it.
type Gate interface {
	// Allow returns how long to wait before the next send; 0 means send now.
	Allow(ctx context.Context) (time.Duration, error)

	// Observe records the rate limit headers of a response.
	Observe(ctx context.Context, resp *http.Response) error
}

// Config configures the Coordinator.
type Config struct {
	// Concurrency caps simultaneous sends
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY" validate:"gte=1,lte=16"`

	// Rate and Burst pace sends (requests per second)
	Rate  float64 `yaml:"rate" env:"RATE" validate:"gt=0"`
	Burst int     `yaml:"burst" env:"BURST" validate:"gte=1"`

	// AttemptTimeout aborts a single send; the item goes back for retry
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"ATTEMPT_TIMEOUT" validate:"gt=0"`

	// Interval is the periodic drain period; zero disables it
	Interval time.Duration `yaml:"interval" env:"INTERVAL" validate:"gte=0"`

	// BatchSize bounds how many ready items are fetched per round
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE" validate:"gte=1"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:    3,
		Rate:           5,
		Burst:          3,
		AttemptTimeout: 15 * time.Second,
		Interval:       time.Minute,
		BatchSize:      32,
	}
}

// Report summarizes one drain.
type Report struct {
	Sent      int `json:"sent"`
	Done      int `json:"done"`
	Retrying  int `json:"retrying"`
	Conflicts int `json:"conflicts"`
	Rejected  int `json:"rejected"`
	Exhausted int `json:"exhausted"`

	// Deferred counts items left pending because the server asked to back off
	Deferred int `json:"deferred"`
}

func (r *Report) add(o Report) {
	r.Sent += o.Sent
	r.Done += o.Done
	r.Retrying += o.Retrying
	r.Conflicts += o.Conflicts
	r.Rejected += o.Rejected
	r.Exhausted += o.Exhausted
	r.Deferred += o.Deferred
}

// Coordinator drains the mutation queue.
//
// Items of one resource key are sent strictly in creation order; different
// resources are sent concurrently up to Config.Concurrency. Concurrent Drain
// calls share a single drain.
type Coordinator struct {
	queue   *queue.Queue
	sender  Sender
	applier Applier
	online  OnlineChecker
	gate    Gate
	cfg     Config
	limiter *rate.Limiter
	logger  zerolog.Logger

	group   singleflight.Group
	trigger chan string

	mu        sync.RWMutex
	listeners []func(*queue.Item)
}

// New creates a Coordinator. A nil applier skips cache reconciliation and a
// nil online checker means always online.
func New(q *queue.Queue, sender Sender, applier Applier, online OnlineChecker, cfg Config) (*Coordinator, error) {
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}

	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	return &Coordinator{
		queue:   q,
		sender:  sender,
		applier: applier,
		online:  online,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		logger:  logging.NewLogger("syncer"),
		trigger: make(chan string, 1),
	}, nil
}

// UseGate makes every send ask g first. It must be called before the first
// drain.
func (c *Coordinator) UseGate(g Gate) {
	c.gate = g
}

// OnPermanentFailure registers fn to be called for every item that needs
// user resolution (conflict, rejected or exhausted).
func (c *Coordinator) OnPermanentFailure(fn func(*queue.Item)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Coordinator) notify(item *queue.Item) {
	c.mu.RLock()
	listeners := append([]func(*queue.Item){}, c.listeners...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(item.Clone())
	}
}

// Trigger requests a drain from the Run loop without blocking.
func (c *Coordinator) Trigger() {
	c.signal("explicit")
}

func (c *Coordinator) signal(reason string) {
	select {
	case c.trigger <- reason:
	default:
	}
}

// Drain sends every ready item until nothing is left that may be sent now.
// Concurrent calls share the in-progress drain and its report.
func (c *Coordinator) Drain(ctx context.Context) (Report, error) {
	return c.drain(ctx, "explicit")
}

func (c *Coordinator) drain(ctx context.Context, trigger string) (Report, error) {
	v, err, shared := c.group.Do("drain", func() (interface{}, error) {
		drainsTotal.WithLabelValues(trigger).Inc()
		return c.run(ctx)
	})
	if shared {
		c.logger.Debug().Str("trigger", trigger).Msg("Joined in-progress drain")
	}
	report, _ := v.(Report)
	return report, err
}

func (c *Coordinator) run(ctx context.Context) (Report, error) {
	var total Report
	start := time.Now()
	attempted := make(map[uint64]struct{})

	for {
		if c.online != nil && !c.online.Online() {
			c.logger.Debug().Msg("Offline, drain stopped")
			break
		}

		ready, err := c.queue.Ready(ctx, time.Now(), c.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("read ready items: %w", err)
		}

		// An item is sent at most once per drain; failures wait for the
		// next drain after their backoff.
		var batch []*queue.Item
		for _, it := range ready {
			if _, seen := attempted[it.ID]; !seen {
				attempted[it.ID] = struct{}{}
				batch = append(batch, it)
			}
		}
		if len(batch) == 0 {
			break
		}

		var (
			mu    sync.Mutex
			round Report
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.Concurrency)
		for _, it := range batch {
			g.Go(func() error {
				r, err := c.send(gctx, it)
				mu.Lock()
				round.add(r)
				mu.Unlock()
				return err
			})
		}
		err = g.Wait()
		total.add(round)
		if err != nil {
			return total, err
		}
	}

	if total.Sent > 0 || total.Deferred > 0 {
		c.logger.Info().
			Int("sent", total.Sent).
			Int("done", total.Done).
			Int("retrying", total.Retrying).
			Int("conflicts", total.Conflicts).
			Int("rejected", total.Rejected).
			Int("exhausted", total.Exhausted).
			Int("deferred", total.Deferred).
			Dur("duration", time.Since(start)).
			Msg("Drain finished")
	}
	return total, nil
}

// send performs one attempt of item. Only queue and context errors are
// returned; network and server failures are recorded on the item.
func (c *Coordinator) send(ctx context.Context, item *queue.Item) (Report, error) {
	if c.gate != nil {
		wait, err := c.gate.Allow(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Report{}, err
			}
			c.logger.Warn().Err(err).Msg("Rate limit state unavailable, sending anyway")
		} else if wait > 0 {
			sendsTotal.WithLabelValues("deferred").Inc()
			c.logger.Debug().Uint64("id", item.ID).Dur("wait", wait).Msg("Server backpressure, send deferred")
			return Report{Deferred: 1}, nil
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Report{}, err
	}

	claimed, err := c.queue.MarkInFlight(ctx, item.ID)
	if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrNotFound) {
		// Resolved or discarded concurrently
		return Report{}, nil
	}
	if err != nil {
		return Report{}, err
	}

	// Once claimed, the item must leave in-flight even if ctx is cancelled
	qctx := context.WithoutCancel(ctx)
	report := Report{Sent: 1}

	actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, claimed.Method, claimed.URL, bytes.NewReader(claimed.Body))
	if err != nil {
		return c.fail(qctx, claimed, err, queue.ResolutionRejected, report)
	}
	req.Header = claimed.Headers.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set(HeaderIdempotencyKey, claimed.IdempotencyKey)

	began := time.Now()
	resp, err := c.sender.Do(req)
	sendDuration.Observe(time.Since(began).Seconds())
	if err != nil {
		c.logger.Warn().
			Err(err).
			Uint64("id", claimed.ID).
			Int("attempt", claimed.Attempts).
			Msg("Sync send failed")
		return c.fail(qctx, claimed, err, queue.ResolutionNone, report)
	}
	defer resp.Body.Close()

	if c.gate != nil {
		if err := c.gate.Observe(qctx, resp); err != nil {
			c.logger.Warn().Err(err).Uint64("id", claimed.ID).Msg("Failed to record rate limit headers")
		}
	}

	resolution, retry := classify(resp.StatusCode)
	if resolution == queue.ResolutionNone && !retry {
		if c.applier != nil {
			outcome, aerr := c.applier.Apply(qctx, claimed, resp)
			if aerr != nil {
				c.logger.Error().Err(aerr).Uint64("id", claimed.ID).Msg("Failed to reconcile cache after sync")
			} else {
				c.logger.Debug().Uint64("id", claimed.ID).Str("outcome", string(outcome)).Msg("Reconciled cache")
			}
		}
		if err := c.queue.MarkDone(qctx, claimed.ID); err != nil {
			return report, err
		}
		sendsTotal.WithLabelValues("done").Inc()
		report.Done++
		return report, nil
	}

	return c.fail(qctx, claimed, fmt.Errorf("%s %s: %s", claimed.Method, claimed.URL, resp.Status), resolution, report)
}

func (c *Coordinator) fail(ctx context.Context, item *queue.Item, cause error, resolution queue.Resolution, report Report) (Report, error) {
	failed, err := c.queue.MarkFailed(ctx, item.ID, cause, resolution)
	if err != nil {
		return report, err
	}

	switch failed.Resolution {
	case queue.ResolutionConflict:
		report.Conflicts++
	case queue.ResolutionRejected:
		report.Rejected++
	case queue.ResolutionExhausted:
		report.Exhausted++
	default:
		report.Retrying++
		sendsTotal.WithLabelValues("retry").Inc()
		return report, nil
	}

	sendsTotal.WithLabelValues(string(failed.Resolution)).Inc()
	c.logger.Error().
		Uint64("id", failed.ID).
		Str("resource", failed.ResourceKey).
		Str("resolution", string(failed.Resolution)).
		Str("error", failed.LastError).
		Msg("Queued write needs resolution")
	c.notify(failed)
	return report, nil
}

// classify maps a response status to a queue resolution. retry is true for
// statuses worth another attempt.
func classify(status int) (resolution queue.Resolution, retry bool) {
	switch {
	case status >= 200 && status < 300:
		return queue.ResolutionNone, false
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return queue.ResolutionConflict, false
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return queue.ResolutionNone, true
	case status >= 500:
		return queue.ResolutionNone, true
	default:
		return queue.ResolutionRejected, false
	}
}

// Run drains on every connectivity restoration, every Config.Interval while
// online and on every Trigger, until ctx is done. A nil monitor disables the
// connectivity trigger.
func (c *Coordinator) Run(ctx context.Context, monitor *connectivity.Monitor) error {
	var events <-chan connectivity.Event
	if monitor != nil {
		ch, cancel := monitor.Subscribe(4)
		defer cancel()
		events = ch
	}

	var tick <-chan time.Time
	if c.cfg.Interval > 0 {
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	c.logger.Info().Dur("interval", c.cfg.Interval).Msg("Sync coordinator started")
	c.runDrain(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Sync coordinator stopped")
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Restored() {
				c.logger.Info().Msg("Connectivity restored, draining queue")
				c.runDrain(ctx, "connectivity")
			}
		case <-tick:
			c.runDrain(ctx, "periodic")
		case reason := <-c.trigger:
			c.runDrain(ctx, reason)
		}
	}
}

func (c *Coordinator) runDrain(ctx context.Context, trigger string) {
	if c.online != nil && !c.online.Online() {
		return
	}
	if _, err := c.drain(ctx, trigger); err != nil && ctx.Err() == nil {
		c.logger.Error().Err(err).Str("trigger", trigger).Msg("Drain failed")
	}
}
