package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/offline-health-cache/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Response headers read by the tracker.
const (
	HeaderRemaining  = "RateLimit-Remaining"
	HeaderReset      = "RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Prometheus metrics for rate limit tracking.
var (
	remainingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_ratelimit_remaining",
		Help: "Requests remaining in the current server rate limit window",
	})

	blocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_ratelimit_blocks_total",
		Help: "Total number of sync sends deferred by server backpressure",
	})

	throttlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_ratelimit_throttles_total",
		Help: "Total number of sync sends delayed by the warning threshold",
	})
)

// backend persists the tracker state.
type backend interface {
	load(ctx context.Context) (*State, error)
	save(ctx context.Context, s *State) error
}

// Tracker records rate limit headers and gates requests on them.
type Tracker struct {
	backend backend
	config  Config
	logger  zerolog.Logger
	now     func() time.Time
}

// NewTracker creates a tracker that keeps its state in memory.
func NewTracker(cfg Config) *Tracker {
	return newTracker(&memoryBackend{}, cfg)
}

// NewRedisTracker creates a tracker whose state is shared through Redis
// under prefix, so that every proxy in front of the same server respects one
// budget.
func NewRedisTracker(redisClient *redis.Client, prefix string, cfg Config) *Tracker {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return newTracker(&redisBackend{redis: redisClient, prefix: prefix}, cfg)
}

func newTracker(b backend, cfg Config) *Tracker {
	return &Tracker{
		backend: b,
		config:  cfg,
		logger:  logging.NewLogger("ratelimit"),
		now:     time.Now,
	}
}

// GetState returns the current state. Before any response was observed the
// state has Remaining -1.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	return t.backend.load(ctx)
}

// Observe updates the state from resp's headers. Responses without rate
// limit headers leave the state unchanged.
func (t *Tracker) Observe(ctx context.Context, resp *http.Response) error {
	if resp == nil {
		return nil
	}
	now := t.now()

	remain, hasRemain, err := parseSeconds(resp.Header.Get(HeaderRemaining))
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	var retryAt time.Time
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		retryAt, err = parseRetryAfter(resp.Header.Get(HeaderRetryAfter), now)
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderRetryAfter, err)
		}
	}

	if !hasRemain && retryAt.IsZero() {
		return nil
	}

	state, err := t.backend.load(ctx)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}

	if hasRemain {
		state.Remaining = remain
		state.ResetAt = time.Time{}
		reset, ok, err := parseSeconds(resp.Header.Get(HeaderReset))
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderReset, err)
		}
		if ok {
			state.ResetAt = now.Add(time.Duration(reset) * time.Second)
		}
		remainingGauge.Set(float64(remain))
	}
	if retryAt.After(state.RetryAt) {
		state.RetryAt = retryAt
	}
	state.LastUpdate = now

	if err := t.backend.save(ctx, state); err != nil {
		return fmt.Errorf("store rate limit state: %w", err)
	}

	event := t.logger.Debug()
	switch {
	case state.BlockedFor(now, t.config) > 0:
		event = t.logger.Warn()
	case state.NeedsThrottling(now, t.config):
		event = t.logger.Info()
	}
	event.
		Int("remaining", state.Remaining).
		Time("reset_at", state.ResetAt).
		Time("retry_at", state.RetryAt).
		Int("status", resp.StatusCode).
		Msg("Server rate limit state updated")

	return nil
}

// Allow reports how long the caller must wait before its next request; 0
// means go ahead. In the warning band Allow sleeps for ThrottleDelay before
// returning 0.
func (t *Tracker) Allow(ctx context.Context) (time.Duration, error) {
	state, err := t.backend.load(ctx)
	if err != nil {
		return 0, fmt.Errorf("get rate limit state: %w", err)
	}
	now := t.now()

	if wait := state.BlockedFor(now, t.config); wait > 0 {
		blocksTotal.Inc()
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Dur("wait", wait).
			Msg("Server rate limit reached, deferring request")
		return wait, nil
	}

	if state.NeedsThrottling(now, t.config) && t.config.ThrottleDelay > 0 {
		throttlesTotal.Inc()
		timer := time.NewTimer(t.config.ThrottleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
		}
	}
	return 0, nil
}

// parseSeconds parses a non-negative integer header. ok is false for an
// empty value.
func parseSeconds(value string) (n int, ok bool, err error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false, nil
	}
	n, err = strconv.Atoi(value)
	if err != nil {
		return 0, false, err
	}
	if n < 0 {
		return 0, false, fmt.Errorf("negative value %d", n)
	}
	return n, true, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) (time.Time, error) {
	secs, ok, err := parseSeconds(value)
	if err == nil {
		if !ok {
			return time.Time{}, nil
		}
		return now.Add(time.Duration(secs) * time.Second), nil
	}
	at, derr := http.ParseTime(strings.TrimSpace(value))
	if derr != nil {
		return time.Time{}, errors.Join(err, derr)
	}
	return at, nil
}

type memoryBackend struct {
	mu    sync.Mutex
	state *State
}

func (b *memoryBackend) load(context.Context) (*State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == nil {
		return unknownState(), nil
	}
	s := *b.state
	return &s, nil
}

func (b *memoryBackend) save(_ context.Context, s *State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *s
	b.state = &cp
	return nil
}

type redisBackend struct {
	redis  *redis.Client
	prefix string
}

func (b *redisBackend) key(name string) string { return b.prefix + name }

func (b *redisBackend) load(ctx context.Context) (*State, error) {
	values, err := b.redis.MGet(ctx,
		b.key(RedisKeyRemaining),
		b.key(RedisKeyResetAt),
		b.key(RedisKeyRetryAt),
		b.key(RedisKeyLastUpdate),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	state := unknownState()
	if values[0] == nil {
		return state, nil
	}

	ints := make([]int64, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse rate limit field %d: %w", i, err)
		}
		ints[i] = n
	}

	state.Remaining = int(ints[0])
	state.ResetAt = unixMilli(ints[1])
	state.RetryAt = unixMilli(ints[2])
	state.LastUpdate = unixMilli(ints[3])
	return state, nil
}

func (b *redisBackend) save(ctx context.Context, s *State) error {
	pipe := b.redis.TxPipeline()
	pipe.Set(ctx, b.key(RedisKeyRemaining), s.Remaining, 0)
	pipe.Set(ctx, b.key(RedisKeyResetAt), milli(s.ResetAt), 0)
	pipe.Set(ctx, b.key(RedisKeyRetryAt), milli(s.RetryAt), 0)
	pipe.Set(ctx, b.key(RedisKeyLastUpdate), milli(s.LastUpdate), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}

func milli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func unixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
