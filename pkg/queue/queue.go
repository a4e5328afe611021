package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/offline-health-cache/pkg/logging"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_queue_depth",
		Help: "Number of queued writes not yet confirmed by the server",
	})

	enqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_queue_enqueued_total",
		Help: "Total number of writes enqueued",
	})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_queue_transitions_total",
		Help: "Total number of queue item transitions by target status and resolution",
	}, []string{"status", "resolution"})

	recoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_queue_recovered_total",
		Help: "Total number of in-flight items returned to pending on open",
	})
)

var (
	seqKey     = []byte("seq")
	itemPrefix = []byte("item:")
)

func itemKey(id uint64) []byte {
	return []byte(fmt.Sprintf("item:%020d", id))
}

var syncWrite = &opt.WriteOptions{Sync: true}

// Stats summarizes the queue.
type Stats struct {
	// Pending counts items that will be sent automatically, including those
	// waiting for a backoff
	Pending int `json:"pending"`

	InFlight        int `json:"in_flight"`
	NeedsResolution int `json:"needs_resolution"`
	Total           int `json:"total"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithPolicy sets the retry policy.
func WithPolicy(p Policy) Option {
	return func(q *Queue) { q.policy = p }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is a durable FIFO of writes backed by LevelDB.
//
// Layout:
//
//	seq                  big-endian uint64, last assigned id
//	item:<%020d id>      JSON-encoded Item
//
// Ids are monotonic, so key order is creation order. Every mutation is a
// single synced batch.
type Queue struct {
	db     *leveldb.DB
	policy Policy
	now    func() time.Time
	logger zerolog.Logger

	// mu serializes read-modify-write transitions
	mu  sync.Mutex
	seq uint64
}

// Open opens (or creates) the queue database at path. Items left in flight
// by a previous process are returned to pending.
func Open(path string, opts ...Option) (*Queue, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", path, err)
	}
	return newQueue(db, opts)
}

// OpenMemory opens a queue on in-memory storage.
func OpenMemory(opts ...Option) (*Queue, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	return newQueue(db, opts)
}

func newQueue(db *leveldb.DB, opts []Option) (*Queue, error) {
	q := &Queue{
		db:     db,
		policy: DefaultPolicy(),
		now:    time.Now,
		logger: logging.NewLogger("queue"),
	}
	for _, o := range opts {
		o(q)
	}

	b, err := db.Get(seqKey, nil)
	switch {
	case err == nil:
		if len(b) != 8 {
			db.Close()
			return nil, fmt.Errorf("queue: corrupt sequence record")
		}
		q.seq = binary.BigEndian.Uint64(b)
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		db.Close()
		return nil, fmt.Errorf("queue: read sequence: %w", err)
	}

	if err := q.recover(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// recover returns in-flight items to pending. Their attempt stays counted.
func (q *Queue) recover() error {
	items, err := q.scan()
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	recovered := 0
	for _, it := range items {
		if it.Status != StatusInFlight {
			continue
		}
		it.Status = StatusPending
		it.NextAttemptAt = time.Time{}
		if err := putItem(batch, it); err != nil {
			return err
		}
		recovered++
	}
	if recovered > 0 {
		if err := q.db.Write(batch, syncWrite); err != nil {
			return fmt.Errorf("queue: recover in-flight items: %w", err)
		}
		recoveredTotal.Add(float64(recovered))
		q.logger.Warn().Int("items", recovered).Msg("Returned interrupted in-flight items to pending")
	}
	queueDepth.Set(float64(len(items)))
	return nil
}

func putItem(batch *leveldb.Batch, it *Item) error {
	b, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshal queue item %d: %w", it.ID, err)
	}
	batch.Put(itemKey(it.ID), b)
	return nil
}

func (q *Queue) get(id uint64) (*Item, error) {
	b, err := q.db.Get(itemKey(id), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("queue get %d: %w", id, err)
	}
	var it Item
	if err := json.Unmarshal(b, &it); err != nil {
		return nil, fmt.Errorf("decode queue item %d: %w", id, err)
	}
	return &it, nil
}

// scan returns all items in creation order.
func (q *Queue) scan() ([]*Item, error) {
	it := q.db.NewIterator(util.BytesPrefix(itemPrefix), nil)
	defer it.Release()

	var items []*Item
	for it.Next() {
		var item Item
		if err := json.Unmarshal(it.Value(), &item); err != nil {
			q.logger.Error().Err(err).Str("key", string(it.Key())).Msg("Skipping undecodable queue item")
			continue
		}
		items = append(items, &item)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("queue iterate: %w", err)
	}
	return items, nil
}

// Enqueue durably appends item and returns the stored copy with its id.
// Method and URL are required; ResourceKey defaults to the URL path and
// IdempotencyKey to a random UUID.
func (q *Queue) Enqueue(ctx context.Context, item Item) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if item.Method == "" || item.URL == "" {
		return nil, fmt.Errorf("%w: method and url are required", ErrInvalidItem)
	}

	stored := item.Clone()
	stored.Method = strings.ToUpper(stored.Method)
	if stored.ResourceKey == "" {
		stored.ResourceKey = ResourceKeyFor(stored.URL)
	}
	if stored.IdempotencyKey == "" {
		stored.IdempotencyKey = uuid.NewString()
	}
	stored.CreatedAt = q.now()
	stored.Status = StatusPending
	stored.Attempts = 0
	stored.LastAttemptAt = time.Time{}
	stored.NextAttemptAt = time.Time{}
	stored.LastError = ""
	stored.Resolution = ResolutionNone

	q.mu.Lock()
	defer q.mu.Unlock()

	stored.ID = q.seq + 1
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], stored.ID)

	batch := new(leveldb.Batch)
	batch.Put(seqKey, seq[:])
	if err := putItem(batch, stored); err != nil {
		return nil, err
	}
	if err := q.db.Write(batch, syncWrite); err != nil {
		return nil, fmt.Errorf("queue enqueue: %w", err)
	}
	q.seq = stored.ID

	enqueuedTotal.Inc()
	queueDepth.Inc()
	q.logger.Debug().
		Uint64("id", stored.ID).
		Str("method", stored.Method).
		Str("resource", stored.ResourceKey).
		Msg("Enqueued write")
	return stored.Clone(), nil
}

// Ready returns up to limit items that may be sent at now, oldest first.
// Only the oldest item of each resource key is eligible: a resource whose
// head is in flight, backing off or awaiting resolution yields nothing.
// A limit <= 0 means no limit.
func (q *Queue) Ready(ctx context.Context, now time.Time, limit int) ([]*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := q.scan()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var ready []*Item
	for _, it := range items {
		if _, blocked := seen[it.ResourceKey]; blocked {
			continue
		}
		seen[it.ResourceKey] = struct{}{}
		if it.sendable(now) {
			ready = append(ready, it)
			if limit > 0 && len(ready) >= limit {
				break
			}
		}
	}
	return ready, nil
}

// update applies fn to item id under the queue lock and persists the result.
func (q *Queue) update(id uint64, fn func(it *Item) error) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.get(id)
	if err != nil {
		return nil, err
	}
	if err := fn(it); err != nil {
		return nil, err
	}

	batch := new(leveldb.Batch)
	if err := putItem(batch, it); err != nil {
		return nil, err
	}
	if err := q.db.Write(batch, syncWrite); err != nil {
		return nil, fmt.Errorf("queue update %d: %w", id, err)
	}
	transitionsTotal.WithLabelValues(string(it.Status), string(it.Resolution)).Inc()
	return it, nil
}

// MarkInFlight claims item id for one send attempt.
func (q *Queue) MarkInFlight(ctx context.Context, id uint64) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return q.update(id, func(it *Item) error {
		if !it.sendable(q.now()) {
			return fmt.Errorf("%w: item %d is %s", ErrInvalidTransition, id, it.Status)
		}
		it.Status = StatusInFlight
		it.Attempts++
		it.LastAttemptAt = q.now()
		return nil
	})
}

// MarkDone removes an in-flight item after the server confirmed it.
func (q *Queue) MarkDone(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.get(id)
	if err != nil {
		return err
	}
	if it.Status != StatusInFlight {
		return fmt.Errorf("%w: item %d is %s", ErrInvalidTransition, id, it.Status)
	}
	if err := q.db.Delete(itemKey(id), syncWrite); err != nil {
		return fmt.Errorf("queue delete %d: %w", id, err)
	}

	transitionsTotal.WithLabelValues(string(StatusDone), "").Inc()
	queueDepth.Dec()
	q.logger.Debug().Uint64("id", id).Int("attempts", it.Attempts).Msg("Write confirmed")
	return nil
}

// MarkFailed records a failed attempt of an in-flight item. With
// ResolutionNone the item is scheduled for retry after a backoff, or marked
// exhausted once Policy.MaxAttempts is reached. Any other resolution parks
// the item until Retry or Discard.
func (q *Queue) MarkFailed(ctx context.Context, id uint64, cause error, resolution Resolution) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it, err := q.update(id, func(it *Item) error {
		if it.Status != StatusInFlight {
			return fmt.Errorf("%w: item %d is %s", ErrInvalidTransition, id, it.Status)
		}
		it.Status = StatusFailed
		if cause != nil {
			it.LastError = cause.Error()
		}
		if resolution == ResolutionNone && it.Attempts >= q.policy.MaxAttempts {
			resolution = ResolutionExhausted
		}
		it.Resolution = resolution
		if resolution == ResolutionNone {
			it.NextAttemptAt = q.now().Add(q.policy.delay(it.Attempts))
		} else {
			it.NextAttemptAt = time.Time{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if it.NeedsResolution() {
		q.logger.Warn().
			Uint64("id", id).
			Str("resolution", string(it.Resolution)).
			Int("attempts", it.Attempts).
			Str("error", it.LastError).
			Msg("Write needs resolution")
	} else {
		q.logger.Debug().
			Uint64("id", id).
			Int("attempts", it.Attempts).
			Time("next_attempt_at", it.NextAttemptAt).
			Msg("Write scheduled for retry")
	}
	return it, nil
}

// Retry resets a failed item so it is sent again as if newly enqueued, in
// its original position.
func (q *Queue) Retry(ctx context.Context, id uint64) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return q.update(id, func(it *Item) error {
		if it.Status != StatusFailed {
			return fmt.Errorf("%w: item %d is %s", ErrInvalidTransition, id, it.Status)
		}
		it.Status = StatusPending
		it.Attempts = 0
		it.NextAttemptAt = time.Time{}
		it.Resolution = ResolutionNone
		return nil
	})
}

// Discard deletes an item that is not in flight and returns it.
func (q *Queue) Discard(ctx context.Context, id uint64) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.get(id)
	if err != nil {
		return nil, err
	}
	if it.Status == StatusInFlight {
		return nil, fmt.Errorf("%w: item %d is in flight", ErrInvalidTransition, id)
	}
	if err := q.db.Delete(itemKey(id), syncWrite); err != nil {
		return nil, fmt.Errorf("queue delete %d: %w", id, err)
	}

	queueDepth.Dec()
	q.logger.Info().Uint64("id", id).Str("resource", it.ResourceKey).Msg("Discarded queued write")
	return it, nil
}

// Get returns item id.
func (q *Queue) Get(ctx context.Context, id uint64) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return q.get(id)
}

// List returns every item in creation order.
func (q *Queue) List(ctx context.Context) ([]*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return q.scan()
}

// Failures returns the items awaiting user resolution.
func (q *Queue) Failures(ctx context.Context) ([]*Item, error) {
	items, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Item
	for _, it := range items {
		if it.NeedsResolution() {
			out = append(out, it)
		}
	}
	return out, nil
}

// Stats counts items by state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	items, err := q.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, it := range items {
		switch {
		case it.Status == StatusInFlight:
			s.InFlight++
		case it.NeedsResolution():
			s.NeedsResolution++
		default:
			s.Pending++
		}
	}
	s.Total = len(items)
	queueDepth.Set(float64(s.Total))
	return s, nil
}

// HasPending reports whether any item will still be sent automatically.
func (q *Queue) HasPending(ctx context.Context) (bool, error) {
	s, err := q.Stats(ctx)
	if err != nil {
		return false, err
	}
	return s.Pending+s.InFlight > 0, nil
}

// HasResource reports whether any item for resourceKey is still in the log,
// including items parked for resolution. A new write to that resource must
// be enqueued behind them to keep creation order.
func (q *Queue) HasResource(ctx context.Context, resourceKey string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	items, err := q.scan()
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if it.ResourceKey == resourceKey {
			return true, nil
		}
	}
	return false, nil
}

// Policy returns the retry policy.
func (q *Queue) Policy() Policy {
	return q.policy
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}
