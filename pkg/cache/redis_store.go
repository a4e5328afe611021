package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces all keys written by RedisStore.
const DefaultRedisPrefix = "offline:"

// RedisStore is a Store backed by Redis.
//
// Layout (with the default prefix):
//
//	offline:partitions             SET  of partition names
//	offline:seq                    insertion sequence counter
//	offline:o:<partition>          ZSET key -> insertion sequence
//	offline:e:<partition>:<key>    JSON-encoded Entry
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a new store with Redis backend.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: DefaultRedisPrefix,
	}
}

// WithPrefix returns a copy of the store using a different key prefix.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	return &RedisStore{redis: s.redis, prefix: prefix}
}

func (s *RedisStore) partitionsKey() string { return s.prefix + "partitions" }
func (s *RedisStore) seqKey() string        { return s.prefix + "seq" }
func (s *RedisStore) orderKey(partition string) string {
	return s.prefix + "o:" + partition
}
func (s *RedisStore) entryKey(partition, key string) string {
	return s.prefix + "e:" + partition + ":" + key
}

// Get retrieves an entry.
func (s *RedisStore) Get(ctx context.Context, partition, key string) (*Entry, error) {
	data, err := s.redis.Get(ctx, s.entryKey(partition, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	return &entry, nil
}

// Put stores an entry. Entry, order index and partition membership are
// written in one MULTI/EXEC transaction.
func (s *RedisStore) Put(ctx context.Context, partition string, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	seq, err := s.redis.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("redis incr: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.partitionsKey(), partition)
		pipe.Set(ctx, s.entryKey(partition, entry.Key), data, 0)
		pipe.ZAdd(ctx, s.orderKey(partition), redis.Z{Score: float64(seq), Member: entry.Key})
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("redis put: %w", err)
	}

	return nil
}

// Delete removes an entry.
func (s *RedisStore) Delete(ctx context.Context, partition, key string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entryKey(partition, key))
		pipe.ZRem(ctx, s.orderKey(partition), key)
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Keys lists the partition's keys, oldest insertion first.
func (s *RedisStore) Keys(ctx context.Context, partition string) ([]string, error) {
	keys, err := s.redis.ZRange(ctx, s.orderKey(partition), 0, -1).Result()
	if err != nil {
		CacheErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return keys, nil
}

// Len returns the number of entries in the partition.
func (s *RedisStore) Len(ctx context.Context, partition string) (int, error) {
	n, err := s.redis.ZCard(ctx, s.orderKey(partition)).Result()
	if err != nil {
		CacheErrors.WithLabelValues("keys").Inc()
		return 0, fmt.Errorf("redis zcard: %w", err)
	}
	return int(n), nil
}

// CreatePartition registers an empty partition.
func (s *RedisStore) CreatePartition(ctx context.Context, partition string) error {
	if err := s.redis.SAdd(ctx, s.partitionsKey(), partition).Err(); err != nil {
		CacheErrors.WithLabelValues("create").Inc()
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

// DropPartition deletes the partition and all of its entries.
func (s *RedisStore) DropPartition(ctx context.Context, partition string) error {
	keys, err := s.Keys(ctx, partition)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Del(ctx, s.entryKey(partition, key))
		}
		pipe.Del(ctx, s.orderKey(partition))
		pipe.SRem(ctx, s.partitionsKey(), partition)
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("drop").Inc()
		return fmt.Errorf("redis drop partition %s: %w", partition, err)
	}
	return nil
}

// Partitions lists all known partition names.
func (s *RedisStore) Partitions(ctx context.Context) ([]string, error) {
	names, err := s.redis.SMembers(ctx, s.partitionsKey()).Result()
	if err != nil {
		CacheErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return names, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}
