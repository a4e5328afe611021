package cache

import (
	"context"
	"errors"
)

var (
	// ErrCacheMiss indicates the requested key was not found in the partition
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store persists partitions of cache entries.
//
// Implementations must be safe for concurrent use. Keys returns entries in
// insertion order (oldest first); overwriting a key counts as a new insertion.
type Store interface {
	// Get retrieves an entry. Returns ErrCacheMiss if the key doesn't exist.
	Get(ctx context.Context, partition, key string) (*Entry, error)

	// Put stores an entry under entry.Key, creating the partition if absent.
	Put(ctx context.Context, partition string, entry *Entry) error

	// Delete removes an entry. Deleting a missing key is not an error.
	Delete(ctx context.Context, partition, key string) error

	// Keys lists the partition's keys, oldest insertion first.
	Keys(ctx context.Context, partition string) ([]string, error)

	// Len returns the number of entries in the partition.
	Len(ctx context.Context, partition string) (int, error)

	// CreatePartition registers an empty partition. Idempotent.
	CreatePartition(ctx context.Context, partition string) error

	// DropPartition deletes the partition and all of its entries.
	DropPartition(ctx context.Context, partition string) error

	// Partitions lists all known partition names.
	Partitions(ctx context.Context) ([]string, error)

	// Close releases the store's resources.
	Close() error
}
