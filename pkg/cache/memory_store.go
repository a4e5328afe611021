package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memItem struct {
	entry *Entry
	seq   uint64
}

// MemoryStore is a process-local Store. Entries are cloned on the way in and
// out so callers can never mutate stored state.
type MemoryStore struct {
	mu         sync.RWMutex
	seq        uint64
	partitions map[string]map[string]memItem
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{partitions: make(map[string]map[string]memItem)}
}

// Get retrieves an entry.
func (s *MemoryStore) Get(_ context.Context, partition, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.partitions[partition][key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return it.entry.Clone(), nil
}

// Put stores an entry.
func (s *MemoryStore) Put(_ context.Context, partition string, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[partition]
	if !ok {
		p = make(map[string]memItem)
		s.partitions[partition] = p
	}
	s.seq++
	p[entry.Key] = memItem{entry: entry.Clone(), seq: s.seq}
	return nil
}

// Delete removes an entry.
func (s *MemoryStore) Delete(_ context.Context, partition, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.partitions[partition], key)
	return nil
}

// Keys lists the partition's keys, oldest insertion first.
func (s *MemoryStore) Keys(_ context.Context, partition string) ([]string, error) {
	s.mu.RLock()
	p := s.partitions[partition]
	items := make([]struct {
		key string
		seq uint64
	}, 0, len(p))
	for k, it := range p {
		items = append(items, struct {
			key string
			seq uint64
		}{k, it.seq})
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })

	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.key
	}
	return keys, nil
}

// Len returns the number of entries in the partition.
func (s *MemoryStore) Len(_ context.Context, partition string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.partitions[partition]), nil
}

// CreatePartition registers an empty partition.
func (s *MemoryStore) CreatePartition(_ context.Context, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.partitions[partition]; !ok {
		s.partitions[partition] = make(map[string]memItem)
	}
	return nil
}

// DropPartition deletes the partition and all of its entries.
func (s *MemoryStore) DropPartition(_ context.Context, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.partitions, partition)
	return nil
}

// Partitions lists all known partition names, sorted.
func (s *MemoryStore) Partitions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
