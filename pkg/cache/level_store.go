package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelStore is a Store backed by a LevelDB database on local disk.
//
// Layout:
//
//	p:<partition>                  partition marker
//	e:<partition>\x00<key>         JSON-encoded levelRecord
//	o:<partition>\x00<seq>         key, ordered by big-endian insertion sequence
//	s:seq                          last insertion sequence issued
//
// Every mutation is a single leveldb.Batch, so a crash never leaves an entry
// without its order index.
type LevelStore struct {
	db *leveldb.DB

	// mu serializes writers so an overwrite never leaves a dangling order key
	mu  sync.Mutex
	seq uint64
}

type levelRecord struct {
	Entry *Entry `json:"entry"`
	Seq   uint64 `json:"seq"`
}

// OpenLevelStore opens (or creates) a LevelDB store at path.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return newLevelStore(db)
}

// OpenMemoryLevelStore opens a LevelDB store on in-memory storage.
func OpenMemoryLevelStore() (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return newLevelStore(db)
}

var levelSeqKey = []byte("s:seq")

func newLevelStore(db *leveldb.DB) (*LevelStore, error) {
	s := &LevelStore{db: db}

	b, err := db.Get(levelSeqKey, nil)
	switch {
	case err == nil:
		if len(b) != 8 {
			db.Close()
			return nil, fmt.Errorf("leveldb: corrupt sequence record")
		}
		s.seq = binary.BigEndian.Uint64(b)
	case errors.Is(err, leveldb.ErrNotFound):
		// No sequence record yet: continue after the highest order key.
		if s.seq, err = maxOrderSeq(db); err != nil {
			db.Close()
			return nil, err
		}
	default:
		db.Close()
		return nil, fmt.Errorf("leveldb: read sequence: %w", err)
	}
	return s, nil
}

func maxOrderSeq(db *leveldb.DB) (uint64, error) {
	it := db.NewIterator(util.BytesPrefix([]byte("o:")), nil)
	defer it.Release()

	var highest uint64
	for it.Next() {
		k := it.Key()
		if len(k) < 8 {
			continue
		}
		if seq := binary.BigEndian.Uint64(k[len(k)-8:]); seq > highest {
			highest = seq
		}
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("leveldb iterate: %w", err)
	}
	return highest, nil
}

func partitionMarker(partition string) []byte { return []byte("p:" + partition) }
func entryPrefix(partition string) []byte    { return []byte("e:" + partition + "\x00") }
func orderPrefix(partition string) []byte    { return []byte("o:" + partition + "\x00") }

func levelEntryKey(partition, key string) []byte {
	return append(entryPrefix(partition), key...)
}

func levelOrderKey(partition string, seq uint64) []byte {
	k := orderPrefix(partition)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append(k, b[:]...)
}

func (s *LevelStore) record(partition, key string) (*levelRecord, error) {
	b, err := s.db.Get(levelEntryKey(partition, key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("leveldb get: %w", err)
	}
	var rec levelRecord
	if err := json.Unmarshal(b, &rec); err != nil || rec.Entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEntry, key)
	}
	return &rec, nil
}

// Get retrieves an entry.
func (s *LevelStore) Get(_ context.Context, partition, key string) (*Entry, error) {
	rec, err := s.record(partition, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			CacheErrors.WithLabelValues("get").Inc()
		}
		return nil, err
	}
	return rec.Entry, nil
}

// Put stores an entry.
func (s *LevelStore) Put(_ context.Context, partition string, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	rec := levelRecord{Entry: entry, Seq: s.seq}
	b, err := json.Marshal(rec)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], rec.Seq)

	batch := new(leveldb.Batch)
	if old, err := s.record(partition, entry.Key); err == nil {
		batch.Delete(levelOrderKey(partition, old.Seq))
	}
	batch.Put(levelSeqKey, seq[:])
	batch.Put(partitionMarker(partition), nil)
	batch.Put(levelEntryKey(partition, entry.Key), b)
	batch.Put(levelOrderKey(partition, rec.Seq), []byte(entry.Key))

	if err := s.db.Write(batch, nil); err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("leveldb write: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (s *LevelStore) Delete(_ context.Context, partition, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	if old, err := s.record(partition, key); err == nil {
		batch.Delete(levelOrderKey(partition, old.Seq))
	}
	batch.Delete(levelEntryKey(partition, key))

	if err := s.db.Write(batch, nil); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("leveldb delete: %w", err)
	}
	return nil
}

// Keys lists the partition's keys, oldest insertion first.
func (s *LevelStore) Keys(_ context.Context, partition string) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix(orderPrefix(partition)), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Value()))
	}
	if err := it.Error(); err != nil {
		CacheErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("leveldb iterate: %w", err)
	}
	return keys, nil
}

// Len returns the number of entries in the partition.
func (s *LevelStore) Len(ctx context.Context, partition string) (int, error) {
	keys, err := s.Keys(ctx, partition)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// CreatePartition registers an empty partition.
func (s *LevelStore) CreatePartition(_ context.Context, partition string) error {
	if err := s.db.Put(partitionMarker(partition), nil, nil); err != nil {
		CacheErrors.WithLabelValues("create").Inc()
		return fmt.Errorf("leveldb put: %w", err)
	}
	return nil
}

// DropPartition deletes the partition and all of its entries in one batch.
func (s *LevelStore) DropPartition(_ context.Context, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, prefix := range [][]byte{entryPrefix(partition), orderPrefix(partition)} {
		it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		err := it.Error()
		it.Release()
		if err != nil {
			CacheErrors.WithLabelValues("drop").Inc()
			return fmt.Errorf("leveldb iterate: %w", err)
		}
	}
	batch.Delete(partitionMarker(partition))

	if err := s.db.Write(batch, nil); err != nil {
		CacheErrors.WithLabelValues("drop").Inc()
		return fmt.Errorf("leveldb drop partition %s: %w", partition, err)
	}
	return nil
}

// Partitions lists all known partition names.
func (s *LevelStore) Partitions(_ context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("p:")), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(it.Key()[2:]))
	}
	if err := it.Error(); err != nil {
		CacheErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("leveldb iterate: %w", err)
	}
	return names, nil
}

// Close closes the underlying database.
func (s *LevelStore) Close() error {
	return s.db.Close()
}
