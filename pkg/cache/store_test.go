package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// storeFactories returns the Store implementations available without external
// services. Redis is added when a local server answers on DB 15.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	factories := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"leveldb": func(t *testing.T) Store {
			s, err := OpenLevelStore(t.TempDir())
			if err != nil {
				t.Fatalf("OpenLevelStore() error = %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
		"leveldb-mem": func(t *testing.T) Store {
			s, err := OpenMemoryLevelStore()
			if err != nil {
				t.Fatalf("OpenMemoryLevelStore() error = %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	if rdb := localRedis(t); rdb != nil {
		factories["redis"] = func(t *testing.T) Store {
			prefix := fmt.Sprintf("offline-test:%d:", time.Now().UnixNano())
			t.Cleanup(func() { flushPrefix(rdb, prefix) })
			return NewRedisStore(rdb).WithPrefix(prefix)
		}
	}

	return factories
}

func localRedis(t *testing.T) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use separate DB for tests
	})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func flushPrefix(rdb *redis.Client, prefix string) {
	ctx := context.Background()
	iter := rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		rdb.Del(ctx, iter.Val())
	}
}

func testEntry(key, body string) *Entry {
	return &Entry{
		Key:        key,
		Data:       []byte(body),
		StatusCode: 200,
		StoredAt:   time.Now().Truncate(time.Millisecond),
		TTL:        time.Minute,
	}
}

func TestStore_GetPut(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			if _, err := s.Get(ctx, "p1", "GET /a"); !errors.Is(err, ErrCacheMiss) {
				t.Fatalf("Get() on empty store error = %v, want ErrCacheMiss", err)
			}

			if err := s.Put(ctx, "p1", testEntry("GET /a", "alpha")); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			got, err := s.Get(ctx, "p1", "GET /a")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if string(got.Data) != "alpha" {
				t.Errorf("Data = %q, want %q", got.Data, "alpha")
			}
			if got.TTL != time.Minute {
				t.Errorf("TTL = %v, want 1m", got.TTL)
			}

			// Partitions are isolated
			if _, err := s.Get(ctx, "p2", "GET /a"); !errors.Is(err, ErrCacheMiss) {
				t.Errorf("Get() from other partition error = %v, want ErrCacheMiss", err)
			}

			if err := s.Put(ctx, "p1", nil); err == nil {
				t.Error("Put(nil) should fail")
			}
		})
	}
}

func TestStore_KeysInsertionOrder(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			for _, k := range []string{"c", "a", "b"} {
				if err := s.Put(ctx, "p", testEntry(k, k)); err != nil {
					t.Fatalf("Put(%s) error = %v", k, err)
				}
			}
			// Overwrite moves the key to the newest position
			if err := s.Put(ctx, "p", testEntry("c", "c2")); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			keys, err := s.Keys(ctx, "p")
			if err != nil {
				t.Fatalf("Keys() error = %v", err)
			}
			want := []string{"a", "b", "c"}
			if fmt.Sprint(keys) != fmt.Sprint(want) {
				t.Errorf("Keys() = %v, want %v", keys, want)
			}

			n, err := s.Len(ctx, "p")
			if err != nil {
				t.Fatalf("Len() error = %v", err)
			}
			if n != 3 {
				t.Errorf("Len() = %d, want 3", n)
			}
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			s.Put(ctx, "p", testEntry("a", "1"))
			s.Put(ctx, "p", testEntry("b", "2"))

			if err := s.Delete(ctx, "p", "a"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if err := s.Delete(ctx, "p", "missing"); err != nil {
				t.Errorf("Delete() of missing key error = %v", err)
			}

			if _, err := s.Get(ctx, "p", "a"); !errors.Is(err, ErrCacheMiss) {
				t.Errorf("Get() after Delete error = %v, want ErrCacheMiss", err)
			}
			keys, _ := s.Keys(ctx, "p")
			if len(keys) != 1 || keys[0] != "b" {
				t.Errorf("Keys() after Delete = %v, want [b]", keys)
			}
		})
	}
}

func TestStore_Partitions(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			if err := s.CreatePartition(ctx, "app-static-v1"); err != nil {
				t.Fatalf("CreatePartition() error = %v", err)
			}
			if err := s.CreatePartition(ctx, "app-static-v1"); err != nil {
				t.Fatalf("CreatePartition() should be idempotent, error = %v", err)
			}
			s.Put(ctx, "app-images-v1", testEntry("GET /logo.png", "png"))

			names, err := s.Partitions(ctx)
			if err != nil {
				t.Fatalf("Partitions() error = %v", err)
			}
			if !contains(names, "app-static-v1") || !contains(names, "app-images-v1") {
				t.Errorf("Partitions() = %v, want both partitions", names)
			}

			if err := s.DropPartition(ctx, "app-images-v1"); err != nil {
				t.Fatalf("DropPartition() error = %v", err)
			}
			names, _ = s.Partitions(ctx)
			if contains(names, "app-images-v1") {
				t.Errorf("Partitions() after drop = %v", names)
			}
			if _, err := s.Get(ctx, "app-images-v1", "GET /logo.png"); !errors.Is(err, ErrCacheMiss) {
				t.Errorf("Get() from dropped partition error = %v, want ErrCacheMiss", err)
			}
			if n, _ := s.Len(ctx, "app-images-v1"); n != 0 {
				t.Errorf("Len() of dropped partition = %d, want 0", n)
			}
		})
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			e := testEntry("k", "original")
			s.Put(ctx, "p", e)
			e.Data[0] = 'X'

			got, _ := s.Get(ctx, "p", "k")
			if string(got.Data) != "original" {
				t.Errorf("stored entry mutated through caller's pointer: %q", got.Data)
			}
			got.Data[0] = 'Y'

			again, _ := s.Get(ctx, "p", "k")
			if string(again.Data) != "original" {
				t.Errorf("stored entry mutated through returned pointer: %q", again.Data)
			}
		})
	}
}

func TestStore_ConcurrentPut(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					// Half of the writers hit the same key
					key := fmt.Sprintf("k%d", i%10)
					if err := s.Put(ctx, "p", testEntry(key, "v")); err != nil {
						t.Errorf("Put() error = %v", err)
					}
				}(i)
			}
			wg.Wait()

			keys, _ := s.Keys(ctx, "p")
			if len(keys) != 10 {
				t.Errorf("Keys() = %d keys, want 10 (no dangling order entries)", len(keys))
			}
		})
	}
}

func TestLevelStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenLevelStore(dir)
	if err != nil {
		t.Fatalf("OpenLevelStore() error = %v", err)
	}
	s.Put(ctx, "p", testEntry("first", "1"))
	s.Close()

	s, err = OpenLevelStore(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	s.Put(ctx, "p", testEntry("second", "2"))

	keys, _ := s.Keys(ctx, "p")
	if fmt.Sprint(keys) != "[first second]" {
		t.Errorf("Keys() after reopen = %v, want [first second]", keys)
	}
}

// TestLevelStore_SequencePersisted checks that insertion order survives a
// restart without relying on the wall clock.
func TestLevelStore_SequencePersisted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenLevelStore(dir)
	if err != nil {
		t.Fatalf("OpenLevelStore() error = %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if err := s.Put(ctx, "p", testEntry(k, k)); err != nil {
			t.Fatalf("Put(%s) error = %v", k, err)
		}
	}
	if s.seq != 3 {
		t.Fatalf("seq = %d, want 3", s.seq)
	}
	s.Close()

	s, err = OpenLevelStore(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if s.seq != 3 {
		t.Errorf("seq after reopen = %d, want 3", s.seq)
	}

	// A store without a sequence record continues after its highest order key
	if err := s.db.Delete(levelSeqKey, nil); err != nil {
		t.Fatalf("delete sequence record: %v", err)
	}
	s.Close()

	s, err = OpenLevelStore(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	if s.seq != 3 {
		t.Errorf("seq without record = %d, want 3", s.seq)
	}
	s.Put(ctx, "p", testEntry("d", "d"))

	keys, _ := s.Keys(ctx, "p")
	if fmt.Sprint(keys) != "[a b c d]" {
		t.Errorf("Keys() = %v, want [a b c d]", keys)
	}
}

func TestNewRedisStore_PanicsOnNil(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisStore(nil) should panic")
		}
	}()
	NewRedisStore(nil)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
