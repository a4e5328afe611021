package namespace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/offline-health-cache/pkg/cache"
	"github.com/stretchr/testify/require"
)

// faultyStore wraps a Store and fails selected operations on demand.
type faultyStore struct {
	cache.Store

	mu        sync.Mutex
	failPuts  int
	failDrops map[string]int
	corrupt   map[string]bool
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		Store:     cache.NewMemoryStore(),
		failDrops: make(map[string]int),
		corrupt:   make(map[string]bool),
	}
}

func (s *faultyStore) Put(ctx context.Context, partition string, entry *cache.Entry) error {
	s.mu.Lock()
	if s.failPuts > 0 {
		s.failPuts--
		s.mu.Unlock()
		return errors.New("quota exceeded")
	}
	s.mu.Unlock()
	return s.Store.Put(ctx, partition, entry)
}

func (s *faultyStore) Get(ctx context.Context, partition, key string) (*cache.Entry, error) {
	s.mu.Lock()
	bad := s.corrupt[key]
	s.mu.Unlock()
	if bad {
		return nil, fmt.Errorf("%w: %s", cache.ErrInvalidEntry, key)
	}
	return s.Store.Get(ctx, partition, key)
}

func (s *faultyStore) DropPartition(ctx context.Context, partition string) error {
	s.mu.Lock()
	if s.failDrops[partition] > 0 {
		s.failDrops[partition]--
		s.mu.Unlock()
		return errors.New("device busy")
	}
	s.mu.Unlock()
	return s.Store.DropPartition(ctx, partition)
}

func testManifest(version string) VersionManifest {
	return VersionManifest{Prefix: "wellness", CurrentVersion: version}
}

func entry(key string) *cache.Entry {
	return &cache.Entry{
		Key:        key,
		Data:       []byte(key),
		StatusCode: 200,
		StoredAt:   time.Now(),
		TTL:        time.Minute,
	}
}

func TestNamespace_GetPut(t *testing.T) {
	ctx := context.Background()
	reg, err := NewRegistry(cache.NewMemoryStore(), testManifest("v1"), nil)
	require.NoError(t, err)

	ns, err := reg.Open(ctx, KindHealthData)
	require.NoError(t, err)
	require.Equal(t, "wellness-data-v1", ns.Name())

	_, err = ns.Get(ctx, "GET /api/health-data")
	require.ErrorIs(t, err, cache.ErrCacheMiss)

	require.NoError(t, ns.Put(ctx, entry("GET /api/health-data")))

	got, err := ns.Get(ctx, "GET /api/health-data")
	require.NoError(t, err)
	require.Equal(t, "GET /api/health-data", string(got.Data))

	require.NoError(t, ns.Delete(ctx, "GET /api/health-data"))
	_, err = ns.Get(ctx, "GET /api/health-data")
	require.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestNamespace_PutRejectsEmptyKey(t *testing.T) {
	reg, _ := NewRegistry(cache.NewMemoryStore(), testManifest("v1"), nil)
	ns, _ := reg.Open(context.Background(), KindShell)

	if err := ns.Put(context.Background(), &cache.Entry{}); !errors.Is(err, cache.ErrInvalidEntry) {
		t.Errorf("Put() error = %v, want ErrInvalidEntry", err)
	}
	if err := ns.Put(context.Background(), nil); !errors.Is(err, cache.ErrInvalidEntry) {
		t.Errorf("Put(nil) error = %v, want ErrInvalidEntry", err)
	}
}

func TestNamespace_MaxEntriesEvictsOldest(t *testing.T) {
	tests := []struct {
		name     string
		kind     Kind
		wantLen  int
		wantKeys []string
	}{
		{
			name:     "image evicts oldest",
			kind:     KindImage,
			wantLen:  3,
			wantKeys: []string{"k2", "k3", "k4"},
		},
		{
			name:     "dynamic evicts oldest",
			kind:     KindDynamic,
			wantLen:  3,
			wantKeys: []string{"k2", "k3", "k4"},
		},
		{
			name:     "health data exempt",
			kind:     KindHealthData,
			wantLen:  5,
			wantKeys: []string{"k0", "k1", "k2", "k3", "k4"},
		},
		{
			name:     "shell exempt",
			kind:     KindShell,
			wantLen:  5,
			wantKeys: []string{"k0", "k1", "k2", "k3", "k4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			limits := map[Kind]Limits{}
			for _, k := range Kinds {
				limits[k] = Limits{MaxEntries: 3}
			}
			reg, err := NewRegistry(cache.NewMemoryStore(), testManifest("v1"), limits)
			if err != nil {
				t.Fatalf("NewRegistry() error = %v", err)
			}
			ns, _ := reg.Open(ctx, tt.kind)

			for i := 0; i < 5; i++ {
				if err := ns.Put(ctx, entry(fmt.Sprintf("k%d", i))); err != nil {
					t.Fatalf("Put() error = %v", err)
				}
			}

			keys, _ := ns.Keys(ctx)
			if len(keys) != tt.wantLen {
				t.Errorf("Len = %d, want %d", len(keys), tt.wantLen)
			}
			if fmt.Sprint(keys) != fmt.Sprint(tt.wantKeys) {
				t.Errorf("Keys() = %v, want %v", keys, tt.wantKeys)
			}
		})
	}
}

func TestNamespace_MaxAgeOnAccess(t *testing.T) {
	ctx := context.Background()
	reg, _ := NewRegistry(cache.NewMemoryStore(), testManifest("v1"), map[Kind]Limits{
		KindImage: {MaxAge: time.Hour},
	})
	ns, _ := reg.Open(ctx, KindImage)

	old := entry("GET /old.png")
	old.StoredAt = time.Now().Add(-2 * time.Hour)
	old.TTL = 0
	require.NoError(t, ns.Put(ctx, old))
	require.NoError(t, ns.Put(ctx, entry("GET /new.png")))

	_, err := ns.Get(ctx, "GET /old.png")
	require.ErrorIs(t, err, cache.ErrCacheMiss)

	n, _ := ns.Len(ctx)
	require.Equal(t, 1, n, "expired entry should be deleted on access")

	_, err = ns.Get(ctx, "GET /new.png")
	require.NoError(t, err)
}

func TestNamespace_MaxAgeIgnoredForHealthData(t *testing.T) {
	ctx := context.Background()
	reg, _ := NewRegistry(cache.NewMemoryStore(), testManifest("v1"), map[Kind]Limits{
		KindHealthData: {MaxAge: time.Minute},
	})
	ns, _ := reg.Open(ctx, KindHealthData)

	old := entry("GET /api/health-data")
	old.StoredAt = time.Now().Add(-24 * time.Hour)
	require.NoError(t, ns.Put(ctx, old))

	_, err := ns.Get(ctx, "GET /api/health-data")
	require.NoError(t, err, "health data must survive regardless of age")
}

func TestNamespace_Purge(t *testing.T) {
	ctx := context.Background()
	reg, _ := NewRegistry(cache.NewMemoryStore(), testManifest("v1"), nil)
	ns, _ := reg.Open(ctx, KindDynamic)

	for i := 0; i < 3; i++ {
		e := entry(fmt.Sprintf("stale-%d", i))
		e.StoredAt = time.Now().Add(-48 * time.Hour)
		require.NoError(t, ns.Put(ctx, e))
	}
	require.NoError(t, ns.Put(ctx, entry("fresh")))

	purged, err := reg.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, purged)

	keys, _ := ns.Keys(ctx)
	require.Equal(t, []string{"fresh"}, keys)
}

func TestNamespace_WriteErrorClearsAndRetries(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore()
	reg, _ := NewRegistry(store, testManifest("v1"), nil)
	ns, _ := reg.Open(ctx, KindDynamic)

	require.NoError(t, ns.Put(ctx, entry("a")))
	require.NoError(t, ns.Put(ctx, entry("b")))

	store.failPuts = 1
	require.NoError(t, ns.Put(ctx, entry("c")), "single write failure should be recovered")

	keys, _ := ns.Keys(ctx)
	require.Equal(t, []string{"c"}, keys, "namespace should have been cleared before the retry")

	store.failPuts = 2
	require.Error(t, ns.Put(ctx, entry("d")), "failure after clearing must escalate")
}

func TestNamespace_CorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore()
	reg, _ := NewRegistry(store, testManifest("v1"), nil)
	ns, _ := reg.Open(ctx, KindShell)

	require.NoError(t, ns.Put(ctx, entry("GET /index.html")))
	store.corrupt["GET /index.html"] = true

	_, err := ns.Get(ctx, "GET /index.html")
	require.ErrorIs(t, err, cache.ErrCacheMiss)

	store.corrupt["GET /index.html"] = false
	n, _ := ns.Len(ctx)
	require.Equal(t, 0, n, "corrupt entry should be removed")
}

func TestNamespace_Clear(t *testing.T) {
	ctx := context.Background()
	reg, _ := NewRegistry(cache.NewMemoryStore(), testManifest("v1"), nil)
	ns, _ := reg.Open(ctx, KindHealthData)

	require.NoError(t, ns.Put(ctx, entry("a")))
	require.NoError(t, ns.Clear(ctx))

	n, err := ns.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
