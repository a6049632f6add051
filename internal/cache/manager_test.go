package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstore/syncstore/internal/store/memstore"
	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/types"
)

func newTestManager(t *testing.T, store types.Store) *Manager {
	t.Helper()
	if store == nil {
		store = memstore.New()
	}
	m, err := NewManager(Options{
		L1MaxEntries: 64,
		Store:        store,
	})
	require.NoError(t, err)
	return m
}

func TestGetHitsBothTiers(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	m := newTestManager(t, store)

	require.NoError(t, m.Set(ctx, "user:1", []byte("alice"), types.SetOptions{TenantID: "acme"}))

	got, err := m.Get(ctx, "user:1", types.GetOptions{TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, []byte("alice"), got)

	// A fresh manager over the same store has a cold L1; the read must be
	// served from L2 and promoted.
	m2 := newTestManager(t, store)
	got, err = m2.Get(ctx, "user:1", types.GetOptions{TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, []byte("alice"), got)
	assert.Equal(t, 1, m2.Stats().L1Entries)
}

func TestGetMissWithoutLoader(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Get(context.Background(), "absent", types.GetOptions{TenantID: "acme"})
	assert.True(t, errors.IsNotFound(err))
}

func TestLoaderPopulatesBothTiers(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	m := newTestManager(t, store)

	var calls atomic.Int64
	loader := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("loaded"), nil
	}

	got, err := m.Get(ctx, "user:2", types.GetOptions{TenantID: "acme", Loader: loader})
	require.NoError(t, err)
	assert.Equal(t, []byte("loaded"), got)
	assert.Equal(t, int64(1), calls.Load())

	// Second read is a cache hit; the loader stays cold.
	got, err = m.Get(ctx, "user:2", types.GetOptions{TenantID: "acme", Loader: loader})
	require.NoError(t, err)
	assert.Equal(t, []byte("loaded"), got)
	assert.Equal(t, int64(1), calls.Load())

	// L2 holds the loaded value too.
	m2 := newTestManager(t, store)
	got, err = m2.Get(ctx, "user:2", types.GetOptions{TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, []byte("loaded"), got)
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	var calls atomic.Int64
	gate := make(chan struct{})
	loader := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-gate
		return []byte("shared"), nil
	}

	const readers = 8
	var wg sync.WaitGroup
	results := make([][]byte, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.Get(ctx, "hot", types.GetOptions{TenantID: "acme", Loader: loader})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Let the goroutines pile onto the in-flight load before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, []byte("shared"), v)
	}
}

func TestLoaderErrorPropagatesUnmodified(t *testing.T) {
	m := newTestManager(t, nil)

	sentinel := errors.New(errors.ErrCodeLoaderFailure, "origin down")
	loader := func(context.Context) ([]byte, error) { return nil, sentinel }

	_, err := m.Get(context.Background(), "k", types.GetOptions{TenantID: "acme", Loader: loader})
	assert.Same(t, error(sentinel), err)

	// The failed load must not leave a partial entry behind.
	_, err = m.Get(context.Background(), "k", types.GetOptions{TenantID: "acme"})
	assert.True(t, errors.IsNotFound(err))
}

func TestLoaderTimeout(t *testing.T) {
	m := newTestManager(t, nil)

	loader := func(ctx context.Context) ([]byte, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return []byte("too late"), nil
		}
	}

	start := time.Now()
	_, err := m.Get(context.Background(), "slow", types.GetOptions{
		TenantID:      "acme",
		Loader:        loader,
		LoaderTimeout: 25 * time.Millisecond,
	})
	assert.True(t, errors.IsTimeout(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestExpiredEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	require.NoError(t, m.Set(ctx, "stale", []byte("old"), types.SetOptions{
		TenantID: "acme",
		TTL:      -time.Second,
	}))

	_, err := m.Get(ctx, "stale", types.GetOptions{TenantID: "acme"})
	assert.True(t, errors.IsNotFound(err))

	// An expired entry must be indistinguishable from an absent one: the
	// loader runs and refreshes it.
	got, err := m.Get(ctx, "stale", types.GetOptions{
		TenantID: "acme",
		Loader:   func(context.Context) ([]byte, error) { return []byte("fresh"), nil },
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got)
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	require.NoError(t, m.Set(ctx, "user:1", []byte("acme-val"), types.SetOptions{TenantID: "acme"}))
	require.NoError(t, m.Set(ctx, "user:1", []byte("globex-val"), types.SetOptions{TenantID: "globex"}))

	removed, err := m.InvalidatePattern(ctx, "acme", "user:*")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = m.Get(ctx, "user:1", types.GetOptions{TenantID: "acme"})
	assert.True(t, errors.IsNotFound(err))

	got, err := m.Get(ctx, "user:1", types.GetOptions{TenantID: "globex"})
	require.NoError(t, err)
	assert.Equal(t, []byte("globex-val"), got)
}

func TestInvalidatePatternIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	require.NoError(t, m.Set(ctx, "post:1", []byte("a"), types.SetOptions{TenantID: "acme"}))
	require.NoError(t, m.Set(ctx, "post:2", []byte("b"), types.SetOptions{TenantID: "acme"}))
	require.NoError(t, m.Set(ctx, "user:1", []byte("c"), types.SetOptions{TenantID: "acme"}))

	removed, err := m.InvalidatePattern(ctx, "acme", "post:*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = m.InvalidatePattern(ctx, "acme", "post:*")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	got, err := m.Get(ctx, "user:1", types.GetOptions{TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), got)
}

func TestInvalidateByTag(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	require.NoError(t, m.Set(ctx, "feed:1", []byte("a"), types.SetOptions{TenantID: "acme", Tags: []string{"feed"}}))
	require.NoError(t, m.Set(ctx, "feed:2", []byte("b"), types.SetOptions{TenantID: "acme", Tags: []string{"feed", "pinned"}}))
	require.NoError(t, m.Set(ctx, "user:1", []byte("c"), types.SetOptions{TenantID: "acme", Tags: []string{"profile"}}))

	removed, err := m.InvalidateByTag(ctx, "acme", "feed")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = m.Get(ctx, "feed:1", types.GetOptions{TenantID: "acme"})
	assert.True(t, errors.IsNotFound(err))

	got, err := m.Get(ctx, "user:1", types.GetOptions{TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), got)
}

func TestL1EvictionDoesNotTouchL2(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	m, err := NewManager(Options{
		L1MaxEntries: 4,
		Store:        store,
	})
	require.NoError(t, err)

	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, k := range keys {
		require.NoError(t, m.Set(ctx, k, []byte("v-"+k), types.SetOptions{TenantID: "acme"}))
	}

	stats := m.Stats()
	assert.LessOrEqual(t, stats.L1Entries, 4)
	assert.NotZero(t, stats.L1Evictions)

	// Everything, including L1-evicted keys, stays readable through L2.
	for _, k := range keys {
		got, err := m.Get(ctx, k, types.GetOptions{TenantID: "acme"})
		require.NoError(t, err)
		assert.Equal(t, []byte("v-"+k), got)
	}
}

// failingStore rejects every write.
type failingStore struct {
	types.Store
}

func (f *failingStore) Set(context.Context, string, []byte) error {
	return errors.New(errors.ErrCodeStorageWrite, "disk on fire")
}

func TestSetDegradesToL1OnStorageFailure(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, &failingStore{Store: memstore.New()})

	require.NoError(t, m.Set(ctx, "k", []byte("v"), types.SetOptions{TenantID: "acme"}))

	got, err := m.Get(ctx, "k", types.GetOptions{TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestDeleteRemovesFromBothTiers(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	m := newTestManager(t, store)

	require.NoError(t, m.Set(ctx, "gone", []byte("v"), types.SetOptions{TenantID: "acme"}))
	require.NoError(t, m.Delete(ctx, "acme", "gone"))

	_, err := m.Get(ctx, "gone", types.GetOptions{TenantID: "acme"})
	assert.True(t, errors.IsNotFound(err))

	m2 := newTestManager(t, store)
	_, err = m2.Get(ctx, "gone", types.GetOptions{TenantID: "acme"})
	assert.True(t, errors.IsNotFound(err))
}

func TestInvalidatePatternRejectsBadPattern(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.InvalidatePattern(context.Background(), "acme", "[")
	assert.Error(t, err)
}
