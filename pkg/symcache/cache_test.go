package symcache_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/milescrabill/tecken/pkg/symcache"
	"github.com/milescrabill/tecken/pkg/symfile"
	"github.com/milescrabill/tecken/pkg/symsource"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func moduleKey(n int) symfile.ModuleKey {
	return symfile.ModuleKey{
		DebugFile: fmt.Sprintf("lib%d.so", n),
		DebugID:   fmt.Sprintf("ABCDEF%026d", n),
	}
}

// parseTestTable builds a parsed table whose SizeBytes is deterministic, so
// eviction tests can reason about the byte budget.
func parseTestTable(t *testing.T, key symfile.ModuleKey) *symfile.Table {
	t.Helper()
	sym := "MODULE Linux x86_64 " + key.DebugID + " " + key.DebugFile + "\n" +
		"FUNC 1000 100 0 some_function\n" +
		strings.Repeat("INFO padding padding padding\n", 8)
	table, err := symfile.Parse(key, []byte(sym))
	require.NoError(t, err)
	return table
}

func newTestCache(t *testing.T, cfg symcache.Config) *symcache.Cache {
	t.Helper()
	c, err := symcache.New(log.NewNopLogger(), cfg, nil)
	require.NoError(t, err)
	return c
}

func TestGetOrLoadSingleFlight(t *testing.T) {
	cache := newTestCache(t, symcache.Config{MaxSizeBytes: 1 << 20})
	key := moduleKey(1)
	want := parseTestTable(t, key)

	var (
		calls   atomic.Int32
		release = make(chan struct{})
	)
	loader := func(ctx context.Context) (*symfile.Table, error) {
		calls.Inc()
		<-release
		return want, nil
	}

	const n = 16
	var wg sync.WaitGroup
	results := make([]*symfile.Table, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			table, err := cache.GetOrLoad(context.Background(), key, loader)
			require.NoError(t, err)
			results[i] = table
		}(i)
	}
	// Give all goroutines a chance to join the pending entry.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, table := range results {
		require.Same(t, want, table)
	}
}

func TestGetOrLoadHitSkipsLoader(t *testing.T) {
	cache := newTestCache(t, symcache.Config{MaxSizeBytes: 1 << 20})
	key := moduleKey(1)

	var calls atomic.Int32
	loader := func(ctx context.Context) (*symfile.Table, error) {
		calls.Inc()
		return parseTestTable(t, key), nil
	}

	first, err := cache.GetOrLoad(context.Background(), key, loader)
	require.NoError(t, err)
	second, err := cache.GetOrLoad(context.Background(), key, loader)
	require.NoError(t, err)

	require.Equal(t, int32(1), calls.Load())
	require.Same(t, first, second)

	stats := cache.Stats()
	require.Equal(t, 1, stats.Entries)
	require.Equal(t, int64(first.SizeBytes()), stats.Bytes)
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
}

func TestEvictionLeastRecentlyUsedFirst(t *testing.T) {
	keyA, keyB, keyC := moduleKey(1), moduleKey(2), moduleKey(3)
	size := int64(parseTestTable(t, keyA).SizeBytes())
	// Room for two tables but not three.
	cache := newTestCache(t, symcache.Config{MaxSizeBytes: 2*size + 10})

	calls := map[symfile.ModuleKey]*atomic.Int32{
		keyA: atomic.NewInt32(0), keyB: atomic.NewInt32(0), keyC: atomic.NewInt32(0),
	}
	load := func(key symfile.ModuleKey) (*symfile.Table, error) {
		calls[key].Inc()
		return parseTestTable(t, key), nil
	}
	get := func(key symfile.ModuleKey) {
		_, err := cache.GetOrLoad(context.Background(), key, func(ctx context.Context) (*symfile.Table, error) {
			return load(key)
		})
		require.NoError(t, err)
	}

	get(keyA)
	get(keyB)
	// Touch A so B becomes the eviction candidate.
	get(keyA)
	// Inserting C exceeds the budget and must evict B, not A.
	get(keyC)

	require.Equal(t, 2, cache.Stats().Entries)

	get(keyA)
	require.Equal(t, int32(1), calls[keyA].Load())
	get(keyC)
	require.Equal(t, int32(1), calls[keyC].Load())
	get(keyB)
	require.Equal(t, int32(2), calls[keyB].Load())
}

func TestOversizedEntryAdmitted(t *testing.T) {
	key := moduleKey(1)
	table := parseTestTable(t, key)
	cache := newTestCache(t, symcache.Config{MaxSizeBytes: int64(table.SizeBytes()) / 2})

	got, err := cache.GetOrLoad(context.Background(), key, func(ctx context.Context) (*symfile.Table, error) {
		return table, nil
	})
	require.NoError(t, err)
	require.Same(t, table, got)
	require.Equal(t, 1, cache.Stats().Entries)
}

func TestNegativeCaching(t *testing.T) {
	cache := newTestCache(t, symcache.Config{MaxSizeBytes: 1 << 20, NegativeTTL: 100 * time.Millisecond})
	key := moduleKey(1)

	var calls atomic.Int32
	loader := func(ctx context.Context) (*symfile.Table, error) {
		calls.Inc()
		return nil, symsource.NotFoundError{Key: key}
	}

	_, err := cache.GetOrLoad(context.Background(), key, loader)
	require.True(t, symsource.IsNotFound(err))
	_, err = cache.GetOrLoad(context.Background(), key, loader)
	require.True(t, symsource.IsNotFound(err))
	require.Equal(t, int32(1), calls.Load(), "not-found must be served from the negative cache within the TTL")

	time.Sleep(150 * time.Millisecond)
	_, err = cache.GetOrLoad(context.Background(), key, loader)
	require.True(t, symsource.IsNotFound(err))
	require.Equal(t, int32(2), calls.Load(), "expired negative entries must be refetched")
}

func TestFetchErrorNotCached(t *testing.T) {
	cache := newTestCache(t, symcache.Config{MaxSizeBytes: 1 << 20, NegativeTTL: time.Minute})
	key := moduleKey(1)

	var calls atomic.Int32
	loader := func(ctx context.Context) (*symfile.Table, error) {
		calls.Inc()
		return nil, symsource.FetchError{Key: key, Err: context.DeadlineExceeded}
	}

	_, err := cache.GetOrLoad(context.Background(), key, loader)
	require.True(t, symsource.IsFetchError(err))
	_, err = cache.GetOrLoad(context.Background(), key, loader)
	require.True(t, symsource.IsFetchError(err))
	require.Equal(t, int32(2), calls.Load(), "transient failures must be retried on the next reference")
	require.Equal(t, 0, cache.Stats().Entries)
}

func TestFetchErrorWrappingNotFoundNotCached(t *testing.T) {
	cache := newTestCache(t, symcache.Config{MaxSizeBytes: 1 << 20, NegativeTTL: time.Minute})
	key := moduleKey(1)

	// The shape a chain produces when the local tier misses and the remote
	// tier fails transiently. The embedded miss must not make the failure
	// look definitive.
	var aggregate *multierror.Error
	aggregate = multierror.Append(aggregate, symsource.NotFoundError{Key: key})
	aggregate = multierror.Append(aggregate, context.DeadlineExceeded)

	var calls atomic.Int32
	loader := func(ctx context.Context) (*symfile.Table, error) {
		calls.Inc()
		return nil, symsource.FetchError{Key: key, Err: aggregate.ErrorOrNil()}
	}

	_, err := cache.GetOrLoad(context.Background(), key, loader)
	require.True(t, symsource.IsFetchError(err))
	_, err = cache.GetOrLoad(context.Background(), key, loader)
	require.True(t, symsource.IsFetchError(err))
	require.Equal(t, int32(2), calls.Load(), "a fetch failure wrapping an earlier tier's miss must not be negatively cached")
	require.Equal(t, 0, cache.Stats().Entries)
}

func TestInvalidateForcesReload(t *testing.T) {
	cache := newTestCache(t, symcache.Config{MaxSizeBytes: 1 << 20})
	key := moduleKey(1)

	var calls atomic.Int32
	loader := func(ctx context.Context) (*symfile.Table, error) {
		calls.Inc()
		return parseTestTable(t, key), nil
	}

	_, err := cache.GetOrLoad(context.Background(), key, loader)
	require.NoError(t, err)
	cache.Invalidate(key)
	require.Equal(t, 0, cache.Stats().Entries)

	_, err = cache.GetOrLoad(context.Background(), key, loader)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestEvictionMetricCountsBudgetEvictionsOnly(t *testing.T) {
	key := moduleKey(1)
	size := int64(parseTestTable(t, key).SizeBytes())
	reg := prometheus.NewRegistry()
	cache, err := symcache.New(log.NewNopLogger(), symcache.Config{MaxSizeBytes: 2*size + 10}, reg)
	require.NoError(t, err)

	get := func(key symfile.ModuleKey) {
		_, err := cache.GetOrLoad(context.Background(), key, func(ctx context.Context) (*symfile.Table, error) {
			return parseTestTable(t, key), nil
		})
		require.NoError(t, err)
	}

	get(key)
	cache.Invalidate(key)
	require.Equal(t, 0, cache.Stats().Entries)
	require.Equal(t, float64(0), counterValue(t, reg, "tecken_symcache_evictions_total"),
		"explicit invalidation is not an eviction")

	// Filling past the budget evicts exactly one entry.
	get(moduleKey(1))
	get(moduleKey(2))
	get(moduleKey(3))
	require.Equal(t, 2, cache.Stats().Entries)
	require.Equal(t, float64(1), counterValue(t, reg, "tecken_symcache_evictions_total"))
}

func TestWaiterCancellationDoesNotAbortSharedLoad(t *testing.T) {
	cache := newTestCache(t, symcache.Config{MaxSizeBytes: 1 << 20})
	key := moduleKey(1)
	want := parseTestTable(t, key)

	var (
		calls   atomic.Int32
		release = make(chan struct{})
	)
	loader := func(ctx context.Context) (*symfile.Table, error) {
		calls.Inc()
		select {
		case <-release:
			return want, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := cache.GetOrLoad(ctx1, key, loader)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	tableCh := make(chan *symfile.Table, 1)
	go func() {
		table, err := cache.GetOrLoad(context.Background(), key, loader)
		require.NoError(t, err)
		tableCh <- table
	}()
	time.Sleep(20 * time.Millisecond)

	// The first waiter gives up; the load must keep going for the second.
	cancel1()
	require.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	require.Same(t, want, <-tableCh)
	require.Equal(t, int32(1), calls.Load())
}

func TestLastWaiterCancellationAbortsLoad(t *testing.T) {
	cache := newTestCache(t, symcache.Config{MaxSizeBytes: 1 << 20})
	key := moduleKey(1)

	loaderCancelled := make(chan struct{})
	loader := func(ctx context.Context) (*symfile.Table, error) {
		<-ctx.Done()
		close(loaderCancelled)
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := cache.GetOrLoad(ctx, key, loader)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	select {
	case <-loaderCancelled:
	case <-time.After(time.Second):
		t.Fatal("loader context was not cancelled after the last waiter left")
	}
}
