package crowdmix

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test helpers
// ============================================================================

// fakeClock drives FetchCache's notion of now so TTL tests don't sleep.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func countingFetch(calls *atomic.Int32, value any) FetchFunc {
	return func(ctx context.Context) (any, error) {
		calls.Add(1)
		return value, nil
	}
}

// ============================================================================
// Deduplication
// ============================================================================

func TestFetchCacheDeduplicatesConcurrentFetches(t *testing.T) {
	cache := NewFetchCache()
	var calls atomic.Int32
	release := make(chan struct{})

	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "friends-page", nil
	}

	const workers = 10
	results := make([]any, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Get(context.Background(), "/users/me/friends", time.Minute, fetch)
		}(i)
	}

	// Let every worker reach the cache before the fetch completes.
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load(), "concurrent callers must share one fetch")
	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, "friends-page", results[i])
	}
}

func TestFetchCacheWaiterCancellation(t *testing.T) {
	cache := NewFetchCache()
	release := make(chan struct{})

	go func() {
		_, _ = cache.Get(context.Background(), "k", time.Minute, func(ctx context.Context) (any, error) {
			<-release
			return "v", nil
		})
	}()

	require.Eventually(t, func() bool {
		cache.mu.Lock()
		defer cache.mu.Unlock()
		return len(cache.inflight) == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cache.Get(ctx, "k", time.Minute, func(ctx context.Context) (any, error) {
		t.Fatal("joined waiter must not start its own fetch")
		return nil, nil
	})
	require.ErrorIs(t, err, context.Canceled)

	// The original fetch keeps running and still populates the cache.
	close(release)
	require.Eventually(t, func() bool {
		v, ok := cache.Peek("k")
		return ok && v == "v"
	}, time.Second, time.Millisecond)
}

// ============================================================================
// TTL
// ============================================================================

func TestFetchCacheTTL(t *testing.T) {
	cache := NewFetchCache()
	clock := newFakeClock()
	cache.now = clock.Now

	var calls atomic.Int32
	fetch := countingFetch(&calls, "v")

	t.Run("second call within TTL is served from cache", func(t *testing.T) {
		_, err := cache.Get(context.Background(), "k", time.Minute, fetch)
		require.NoError(t, err)
		clock.Advance(30 * time.Second)
		_, err = cache.Get(context.Background(), "k", time.Minute, fetch)
		require.NoError(t, err)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("call after TTL fetches again", func(t *testing.T) {
		clock.Advance(40 * time.Second) // 70s past the first fetch
		_, err := cache.Get(context.Background(), "k", time.Minute, fetch)
		require.NoError(t, err)
		require.Equal(t, int32(2), calls.Load())
	})
}

func TestFetchCacheNeverServesExpired(t *testing.T) {
	cache := NewFetchCache()
	clock := newFakeClock()
	cache.now = clock.Now

	_, err := cache.Get(context.Background(), "k", time.Minute, countingFetch(new(atomic.Int32), "old"))
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	v, err := cache.Get(context.Background(), "k", time.Minute, func(ctx context.Context) (any, error) {
		return "new", nil
	})
	require.NoError(t, err)
	require.Equal(t, "new", v)
}

func TestFetchCacheGetFreshBypassesTTL(t *testing.T) {
	cache := NewFetchCache()
	var calls atomic.Int32
	fetch := countingFetch(&calls, "v")

	_, err := cache.Get(context.Background(), "k", time.Minute, fetch)
	require.NoError(t, err)
	_, err = cache.GetFresh(context.Background(), "k", time.Minute, fetch)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

// ============================================================================
// Failures and independence
// ============================================================================

func TestFetchCacheDoesNotCacheFailures(t *testing.T) {
	cache := NewFetchCache()
	var calls atomic.Int32
	boom := errors.New("backend down")

	fetch := func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return "v", nil
	}

	_, err := cache.Get(context.Background(), "k", time.Minute, fetch)
	require.ErrorIs(t, err, boom)

	v, err := cache.Get(context.Background(), "k", time.Minute, fetch)
	require.NoError(t, err)
	require.Equal(t, "v", v)
	require.Equal(t, int32(2), calls.Load())
}

func TestFetchCacheKeysAreIndependent(t *testing.T) {
	cache := NewFetchCache()
	var aCalls, bCalls atomic.Int32

	_, err := cache.Get(context.Background(), "a", time.Minute, countingFetch(&aCalls, "va"))
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), "b", time.Minute, countingFetch(&bCalls, "vb"))
	require.NoError(t, err)

	cache.Invalidate("a")
	_, err = cache.Get(context.Background(), "a", time.Minute, countingFetch(&aCalls, "va"))
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), "b", time.Minute, countingFetch(&bCalls, "vb"))
	require.NoError(t, err)

	require.Equal(t, int32(2), aCalls.Load())
	require.Equal(t, int32(1), bCalls.Load(), "invalidating one key must not touch another")
}

// ============================================================================
// Mutate
// ============================================================================

func TestFetchCacheMutatePreservesEntryAge(t *testing.T) {
	cache := NewFetchCache()
	clock := newFakeClock()
	cache.now = clock.Now

	var calls atomic.Int32
	_, err := cache.Get(context.Background(), "k", time.Minute, countingFetch(&calls, 1))
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	require.True(t, cache.Mutate("k", func(v any) (any, bool) { return v.(int) + 1, true }))

	v, ok := cache.Peek("k")
	require.True(t, ok)
	require.Equal(t, 2, v)

	// 20s later the original fetch is 70s old; the mutation must not have
	// extended its life.
	clock.Advance(20 * time.Second)
	_, err = cache.Get(context.Background(), "k", time.Minute, countingFetch(&calls, 1))
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestFetchCacheMutateMissingKey(t *testing.T) {
	cache := NewFetchCache()
	require.False(t, cache.Mutate("missing", func(v any) (any, bool) { return v, true }))
}
