package crowdmix

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Single-flight TTL cache
// ============================================================================

// FetchFunc produces a value for a cache key.
type FetchFunc func(ctx context.Context) (any, error)

type cacheEntry struct {
	value     any
	fetchedAt time.Time
	ttl       time.Duration
}

type inflightCall struct {
	done  chan struct{}
	value any
	err   error
}

// FetchCache deduplicates concurrent fetches per key and caches successful
// results for a caller-supplied TTL. At most one fetch is in flight per key at
// any instant; all concurrent callers for that key share its result. Failures
// are never cached. Distinct keys are fully independent.
type FetchCache struct {
	mu       sync.Mutex
	entries  map[string]cacheEntry
	inflight map[string]*inflightCall
	now      func() time.Time
}

func NewFetchCache() *FetchCache {
	return &FetchCache{
		entries:  make(map[string]cacheEntry),
		inflight: make(map[string]*inflightCall),
		now:      time.Now,
	}
}

// Get returns the cached value for key while it is younger than its TTL,
// joins the in-flight fetch if one exists, and otherwise runs fetch.
func (c *FetchCache) Get(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (any, error) {
	return c.get(ctx, key, ttl, fetch, false)
}

// GetFresh behaves like Get but discards any cached entry first, forcing a
// fetch. Concurrent GetFresh calls for the same key still share one fetch.
// The reconciler uses this for full-reload convergence.
func (c *FetchCache) GetFresh(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (any, error) {
	return c.get(ctx, key, ttl, fetch, true)
}

func (c *FetchCache) get(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc, bypass bool) (any, error) {
	c.mu.Lock()
	if bypass {
		delete(c.entries, key)
	} else if e, ok := c.entries[key]; ok && c.now().Sub(e.fetchedAt) < e.ttl {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}

	if call, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.value, call.err
		case <-ctx.Done():
			// The shared fetch keeps running for the other waiters.
			return nil, ctx.Err()
		}
	}

	call := &inflightCall{done: make(chan struct{})}
	c.inflight[key] = call
	c.mu.Unlock()

	value, err := fetch(ctx)

	c.mu.Lock()
	call.value, call.err = value, err
	delete(c.inflight, key)
	if err == nil {
		c.entries[key] = cacheEntry{value: value, fetchedAt: c.now(), ttl: ttl}
	}
	c.mu.Unlock()
	close(call.done)

	return value, err
}

// Peek returns the cached value for key without consulting its TTL and
// without fetching. The reconciler uses it to decide between a direct
// mutation and a full reload.
func (c *FetchCache) Peek(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Mutate applies fn to the cached value for key, storing the returned value
// when fn reports ok. The entry's age is preserved: a push-driven mutation
// does not extend the TTL of the underlying fetch. Returns false when nothing
// is cached for key.
func (c *FetchCache) Mutate(key string, fn func(value any) (any, bool)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	next, ok := fn(e.value)
	if !ok {
		return false
	}
	e.value = next
	c.entries[key] = e
	return true
}

// Invalidate drops the cached entry for key. In-flight fetches are unaffected.
func (c *FetchCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Keys lists every key currently holding a cached entry, valid or expired.
func (c *FetchCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// ============================================================================
// Typed helpers
// ============================================================================

// CachedFetch is the typed front door to FetchCache.Get.
func CachedFetch[T any](ctx context.Context, c *FetchCache, key string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (T, error) {
	v, err := c.Get(ctx, key, ttl, func(ctx context.Context) (any, error) { return fetch(ctx) })
	return assertCached[T](v, err, key)
}

// CachedFetchFresh is the typed front door to FetchCache.GetFresh.
func CachedFetchFresh[T any](ctx context.Context, c *FetchCache, key string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (T, error) {
	v, err := c.GetFresh(ctx, key, ttl, func(ctx context.Context) (any, error) { return fetch(ctx) })
	return assertCached[T](v, err, key)
}

func assertCached[T any](v any, err error, key string) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("crowdmix: cache entry for %q holds %T", key, v)
	}
	return t, nil
}
