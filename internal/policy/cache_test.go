package policy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func newTestCache(t *testing.T, cfg CacheConfig) *DecisionCache {
	t.Helper()
	c, err := NewDecisionCache(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func allowDecision(ttl int) *Decision {
	return &Decision{Allow: true, Reason: "ok", CacheTTL: intPtr(ttl)}
}

func TestCacheHitAvoidsSecondEvaluation(t *testing.T) {
	c := newTestCache(t, CacheConfig{Capacity: 16, DefaultTTL: time.Minute, MaxTTL: time.Hour, DenyTTLMax: time.Minute})
	ctx := context.Background()

	var calls int32
	eval := func(ctx context.Context) (*Decision, error) {
		atomic.AddInt32(&calls, 1)
		return allowDecision(300), nil
	}

	d1, err := c.Get(ctx, "fp-1", eval)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := c.Get(ctx, "fp-1", eval)
	if err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one evaluation, got %d", calls)
	}
	if d1.Reason != d2.Reason || !d2.Allow {
		t.Error("cached decision must equal the evaluated one")
	}

	stats := c.Stats()
	if stats.Misses != 1 || stats.Hits != 1 {
		t.Errorf("expected 1 miss / 1 hit, got %d / %d", stats.Misses, stats.Hits)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c := newTestCache(t, CacheConfig{Capacity: 16, DefaultTTL: time.Minute, MaxTTL: time.Hour})
	ctx := context.Background()

	var calls int32
	eval := func(ctx context.Context) (*Decision, error) {
		atomic.AddInt32(&calls, 1)
		d := allowDecision(1)
		return d, nil
	}

	// Seed with a 1s TTL, then force expiry by rewinding the entry clock.
	if _, err := c.Get(ctx, "fp-ttl", eval); err != nil {
		t.Fatal(err)
	}
	if e, ok := c.lru.Get("fp-ttl"); ok {
		e.expiresAt = time.Now().Add(-time.Second)
	} else {
		t.Fatal("expected seeded entry")
	}

	if _, err := c.Get(ctx, "fp-ttl", eval); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expired entry must re-evaluate, got %d calls", calls)
	}
}

func TestCacheZeroTTLNotCached(t *testing.T) {
	c := newTestCache(t, CacheConfig{Capacity: 16, DefaultTTL: time.Minute})
	ctx := context.Background()

	var calls int32
	eval := func(ctx context.Context) (*Decision, error) {
		atomic.AddInt32(&calls, 1)
		return allowDecision(0), nil
	}

	_, _ = c.Get(ctx, "fp-z", eval)
	_, _ = c.Get(ctx, "fp-z", eval)
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("ttl=0 decisions must not cache, got %d calls", calls)
	}
}

func TestCacheDenyTTLClamp(t *testing.T) {
	c := newTestCache(t, CacheConfig{Capacity: 16, DefaultTTL: time.Minute, MaxTTL: time.Hour, DenyTTLMax: 60 * time.Second})

	deny := &Decision{Allow: false, Reason: "viewer cannot invoke critical tools", CacheTTL: intPtr(600)}
	if got := c.effectiveTTL(deny); got != 60*time.Second {
		t.Errorf("deny TTL must clamp to deny_ttl_max, got %s", got)
	}

	stable := &Decision{Allow: false, Reason: "permanently disabled", CacheTTL: intPtr(600), Stable: true}
	if got := c.effectiveTTL(stable); got != 600*time.Second {
		t.Errorf("stable deny keeps the engine TTL, got %s", got)
	}

	allow := &Decision{Allow: true, Reason: "ok", CacheTTL: intPtr(600)}
	if got := c.effectiveTTL(allow); got != 600*time.Second {
		t.Errorf("allow TTL must not clamp to deny bound, got %s", got)
	}

	unbounded := &Decision{Allow: true, Reason: "ok", CacheTTL: intPtr(86400)}
	if got := c.effectiveTTL(unbounded); got != time.Hour {
		t.Errorf("TTL must clamp to max_ttl, got %s", got)
	}
}

func TestCacheSingleFlightBurst(t *testing.T) {
	c := newTestCache(t, CacheConfig{Capacity: 128, DefaultTTL: time.Minute, MaxTTL: time.Hour})
	ctx := context.Background()

	var engineCalls int32
	release := make(chan struct{})
	eval := func(ctx context.Context) (*Decision, error) {
		atomic.AddInt32(&engineCalls, 1)
		<-release
		return allowDecision(300), nil
	}

	const n = 100
	var wg sync.WaitGroup
	decisions := make([]*Decision, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i], errs[i] = c.Get(ctx, "fp-burst", eval)
		}(i)
	}

	// Let every goroutine reach the flight before releasing the engine.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&engineCalls); got != 1 {
		t.Fatalf("engine must see exactly one call, got %d", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if !decisions[i].Allow || decisions[i].Reason != "ok" {
			t.Fatalf("caller %d received a different decision", i)
		}
	}

	stats := c.Stats()
	if stats.Misses != 1 {
		t.Errorf("expected cache_misses=1, got %d", stats.Misses)
	}
	if stats.SingleFlightSuppressed != n-1 {
		t.Errorf("expected single_flight_suppressed=%d, got %d", n-1, stats.SingleFlightSuppressed)
	}
}

func TestCacheSingleFlightFailureNotCached(t *testing.T) {
	c := newTestCache(t, CacheConfig{Capacity: 16, DefaultTTL: time.Minute})
	ctx := context.Background()

	boom := errors.New("engine down")
	var calls int32
	failing := func(ctx context.Context) (*Decision, error) {
		atomic.AddInt32(&calls, 1)
		return nil, boom
	}

	if _, err := c.Get(ctx, "fp-f", failing); !errors.Is(err, boom) {
		t.Fatalf("expected propagated failure, got %v", err)
	}
	// Failures must not seed the cache.
	if _, err := c.Get(ctx, "fp-f", failing); !errors.Is(err, boom) {
		t.Fatalf("expected second evaluation failure, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 evaluations, got %d", calls)
	}
}

func TestCacheInvalidateAll(t *testing.T) {
	c := newTestCache(t, CacheConfig{Capacity: 16, DefaultTTL: time.Minute, MaxTTL: time.Hour})
	ctx := context.Background()

	var calls int32
	eval := func(ctx context.Context) (*Decision, error) {
		atomic.AddInt32(&calls, 1)
		return allowDecision(300), nil
	}

	_, _ = c.Get(ctx, "fp-inv", eval)
	c.InvalidateAll(ctx)
	_, _ = c.Get(ctx, "fp-inv", eval)

	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("invalidate_all must force re-evaluation, got %d calls", calls)
	}
}

func TestCacheInvalidateSingle(t *testing.T) {
	c := newTestCache(t, CacheConfig{Capacity: 16, DefaultTTL: time.Minute, MaxTTL: time.Hour})
	ctx := context.Background()

	var calls int32
	eval := func(ctx context.Context) (*Decision, error) {
		atomic.AddInt32(&calls, 1)
		return allowDecision(300), nil
	}

	_, _ = c.Get(ctx, "fp-a", eval)
	_, _ = c.Get(ctx, "fp-b", eval)
	c.Invalidate(ctx, "fp-a")
	_, _ = c.Get(ctx, "fp-a", eval)
	_, _ = c.Get(ctx, "fp-b", eval)

	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("only the invalidated key re-evaluates, got %d calls", calls)
	}
}

func TestCacheBoundedCapacity(t *testing.T) {
	c := newTestCache(t, CacheConfig{Capacity: 4, DefaultTTL: time.Minute, MaxTTL: time.Hour})
	ctx := context.Background()

	eval := func(ctx context.Context) (*Decision, error) {
		return allowDecision(300), nil
	}
	keys := []string{"k1", "k2", "k3", "k4", "k5", "k6"}
	for _, k := range keys {
		_, _ = c.Get(ctx, k, eval)
	}

	stats := c.Stats()
	if stats.Entries > 4 {
		t.Errorf("capacity must bound entries, got %d", stats.Entries)
	}
	if stats.Evictions < 2 {
		t.Errorf("expected at least 2 evictions, got %d", stats.Evictions)
	}
}
