package policy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/toolgate/toolgate/internal/metrics"
)

// CacheConfig tunes the decision cache.
type CacheConfig struct {
	// Capacity bounds the number of cached decisions; approximate-LRU
	// eviction applies when full.
	Capacity int

	// DefaultTTL applies when the engine expresses no TTL preference.
	DefaultTTL time.Duration

	// MaxTTL clamps engine-recommended TTLs.
	MaxTTL time.Duration

	// DenyTTLMax clamps deny decisions not flagged stable.
	DenyTTLMax time.Duration
}

type cacheEntry struct {
	decision  *Decision
	createdAt time.Time
	expiresAt time.Time
}

// DecisionCache maps Fingerprint → Decision with per-entry absolute expiry,
// bounded capacity, and single-flight deduplication of engine evaluations.
// It is safe for concurrent use from arbitrary request handlers.
type DecisionCache struct {
	cfg   CacheConfig
	lru   *lru.Cache[string, *cacheEntry]
	group singleflight.Group

	// store is an optional external second level (nil when disabled).
	store Store

	mu            sync.RWMutex
	invalidatedAt time.Time

	hits       atomic.Uint64
	misses     atomic.Uint64
	suppressed atomic.Uint64
	evictions  atomic.Uint64
}

// NewDecisionCache creates the cache. store may be nil.
func NewDecisionCache(cfg CacheConfig, store Store) (*DecisionCache, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	c := &DecisionCache{cfg: cfg, store: store}
	l, err := lru.NewWithEvict[string, *cacheEntry](cfg.Capacity, func(string, *cacheEntry) {
		c.evictions.Add(1)
		metrics.CacheEvictions.Inc()
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Get returns the cached decision for fp, or runs eval through single-flight
// to produce one. Concurrent callers for the same fingerprint share one
// evaluation; a failed evaluation propagates to every waiter and caches
// nothing.
func (c *DecisionCache) Get(ctx context.Context, fp string, eval func(context.Context) (*Decision, error)) (*Decision, error) {
	if d, ok := c.lookup(fp); ok {
		c.hits.Add(1)
		metrics.CacheHits.Inc()
		return d, nil
	}

	executed := false
	v, err, _ := c.group.Do(fp, func() (interface{}, error) {
		executed = true

		// A waiter queued behind a completed flight may find the entry
		// already seeded.
		if d, ok := c.lookup(fp); ok {
			c.hits.Add(1)
			metrics.CacheHits.Inc()
			return d, nil
		}

		if d, ok := c.storeLookup(ctx, fp); ok {
			c.hits.Add(1)
			metrics.CacheHits.Inc()
			return d, nil
		}

		c.misses.Add(1)
		metrics.CacheMisses.Inc()

		d, err := eval(ctx)
		if err != nil {
			return nil, err
		}
		d.Fingerprint = fp
		c.put(ctx, fp, d)
		return d, nil
	})
	if !executed {
		c.suppressed.Add(1)
		metrics.CacheSingleFlightSuppressed.Inc()
	}
	if err != nil {
		return nil, err
	}
	return v.(*Decision), nil
}

// lookup returns a live entry, evicting expired or pre-invalidation ones.
func (c *DecisionCache) lookup(fp string) (*Decision, bool) {
	e, ok := c.lru.Get(fp)
	if !ok {
		return nil, false
	}

	c.mu.RLock()
	invalidatedAt := c.invalidatedAt
	c.mu.RUnlock()

	now := time.Now()
	expired := !now.Before(e.expiresAt)
	stale := !invalidatedAt.IsZero() && !e.createdAt.After(invalidatedAt)
	if expired || stale {
		c.lru.Remove(fp)
		metrics.CacheSize.Set(float64(c.lru.Len()))
		return nil, false
	}
	return e.decision, true
}

// storeLookup consults the optional external store. Store failures are
// treated as misses; the engine remains the source of truth.
func (c *DecisionCache) storeLookup(ctx context.Context, fp string) (*Decision, bool) {
	if c.store == nil {
		return nil, false
	}
	d, ok, err := c.store.Get(ctx, fp)
	if err != nil || !ok {
		return nil, false
	}
	d.Fingerprint = fp
	// Seed the in-process level with the remaining TTL unknown; reuse the
	// clamped default so it re-validates against the store soon enough.
	ttl := c.effectiveTTL(d)
	if ttl > 0 {
		c.seedLocal(fp, d, ttl)
	}
	return d, true
}

// put caches the decision when its effective TTL is positive. A TTL of zero
// means the decision is never cached.
func (c *DecisionCache) put(ctx context.Context, fp string, d *Decision) {
	ttl := c.effectiveTTL(d)
	if ttl <= 0 {
		return
	}
	c.seedLocal(fp, d, ttl)
	if c.store != nil {
		_ = c.store.Set(ctx, fp, d, ttl)
	}
}

func (c *DecisionCache) seedLocal(fp string, d *Decision, ttl time.Duration) {
	now := time.Now()
	c.lru.Add(fp, &cacheEntry{decision: d, createdAt: now, expiresAt: now.Add(ttl)})
	metrics.CacheSize.Set(float64(c.lru.Len()))
}

// effectiveTTL clamps the engine-recommended TTL. Deny decisions not marked
// stable clamp to the shorter deny bound.
func (c *DecisionCache) effectiveTTL(d *Decision) time.Duration {
	var ttl time.Duration
	if d.CacheTTL == nil {
		ttl = c.cfg.DefaultTTL
	} else {
		ttl = time.Duration(*d.CacheTTL) * time.Second
	}
	if ttl <= 0 {
		return 0
	}
	if c.cfg.MaxTTL > 0 && ttl > c.cfg.MaxTTL {
		ttl = c.cfg.MaxTTL
	}
	if !d.Allow && !d.Stable && c.cfg.DenyTTLMax > 0 && ttl > c.cfg.DenyTTLMax {
		ttl = c.cfg.DenyTTLMax
	}
	return ttl
}

// EffectiveTTL reports how long the cache keeps d after clamping. Zero means
// the decision is not cached.
func (c *DecisionCache) EffectiveTTL(d *Decision) time.Duration {
	return c.effectiveTTL(d)
}

// Invalidate drops a single fingerprint.
func (c *DecisionCache) Invalidate(ctx context.Context, fp string) {
	c.lru.Remove(fp)
	metrics.CacheSize.Set(float64(c.lru.Len()))
	if c.store != nil {
		_ = c.store.Delete(ctx, fp)
	}
}

// InvalidateAll drops every entry. Outstanding single-flight evaluations are
// allowed to complete and seed the cache with the post-change result;
// entries created before this call are dropped on lookup.
func (c *DecisionCache) InvalidateAll(ctx context.Context) {
	c.mu.Lock()
	c.invalidatedAt = time.Now()
	c.mu.Unlock()

	c.lru.Purge()
	metrics.CacheSize.Set(0)
	if c.store != nil {
		_ = c.store.Clear(ctx)
	}
}

// Stats returns a snapshot of cache counters.
func (c *DecisionCache) Stats() Stats {
	c.mu.RLock()
	inv := c.invalidatedAt
	c.mu.RUnlock()
	return Stats{
		Hits:                   c.hits.Load(),
		Misses:                 c.misses.Load(),
		SingleFlightSuppressed: c.suppressed.Load(),
		Evictions:              c.evictions.Load(),
		Entries:                c.lru.Len(),
		InvalidatedAt:          inv,
	}
}
