// Package middleware holds request-level policies applied before the
// authorization pipeline.
package middleware

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/toolgate/toolgate/internal/metrics"
	"github.com/toolgate/toolgate/internal/toolerr"
)

// RateLimiter enforces a per-principal token bucket.
type RateLimiter struct {
	mu         sync.Mutex
	principals map[string]*principalLimiter
	rps        rate.Limit
	burst      int

	cleanupTicker *time.Ticker
	stopCh        chan struct{}
}

type principalLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second with the
// given burst per principal.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		principals:    make(map[string]*principalLimiter),
		rps:           rate.Limit(rps),
		burst:         burst,
		cleanupTicker: time.NewTicker(5 * time.Minute),
		stopCh:        make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow consumes one token for the principal. A nil error means the request
// may proceed; otherwise the error kind is rate_limited.
func (rl *RateLimiter) Allow(principalID string) error {
	rl.mu.Lock()
	p, exists := rl.principals[principalID]
	if !exists {
		p = &principalLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.principals[principalID] = p
	}
	p.lastSeen = time.Now()
	rl.mu.Unlock()

	if !p.limiter.Allow() {
		metrics.RateLimited.Inc()
		return toolerr.Ef(toolerr.KindRateLimited, "principal %s exceeded rate limit", principalID)
	}
	return nil
}

// cleanup removes principals idle long enough for their bucket to be full
// again.
func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.mu.Lock()
			now := time.Now()
			for id, p := range rl.principals {
				if now.Sub(p.lastSeen) > 10*time.Minute {
					delete(rl.principals, id)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop terminates the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.cleanupTicker.Stop()
	close(rl.stopCh)
}
