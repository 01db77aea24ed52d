package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/toolgate/toolgate/internal/toolerr"
)

// RetryConfig tunes the retry helper.
type RetryConfig struct {
	// MaxAttempts caps underlying calls, including the first.
	MaxAttempts int

	// BaseDelay is the backoff before the first retry; it doubles per
	// attempt up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay is the backoff ceiling.
	MaxDelay time.Duration

	// Jitter is the ± fraction applied to each delay (0.25 means ±25%).
	Jitter float64

	// Retryable classifies errors worth retrying. Nil falls back to
	// toolerr.Retryable (transient transport only).
	Retryable func(error) bool
}

// DefaultRetryConfig returns the standard retry tuning.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.25,
	}
}

// Retry attempts op up to cfg.MaxAttempts times with exponential backoff and
// jitter. Non-retryable failures surface immediately. The context deadline
// bounds the whole sequence: whichever of the attempt budget or the deadline
// expires first terminates.
func Retry(ctx context.Context, cfg RetryConfig, op func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = toolerr.Retryable
	}

	return retry.Do(
		func() error { return op(ctx) },
		retry.Context(ctx),
		retry.Attempts(uint(cfg.MaxAttempts)),
		retry.RetryIf(func(err error) bool {
			if ctx.Err() != nil {
				return false
			}
			return retryable(err)
		}),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return backoffDelay(cfg, n)
		}),
		retry.LastErrorOnly(true),
	)
}

// backoffDelay computes base * 2^n clamped to the ceiling, with ± jitter.
func backoffDelay(cfg RetryConfig, n uint) time.Duration {
	d := float64(cfg.BaseDelay) * math.Pow(2, float64(n))
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.Jitter > 0 {
		// Uniform in [1-j, 1+j].
		d *= 1 + cfg.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// WithTimeout races op against the deadline and returns deadline_exceeded if
// the deadline fires first. Cancellation propagates to op through its
// context; a hung op is abandoned rather than leaked, keeping its goroutine
// until it observes the cancellation.
func WithTimeout(ctx context.Context, d time.Duration, op func(context.Context) error) error {
	if d <= 0 {
		return op(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(tctx) }()

	select {
	case err := <-done:
		if err != nil && tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return toolerr.Wrap(toolerr.KindDeadlineExceeded, "operation deadline exceeded", err)
		}
		return err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return toolerr.Wrap(toolerr.KindCancelled, "caller cancelled", ctx.Err())
		}
		return toolerr.E(toolerr.KindDeadlineExceeded, "operation deadline exceeded")
	}
}

// Stack composes the three primitives as breaker over retry over timeout.
// A zero AttemptTimeout disables the per-attempt deadline.
type Stack struct {
	Breaker        *Breaker
	Retry          RetryConfig
	AttemptTimeout time.Duration
}

// Do runs op through breaker → retry → timeout.
func (s *Stack) Do(ctx context.Context, op func(context.Context) error) error {
	run := func(ctx context.Context) error {
		return Retry(ctx, s.Retry, func(ctx context.Context) error {
			return WithTimeout(ctx, s.AttemptTimeout, op)
		})
	}
	if s.Breaker == nil {
		return run(ctx)
	}
	return s.Breaker.Do(ctx, run)
}
