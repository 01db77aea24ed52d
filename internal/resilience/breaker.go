// Package resilience provides the circuit breaker, retry, and timeout
// primitives that wrap every network hop in the gateway.
//
// The three primitives compose in the order breaker → retry → timeout →
// operation: the breaker sees one logical attempt, the retry helper sees
// per-attempt timeouts, and the operation sees a bounded scope.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/metrics"
	"github.com/toolgate/toolgate/internal/toolerr"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures move closed → open.
	FailureThreshold int

	// OpenTimeout is how long the breaker stays open before admitting probes.
	OpenTimeout time.Duration

	// SuccessThreshold consecutive probe successes move half_open → closed.
	SuccessThreshold int

	// HalfOpenMax bounds concurrent probe calls while half-open.
	HalfOpenMax int

	// IsFailure classifies an operation error. Nil falls back to
	// toolerr.CountsAsBreakerFailure (denials and 4xx-class do not count).
	IsFailure func(error) bool
}

// Breaker guards a single downstream endpoint class. One breaker exists per
// adapter resource, plus one for the policy engine.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu           sync.Mutex
	state        State
	failures     int       // consecutive failures while closed
	successes    int       // consecutive successes while half-open
	openedAt     time.Time // when the breaker last opened
	halfOpenBusy int       // probes currently in flight
}

// NewBreaker creates a closed breaker. The name labels metrics and appears
// in health reporting.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = toolerr.CountsAsBreakerFailure
	}
	b := &Breaker{name: name, cfg: cfg, state: StateClosed}
	metrics.BreakerState.WithLabelValues(name).Set(0)
	return b
}

// Name returns the endpoint-class label.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the open-timeout transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Do runs op through the breaker. While open it fails fast with circuit_open
// in constant time; the guarded operation is not invoked.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(err)
	return err
}

// admit decides whether a call may proceed and reserves a probe slot when
// half-open.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		return toolerr.Ef(toolerr.KindCircuitOpen, "breaker %s is open", b.name)
	case StateHalfOpen:
		if b.halfOpenBusy >= b.cfg.HalfOpenMax {
			return toolerr.Ef(toolerr.KindCircuitOpen, "breaker %s is half-open and probe slots are full", b.name)
		}
		b.halfOpenBusy++
		return nil
	}
	return nil
}

// record applies the operation outcome to the state machine.
func (b *Breaker) record(err error) {
	failed := err != nil && b.cfg.IsFailure(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if failed {
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.openLocked()
			}
		} else {
			b.failures = 0
		}
	case StateHalfOpen:
		b.halfOpenBusy--
		if failed {
			// First probe failure returns to a full open-timeout.
			b.openLocked()
		} else {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.closeLocked()
			}
		}
	case StateOpen:
		// A call admitted before the transition finished; its outcome does
		// not change the open state.
	}
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = StateHalfOpen
		b.successes = 0
		b.halfOpenBusy = 0
		metrics.BreakerState.WithLabelValues(b.name).Set(1)
	}
}

func (b *Breaker) openLocked() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.failures = 0
	b.successes = 0
	b.halfOpenBusy = 0
	metrics.BreakerState.WithLabelValues(b.name).Set(2)
	metrics.BreakerOpens.WithLabelValues(b.name).Inc()
}

func (b *Breaker) closeLocked() {
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	metrics.BreakerState.WithLabelValues(b.name).Set(0)
}
