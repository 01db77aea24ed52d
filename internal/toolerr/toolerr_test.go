package toolerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	if got := KindOf(E(KindRateLimited, "slow down")); got != KindRateLimited {
		t.Errorf("expected rate_limited, got %s", got)
	}

	wrapped := fmt.Errorf("dispatch failed: %w", E(KindCircuitOpen, "breaker open"))
	if got := KindOf(wrapped); got != KindCircuitOpen {
		t.Errorf("expected circuit_open through wrapping, got %s", got)
	}

	if got := KindOf(context.DeadlineExceeded); got != KindDeadlineExceeded {
		t.Errorf("expected deadline_exceeded, got %s", got)
	}

	if got := KindOf(context.Canceled); got != KindCancelled {
		t.Errorf("expected cancelled, got %s", got)
	}

	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("unclassified errors must map to internal_error, got %s", got)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindDeadlineExceeded, true},
		{KindUpstreamUnavailable, true},
		{KindTransportReset, true},
		{KindPermissionDenied, false},
		{KindProviderError, false},
		{KindCancelled, false},
		{KindValidationFailed, false},
	}
	for _, c := range cases {
		if got := Retryable(E(c.kind, "x")); got != c.want {
			t.Errorf("Retryable(%s) = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestCountsAsBreakerFailure(t *testing.T) {
	if CountsAsBreakerFailure(E(KindPermissionDenied, "no")) {
		t.Error("permission denials must not trip the breaker")
	}
	if CountsAsBreakerFailure(E(KindProviderError, "bad arg")) {
		t.Error("provider errors must not trip the breaker")
	}
	if !CountsAsBreakerFailure(E(KindUpstreamUnavailable, "conn refused")) {
		t.Error("transport failures must trip the breaker")
	}
	if !CountsAsBreakerFailure(errors.New("unknown")) {
		t.Error("unclassified failures count against the breaker")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(KindUpstreamUnavailable, "provider unreachable", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	if ReasonOf(err) != "provider unreachable" {
		t.Errorf("unexpected reason: %s", ReasonOf(err))
	}
}
