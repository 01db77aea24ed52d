package authz

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/policy"
	"github.com/toolgate/toolgate/internal/toolerr"
)

type fakeEngine struct {
	calls    atomic.Int32
	decision *policy.Decision
	err      error
}

func (f *fakeEngine) Evaluate(ctx context.Context, input *policy.Input) (*policy.Decision, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	d := *f.decision
	return &d, nil
}

func (f *fakeEngine) EvaluateA2A(ctx context.Context, input *policy.A2AInput) (*policy.Decision, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	d := *f.decision
	return &d, nil
}

func newTestService(t *testing.T, cfg Config, engine Evaluator) *Service {
	t.Helper()
	cache, err := policy.NewDecisionCache(policy.CacheConfig{
		Capacity:   64,
		DefaultTTL: time.Minute,
		MaxTTL:     time.Hour,
		DenyTTLMax: time.Minute,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return NewService(cfg, engine, cache, nil, zap.NewNop())
}

func TestAuthorizeAllowCachesDecision(t *testing.T) {
	engine := &fakeEngine{decision: &policy.Decision{Allow: true, Reason: "role developer may invoke"}}
	svc := newTestService(t, Config{FailClosed: true}, engine)
	ctx := context.Background()

	principal := policy.Principal{ID: "alice", Roles: []string{"developer"}}
	target := policy.Target{Protocol: "http", Server: "fs-1", Capability: "read_file"}
	params := map[string]interface{}{"path": "/tmp/a"}

	d1, err := svc.Authorize(ctx, principal, "invoke", target, params)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := svc.Authorize(ctx, principal, "invoke", target, params)
	if err != nil {
		t.Fatal(err)
	}

	if !d1.Allow || !d2.Allow {
		t.Error("expected allow")
	}
	if got := engine.calls.Load(); got != 1 {
		t.Fatalf("second call must hit the cache, engine saw %d calls", got)
	}
}

func TestAuthorizeDenyHasReason(t *testing.T) {
	engine := &fakeEngine{decision: &policy.Decision{Allow: false, Reason: "viewer cannot invoke critical tools"}}
	svc := newTestService(t, Config{FailClosed: true}, engine)

	d, err := svc.Authorize(context.Background(),
		policy.Principal{ID: "bob", Roles: []string{"viewer"}},
		"invoke",
		policy.Target{Protocol: "http", Server: "db-1", Capability: "drop_table", Sensitivity: "critical"},
		nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Fatal("expected deny")
	}
	if d.Reason == "" {
		t.Error("denials must carry a reason")
	}
}

func TestAuthorizeNilParamsEqualsEmpty(t *testing.T) {
	engine := &fakeEngine{decision: &policy.Decision{Allow: true, Reason: "ok"}}
	svc := newTestService(t, Config{FailClosed: true}, engine)
	ctx := context.Background()

	principal := policy.Principal{ID: "alice"}
	target := policy.Target{Protocol: "http", Server: "fs-1", Capability: "list"}

	if _, err := svc.Authorize(ctx, principal, "invoke", target, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Authorize(ctx, principal, "invoke", target, map[string]interface{}{}); err != nil {
		t.Fatal(err)
	}
	if got := engine.calls.Load(); got != 1 {
		t.Fatalf("nil and empty params must share one cache entry, engine saw %d calls", got)
	}
}

func TestAuthorizeFailClosed(t *testing.T) {
	engine := &fakeEngine{err: toolerr.E(toolerr.KindUpstreamUnavailable, "policy engine unreachable")}
	svc := newTestService(t, Config{FailClosed: true}, engine)

	d, err := svc.Authorize(context.Background(),
		policy.Principal{ID: "alice"}, "invoke",
		policy.Target{Protocol: "http", Server: "fs-1", Capability: "read_file"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Fatal("fail-closed must deny when the engine is unreachable")
	}
	if d.Reason != ReasonPolicyUnavailable {
		t.Errorf("expected reason %q, got %q", ReasonPolicyUnavailable, d.Reason)
	}
}

func TestAuthorizeFailClosedOnCircuitOpen(t *testing.T) {
	engine := &fakeEngine{err: toolerr.E(toolerr.KindCircuitOpen, "breaker policy-engine is open")}
	svc := newTestService(t, Config{FailClosed: true}, engine)

	d, err := svc.Authorize(context.Background(),
		policy.Principal{ID: "alice"}, "invoke",
		policy.Target{Protocol: "http", Server: "fs-1", Capability: "read_file"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow || d.Reason != ReasonPolicyUnavailable {
		t.Fatalf("open breaker must synthesize deny, got %+v", d)
	}
}

func TestAuthorizeFailOpen(t *testing.T) {
	engine := &fakeEngine{err: toolerr.E(toolerr.KindUpstreamUnavailable, "policy engine unreachable")}
	svc := newTestService(t, Config{FailClosed: false}, engine)

	d, err := svc.Authorize(context.Background(),
		policy.Principal{ID: "alice"}, "invoke",
		policy.Target{Protocol: "http", Server: "fs-1", Capability: "read_file"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allow {
		t.Fatal("fail-open must allow when the engine is unreachable")
	}
}

func TestAuthorizeSyntheticDenyNotCached(t *testing.T) {
	engine := &fakeEngine{err: toolerr.E(toolerr.KindUpstreamUnavailable, "policy engine unreachable")}
	svc := newTestService(t, Config{FailClosed: true}, engine)
	ctx := context.Background()

	principal := policy.Principal{ID: "alice"}
	target := policy.Target{Protocol: "http", Server: "fs-1", Capability: "read_file"}

	if _, err := svc.Authorize(ctx, principal, "invoke", target, nil); err != nil {
		t.Fatal(err)
	}

	// Engine recovers; the next call must reach it instead of a cached deny.
	engine.err = nil
	engine.decision = &policy.Decision{Allow: true, Reason: "ok"}
	d, err := svc.Authorize(ctx, principal, "invoke", target, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allow {
		t.Fatal("synthetic denials must not outlive the outage")
	}
	if got := engine.calls.Load(); got != 2 {
		t.Fatalf("expected 2 engine calls, got %d", got)
	}
}

func TestAuthorizeCancellationPropagates(t *testing.T) {
	engine := &fakeEngine{err: toolerr.E(toolerr.KindCancelled, "caller went away")}
	svc := newTestService(t, Config{FailClosed: true}, engine)

	_, err := svc.Authorize(context.Background(),
		policy.Principal{ID: "alice"}, "invoke",
		policy.Target{Protocol: "http", Server: "fs-1", Capability: "read_file"}, nil)
	if err == nil {
		t.Fatal("cancellation must surface as an error, not a synthetic decision")
	}
	if toolerr.KindOf(err) != toolerr.KindCancelled {
		t.Errorf("expected cancelled, got %s", toolerr.KindOf(err))
	}
}

func TestAuthorizeA2ACachesTuple(t *testing.T) {
	engine := &fakeEngine{decision: &policy.Decision{Allow: true, Reason: "agents in same team"}}
	svc := newTestService(t, Config{FailClosed: true}, engine)
	ctx := context.Background()

	if _, err := svc.AuthorizeA2A(ctx, "agent-a", "agent-b", "summarize"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AuthorizeA2A(ctx, "agent-a", "agent-b", "summarize"); err != nil {
		t.Fatal(err)
	}
	if got := engine.calls.Load(); got != 1 {
		t.Fatalf("a2a tuple must cache, engine saw %d calls", got)
	}

	if _, err := svc.AuthorizeA2A(ctx, "agent-a", "agent-c", "summarize"); err != nil {
		t.Fatal(err)
	}
	if got := engine.calls.Load(); got != 2 {
		t.Fatalf("different target agent must evaluate separately, engine saw %d calls", got)
	}
}

func TestInvalidateForPolicyChange(t *testing.T) {
	engine := &fakeEngine{decision: &policy.Decision{Allow: true, Reason: "ok"}}
	svc := newTestService(t, Config{FailClosed: true}, engine)
	ctx := context.Background()

	principal := policy.Principal{ID: "alice"}
	target := policy.Target{Protocol: "http", Server: "fs-1", Capability: "read_file"}

	if _, err := svc.Authorize(ctx, principal, "invoke", target, nil); err != nil {
		t.Fatal(err)
	}
	svc.InvalidateForPolicyChange(ctx)
	if _, err := svc.Authorize(ctx, principal, "invoke", target, nil); err != nil {
		t.Fatal(err)
	}
	if got := engine.calls.Load(); got != 2 {
		t.Fatalf("policy change must force re-evaluation, engine saw %d calls", got)
	}
}
