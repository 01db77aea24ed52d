package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/adapter"
	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/authz"
	"github.com/toolgate/toolgate/internal/middleware"
	"github.com/toolgate/toolgate/internal/policy"
	"github.com/toolgate/toolgate/internal/toolerr"
)

// stubAdapter is an in-memory Adapter for pipeline tests.
type stubAdapter struct {
	name   string
	caps   []adapter.Capability
	result json.RawMessage
	err    error

	invokes    atomic.Int64
	mu         sync.Mutex
	lastParams map[string]interface{}

	stream []adapter.StreamChunk
}

func (s *stubAdapter) Name() string     { return s.name }
func (s *stubAdapter) Protocol() string { return "http" }

func (s *stubAdapter) Discover(ctx context.Context) ([]adapter.Capability, error) {
	return s.caps, nil
}

func (s *stubAdapter) ListCapabilities(ctx context.Context) ([]adapter.Capability, error) {
	return s.caps, nil
}

func (s *stubAdapter) Invoke(ctx context.Context, capability string, params map[string]interface{}) (json.RawMessage, error) {
	s.invokes.Add(1)
	s.mu.Lock()
	s.lastParams = params
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubAdapter) InvokeStream(ctx context.Context, capability string, params map[string]interface{}) (<-chan adapter.StreamChunk, error) {
	s.invokes.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	out := make(chan adapter.StreamChunk, len(s.stream))
	for _, c := range s.stream {
		out <- c
	}
	close(out)
	return out, nil
}

func (s *stubAdapter) Health(ctx context.Context) adapter.Health {
	return adapter.Health{Healthy: true, BreakerState: "closed"}
}

func (s *stubAdapter) Close() error { return nil }

// captureSink records flushed audit events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (s *captureSink) WriteBatch(ctx context.Context, batch []*audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) all() []*audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*audit.Event(nil), s.events...)
}

// scriptedEngine returns a fixed decision or error.
type scriptedEngine struct {
	decision *policy.Decision
	err      error
}

func (e *scriptedEngine) Evaluate(ctx context.Context, input *policy.Input) (*policy.Decision, error) {
	if e.err != nil {
		return nil, e.err
	}
	d := *e.decision
	return &d, nil
}

func (e *scriptedEngine) EvaluateA2A(ctx context.Context, input *policy.A2AInput) (*policy.Decision, error) {
	return e.Evaluate(ctx, nil)
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	adapter    *stubAdapter
	limiter    *middleware.RateLimiter
}

func newDispatcherFixture(t *testing.T, engine authz.Evaluator, stub *stubAdapter, rps float64, burst int) *dispatcherFixture {
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
	svc := authz.NewService(authz.Config{FailClosed: true}, engine, cache, nil, zap.NewNop())

	registry := adapter.NewRegistry()
	if err := registry.Register(stub); err != nil {
		t.Fatal(err)
	}

	limiter := middleware.NewRateLimiter(rps, burst)
	t.Cleanup(limiter.Stop)

	return &dispatcherFixture{
		dispatcher: NewDispatcher(registry, svc, limiter, nil, zap.NewNop()),
		adapter:    stub,
		limiter:    limiter,
	}
}

func echoStub() *stubAdapter {
	return &stubAdapter{
		name:   "fs-1",
		caps:   []adapter.Capability{{Name: "read_file"}},
		result: json.RawMessage(`{"content":"hello"}`),
	}
}

func invokeReq(capability string, params map[string]interface{}) InvokeRequest {
	return InvokeRequest{Protocol: "http", Server: "fs-1", Capability: capability, Params: params}
}

var alice = policy.Principal{ID: "alice", Roles: []string{"developer"}}

func TestDispatcherAllowInvokes(t *testing.T) {
	stub := echoStub()
	f := newDispatcherFixture(t, &scriptedEngine{decision: &policy.Decision{Allow: true, Reason: "role developer may read"}}, stub, 100, 100)

	res, err := f.dispatcher.Invoke(context.Background(), alice, invokeReq("read_file", map[string]interface{}{"path": "/tmp/a"}))
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Result) != `{"content":"hello"}` {
		t.Errorf("unexpected result: %s", res.Result)
	}
	if stub.invokes.Load() != 1 {
		t.Errorf("expected 1 adapter call, got %d", stub.invokes.Load())
	}
	if stub.lastParams["path"] != "/tmp/a" {
		t.Errorf("params not forwarded: %v", stub.lastParams)
	}
}

func TestDispatcherDenialNeverReachesAdapter(t *testing.T) {
	stub := echoStub()
	f := newDispatcherFixture(t, &scriptedEngine{decision: &policy.Decision{Allow: false, Reason: "capability is restricted to sre"}}, stub, 100, 100)

	_, err := f.dispatcher.Invoke(context.Background(), alice, invokeReq("read_file", nil))
	if toolerr.KindOf(err) != toolerr.KindPermissionDenied {
		t.Fatalf("expected permission_denied, got %v", err)
	}
	if !strings.Contains(err.Error(), "restricted to sre") {
		t.Errorf("denial must carry the policy reason: %v", err)
	}
	if stub.invokes.Load() != 0 {
		t.Errorf("denied call must not reach the adapter, got %d calls", stub.invokes.Load())
	}
}

func TestDispatcherFilteredParamsSubstituted(t *testing.T) {
	stub := echoStub()
	f := newDispatcherFixture(t, &scriptedEngine{decision: &policy.Decision{
		Allow:              true,
		Reason:             "allowed with filtering",
		FilteredParameters: map[string]interface{}{"path": "/tmp/safe"},
	}}, stub, 100, 100)

	_, err := f.dispatcher.Invoke(context.Background(), alice, invokeReq("read_file", map[string]interface{}{"path": "/etc/shadow"}))
	if err != nil {
		t.Fatal(err)
	}
	if stub.lastParams["path"] != "/tmp/safe" {
		t.Errorf("filtered parameters must replace the originals, provider saw %v", stub.lastParams)
	}
}

func TestDispatcherSchemaValidation(t *testing.T) {
	stub := echoStub()
	stub.caps[0].InputSchema = json.RawMessage(`{
		"type": "object",
		"required": ["path"],
		"properties": {"path": {"type": "string"}}
	}`)
	f := newDispatcherFixture(t, &scriptedEngine{decision: &policy.Decision{Allow: true, Reason: "ok"}}, stub, 100, 100)
	ctx := context.Background()

	_, err := f.dispatcher.Invoke(ctx, alice, invokeReq("read_file", map[string]interface{}{"other": 1}))
	if toolerr.KindOf(err) != toolerr.KindValidationFailed {
		t.Fatalf("expected validation_failed, got %v", err)
	}
	if stub.invokes.Load() != 0 {
		t.Errorf("invalid params must not reach the adapter")
	}

	if _, err := f.dispatcher.Invoke(ctx, alice, invokeReq("read_file", map[string]interface{}{"path": "/tmp/a"})); err != nil {
		t.Fatalf("valid params must pass: %v", err)
	}
}

func TestDispatcherRateLimit(t *testing.T) {
	stub := echoStub()
	f := newDispatcherFixture(t, &scriptedEngine{decision: &policy.Decision{Allow: true, Reason: "ok"}}, stub, 0.001, 1)
	ctx := context.Background()

	if _, err := f.dispatcher.Invoke(ctx, alice, invokeReq("read_file", nil)); err != nil {
		t.Fatal(err)
	}
	_, err := f.dispatcher.Invoke(ctx, alice, invokeReq("read_file", nil))
	if toolerr.KindOf(err) != toolerr.KindRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	if stub.invokes.Load() != 1 {
		t.Errorf("rate-limited call must not reach the adapter")
	}
}

func TestDispatcherUnknownServer(t *testing.T) {
	f := newDispatcherFixture(t, &scriptedEngine{decision: &policy.Decision{Allow: true, Reason: "ok"}}, echoStub(), 100, 100)

	_, err := f.dispatcher.Invoke(context.Background(), alice, InvokeRequest{Protocol: "grpc", Server: "nope", Capability: "x"})
	if toolerr.KindOf(err) != toolerr.KindValidationFailed {
		t.Errorf("expected validation_failed, got %v", err)
	}
}

func TestDispatcherStream(t *testing.T) {
	stub := echoStub()
	stub.stream = []adapter.StreamChunk{
		{Event: "line", Data: json.RawMessage(`{"n":0}`)},
		{Event: "line", Data: json.RawMessage(`{"n":1}`)},
	}
	f := newDispatcherFixture(t, &scriptedEngine{decision: &policy.Decision{Allow: true, Reason: "ok"}}, stub, 100, 100)

	ch, _, err := f.dispatcher.InvokeStream(context.Background(), alice, invokeReq("read_file", nil))
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for range ch {
		n++
	}
	if n != 2 {
		t.Errorf("expected 2 chunks, got %d", n)
	}
}

func TestDispatcherInvocationEventRecordsFilteredParams(t *testing.T) {
	stub := echoStub()
	f := newDispatcherFixture(t, &scriptedEngine{decision: &policy.Decision{
		Allow:              true,
		Reason:             "allowed with filtering",
		FilteredParameters: map[string]interface{}{"path": "/tmp/safe", "token": "sekrit"},
		Sensitive:          []string{"token"},
	}}, stub, 100, 100)

	sink := &captureSink{}
	pipeline := audit.NewPipeline(audit.Config{QueueCapacity: 16, BatchSize: 1, BatchMaxAge: 10 * time.Millisecond, DropPolicy: "block"}, sink, nil, zap.NewNop())
	pipeline.Start()
	f.dispatcher.audit = pipeline

	if _, err := f.dispatcher.Invoke(context.Background(), alice, invokeReq("read_file", map[string]interface{}{"path": "/etc/shadow", "token": "sekrit"})); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pipeline.Close(ctx); err != nil {
		t.Fatal(err)
	}

	var ev *audit.Event
	for _, e := range sink.all() {
		if e.Kind == audit.EventInvocationCompleted {
			ev = e
		}
	}
	if ev == nil {
		t.Fatal("no invocation event emitted")
	}
	if !ev.Allow || ev.Reason != "allowed with filtering" {
		t.Errorf("event must carry the allow decision: allow=%v reason=%q", ev.Allow, ev.Reason)
	}
	if !ev.Filtered {
		t.Error("filtered flag not set on the event")
	}
	if ev.Params["path"] != "/tmp/safe" {
		t.Errorf("event must record the filtered parameters, not the originals: %v", ev.Params)
	}
	if ev.Params["token"] != "[REDACTED]" {
		t.Errorf("sensitive values must be masked in the event: %v", ev.Params)
	}
	if ev.Context["correlation_id"] == "" {
		t.Error("event missing correlation id")
	}
}

func TestRedactParams(t *testing.T) {
	params := map[string]interface{}{"path": "/tmp/a", "api_key": "sekrit"}
	out := RedactParams(params, []string{"api_key"})
	if out["api_key"] != "[REDACTED]" {
		t.Errorf("sensitive field not masked: %v", out)
	}
	if out["path"] != "/tmp/a" {
		t.Errorf("non-sensitive field altered: %v", out)
	}
	if params["api_key"] != "sekrit" {
		t.Errorf("input map must not be mutated")
	}
}
