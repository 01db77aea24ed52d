package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/toolgate/toolgate/internal/resilience"
	"github.com/toolgate/toolgate/internal/toolerr"
)

var echoCapabilities = []Capability{
	{Name: "ping", FullMethod: "/test.Echo/Ping", RPCKind: "unary"},
	{Name: "deny", FullMethod: "/test.Echo/Deny", RPCKind: "unary"},
	{Name: "flaky", FullMethod: "/test.Echo/Flaky", RPCKind: "unary"},
	{Name: "tail", FullMethod: "/test.Echo/Tail", RPCKind: "server_stream"},
	{Name: "chat", FullMethod: "/test.Echo/Chat", RPCKind: "bidi"},
}

// startEchoServer runs an in-memory grpc server that answers any method via
// the unknown-service handler, so no generated stubs are needed.
func startEchoServer(t *testing.T, flakyFailures *atomic.Int64) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer(
		grpc.ForceServerCodec(rawJSONCodec{}),
		grpc.UnknownServiceHandler(func(_ interface{}, stream grpc.ServerStream) error {
			method, _ := grpc.MethodFromServerStream(stream)
			var req jsonFrame
			if err := stream.RecvMsg(&req); err != nil {
				return err
			}
			switch method {
			case "/test.Echo/Ping":
				resp := jsonFrame(fmt.Sprintf(`{"echo":%s}`, req))
				return stream.SendMsg(&resp)
			case "/test.Echo/Deny":
				return status.Error(codes.PermissionDenied, "capability forbidden")
			case "/test.Echo/Flaky":
				if flakyFailures != nil && flakyFailures.Add(-1) >= 0 {
					return status.Error(codes.Unavailable, "backend restarting")
				}
				resp := jsonFrame(`{"ok":true}`)
				return stream.SendMsg(&resp)
			case "/test.Echo/Tail":
				for i := 0; i < 3; i++ {
					frame := jsonFrame(fmt.Sprintf(`{"n":%d}`, i))
					if err := stream.SendMsg(&frame); err != nil {
						return err
					}
				}
				return nil
			case "/test.Echo/Chat":
				// The first frame was already consumed into req above.
				if err := stream.SendMsg(&req); err != nil {
					return err
				}
				for {
					var frame jsonFrame
					if err := stream.RecvMsg(&frame); err != nil {
						if err == io.EOF {
							return nil
						}
						return err
					}
					if err := stream.SendMsg(&frame); err != nil {
						return err
					}
				}
			default:
				return status.Error(codes.Unimplemented, method)
			}
		}),
	)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis
}

func newGRPCTestAdapter(t *testing.T, lis *bufconn.Listener, mutate func(*GRPCConfig)) *GRPCAdapter {
	t.Helper()
	cfg := GRPCConfig{
		Name:           "echo",
		Target:         "passthrough:///bufnet",
		Capabilities:   echoCapabilities,
		RequestTimeout: 5 * time.Second,
		Retry:          resilience.RetryConfig{MaxAttempts: 1},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := NewGRPCAdapter(cfg, zap.NewNop(), grpc.WithContextDialer(
		func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestGRPCUnaryEcho(t *testing.T) {
	lis := startEchoServer(t, nil)
	a := newGRPCTestAdapter(t, lis, nil)

	raw, err := a.Invoke(context.Background(), "ping", map[string]interface{}{"msg": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Echo map[string]string `json:"echo"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out.Echo["msg"] != "hi" {
		t.Errorf("unexpected response: %s", raw)
	}
}

func TestGRPCPermissionDeniedNotRetried(t *testing.T) {
	lis := startEchoServer(t, nil)
	a := newGRPCTestAdapter(t, lis, func(cfg *GRPCConfig) {
		cfg.Retry = resilience.RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}
	})

	start := time.Now()
	_, err := a.Invoke(context.Background(), "deny", nil)
	if toolerr.KindOf(err) != toolerr.KindPermissionDenied {
		t.Fatalf("expected permission_denied, got %v", err)
	}
	// Five backoff rounds would take visible time; a denial must return at once.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("denial appears to have been retried, took %s", elapsed)
	}
}

func TestGRPCRetriesUnavailable(t *testing.T) {
	var failures atomic.Int64
	failures.Store(2)
	lis := startEchoServer(t, &failures)
	a := newGRPCTestAdapter(t, lis, func(cfg *GRPCConfig) {
		cfg.Retry = resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	})

	raw, err := a.Invoke(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatalf("retries must absorb transient unavailability: %v", err)
	}
	var out map[string]bool
	_ = json.Unmarshal(raw, &out)
	if !out["ok"] {
		t.Errorf("unexpected response: %s", raw)
	}
}

func TestGRPCServerStream(t *testing.T) {
	lis := startEchoServer(t, nil)
	a := newGRPCTestAdapter(t, lis, nil)

	ch, err := a.InvokeStream(context.Background(), "tail", map[string]interface{}{"path": "/var/log"})
	if err != nil {
		t.Fatal(err)
	}
	var got []int
	for c := range ch {
		if c.Err != nil {
			t.Fatal(c.Err)
		}
		var frame struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(c.Data, &frame); err != nil {
			t.Fatal(err)
		}
		got = append(got, frame.N)
	}
	if len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Errorf("unexpected stream: %v", got)
	}
}

func TestGRPCStreamRejectsUnary(t *testing.T) {
	lis := startEchoServer(t, nil)
	a := newGRPCTestAdapter(t, lis, nil)

	_, err := a.InvokeStream(context.Background(), "ping", nil)
	if toolerr.KindOf(err) != toolerr.KindValidationFailed {
		t.Errorf("expected validation_failed for unary capability, got %v", err)
	}
}

func TestGRPCDuplexStream(t *testing.T) {
	lis := startEchoServer(t, nil)
	a := newGRPCTestAdapter(t, lis, nil)

	s, err := a.OpenStream(context.Background(), "chat")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		msg := json.RawMessage(fmt.Sprintf(`{"turn":%d}`, i))
		if err := s.Send(msg); err != nil {
			t.Fatal(err)
		}
		back, err := s.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if string(back) != string(msg) {
			t.Errorf("turn %d: sent %s got %s", i, msg, back)
		}
	}
	if err := s.CloseSend(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Recv(); err != io.EOF {
		t.Errorf("expected clean EOF, got %v", err)
	}
}

func TestGRPCStatusClassification(t *testing.T) {
	cases := []struct {
		code codes.Code
		kind toolerr.Kind
	}{
		{codes.Unavailable, toolerr.KindUpstreamUnavailable},
		{codes.DeadlineExceeded, toolerr.KindDeadlineExceeded},
		{codes.Canceled, toolerr.KindCancelled},
		{codes.PermissionDenied, toolerr.KindPermissionDenied},
		{codes.Unauthenticated, toolerr.KindAuthFailed},
		{codes.ResourceExhausted, toolerr.KindRateLimited},
		{codes.Aborted, toolerr.KindTransportReset},
		{codes.InvalidArgument, toolerr.KindProviderError},
	}
	for _, tc := range cases {
		t.Run(tc.code.String(), func(t *testing.T) {
			err := classifyGRPC(status.Error(tc.code, "x"))
			if toolerr.KindOf(err) != tc.kind {
				t.Errorf("%s: expected %s, got %s", tc.code, tc.kind, toolerr.KindOf(err))
			}
		})
	}
}

func TestGRPCHealth(t *testing.T) {
	lis := startEchoServer(t, nil)
	a := newGRPCTestAdapter(t, lis, nil)

	h := a.Health(context.Background())
	if !h.Healthy {
		t.Errorf("expected healthy channel, got %+v", h)
	}
	if h.BreakerState != "closed" {
		t.Errorf("expected closed breaker, got %s", h.BreakerState)
	}
}
