package adapter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	v1alpha "google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/toolgate/toolgate/internal/resilience"
	"github.com/toolgate/toolgate/internal/toolerr"
)

// GRPCConfig configures one gRPC adapter resource.
type GRPCConfig struct {
	Name   string
	Target string

	// Reflection enables capability discovery via server reflection.
	// When false, Capabilities supplies the descriptor set.
	Reflection   bool
	Capabilities []Capability

	// mTLS credentials; empty files mean an insecure channel.
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string

	// AuthToken is attached as bearer metadata on every call.
	AuthToken string

	RequestTimeout time.Duration
	DiscoveryTTL   time.Duration

	Breaker resilience.BreakerConfig
	Retry   resilience.RetryConfig
}

// GRPCAdapter invokes tools over one keepalive-managed channel per resource.
// Request and response bodies cross the wire as raw JSON frames, so no
// generated stubs are needed for provider methods.
type GRPCAdapter struct {
	cfg    GRPCConfig
	conn   *grpc.ClientConn
	stack  *resilience.Stack
	caps   *capabilityCache
	logger *zap.Logger
}

// NewGRPCAdapter dials the target. Extra dial options are appended after the
// defaults (tests use this to inject an in-memory listener).
func NewGRPCAdapter(cfg GRPCConfig, logger *zap.Logger, extraOpts ...grpc.DialOption) (*GRPCAdapter, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	creds, err := transportCredentials(cfg)
	if err != nil {
		return nil, err
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if cfg.AuthToken != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(tokenCreds{token: cfg.AuthToken}))
	}
	opts = append(opts, extraOpts...)

	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial grpc target %q: %w", cfg.Target, err)
	}

	a := &GRPCAdapter{
		cfg:  cfg,
		conn: conn,
		stack: &resilience.Stack{
			Breaker:        resilience.NewBreaker("grpc/"+cfg.Name, cfg.Breaker),
			Retry:          cfg.Retry,
			AttemptTimeout: cfg.RequestTimeout,
		},
		caps:   newCapabilityCache(cfg.DiscoveryTTL),
		logger: logger,
	}
	if !cfg.Reflection {
		a.caps.set(cfg.Capabilities)
	}
	return a, nil
}

func transportCredentials(cfg GRPCConfig) (credentials.TransportCredentials, error) {
	if cfg.TLSCertFile == "" {
		return insecure.NewCredentials(), nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client keypair: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if cfg.TLSCAFile != "" {
		caPEM, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates in CA file %q", cfg.TLSCAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return credentials.NewTLS(tlsCfg), nil
}

// tokenCreds attaches a static bearer token as call metadata.
type tokenCreds struct {
	token string
}

func (c tokenCreds) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + c.token}, nil
}

func (c tokenCreds) RequireTransportSecurity() bool { return false }

// jsonFrame carries a raw JSON message through the grpc codec.
type jsonFrame []byte

// rawJSONCodec moves jsonFrame bytes through grpc unchanged. Descriptor
// messages still use the default proto codec because ForceCodec is applied
// per call.
type rawJSONCodec struct{}

func (rawJSONCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*jsonFrame)
	if !ok {
		return nil, fmt.Errorf("raw json codec: unexpected type %T", v)
	}
	return *f, nil
}

func (rawJSONCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*jsonFrame)
	if !ok {
		return fmt.Errorf("raw json codec: unexpected type %T", v)
	}
	*f = append((*f)[:0], data...)
	return nil
}

func (rawJSONCodec) Name() string { return "json" }

func (a *GRPCAdapter) Name() string     { return a.cfg.Name }
func (a *GRPCAdapter) Protocol() string { return "grpc" }

// Breaker exposes the resource breaker for health reporting.
func (a *GRPCAdapter) Breaker() *resilience.Breaker { return a.stack.Breaker }

// Discover lists services through server reflection and decodes their
// descriptors into capabilities. With reflection disabled the configured
// descriptor set is returned as-is.
func (a *GRPCAdapter) Discover(ctx context.Context) ([]Capability, error) {
	if !a.cfg.Reflection {
		return a.cfg.Capabilities, nil
	}
	caps, err := a.reflectCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	a.caps.set(caps)
	return caps, nil
}

// ListCapabilities returns the cached set, discovering when needed.
func (a *GRPCAdapter) ListCapabilities(ctx context.Context) ([]Capability, error) {
	if !a.cfg.Reflection {
		return a.cfg.Capabilities, nil
	}
	return a.caps.get(ctx, a.reflectCapabilities)
}

func (a *GRPCAdapter) reflectCapabilities(ctx context.Context) ([]Capability, error) {
	client := v1alpha.NewServerReflectionClient(a.conn)
	stream, err := client.ServerReflectionInfo(ctx)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindDiscoveryFailed, "open reflection stream", err)
	}
	defer stream.CloseSend()

	if err := stream.Send(&v1alpha.ServerReflectionRequest{
		MessageRequest: &v1alpha.ServerReflectionRequest_ListServices{ListServices: ""},
	}); err != nil {
		return nil, toolerr.Wrap(toolerr.KindDiscoveryFailed, "list services", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindDiscoveryFailed, "receive service list", err)
	}
	listing := resp.GetListServicesResponse()
	if listing == nil {
		return nil, toolerr.E(toolerr.KindDiscoveryFailed, "reflection returned no service list")
	}

	var caps []Capability
	for _, svc := range listing.GetService() {
		name := svc.GetName()
		if strings.HasPrefix(name, "grpc.reflection.") || strings.HasPrefix(name, "grpc.health.") {
			continue
		}
		svcCaps, err := a.reflectService(stream, name)
		if err != nil {
			return nil, err
		}
		caps = append(caps, svcCaps...)
	}
	return caps, nil
}

// reflectService fetches the file descriptor containing the service and
// flattens its methods into capabilities.
func (a *GRPCAdapter) reflectService(stream v1alpha.ServerReflection_ServerReflectionInfoClient, service string) ([]Capability, error) {
	if err := stream.Send(&v1alpha.ServerReflectionRequest{
		MessageRequest: &v1alpha.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: service},
	}); err != nil {
		return nil, toolerr.Wrap(toolerr.KindDiscoveryFailed, "request descriptor for "+service, err)
	}
	resp, err := stream.Recv()
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindDiscoveryFailed, "receive descriptor for "+service, err)
	}
	fdResp := resp.GetFileDescriptorResponse()
	if fdResp == nil {
		return nil, toolerr.Ef(toolerr.KindDiscoveryFailed, "no descriptor for service %s", service)
	}

	var caps []Capability
	for _, raw := range fdResp.GetFileDescriptorProto() {
		fd := &descriptorpb.FileDescriptorProto{}
		if err := proto.Unmarshal(raw, fd); err != nil {
			return nil, toolerr.Wrap(toolerr.KindDiscoveryFailed, "decode file descriptor", err)
		}
		pkg := fd.GetPackage()
		for _, svc := range fd.GetService() {
			full := svc.GetName()
			if pkg != "" {
				full = pkg + "." + svc.GetName()
			}
			if full != service {
				continue
			}
			for _, m := range svc.GetMethod() {
				caps = append(caps, Capability{
					Name:       m.GetName(),
					FullMethod: "/" + full + "/" + m.GetName(),
					RPCKind:    rpcKind(m.GetClientStreaming(), m.GetServerStreaming()),
				})
			}
		}
	}
	if len(caps) == 0 {
		return nil, toolerr.Ef(toolerr.KindDiscoveryFailed, "service %s has no methods in its descriptor", service)
	}
	return caps, nil
}

func rpcKind(clientStream, serverStream bool) string {
	switch {
	case clientStream && serverStream:
		return "bidi"
	case clientStream:
		return "client_stream"
	case serverStream:
		return "server_stream"
	default:
		return "unary"
	}
}

// Invoke performs a unary call through the resilience stack.
func (a *GRPCAdapter) Invoke(ctx context.Context, capability string, params map[string]interface{}) (json.RawMessage, error) {
	caps, err := a.ListCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	c, err := findCapability(caps, capability)
	if err != nil {
		return nil, err
	}

	in, err := json.Marshal(params)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindInternal, "marshal parameters", err)
	}

	var result json.RawMessage
	err = a.stack.Do(ctx, func(ctx context.Context) error {
		req := jsonFrame(in)
		var resp jsonFrame
		if err := a.conn.Invoke(ctx, c.FullMethod, &req, &resp, grpc.ForceCodec(rawJSONCodec{})); err != nil {
			return classifyGRPC(err)
		}
		result = json.RawMessage(resp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// InvokeStream opens a server-streaming (or bidi) call, sends the parameter
// message, and yields response frames lazily. Streams are never retried.
func (a *GRPCAdapter) InvokeStream(ctx context.Context, capability string, params map[string]interface{}) (<-chan StreamChunk, error) {
	caps, err := a.ListCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	c, err := findCapability(caps, capability)
	if err != nil {
		return nil, err
	}
	if c.RPCKind != "server_stream" && c.RPCKind != "bidi" {
		return nil, toolerr.Ef(toolerr.KindValidationFailed, "capability %s is %s, not streaming", capability, c.RPCKind)
	}

	in, err := json.Marshal(params)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindInternal, "marshal parameters", err)
	}

	desc := &grpc.StreamDesc{
		StreamName:    c.Name,
		ServerStreams: true,
		ClientStreams: c.RPCKind == "bidi",
	}
	stream, err := a.conn.NewStream(ctx, desc, c.FullMethod, grpc.ForceCodec(rawJSONCodec{}))
	if err != nil {
		return nil, classifyGRPC(err)
	}
	req := jsonFrame(in)
	if err := stream.SendMsg(&req); err != nil {
		return nil, classifyGRPC(err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, classifyGRPC(err)
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		for {
			var frame jsonFrame
			if err := stream.RecvMsg(&frame); err != nil {
				if err == io.EOF {
					return
				}
				select {
				case out <- StreamChunk{Err: classifyGRPC(err)}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- StreamChunk{Data: json.RawMessage(frame)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// OpenStream returns a raw duplex handle for client-streaming and bidi
// callers that need to send more than one message.
func (a *GRPCAdapter) OpenStream(ctx context.Context, capability string) (*DuplexStream, error) {
	caps, err := a.ListCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	c, err := findCapability(caps, capability)
	if err != nil {
		return nil, err
	}
	if c.RPCKind == "unary" {
		return nil, toolerr.Ef(toolerr.KindValidationFailed, "capability %s is unary", capability)
	}
	desc := &grpc.StreamDesc{
		StreamName:    c.Name,
		ServerStreams: c.RPCKind == "server_stream" || c.RPCKind == "bidi",
		ClientStreams: c.RPCKind == "client_stream" || c.RPCKind == "bidi",
	}
	stream, err := a.conn.NewStream(ctx, desc, c.FullMethod, grpc.ForceCodec(rawJSONCodec{}))
	if err != nil {
		return nil, classifyGRPC(err)
	}
	return &DuplexStream{stream: stream}, nil
}

// DuplexStream exchanges raw JSON frames on an open grpc stream.
type DuplexStream struct {
	stream grpc.ClientStream
}

// Send writes one JSON frame.
func (s *DuplexStream) Send(msg json.RawMessage) error {
	frame := jsonFrame(msg)
	if err := s.stream.SendMsg(&frame); err != nil {
		return classifyGRPC(err)
	}
	return nil
}

// CloseSend half-closes the send side.
func (s *DuplexStream) CloseSend() error { return s.stream.CloseSend() }

// Recv reads one JSON frame; io.EOF marks the clean end of the stream.
func (s *DuplexStream) Recv() (json.RawMessage, error) {
	var frame jsonFrame
	if err := s.stream.RecvMsg(&frame); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, classifyGRPC(err)
	}
	return json.RawMessage(frame), nil
}

// classifyGRPC maps grpc status codes onto the error taxonomy. Unavailable
// and deadline errors are transient; invalid argument and friends surface
// directly as provider errors.
func classifyGRPC(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return toolerr.Wrap(toolerr.KindUpstreamUnavailable, "grpc transport failure", err)
	}
	switch st.Code() {
	case codes.OK:
		return nil
	case codes.Unavailable:
		return toolerr.Wrap(toolerr.KindUpstreamUnavailable, st.Message(), err)
	case codes.DeadlineExceeded:
		return toolerr.Wrap(toolerr.KindDeadlineExceeded, st.Message(), err)
	case codes.Canceled:
		return toolerr.Wrap(toolerr.KindCancelled, st.Message(), err)
	case codes.PermissionDenied:
		return toolerr.Wrap(toolerr.KindPermissionDenied, st.Message(), err)
	case codes.Unauthenticated:
		return toolerr.Wrap(toolerr.KindAuthFailed, st.Message(), err)
	case codes.ResourceExhausted:
		return toolerr.Wrap(toolerr.KindRateLimited, st.Message(), err)
	case codes.Aborted:
		return toolerr.Wrap(toolerr.KindTransportReset, st.Message(), err)
	default:
		return toolerr.Wrap(toolerr.KindProviderError, st.Message(), err)
	}
}

// Health reports channel connectivity and the breaker state.
func (a *GRPCAdapter) Health(ctx context.Context) Health {
	state := a.conn.GetState()
	return Health{
		Healthy:      state == connectivity.Ready || state == connectivity.Idle,
		State:        state.String(),
		BreakerState: a.stack.Breaker.State().String(),
	}
}

// Close tears the channel down.
func (a *GRPCAdapter) Close() error {
	return a.conn.Close()
}

var _ Adapter = (*GRPCAdapter)(nil)
