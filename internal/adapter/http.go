package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/resilience"
	"github.com/toolgate/toolgate/internal/toolerr"
)

// HTTPConfig configures one HTTP/SSE adapter resource.
type HTTPConfig struct {
	Name         string
	BaseURL      string
	DiscoveryURL string
	AuthToken    string

	MaxConns       int
	RequestTimeout time.Duration
	DiscoveryTTL   time.Duration

	Breaker resilience.BreakerConfig
	Retry   resilience.RetryConfig
}

// HTTPAdapter invokes tools over HTTP with JSON bodies and streams via
// server-sent events. One pooled client per resource.
type HTTPAdapter struct {
	cfg    HTTPConfig
	client *http.Client
	stack  *resilience.Stack
	caps   *capabilityCache
	logger *zap.Logger
}

// NewHTTPAdapter creates the adapter. The connection pool is bounded per
// resource so one slow provider cannot exhaust sockets.
func NewHTTPAdapter(cfg HTTPConfig, logger *zap.Logger) *HTTPAdapter {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 50
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxConnsPerHost:     cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxConns,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPAdapter{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		stack: &resilience.Stack{
			Breaker:        resilience.NewBreaker("http/"+cfg.Name, cfg.Breaker),
			Retry:          cfg.Retry,
			AttemptTimeout: cfg.RequestTimeout,
		},
		caps:   newCapabilityCache(cfg.DiscoveryTTL),
		logger: logger,
	}
}

func (a *HTTPAdapter) Name() string     { return a.cfg.Name }
func (a *HTTPAdapter) Protocol() string { return "http" }

// Breaker exposes the resource breaker for health reporting.
func (a *HTTPAdapter) Breaker() *resilience.Breaker { return a.stack.Breaker }

// discoveryDocument is the capability descriptor served at the discovery URL.
type discoveryDocument struct {
	Capabilities []Capability `json:"capabilities"`
}

// Discover fetches the capability descriptor. Failures never register
// capabilities; the previous set, if any, stays in place.
func (a *HTTPAdapter) Discover(ctx context.Context) ([]Capability, error) {
	caps, err := a.fetchCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	a.caps.set(caps)
	return caps, nil
}

// ListCapabilities returns the cached set, discovering when needed.
func (a *HTTPAdapter) ListCapabilities(ctx context.Context) ([]Capability, error) {
	return a.caps.get(ctx, a.fetchCapabilities)
}

func (a *HTTPAdapter) fetchCapabilities(ctx context.Context) ([]Capability, error) {
	if a.cfg.DiscoveryURL == "" {
		return nil, toolerr.Ef(toolerr.KindDiscoveryFailed, "resource %s has no discovery url", a.cfg.Name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.DiscoveryURL, nil)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindDiscoveryFailed, "build discovery request", err)
	}
	a.authenticate(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindDiscoveryFailed, "fetch capability document", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, toolerr.Ef(toolerr.KindDiscoveryFailed, "discovery endpoint returned %d", resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, toolerr.Wrap(toolerr.KindDiscoveryFailed, "decode capability document", err)
	}
	return doc.Capabilities, nil
}

// Invoke performs one JSON call through the resilience stack. Only network
// errors, timeouts, and 5xx are retried; 4xx surfaces immediately.
func (a *HTTPAdapter) Invoke(ctx context.Context, capability string, params map[string]interface{}) (json.RawMessage, error) {
	caps, err := a.ListCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	c, err := findCapability(caps, capability)
	if err != nil {
		return nil, err
	}

	var result json.RawMessage
	err = a.stack.Do(ctx, func(ctx context.Context) error {
		r, err := a.invokeOnce(ctx, c, params)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (a *HTTPAdapter) invokeOnce(ctx context.Context, c Capability, params map[string]interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindInternal, "marshal parameters", err)
	}

	method := c.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+c.Path, bytes.NewReader(body))
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	a.authenticate(req)

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, toolerr.Wrap(toolerr.KindCancelled, "invocation cancelled", err)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, toolerr.Wrap(toolerr.KindDeadlineExceeded, "invocation deadline exceeded", err)
		}
		return nil, toolerr.Wrap(toolerr.KindUpstreamUnavailable, "provider unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindTransportReset, "read provider response", err)
	}
	return raw, classifyStatus(resp.StatusCode, raw)
}

// classifyStatus maps HTTP statuses onto the error taxonomy.
func classifyStatus(status int, body []byte) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusUnauthorized:
		return toolerr.E(toolerr.KindAuthFailed, "provider rejected credentials")
	case status == http.StatusForbidden:
		return toolerr.E(toolerr.KindPermissionDenied, "provider denied the request")
	case status == http.StatusTooManyRequests:
		return toolerr.E(toolerr.KindRateLimited, "provider rate limit exceeded")
	case status >= 500:
		return toolerr.Ef(toolerr.KindUpstreamUnavailable, "provider returned %d", status)
	default:
		return toolerr.Ef(toolerr.KindProviderError, "provider returned %d: %s", status, truncate(body, 256))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// InvokeStream opens a server-sent-events stream. Chunks arrive on the
// returned channel; cancelling ctx closes the connection.
func (a *HTTPAdapter) InvokeStream(ctx context.Context, capability string, params map[string]interface{}) (<-chan StreamChunk, error) {
	caps, err := a.ListCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	c, err := findCapability(caps, capability)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindInternal, "marshal parameters", err)
	}
	method := c.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+c.Path, bytes.NewReader(body))
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindInternal, "build stream request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	a.authenticate(req)

	// Streams are not retried: a broken stream surfaces mid-sequence and
	// the caller decides whether to reissue.
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindUpstreamUnavailable, "open stream", err)
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, raw)
	}

	out := make(chan StreamChunk)
	go a.readSSE(ctx, resp.Body, out)
	return out, nil
}

// readSSE parses the text/event-stream framing: "event:" and "data:" lines
// separated by blank lines. Multi-line data fields concatenate with \n.
func (a *HTTPAdapter) readSSE(ctx context.Context, body io.ReadCloser, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	go func() {
		<-ctx.Done()
		body.Close()
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var event string
	var data []string
	flush := func() bool {
		if len(data) == 0 {
			event = ""
			return true
		}
		chunk := StreamChunk{Event: event, Data: json.RawMessage(strings.Join(data, "\n"))}
		event = ""
		data = nil
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return
			}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(line[len("data:"):]))
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		}
	}
	flush()

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		select {
		case out <- StreamChunk{Err: toolerr.Wrap(toolerr.KindTransportReset, "stream interrupted", err)}:
		default:
		}
	}
}

// Health probes the discovery endpoint and reports the breaker state.
func (a *HTTPAdapter) Health(ctx context.Context) Health {
	h := Health{BreakerState: a.stack.Breaker.State().String()}
	if _, err := a.ListCapabilities(ctx); err != nil {
		h.Healthy = false
		h.Detail = err.Error()
		return h
	}
	h.Healthy = true
	return h
}

// Close shuts the connection pool down.
func (a *HTTPAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *HTTPAdapter) authenticate(req *http.Request) {
	if a.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.AuthToken)
	}
}

var _ Adapter = (*HTTPAdapter)(nil)
