package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/metrics"
	"github.com/toolgate/toolgate/internal/resilience"
	"github.com/toolgate/toolgate/internal/toolerr"
)

// EngineClient calls the external policy engine over HTTP/JSON. Every call
// goes through the resilience stack: the engine has its own breaker, and
// transient failures retry with backoff.
type EngineClient struct {
	baseURL string
	client  *http.Client
	stack   *resilience.Stack
	logger  *zap.Logger
}

// EngineConfig configures the engine client.
type EngineConfig struct {
	BaseURL string
	Timeout time.Duration
	Breaker resilience.BreakerConfig
	Retry   resilience.RetryConfig
}

// NewEngineClient creates a client for the configured engine base URL.
func NewEngineClient(cfg EngineConfig, logger *zap.Logger) *EngineClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &EngineClient{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		stack: &resilience.Stack{
			Breaker:        resilience.NewBreaker("policy-engine", cfg.Breaker),
			Retry:          cfg.Retry,
			AttemptTimeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Breaker exposes the engine breaker for health reporting and fail-closed
// decisions.
func (c *EngineClient) Breaker() *resilience.Breaker {
	return c.stack.Breaker
}

// Evaluate sends the canonical input tree to the engine and returns its
// decision. Network failures, timeouts, and 5xx responses surface as
// transient transport errors (and count against the engine breaker); 4xx
// responses surface as provider errors and do not.
func (c *EngineClient) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	var decision *Decision
	err := c.stack.Do(ctx, func(ctx context.Context) error {
		d, err := c.evaluateOnce(ctx, "/v1/evaluate", input)
		if err != nil {
			metrics.PolicyEngineCalls.WithLabelValues("error").Inc()
			return err
		}
		metrics.PolicyEngineCalls.WithLabelValues("ok").Inc()
		decision = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// EvaluateA2A evaluates an agent-to-agent request.
func (c *EngineClient) EvaluateA2A(ctx context.Context, input *A2AInput) (*Decision, error) {
	var decision *Decision
	err := c.stack.Do(ctx, func(ctx context.Context) error {
		d, err := c.evaluateOnce(ctx, "/v1/evaluate/a2a", input)
		if err != nil {
			metrics.PolicyEngineCalls.WithLabelValues("error").Inc()
			return err
		}
		metrics.PolicyEngineCalls.WithLabelValues("ok").Inc()
		decision = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

func (c *EngineClient) evaluateOnce(ctx context.Context, path string, input interface{}) (*Decision, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindInternal, "marshal policy input", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindInternal, "build engine request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, toolerr.Wrap(toolerr.KindCancelled, "engine call cancelled", err)
		}
		return nil, toolerr.Wrap(toolerr.KindUpstreamUnavailable, "policy engine unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindUpstreamUnavailable, "read engine response", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, toolerr.Ef(toolerr.KindUpstreamUnavailable, "policy engine returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, toolerr.Ef(toolerr.KindProviderError, "policy engine rejected input: %d %s", resp.StatusCode, string(raw))
	}

	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, toolerr.Wrap(toolerr.KindProviderError, "decode engine decision", err)
	}
	if d.Reason == "" {
		// A decision without a reason violates the engine contract; keep a
		// usable reason rather than failing the request.
		d.Reason = fmt.Sprintf("policy decision (allow=%v)", d.Allow)
		c.logger.Warn("policy engine returned empty reason", zap.Bool("allow", d.Allow))
	}
	return &d, nil
}
