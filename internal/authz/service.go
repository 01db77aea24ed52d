// Package authz orchestrates identity, policy evaluation, and the decision
// cache into a single authorize operation, and records one audit event per
// decision.
package authz

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/metrics"
	"github.com/toolgate/toolgate/internal/policy"
	"github.com/toolgate/toolgate/internal/toolerr"
)

// ReasonPolicyUnavailable is the reason on synthetic fail-closed denials.
const ReasonPolicyUnavailable = "policy_unavailable"

// Evaluator is the policy engine surface the service needs.
type Evaluator interface {
	Evaluate(ctx context.Context, input *policy.Input) (*policy.Decision, error)
	EvaluateA2A(ctx context.Context, input *policy.A2AInput) (*policy.Decision, error)
}

// Config tunes the authorization service.
type Config struct {
	// FailClosed makes engine unavailability deny (default). When false,
	// unavailability allows with a logged warning.
	FailClosed bool
}

// Service is the authorization front door. Every decision, cached or fresh,
// produces exactly one authorization audit event.
type Service struct {
	cfg    Config
	engine Evaluator
	cache  *policy.DecisionCache
	audit  *audit.Pipeline
	logger *zap.Logger
}

// NewService wires the authorization service.
func NewService(cfg Config, engine Evaluator, cache *policy.DecisionCache, pipeline *audit.Pipeline, logger *zap.Logger) *Service {
	return &Service{
		cfg:    cfg,
		engine: engine,
		cache:  cache,
		audit:  pipeline,
		logger: logger,
	}
}

// Authorize decides whether principal may perform action on the target.
// The returned decision always has a non-empty reason; a nil error with
// Allow=false is a definitive denial. Errors are reserved for caller
// mistakes (cancellation) and internal faults.
func (s *Service) Authorize(ctx context.Context, principal policy.Principal, action string, target policy.Target, params map[string]interface{}) (*policy.Decision, error) {
	start := time.Now()
	params = policy.NormalizeParams(params)
	fp := policy.Fingerprint(principal, action, target, params)

	decision, err := s.cache.Get(ctx, fp, func(ctx context.Context) (*policy.Decision, error) {
		return s.engine.Evaluate(ctx, &policy.Input{
			Principal: principal,
			Action:    action,
			Target:    target,
			Params:    params,
		})
	})
	if err != nil {
		decision, err = s.degraded(err)
		if err != nil {
			metrics.AuthorizeDecisions.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	s.record(principal, action, target, decision, time.Since(start))
	return decision, nil
}

// AuthorizeA2A decides whether the source agent may invoke a capability on
// the target agent.
func (s *Service) AuthorizeA2A(ctx context.Context, sourceAgent, targetAgent, capability string) (*policy.Decision, error) {
	start := time.Now()
	input := policy.A2AInput{SourceAgent: sourceAgent, TargetAgent: targetAgent, Capability: capability}
	fp := policy.FingerprintA2A(input)

	decision, err := s.cache.Get(ctx, fp, func(ctx context.Context) (*policy.Decision, error) {
		return s.engine.EvaluateA2A(ctx, &input)
	})
	if err != nil {
		decision, err = s.degraded(err)
		if err != nil {
			metrics.AuthorizeDecisions.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	principal := policy.Principal{ID: sourceAgent}
	target := policy.Target{Protocol: "a2a", Server: targetAgent, Capability: capability}
	s.record(principal, "invoke", target, decision, time.Since(start))
	return decision, nil
}

// degraded maps engine unavailability to a synthetic decision. Failures that
// reflect the caller's own request (cancellation, bad input) stay errors.
func (s *Service) degraded(err error) (*policy.Decision, error) {
	switch toolerr.KindOf(err) {
	case toolerr.KindCircuitOpen, toolerr.KindUpstreamUnavailable,
		toolerr.KindDeadlineExceeded, toolerr.KindPolicyUnavailable:
	default:
		return nil, err
	}

	// Synthetic decisions are never cached.
	noCache := 0
	if s.cfg.FailClosed {
		s.logger.Warn("policy engine unavailable, failing closed", zap.Error(err))
		return &policy.Decision{Allow: false, Reason: ReasonPolicyUnavailable, CacheTTL: &noCache}, nil
	}
	s.logger.Warn("policy engine unavailable, failing open", zap.Error(err))
	return &policy.Decision{Allow: true, Reason: ReasonPolicyUnavailable, CacheTTL: &noCache}, nil
}

// record emits the authorization audit event and decision metrics.
func (s *Service) record(principal policy.Principal, action string, target policy.Target, d *policy.Decision, elapsed time.Duration) {
	metrics.AuthorizeDuration.Observe(elapsed.Seconds())

	kind := audit.EventAuthorizationAllowed
	label := "allow"
	if !d.Allow {
		kind = audit.EventAuthorizationDenied
		label = "deny"
	}
	metrics.AuthorizeDecisions.WithLabelValues(label).Inc()

	if s.audit == nil {
		return
	}
	s.audit.Emit(audit.NewEvent(kind).
		WithPrincipal(principal.ID, principal.SourceIP).
		WithTarget(target.Protocol, target.Server, target.Capability).
		WithAction(action).
		WithDecision(d.Allow, d.Reason).
		WithFiltered(len(d.FilteredParameters) > 0).
		WithDuration(elapsed))
}

// InvalidateForPolicyChange drops every cached decision. Lookups that begin
// after this returns see no pre-change entries.
func (s *Service) InvalidateForPolicyChange(ctx context.Context) {
	s.cache.InvalidateAll(ctx)
	s.logger.Info("decision cache invalidated after policy change")
}

// EffectiveTTL reports how long the decision stays cached after the cache's
// clamps apply.
func (s *Service) EffectiveTTL(d *policy.Decision) time.Duration {
	return s.cache.EffectiveTTL(d)
}

// CacheStats exposes decision cache counters for health reporting.
func (s *Service) CacheStats() policy.Stats {
	return s.cache.Stats()
}
