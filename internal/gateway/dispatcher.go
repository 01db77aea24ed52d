// Package gateway exposes the HTTP API and drives the invocation pipeline:
// resolve the resource, rate-limit, authorize, validate, invoke, audit.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/adapter"
	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/authz"
	"github.com/toolgate/toolgate/internal/metrics"
	"github.com/toolgate/toolgate/internal/middleware"
	"github.com/toolgate/toolgate/internal/policy"
	"github.com/toolgate/toolgate/internal/toolerr"
)

// InvokeRequest is one tool invocation as received from the API.
type InvokeRequest struct {
	Protocol   string                 `json:"protocol"`
	Server     string                 `json:"server"`
	Capability string                 `json:"capability"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

// InvokeResult carries the provider output plus the decision that let it
// through. CorrelationID ties the response to its audit events.
type InvokeResult struct {
	Result        json.RawMessage  `json:"result"`
	CorrelationID string           `json:"correlation_id"`
	Decision      *policy.Decision `json:"-"`
}

// Dispatcher runs the invocation pipeline. The authorization service emits
// its own decision events; the dispatcher adds one invocation event per call
// that reaches (or is stopped before) an adapter.
type Dispatcher struct {
	registry *adapter.Registry
	authz    *authz.Service
	limiter  *middleware.RateLimiter
	audit    *audit.Pipeline
	logger   *zap.Logger

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// NewDispatcher wires the pipeline stages.
func NewDispatcher(registry *adapter.Registry, svc *authz.Service, limiter *middleware.RateLimiter, pipeline *audit.Pipeline, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		authz:    svc,
		limiter:  limiter,
		audit:    pipeline,
		logger:   logger,
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Invoke runs the full pipeline for one unary call.
func (d *Dispatcher) Invoke(ctx context.Context, principal policy.Principal, req InvokeRequest) (*InvokeResult, error) {
	corrID := uuid.NewString()
	ad, c, decision, err := d.admit(ctx, principal, req)
	if err != nil {
		return nil, err
	}

	params := effectiveParams(decision, req.Params)
	if err := d.validateParams(c, params); err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := ad.Invoke(ctx, req.Capability, params)
	d.recordInvocation(corrID, principal, req, decision, params, err, time.Since(start))
	if err != nil {
		return nil, redactError(err, decision)
	}
	return &InvokeResult{Result: raw, CorrelationID: corrID, Decision: decision}, nil
}

// InvokeStream runs the pipeline and opens a streaming call. The invocation
// event is emitted when the stream opens; stream errors surface as chunks.
func (d *Dispatcher) InvokeStream(ctx context.Context, principal policy.Principal, req InvokeRequest) (<-chan adapter.StreamChunk, *policy.Decision, error) {
	ad, c, decision, err := d.admit(ctx, principal, req)
	if err != nil {
		return nil, nil, err
	}

	params := effectiveParams(decision, req.Params)
	if err := d.validateParams(c, params); err != nil {
		return nil, nil, err
	}

	start := time.Now()
	ch, err := ad.InvokeStream(ctx, req.Capability, params)
	d.recordInvocation(uuid.NewString(), principal, req, decision, params, err, time.Since(start))
	if err != nil {
		return nil, nil, redactError(err, decision)
	}
	return ch, decision, nil
}

// admit runs the stages shared by unary and streaming calls: resource
// resolution, rate limiting, and authorization. A denial never reaches the
// adapter.
func (d *Dispatcher) admit(ctx context.Context, principal policy.Principal, req InvokeRequest) (adapter.Adapter, adapter.Capability, *policy.Decision, error) {
	var none adapter.Capability

	ad, err := d.registry.Lookup(req.Protocol, req.Server)
	if err != nil {
		return nil, none, nil, err
	}

	if err := d.limiter.Allow(principal.ID); err != nil {
		d.emit(audit.NewEvent(audit.EventRateLimited).
			WithPrincipal(principal.ID, principal.SourceIP).
			WithTarget(req.Protocol, req.Server, req.Capability).
			WithOutcome(audit.OutcomeDenied))
		return nil, none, nil, err
	}

	caps, err := ad.ListCapabilities(ctx)
	if err != nil {
		return nil, none, nil, err
	}
	c, ok := lookupCapability(caps, req.Capability)
	if !ok {
		return nil, none, nil, toolerr.Ef(toolerr.KindValidationFailed, "server %s has no capability %q", req.Server, req.Capability)
	}

	target := policy.Target{
		Protocol:    req.Protocol,
		Server:      req.Server,
		Capability:  req.Capability,
		Sensitivity: c.Sensitivity,
	}
	decision, err := d.authz.Authorize(ctx, principal, "invoke", target, req.Params)
	if err != nil {
		return nil, none, nil, err
	}
	if !decision.Allow {
		return nil, none, nil, toolerr.Ef(toolerr.KindPermissionDenied, "denied: %s", decision.Reason)
	}
	return ad, c, decision, nil
}

func lookupCapability(caps []adapter.Capability, name string) (adapter.Capability, bool) {
	for _, c := range caps {
		if c.Name == name {
			return c, true
		}
	}
	return adapter.Capability{}, false
}

// effectiveParams substitutes the policy-filtered parameters when the engine
// rewrote them; the caller's originals never reach the provider in that case.
func effectiveParams(decision *policy.Decision, params map[string]interface{}) map[string]interface{} {
	if decision != nil && decision.FilteredParameters != nil {
		return decision.FilteredParameters
	}
	return params
}

// validateParams checks the (possibly filtered) parameters against the
// capability's input schema, when it declares one.
func (d *Dispatcher) validateParams(c adapter.Capability, params map[string]interface{}) error {
	if len(c.InputSchema) == 0 {
		return nil
	}
	sch, err := d.compileSchema(c)
	if err != nil {
		return err
	}

	// Round-trip through the schema library's decoder so numbers compare the
	// way the schema expects.
	raw, err := json.Marshal(params)
	if err != nil {
		return toolerr.Wrap(toolerr.KindInternal, "marshal parameters", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return toolerr.Wrap(toolerr.KindInternal, "decode parameters", err)
	}
	if err := sch.Validate(doc); err != nil {
		return toolerr.Wrap(toolerr.KindValidationFailed, "parameters do not match the capability schema", err)
	}
	return nil
}

func (d *Dispatcher) compileSchema(c adapter.Capability) (*jsonschema.Schema, error) {
	key := string(c.InputSchema)
	d.schemaMu.Lock()
	defer d.schemaMu.Unlock()
	if sch, ok := d.schemas[key]; ok {
		return sch, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(c.InputSchema))
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindValidationFailed, "capability schema is not valid JSON", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "toolgate://capability/" + c.Name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, toolerr.Wrap(toolerr.KindValidationFailed, "register capability schema", err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindValidationFailed, "compile capability schema", err)
	}
	d.schemas[key] = sch
	return sch, nil
}

// recordInvocation emits invocation metrics and the audit event. The event
// carries the parameters the provider received (filtered, not the caller's
// originals), redacted per the decision's sensitive list.
func (d *Dispatcher) recordInvocation(corrID string, principal policy.Principal, req InvokeRequest, decision *policy.Decision, params map[string]interface{}, err error, elapsed time.Duration) {
	outcome := "success"
	kind := audit.EventInvocationCompleted
	if err != nil {
		outcome = "error"
		kind = audit.EventInvocationFailed
	}
	metrics.InvocationsTotal.WithLabelValues(req.Protocol, outcome).Inc()
	metrics.InvocationDuration.WithLabelValues(req.Protocol).Observe(elapsed.Seconds())

	ev := audit.NewEvent(kind).
		WithPrincipal(principal.ID, principal.SourceIP).
		WithTarget(req.Protocol, req.Server, req.Capability).
		WithAction("invoke").
		WithDuration(elapsed).
		WithContext("correlation_id", corrID)
	if decision != nil {
		ev = ev.WithDecision(decision.Allow, decision.Reason).
			WithFiltered(len(decision.FilteredParameters) > 0).
			WithParams(RedactParams(params, decision.Sensitive))
	}
	if err != nil {
		ev = ev.WithError(err, string(toolerr.KindOf(err)))
	} else {
		ev = ev.WithOutcome(audit.OutcomeSuccess)
	}
	d.emit(ev)
}

func (d *Dispatcher) emit(ev *audit.Event) {
	if d.audit != nil {
		d.audit.Emit(ev)
	}
}

// redactError strips sensitive parameter values from an error message before
// it leaves the gateway. Field names stay; values are masked.
func redactError(err error, decision *policy.Decision) error {
	if decision == nil || len(decision.Sensitive) == 0 {
		return err
	}
	msg := err.Error()
	for _, field := range decision.Sensitive {
		msg = maskField(msg, field)
	}
	if msg == err.Error() {
		return err
	}
	return toolerr.E(toolerr.KindOf(err), msg)
}

// RedactParams returns a copy with sensitive values masked, for echoing
// parameters back to callers.
func RedactParams(params map[string]interface{}, sensitive []string) map[string]interface{} {
	if len(sensitive) == 0 {
		return params
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, field := range sensitive {
		if _, ok := out[field]; ok {
			out[field] = "[REDACTED]"
		}
	}
	return out
}

func maskField(msg, field string) string {
	// Best effort: mask quoted JSON-style values for the field.
	for _, pattern := range []string{`"%s":"`, `%s=`} {
		prefix := fmt.Sprintf(pattern, field)
		idx := bytes.Index([]byte(msg), []byte(prefix))
		if idx < 0 {
			continue
		}
		start := idx + len(prefix)
		end := start
		for end < len(msg) && msg[end] != '"' && msg[end] != ' ' && msg[end] != ',' {
			end++
		}
		msg = msg[:start] + "[REDACTED]" + msg[end:]
	}
	return msg
}
