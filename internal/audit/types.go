// Package audit records authorization and invocation outcomes through a
// bounded, at-least-once pipeline into append-only sinks.
package audit

import "time"

// EventKind classifies the audit event.
type EventKind string

const (
	// Authorization events
	EventAuthorizationAllowed EventKind = "authorization.allowed"
	EventAuthorizationDenied  EventKind = "authorization.denied"
	EventAuthFailed           EventKind = "authorization.auth_failed"

	// Invocation events
	EventInvocationCompleted EventKind = "invocation.completed"
	EventInvocationFailed    EventKind = "invocation.failed"
	EventRateLimited         EventKind = "invocation.rate_limited"

	// Subprocess lifecycle events
	EventSubprocessRestarted EventKind = "subprocess.restarted"
	EventSubprocessFailed    EventKind = "subprocess.failed"

	// System events
	EventServerStarted  EventKind = "system.server_started"
	EventServerShutdown EventKind = "system.server_shutdown"
	EventConfigReloaded EventKind = "system.config_reloaded"
)

// Outcome is the terminal result of the audited request.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeDenied  Outcome = "denied"
)

// Event is a terminal record for one request. Once emitted it is never
// mutated; the pipeline assigns the monotonic ID and timestamp on enqueue.
type Event struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`
	Outcome   Outcome   `json:"outcome"`

	// Actor
	Principal string `json:"principal,omitempty"`
	SourceIP  string `json:"source_ip,omitempty"`

	// Target
	Protocol   string `json:"protocol,omitempty"`
	Server     string `json:"server,omitempty"`
	Capability string `json:"capability,omitempty"`
	Action     string `json:"action,omitempty"`

	// Decision
	Allow    bool   `json:"allow"`
	Reason   string `json:"reason,omitempty"`
	Filtered bool   `json:"filtered,omitempty"`

	// Params is the parameter map the provider received, after policy
	// filtering and sensitive-value redaction.
	Params map[string]interface{} `json:"params,omitempty"`

	// Error classification for failed outcomes.
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`

	// Context carries opaque request metadata.
	Context map[string]interface{} `json:"context,omitempty"`
}

// NewEvent creates an event of the given kind. ID and Timestamp are assigned
// by the pipeline when the event is emitted.
func NewEvent(kind EventKind) *Event {
	return &Event{Kind: kind}
}

// WithPrincipal sets the acting principal.
func (e *Event) WithPrincipal(id, sourceIP string) *Event {
	e.Principal = id
	e.SourceIP = sourceIP
	return e
}

// WithTarget sets the target descriptor.
func (e *Event) WithTarget(protocol, server, capability string) *Event {
	e.Protocol = protocol
	e.Server = server
	e.Capability = capability
	return e
}

// WithAction sets the requested action.
func (e *Event) WithAction(action string) *Event {
	e.Action = action
	return e
}

// WithDecision sets the authorization result.
func (e *Event) WithDecision(allow bool, reason string) *Event {
	e.Allow = allow
	e.Reason = reason
	if allow {
		e.Outcome = OutcomeSuccess
	} else {
		e.Outcome = OutcomeDenied
	}
	return e
}

// WithOutcome sets the terminal outcome.
func (e *Event) WithOutcome(o Outcome) *Event {
	e.Outcome = o
	return e
}

// WithError records a failure with its taxonomy kind.
func (e *Event) WithError(err error, kind string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorKind = kind
		e.Outcome = OutcomeError
	}
	return e
}

// WithParams records the parameters delivered to the provider. Callers
// redact sensitive values before attaching.
func (e *Event) WithParams(params map[string]interface{}) *Event {
	e.Params = params
	return e
}

// WithFiltered marks that parameter filtering was applied.
func (e *Event) WithFiltered(filtered bool) *Event {
	e.Filtered = filtered
	return e
}

// WithDuration records the request duration.
func (e *Event) WithDuration(d time.Duration) *Event {
	e.DurationMs = d.Milliseconds()
	return e
}

// WithContext attaches one key of opaque metadata.
func (e *Event) WithContext(key string, value interface{}) *Event {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}
