// Package policy defines the authorization data model, the fingerprint used
// as the decision cache key, the client for the external policy engine, and
// the bounded single-flight decision cache that fronts it.
package policy

import "time"

// Principal is the caller's identity after credential validation. It lives
// for one request and is never persisted.
type Principal struct {
	ID         string   `json:"id"`
	Roles      []string `json:"roles,omitempty"`
	Teams      []string `json:"teams,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
	SourceIP   string   `json:"source_ip,omitempty"`
	TrustLevel string   `json:"trust_level,omitempty"`
}

// Target is what is being acted on. Protocol and Server together uniquely
// identify an adapter-resolvable endpoint.
type Target struct {
	Protocol    string                 `json:"protocol"` // stdio | http | grpc
	Server      string                 `json:"server"`
	Capability  string                 `json:"capability"`
	Sensitivity string                 `json:"sensitivity,omitempty"` // low|medium|high|critical
	OwningTeam  string                 `json:"owning_team,omitempty"`
	Visibility  string                 `json:"visibility,omitempty"` // public|internal|private
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// Input is the canonical policy input tree sent to the engine.
type Input struct {
	Principal Principal              `json:"principal"`
	Action    string                 `json:"action"`
	Target    Target                 `json:"target"`
	Params    map[string]interface{} `json:"parameters"`
}

// A2AInput is the agent-to-agent input schema.
type A2AInput struct {
	SourceAgent string `json:"source_agent"`
	TargetAgent string `json:"target_agent"`
	Capability  string `json:"capability"`
}

// Decision is the policy engine's output. Reason is never empty on the
// decisions the authorization service returns; if Allow is false the
// filtered-parameter map is absent.
type Decision struct {
	Allow              bool                   `json:"allow"`
	Reason             string                 `json:"reason"`
	FilteredParameters map[string]interface{} `json:"filtered_parameters,omitempty"`

	// CacheTTL is the engine-recommended TTL in seconds. nil means the
	// engine expressed no preference (the cache default applies); an
	// explicit 0 means do not cache.
	CacheTTL *int `json:"cache_ttl,omitempty"`

	// Stable marks a deny decision as exempt from the short deny-TTL clamp.
	Stable bool `json:"stable,omitempty"`

	// Sensitive lists parameter fields the gateway must redact from
	// user-visible output.
	Sensitive []string `json:"sensitive,omitempty"`

	// Fingerprint is the cache key this decision was stored under.
	Fingerprint string `json:"-"`
}

// Stats is a decision-cache statistics snapshot for health reporting.
type Stats struct {
	Hits                   uint64    `json:"hits"`
	Misses                 uint64    `json:"misses"`
	SingleFlightSuppressed uint64    `json:"single_flight_suppressed"`
	Evictions              uint64    `json:"evictions"`
	Entries                int       `json:"entries"`
	InvalidatedAt          time.Time `json:"invalidated_at,omitempty"`
}
