// Package adapter connects the gateway to tool providers over HTTP/SSE,
// gRPC, and stdio subprocesses behind one invocation contract.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/toolerr"
)

// Capability describes one invokable operation a provider exposes.
type Capability struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Sensitivity string          `json:"sensitivity,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// HTTP binding
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`

	// gRPC binding
	FullMethod string `json:"full_method,omitempty"` // /package.Service/Method
	RPCKind    string `json:"rpc_kind,omitempty"`    // unary | server_stream | client_stream | bidi
}

// StreamChunk is one element of a streaming invocation. Err, when set,
// terminates the sequence.
type StreamChunk struct {
	Event string
	Data  json.RawMessage
	Err   error
}

// Health reports adapter liveness for the detailed health endpoint.
type Health struct {
	Healthy bool   `json:"healthy"`
	State   string `json:"state,omitempty"`
	Detail  string `json:"detail,omitempty"`

	BreakerState string `json:"breaker_state,omitempty"`
	Restarts     int    `json:"restarts,omitempty"`
}

// Adapter is the common transport contract. Implementations own their
// connection or subprocess and are safe for concurrent use.
type Adapter interface {
	Name() string
	Protocol() string

	// Discover fetches (or refreshes) the provider's capability set.
	Discover(ctx context.Context) ([]Capability, error)

	// ListCapabilities returns the cached capability set, discovering on
	// first use or after the discovery TTL lapses.
	ListCapabilities(ctx context.Context) ([]Capability, error)

	// Invoke performs one call and returns the provider's raw JSON result.
	Invoke(ctx context.Context, capability string, params map[string]interface{}) (json.RawMessage, error)

	// InvokeStream performs a streaming call. The returned channel closes
	// when the stream ends; cancelling ctx tears the stream down.
	InvokeStream(ctx context.Context, capability string, params map[string]interface{}) (<-chan StreamChunk, error)

	Health(ctx context.Context) Health
	Close() error
}

// capabilityCache caches discovery results per resource with a short TTL.
// Discovery is idempotent, so a stale cache is refreshed in place.
type capabilityCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	caps      []Capability
	fetchedAt time.Time
}

func newCapabilityCache(ttl time.Duration) *capabilityCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &capabilityCache{ttl: ttl}
}

// get returns cached capabilities, calling fetch on first use or expiry.
func (c *capabilityCache) get(ctx context.Context, fetch func(context.Context) ([]Capability, error)) ([]Capability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.caps != nil && time.Since(c.fetchedAt) < c.ttl {
		return c.caps, nil
	}
	caps, err := fetch(ctx)
	if err != nil {
		if c.caps != nil {
			// Serve the stale set rather than failing a live resource.
			return c.caps, nil
		}
		return nil, err
	}
	c.caps = caps
	c.fetchedAt = time.Now()
	return caps, nil
}

// set replaces the cached set (used by explicit Discover calls).
func (c *capabilityCache) set(caps []Capability) {
	c.mu.Lock()
	c.caps = caps
	c.fetchedAt = time.Now()
	c.mu.Unlock()
}

// find resolves a capability by name from the cached set.
func findCapability(caps []Capability, name string) (Capability, error) {
	for _, c := range caps {
		if c.Name == name {
			return c, nil
		}
	}
	return Capability{}, toolerr.Ef(toolerr.KindValidationFailed, "unknown capability %q", name)
}

// Registry maps (protocol, server) to a live adapter. Registration happens
// at startup from config; lookups come from request handlers.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func registryKey(protocol, server string) string {
	return protocol + "/" + server
}

// Register adds an adapter; duplicate (protocol, server) pairs are rejected.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey(a.Protocol(), a.Name())
	if _, exists := r.adapters[key]; exists {
		return fmt.Errorf("adapter %s already registered", key)
	}
	r.adapters[key] = a
	return nil
}

// Lookup resolves an adapter by protocol and server handle.
func (r *Registry) Lookup(protocol, server string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[registryKey(protocol, server)]
	if !ok {
		return nil, toolerr.Ef(toolerr.KindValidationFailed, "no %s adapter registered for server %q", protocol, server)
	}
	return a, nil
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// CloseAll closes every adapter, keeping the first error.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for key, a := range r.adapters {
		if err := a.Close(); err != nil && first == nil {
			first = fmt.Errorf("close adapter %s: %w", key, err)
		}
		delete(r.adapters, key)
	}
	return first
}
