// Package config provides configuration management for toolgate.
//
// Configuration sources (priority order, high to low):
//  1. Environment variables (TOOLGATE_* prefix)
//  2. YAML config file (default: /etc/toolgate/config.yaml)
//  3. Built-in defaults
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config contains all configuration fields.
type Config struct {
	// Server configuration
	Server struct {
		Host        string `mapstructure:"host"`
		Port        int    `mapstructure:"port"`
		TLSEnabled  bool   `mapstructure:"tls_enabled"`
		TLSCertPath string `mapstructure:"tls_cert_path"`
		TLSKeyPath  string `mapstructure:"tls_key_path"`
	} `mapstructure:"server"`

	// Logging configuration
	Logging struct {
		Level      string `mapstructure:"level"`
		Format     string `mapstructure:"format"`
		Path       string `mapstructure:"path"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
		MaxAgeDays int    `mapstructure:"max_age_days"`
		Compress   bool   `mapstructure:"compress"`
	} `mapstructure:"logging"`

	// Engine is the external policy engine endpoint.
	Engine struct {
		BaseURL string        `mapstructure:"base_url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"engine"`

	// Policy controls authorization behavior.
	Policy struct {
		// FailClosed returns a synthetic deny when the engine is unreachable
		// and its breaker is open. Fail-open is discouraged and logged.
		FailClosed bool `mapstructure:"fail_closed"`
	} `mapstructure:"policy"`

	// Cache tunes the decision cache.
	Cache struct {
		Capacity   int           `mapstructure:"capacity"`
		DefaultTTL time.Duration `mapstructure:"default_ttl"`
		MaxTTL     time.Duration `mapstructure:"max_ttl"`
		DenyTTLMax time.Duration `mapstructure:"deny_ttl_max"`
		// Redis, when set, enables the external second-level store.
		Redis struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
		} `mapstructure:"redis"`
	} `mapstructure:"cache"`

	// Breaker tunes circuit breakers (one per adapter resource plus the engine).
	Breaker struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		OpenTimeout      time.Duration `mapstructure:"open_timeout"`
		SuccessThreshold int           `mapstructure:"success_threshold"`
		HalfOpenMax      int           `mapstructure:"half_open_max"`
	} `mapstructure:"breaker"`

	// Retry tunes the retry helper.
	Retry struct {
		MaxAttempts int           `mapstructure:"max_attempts"`
		BaseDelay   time.Duration `mapstructure:"base_delay"`
		MaxDelay    time.Duration `mapstructure:"max_delay"`
		Jitter      float64       `mapstructure:"jitter"`
	} `mapstructure:"retry"`

	// Stdio tunes subprocess transports.
	Stdio struct {
		MaxMemoryMB       int           `mapstructure:"max_memory_mb"`
		MaxCPUPercent     float64       `mapstructure:"max_cpu_percent"`
		MaxFDs            int           `mapstructure:"max_fds"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		HungTimeout       time.Duration `mapstructure:"hung_timeout"`
		MaxRestarts       int           `mapstructure:"max_restart_attempts"`
		StopTimeout       time.Duration `mapstructure:"stop_timeout"`
		// SteadyStatePeriod of uninterrupted running resets the restart counter.
		SteadyStatePeriod time.Duration `mapstructure:"steady_state_period"`
	} `mapstructure:"stdio"`

	// Audit tunes the audit pipeline.
	Audit struct {
		QueueCapacity int           `mapstructure:"queue_capacity"`
		BatchSize     int           `mapstructure:"batch_size"`
		BatchMaxAge   time.Duration `mapstructure:"batch_max_age"`
		// DropPolicy is "block" (bounded wait, then drop oldest) or "drop_oldest".
		DropPolicy string `mapstructure:"drop_policy"`
		// EnqueueWait bounds how long a producer blocks before dropping.
		EnqueueWait time.Duration `mapstructure:"enqueue_wait"`
		LogPath     string        `mapstructure:"log_path"`
		MaxSizeMB   int           `mapstructure:"max_size_mb"`
		MaxBackups  int           `mapstructure:"max_backups"`
		MaxAgeDays  int           `mapstructure:"max_age_days"`
		Compress    bool          `mapstructure:"compress"`
		// SQLitePath enables the durable fallback sink when set.
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"audit"`

	// RateLimit tunes the per-principal token bucket.
	RateLimit struct {
		PerPrincipalRPS float64 `mapstructure:"per_principal_rps"`
		Burst           int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`

	// HTTPAdapter tunes pooled HTTP clients.
	HTTPAdapter struct {
		MaxConns  int           `mapstructure:"max_conns"`
		KeepAlive time.Duration `mapstructure:"keep_alive"`
	} `mapstructure:"http_adapter"`

	// Discovery tunes capability discovery caching.
	Discovery struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"discovery"`

	// Providers declares the tool provider fleet.
	Providers []ProviderConfig `mapstructure:"providers"`

	// Auth maps bearer tokens to principals. Real deployments front this
	// with an identity provider; the gateway only consumes issued tokens.
	Auth struct {
		Tokens []TokenConfig `mapstructure:"tokens"`
	} `mapstructure:"auth"`
}

// ProviderConfig declares one adapter resource.
type ProviderConfig struct {
	Name     string `mapstructure:"name"`
	Protocol string `mapstructure:"protocol"` // stdio | http | grpc

	// stdio
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Env     []string `mapstructure:"env"`

	// http
	BaseURL      string `mapstructure:"base_url"`
	DiscoveryURL string `mapstructure:"discovery_url"`
	AuthToken    string `mapstructure:"auth_token"`

	// grpc
	Target      string `mapstructure:"target"`
	TLSEnabled  bool   `mapstructure:"tls_enabled"`
	TLSCertPath string `mapstructure:"tls_cert_path"`
	TLSKeyPath  string `mapstructure:"tls_key_path"`
	TLSCAPath   string `mapstructure:"tls_ca_path"`
	Reflection  bool   `mapstructure:"reflection"`
}

// TokenConfig binds a bearer credential to a principal descriptor.
type TokenConfig struct {
	Token      string   `mapstructure:"token"`
	Principal  string   `mapstructure:"principal"`
	Roles      []string `mapstructure:"roles"`
	Teams      []string `mapstructure:"teams"`
	Scopes     []string `mapstructure:"scopes"`
	TrustLevel string   `mapstructure:"trust_level"`
}

// Validate validates the configuration. All errors are collected so a broken
// config surfaces every problem in one pass.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Server.TLSEnabled && (c.Server.TLSCertPath == "" || c.Server.TLSKeyPath == "") {
		errs = append(errs, fmt.Errorf("server TLS enabled but cert/key paths missing"))
	}

	if c.Engine.BaseURL == "" {
		errs = append(errs, fmt.Errorf("engine.base_url is required"))
	}

	if c.Cache.Capacity < 1 {
		errs = append(errs, fmt.Errorf("cache.capacity must be positive: %d", c.Cache.Capacity))
	}
	if c.Cache.MaxTTL < c.Cache.DefaultTTL {
		errs = append(errs, fmt.Errorf("cache.max_ttl (%s) below cache.default_ttl (%s)", c.Cache.MaxTTL, c.Cache.DefaultTTL))
	}

	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("breaker.failure_threshold must be positive"))
	}
	if c.Breaker.SuccessThreshold < 1 {
		errs = append(errs, fmt.Errorf("breaker.success_threshold must be positive"))
	}
	if c.Breaker.HalfOpenMax < 1 {
		errs = append(errs, fmt.Errorf("breaker.half_open_max must be positive"))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be positive"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry.jitter must be in [0,1]: %f", c.Retry.Jitter))
	}

	if c.Audit.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("audit.queue_capacity must be positive"))
	}
	if c.Audit.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("audit.batch_size must be positive"))
	}
	switch c.Audit.DropPolicy {
	case "block", "drop_oldest":
	default:
		errs = append(errs, fmt.Errorf("audit.drop_policy must be block or drop_oldest: %q", c.Audit.DropPolicy))
	}

	if c.RateLimit.PerPrincipalRPS <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.per_principal_rps must be positive"))
	}
	if c.RateLimit.Burst < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.burst must be positive"))
	}

	seen := map[string]bool{}
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
			continue
		}
		key := p.Protocol + "/" + p.Name
		if seen[key] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate (protocol, name): %s", i, key))
		}
		seen[key] = true

		switch strings.ToLower(p.Protocol) {
		case "stdio":
			if p.Command == "" {
				errs = append(errs, fmt.Errorf("provider %s: stdio requires command", p.Name))
			}
		case "http":
			if p.BaseURL == "" {
				errs = append(errs, fmt.Errorf("provider %s: http requires base_url", p.Name))
			}
		case "grpc":
			if p.Target == "" {
				errs = append(errs, fmt.Errorf("provider %s: grpc requires target", p.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("provider %s: unknown protocol %q (valid: stdio, http, grpc)", p.Name, p.Protocol))
		}
	}

	return errs
}
