package config

import "time"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8443
	cfg.Server.TLSEnabled = false

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	// Policy engine defaults
	cfg.Engine.BaseURL = "http://localhost:8181"
	cfg.Engine.Timeout = 5 * time.Second
	cfg.Policy.FailClosed = true

	// Cache defaults
	cfg.Cache.Capacity = 10000
	cfg.Cache.DefaultTTL = 60 * time.Second
	cfg.Cache.MaxTTL = 1 * time.Hour
	cfg.Cache.DenyTTLMax = 60 * time.Second

	// Breaker defaults
	cfg.Breaker.FailureThreshold = 5
	cfg.Breaker.OpenTimeout = 30 * time.Second
	cfg.Breaker.SuccessThreshold = 2
	cfg.Breaker.HalfOpenMax = 3

	// Retry defaults
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BaseDelay = 100 * time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Second
	cfg.Retry.Jitter = 0.25

	// Stdio defaults
	cfg.Stdio.MaxMemoryMB = 512
	cfg.Stdio.MaxCPUPercent = 90
	cfg.Stdio.MaxFDs = 256
	cfg.Stdio.HeartbeatInterval = 10 * time.Second
	cfg.Stdio.HungTimeout = 15 * time.Second
	cfg.Stdio.MaxRestarts = 3
	cfg.Stdio.StopTimeout = 5 * time.Second
	cfg.Stdio.SteadyStatePeriod = 5 * time.Minute

	// Audit defaults
	cfg.Audit.QueueCapacity = 4096
	cfg.Audit.BatchSize = 64
	cfg.Audit.BatchMaxAge = 1 * time.Second
	cfg.Audit.DropPolicy = "block"
	cfg.Audit.EnqueueWait = 250 * time.Millisecond
	cfg.Audit.LogPath = "logs/audit.log"
	cfg.Audit.MaxSizeMB = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAgeDays = 30
	cfg.Audit.Compress = true

	// Rate limit defaults
	cfg.RateLimit.PerPrincipalRPS = 10
	cfg.RateLimit.Burst = 20

	// HTTP adapter defaults
	cfg.HTTPAdapter.MaxConns = 50
	cfg.HTTPAdapter.KeepAlive = 30 * time.Second

	// Discovery defaults
	cfg.Discovery.TTL = 60 * time.Second

	return cfg
}
