package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.OpenTimeout)
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 3, cfg.Breaker.HalfOpenMax)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Cache.DenyTTLMax)
	assert.Equal(t, 15*time.Second, cfg.Stdio.HungTimeout)
	assert.Equal(t, 10*time.Second, cfg.Stdio.HeartbeatInterval)
	assert.True(t, cfg.Policy.FailClosed)
}

func TestDefaultConfigValidates(t *testing.T) {
	errs := DefaultConfig().Validate()
	assert.Empty(t, errs)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 0
	cfg.Cache.Capacity = 0
	cfg.Audit.DropPolicy = "panic"
	cfg.Retry.Jitter = 2

	errs := cfg.Validate()
	assert.Len(t, errs, 4)
}

func TestValidateProviders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = []ProviderConfig{
		{Name: "fs-1", Protocol: "http"},                       // missing base_url
		{Name: "tools-py", Protocol: "stdio"},                  // missing command
		{Name: "svc", Protocol: "grpc"},                        // missing target
		{Name: "svc", Protocol: "grpc", Target: "host:443"},    // duplicate key
		{Name: "weird", Protocol: "carrier-pigeon"},            // unknown protocol
		{Name: "ok", Protocol: "http", BaseURL: "http://x:80"}, // valid
	}

	errs := cfg.Validate()
	assert.Len(t, errs, 5)
}

func TestManagerLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9000
breaker:
  failure_threshold: 7
providers:
  - name: tools-py
    protocol: stdio
    command: /usr/bin/tools-server
  - name: fs-1
    protocol: http
    base_url: http://fs-1.internal:8080
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	mgr := NewManager(path)
	require.NoError(t, mgr.Load())
	require.NoError(t, mgr.Validate())

	cfg := mgr.Get()
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	// Untouched sections keep defaults.
	assert.Equal(t, 30*time.Second, cfg.Breaker.OpenTimeout)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "stdio", cfg.Providers[0].Protocol)
	assert.Equal(t, "http://fs-1.internal:8080", cfg.Providers[1].BaseURL)
}

func TestManagerLoadMissingFileUsesDefaults(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, mgr.Load())
	assert.Equal(t, 8443, mgr.Get().Server.Port)
}
