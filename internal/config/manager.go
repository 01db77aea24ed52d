package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager loads and watches configuration using Viper.
type Manager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// NewManager creates a configuration manager for the given file path.
// An empty path means defaults plus environment variables only.
func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
}

// Load loads configuration from all sources.
func (m *Manager) Load() error {
	m.viper = viper.New()
	m.viper.SetConfigType("yaml")
	if m.configPath != "" {
		m.viper.SetConfigFile(m.configPath)
	}

	m.viper.SetEnvPrefix("TOOLGATE")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if m.configPath != "" {
		if err := m.viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				// File not found, use defaults + env vars
			} else if os.IsNotExist(err) {
				// Same
			} else {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg := DefaultConfig()
	if err := m.viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.config = cfg

	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	return m.config
}

// Validate validates the loaded configuration.
func (m *Manager) Validate() error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var msgs []string
		for _, err := range errs {
			msgs = append(msgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return nil
}

// Watch watches the config file for changes and delivers reloaded configs.
// Invalid reloads are skipped; the previous config stays active.
func (m *Manager) Watch() <-chan Config {
	if m.configPath == "" {
		return m.watchChan
	}
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		cfg := DefaultConfig()
		if err := m.viper.Unmarshal(cfg); err != nil {
			return
		}
		if errs := cfg.Validate(); len(errs) > 0 {
			return
		}
		m.config = cfg
		select {
		case m.watchChan <- *cfg:
		default:
			// Channel full, skip this update
		}
	})
	return m.watchChan
}

// setDefaults registers default values in viper so env overrides bind.
func (m *Manager) setDefaults() {
	d := DefaultConfig()

	m.viper.SetDefault("server.host", d.Server.Host)
	m.viper.SetDefault("server.port", d.Server.Port)
	m.viper.SetDefault("server.tls_enabled", d.Server.TLSEnabled)

	m.viper.SetDefault("logging.level", d.Logging.Level)
	m.viper.SetDefault("logging.format", d.Logging.Format)
	m.viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", d.Logging.Compress)

	m.viper.SetDefault("engine.base_url", d.Engine.BaseURL)
	m.viper.SetDefault("engine.timeout", d.Engine.Timeout)
	m.viper.SetDefault("policy.fail_closed", d.Policy.FailClosed)

	m.viper.SetDefault("cache.capacity", d.Cache.Capacity)
	m.viper.SetDefault("cache.default_ttl", d.Cache.DefaultTTL)
	m.viper.SetDefault("cache.max_ttl", d.Cache.MaxTTL)
	m.viper.SetDefault("cache.deny_ttl_max", d.Cache.DenyTTLMax)

	m.viper.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	m.viper.SetDefault("breaker.open_timeout", d.Breaker.OpenTimeout)
	m.viper.SetDefault("breaker.success_threshold", d.Breaker.SuccessThreshold)
	m.viper.SetDefault("breaker.half_open_max", d.Breaker.HalfOpenMax)

	m.viper.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	m.viper.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	m.viper.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	m.viper.SetDefault("retry.jitter", d.Retry.Jitter)

	m.viper.SetDefault("stdio.max_memory_mb", d.Stdio.MaxMemoryMB)
	m.viper.SetDefault("stdio.max_cpu_percent", d.Stdio.MaxCPUPercent)
	m.viper.SetDefault("stdio.max_fds", d.Stdio.MaxFDs)
	m.viper.SetDefault("stdio.heartbeat_interval", d.Stdio.HeartbeatInterval)
	m.viper.SetDefault("stdio.hung_timeout", d.Stdio.HungTimeout)
	m.viper.SetDefault("stdio.max_restart_attempts", d.Stdio.MaxRestarts)
	m.viper.SetDefault("stdio.stop_timeout", d.Stdio.StopTimeout)
	m.viper.SetDefault("stdio.steady_state_period", d.Stdio.SteadyStatePeriod)

	m.viper.SetDefault("audit.queue_capacity", d.Audit.QueueCapacity)
	m.viper.SetDefault("audit.batch_size", d.Audit.BatchSize)
	m.viper.SetDefault("audit.batch_max_age", d.Audit.BatchMaxAge)
	m.viper.SetDefault("audit.drop_policy", d.Audit.DropPolicy)
	m.viper.SetDefault("audit.enqueue_wait", d.Audit.EnqueueWait)
	m.viper.SetDefault("audit.log_path", d.Audit.LogPath)
	m.viper.SetDefault("audit.max_size_mb", d.Audit.MaxSizeMB)
	m.viper.SetDefault("audit.max_backups", d.Audit.MaxBackups)
	m.viper.SetDefault("audit.max_age_days", d.Audit.MaxAgeDays)
	m.viper.SetDefault("audit.compress", d.Audit.Compress)

	m.viper.SetDefault("rate_limit.per_principal_rps", d.RateLimit.PerPrincipalRPS)
	m.viper.SetDefault("rate_limit.burst", d.RateLimit.Burst)

	m.viper.SetDefault("http_adapter.max_conns", d.HTTPAdapter.MaxConns)
	m.viper.SetDefault("http_adapter.keep_alive", d.HTTPAdapter.KeepAlive)

	m.viper.SetDefault("discovery.ttl", d.Discovery.TTL)
}
