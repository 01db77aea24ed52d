// Command toolgate runs the authorization and audit gateway: it fronts a
// fleet of tool providers (stdio, HTTP/SSE, gRPC), authorizes every
// invocation against an external policy engine through a cached decision
// layer, and records a durable audit trail.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/adapter"
	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/authz"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/gateway"
	"github.com/toolgate/toolgate/internal/logging"
	"github.com/toolgate/toolgate/internal/middleware"
	"github.com/toolgate/toolgate/internal/policy"
	"github.com/toolgate/toolgate/internal/resilience"
)

var version = "dev"

func main() {
	var (
		configPath  string
		checkConfig bool
		showVersion bool
	)

	rootCmd := &cobra.Command{
		Use:   "toolgate",
		Short: "Authorization and audit gateway for AI-tool invocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("toolgate %s\n", version)
				return nil
			}

			manager := config.NewManager(configPath)
			if err := manager.Load(); err != nil {
				return err
			}
			if err := manager.Validate(); err != nil {
				return err
			}
			if checkConfig {
				fmt.Println("configuration OK")
				return nil
			}
			return run(manager)
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default: defaults + TOOLGATE_* env)")
	rootCmd.Flags().BoolVar(&checkConfig, "check-config", false, "validate configuration and exit")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(manager *config.Manager) error {
	cfg := manager.Get()

	logger, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer logger.Sync()
	logger.Info("starting toolgate", zap.String("version", version))

	pipeline, err := buildAuditPipeline(cfg, logger)
	if err != nil {
		return err
	}
	pipeline.Start()

	breakerCfg := resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		HalfOpenMax:      cfg.Breaker.HalfOpenMax,
	}
	retryCfg := resilience.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Jitter:      cfg.Retry.Jitter,
	}

	engine := policy.NewEngineClient(policy.EngineConfig{
		BaseURL: cfg.Engine.BaseURL,
		Timeout: cfg.Engine.Timeout,
		Breaker: breakerCfg,
		Retry:   retryCfg,
	}, logger)

	var store policy.Store
	if cfg.Cache.Redis.Addr != "" {
		store = policy.NewRedisStore(cfg.Cache.Redis.Addr, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB)
		logger.Info("redis decision store enabled", zap.String("addr", cfg.Cache.Redis.Addr))
	}
	cache, err := policy.NewDecisionCache(policy.CacheConfig{
		Capacity:   cfg.Cache.Capacity,
		DefaultTTL: cfg.Cache.DefaultTTL,
		MaxTTL:     cfg.Cache.MaxTTL,
		DenyTTLMax: cfg.Cache.DenyTTLMax,
	}, store)
	if err != nil {
		return fmt.Errorf("initialize decision cache: %w", err)
	}

	svc := authz.NewService(authz.Config{FailClosed: cfg.Policy.FailClosed}, engine, cache, pipeline, logger)

	registry := adapter.NewRegistry()
	if err := registerProviders(cfg, registry, breakerCfg, retryCfg, logger); err != nil {
		return err
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.PerPrincipalRPS, cfg.RateLimit.Burst)

	dispatcher := gateway.NewDispatcher(registry, svc, limiter, pipeline, logger)
	auth := gateway.NewTokenAuthenticator(cfg.Auth.Tokens)
	server := gateway.NewServer(gateway.ServerConfig{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		TLSEnabled:  cfg.Server.TLSEnabled,
		TLSCertPath: cfg.Server.TLSCertPath,
		TLSKeyPath:  cfg.Server.TLSKeyPath,
	}, auth, dispatcher, svc, engine, registry, pipeline, logger)

	if err := server.Start(); err != nil {
		return err
	}

	// Config hot reload: a policy-relevant change drops every cached decision
	// so no stale pre-change entry survives.
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		for range manager.Watch() {
			logger.Info("configuration reloaded")
			svc.InvalidateForPolicyChange(context.Background())
			pipeline.Emit(audit.NewEvent(audit.EventConfigReloaded).WithOutcome(audit.OutcomeSuccess))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	// Teardown runs in reverse of startup: stop accepting requests, close the
	// provider fleet, then flush the audit trail last.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("server stop", zap.Error(err))
	}
	if err := registry.CloseAll(); err != nil {
		logger.Warn("close adapters", zap.Error(err))
	}
	limiter.Stop()
	if err := pipeline.Close(shutdownCtx); err != nil {
		logger.Warn("close audit pipeline", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// buildAuditPipeline assembles the file sink, the optional sqlite fallback,
// and the pipeline over them.
func buildAuditPipeline(cfg *config.Config, logger *zap.Logger) (*audit.Pipeline, error) {
	primary, err := audit.NewFileSink(audit.FileSinkConfig{
		Path:       cfg.Audit.LogPath,
		MaxSizeMB:  cfg.Audit.MaxSizeMB,
		MaxBackups: cfg.Audit.MaxBackups,
		MaxAgeDays: cfg.Audit.MaxAgeDays,
		Compress:   cfg.Audit.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize audit log: %w", err)
	}

	var fallback audit.Sink
	if cfg.Audit.SQLitePath != "" {
		sqlite, err := audit.NewSQLiteSink(cfg.Audit.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("initialize audit fallback store: %w", err)
		}
		fallback = sqlite
	}

	return audit.NewPipeline(audit.Config{
		QueueCapacity: cfg.Audit.QueueCapacity,
		BatchSize:     cfg.Audit.BatchSize,
		BatchMaxAge:   cfg.Audit.BatchMaxAge,
		DropPolicy:    cfg.Audit.DropPolicy,
		EnqueueWait:   cfg.Audit.EnqueueWait,
	}, primary, fallback, logger), nil
}

// registerProviders builds one adapter per configured provider.
func registerProviders(cfg *config.Config, registry *adapter.Registry, breakerCfg resilience.BreakerConfig, retryCfg resilience.RetryConfig, logger *zap.Logger) error {
	for _, p := range cfg.Providers {
		var (
			ad  adapter.Adapter
			err error
		)
		switch strings.ToLower(p.Protocol) {
		case "stdio":
			ad = adapter.NewStdioAdapter(adapter.StdioConfig{
				Name:              p.Name,
				Command:           p.Command,
				Args:              p.Args,
				Env:               p.Env,
				MaxMemoryMB:       cfg.Stdio.MaxMemoryMB,
				MaxCPUPercent:     cfg.Stdio.MaxCPUPercent,
				MaxFDs:            cfg.Stdio.MaxFDs,
				HeartbeatInterval: cfg.Stdio.HeartbeatInterval,
				HungTimeout:       cfg.Stdio.HungTimeout,
				StopTimeout:       cfg.Stdio.StopTimeout,
				SteadyStatePeriod: cfg.Stdio.SteadyStatePeriod,
				MaxRestarts:       cfg.Stdio.MaxRestarts,
				DiscoveryTTL:      cfg.Discovery.TTL,
				Breaker:           breakerCfg,
				Retry:             retryCfg,
			}, logger)
		case "http":
			ad = adapter.NewHTTPAdapter(adapter.HTTPConfig{
				Name:         p.Name,
				BaseURL:      p.BaseURL,
				DiscoveryURL: p.DiscoveryURL,
				AuthToken:    p.AuthToken,
				MaxConns:     cfg.HTTPAdapter.MaxConns,
				DiscoveryTTL: cfg.Discovery.TTL,
				Breaker:      breakerCfg,
				Retry:        retryCfg,
			}, logger)
		case "grpc":
			grpcCfg := adapter.GRPCConfig{
				Name:         p.Name,
				Target:       p.Target,
				Reflection:   p.Reflection,
				AuthToken:    p.AuthToken,
				DiscoveryTTL: cfg.Discovery.TTL,
				Breaker:      breakerCfg,
				Retry:        retryCfg,
			}
			if p.TLSEnabled {
				grpcCfg.TLSCertFile = p.TLSCertPath
				grpcCfg.TLSKeyFile = p.TLSKeyPath
				grpcCfg.TLSCAFile = p.TLSCAPath
			}
			ad, err = adapter.NewGRPCAdapter(grpcCfg, logger)
			if err != nil {
				return fmt.Errorf("provider %s: %w", p.Name, err)
			}
		default:
			return fmt.Errorf("provider %s: unknown protocol %q", p.Name, p.Protocol)
		}

		if err := registry.Register(ad); err != nil {
			return err
		}
		logger.Info("provider registered",
			zap.String("protocol", strings.ToLower(p.Protocol)),
			zap.String("name", p.Name))
	}
	return nil
}
