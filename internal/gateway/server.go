package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/adapter"
	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/authz"
	"github.com/toolgate/toolgate/internal/policy"
	"github.com/toolgate/toolgate/internal/toolerr"
)

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Host        string
	Port        int
	TLSEnabled  bool
	TLSCertPath string
	TLSKeyPath  string
}

// Server is the gateway's HTTP front end.
type Server struct {
	cfg        ServerConfig
	logger     *zap.Logger
	auth       *TokenAuthenticator
	dispatcher *Dispatcher
	authz      *authz.Service
	engine     *policy.EngineClient
	registry   *adapter.Registry
	audit      *audit.Pipeline

	httpServer *http.Server
	wg         sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewServer wires the HTTP surface over the dispatcher.
func NewServer(cfg ServerConfig, auth *TokenAuthenticator, dispatcher *Dispatcher, svc *authz.Service, engine *policy.EngineClient, registry *adapter.Registry, pipeline *audit.Pipeline, logger *zap.Logger) *Server {
	return &Server{
		cfg:        cfg,
		logger:     logger,
		auth:       auth,
		dispatcher: dispatcher,
		authz:      svc,
		engine:     engine,
		registry:   registry,
		audit:      pipeline,
	}
}

// Start begins serving. It returns once the listener goroutine is running.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	mux := http.NewServeMux()
	s.registerHandlers(mux)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	s.running = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if s.cfg.TLSEnabled {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("gateway listening", zap.String("addr", addr), zap.Bool("tls", s.cfg.TLSEnabled))
	s.emit(audit.NewEvent(audit.EventServerStarted).WithOutcome(audit.OutcomeSuccess))
	return nil
}

// Stop shuts the listener down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.httpServer
	s.mu.Unlock()

	s.emit(audit.NewEvent(audit.EventServerShutdown).WithOutcome(audit.OutcomeSuccess))
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	s.wg.Wait()
	return nil
}

func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleHealthDetailed)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/v1/authorize", s.withAuth(s.handleAuthorize))
	mux.HandleFunc("/api/v1/invoke", s.withAuth(s.handleInvoke))
	mux.HandleFunc("/api/v1/invoke/stream", s.withAuth(s.handleInvokeStream))
}

// withAuth resolves the caller's principal before the handler runs. Failures
// are audited; nothing downstream sees an unauthenticated request.
func (s *Server) withAuth(next func(http.ResponseWriter, *http.Request, policy.Principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.auth.Authenticate(r)
		if err != nil {
			s.emit(audit.NewEvent(audit.EventAuthFailed).
				WithPrincipal("", sourceIP(r)).
				WithError(err, string(toolerr.KindOf(err))))
			s.writeError(w, err)
			return
		}
		next(w, r, principal)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleHealthDetailed reports per-dependency state: the policy engine
// breaker, decision cache counters, the audit queue, and each adapter.
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	adapters := make(map[string]adapter.Health)
	healthy := true
	for _, ad := range s.registry.All() {
		h := ad.Health(r.Context())
		adapters[ad.Protocol()+"/"+ad.Name()] = h
		if !h.Healthy {
			healthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	body := map[string]interface{}{
		"status": status,
		"engine": map[string]interface{}{
			"breaker_state": s.engine.Breaker().State().String(),
		},
		"cache":    s.authz.CacheStats(),
		"adapters": adapters,
	}
	if s.audit != nil {
		body["audit"] = map[string]interface{}{
			"queue_depth": s.audit.QueueDepth(),
			"dropped":     s.audit.Dropped(),
		}
	}
	s.writeJSON(w, code, body)
}

// authorizeRequest is the dry-run authorization body. Action defaults to
// "invoke".
type authorizeRequest struct {
	Protocol   string                 `json:"protocol"`
	Server     string                 `json:"server"`
	Capability string                 `json:"capability"`
	Action     string                 `json:"action,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request, principal policy.Principal) {
	if r.Method != http.MethodPost {
		s.writeError(w, toolerr.E(toolerr.KindValidationFailed, "method not allowed"))
		return
	}
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, toolerr.Wrap(toolerr.KindValidationFailed, "decode request body", err))
		return
	}
	if req.Action == "" {
		req.Action = "invoke"
	}

	target := policy.Target{Protocol: req.Protocol, Server: req.Server, Capability: req.Capability}
	decision, err := s.authz.Authorize(r.Context(), principal, req.Action, target, req.Params)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"allow":           decision.Allow,
		"reason":          decision.Reason,
		"filtered_params": RedactParams(decision.FilteredParameters, decision.Sensitive),
		"cache_ttl":       int(s.authz.EffectiveTTL(decision).Seconds()),
	})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request, principal policy.Principal) {
	if r.Method != http.MethodPost {
		s.writeError(w, toolerr.E(toolerr.KindValidationFailed, "method not allowed"))
		return
	}
	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, toolerr.Wrap(toolerr.KindValidationFailed, "decode request body", err))
		return
	}

	res, err := s.dispatcher.Invoke(r.Context(), principal, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("X-Correlation-ID", res.CorrelationID)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"result":         res.Result,
		"correlation_id": res.CorrelationID,
	})
}

// handleInvokeStream relays a streaming invocation as server-sent events.
func (s *Server) handleInvokeStream(w http.ResponseWriter, r *http.Request, principal policy.Principal) {
	if r.Method != http.MethodPost {
		s.writeError(w, toolerr.E(toolerr.KindValidationFailed, "method not allowed"))
		return
	}
	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, toolerr.Wrap(toolerr.KindValidationFailed, "decode request body", err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, toolerr.E(toolerr.KindInternal, "streaming unsupported by connection"))
		return
	}

	ch, _, err := s.dispatcher.InvokeStream(r.Context(), principal, req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range ch {
		if chunk.Err != nil {
			payload, _ := json.Marshal(map[string]string{
				"kind":    string(toolerr.KindOf(chunk.Err)),
				"message": chunk.Err.Error(),
			})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			flusher.Flush()
			return
		}
		if chunk.Event != "" {
			fmt.Fprintf(w, "event: %s\n", chunk.Event)
		}
		fmt.Fprintf(w, "data: %s\n\n", chunk.Data)
		flusher.Flush()
	}
	fmt.Fprint(w, "event: done\ndata: {}\n\n")
	flusher.Flush()
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := toolerr.KindOf(err)
	code := http.StatusInternalServerError
	switch kind {
	case toolerr.KindAuthFailed:
		code = http.StatusUnauthorized
	case toolerr.KindPermissionDenied:
		code = http.StatusForbidden
	case toolerr.KindValidationFailed:
		code = http.StatusBadRequest
	case toolerr.KindRateLimited:
		code = http.StatusTooManyRequests
	case toolerr.KindDeadlineExceeded:
		code = http.StatusGatewayTimeout
	case toolerr.KindCancelled:
		code = http.StatusRequestTimeout
	case toolerr.KindCircuitOpen, toolerr.KindUpstreamUnavailable, toolerr.KindPolicyUnavailable:
		code = http.StatusServiceUnavailable
	case toolerr.KindProviderError, toolerr.KindTransportReset, toolerr.KindDiscoveryFailed:
		code = http.StatusBadGateway
	}
	s.writeJSON(w, code, map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

func (s *Server) emit(ev *audit.Event) {
	if s.audit != nil {
		s.audit.Emit(ev)
	}
}
