package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/parlo-go/parlo/pkg/core"
)

// Server is the call-creation proxy. Clients post call requests to it; the
// server forwards them to the upstream voice API with the backend API key
// attached and relays the upstream response verbatim, status included.
type Server struct {
	config *Config
	logger *slog.Logger

	// HTTP server
	httpServer *http.Server
	mux        *http.ServeMux

	// Upstream client
	upstream *http.Client

	// Middleware
	auth        *AuthMiddleware
	rateLimiter *RateLimiter
	logging     *LoggingMiddleware
	recovery    *RecoveryMiddleware
	cors        *CORSMiddleware
	bodyLimiter *RequestBodyLimitMiddleware

	// Metrics
	metrics *Metrics

	// Lifecycle
	done     chan struct{}
	shutdown atomic.Bool
}

// NewServer creates a new proxy server.
func NewServer(opts ...ConfigOption) (*Server, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	config.LoadUpstreamKeyFromEnv()
	if config.UpstreamBaseURL == "" {
		return nil, fmt.Errorf("upstream base URL is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics := NewMetrics("parlo")

	s := &Server{
		config:  config,
		logger:  logger,
		metrics: metrics,
		done:    make(chan struct{}),
		upstream: &http.Client{
			Timeout: config.UpstreamTimeout,
		},
	}

	s.auth = NewAuthMiddleware(config.AuthMode, config.APIKeys, logger)
	s.rateLimiter = NewRateLimiter(config.RateLimit, logger, metrics)
	s.logging = NewLoggingMiddleware(logger)
	s.recovery = NewRecoveryMiddleware(logger, metrics)
	s.cors = NewCORSMiddleware(config.AllowedOrigins)
	s.bodyLimiter = NewRequestBodyLimitMiddleware(config.MaxRequestBodyBytes)

	s.setupRoutes()

	return s, nil
}

// Handler returns the server's root handler. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() {
	s.mux = http.NewServeMux()

	// Health check (no auth required)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Metrics (no auth required by default)
	if s.config.Observability.MetricsEnabled {
		s.mux.Handle("GET "+s.config.Observability.MetricsPath, s.metrics.Handler())
	}

	// Call creation, with a legacy alias kept for older clients
	callHandler := s.withMiddleware(http.HandlerFunc(s.handleCreateCall))
	s.mux.Handle("POST /api/calls", callHandler)
	s.mux.Handle("POST /api/ultravox/calls", callHandler)
	s.mux.Handle("OPTIONS /api/calls", s.withMiddleware(http.HandlerFunc(s.handleCreateCall)))
	s.mux.Handle("OPTIONS /api/ultravox/calls", s.withMiddleware(http.HandlerFunc(s.handleCreateCall)))
}

// withMiddleware wraps a handler with all middleware.
func (s *Server) withMiddleware(handler http.Handler) http.Handler {
	// Apply middleware in reverse order (innermost first)
	handler = s.recovery.Recover(handler)
	handler = s.rateLimiter.RateLimit(handler)
	handler = s.auth.Authenticate(handler)
	handler = s.bodyLimiter.Limit(handler)
	handler = s.cors.Handle(handler)
	handler = s.logging.Log(handler)
	return handler
}

// Start starts the server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.logger.Info("proxy starting",
		"addr", addr,
		"upstream", s.config.UpstreamBaseURL,
		"tls", s.config.TLSEnabled,
	)

	go s.cleanupLoop()

	if s.config.TLSEnabled {
		return s.httpServer.ServeTLS(listener, s.config.TLSCertFile, s.config.TLSKeyFile)
	}
	return s.httpServer.Serve(listener)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdown.Swap(true) {
		return nil
	}
	close(s.done)

	s.logger.Info("proxy shutting down")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// cleanupLoop periodically cleans up stale rate limit buckets.
func (s *Server) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.rateLimiter.Cleanup()
		}
	}
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":   "healthy",
		"upstream": s.config.UpstreamBaseURL,
	}
	if s.config.UpstreamAPIKey == "" {
		health["status"] = "degraded"
		health["detail"] = "no upstream API key configured"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleCreateCall forwards a call-creation request upstream. The client
// body passes through untouched so new upstream fields need no proxy
// release; only the key header is ours.
func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := requestIDFromContext(r.Context())

	if s.config.UpstreamAPIKey == "" {
		s.metrics.RecordError("missing_upstream_key")
		writeJSONError(w, core.NewAPIError("Proxy has no upstream API key configured"), requestID)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.metrics.RecordError("read_body")
		writeJSONError(w, core.NewInvalidRequestError("Failed to read request body"), requestID)
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeJSONError(w, core.NewInvalidRequestError("Request body must be valid JSON"), requestID)
		return
	}

	endpoint := s.config.UpstreamBaseURL + "/api/calls"
	upReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		s.metrics.RecordError("build_upstream_request")
		writeJSONError(w, core.NewAPIError("Failed to build upstream request"), requestID)
		return
	}
	upReq.Header.Set("Content-Type", "application/json")
	upReq.Header.Set("X-API-Key", s.config.UpstreamAPIKey)

	s.metrics.UpstreamInFlight.Inc()
	resp, err := s.upstream.Do(upReq)
	s.metrics.UpstreamInFlight.Dec()
	if err != nil {
		s.logger.Error("upstream request failed", "request_id", requestID, "error", err)
		s.metrics.RecordError("upstream_unreachable")
		writeJSONErrorWithStatus(w, http.StatusBadGateway,
			core.NewUpstreamError(http.StatusBadGateway, "upstream voice API unreachable"), requestID)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		s.logger.Error("upstream response read failed", "request_id", requestID, "error", err)
		s.metrics.RecordError("upstream_read")
		writeJSONErrorWithStatus(w, http.StatusBadGateway,
			core.NewUpstreamError(http.StatusBadGateway, "failed reading upstream response"), requestID)
		return
	}

	s.metrics.RecordCallCreated(resp.StatusCode)
	s.metrics.RecordRequest("create_call", resp.Status, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("upstream rejected call creation",
			"request_id", requestID,
			"status", resp.StatusCode,
		)
	}

	// Relay the upstream response verbatim.
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		s.logger.Debug("client write failed", "request_id", requestID, "error", err)
	}
}
