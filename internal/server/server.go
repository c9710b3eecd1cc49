// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/identity"
	"github.com/jeranaias/rigrun-relay/internal/orchestrator"
	"github.com/jeranaias/rigrun-relay/internal/storage"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8787"

	// MaxRequestBodySize is the default request body cap (1MB).
	MaxRequestBodySize = 1 << 20

	// MaxMessageLength caps the user message in runes.
	MaxMessageLength = 100000

	// MaxTokensLimit is the maximum value for maxTokens.
	MaxTokensLimit = 128000

	// MinTemperature and MaxTemperature bound temperature.
	MinTemperature = 0.0
	MaxTemperature = 2.0

	// MaxTitleLength caps conversation titles in runes.
	MaxTitleLength = 200
)

// Version is reported by /health (set at build time)
var Version = "0.3.0"

// ============================================================================
// SERVER STATS
// ============================================================================

// ServerStats counts agent requests by outcome.
type ServerStats struct {
	AgentRequests int64
	Completed     int64
	Failed        int64
	Canceled      int64
	Rejected      int64
	Tokens        int64
	StartTime     time.Time
}

// NewServerStats creates a new ServerStats instance.
func NewServerStats() *ServerStats {
	return &ServerStats{StartTime: time.Now()}
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	AgentRequests int64   `json:"agentRequests"`
	Completed     int64   `json:"completed"`
	Failed        int64   `json:"failed"`
	Canceled      int64   `json:"canceled"`
	Rejected      int64   `json:"rejected"`
	Tokens        int64   `json:"tokens"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// Snapshot returns the current counters.
func (s *ServerStats) Snapshot() StatsResponse {
	return StatsResponse{
		AgentRequests: atomic.LoadInt64(&s.AgentRequests),
		Completed:     atomic.LoadInt64(&s.Completed),
		Failed:        atomic.LoadInt64(&s.Failed),
		Canceled:      atomic.LoadInt64(&s.Canceled),
		Rejected:      atomic.LoadInt64(&s.Rejected),
		Tokens:        atomic.LoadInt64(&s.Tokens),
		UptimeSeconds: time.Since(s.StartTime).Seconds(),
	}
}

// ============================================================================
// OPTIONS
// ============================================================================

// Options configures a Server.
type Options struct {
	Addr           string
	MaxBodyBytes   int64
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
	TrustedProxies []string
	AllowedIPs     []string

	// ProviderErrors, when non-empty, makes every agent request fail with
	// CONFIGURATION_ERROR.
	ProviderErrors []string

	// Logger receives request logs (default: log.Default())
	Logger *log.Logger
}

// DefaultOptions returns options for a local development server.
func DefaultOptions() Options {
	return Options{
		Addr:         DefaultAddr,
		MaxBodyBytes: MaxRequestBodySize,
	}
}

// OptionsFromConfig derives server options from the relay configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Addr:           cfg.Server.Addr,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		TrustedProxies: cfg.Server.TrustedProxies,
		AllowedIPs:     cfg.Server.AllowedIPs,
		ProviderErrors: cfg.ValidateProviders().Messages(),
	}
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the relay HTTP API.
type Server struct {
	addr    string
	router  *http.ServeMux
	handler http.Handler
	server  *http.Server

	orch     *orchestrator.Orchestrator
	store    storage.Store
	resolver identity.Resolver

	maxBody        int64
	providerErrors []string

	resourceCORS *CORSConfig
	agentCORS    *CORSConfig
	limiter      *RateLimiter
	allowlist    *IPAllowlist
	stats        *ServerStats

	mu sync.Mutex
}

// New creates a Server. A nil resolver serves every request as
// identity.DefaultLocalUser.
func New(orch *orchestrator.Orchestrator, store storage.Store, resolver identity.Resolver, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = MaxRequestBodySize
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if resolver == nil {
		resolver = identity.StaticResolver{UserID: identity.DefaultLocalUser}
	}
	SetTrustedProxies(opts.TrustedProxies)

	s := &Server{
		addr:           opts.Addr,
		router:         http.NewServeMux(),
		orch:           orch,
		store:          store,
		resolver:       resolver,
		maxBody:        opts.MaxBodyBytes,
		providerErrors: append([]string(nil), opts.ProviderErrors...),
		resourceCORS:   NewCORSConfig(opts.AllowedOrigins),
		agentCORS:      AgentCORSConfig(),
		limiter:        NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		allowlist:      NewIPAllowlist(opts.AllowedIPs),
		stats:          NewServerStats(),
	}

	s.setupRoutes()
	s.handler = Chain(
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(opts.Logger),
		s.corsMiddleware,
		RateLimitMiddleware(s.limiter),
		AuthMiddleware(s.resolver, s.allowlist),
	)(s.router)
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Stats returns the request counters.
func (s *Server) Stats() StatsResponse {
	return s.stats.Snapshot()
}

// Reload applies the settings that can change without a restart: CORS
// origins, rate limits, the IP allowlist and trusted proxies. Backend
// credentials and storage need a restart.
func (s *Server) Reload(cfg *config.Config) {
	s.resourceCORS.SetOrigins(cfg.Server.AllowedOrigins)
	s.limiter.SetLimit(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	s.allowlist.Set(cfg.Server.AllowedIPs)
	SetTrustedProxies(cfg.Server.TrustedProxies)
	log.Printf("SERVER_RELOADED | origins=%d rate_limit_rps=%.2f burst=%d allowed_ips=%d",
		len(cfg.Server.AllowedOrigins), cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, len(cfg.Server.AllowedIPs))
}

// corsMiddleware applies the open agent policy to /v1/agent and the
// allowlist policy everywhere else.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	agent := CORSMiddleware(s.agentCORS)(next)
	resources := CORSMiddleware(s.resourceCORS)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/agent" {
			agent.ServeHTTP(w, r)
			return
		}
		resources.ServeHTTP(w, r)
	})
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// Orchestration
	s.router.HandleFunc("POST /v1/agent", s.handleAgent)
	s.router.HandleFunc("GET /v1/models", s.handleModels)

	// Conversations
	s.router.HandleFunc("GET /v1/conversations", s.handleListConversations)
	s.router.HandleFunc("POST /v1/conversations", s.handleCreateConversation)
	s.router.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	s.router.HandleFunc("PATCH /v1/conversations/{id}", s.handleRenameConversation)
	s.router.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)
	s.router.HandleFunc("GET /v1/conversations/{id}/share", s.handleShareConversation)
	s.router.HandleFunc("GET /v1/conversations/{id}/search", s.handleSearchConversation)

	// Preferences and prompts
	s.router.HandleFunc("GET /v1/preferences", s.handleGetPreferences)
	s.router.HandleFunc("PATCH /v1/preferences", s.handleUpdatePreferences)
	s.router.HandleFunc("GET /v1/quick-prompts", s.handleQuickPrompts)

	// Health and stats
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /stats", s.handleStats)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

func (s *Server) httpServer() *http.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		s.server = &http.Server{
			Addr:              s.addr,
			Handler:           s.handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			// No WriteTimeout: streams last as long as the model talks.
			IdleTimeout: 120 * time.Second,
		}
	}
	return s.server
}

// Start listens on the configured address and serves until Shutdown.
// It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	log.Printf("SERVER_START | addr=%s version=%s", ln.Addr(), Version)
	if len(s.providerErrors) > 0 {
		log.Printf("CONFIG_WARNING | providers=%v", s.providerErrors)
	}
	err := s.httpServer().Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server. Open streams see their request
// context cancelled once ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	// A server shut down before Serve makes a later Serve return at once.
	srv := s.httpServer()

	st := s.stats.Snapshot()
	log.Printf("SERVER_SHUTDOWN | agent_requests=%d completed=%d failed=%d canceled=%d",
		st.AgentRequests, st.Completed, st.Failed, st.Canceled)
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("RESPONSE_WRITE_FAILED | status=%d error=%v", status, err)
	}
}

// writeError writes {error, code, details?}. Server-side failures are logged
// with their cause; the cause never reaches the client.
func writeError(w http.ResponseWriter, e *orchestrator.Error) {
	if e.Status >= http.StatusInternalServerError {
		log.Printf("REQUEST_FAILED | code=%s status=%d error=%v details=%v",
			e.Code, e.Status, e.Err, RedactFields(e.Details))
	}
	writeJSON(w, e.Status, errorBody{
		Error:   e.Message,
		Code:    e.Code,
		Details: e.Details,
	})
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) *orchestrator.Error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			e := orchestrator.ValidationError("Request body exceeds %d bytes", limit)
			e.Status = http.StatusRequestEntityTooLarge
			return e
		}
		return orchestrator.ValidationError("Invalid request body")
	}
	return nil
}
