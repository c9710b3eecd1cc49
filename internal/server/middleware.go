// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/rigrun-relay/internal/identity"
	"github.com/jeranaias/rigrun-relay/internal/orchestrator"
)

// ============================================================================
// IP Allowlist
// ============================================================================

// IPAllowlist restricts access to a set of addresses or CIDR ranges.
// An empty list allows everything.
type IPAllowlist struct {
	mu   sync.RWMutex
	nets []*net.IPNet
}

// NewIPAllowlist parses entries as CIDRs or single addresses. Invalid entries
// are logged and skipped.
func NewIPAllowlist(entries []string) *IPAllowlist {
	a := &IPAllowlist{}
	a.Set(entries)
	return a
}

// Set replaces the allowlist.
func (a *IPAllowlist) Set(entries []string) {
	nets := parseNets(entries, "ALLOWLIST_CONFIG")
	a.mu.Lock()
	a.nets = nets
	a.mu.Unlock()
}

// Allowed reports whether ipStr may connect.
func (a *IPAllowlist) Allowed(ipStr string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.nets) == 0 {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		log.Printf("AUTH | could not parse client IP: %s", ipStr)
		return false
	}
	for _, n := range a.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// parseNets accepts CIDR notation or bare IPs (/32 or /128).
func parseNets(entries []string, event string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			_, n, err := net.ParseCIDR(entry)
			if err != nil {
				log.Printf("%s | invalid CIDR notation: %s", event, entry)
				continue
			}
			nets = append(nets, n)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			log.Printf("%s | invalid IP address: %s", event, entry)
			continue
		}
		bits := 128
		if ip.To4() != nil {
			bits = 32
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// ============================================================================
// Auth Middleware
// ============================================================================

type userKey struct{}

// WithUserID returns a context carrying the resolved user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserIDFrom returns the user id set by AuthMiddleware.
func UserIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// AuthMiddleware resolves the caller's user id and stores it in the request
// context.
//
// Checks (in order):
//  1. Preflight requests and /health pass through
//  2. Client IP against the allowlist
//  3. The resolver (bearer token or static local user)
//
// Failures get a 401 with code UNAUTHORIZED.
func AuthMiddleware(resolver identity.Resolver, allow *IPAllowlist) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := GetClientIP(r)
			if allow != nil && !allow.Allowed(clientIP) {
				log.Printf("AUTH_DENIED | ip=%s reason=ip_not_allowed", clientIP)
				writeError(w, unauthorized())
				return
			}

			userID, err := resolver.Resolve(r)
			if err != nil {
				if !errors.Is(err, identity.ErrUnauthorized) {
					log.Printf("AUTH_ERROR | ip=%s error=%v", clientIP, err)
				}
				writeError(w, unauthorized())
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func unauthorized() *orchestrator.Error {
	return &orchestrator.Error{
		Code:    orchestrator.CodeUnauthorized,
		Status:  http.StatusUnauthorized,
		Message: "Unauthorized",
	}
}

// ============================================================================
// CORS Configuration and Middleware
// ============================================================================

// CORSConfig contains CORS (Cross-Origin Resource Sharing) configuration.
// AllowedOrigins can be replaced at runtime through SetOrigins.
type CORSConfig struct {
	mu             sync.RWMutex
	allowedOrigins []string

	// AllowedMethods is a list of allowed HTTP methods.
	AllowedMethods []string

	// AllowedHeaders is a list of allowed request headers.
	AllowedHeaders []string

	// MaxAge is the max age (in seconds) for preflight cache.
	MaxAge int

	// PreflightStatus answers OPTIONS requests.
	PreflightStatus int
}

// NewCORSConfig returns the configuration for the resource endpoints.
func NewCORSConfig(origins []string) *CORSConfig {
	return &CORSConfig{
		allowedOrigins:  append([]string(nil), origins...),
		AllowedMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:  []string{"Content-Type", "Authorization"},
		MaxAge:          86400,
		PreflightStatus: http.StatusNoContent,
	}
}

// AgentCORSConfig returns the open policy of the streaming endpoint: any
// origin, POST only.
func AgentCORSConfig() *CORSConfig {
	return &CORSConfig{
		allowedOrigins:  []string{"*"},
		AllowedMethods:  []string{"POST", "OPTIONS"},
		AllowedHeaders:  []string{"Content-Type", "Authorization"},
		PreflightStatus: http.StatusOK,
	}
}

// SetOrigins replaces the allowed origins.
func (c *CORSConfig) SetOrigins(origins []string) {
	c.mu.Lock()
	c.allowedOrigins = append([]string(nil), origins...)
	c.mu.Unlock()
}

// Origins returns a copy of the allowed origins.
func (c *CORSConfig) Origins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.allowedOrigins...)
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when the origin is not allowed.
func (c *CORSConfig) allowOrigin(origin string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, allowed := range c.allowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin == "" {
			continue
		}
		if allowed == origin {
			return origin
		}
		// Wildcard subdomain matching (e.g., "*.example.com")
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, strings.TrimPrefix(allowed, "*")) {
			return origin
		}
	}
	return ""
}

// CORSMiddleware sets Access-Control-* headers and answers preflight
// requests.
func CORSMiddleware(config *CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if allowed := config.allowOrigin(r.Header.Get("Origin")); allowed != "" {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", allowed)
				h.Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
				h.Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
				if config.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", fmt.Sprintf("%d", config.MaxAge))
				}
				if allowed != "*" {
					h.Set("Access-Control-Allow-Credentials", "true")
					h.Add("Vary", "Origin")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(config.PreflightStatus)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Rate Limiter
// ============================================================================

const (
	// limiterIdleTTL is how long an idle client's bucket is kept.
	limiterIdleTTL = 10 * time.Minute

	// limiterSweepEvery bounds how often idle buckets are swept.
	limiterSweepEvery = time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-IP token bucket limiter.
type RateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	clients   map[string]*clientLimiter
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter allows rps sustained requests per second per client with
// the given burst. rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
	rl.SetLimit(rps, burst)
	return rl
}

// SetLimit changes the rate for every client, including existing buckets.
func (rl *RateLimiter) SetLimit(rps float64, burst int) {
	if burst < 1 {
		burst = 1
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.limit = rate.Limit(rps)
	rl.burst = burst
	for _, c := range rl.clients {
		c.limiter.SetLimit(rl.limit)
		c.limiter.SetBurst(burst)
	}
}

// Enabled reports whether requests are being limited.
func (rl *RateLimiter) Enabled() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.limit > 0
}

// Allow reports whether a request from ip may proceed now. When it may not,
// the returned duration is how long until a token is available.
func (rl *RateLimiter) Allow(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.limit <= 0 {
		return true, 0
	}

	now := rl.now()
	rl.sweepLocked(now)

	c, ok := rl.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now

	if c.limiter.AllowN(now, 1) {
		return true, 0
	}
	wait := time.Duration(float64(time.Second) / float64(rl.limit))
	return false, wait
}

// Clients returns the number of tracked client buckets.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// sweepLocked drops buckets idle longer than limiterIdleTTL.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < limiterSweepEvery {
		return
	}
	rl.lastSweep = now
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) > limiterIdleTTL {
			delete(rl.clients, ip)
		}
	}
}

// RateLimitMiddleware returns 429 RATE_LIMITED with a Retry-After header
// once a client exhausts its bucket.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := GetClientIP(r)
			ok, wait := limiter.Allow(clientIP)
			if !ok {
				secs := int(math.Ceil(wait.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
				log.Printf("RATE_LIMIT_EXCEEDED | ip=%s retry_after=%ds", clientIP, secs)
				writeError(w, &orchestrator.Error{
					Code:    orchestrator.CodeRateLimited,
					Status:  http.StatusTooManyRequests,
					Message: "Too many requests",
					Details: map[string]any{"retryAfterSeconds": secs},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Request Logging Middleware
// ============================================================================

// responseWriter wraps http.ResponseWriter to capture the status code. It
// forwards Flush so streamed responses are not buffered.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

// newResponseWriter creates a wrapped response writer.
func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader captures the status code before writing it.
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write counts bytes written.
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// LoggingMiddleware logs every request after it completes.
//
// Log format: "REQUEST | method=POST path=/v1/agent status=200 bytes=512 duration=1.234s ip=127.0.0.1"
func LoggingMiddleware(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			path := r.URL.Path
			if r.URL.RawQuery != "" {
				path += "?" + RedactQuery(r.URL.Query()).Encode()
			}
			logger.Printf("REQUEST | method=%s path=%s status=%d bytes=%d duration=%.3fs ip=%s",
				r.Method,
				path,
				wrapped.statusCode,
				wrapped.written,
				time.Since(start).Seconds(),
				GetClientIP(r),
			)
		})
	}
}

// ============================================================================
// Log Redaction
// ============================================================================

// secretKeyFragments mark keys whose values must never be logged.
var secretKeyFragments = []string{"api_key", "apikey", "token", "secret", "password", "authorization"}

// Redacted replaces secret values.
const Redacted = "[REDACTED]"

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, frag := range secretKeyFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}

// RedactFields returns a copy of fields with secret-looking keys replaced,
// descending into nested maps.
func RedactFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch {
		case isSecretKey(k):
			out[k] = Redacted
		default:
			if nested, ok := v.(map[string]any); ok {
				out[k] = RedactFields(nested)
			} else {
				out[k] = v
			}
		}
	}
	return out
}

// RedactQuery returns a copy of q with secret-looking parameters replaced.
func RedactQuery(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, v := range q {
		if isSecretKey(k) {
			out[k] = []string{Redacted}
			continue
		}
		out[k] = v
	}
	return out
}

// ============================================================================
// Security Headers Middleware
// ============================================================================

// SecurityHeadersMiddleware returns HTTP middleware that adds security headers.
// Handlers may override Cache-Control; the streaming endpoint does.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'")
			h.Set("Cache-Control", "no-store")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")

			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Recovery Middleware
// ============================================================================

// RecoveryMiddleware logs panics with a stack trace and answers 500
// INTERNAL_ERROR instead of dropping the connection.
func RecoveryMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					log.Printf("PANIC_RECOVERED | method=%s path=%s error=%v\n%s",
						r.Method,
						r.URL.Path,
						err,
						string(debug.Stack()),
					)
					writeError(w, &orchestrator.Error{
						Code:    orchestrator.CodeInternal,
						Status:  http.StatusInternalServerError,
						Message: "Internal server error",
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Middleware Chain Helper
// ============================================================================

// Chain composes multiple middleware functions into a single middleware.
// Middlewares are applied in the order provided.
//
// Example:
//
//	chain := Chain(
//	    LoggingMiddleware(logger),
//	    AuthMiddleware(resolver, allowlist),
//	    RateLimitMiddleware(limiter),
//	)
//	http.Handle("/v1/", chain(handler))
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// ============================================================================
// IP Extraction Helper
// ============================================================================

// DefaultTrustedProxies are allowed to set X-Forwarded-For and X-Real-IP.
// Forwarded headers from anyone else are ignored so clients cannot dodge the
// rate limiter or the allowlist.
var DefaultTrustedProxies = []string{
	"127.0.0.1/32",   // IPv4 localhost
	"::1/128",        // IPv6 localhost
	"10.0.0.0/8",     // Private network (RFC 1918)
	"172.16.0.0/12",  // Private network (RFC 1918)
	"192.168.0.0/16", // Private network (RFC 1918)
	"fc00::/7",       // IPv6 Unique Local Addresses (RFC 4193)
}

var (
	trustedProxiesMu     sync.RWMutex
	parsedTrustedProxies = parseNets(DefaultTrustedProxies, "TRUSTED_PROXIES")
)

// SetTrustedProxies replaces the trusted proxy ranges. An empty list restores
// DefaultTrustedProxies.
func SetTrustedProxies(cidrs []string) {
	if len(cidrs) == 0 {
		cidrs = DefaultTrustedProxies
	}
	nets := parseNets(cidrs, "TRUSTED_PROXIES")
	trustedProxiesMu.Lock()
	parsedTrustedProxies = nets
	trustedProxiesMu.Unlock()
}

// isTrustedProxy checks if the given IP address is in the trusted proxy list.
func isTrustedProxy(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	trustedProxiesMu.RLock()
	defer trustedProxiesMu.RUnlock()
	for _, cidr := range parsedTrustedProxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// getRemoteIP extracts the IP address from r.RemoteAddr.
func getRemoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// GetClientIP extracts the client IP address from an HTTP request.
//
// Process:
//  1. Extract the direct connection IP from RemoteAddr
//  2. If the connection is from a trusted proxy, check forwarded headers:
//     a. X-Forwarded-For (first entry, must parse as an IP)
//     b. X-Real-IP (must parse as an IP)
//  3. Fall back to the connection IP
func GetClientIP(r *http.Request) string {
	connIP := getRemoteIP(r.RemoteAddr)
	if !isTrustedProxy(connIP) {
		return connIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		clientIP := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(clientIP) != nil {
			return clientIP
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	return connIP
}
