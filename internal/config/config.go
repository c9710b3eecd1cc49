// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigrun-relay/internal/backend"
	convctx "github.com/jeranaias/rigrun-relay/internal/context"
	"github.com/jeranaias/rigrun-relay/internal/identity"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/orchestrator"
	"github.com/jeranaias/rigrun-relay/internal/retry"
	"github.com/jeranaias/rigrun-relay/internal/util"
)

// CurrentVersion is written into new config files.
const CurrentVersion = "1"

const (
	// StoreSQLite persists to a SQLite database file.
	StoreSQLite = "sqlite"

	// StoreMemory keeps everything in process memory.
	StoreMemory = "memory"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete relay configuration.
type Config struct {
	Version      string `toml:"version" json:"version"`
	DefaultModel string `toml:"default_model" json:"default_model"`

	Server       ServerConfig       `toml:"server" json:"server"`
	Backends     BackendsConfig     `toml:"backends" json:"backends"`
	Storage      StorageConfig      `toml:"storage" json:"storage"`
	Auth         AuthConfig         `toml:"auth" json:"auth"`
	Orchestrator OrchestratorConfig `toml:"orchestrator" json:"orchestrator"`
	Context      ContextConfig      `toml:"context" json:"context"`
	Retry        RetryConfig        `toml:"retry" json:"retry"`
	Suggestions  SuggestionsConfig  `toml:"suggestions" json:"suggestions"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address (default: "127.0.0.1:8787")
	Addr string `toml:"addr" json:"addr"`

	// AllowedOrigins lists CORS origins for the resource endpoints.
	// The agent endpoint always answers with "*".
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`

	// RateLimitRPS is the sustained per-client request rate. 0 disables limiting.
	RateLimitRPS float64 `toml:"rate_limit_rps" json:"rate_limit_rps"`

	// RateLimitBurst is the per-client burst size.
	RateLimitBurst int `toml:"rate_limit_burst" json:"rate_limit_burst"`

	// TrustedProxies are CIDRs whose X-Forwarded-For headers are honored.
	TrustedProxies []string `toml:"trusted_proxies" json:"trusted_proxies"`

	// AllowedIPs restricts access to these CIDRs when non-empty.
	AllowedIPs []string `toml:"allowed_ips" json:"allowed_ips"`

	// MaxBodyBytes caps request bodies (default: 1 MiB)
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes"`

	// ShutdownTimeoutSecs bounds graceful shutdown.
	ShutdownTimeoutSecs int `toml:"shutdown_timeout_secs" json:"shutdown_timeout_secs"`
}

// BackendsConfig contains model provider credentials and endpoints.
type BackendsConfig struct {
	OpenAIKey string `toml:"openai_api_key" json:"openai_api_key"`
	OpenAIURL string `toml:"openai_base_url" json:"openai_base_url"`
	GeminiKey string `toml:"gemini_api_key" json:"gemini_api_key"`

	// OllamaEnabled turns on the local Ollama backend.
	OllamaEnabled bool   `toml:"ollama_enabled" json:"ollama_enabled"`
	OllamaURL     string `toml:"ollama_url" json:"ollama_url"`

	// TimeoutSecs bounds non-streaming provider calls.
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`

	// AuxiliaryModels overrides the model used for summaries and
	// suggestions, keyed by backend name.
	AuxiliaryModels map[string]string `toml:"auxiliary_models" json:"auxiliary_models"`
}

// StorageConfig selects the conversation store.
type StorageConfig struct {
	// Driver is "sqlite" (default) or "memory".
	Driver string `toml:"driver" json:"driver"`

	// Path is the SQLite database file. Empty means ~/.rigrun-relay/relay.db.
	Path string `toml:"path" json:"path"`
}

// AuthConfig controls bearer token authentication.
type AuthConfig struct {
	// Enabled requires a bearer token on every API request.
	Enabled bool `toml:"enabled" json:"enabled"`

	// LocalUser is the user id assigned to every request when auth is off.
	LocalUser string `toml:"local_user" json:"local_user"`

	// Tokens maps bcrypt token hashes to user ids.
	Tokens []identity.Credential `toml:"tokens" json:"tokens"`
}

// OrchestratorConfig tunes request orchestration.
type OrchestratorConfig struct {
	SystemPrompt string `toml:"system_prompt" json:"system_prompt"`
	HistoryLimit int    `toml:"history_limit" json:"history_limit"`
	BufferSize   int    `toml:"buffer_size" json:"buffer_size"`
}

// ContextConfig tunes history summarization.
type ContextConfig struct {
	Threshold     float64 `toml:"threshold" json:"threshold"`
	MinTurns      int     `toml:"min_turns" json:"min_turns"`
	KeepRecent    int     `toml:"keep_recent" json:"keep_recent"`
	CharsPerToken int     `toml:"chars_per_token" json:"chars_per_token"`
}

// RetryConfig bounds stream-open retries.
type RetryConfig struct {
	MaxRetries  int `toml:"max_retries" json:"max_retries"`
	BaseDelayMs int `toml:"base_delay_ms" json:"base_delay_ms"`
	MaxDelayMs  int `toml:"max_delay_ms" json:"max_delay_ms"`
}

// SuggestionsConfig tunes follow-up suggestion generation.
type SuggestionsConfig struct {
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a new Config with sensible defaults.
func Default() *Config {
	ctxDefaults := convctx.DefaultConfig()
	policy := retry.DefaultPolicy()

	return &Config{
		Version:      CurrentVersion,
		DefaultModel: orchestrator.DefaultModel,
		Server: ServerConfig{
			Addr:                "127.0.0.1:8787",
			AllowedOrigins:      []string{"http://localhost:3000"},
			RateLimitRPS:        5,
			RateLimitBurst:      20,
			MaxBodyBytes:        1 << 20,
			ShutdownTimeoutSecs: 10,
		},
		Backends: BackendsConfig{
			OpenAIURL:   backend.DefaultOpenAIURL,
			OllamaURL:   backend.DefaultOllamaURL,
			TimeoutSecs: int(backend.DefaultTimeout / time.Second),
		},
		Storage: StorageConfig{
			Driver: StoreSQLite,
		},
		Auth: AuthConfig{
			LocalUser: identity.DefaultLocalUser,
		},
		Orchestrator: OrchestratorConfig{
			SystemPrompt: backend.DefaultSystemPrompt,
			HistoryLimit: orchestrator.DefaultHistoryLimit,
			BufferSize:   orchestrator.DefaultBufferSize,
		},
		Context: ContextConfig{
			Threshold:     ctxDefaults.Threshold,
			MinTurns:      ctxDefaults.MinTurns,
			KeepRecent:    ctxDefaults.KeepRecent,
			CharsPerToken: convctx.DefaultCharsPerToken,
		},
		Retry: RetryConfig{
			MaxRetries:  policy.MaxRetries,
			BaseDelayMs: int(policy.BaseDelay / time.Millisecond),
			MaxDelayMs:  int(policy.MaxDelay / time.Millisecond),
		},
		Suggestions: SuggestionsConfig{
			TimeoutSecs: 15,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the relay configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun-relay"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultDatabasePath returns the path of the SQLite database.
func DefaultDatabasePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "relay.db"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// ensureSecurePermissions tightens a config file to 0600.
// SECURITY: config files hold API keys and token hashes.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads ~/.rigrun-relay/config.toml, falling back to defaults when the
// file does not exist. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPathTOML()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return LoadFromPath(path)
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg.
// SECURITY: Checks and fixes file permissions on load.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		fmt.Fprintf(os.Stderr, "Warning: unknown config keys in %s: %s\n", path, strings.Join(keys, ", "))
	}
	return fillDefaults(cfg)
}

// LoadFromPath loads configuration from a specific file path with full validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults fills in values a partial file left empty.
func fillDefaults(cfg *Config) error {
	defaults := Default()

	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaults.DefaultModel
	}

	// Server
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaults.Server.Addr
	}
	if cfg.Server.AllowedOrigins == nil {
		cfg.Server.AllowedOrigins = defaults.Server.AllowedOrigins
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = defaults.Server.MaxBodyBytes
	}
	if cfg.Server.ShutdownTimeoutSecs == 0 {
		cfg.Server.ShutdownTimeoutSecs = defaults.Server.ShutdownTimeoutSecs
	}

	// Backends
	if cfg.Backends.OpenAIURL == "" {
		cfg.Backends.OpenAIURL = defaults.Backends.OpenAIURL
	}
	if cfg.Backends.OllamaURL == "" {
		cfg.Backends.OllamaURL = defaults.Backends.OllamaURL
	}
	if cfg.Backends.TimeoutSecs == 0 {
		cfg.Backends.TimeoutSecs = defaults.Backends.TimeoutSecs
	}

	// Storage
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaults.Storage.Driver
	}

	// Auth
	if cfg.Auth.LocalUser == "" {
		cfg.Auth.LocalUser = defaults.Auth.LocalUser
	}

	// Orchestrator
	if cfg.Orchestrator.SystemPrompt == "" {
		cfg.Orchestrator.SystemPrompt = defaults.Orchestrator.SystemPrompt
	}
	if cfg.Orchestrator.HistoryLimit == 0 {
		cfg.Orchestrator.HistoryLimit = defaults.Orchestrator.HistoryLimit
	}
	if cfg.Orchestrator.BufferSize == 0 {
		cfg.Orchestrator.BufferSize = defaults.Orchestrator.BufferSize
	}

	// Context
	if cfg.Context.Threshold == 0 {
		cfg.Context.Threshold = defaults.Context.Threshold
	}
	if cfg.Context.MinTurns == 0 {
		cfg.Context.MinTurns = defaults.Context.MinTurns
	}
	if cfg.Context.KeepRecent == 0 {
		cfg.Context.KeepRecent = defaults.Context.KeepRecent
	}
	if cfg.Context.CharsPerToken == 0 {
		cfg.Context.CharsPerToken = defaults.Context.CharsPerToken
	}

	// Retry. MaxRetries = 0 is a legitimate "never retry".
	if cfg.Retry.BaseDelayMs == 0 {
		cfg.Retry.BaseDelayMs = defaults.Retry.BaseDelayMs
	}
	if cfg.Retry.MaxDelayMs == 0 {
		cfg.Retry.MaxDelayMs = defaults.Retry.MaxDelayMs
	}

	// Suggestions
	if cfg.Suggestions.TimeoutSecs == 0 {
		cfg.Suggestions.TimeoutSecs = defaults.Suggestions.TimeoutSecs
	}

	return nil
}

// SetDefaults normalizes values that are set but out of shape.
func (c *Config) SetDefaults() {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.DefaultModel = strings.TrimSpace(c.DefaultModel)
	c.Backends.OpenAIKey = strings.TrimSpace(c.Backends.OpenAIKey)
	c.Backends.GeminiKey = strings.TrimSpace(c.Backends.GeminiKey)
	c.Backends.OllamaURL = strings.TrimSuffix(strings.TrimSpace(c.Backends.OllamaURL), "/")
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst < 1 {
		c.Server.RateLimitBurst = 1
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration to path.
// SECURITY: Written atomically with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf strings.Builder
	buf.WriteString("# rigrun-relay configuration file\n")
	buf.WriteString("# Generated by rigrun-relay - edit with care\n")
	buf.WriteString("#\n")
	buf.WriteString("# API keys may also come from RELAY_OPENAI_API_KEY and RELAY_GEMINI_API_KEY.\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, []byte(buf.String()), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Messages returns each error as "field: message".
func (e ValidateErrors) Messages() []string {
	out := make([]string, len(e))
	for i, err := range e {
		out[i] = err.Error()
	}
	return out
}

// Validate checks structural settings. Provider credentials are checked
// separately by ValidateProviders so a server can start and report them per
// request.
func (c *Config) Validate() error {
	var errs ValidateErrors

	// ==========================================================================
	// Server
	// ==========================================================================

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.addr",
			Message: fmt.Sprintf("invalid listen address '%s': %v", c.Server.Addr, err),
		})
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, ValidationError{Field: "server.rate_limit_rps", Message: "must not be negative"})
	}
	if c.Server.MaxBodyBytes < 1024 {
		errs = append(errs, ValidationError{Field: "server.max_body_bytes", Message: "must be at least 1024"})
	}
	for _, cidr := range append(append([]string{}, c.Server.TrustedProxies...), c.Server.AllowedIPs...) {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "server",
				Message: fmt.Sprintf("invalid CIDR '%s'", cidr),
			})
		}
	}
	for _, origin := range c.Server.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "server.allowed_origins",
				Message: fmt.Sprintf("invalid origin '%s'", origin),
			})
		}
	}

	// ==========================================================================
	// Backends
	// ==========================================================================

	for name, u := range map[string]string{
		"backends.openai_base_url": c.Backends.OpenAIURL,
		"backends.ollama_url":      c.Backends.OllamaURL,
	} {
		if u == "" {
			continue
		}
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			errs = append(errs, ValidationError{
				Field:   name,
				Message: fmt.Sprintf("invalid URL '%s': must use http or https", u),
			})
		}
	}
	for b := range c.Backends.AuxiliaryModels {
		if !model.Backend(b).Valid() {
			errs = append(errs, ValidationError{
				Field:   "backends.auxiliary_models",
				Message: fmt.Sprintf("unknown backend '%s'", b),
			})
		}
	}

	// ==========================================================================
	// Storage
	// ==========================================================================

	if c.Storage.Driver != StoreSQLite && c.Storage.Driver != StoreMemory {
		errs = append(errs, ValidationError{
			Field:   "storage.driver",
			Message: fmt.Sprintf("invalid driver '%s', must be one of: sqlite, memory", c.Storage.Driver),
		})
	}

	// ==========================================================================
	// Auth
	// ==========================================================================

	if c.Auth.Enabled && len(c.Auth.Tokens) == 0 {
		errs = append(errs, ValidationError{Field: "auth.tokens", Message: "auth is enabled but no tokens are configured"})
	}
	for i, cred := range c.Auth.Tokens {
		if strings.TrimSpace(cred.UserID) == "" || cred.TokenHash == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("auth.tokens[%d]", i),
				Message: "user and token_hash are required",
			})
		}
	}

	// ==========================================================================
	// Orchestration
	// ==========================================================================

	if c.Orchestrator.HistoryLimit < 1 {
		errs = append(errs, ValidationError{Field: "orchestrator.history_limit", Message: "must be at least 1"})
	}
	if c.Orchestrator.BufferSize < 1 {
		errs = append(errs, ValidationError{Field: "orchestrator.buffer_size", Message: "must be at least 1"})
	}
	if c.Context.Threshold <= 0 || c.Context.Threshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "context.threshold",
			Message: fmt.Sprintf("invalid threshold %.2f, must be in (0, 1]", c.Context.Threshold),
		})
	}
	if c.Context.KeepRecent < 1 {
		errs = append(errs, ValidationError{Field: "context.keep_recent", Message: "must be at least 1"})
	}
	if c.Context.CharsPerToken < 1 {
		errs = append(errs, ValidationError{Field: "context.chars_per_token", Message: "must be at least 1"})
	}
	if c.Retry.MaxRetries < 0 || c.Retry.MaxRetries > 10 {
		errs = append(errs, ValidationError{Field: "retry.max_retries", Message: "must be between 0 and 10"})
	}
	if c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		errs = append(errs, ValidationError{Field: "retry.max_delay_ms", Message: "must not be below base_delay_ms"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// minGeminiKeyLen is the shortest plausible Google API key.
const minGeminiKeyLen = 20

// ValidateProviders checks that at least one backend is usable and that the
// configured keys look well formed. A non-nil result is reported to clients
// as CONFIGURATION_ERROR.
func (c *Config) ValidateProviders() ValidateErrors {
	var errs ValidateErrors

	openai := c.Backends.OpenAIKey
	gemini := c.Backends.GeminiKey
	if openai == "" && gemini == "" && !c.Backends.OllamaEnabled {
		errs = append(errs, ValidationError{
			Field:   "backends",
			Message: "no model provider configured: set an OpenAI or Gemini API key or enable Ollama",
		})
	}
	if openai != "" && !strings.HasPrefix(openai, "sk-") {
		errs = append(errs, ValidationError{Field: "backends.openai_api_key", Message: "OpenAI API key must start with 'sk-'"})
	}
	if gemini != "" && len(gemini) < minGeminiKeyLen {
		errs = append(errs, ValidationError{Field: "backends.gemini_api_key", Message: "Gemini API key is too short"})
	}
	return errs
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported environment variables:
//   - RELAY_MODEL: overrides default_model
//   - RELAY_ADDR: overrides server.addr
//   - RELAY_OPENAI_API_KEY (or OPENAI_API_KEY): overrides backends.openai_api_key
//   - RELAY_OPENAI_BASE_URL: overrides backends.openai_base_url
//   - RELAY_GEMINI_API_KEY (or GOOGLE_GENAI_API_KEY): overrides backends.gemini_api_key
//   - RELAY_OLLAMA_URL (or OLLAMA_HOST): overrides backends.ollama_url and enables Ollama
//   - RELAY_STORE: overrides storage.driver
//   - RELAY_DB: overrides storage.path
//   - RELAY_AUTH: set to "1" or "true" to require bearer tokens
//   - RELAY_RATE_LIMIT_RPS: overrides server.rate_limit_rps
func (c *Config) ApplyEnvOverrides() {
	if model := os.Getenv("RELAY_MODEL"); model != "" {
		c.DefaultModel = model
	}
	if addr := os.Getenv("RELAY_ADDR"); addr != "" {
		c.Server.Addr = addr
	}

	if key := firstEnv("RELAY_OPENAI_API_KEY", "OPENAI_API_KEY"); key != "" {
		c.Backends.OpenAIKey = key
	}
	if u := os.Getenv("RELAY_OPENAI_BASE_URL"); u != "" {
		c.Backends.OpenAIURL = u
	}
	if key := firstEnv("RELAY_GEMINI_API_KEY", "GOOGLE_GENAI_API_KEY"); key != "" {
		c.Backends.GeminiKey = key
	}
	if u := firstEnv("RELAY_OLLAMA_URL", "OLLAMA_HOST"); u != "" {
		if !strings.Contains(u, "://") {
			u = "http://" + u
		}
		c.Backends.OllamaURL = u
		c.Backends.OllamaEnabled = true
	}

	if store := os.Getenv("RELAY_STORE"); store != "" {
		c.Storage.Driver = store
	}
	if db := os.Getenv("RELAY_DB"); db != "" {
		c.Storage.Path = db
	}
	if auth := os.Getenv("RELAY_AUTH"); auth != "" {
		c.Auth.Enabled = auth == "1" || strings.ToLower(auth) == "true"
	}
	if rps := os.Getenv("RELAY_RATE_LIMIT_RPS"); rps != "" {
		if v, err := strconv.ParseFloat(rps, 64); err == nil {
			c.Server.RateLimitRPS = v
		}
	}
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			return v
		}
	}
	return ""
}

// =============================================================================
// COMPONENT SETTINGS
// =============================================================================

// OrchestratorSettings converts to the orchestrator's configuration.
func (c *Config) OrchestratorSettings() orchestrator.Config {
	return orchestrator.Config{
		DefaultModel: c.DefaultModel,
		SystemPrompt: c.Orchestrator.SystemPrompt,
		HistoryLimit: c.Orchestrator.HistoryLimit,
		BufferSize:   c.Orchestrator.BufferSize,
	}
}

// ContextSettings converts to the context manager's policy.
func (c *Config) ContextSettings() convctx.Config {
	return convctx.Config{
		Threshold:  c.Context.Threshold,
		MinTurns:   c.Context.MinTurns,
		KeepRecent: c.Context.KeepRecent,
		Estimator:  convctx.CharEstimator{CharsPerToken: c.Context.CharsPerToken},
	}
}

// RetryPolicy converts to the supervisor's policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  time.Duration(c.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(c.Retry.MaxDelayMs) * time.Millisecond,
	}
}

// SuggestTimeout bounds the suggestion side call.
func (c *Config) SuggestTimeout() time.Duration {
	return time.Duration(c.Suggestions.TimeoutSecs) * time.Second
}

// BackendTimeout bounds non-streaming provider calls.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backends.TimeoutSecs) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSecs) * time.Second
}

// DatabasePath returns storage.path or the default location.
func (c *Config) DatabasePath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	return DefaultDatabasePath()
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "server.addr").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation (e.g., "server.rate_limit_rps").
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

// lookup walks the struct along a dotted key. Fields match either their Go
// name or their toml tag.
func (c *Config) lookup(key string) (reflect.Value, error) {
	if strings.TrimSpace(key) == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByKey(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

func fieldByKey(v reflect.Value, part string) (reflect.Value, bool) {
	t := v.Type()
	goName := normalizeFieldName(part)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := strings.Split(f.Tag.Get("toml"), ",")[0]
		if tag == part || strings.EqualFold(f.Name, goName) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(string(part[0])))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			lower := strings.ToLower(strVal)
			field.SetBool(strVal == "1" || lower == "true" || lower == "yes")
			return nil
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				var items []string
				for _, s := range strings.Split(strVal, ",") {
					if s = strings.TrimSpace(s); s != "" {
						items = append(items, s)
					}
				}
				field.Set(reflect.ValueOf(items))
				return nil
			}
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c

	clone.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	clone.Server.TrustedProxies = append([]string(nil), c.Server.TrustedProxies...)
	clone.Server.AllowedIPs = append([]string(nil), c.Server.AllowedIPs...)
	clone.Auth.Tokens = append([]identity.Credential(nil), c.Auth.Tokens...)
	if c.Backends.AuxiliaryModels != nil {
		clone.Backends.AuxiliaryModels = make(map[string]string, len(c.Backends.AuxiliaryModels))
		for k, v := range c.Backends.AuxiliaryModels {
			clone.Backends.AuxiliaryModels[k] = v
		}
	}
	return &clone
}

// redacted is the placeholder shown for secrets.
const redacted = "[REDACTED]"

// Redacted returns a copy with API keys and token hashes replaced.
// SECURITY: use this for anything that may be logged or displayed.
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	if safe.Backends.OpenAIKey != "" {
		safe.Backends.OpenAIKey = redacted
	}
	if safe.Backends.GeminiKey != "" {
		safe.Backends.GeminiKey = redacted
	}
	for i := range safe.Auth.Tokens {
		safe.Auth.Tokens[i].TokenHash = redacted
	}
	return safe
}

// String returns a redacted JSON rendering for debugging.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	SetGlobal(cfg)
	return nil
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
