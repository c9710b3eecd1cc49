// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for the relay.
//
// Configuration is TOML with sensible defaults, environment variable
// overrides, validation, and hot reload.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - ServerConfig: Listener, CORS, rate limiting, proxies
//   - BackendsConfig: OpenAI, Gemini and Ollama credentials
//   - AuthConfig: Bearer token credentials (bcrypt hashes)
//   - Watcher: Debounced fsnotify reload of the config file
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (RELAY_*, OPENAI_API_KEY, GOOGLE_GENAI_API_KEY, OLLAMA_HOST)
//   - ~/.rigrun-relay/config.toml
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Check provider credentials:
//
//	if errs := cfg.ValidateProviders(); len(errs) > 0 {
//	    log.Printf("CONFIG_WARNING | %v", errs)
//	}
package config
