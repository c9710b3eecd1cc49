// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the relay over HTTP.
//
// The agent endpoint streams one conversation turn as server-sent events;
// the resource endpoints manage conversations and preferences as JSON.
//
// # Endpoints
//
//   - POST   /v1/agent                        - Stream a reply (Meta, Token*, Done|Error, Suggestions?)
//   - GET    /v1/models                       - Models with configured backends
//   - GET    /v1/conversations                - List conversations
//   - POST   /v1/conversations                - Create a conversation
//   - GET    /v1/conversations/{id}           - Conversation with turns
//   - PATCH  /v1/conversations/{id}           - Rename
//   - DELETE /v1/conversations/{id}           - Soft delete
//   - GET    /v1/conversations/{id}/share     - Read-only snapshot
//   - GET    /v1/conversations/{id}/search    - Fuzzy search over turns
//   - GET    /v1/preferences                  - User preferences
//   - PATCH  /v1/preferences                  - Update preferences
//   - GET    /v1/quick-prompts                - Quick prompt templates
//   - GET    /health                          - Health check
//   - GET    /stats                           - Request counters
//
// # Middleware
//
//   - Panic recovery and security headers
//   - Request logging with secret redaction
//   - CORS (open for /v1/agent, allowlisted elsewhere)
//   - Per-client rate limiting
//   - Bearer token authentication and IP allowlist
//
// Errors are always {"error", "code", "details"?} with a status matching
// the code.
//
// # Usage
//
//	srv := server.New(orch, store, resolver, server.OptionsFromConfig(cfg))
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
package server
