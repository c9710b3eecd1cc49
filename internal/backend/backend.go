// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"strings"

	"github.com/jeranaias/rigrun-relay/internal/model"
)

// =============================================================================
// NORMALIZED REQUEST TYPES
// =============================================================================

// Message is one normalized, role-tagged turn handed to an adapter.
type Message struct {
	Role    model.Role `json:"role"`
	Content string     `json:"content"`
}

// Request is what every adapter receives. Adapters translate it to their
// provider's shape.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   int
}

// SystemPrompt returns the concatenated content of the system messages.
func (r Request) SystemPrompt() string {
	var parts []string
	for _, m := range r.Messages {
		if m.Role == model.RoleSystem && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// =============================================================================
// CAPABILITY INTERFACES
// =============================================================================

// Stream is a lazy sequence of text fragments.
// Recv returns io.EOF after the last fragment. Close releases the underlying
// connection. Recv and Close must not run concurrently; cancel the context
// passed to StreamCompletion to unblock a pending Recv, then Close.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Streamer is the single capability every backend variant exposes.
type Streamer interface {
	// StreamCompletion opens a streaming completion. Errors are *Error values
	// or a context error.
	StreamCompletion(ctx context.Context, req Request) (Stream, error)
}

// Completer performs one-shot, non-streaming completions. Used for the
// auxiliary summary and suggestion calls.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Adapter is a backend variant that can both stream and complete.
type Adapter interface {
	Streamer
	Completer
	Backend() model.Backend
}
