// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the author of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// ParseRole converts a case-insensitive role name to a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// =============================================================================
// TURN KIND
// =============================================================================

// TurnKind distinguishes real conversation history from compression artifacts.
type TurnKind string

const (
	// KindVerbatim is a turn exactly as stored.
	KindVerbatim TurnKind = "verbatim"

	// KindSummary is a synthetic system turn standing in for a summarized
	// stretch of history. It only lives for the duration of one request.
	KindSummary TurnKind = "summary"
)

// =============================================================================
// TURN TYPE
// =============================================================================

// Turn is one message in a conversation.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Kind      TurnKind  `json:"kind,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewTurn creates a verbatim turn with a generated ID.
func NewTurn(role Role, content string) Turn {
	now := time.Now()
	return Turn{
		ID:        NewID(),
		Role:      role,
		Kind:      KindVerbatim,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewSummaryTurn creates the synthetic system turn that replaces a
// summarized middle section of history.
func NewSummaryTurn(summary string) Turn {
	t := NewTurn(RoleSystem, SummaryPrefix+summary)
	t.Kind = KindSummary
	return t
}

// SummaryPrefix starts the content of every summary turn.
const SummaryPrefix = "Previous conversation summary: "

// IsSummary reports whether the turn is a synthetic summary.
func (t Turn) IsSummary() bool {
	return t.Kind == KindSummary
}

// Append extends the turn's content and bumps UpdatedAt.
func (t *Turn) Append(delta string) {
	t.Content += delta
	t.UpdatedAt = time.Now()
}

// Preview returns a truncated preview of the turn content.
// Uses rune-based truncation to handle Unicode correctly.
func (t Turn) Preview(maxLen int) string {
	runes := []rune(t.Content)
	if len(runes) <= maxLen {
		return t.Content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// NewID returns a random identifier for turns and conversations.
func NewID() string {
	return uuid.NewString()
}
