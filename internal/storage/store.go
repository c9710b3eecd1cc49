// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"strings"

	"github.com/jeranaias/rigrun-relay/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

// StoreError represents a storage-level failure.
// It can be compared using errors.Is.
type StoreError struct {
	Message string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing store errors.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

// ErrNotFound is returned for missing, foreign or soft-deleted rows.
var ErrNotFound = &StoreError{Message: "not found"}

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is the persistence contract. Implementations must be safe for
// concurrent use; each call is atomic.
type Store interface {
	// ListConversations returns the user's live conversations, most recently
	// updated first, without turns.
	ListConversations(ctx context.Context, userID string) ([]model.Conversation, error)

	// CreateConversation creates an empty conversation. An empty title uses
	// model.DefaultConversationTitle.
	CreateConversation(ctx context.Context, userID, title string) (model.Conversation, error)

	// GetConversation returns a conversation with all of its turns.
	GetConversation(ctx context.Context, userID, id string) (model.Conversation, error)

	// ListTurns returns the most recent limit turns, oldest first.
	// A limit of zero or less returns every turn.
	ListTurns(ctx context.Context, userID, convID string, limit int) ([]model.Turn, error)

	// AppendTurn adds a turn and bumps the conversation's UpdatedAt.
	AppendTurn(ctx context.Context, userID, convID string, role model.Role, content string) (model.Turn, error)

	// RenameConversation changes the title.
	RenameConversation(ctx context.Context, userID, id, title string) (model.Conversation, error)

	// SoftDeleteConversation hides the conversation from every other call.
	SoftDeleteConversation(ctx context.Context, userID, id string) error

	// GetPreferences returns stored preferences or DefaultPreferences.
	GetPreferences(ctx context.Context, userID string) (model.Preferences, error)

	// UpdatePreferences applies the non-nil fields of upd.
	UpdatePreferences(ctx context.Context, userID string, upd model.PreferencesUpdate) (model.Preferences, error)

	// ListQuickPrompts returns the built-in prompts followed by the user's own.
	ListQuickPrompts(ctx context.Context, userID string) ([]model.QuickPrompt, error)

	Close() error
}

// =============================================================================
// DEFAULTS
// =============================================================================

// DefaultTemperature is the temperature for users without preferences.
const DefaultTemperature = 0.7

// DefaultPreferences returns the preferences of a user who never saved any.
func DefaultPreferences() model.Preferences {
	return model.Preferences{
		Temperature: DefaultTemperature,
		UIDensity:   model.DensityComfortable,
	}
}

// DefaultQuickPrompts returns the built-in prompt templates.
func DefaultQuickPrompts() []model.QuickPrompt {
	return []model.QuickPrompt{
		{
			ID:          "qp-summarize",
			Key:         "summarize",
			Title:       "Summarize",
			Prompt:      "Summarize the following text in 5 bullet points.",
			Description: "Turn long text into a short summary.",
		},
		{
			ID:          "qp-rewrite-friendly",
			Key:         "rewrite-friendly",
			Title:       "Rewrite (friendly)",
			Prompt:      "Rewrite the following text in a friendly, professional tone.",
			Description: "Rephrase content with a friendlier tone.",
		},
		{
			ID:          "qp-brainstorm-ideas",
			Key:         "brainstorm-ideas",
			Title:       "Brainstorm ideas",
			Prompt:      "Brainstorm 10 ideas related to the following topic. Provide a short explanation for each idea.",
			Description: "Generate idea lists quickly.",
		},
	}
}

// normalizeTitle trims title and substitutes the default when empty.
func normalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return model.DefaultConversationTitle
	}
	return title
}

// applyPreferences merges upd into p.
func applyPreferences(p model.Preferences, upd model.PreferencesUpdate) model.Preferences {
	if upd.DefaultModel != nil {
		p.DefaultModel = *upd.DefaultModel
	}
	if upd.Temperature != nil {
		p.Temperature = *upd.Temperature
	}
	if upd.UIDensity != nil {
		p.UIDensity = *upd.UIDensity
	}
	return p
}
