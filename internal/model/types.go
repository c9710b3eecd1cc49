// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "time"

// MaxSuggestions caps every suggestion list, whatever its source.
const MaxSuggestions = 3

// Suggestion is a follow-up prompt offered after a response.
type Suggestion struct {
	Title       string `json:"title"`
	Prompt      string `json:"prompt"`
	Description string `json:"description,omitempty"`
}

// CapSuggestions truncates items to MaxSuggestions.
func CapSuggestions(items []Suggestion) []Suggestion {
	if len(items) > MaxSuggestions {
		return items[:MaxSuggestions]
	}
	return items
}

// Conversation is a titled, user-owned sequence of turns.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Turns     []Turn    `json:"messages,omitempty"`
}

// DefaultConversationTitle is used when a conversation is created untitled.
const DefaultConversationTitle = "New conversation"

// UIDensity is a client rendering preference.
type UIDensity string

const (
	DensityComfortable UIDensity = "comfortable"
	DensityCompact     UIDensity = "compact"
)

// Preferences holds per-user defaults.
type Preferences struct {
	DefaultModel string    `json:"defaultModel"`
	Temperature  float64   `json:"temperature"`
	UIDensity    UIDensity `json:"uiDensity"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PreferencesUpdate carries a partial preferences change. Nil fields are left as-is.
type PreferencesUpdate struct {
	DefaultModel *string    `json:"defaultModel,omitempty"`
	Temperature  *float64   `json:"temperature,omitempty"`
	UIDensity    *UIDensity `json:"uiDensity,omitempty"`
}

// QuickPrompt is a reusable prompt template shown to users.
type QuickPrompt struct {
	ID          string `json:"id"`
	Key         string `json:"key"`
	Title       string `json:"title"`
	Prompt      string `json:"prompt"`
	Description string `json:"description,omitempty"`
}
