// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"fmt"
	"sort"
)

// =============================================================================
// BACKEND IDENTIFIERS
// =============================================================================

// Backend identifies which provider adapter serves a model.
type Backend string

const (
	BackendOpenAI Backend = "openai"
	BackendGemini Backend = "gemini"
	BackendOllama Backend = "ollama"
)

// Valid reports whether b is a known backend.
func (b Backend) Valid() bool {
	switch b {
	case BackendOpenAI, BackendGemini, BackendOllama:
		return true
	}
	return false
}

// =============================================================================
// MODEL DESCRIPTOR
// =============================================================================

// Descriptor contains static information about a supported model.
type Descriptor struct {
	// ID is the model identifier used in API calls
	ID string `json:"id" toml:"id"`

	// DisplayName is the human-readable name
	DisplayName string `json:"name" toml:"name"`

	// Backend is the provider adapter that serves the model
	Backend Backend `json:"provider" toml:"backend"`

	// ContextWindowTokens is the maximum context window size
	ContextWindowTokens int `json:"contextWindow" toml:"context_window"`

	// SupportsStreaming must be true for anything the dispatcher serves
	SupportsStreaming bool `json:"supportsStreaming" toml:"supports_streaming"`

	// Description is a brief explanation of the model's strengths
	Description string `json:"description,omitempty" toml:"description"`
}

// =============================================================================
// MODEL REGISTRY
// =============================================================================

// Registry errors.
var (
	ErrDuplicateModel = errors.New("duplicate model id")
	ErrInvalidModel   = errors.New("invalid model descriptor")
)

// Registry is an immutable lookup table of model descriptors.
// It is safe for concurrent use once constructed.
type Registry struct {
	byID  map[string]Descriptor
	order []string
}

// NewRegistry builds a registry from the given descriptors.
// Backends that cannot stream must not be registered, so a descriptor with
// SupportsStreaming=false is rejected.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{byID: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		switch {
		case d.ID == "":
			return nil, fmt.Errorf("%w: empty id", ErrInvalidModel)
		case !d.Backend.Valid():
			return nil, fmt.Errorf("%w: %s has unknown backend %q", ErrInvalidModel, d.ID, d.Backend)
		case d.ContextWindowTokens <= 0:
			return nil, fmt.Errorf("%w: %s has non-positive context window", ErrInvalidModel, d.ID)
		case !d.SupportsStreaming:
			return nil, fmt.Errorf("%w: %s does not support streaming", ErrInvalidModel, d.ID)
		}
		if _, exists := r.byID[d.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModel, d.ID)
		}
		if d.DisplayName == "" {
			d.DisplayName = d.ID
		}
		r.byID[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	sort.Strings(r.order)
	return r, nil
}

// DefaultDescriptors returns the built-in model table.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		// OpenAI models
		{
			ID:                  "gpt-4o",
			DisplayName:         "GPT-4o",
			Backend:             BackendOpenAI,
			ContextWindowTokens: 128000,
			SupportsStreaming:   true,
			Description:         "Latest GPT-4o model with multimodal capabilities",
		},
		{
			ID:                  "gpt-4o-mini",
			DisplayName:         "GPT-4o Mini",
			Backend:             BackendOpenAI,
			ContextWindowTokens: 128000,
			SupportsStreaming:   true,
			Description:         "Fast and efficient GPT-4o Mini model",
		},
		{
			ID:                  "gpt-3.5-turbo",
			DisplayName:         "GPT-3.5 Turbo",
			Backend:             BackendOpenAI,
			ContextWindowTokens: 16385,
			SupportsStreaming:   true,
			Description:         "Fast and cost-effective chat model",
		},

		// Google models
		{
			ID:                  "gemini-1.5-pro",
			DisplayName:         "Gemini 1.5 Pro",
			Backend:             BackendGemini,
			ContextWindowTokens: 1048576,
			SupportsStreaming:   true,
			Description:         "Google's most capable multimodal model",
		},
		{
			ID:                  "gemini-1.5-flash",
			DisplayName:         "Gemini 1.5 Flash",
			Backend:             BackendGemini,
			ContextWindowTokens: 1048576,
			SupportsStreaming:   true,
			Description:         "Fast and efficient Google model",
		},

		// Local Ollama models
		{
			ID:                  "llama3.1",
			DisplayName:         "Llama 3.1",
			Backend:             BackendOllama,
			ContextWindowTokens: 128000,
			SupportsStreaming:   true,
			Description:         "Extended context Llama 3 served by a local Ollama",
		},
	}
}

// DefaultRegistry returns a registry over DefaultDescriptors.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultDescriptors()...)
	if err != nil {
		// The built-in table is static; failing here is a programming error.
		panic(err)
	}
	return r
}

// Lookup returns the descriptor for id.
func (r *Registry) Lookup(id string) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// List returns all descriptors sorted by id.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// IDs returns all registered ids in sorted order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// Available returns the descriptors whose backend passes the configured check.
func (r *Registry) Available(configured func(Backend) bool) []Descriptor {
	var out []Descriptor
	for _, id := range r.order {
		d := r.byID[id]
		if configured(d.Backend) {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	return len(r.order)
}
