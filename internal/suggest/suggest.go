// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package suggest produces follow-up prompt suggestions for a finished
// response, using a lightweight model call with static fallbacks.
package suggest

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/backend"
	"github.com/jeranaias/rigrun-relay/internal/model"
)

// =============================================================================
// DEFAULT SETS
// =============================================================================

// DefaultSet is returned when there is no response text to build on.
func DefaultSet() []model.Suggestion {
	return []model.Suggestion{
		{Title: "Explain more", Prompt: "Can you explain that in more detail?", Description: "Get a deeper explanation of the topic"},
		{Title: "Give examples", Prompt: "Can you provide some examples?", Description: "See practical examples of what was discussed"},
		{Title: "Alternative approach", Prompt: "What's another way to think about this?", Description: "Explore different perspectives"},
	}
}

// FallbackSet is returned when the model call or its parsing fails.
func FallbackSet() []model.Suggestion {
	return []model.Suggestion{
		{Title: "Tell me more", Prompt: "Can you tell me more about that?", Description: "Get additional information on the topic"},
		{Title: "How does this work?", Prompt: "How does that work in practice?", Description: "Understand the practical implementation"},
		{Title: "What are the implications?", Prompt: "What are the broader implications of this?", Description: "Explore the bigger picture"},
	}
}

// =============================================================================
// GENERATOR
// =============================================================================

// Request parameters for the suggestion call.
const (
	suggestMaxTokens   = 200
	suggestTemperature = 0.7

	// DefaultTimeout bounds the auxiliary call.
	DefaultTimeout = 10 * time.Second
)

const suggestPrompt = "Based on the assistant's response, generate 3 suggested follow-up questions that would help the user explore the topic further. Return as JSON array with title, prompt, and description fields."

// Generator builds suggestion lists. It is stateless and safe for concurrent use.
type Generator struct {
	timeout time.Duration
}

// NewGenerator creates a generator. A zero timeout uses DefaultTimeout.
func NewGenerator(timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Generator{timeout: timeout}
}

// Generate returns at most three suggestions for response. It never fails:
// empty text yields DefaultSet and any call or parse failure yields FallbackSet.
func (g *Generator) Generate(ctx context.Context, c backend.Completer, response string) []model.Suggestion {
	if strings.TrimSpace(response) == "" {
		return DefaultSet()
	}
	if c == nil {
		return FallbackSet()
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	temp := suggestTemperature
	out, err := c.Complete(ctx, backend.Request{
		Messages: []backend.Message{
			{Role: model.RoleSystem, Content: suggestPrompt},
			{Role: model.RoleUser, Content: response},
		},
		Temperature: &temp,
		MaxTokens:   suggestMaxTokens,
	})
	if err != nil {
		log.Printf("SUGGEST_FALLBACK | reason=call error=%v", err)
		return FallbackSet()
	}

	items, err := Parse(out)
	if err != nil || len(items) == 0 {
		log.Printf("SUGGEST_FALLBACK | reason=parse error=%v", err)
		return FallbackSet()
	}
	return items
}

// =============================================================================
// PARSING
// =============================================================================

// Parse extracts suggestions from model output. It accepts a bare JSON array,
// one wrapped in a markdown code fence, or an object with a "suggestions"
// array. Items missing a title or prompt are dropped and the result is
// capped at three.
func Parse(raw string) ([]model.Suggestion, error) {
	s := stripFence(strings.TrimSpace(raw))

	var items []model.Suggestion
	if strings.HasPrefix(s, "{") {
		var wrapped struct {
			Suggestions []model.Suggestion `json:"suggestions"`
		}
		if err := json.Unmarshal([]byte(s), &wrapped); err != nil {
			return nil, err
		}
		items = wrapped.Suggestions
	} else {
		if start, end := strings.Index(s, "["), strings.LastIndex(s, "]"); start >= 0 && end > start {
			s = s[start : end+1]
		}
		if err := json.Unmarshal([]byte(s), &items); err != nil {
			return nil, err
		}
	}

	valid := make([]model.Suggestion, 0, len(items))
	for _, it := range items {
		it.Title = strings.TrimSpace(it.Title)
		it.Prompt = strings.TrimSpace(it.Prompt)
		it.Description = strings.TrimSpace(it.Description)
		if it.Title == "" || it.Prompt == "" {
			continue
		}
		valid = append(valid, it)
	}
	return model.CapSuggestions(valid), nil
}

// stripFence removes a surrounding ``` or ```json fence.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
