// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package context

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeranaias/rigrun-relay/internal/backend"
	"github.com/jeranaias/rigrun-relay/internal/model"
)

// =============================================================================
// SUMMARIZER INTERFACE
// =============================================================================

// Summarizer condenses a run of turns into a short text.
type Summarizer interface {
	Summarize(ctx context.Context, turns []model.Turn) (string, error)
}

// =============================================================================
// LLM SUMMARIZER
// =============================================================================

// Summary request parameters.
const (
	summaryMaxTokens   = 150
	summaryTemperature = 0.3
)

// summarizerSystemPrompt is the system prompt for the summarization call.
const summarizerSystemPrompt = "Summarize the following conversation messages in 2-3 sentences, focusing on key points and decisions made."

// LLMSummarizer asks a lightweight model for a 2-3 sentence condensation.
type LLMSummarizer struct {
	completer backend.Completer

	// Model is sent with the request. Empty lets the completer pick its
	// auxiliary model.
	Model string
}

// NewLLMSummarizer creates a summarizer backed by c.
func NewLLMSummarizer(c backend.Completer) *LLMSummarizer {
	return &LLMSummarizer{completer: c}
}

// Summarize performs one auxiliary completion.
func (s *LLMSummarizer) Summarize(ctx context.Context, turns []model.Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}
	if s.completer == nil {
		return "", fmt.Errorf("summarization failed: no completer")
	}

	temp := summaryTemperature
	out, err := s.completer.Complete(ctx, backend.Request{
		Model: s.Model,
		Messages: []backend.Message{
			{Role: model.RoleSystem, Content: summarizerSystemPrompt},
			{Role: model.RoleUser, Content: transcript(turns)},
		},
		Temperature: &temp,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarization failed: %w", err)
	}

	summary := strings.TrimSpace(out)
	if summary == "" {
		return "", fmt.Errorf("received empty summary from LLM")
	}
	return summary, nil
}

// transcript renders turns as "role: content" lines.
func transcript(turns []model.Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, string(t.Role)+": "+t.Content)
	}
	return strings.Join(lines, "\n")
}

// =============================================================================
// FALLBACK SUMMARIZER (NO LLM)
// =============================================================================

// fallbackSnippetLen is how much of each turn the fallback summary keeps.
const fallbackSnippetLen = 100

// FallbackSummary joins the first 100 characters of each turn with spaces.
func FallbackSummary(turns []model.Turn) string {
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		runes := []rune(t.Content)
		if len(runes) > fallbackSnippetLen {
			runes = runes[:fallbackSnippetLen]
		}
		parts = append(parts, string(runes))
	}
	return strings.Join(parts, " ")
}

// FallbackSummarizer is a Summarizer that never calls out.
type FallbackSummarizer struct{}

// Summarize implements Summarizer.
func (FallbackSummarizer) Summarize(ctx context.Context, turns []model.Turn) (string, error) {
	return FallbackSummary(turns), nil
}
