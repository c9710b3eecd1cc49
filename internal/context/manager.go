// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package context

import (
	"context"
	"log"

	"github.com/jeranaias/rigrun-relay/internal/model"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds the context window policy.
type Config struct {
	// Threshold is the fraction of the window history may use before it is
	// summarized (default: 0.8)
	Threshold float64

	// MinTurns is the turn count that must be exceeded before summarizing
	// (default: 6)
	MinTurns int

	// KeepRecent is the number of trailing turns always kept verbatim
	// (default: 4)
	KeepRecent int

	// Estimator approximates token cost (default: CharEstimator{4})
	Estimator Estimator
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		Threshold:  0.8,
		MinTurns:   6,
		KeepRecent: 4,
		Estimator:  CharEstimator{CharsPerToken: DefaultCharsPerToken},
	}
}

// =============================================================================
// MANAGER
// =============================================================================

// Result is the context assembled for one request.
type Result struct {
	// Turns is the reduced history, oldest first
	Turns []model.Turn

	// EstimatedTokens is the estimate for Turns
	EstimatedTokens int

	// OriginalTokens is the estimate before any reduction
	OriginalTokens int

	// WasSummarized reports whether a middle section was collapsed
	WasSummarized bool

	// SummarizedTurns is how many turns the summary replaced
	SummarizedTurns int
}

// Manager applies the context window policy. It holds no per-request state.
type Manager struct {
	cfg Config
}

// NewManager creates a manager. Zero fields in cfg take their defaults.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MinTurns <= 0 {
		cfg.MinTurns = def.MinTurns
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = def.KeepRecent
	}
	if cfg.Estimator == nil {
		cfg.Estimator = def.Estimator
	}
	return &Manager{cfg: cfg}
}

// Config returns the effective policy.
func (m *Manager) Config() Config {
	return m.cfg
}

// Estimate returns the estimated token cost of turns.
func (m *Manager) Estimate(turns []model.Turn) int {
	return EstimateTurns(m.cfg.Estimator, turns)
}

// NeedsSummary reports whether turns exceed the threshold for window.
func (m *Manager) NeedsSummary(turns []model.Turn, window int) bool {
	if len(turns) <= m.cfg.MinTurns {
		return false
	}
	return float64(m.Estimate(turns)) > m.cfg.Threshold*float64(window)
}

// Build returns the history to send for a model with the given window.
//
// Under the threshold the input is returned unchanged. Over it, leading
// system turns and the last KeepRecent turns are kept verbatim and the turns
// between them are replaced by one summary turn. If s is nil or fails, the
// summary falls back to FallbackSummary. The input slice is never modified.
func (m *Manager) Build(ctx context.Context, turns []model.Turn, window int, s Summarizer) (Result, error) {
	original := m.Estimate(turns)
	res := Result{Turns: turns, EstimatedTokens: original, OriginalTokens: original}

	if !m.NeedsSummary(turns, window) {
		return res, nil
	}

	lead := 0
	for lead < len(turns) && turns[lead].Role == model.RoleSystem {
		lead++
	}
	tail := len(turns) - m.cfg.KeepRecent
	if tail <= lead {
		// Nothing strictly between the kept sections.
		return res, nil
	}
	middle := turns[lead:tail]

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	summary := ""
	if s != nil {
		out, err := s.Summarize(ctx, middle)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			log.Printf("CONTEXT_SUMMARY_FALLBACK | turns=%d error=%v", len(middle), err)
		} else {
			summary = out
		}
	}
	if summary == "" {
		summary = FallbackSummary(middle)
	}

	reduced := make([]model.Turn, 0, lead+1+m.cfg.KeepRecent)
	reduced = append(reduced, turns[:lead]...)
	reduced = append(reduced, model.NewSummaryTurn(summary))
	reduced = append(reduced, turns[tail:]...)

	res.Turns = reduced
	res.EstimatedTokens = m.Estimate(reduced)
	res.WasSummarized = true
	res.SummarizedTurns = len(middle)

	log.Printf("CONTEXT_SUMMARIZED | window=%d before=%d after=%d replaced=%d",
		window, original, res.EstimatedTokens, len(middle))
	return res, nil
}
