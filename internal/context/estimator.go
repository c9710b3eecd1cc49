// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package context

import (
	"unicode/utf8"

	"github.com/jeranaias/rigrun-relay/internal/model"
)

// Estimator approximates how many tokens a piece of text costs.
type Estimator interface {
	Estimate(text string) int
}

// DefaultCharsPerToken is the character-to-token ratio used by CharEstimator.
// It is a rough heuristic and has not been validated against a tokenizer.
const DefaultCharsPerToken = 4

// CharEstimator estimates tokens as ceil(characters / CharsPerToken).
type CharEstimator struct {
	CharsPerToken int
}

// Estimate implements Estimator.
func (e CharEstimator) Estimate(text string) int {
	per := e.CharsPerToken
	if per <= 0 {
		per = DefaultCharsPerToken
	}
	n := utf8.RuneCountInString(text)
	return (n + per - 1) / per
}

// EstimateFunc adapts a plain function to Estimator.
type EstimateFunc func(text string) int

// Estimate implements Estimator.
func (f EstimateFunc) Estimate(text string) int {
	return f(text)
}

// EstimateTurns sums the estimate over every turn's content.
func EstimateTurns(e Estimator, turns []model.Turn) int {
	total := 0
	for _, t := range turns {
		total += e.Estimate(t.Content)
	}
	return total
}
