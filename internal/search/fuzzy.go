// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package search implements in-conversation fuzzy search.
//
// Matching is a greedy, case-insensitive subsequence scan. All positions are
// rune indexes into the original content, so ranges can be used directly for
// highlighting. Every function is pure and cheap enough to run per keystroke.
package search

import (
	"sort"
	"strings"
	"unicode"

	"github.com/jeranaias/rigrun-relay/internal/model"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// MaxResults caps the number of results Search returns.
	MaxResults = 25

	// SnippetBefore is how many runes of context precede the first match.
	SnippetBefore = 40

	// SnippetAfter is how many runes after the first match the snippet reaches.
	SnippetAfter = 140

	// Ellipsis marks a truncated snippet edge.
	Ellipsis = "…"
)

const (
	scoreMatch       = 1
	scoreConsecutive = 4
	scoreWordStart   = 2
)

// =============================================================================
// TYPES
// =============================================================================

// Range is an inclusive [Start, End] rune span.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Match describes how a query matched one piece of content.
type Match struct {
	Score   int     `json:"score"`
	Ranges  []Range `json:"ranges"`
	Snippet string  `json:"snippet"`
}

// Result is a Match attributed to a turn.
type Result struct {
	TurnID string     `json:"messageId"`
	Role   model.Role `json:"role"`
	Match
}

// =============================================================================
// MATCHING
// =============================================================================

// MatchContent matches query against content. An empty (after trimming)
// query never matches.
func MatchContent(content, query string) (Match, bool) {
	q := lowerRunes(strings.TrimSpace(query))
	if len(q) == 0 {
		return Match{}, false
	}

	orig := []rune(content)
	t := lowerRunes(content)

	positions := make([]int, 0, len(q))
	score := 0
	from := 0
	for _, ch := range q {
		at := indexRune(t, ch, from)
		if at < 0 {
			return Match{}, false
		}

		if n := len(positions); n > 0 && at == positions[n-1]+1 {
			score += scoreConsecutive
		}
		score += scoreMatch
		if at == 0 || unicode.IsSpace(t[at-1]) {
			score += scoreWordStart
		}

		positions = append(positions, at)
		from = at + 1
	}

	ranges := make([]Range, len(positions))
	for i, p := range positions {
		ranges[i] = Range{Start: p, End: p}
	}
	ranges = MergeRanges(ranges)

	return Match{
		Score:   score,
		Ranges:  ranges,
		Snippet: snippet(orig, ranges[0].Start),
	}, true
}

// MergeRanges sorts ranges by start and merges overlapping or adjacent
// spans (gap of at most one). The input is not modified.
func MergeRanges(ranges []Range) []Range {
	if len(ranges) == 0 {
		return []Range{}
	}

	sorted := append([]Range(nil), ranges...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	merged := []Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Search matches every turn, drops non-matches and returns the best
// MaxResults by descending score. Ties keep conversation order.
func Search(turns []model.Turn, query string) []Result {
	results := []Result{}
	if strings.TrimSpace(query) == "" {
		return results
	}

	for _, turn := range turns {
		m, ok := MatchContent(turn.Content, query)
		if !ok {
			continue
		}
		results = append(results, Result{TurnID: turn.ID, Role: turn.Role, Match: m})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > MaxResults {
		results = results[:MaxResults]
	}
	return results
}

// =============================================================================
// HELPERS
// =============================================================================

// lowerRunes lower-cases rune by rune so indexes line up with the original.
func lowerRunes(s string) []rune {
	r := []rune(s)
	for i, c := range r {
		r[i] = unicode.ToLower(c)
	}
	return r
}

func indexRune(s []rune, c rune, from int) int {
	for i := from; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func snippet(content []rune, first int) string {
	start := first - SnippetBefore
	if start < 0 {
		start = 0
	}
	end := first + SnippetAfter
	if end > len(content) {
		end = len(content)
	}

	var b strings.Builder
	if start > 0 {
		b.WriteString(Ellipsis)
	}
	b.WriteString(strings.TrimSpace(string(content[start:end])))
	if end < len(content) {
		b.WriteString(Ellipsis)
	}
	return b.String()
}
