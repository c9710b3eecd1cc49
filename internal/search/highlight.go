// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package search

// Segment is a run of text that is either highlighted or plain.
type Segment struct {
	Text        string
	Highlighted bool
}

// Segments splits text at the merged ranges. Out-of-bounds ranges are
// clipped; with no ranges the whole text is one plain segment.
func Segments(text string, ranges []Range) []Segment {
	runes := []rune(text)
	merged := MergeRanges(ranges)
	if len(merged) == 0 {
		return []Segment{{Text: text}}
	}

	var parts []Segment
	cursor := 0
	for _, r := range merged {
		start, end := r.Start, r.End+1
		if start < cursor {
			start = cursor
		}
		if end > len(runes) {
			end = len(runes)
		}
		if start >= end {
			continue
		}
		if start > cursor {
			parts = append(parts, Segment{Text: string(runes[cursor:start])})
		}
		parts = append(parts, Segment{Text: string(runes[start:end]), Highlighted: true})
		cursor = end
	}
	if cursor < len(runes) {
		parts = append(parts, Segment{Text: string(runes[cursor:])})
	}
	return parts
}
