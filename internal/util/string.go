// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Ellipsis marks truncated display text.
const Ellipsis = "…"

// TruncateRunes truncates a string to a maximum number of runes.
// If the string is truncated, "..." is appended within the limit.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// StringWidth returns the number of terminal columns s occupies.
// Wide (CJK) characters count as 2, combining marks as 0.
func StringWidth(s string) int {
	return runewidth.StringWidth(s)
}

// TruncateWidth cuts s to at most maxWidth columns, ending in an ellipsis
// when anything was removed.
func TruncateWidth(s string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	return runewidth.Truncate(s, maxWidth, Ellipsis)
}

// FitWidth truncates or right-pads s to exactly width columns.
func FitWidth(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return runewidth.FillRight(TruncateWidth(s, width), width)
}

// SingleLine collapses every run of whitespace, including newlines, into
// one space.
func SingleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
