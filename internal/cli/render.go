// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/rigrun-relay/internal/client"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/search"
	"github.com/jeranaias/rigrun-relay/internal/util"
)

// =============================================================================
// MARKDOWN RENDERING
// =============================================================================

var (
	markdownOnce     sync.Once
	markdownRenderer *glamour.TermRenderer
)

// renderMarkdown renders markdown for the terminal. The content is returned
// unchanged when the renderer is unavailable or fails.
func renderMarkdown(content string) string {
	markdownOnce.Do(func() {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(GetTerminalWidth()-4),
		)
		if err == nil {
			markdownRenderer = r
		}
	})
	if markdownRenderer == nil {
		return content
	}
	rendered, err := markdownRenderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}

// =============================================================================
// SEARCH RESULTS
// =============================================================================

// renderSearchResults lists results one per line, each fitted to width
// columns, with matched characters highlighted.
func renderSearchResults(results []search.Result, query string, width int) string {
	if len(results) == 0 {
		return DimStyle.Render(fmt.Sprintf("No matches for %q", query))
	}

	var b strings.Builder
	for i, r := range results {
		prefix := fmt.Sprintf("%2d. %-9s ", i+1, "["+r.Role.DisplayName()+"]")
		avail := width - util.StringWidth(prefix)
		if avail < 10 {
			avail = 10
		}
		snippet := util.TruncateWidth(util.SingleLine(r.Snippet), avail)
		b.WriteString(DimStyle.Render(prefix))
		b.WriteString(highlightMatches(snippet, query))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// highlightMatches re-runs the matcher over the visible text so the
// highlighted spans line up with what is printed.
func highlightMatches(text, query string) string {
	m, ok := search.MatchContent(text, query)
	if !ok {
		return text
	}
	var b strings.Builder
	for _, seg := range search.Segments(text, m.Ranges) {
		if seg.Highlighted {
			b.WriteString(HighlightStyle.Render(seg.Text))
		} else {
			b.WriteString(seg.Text)
		}
	}
	return b.String()
}

// =============================================================================
// SUGGESTIONS AND NOTIFICATIONS
// =============================================================================

// renderSuggestions numbers the follow-up prompts for /suggest.
func renderSuggestions(items []model.Suggestion, width int) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(DimStyle.Render("Suggestions (use /suggest N):"))
	for i, s := range items {
		line := fmt.Sprintf("  %d. %s", i+1, s.Title)
		if s.Description != "" {
			line += " - " + s.Description
		}
		b.WriteString("\n")
		b.WriteString(util.TruncateWidth(line, width))
	}
	return b.String()
}

// renderNotification styles a reducer notification.
func renderNotification(n client.Notification) string {
	switch n.Kind {
	case client.NotifyError:
		return ErrorStyle.Render("[Error]") + " " + n.Message
	default:
		return WarningStyle.Render("[" + n.Message + "]")
	}
}
