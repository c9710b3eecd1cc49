// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package search

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/jeranaias/rigrun-relay/internal/model"
)

func TestMatchContent_Scoring(t *testing.T) {
	m, ok := MatchContent("The quick brown fox", "qf")
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Score != 6 {
		t.Errorf("Score = %d, want 6", m.Score)
	}
	want := []Range{{4, 4}, {16, 16}}
	if !reflect.DeepEqual(m.Ranges, want) {
		t.Errorf("Ranges = %v, want %v", m.Ranges, want)
	}
}

func TestMatchContent_Consecutive(t *testing.T) {
	// t(0): 1+2, h: 1+4, e: 1+4
	m, ok := MatchContent("The end", "the")
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Score != 13 {
		t.Errorf("Score = %d, want 13", m.Score)
	}
	if !reflect.DeepEqual(m.Ranges, []Range{{0, 2}}) {
		t.Errorf("Ranges = %v, want [{0 2}]", m.Ranges)
	}
}

func TestMatchContent_NoMatch(t *testing.T) {
	tests := []struct {
		content, query string
	}{
		{"hello", ""},
		{"hello", "   "},
		{"hello", "xyz"},
		{"abc", "cba"},
		{"", "a"},
	}
	for _, tt := range tests {
		if _, ok := MatchContent(tt.content, tt.query); ok {
			t.Errorf("MatchContent(%q, %q) matched, want no match", tt.content, tt.query)
		}
	}
}

func TestMatchContent_CaseAndTrim(t *testing.T) {
	m, ok := MatchContent("Hello World", "  WORLD ")
	if !ok {
		t.Fatal("expected a match")
	}
	if !reflect.DeepEqual(m.Ranges, []Range{{6, 10}}) {
		t.Errorf("Ranges = %v", m.Ranges)
	}
}

func TestMatchContent_RunePositions(t *testing.T) {
	m, ok := MatchContent("héllo wörld", "wö")
	if !ok {
		t.Fatal("expected a match")
	}
	if !reflect.DeepEqual(m.Ranges, []Range{{6, 7}}) {
		t.Errorf("Ranges = %v, want rune indexes [{6 7}]", m.Ranges)
	}
}

func TestMatchContent_Snippet(t *testing.T) {
	short, _ := MatchContent("  find me  ", "me")
	if short.Snippet != "find me" {
		t.Errorf("Snippet = %q, want trimmed content", short.Snippet)
	}

	long := strings.Repeat("a", 100) + "needle" + strings.Repeat("b", 200)
	m, _ := MatchContent(long, "needle")
	if !strings.HasPrefix(m.Snippet, Ellipsis) || !strings.HasSuffix(m.Snippet, Ellipsis) {
		t.Errorf("Snippet edges = %q", m.Snippet)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(m.Snippet, Ellipsis), Ellipsis)
	if n := len([]rune(body)); n != SnippetBefore+SnippetAfter {
		t.Errorf("snippet body = %d runes, want %d", n, SnippetBefore+SnippetAfter)
	}
	if !strings.Contains(body, "needle") {
		t.Error("snippet does not contain the match")
	}
}

func TestMergeRanges(t *testing.T) {
	tests := []struct {
		in, want []Range
	}{
		{nil, []Range{}},
		{[]Range{{2, 4}, {5, 7}, {10, 12}}, []Range{{2, 7}, {10, 12}}},
		{[]Range{{10, 12}, {2, 4}, {3, 8}}, []Range{{2, 8}, {10, 12}}},
		{[]Range{{1, 1}, {3, 3}}, []Range{{1, 1}, {3, 3}}},
		{[]Range{{1, 5}, {2, 3}}, []Range{{1, 5}}},
	}
	for _, tt := range tests {
		got := MergeRanges(tt.in)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("MergeRanges(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}

	in := []Range{{5, 6}, {1, 2}}
	MergeRanges(in)
	if in[0] != (Range{5, 6}) {
		t.Error("MergeRanges modified its input")
	}
}

func TestSearch(t *testing.T) {
	turns := []model.Turn{
		{ID: "1", Role: model.RoleUser, Content: "tell me about go channels"},
		{ID: "2", Role: model.RoleAssistant, Content: "Channels are typed conduits"},
		{ID: "3", Role: model.RoleUser, Content: "unrelated"},
	}

	got := Search(turns, "chan")
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	// "Channels" at position 0 earns the start bonus; both word starts tie
	// otherwise, so the stable sort keeps conversation order.
	if got[0].TurnID != "1" && got[0].TurnID != "2" {
		t.Errorf("unexpected first result %q", got[0].TurnID)
	}
	if got[0].Score < got[1].Score {
		t.Errorf("results not sorted: %d < %d", got[0].Score, got[1].Score)
	}

	if len(Search(turns, "  ")) != 0 {
		t.Error("blank query returned results")
	}

	for _, r := range got {
		if r.TurnID == "3" {
			t.Error("non-matching turn returned")
		}
	}
}

func TestSearch_CapAndStable(t *testing.T) {
	var turns []model.Turn
	for i := 0; i < 40; i++ {
		turns = append(turns, model.Turn{ID: fmt.Sprint(i), Content: "same text"})
	}
	got := Search(turns, "same")
	if len(got) != MaxResults {
		t.Fatalf("len = %d, want %d", len(got), MaxResults)
	}
	for i, r := range got {
		if r.TurnID != fmt.Sprint(i) {
			t.Fatalf("result %d = turn %s, want stable order", i, r.TurnID)
		}
	}
}

func TestSearch_Pure(t *testing.T) {
	turns := []model.Turn{{ID: "a", Content: "Alpha beta"}, {ID: "b", Content: "beta gamma"}}
	first := Search(turns, "bet")
	second := Search(turns, "bet")
	if !reflect.DeepEqual(first, second) {
		t.Error("Search is not deterministic")
	}
	if turns[0].Content != "Alpha beta" {
		t.Error("Search modified its input")
	}
}

func TestSegments(t *testing.T) {
	got := Segments("The quick brown fox", []Range{{4, 8}, {16, 18}})
	want := []Segment{
		{Text: "The "},
		{Text: "quick", Highlighted: true},
		{Text: " brown "},
		{Text: "fox", Highlighted: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Segments() = %#v", got)
	}

	plain := Segments("abc", nil)
	if len(plain) != 1 || plain[0].Highlighted {
		t.Errorf("Segments(no ranges) = %#v", plain)
	}

	clipped := Segments("abc", []Range{{1, 10}})
	if len(clipped) != 2 || clipped[1].Text != "bc" {
		t.Errorf("Segments(out of bounds) = %#v", clipped)
	}
}
