package cmd

import (
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/pkg/store"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"shorter than max", "hello", 10, "hello"},
		{"exactly max", "hello", 5, "hello"},
		{"truncated with ellipsis", "hello world", 8, "hello..."},
		{"max too small for ellipsis", "hello", 3, "hel"},
		{"multibyte runes", "héllo wörld", 8, "héllo..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateString(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("truncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestFormatCost(t *testing.T) {
	tests := []struct {
		cost float64
		want string
	}{
		{0, "-"},
		{0.0042, "$0.00"},
		{1.5, "$1.50"},
		{123.456, "$123.46"},
	}

	for _, tt := range tests {
		if got := formatCost(tt.cost); got != tt.want {
			t.Errorf("formatCost(%v) = %q, want %q", tt.cost, got, tt.want)
		}
	}
}

func TestFormatCreatedAt(t *testing.T) {
	if got := formatCreatedAt(time.Time{}); got != "-" {
		t.Errorf("zero time = %q, want -", got)
	}

	ts := time.Date(2026, time.March, 5, 14, 30, 0, 0, time.Local)
	if got := formatCreatedAt(ts); got != "Mar 05, 2026 14:30" {
		t.Errorf("formatCreatedAt = %q, want %q", got, "Mar 05, 2026 14:30")
	}
}

func TestCalculateTitleWidth(t *testing.T) {
	// Narrow terminals still get the minimum title width.
	if got := calculateTitleWidth(40); got != 10 {
		t.Errorf("narrow terminal width = %d, want 10", got)
	}

	wide := calculateTitleWidth(200)
	if wide <= 10 {
		t.Errorf("wide terminal width = %d, want > 10", wide)
	}
}

func TestSortRowsOldestFirst(t *testing.T) {
	t0 := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	rows := []sessionRow{
		{Session: store.Session{ID: "c", CreatedAt: t0.Add(2 * time.Hour)}},
		{Session: store.Session{ID: "b", CreatedAt: t0}},
		{Session: store.Session{ID: "a", CreatedAt: t0}},
	}

	sortRowsOldestFirst(rows)

	got := []string{rows[0].ID, rows[1].ID, rows[2].ID}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestFavoriteMark(t *testing.T) {
	if got := favoriteMark(true); got != "★" {
		t.Errorf("favoriteMark(true) = %q", got)
	}
	if got := favoriteMark(false); got != "" {
		t.Errorf("favoriteMark(false) = %q", got)
	}
}
