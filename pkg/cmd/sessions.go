// Package cmd contains CLI command implementations for AgentDeck.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agentdeck/agentdeck/pkg/analytics"
	"github.com/agentdeck/agentdeck/pkg/log"
	"github.com/agentdeck/agentdeck/pkg/store"
)

// Column widths for table output (excluding TITLE which is dynamic).
const (
	favWidth       = 3  // "FAV"
	sessionIDWidth = 36 // UUID length
	createdWidth   = 17 // "Jan 02, 2006 15:04"
	msgsWidth      = 5  // message count
	costWidth      = 8  // "$123.45"
	columnSpacing  = 2  // Spaces between columns
)

// sessionsFlags holds the flags for the sessions command.
type sessionsFlags struct {
	json bool
}

var flags sessionsFlags

// sessionRow is one row of sessions output: the persisted record plus
// the transcript message count.
type sessionRow struct {
	store.Session
	MessageCount int `json:"messageCount"`
}

// CreateSessionsCommand creates the sessions command.
func CreateSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls", "list"},
		Short:   "List persisted agent sessions",
		Long: `List persisted sessions showing session ID, creation date, message
count, accumulated cost, and title.

By default, outputs a human-readable table. Use --json for machine-readable output.`,
		Example: `
# List all sessions
agentdeck sessions

# Output as JSON (for programmatic use)
agentdeck sessions --json | jq`,
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Info("Running sessions command")
			return listSessions()
		},
	}

	cmd.Flags().BoolVar(&flags.json, "json", false, "Output as JSON (default is human-readable table)")

	return cmd
}

func listSessions() error {
	st, err := store.Open()
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	sessions, err := st.LoadSessions(ctx)
	if err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}
	counts, err := st.MessageCounts(ctx)
	if err != nil {
		return fmt.Errorf("counting messages: %w", err)
	}

	rows := make([]sessionRow, len(sessions))
	for i, s := range sessions {
		rows[i] = sessionRow{Session: s, MessageCount: counts[s.ID]}
	}
	sortRowsOldestFirst(rows)

	if len(rows) == 0 && !flags.json {
		if !log.IsSilent() {
			fmt.Fprintln(os.Stderr)
			log.UserWarn("No sessions found.\n\n")
			log.UserMessage("Start one with 'agentdeck serve' or 'agentdeck run'.\n")
		}
		return nil
	}

	if err := outputSessions(rows); err != nil {
		return err
	}

	analytics.TrackEvent(analytics.EventListSessions, analytics.Properties{
		"session_count": len(rows),
	})

	return nil
}

// outputSessions outputs sessions as JSON or a human-readable table.
func outputSessions(rows []sessionRow) error {
	if flags.json {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(rows); err != nil {
			return fmt.Errorf("failed to encode sessions as JSON: %w", err)
		}
	} else {
		printSessionTable(rows)
	}
	return nil
}

// printSessionTable outputs sessions as a formatted table.
func printSessionTable(rows []sessionRow) {
	if len(rows) == 0 {
		return
	}

	termWidth := getTerminalWidth()
	titleWidth := calculateTitleWidth(termWidth)

	fmt.Println() // Visual separation before table

	fmt.Printf("%-*s  %-*s  %-*s  %*s  %*s  %s\n",
		favWidth, "FAV",
		sessionIDWidth, "SESSION ID",
		createdWidth, "CREATED",
		msgsWidth, "MSGS",
		costWidth, "COST",
		"TITLE")

	fmt.Printf("%s  %s  %s  %s  %s  %s\n",
		strings.Repeat("-", favWidth),
		strings.Repeat("-", sessionIDWidth),
		strings.Repeat("-", createdWidth),
		strings.Repeat("-", msgsWidth),
		strings.Repeat("-", costWidth),
		strings.Repeat("-", min(titleWidth, 20))) // Cap separator at 20 chars for TITLE

	for _, row := range rows {
		fmt.Printf("%-*s  %-*s  %-*s  %*d  %*s  %s\n",
			favWidth, favoriteMark(row.Favorite),
			sessionIDWidth, row.ID,
			createdWidth, formatCreatedAt(row.CreatedAt),
			msgsWidth, row.MessageCount,
			costWidth, formatCost(row.TotalCost),
			truncateString(row.Title, titleWidth))
	}

	fmt.Println() // Visual separation after table
}

func favoriteMark(favorite bool) string {
	if favorite {
		return "★"
	}
	return ""
}

// formatCost renders a dollar amount, dropping to a dash when nothing
// has been spent yet.
func formatCost(cost float64) string {
	if cost == 0 {
		return "-"
	}
	return fmt.Sprintf("$%.2f", cost)
}

// getTerminalWidth returns the terminal width, defaulting to 80 if unavailable.
func getTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

// calculateTitleWidth calculates the available width for the TITLE column.
func calculateTitleWidth(termWidth int) int {
	fixedWidth := favWidth + sessionIDWidth + createdWidth + msgsWidth + costWidth + (columnSpacing * 5)
	titleWidth := termWidth - fixedWidth

	return max(titleWidth, 10) // Minimum width of 10 for TITLE
}

// truncateString truncates a string to maxLen runes, adding "..." if truncated.
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// formatCreatedAt formats a timestamp to human-readable local time.
func formatCreatedAt(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("Jan 02, 2006 15:04")
}

// sortRowsOldestFirst sorts sessions by creation time (oldest first).
func sortRowsOldestFirst(rows []sessionRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
