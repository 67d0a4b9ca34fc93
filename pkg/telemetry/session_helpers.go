// Package telemetry provides turn statistics helpers for computing and recording
// telemetry data from supervised agent sessions.
package telemetry

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentdeck/agentdeck/pkg/conversation"
)

// promptPreviewLimit caps the prompt text attached to turn spans.
const promptPreviewLimit = 200

// TurnStats holds computed statistics for a completed turn, used for
// telemetry and span attributes. Counters reflect the session snapshot
// at the time the turn finished.
type TurnStats struct {
	AgentName     string
	SessionID     string
	Model         string
	PromptText    string
	ToolNames     string
	MessageCount  int
	ToolCount     int
	ToolTypeCount int
	TokenUsage    TokenUsage
	Cost          float64
}

// ComputeTurnStats computes all statistics for a turn from the session state snapshot.
func ComputeTurnStats(agentName string, state *conversation.SessionState) TurnStats {
	stats := TurnStats{
		AgentName: agentName,
	}

	if state != nil {
		toolNames, toolCount, toolTypeCount := extractToolInfo(state.Messages)

		stats.SessionID = state.SessionID
		stats.Model = state.Model
		stats.PromptText = lastUserPrompt(state.Messages)
		stats.ToolNames = toolNames
		stats.MessageCount = len(state.Messages)
		stats.ToolCount = toolCount
		stats.ToolTypeCount = toolTypeCount
		stats.TokenUsage.InputTokens = state.InputTokens
		stats.TokenUsage.OutputTokens = state.OutputTokens
		stats.Cost = state.TotalCost
	}

	return stats
}

// StartTurnSpan creates a span for a completed agent turn. The returned span
// should be ended by the caller after attributes are set.
func StartTurnSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return Tracer("agentdeck").Start(ctx, "agent_turn",
		trace.WithAttributes(
			attribute.String("agentdeck.session.id", sessionID),
		),
	)
}

// SetTurnSpanAttributes sets all standard turn attributes on a span.
// Token usage attributes are cumulative for the session; only non-zero
// values are meaningful.
func SetTurnSpanAttributes(span trace.Span, stats TurnStats) {
	span.SetAttributes(
		attribute.String("agentdeck.agent", stats.AgentName),
		attribute.String("agentdeck.session.id", stats.SessionID),
		attribute.String("agentdeck.turn.model", stats.Model),
		attribute.String("agentdeck.turn.prompt_text", stats.PromptText),
		attribute.String("agentdeck.session.tools_used", stats.ToolNames),
		attribute.Int("agentdeck.session.message_count", stats.MessageCount),
		attribute.Int("agentdeck.session.tool_count", stats.ToolCount),
		attribute.Int("agentdeck.session.tool_type_count", stats.ToolTypeCount),
		attribute.Int("agentdeck.session.input_tokens", stats.TokenUsage.InputTokens),
		attribute.Int("agentdeck.session.output_tokens", stats.TokenUsage.OutputTokens),
		attribute.Float64("agentdeck.session.total_cost", stats.Cost),
	)
}

// RecordTurnMetrics records all telemetry metrics for a completed turn.
// This is a no-op when telemetry is disabled.
func RecordTurnMetrics(ctx context.Context, stats TurnStats, usage TokenUsage, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	recordTurnCompleted(ctx, stats.AgentName, stats.SessionID)
	recordMessages(ctx, stats.AgentName, stats.SessionID, int64(stats.MessageCount))
	recordToolUsage(ctx, stats.AgentName, stats.SessionID, int64(stats.ToolCount))
	recordTurnDuration(ctx, stats.AgentName, stats.SessionID, duration)
	recordTurnCost(ctx, stats.AgentName, stats.SessionID, stats.Cost)
	recordTokenUsage(ctx, stats.AgentName, stats.SessionID, usage)
}

// --- Turn Helpers ---

// extractToolInfo extracts tool usage information from the message list.
// Returns: comma-separated unique tool names (sorted), total tool invocation
// count, and unique tool name count.
func extractToolInfo(messages []*conversation.Message) (toolNames string, toolCount int, toolTypeCount int) {
	nameSet := make(map[string]bool)

	for _, msg := range messages {
		for _, block := range msg.Blocks {
			if block.Type == conversation.BlockToolUse && block.ToolName != "" {
				toolCount++
				nameSet[block.ToolName] = true
			}
		}
	}

	names := make([]string, 0, len(nameSet))
	for n := range nameSet {
		names = append(names, n)
	}
	sort.Strings(names)

	return strings.Join(names, ","), toolCount, len(nameSet)
}

// lastUserPrompt finds the most recent user message and returns its text
// content, truncated to promptPreviewLimit runes.
func lastUserPrompt(messages []*conversation.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != conversation.RoleUser {
			continue
		}
		text := messages[i].PlainText()
		runes := []rune(text)
		if len(runes) > promptPreviewLimit {
			return string(runes[:promptPreviewLimit])
		}
		return text
	}
	return ""
}
