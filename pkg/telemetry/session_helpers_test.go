package telemetry

import (
	"strings"
	"testing"

	"github.com/agentdeck/agentdeck/pkg/conversation"
)

func userMessage(text string) *conversation.Message {
	return &conversation.Message{
		Role: conversation.RoleUser,
		Blocks: []*conversation.ContentBlock{
			{Type: conversation.BlockText, Content: text, IsComplete: true},
		},
	}
}

func assistantMessage(blocks ...*conversation.ContentBlock) *conversation.Message {
	return &conversation.Message{
		Role:   conversation.RoleAssistant,
		Blocks: blocks,
	}
}

func toolBlock(name string) *conversation.ContentBlock {
	return &conversation.ContentBlock{
		Type:       conversation.BlockToolUse,
		ToolName:   name,
		IsComplete: true,
	}
}

func TestExtractToolInfo(t *testing.T) {
	tests := []struct {
		name          string
		messages      []*conversation.Message
		wantNames     string
		wantCount     int
		wantTypeCount int
	}{
		{
			name:     "no messages",
			messages: nil,
		},
		{
			name: "no tool blocks",
			messages: []*conversation.Message{
				userMessage("hello"),
				assistantMessage(&conversation.ContentBlock{Type: conversation.BlockText, Content: "hi"}),
			},
		},
		{
			name: "single tool",
			messages: []*conversation.Message{
				assistantMessage(toolBlock("Read")),
			},
			wantNames:     "Read",
			wantCount:     1,
			wantTypeCount: 1,
		},
		{
			name: "repeated tools counted once by name",
			messages: []*conversation.Message{
				assistantMessage(toolBlock("Read"), toolBlock("Bash")),
				assistantMessage(toolBlock("Read")),
			},
			wantNames:     "Bash,Read",
			wantCount:     3,
			wantTypeCount: 2,
		},
		{
			name: "unnamed tool blocks ignored",
			messages: []*conversation.Message{
				assistantMessage(toolBlock("")),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			names, count, typeCount := extractToolInfo(tt.messages)
			if names != tt.wantNames {
				t.Errorf("names = %q, want %q", names, tt.wantNames)
			}
			if count != tt.wantCount {
				t.Errorf("count = %d, want %d", count, tt.wantCount)
			}
			if typeCount != tt.wantTypeCount {
				t.Errorf("typeCount = %d, want %d", typeCount, tt.wantTypeCount)
			}
		})
	}
}

func TestLastUserPrompt(t *testing.T) {
	t.Run("no user message", func(t *testing.T) {
		messages := []*conversation.Message{
			assistantMessage(&conversation.ContentBlock{Type: conversation.BlockText, Content: "hi"}),
		}
		if got := lastUserPrompt(messages); got != "" {
			t.Errorf("lastUserPrompt = %q, want empty", got)
		}
	})

	t.Run("picks most recent user message", func(t *testing.T) {
		messages := []*conversation.Message{
			userMessage("first prompt"),
			assistantMessage(&conversation.ContentBlock{Type: conversation.BlockText, Content: "reply"}),
			userMessage("second prompt"),
		}
		if got := lastUserPrompt(messages); got != "second prompt" {
			t.Errorf("lastUserPrompt = %q, want %q", got, "second prompt")
		}
	})

	t.Run("truncates long prompts", func(t *testing.T) {
		long := strings.Repeat("x", promptPreviewLimit+50)
		messages := []*conversation.Message{userMessage(long)}
		got := lastUserPrompt(messages)
		if len([]rune(got)) != promptPreviewLimit {
			t.Errorf("truncated length = %d, want %d", len([]rune(got)), promptPreviewLimit)
		}
	})
}

func TestComputeTurnStats(t *testing.T) {
	state := &conversation.SessionState{
		SessionID: "sess-1",
		Model:     "claude-sonnet-4",
		Messages: []*conversation.Message{
			userMessage("run the tests"),
			assistantMessage(toolBlock("Bash"), toolBlock("Read")),
		},
		InputTokens:  120,
		OutputTokens: 42,
		TotalCost:    0.0031,
	}

	stats := ComputeTurnStats("claude", state)

	if stats.AgentName != "claude" {
		t.Errorf("AgentName = %q", stats.AgentName)
	}
	if stats.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", stats.SessionID)
	}
	if stats.Model != "claude-sonnet-4" {
		t.Errorf("Model = %q", stats.Model)
	}
	if stats.PromptText != "run the tests" {
		t.Errorf("PromptText = %q", stats.PromptText)
	}
	if stats.ToolNames != "Bash,Read" {
		t.Errorf("ToolNames = %q", stats.ToolNames)
	}
	if stats.MessageCount != 2 {
		t.Errorf("MessageCount = %d", stats.MessageCount)
	}
	if stats.ToolCount != 2 {
		t.Errorf("ToolCount = %d", stats.ToolCount)
	}
	if stats.ToolTypeCount != 2 {
		t.Errorf("ToolTypeCount = %d", stats.ToolTypeCount)
	}
	if stats.TokenUsage.InputTokens != 120 || stats.TokenUsage.OutputTokens != 42 {
		t.Errorf("TokenUsage = %+v", stats.TokenUsage)
	}
	if stats.Cost != 0.0031 {
		t.Errorf("Cost = %v", stats.Cost)
	}
}

func TestComputeTurnStatsNilState(t *testing.T) {
	stats := ComputeTurnStats("claude", nil)
	if stats.AgentName != "claude" {
		t.Errorf("AgentName = %q", stats.AgentName)
	}
	if stats.SessionID != "" || stats.MessageCount != 0 {
		t.Errorf("expected zero stats, got %+v", stats)
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantHost     string
		wantInsecure bool
	}{
		{"empty uses default", "", defaultEndpoint, true},
		{"bare host port", "collector.internal:4317", "collector.internal:4317", true},
		{"http URL", "http://localhost:4317", "localhost:4317", true},
		{"https URL", "https://collector.example:4317", "collector.example:4317", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, insecure := parseEndpoint(tt.raw)
			if host != tt.wantHost {
				t.Errorf("host = %q, want %q", host, tt.wantHost)
			}
			if insecure != tt.wantInsecure {
				t.Errorf("insecure = %v, want %v", insecure, tt.wantInsecure)
			}
		})
	}
}

func TestParseResourceAttributes(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		t.Setenv("OTEL_RESOURCE_ATTRIBUTES", "")
		if attrs := parseResourceAttributes(); attrs != nil {
			t.Errorf("attrs = %v, want nil", attrs)
		}
	})

	t.Run("pairs with whitespace", func(t *testing.T) {
		t.Setenv("OTEL_RESOURCE_ATTRIBUTES", "env=prod, team = infra ,malformed,")
		attrs := parseResourceAttributes()
		if len(attrs) != 2 {
			t.Fatalf("len(attrs) = %d, want 2", len(attrs))
		}
		if string(attrs[0].Key) != "env" || attrs[0].Value.AsString() != "prod" {
			t.Errorf("attrs[0] = %v", attrs[0])
		}
		if string(attrs[1].Key) != "team" || attrs[1].Value.AsString() != "infra" {
			t.Errorf("attrs[1] = %v", attrs[1])
		}
	})
}

func TestTraceIDFromSessionID(t *testing.T) {
	a := traceIDFromSessionID("session-a")
	b := traceIDFromSessionID("session-a")
	c := traceIDFromSessionID("session-b")

	if a != b {
		t.Error("same session ID produced different trace IDs")
	}
	if a == c {
		t.Error("different session IDs produced the same trace ID")
	}
	if !a.IsValid() {
		t.Error("trace ID is not valid")
	}
}
