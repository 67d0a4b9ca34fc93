// Package conversation reconstructs per-session conversation state
// from the tagged event stream the agent package emits.
package conversation

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType is the tagged-union discriminator for content blocks.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ToolStatus tracks a tool_use block's execution state.
type ToolStatus string

const (
	ToolRunning  ToolStatus = "running"
	ToolComplete ToolStatus = "complete"
)

// ContentBlock is one unit of a message's structured output. While
// IsComplete is false its content may only grow or be replaced by a
// strictly more complete value; once true it is immutable.
type ContentBlock struct {
	ID         string         `json:"id"`
	Type       BlockType      `json:"type"`
	Content    string         `json:"content"`
	IsComplete bool           `json:"isComplete"`
	ToolName   string         `json:"toolName,omitempty"`
	ToolInput  map[string]any `json:"toolInput,omitempty"`
	ToolStatus ToolStatus     `json:"toolStatus,omitempty"`
}

// Message is one conversation entry, owned by exactly one session's
// message list. Append-only during a turn except for mutation of its
// own trailing block list.
type Message struct {
	ID          string          `json:"id"`
	Role        Role            `json:"role"`
	Blocks      []*ContentBlock `json:"blocks"`
	Timestamp   time.Time       `json:"timestamp"`
	IsStreaming bool            `json:"isStreaming"`
}

// TodoItem is one entry of the session task list. The list is
// wholesale-replaced, never merged, when the task-list tool reports a
// new one.
type TodoItem struct {
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"activeForm"`
}

// PlainText concatenates the message's text block contents, used for
// deriving session titles.
func (m *Message) PlainText() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Content
		}
	}
	return out
}
