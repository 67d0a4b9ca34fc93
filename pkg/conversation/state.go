package conversation

import (
	"time"

	"github.com/google/uuid"
)

// SessionState is the single per-session record the reducer maintains.
// Everything that was previously spread over parallel id-keyed maps
// lives here so the pieces cannot drift out of sync. Created lazily on
// the first event for a session id; exclusively owned by the reducer.
type SessionState struct {
	SessionID string     `json:"sessionId"`
	Messages  []*Message `json:"messages"`

	// Agent-reported identity for resume.
	ThreadID      string   `json:"threadId,omitempty"`
	Model         string   `json:"model,omitempty"`
	SlashCommands []string `json:"slashCommands,omitempty"`

	// Live turn status.
	Active    bool   `json:"active"`
	Streaming bool   `json:"streaming"`
	Thinking  bool   `json:"thinking"`
	LastError string `json:"lastError,omitempty"`

	// Task list reported by the task-list tool.
	Todos []TodoItem `json:"todos,omitempty"`

	// Accounting. TotalCost is monotonically non-decreasing within a
	// thread.
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalCost    float64 `json:"totalCost"`

	// Transient turn state, never persisted.
	currentMessageID string
	blocks           map[int]*ContentBlock
	fragments        map[int]string
	flushedLen       map[int]int
	renderers        map[int]*Renderer
	turnStartedAt    time.Time
}

func newSessionState(sessionID string) *SessionState {
	return &SessionState{
		SessionID:  sessionID,
		blocks:     make(map[int]*ContentBlock),
		fragments:  make(map[int]string),
		flushedLen: make(map[int]int),
		renderers:  make(map[int]*Renderer),
	}
}

// reviveTransient rebuilds the transient maps after a state record is
// hydrated from persistence or a snapshot that dropped them.
func (s *SessionState) reviveTransient() {
	if s.blocks == nil {
		s.blocks = make(map[int]*ContentBlock)
	}
	if s.fragments == nil {
		s.fragments = make(map[int]string)
	}
	if s.flushedLen == nil {
		s.flushedLen = make(map[int]int)
	}
	if s.renderers == nil {
		s.renderers = make(map[int]*Renderer)
	}
}

// currentMessage returns the in-flight streaming message, or nil.
func (s *SessionState) currentMessage() *Message {
	if s.currentMessageID == "" {
		return nil
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].ID == s.currentMessageID {
			return s.Messages[i]
		}
	}
	return nil
}

// beginMessage allocates a fresh in-flight assistant message and
// resets the block cursor state. Each call produces a new id distinct
// from all prior ids in the session.
func (s *SessionState) beginMessage() *Message {
	msg := &Message{
		ID:          uuid.NewString(),
		Role:        RoleAssistant,
		Timestamp:   time.Now(),
		IsStreaming: true,
	}
	s.Messages = append(s.Messages, msg)
	s.currentMessageID = msg.ID
	s.blocks = make(map[int]*ContentBlock)
	s.turnStartedAt = time.Now()
	return msg
}

// openBlock appends a new content block at the stream index. Delta
// events for an index always belong to the block most recently opened
// there.
func (s *SessionState) openBlock(index int, block *ContentBlock) {
	if msg := s.currentMessage(); msg != nil {
		msg.Blocks = append(msg.Blocks, block)
	}
	s.blocks[index] = block
	delete(s.fragments, index)
	delete(s.flushedLen, index)
}

// blockAt returns the block currently open at the stream index.
func (s *SessionState) blockAt(index int) *ContentBlock {
	return s.blocks[index]
}

// endTurn tears down all in-flight turn state: renderers are flushed
// and destroyed, fragment buffers dropped, cursors cleared.
func (s *SessionState) endTurn() {
	for _, r := range s.renderers {
		r.Flush()
		r.Destroy()
	}
	s.renderers = make(map[int]*Renderer)
	s.fragments = make(map[int]string)
	s.flushedLen = make(map[int]int)
	s.blocks = make(map[int]*ContentBlock)
	s.currentMessageID = ""
	s.turnStartedAt = time.Time{}
	s.Streaming = false
	s.Thinking = false
	if n := len(s.Messages); n > 0 {
		s.Messages[n-1].IsStreaming = false
	}
}

// MessageCount returns the number of messages in the session.
func (s *SessionState) MessageCount() int {
	return len(s.Messages)
}
