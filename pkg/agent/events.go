// Package agent supervises long-lived coding-agent CLI subprocesses and
// reframes their newline-delimited JSON output into tagged event envelopes.
package agent

import (
	"encoding/json"
	"fmt"
)

// Top-level record types emitted by the agent CLI on stdout.
const (
	RecordSystem      = "system"
	RecordAssistant   = "assistant"
	RecordUser        = "user"
	RecordResult      = "result"
	RecordStreamEvent = "stream_event"
)

// Nested stream event types.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
)

// Delta payload types.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
)

// Envelope types flowing from a session process to consumers. Any
// subprocess record type not listed here passes through with the
// record's own top-level type.
const (
	EnvelopeStatus      = "status"
	EnvelopeError       = "error"
	EnvelopeHeartbeat   = "heartbeat"
	EnvelopeStreamEvent = "stream_event"
)

// Status values carried by status envelopes.
const (
	StatusStarted = "started"
	StatusStopped = "stopped"
	StatusExited  = "exited"
)

// Envelope is the uniform wrapper for every event a session emits.
// Every envelope is attributable to exactly one session.
type Envelope struct {
	Type      string  `json:"type"`
	SessionID string  `json:"sessionId"`
	Status    string  `json:"status,omitempty"`
	ExitCode  *int    `json:"exitCode,omitempty"`
	Error     string  `json:"error,omitempty"`
	Record    *Record `json:"record,omitempty"`
}

// Record is one decoded line of subprocess stdout. The vocabulary is a
// tagged union over the top-level type; fields are populated per type.
type Record struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system/init fields.
	SessionID     string   `json:"session_id,omitempty"`
	Model         string   `json:"model,omitempty"`
	SlashCommands []string `json:"slash_commands,omitempty"`

	// assistant/user records carry a whole API message.
	Message *APIMessage `json:"message,omitempty"`

	// stream_event records carry a nested fine-grained event.
	Event *StreamEvent `json:"event,omitempty"`

	// result fields.
	IsError      bool    `json:"is_error,omitempty"`
	Result       string  `json:"result,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`

	// Raw holds the original line for pass-through consumers.
	Raw json.RawMessage `json:"-"`
}

// StreamEvent is the nested event inside a stream_event record.
type StreamEvent struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	Message      *APIMessage  `json:"message,omitempty"`
	ContentBlock *BlockHeader `json:"content_block,omitempty"`
	Delta        *Delta       `json:"delta,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
}

// BlockHeader describes a content block at content_block_start.
type BlockHeader struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	Text  string          `json:"text,omitempty"`
}

// Delta is the incremental payload of a content_block_delta or
// message_delta event.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// APIMessage is the message object carried by message_start and by
// non-streaming assistant/user records.
type APIMessage struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role,omitempty"`
	Model   string          `json:"model,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// Usage carries token accounting from the subprocess.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// DecodeRecord parses one complete stdout line into a Record. Returns
// an error for non-JSON lines; callers treat those as diagnostic
// output and drop them.
func DecodeRecord(line []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	if rec.Type == "" {
		return nil, fmt.Errorf("record has no type field")
	}
	raw := make(json.RawMessage, len(line))
	copy(raw, line)
	rec.Raw = raw
	return &rec, nil
}

// IsFragment reports whether the record is a tool-argument fragment
// event, the only kind the delta batcher coalesces. Everything else is
// structural and forces a synchronous pre-flush so block boundaries
// are never reordered relative to batched deltas.
func (r *Record) IsFragment() bool {
	return r.Type == RecordStreamEvent &&
		r.Event != nil &&
		r.Event.Type == EventContentBlockDelta &&
		r.Event.Delta != nil &&
		r.Event.Delta.Type == DeltaInputJSON
}

// userMessage is the stdin protocol record for one outbound user turn.
type userMessage struct {
	Type    string          `json:"type"`
	Message userMessageBody `json:"message"`
}

type userMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EncodeUserMessage builds one newline-terminated NDJSON user record
// for the subprocess's stdin.
func EncodeUserMessage(text string) ([]byte, error) {
	payload, err := json.Marshal(userMessage{
		Type: "user",
		Message: userMessageBody{
			Role:    "user",
			Content: text,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode user message: %w", err)
	}
	return append(payload, '\n'), nil
}
