package conversation

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kaptinlin/jsonrepair"

	"github.com/agentdeck/agentdeck/pkg/agent"
)

// TodoWriteTool is the task-list tool name whose input wholesale
// replaces the session todo list.
const TodoWriteTool = "TodoWrite"

// backgroundCapacity bounds how many non-live session states stay
// resident; older ones are persisted and evicted, then rehydrated from
// the store on demand.
const backgroundCapacity = 32

// Store is the persistence capability the reducer hydrates from and
// saves to. Failures are swallowed and logged; data loss is accepted
// for this class.
type Store interface {
	LoadMessages(sessionID string) ([]*Message, error)
	SaveMessages(sessionID string, messages []*Message) error
}

// UpdateKind tags UI-bound notifications.
type UpdateKind string

const (
	// UpdateState signals the session's state record changed.
	UpdateState UpdateKind = "state"
	// UpdateText carries rendered text for a live session block.
	UpdateText UpdateKind = "text"
	// UpdateError surfaces a session-scoped dismissible error.
	UpdateError UpdateKind = "error"
)

// Update is one notification to the UI layer.
type Update struct {
	Kind       UpdateKind
	SessionID  string
	BlockIndex int
	Text       string
	Error      string
	State      *SessionState
}

// Notify receives updates. Called from reducer and renderer
// goroutines; implementations must not call back into the reducer.
type Notify func(Update)

// Reducer consumes the tagged envelope stream for all sessions
// concurrently and maintains one state record per session id. The
// live session's updates additionally notify the UI; background
// sessions accumulate in memory until switched to or evicted.
type Reducer struct {
	mu         sync.Mutex
	live       string
	resident   map[string]*SessionState
	background *lru.Cache[string, *SessionState]
	store      Store
	notify     Notify

	rendererOpts []RendererOption

	// Switch serialization: one switch runs at a time; at most one
	// pending request is queued and the latest wins.
	switching     bool
	pendingSwitch *string

	// Set while an explicit cache Remove is in progress so the evict
	// callback does not treat it as a capacity eviction.
	suppressEvict bool
}

// ReducerOption customizes a reducer.
type ReducerOption func(*Reducer)

// WithStore attaches the persistence capability.
func WithStore(s Store) ReducerOption {
	return func(r *Reducer) { r.store = s }
}

// WithNotify attaches the UI notification callback.
func WithNotify(n Notify) ReducerOption {
	return func(r *Reducer) { r.notify = n }
}

// WithRendererOptions forwards options to every renderer the reducer
// creates. Tests use this to drive frames deterministically.
func WithRendererOptions(opts ...RendererOption) ReducerOption {
	return func(r *Reducer) { r.rendererOpts = opts }
}

// NewReducer creates an empty reducer.
func NewReducer(opts ...ReducerOption) *Reducer {
	r := &Reducer{
		resident: make(map[string]*SessionState),
	}
	for _, opt := range opts {
		opt(r)
	}
	cache, err := lru.NewWithEvict(backgroundCapacity, r.onEvict)
	if err != nil {
		// Only reachable with a non-positive capacity constant.
		panic(err)
	}
	r.background = cache
	return r
}

// onEvict persists an evicted background state and releases its
// renderers. Runs synchronously inside cache Add/Remove with r.mu
// held, so it must not flush renderers: flushing emits, and emit
// callbacks take r.mu. Undrained renderer text is dropped; the block
// is mid-stream in an evicted background session anyway.
func (r *Reducer) onEvict(sessionID string, state *SessionState) {
	if r.suppressEvict {
		return
	}
	for _, rend := range state.renderers {
		rend.Destroy()
	}
	state.renderers = make(map[int]*Renderer)
	r.saveMessages(sessionID, state.Messages)
	slog.Debug("Evicted background session state", "sessionId", sessionID)
}

// Run applies every envelope from the channel until it closes.
func (r *Reducer) Run(events <-chan agent.Envelope) {
	for env := range events {
		r.Apply(env)
	}
}

// stateFor returns the session's resident state, pulling it out of the
// background cache or creating it lazily. Requires r.mu held.
func (r *Reducer) stateFor(sessionID string) *SessionState {
	if s, ok := r.resident[sessionID]; ok {
		return s
	}
	if s, ok := r.background.Get(sessionID); ok {
		return s
	}
	s := newSessionState(sessionID)
	if sessionID == r.live {
		r.resident[sessionID] = s
	} else {
		r.background.Add(sessionID, s)
	}
	return s
}

// Apply processes one envelope. An envelope only ever mutates the
// state of the session it names.
func (r *Reducer) Apply(env agent.Envelope) {
	if env.SessionID == "" {
		return
	}

	switch env.Type {
	case agent.EnvelopeHeartbeat:
		// Liveness only, no state change.
		return
	case agent.EnvelopeStatus:
		r.applyStatus(env)
	case agent.EnvelopeError:
		r.applyError(env)
	case agent.EnvelopeStreamEvent:
		r.applyStreamEvent(env)
	case agent.RecordSystem:
		r.applySystem(env)
	case agent.RecordAssistant:
		r.applyAssistant(env)
	case agent.RecordResult:
		r.applyResult(env)
	case agent.RecordUser:
		// Tool results and echoes; the supervisor records outbound
		// user messages itself via RecordUserMessage.
	default:
		slog.Debug("Ignoring envelope with unknown type",
			"sessionId", env.SessionID, "type", env.Type)
	}
}

func (r *Reducer) applyStatus(env agent.Envelope) {
	r.mu.Lock()
	s := r.stateFor(env.SessionID)
	switch env.Status {
	case agent.StatusStarted:
		s.Active = true
		s.LastError = ""
		r.mu.Unlock()
	case agent.StatusStopped, agent.StatusExited:
		// A crash or stop mid-turn means no result ever arrives, so
		// the turn ends here: drain renderers so streamed text lands,
		// then drop fragments and the message cursor so a restarted
		// session starts clean.
		s.Active = false
		renderers := s.renderers
		s.renderers = make(map[int]*Renderer)
		r.mu.Unlock()

		for _, rend := range renderers {
			rend.Flush()
			rend.Destroy()
		}

		r.mu.Lock()
		s.endTurn()
		messages := s.Messages
		r.mu.Unlock()
		r.saveMessages(env.SessionID, messages)
	default:
		r.mu.Unlock()
	}
	r.notifyState(env.SessionID)
}

func (r *Reducer) applyError(env agent.Envelope) {
	r.mu.Lock()
	s := r.stateFor(env.SessionID)
	s.Streaming = false
	s.Thinking = false
	s.LastError = env.Error
	r.mu.Unlock()

	if r.notify != nil {
		r.notify(Update{Kind: UpdateError, SessionID: env.SessionID, Error: env.Error})
	}
	r.notifyState(env.SessionID)
}

func (r *Reducer) applySystem(env agent.Envelope) {
	rec := env.Record
	if rec == nil || rec.Subtype != "init" {
		return
	}
	r.mu.Lock()
	s := r.stateFor(env.SessionID)
	s.Model = rec.Model
	if len(rec.SlashCommands) > 0 {
		s.SlashCommands = rec.SlashCommands
	}
	// The agent-assigned thread id enables resuming this conversation
	// in a future subprocess.
	if rec.SessionID != "" {
		s.ThreadID = rec.SessionID
	}
	r.mu.Unlock()
	r.notifyState(env.SessionID)
}

func (r *Reducer) applyStreamEvent(env agent.Envelope) {
	rec := env.Record
	if rec == nil || rec.Event == nil {
		return
	}
	ev := rec.Event

	switch ev.Type {
	case agent.EventMessageStart:
		r.applyMessageStart(env.SessionID, ev)
	case agent.EventContentBlockStart:
		r.applyBlockStart(env.SessionID, ev)
	case agent.EventContentBlockDelta:
		r.applyBlockDelta(env.SessionID, ev)
	case agent.EventContentBlockStop:
		r.applyBlockStop(env.SessionID, ev)
	case agent.EventMessageDelta:
		r.applyMessageDelta(env.SessionID, ev)
	case agent.EventMessageStop:
		r.applyMessageStop(env.SessionID)
	default:
		slog.Debug("Ignoring unknown stream event",
			"sessionId", env.SessionID, "eventType", ev.Type)
	}
}

func (r *Reducer) applyMessageStart(sessionID string, ev *agent.StreamEvent) {
	r.mu.Lock()
	s := r.stateFor(sessionID)
	s.beginMessage()
	s.Streaming = true
	s.LastError = ""
	if ev.Message != nil && ev.Message.Usage != nil {
		s.InputTokens += ev.Message.Usage.InputTokens
	}
	r.mu.Unlock()
	r.notifyState(sessionID)
}

func (r *Reducer) applyBlockStart(sessionID string, ev *agent.StreamEvent) {
	if ev.ContentBlock == nil {
		return
	}
	header := ev.ContentBlock

	r.mu.Lock()
	s := r.stateFor(sessionID)

	block := &ContentBlock{
		ID:   header.ID,
		Type: BlockType(header.Type),
	}
	if block.ID == "" {
		block.ID = uuid.NewString()
	}
	switch block.Type {
	case BlockToolUse:
		block.ToolName = header.Name
		block.ToolStatus = ToolRunning
	case BlockText:
		block.Content = header.Text
	}
	s.openBlock(ev.Index, block)

	// Thinking vs responding sub-status.
	s.Thinking = block.Type == BlockThinking

	// A task-list tool may arrive with its whole input up front.
	if block.ToolName == TodoWriteTool && len(header.Input) > 0 {
		if todos, ok := parseTodos(header.Input); ok {
			s.Todos = todos
		}
	}
	r.mu.Unlock()
	r.notifyState(sessionID)
}

func (r *Reducer) applyBlockDelta(sessionID string, ev *agent.StreamEvent) {
	if ev.Delta == nil {
		return
	}

	switch ev.Delta.Type {
	case agent.DeltaText, agent.DeltaThinking:
		text := ev.Delta.Text
		if ev.Delta.Type == agent.DeltaThinking {
			text = ev.Delta.Thinking
		}
		r.mu.Lock()
		s := r.stateFor(sessionID)
		rend := s.renderers[ev.Index]
		if rend == nil {
			rend = NewRenderer(r.textEmitter(sessionID, ev.Index), r.rendererOpts...)
			s.renderers[ev.Index] = rend
		}
		r.mu.Unlock()
		rend.Push(text)

	case agent.DeltaInputJSON:
		// Arrives pre-batched: the payload is the full accumulated
		// fragment for this block index, not an increment.
		cumulative := ev.Delta.PartialJSON
		r.mu.Lock()
		s := r.stateFor(sessionID)
		if len(cumulative) > s.flushedLen[ev.Index] {
			s.fragments[ev.Index] = cumulative
			s.flushedLen[ev.Index] = len(cumulative)
			if block := s.blockAt(ev.Index); block != nil && !block.IsComplete {
				block.Content = cumulative
			}
		}
		r.mu.Unlock()
		r.notifyState(sessionID)
	}
}

// textEmitter returns the renderer callback that lands drained text on
// the owning block and notifies the UI when the session is live.
func (r *Reducer) textEmitter(sessionID string, index int) func(string) {
	return func(text string) {
		r.mu.Lock()
		s := r.stateFor(sessionID)
		live := r.live == sessionID
		if block := s.blockAt(index); block != nil && !block.IsComplete {
			block.Content += text
		}
		r.mu.Unlock()

		if live && r.notify != nil {
			r.notify(Update{
				Kind:       UpdateText,
				SessionID:  sessionID,
				BlockIndex: index,
				Text:       text,
			})
		}
	}
}

func (r *Reducer) applyBlockStop(sessionID string, ev *agent.StreamEvent) {
	// Pop the renderer first and flush it outside the lock so its
	// final text lands before the block is frozen.
	r.mu.Lock()
	s := r.stateFor(sessionID)
	rend := s.renderers[ev.Index]
	delete(s.renderers, ev.Index)
	r.mu.Unlock()

	if rend != nil {
		rend.Flush()
		rend.Destroy()
	}

	r.mu.Lock()
	block := s.blockAt(ev.Index)
	fragment := s.fragments[ev.Index]
	delete(s.fragments, ev.Index)
	delete(s.flushedLen, ev.Index)

	if block != nil {
		if block.Type == BlockToolUse && fragment != "" {
			if input, ok := parseToolInput(fragment); ok {
				block.ToolInput = input
				if block.ToolName == TodoWriteTool {
					if todos, ok := todosFromInput(input); ok {
						s.Todos = todos
					}
				}
			} else {
				slog.Warn("Could not parse tool input fragment",
					"sessionId", sessionID, "tool", block.ToolName)
			}
		}
		if block.Type == BlockToolUse {
			block.ToolStatus = ToolComplete
		}
		block.IsComplete = true
	}
	if s.Thinking && block != nil && block.Type == BlockThinking {
		s.Thinking = false
	}
	r.mu.Unlock()
	r.notifyState(sessionID)
}

func (r *Reducer) applyMessageDelta(sessionID string, ev *agent.StreamEvent) {
	if ev.Usage == nil {
		return
	}
	r.mu.Lock()
	s := r.stateFor(sessionID)
	if ev.Usage.OutputTokens > 0 {
		s.OutputTokens = ev.Usage.OutputTokens
	}
	r.mu.Unlock()
	r.notifyState(sessionID)
}

func (r *Reducer) applyMessageStop(sessionID string) {
	r.mu.Lock()
	s := r.stateFor(sessionID)
	if msg := s.currentMessage(); msg != nil {
		msg.IsStreaming = false
	}
	r.mu.Unlock()
	r.notifyState(sessionID)
}

// applyAssistant handles the non-streaming fallback where a whole
// message arrives at once. Only applied when no in-flight streaming
// message exists, to avoid double-appending.
func (r *Reducer) applyAssistant(env agent.Envelope) {
	rec := env.Record
	if rec == nil || rec.Message == nil {
		return
	}

	r.mu.Lock()
	s := r.stateFor(env.SessionID)
	if msg := s.currentMessage(); msg != nil && msg.IsStreaming {
		r.mu.Unlock()
		return
	}
	msg := messageFromAPI(rec.Message)
	if msg != nil {
		s.Messages = append(s.Messages, msg)
	}
	r.mu.Unlock()
	r.notifyState(env.SessionID)
}

func (r *Reducer) applyResult(env agent.Envelope) {
	// Release residual renderers outside the lock.
	r.mu.Lock()
	s := r.stateFor(env.SessionID)
	renderers := s.renderers
	s.renderers = make(map[int]*Renderer)
	r.mu.Unlock()

	for _, rend := range renderers {
		rend.Flush()
		rend.Destroy()
	}

	r.mu.Lock()
	if rec := env.Record; rec != nil {
		// Cost only grows within a thread.
		if rec.TotalCostUSD > s.TotalCost {
			s.TotalCost = rec.TotalCostUSD
		}
		if rec.Usage != nil {
			if rec.Usage.InputTokens > 0 {
				s.InputTokens = rec.Usage.InputTokens
			}
			if rec.Usage.OutputTokens > 0 {
				s.OutputTokens = rec.Usage.OutputTokens
			}
		}
		if rec.IsError {
			s.LastError = rec.Result
		}
	}
	s.endTurn()
	messages := s.Messages
	r.mu.Unlock()

	r.saveMessages(env.SessionID, messages)
	r.notifyState(env.SessionID)
}

// RecordUserMessage appends an outbound user message to the session's
// list. Called by the supervisor when it sends text to the subprocess.
func (r *Reducer) RecordUserMessage(sessionID, text string) {
	r.mu.Lock()
	s := r.stateFor(sessionID)
	s.Messages = append(s.Messages, &Message{
		ID:   uuid.NewString(),
		Role: RoleUser,
		Blocks: []*ContentBlock{{
			Type:       BlockText,
			Content:    text,
			IsComplete: true,
		}},
		Timestamp: time.Now(),
	})
	r.mu.Unlock()
	r.notifyState(sessionID)
}

// SwitchTo makes sessionID the live session. The outgoing session's
// state is snapshotted into the background table first and the
// incoming state hydrated after, from the background table or from
// persisted storage if not resident. Switches are serialized: a
// request arriving mid-switch is queued (at most one, the latest
// wins) and replayed after the in-flight switch completes.
func (r *Reducer) SwitchTo(sessionID string) {
	r.mu.Lock()
	if r.switching {
		pending := sessionID
		r.pendingSwitch = &pending
		r.mu.Unlock()
		return
	}
	if r.live == sessionID {
		r.mu.Unlock()
		return
	}
	r.switching = true

	// Snapshot the outgoing session into the background table.
	var outgoingID string
	var outgoingMessages []*Message
	if r.live != "" {
		if out, ok := r.resident[r.live]; ok {
			delete(r.resident, r.live)
			r.background.Add(r.live, out)
			outgoingID = r.live
			outgoingMessages = out.Messages
		}
	}
	r.live = sessionID
	_, residentNow := r.background.Peek(sessionID)
	r.mu.Unlock()

	if outgoingID != "" {
		r.saveMessages(outgoingID, outgoingMessages)
	}

	// Hydrate from storage only when the state is not resident.
	var loaded []*Message
	if !residentNow && r.store != nil {
		msgs, err := r.store.LoadMessages(sessionID)
		if err != nil {
			slog.Warn("Could not load persisted messages",
				"sessionId", sessionID, "error", err)
		} else {
			loaded = msgs
		}
	}

	r.mu.Lock()
	var incoming *SessionState
	if s, ok := r.background.Get(sessionID); ok {
		// Resident state is always newer than storage.
		r.suppressEvict = true
		r.background.Remove(sessionID)
		r.suppressEvict = false
		incoming = s
	} else {
		incoming = newSessionState(sessionID)
		incoming.Messages = loaded
	}
	incoming.reviveTransient()
	r.resident[sessionID] = incoming

	r.switching = false
	var replay *string
	if r.pendingSwitch != nil {
		replay = r.pendingSwitch
		r.pendingSwitch = nil
	}
	r.mu.Unlock()

	r.notifyState(sessionID)

	if replay != nil {
		r.SwitchTo(*replay)
	}
}

// Live returns the live session id, or empty string.
func (r *Reducer) Live() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// State returns the resident state record for a session, or nil if
// the session has never produced an event and is not live.
func (r *Reducer) State(sessionID string) *SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.resident[sessionID]; ok {
		return s
	}
	if s, ok := r.background.Peek(sessionID); ok {
		return s
	}
	return nil
}

// Forget drops all state for a session, flushing nothing. Used when a
// session is deleted.
func (r *Reducer) Forget(sessionID string) {
	r.mu.Lock()
	var renderers map[int]*Renderer
	if s, ok := r.resident[sessionID]; ok {
		renderers = s.renderers
		delete(r.resident, sessionID)
	}
	if s, ok := r.background.Peek(sessionID); ok {
		renderers = s.renderers
		s.renderers = make(map[int]*Renderer)
		r.suppressEvict = true
		r.background.Remove(sessionID)
		r.suppressEvict = false
	}
	if r.live == sessionID {
		r.live = ""
	}
	r.mu.Unlock()

	for _, rend := range renderers {
		rend.Destroy()
	}
}

func (r *Reducer) notifyState(sessionID string) {
	if r.notify == nil {
		return
	}
	r.mu.Lock()
	live := r.live == sessionID
	var state *SessionState
	if live {
		state = r.resident[sessionID]
	}
	r.mu.Unlock()

	if live && state != nil {
		r.notify(Update{Kind: UpdateState, SessionID: sessionID, State: state})
	}
}

func (r *Reducer) saveMessages(sessionID string, messages []*Message) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveMessages(sessionID, messages); err != nil {
		// Best effort: persistence failures are a no-op.
		slog.Warn("Could not persist messages",
			"sessionId", sessionID, "error", err)
	}
}

// parseToolInput parses an accumulated tool-argument fragment,
// repairing truncated JSON when the stream died mid-value.
func parseToolInput(fragment string) (map[string]any, bool) {
	var input map[string]any
	if err := json.Unmarshal([]byte(fragment), &input); err == nil {
		return input, true
	}
	repaired, err := jsonrepair.JSONRepair(fragment)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &input); err != nil {
		return nil, false
	}
	return input, true
}

// parseTodos decodes a raw task-list tool input.
func parseTodos(raw json.RawMessage) ([]TodoItem, bool) {
	var input struct {
		Todos []TodoItem `json:"todos"`
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, false
	}
	return input.Todos, true
}

// todosFromInput extracts the task list from parsed tool input.
func todosFromInput(input map[string]any) ([]TodoItem, bool) {
	rawList, ok := input["todos"].([]any)
	if !ok {
		return nil, false
	}
	todos := make([]TodoItem, 0, len(rawList))
	for _, item := range rawList {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		todo := TodoItem{}
		if v, ok := entry["content"].(string); ok {
			todo.Content = v
		}
		if v, ok := entry["status"].(string); ok {
			todo.Status = v
		}
		if v, ok := entry["activeForm"].(string); ok {
			todo.ActiveForm = v
		}
		todos = append(todos, todo)
	}
	return todos, true
}

// messageFromAPI converts a whole API message into a Message.
func messageFromAPI(api *agent.APIMessage) *Message {
	msg := &Message{
		ID:        api.ID,
		Role:      Role(api.Role),
		Timestamp: time.Now(),
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}

	// Content may be a plain string or an array of typed blocks.
	var asString string
	if err := json.Unmarshal(api.Content, &asString); err == nil {
		msg.Blocks = []*ContentBlock{{
			Type:       BlockText,
			Content:    asString,
			IsComplete: true,
		}}
		return msg
	}

	var blocks []struct {
		Type  string          `json:"type"`
		ID    string          `json:"id"`
		Text  string          `json:"text"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(api.Content, &blocks); err != nil {
		return nil
	}
	for _, b := range blocks {
		block := &ContentBlock{
			ID:         b.ID,
			Type:       BlockType(b.Type),
			Content:    b.Text,
			IsComplete: true,
		}
		if block.Type == BlockToolUse {
			block.ToolName = b.Name
			block.ToolStatus = ToolComplete
			if len(b.Input) > 0 {
				if input, ok := parseToolInput(string(b.Input)); ok {
					block.ToolInput = input
				}
			}
		}
		msg.Blocks = append(msg.Blocks, block)
	}
	return msg
}

// DeriveTitle builds a session title from the first user message:
// whitespace collapsed and truncated.
func DeriveTitle(messages []*Message) string {
	for _, msg := range messages {
		if msg.Role != RoleUser {
			continue
		}
		text := strings.Join(strings.Fields(msg.PlainText()), " ")
		if text == "" {
			continue
		}
		const maxTitle = 50
		runes := []rune(text)
		if len(runes) > maxTitle {
			return string(runes[:maxTitle-3]) + "..."
		}
		return text
	}
	return ""
}
