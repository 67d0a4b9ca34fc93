// Package bridge exposes the supervisor over a local websocket so UI
// shells can drive sessions and mirror their event streams.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck/pkg/agent"
	"github.com/agentdeck/agentdeck/pkg/conversation"
	"github.com/agentdeck/agentdeck/pkg/store"
)

const (
	// clientSendBuffer bounds per-client outbound queues. A client
	// that cannot drain this fast is dropped rather than allowed to
	// stall the hub.
	clientSendBuffer = 64

	writeTimeout = 10 * time.Second

	// defaultStatusInterval is the safety-net cadence: a full status
	// snapshot broadcast that corrects any client that missed a
	// push-based update.
	defaultStatusInterval = 2 * time.Second
)

// Supervisor is the session-process capability the bridge drives.
// *agent.Registry satisfies it.
type Supervisor interface {
	Start(sessionID, workingDir, resumeID string) error
	Send(sessionID, text string) error
	Stop(sessionID string)
	RemoveSession(sessionID string)
	IsRunning(sessionID string) bool
	RunningSessions() []string
}

// SessionInfo is one entry of a list reply.
type SessionInfo struct {
	store.Session
	Running bool `json:"running"`
}

// Bridge is a websocket hub: it broadcasts session envelopes to every
// connected client and executes validated control commands.
type Bridge struct {
	addr    string
	sup     Supervisor
	reducer *conversation.Reducer
	catalog *store.Store

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	server   *http.Server
	listener net.Listener

	statusInterval time.Duration
	done           chan struct{}
	closeOnce      sync.Once
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithStatusInterval overrides the safety-net broadcast cadence.
func WithStatusInterval(d time.Duration) Option {
	return func(b *Bridge) { b.statusInterval = d }
}

// WithCatalog attaches session persistence. Without it, list replies
// cover only running sessions and removals do not touch storage.
func WithCatalog(s *store.Store) Option {
	return func(b *Bridge) { b.catalog = s }
}

// New creates a bridge bound to addr (host:port, loopback expected).
func New(addr string, sup Supervisor, reducer *conversation.Reducer, opts ...Option) *Bridge {
	b := &Bridge{
		addr:    addr,
		sup:     sup,
		reducer: reducer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Loopback-only listener; browsers on the same machine
			// are the expected origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:        make(map[*client]struct{}),
		statusInterval: defaultStatusInterval,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start binds the listener and serves in the background.
func (b *Bridge) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return err
	}
	b.listener = ln
	b.server = &http.Server{Handler: mux}

	go func() {
		if err := b.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Bridge server stopped", "error", err)
		}
	}()
	go b.statusLoop()

	slog.Info("Bridge listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address.
func (b *Bridge) Addr() string {
	if b.listener == nil {
		return b.addr
	}
	return b.listener.Addr().String()
}

// Shutdown stops the server and disconnects every client.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.closeOnce.Do(func() { close(b.done) })

	b.mu.Lock()
	for c := range b.clients {
		c.close()
	}
	b.clients = make(map[*client]struct{})
	b.mu.Unlock()

	if b.server == nil {
		return nil
	}
	return b.server.Shutdown(ctx)
}

// client is one websocket connection with a bounded outbound queue.
type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

func (c *client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	go c.writePump()

	slog.Debug("Bridge client connected", "remote", conn.RemoteAddr().String())

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		b.handleCommand(c, raw)
	}

	b.dropClient(c)
	slog.Debug("Bridge client disconnected", "remote", conn.RemoteAddr().String())
}

func (b *Bridge) dropClient(c *client) {
	b.mu.Lock()
	_, ok := b.clients[c]
	delete(b.clients, c)
	b.mu.Unlock()
	if ok {
		c.close()
	}
}

// Broadcast sends a JSON-encoded message to every connected client.
// Clients with full queues are dropped.
func (b *Bridge) Broadcast(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("Could not encode broadcast", "error", err)
		return
	}

	b.mu.Lock()
	var stalled []*client
	for c := range b.clients {
		select {
		case c.send <- payload:
		default:
			stalled = append(stalled, c)
		}
	}
	for _, c := range stalled {
		delete(b.clients, c)
	}
	b.mu.Unlock()

	for _, c := range stalled {
		slog.Warn("Dropping stalled bridge client",
			"remote", c.conn.RemoteAddr().String())
		c.close()
	}
}

// HandleEnvelope forwards one session envelope to all clients.
func (b *Bridge) HandleEnvelope(env agent.Envelope) {
	b.Broadcast(env)
}

// statusLoop periodically broadcasts a status snapshot so clients
// that missed an update converge within one interval.
func (b *Bridge) statusLoop() {
	ticker := time.NewTicker(b.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.Broadcast(b.statusSummary())
		}
	}
}

type statusSummary struct {
	Type    string   `json:"type"`
	Running []string `json:"running"`
	Live    string   `json:"live,omitempty"`
}

func (b *Bridge) statusSummary() statusSummary {
	s := statusSummary{Type: "status_summary", Running: b.sup.RunningSessions()}
	if s.Running == nil {
		s.Running = []string{}
	}
	if b.reducer != nil {
		s.Live = b.reducer.Live()
	}
	return s
}

type ack struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Command   string `json:"command"`
	SessionID string `json:"sessionId,omitempty"`
}

type commandError struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Error     string `json:"error"`
}

type sessionList struct {
	Type      string        `json:"type"`
	RequestID string        `json:"requestId,omitempty"`
	Sessions  []SessionInfo `json:"sessions"`
}

// reply sends a message to a single client. Membership is checked
// under the lock so the queue cannot be closed mid-send.
func (b *Bridge) reply(c *client, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("Could not encode reply", "error", err)
		return
	}

	b.mu.Lock()
	_, ok := b.clients[c]
	stalled := false
	if ok {
		select {
		case c.send <- payload:
		default:
			stalled = true
			delete(b.clients, c)
		}
	}
	b.mu.Unlock()

	if stalled {
		c.close()
	}
}

func (b *Bridge) handleCommand(c *client, raw []byte) {
	cmd, err := ParseCommand(raw)
	if err != nil {
		b.reply(c, commandError{Type: "command_error", Error: err.Error()})
		return
	}

	switch cmd.Type {
	case CommandStart:
		b.handleStart(c, cmd)
	case CommandSend:
		b.handleSend(c, cmd)
	case CommandStop:
		b.sup.Stop(cmd.SessionID)
		b.ack(c, cmd)
	case CommandSwitch:
		if b.reducer != nil {
			b.reducer.SwitchTo(cmd.SessionID)
		}
		b.ack(c, cmd)
	case CommandRemove:
		b.handleRemove(c, cmd)
	case CommandList:
		b.handleList(c, cmd)
	case CommandFavorite:
		b.handleFavorite(c, cmd)
	}
}

func (b *Bridge) ack(c *client, cmd *Command) {
	b.reply(c, ack{
		Type:      "ack",
		RequestID: cmd.RequestID,
		Command:   cmd.Type,
		SessionID: cmd.SessionID,
	})
}

func (b *Bridge) handleStart(c *client, cmd *Command) {
	sessionID := cmd.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if err := b.sup.Start(sessionID, cmd.WorkingDir, cmd.Resume); err != nil {
		b.reply(c, commandError{Type: "command_error", RequestID: cmd.RequestID, Error: err.Error()})
		return
	}

	if b.catalog != nil {
		sess := store.Session{
			ID:         sessionID,
			Title:      cmd.Title,
			WorkingDir: cmd.WorkingDir,
			ThreadID:   cmd.Resume,
		}
		if _, err := b.catalog.SaveSession(context.Background(), sess); err != nil {
			slog.Warn("Could not persist session metadata",
				"sessionId", sessionID, "error", err)
		}
	}

	b.reply(c, ack{Type: "ack", RequestID: cmd.RequestID, Command: cmd.Type, SessionID: sessionID})
}

func (b *Bridge) handleSend(c *client, cmd *Command) {
	if err := b.sup.Send(cmd.SessionID, cmd.Text); err != nil {
		b.reply(c, commandError{Type: "command_error", RequestID: cmd.RequestID, Error: err.Error()})
		return
	}
	if b.reducer != nil {
		b.reducer.RecordUserMessage(cmd.SessionID, cmd.Text)
		b.refreshTitle(cmd.SessionID)
	}
	b.ack(c, cmd)
}

// refreshTitle derives a title from the transcript when none is set.
func (b *Bridge) refreshTitle(sessionID string) {
	if b.catalog == nil {
		return
	}
	state := b.reducer.State(sessionID)
	if state == nil {
		return
	}
	title := conversation.DeriveTitle(state.Messages)
	if title == "" {
		return
	}

	ctx := context.Background()
	sess, err := b.catalog.GetSession(ctx, sessionID)
	if err != nil {
		sess = store.Session{ID: sessionID}
	}
	if sess.Title != "" {
		return
	}
	sess.Title = title
	sess.ThreadID = state.ThreadID
	if _, err := b.catalog.SaveSession(ctx, sess); err != nil {
		slog.Warn("Could not persist session title",
			"sessionId", sessionID, "error", err)
	}
}

func (b *Bridge) handleRemove(c *client, cmd *Command) {
	b.sup.RemoveSession(cmd.SessionID)
	if b.reducer != nil {
		b.reducer.Forget(cmd.SessionID)
	}
	if b.catalog != nil {
		if err := b.catalog.DeleteSession(context.Background(), cmd.SessionID); err != nil {
			slog.Warn("Could not delete persisted session",
				"sessionId", cmd.SessionID, "error", err)
		}
	}
	b.ack(c, cmd)
}

func (b *Bridge) handleFavorite(c *client, cmd *Command) {
	if b.catalog == nil {
		b.reply(c, commandError{Type: "command_error", RequestID: cmd.RequestID, Error: "no session catalog"})
		return
	}
	if err := b.catalog.SetFavorite(context.Background(), cmd.SessionID, *cmd.Favorite); err != nil {
		b.reply(c, commandError{Type: "command_error", RequestID: cmd.RequestID, Error: err.Error()})
		return
	}
	b.ack(c, cmd)
}

func (b *Bridge) handleList(c *client, cmd *Command) {
	reply := sessionList{Type: "sessions", RequestID: cmd.RequestID, Sessions: []SessionInfo{}}

	if b.catalog != nil {
		sessions, err := b.catalog.LoadSessions(context.Background())
		if err != nil {
			b.reply(c, commandError{Type: "command_error", RequestID: cmd.RequestID, Error: err.Error()})
			return
		}
		for _, sess := range sessions {
			reply.Sessions = append(reply.Sessions, SessionInfo{
				Session: sess,
				Running: b.sup.IsRunning(sess.ID),
			})
		}
	} else {
		for _, id := range b.sup.RunningSessions() {
			reply.Sessions = append(reply.Sessions, SessionInfo{
				Session: store.Session{ID: id},
				Running: true,
			})
		}
	}
	b.reply(c, reply)
}
