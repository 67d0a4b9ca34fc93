// Package cmd contains CLI command implementations for AgentDeck.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentdeck/agentdeck/pkg/activity"
	"github.com/agentdeck/agentdeck/pkg/agent"
	"github.com/agentdeck/agentdeck/pkg/analytics"
	"github.com/agentdeck/agentdeck/pkg/bridge"
	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/conversation"
	"github.com/agentdeck/agentdeck/pkg/log"
	"github.com/agentdeck/agentdeck/pkg/store"
	"github.com/agentdeck/agentdeck/pkg/telemetry"
	"github.com/agentdeck/agentdeck/pkg/threads"
)

// shutdownTimeout bounds the graceful drain of the websocket bridge.
const shutdownTimeout = 5 * time.Second

// CreateServeCommand creates the serve command, the long-running
// supervisor mode.
func CreateServeCommand(overrides *config.CLIOverrides) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Run the session supervisor and websocket bridge",
		Long: `Run the AgentDeck supervisor: spawn and manage coding-agent sessions,
maintain per-session conversation state, and expose both over a local
websocket for UI shells.

The supervisor runs until interrupted. Sessions are driven by websocket
commands; state survives restarts via the on-disk session store.`,
		Example: `
# Start the supervisor on the default address
agentdeck serve

# Start on a custom address
agentdeck serve --listen 127.0.0.1:9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(overrides)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&overrides.ListenAddr, "listen", "l", "", "websocket listen address (host:port)")
	cmd.Flags().StringVarP(&overrides.AgentCommand, "command", "c", "", "custom agent execution command")

	return cmd
}

// turnTrace is the open telemetry span for one in-flight turn.
type turnTrace struct {
	ctx       context.Context
	span      trace.Span
	startedAt time.Time
}

// supervisor ties the registry, reducer, bridge, and store together
// and owns the per-session side effects of the envelope stream.
type supervisor struct {
	registry  *agent.Registry
	reducer   *conversation.Reducer
	bridge    *bridge.Bridge
	catalog   *store.Store
	agentName string

	mu             sync.Mutex
	watchers       map[string]*activity.Watcher
	threadWatchers map[string]*threads.Watcher
	turns          map[string]*turnTrace
}

func runServe(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open()
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer st.Close()

	registry := agent.NewRegistry(agent.ProcessConfig{
		AgentCommand:      cfg.GetAgentCommand(),
		AllowedRoots:      cfg.GetAllowedRoots(),
		HeartbeatInterval: time.Duration(cfg.GetHeartbeatIntervalMS()) * time.Millisecond,
		BatchInterval:     time.Duration(cfg.GetBatchIntervalMS()) * time.Millisecond,
		KillTimeout:       time.Duration(cfg.GetKillTimeoutSeconds()) * time.Second,
	})

	// The notify callback closes over b so reducer updates reach
	// clients; b is assigned before any session can produce updates.
	var b *bridge.Bridge
	reducer := conversation.NewReducer(
		conversation.WithStore(st.Conversations()),
		conversation.WithRendererOptions(
			conversation.WithBufferThresholds(
				time.Duration(cfg.GetMinBufferMS())*time.Millisecond,
				time.Duration(cfg.GetMaxBufferMS())*time.Millisecond,
			),
		),
		conversation.WithNotify(func(u conversation.Update) {
			b.Broadcast(updatePayload(u))
		}),
	)
	b = bridge.New(cfg.GetListenAddr(), registry, reducer, bridge.WithCatalog(st))

	if err := b.Start(); err != nil {
		return fmt.Errorf("starting websocket bridge: %w", err)
	}

	sup := &supervisor{
		registry:       registry,
		reducer:        reducer,
		bridge:         b,
		catalog:        st,
		agentName:      resolveAgentName(cfg.GetAgentCommand()),
		watchers:       make(map[string]*activity.Watcher),
		threadWatchers: make(map[string]*threads.Watcher),
		turns:          make(map[string]*turnTrace),
	}
	analytics.SetAgentName(sup.agentName)
	analytics.TrackEvent(analytics.EventDeckStarted, analytics.Properties{
		"listen_addr": b.Addr(),
	})

	go sup.fanOut(ctx)

	slog.Info("Supervisor running", "addr", b.Addr())
	log.UserMessage("🃏 AgentDeck listening on ws://%s/ws\n", b.Addr())
	log.UserMessage("   Press Ctrl+C to stop.\n")

	<-ctx.Done()
	slog.Info("Shutting down supervisor")

	registry.StopAll()
	sup.stopWatchers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Bridge shutdown incomplete", "error", err)
	}
	return nil
}

// resolveAgentName reports which agent binary backs sessions, for
// analytics and telemetry attributes.
func resolveAgentName(customCommand string) string {
	executable, _, err := agent.ParseCommand(customCommand)
	if err != nil {
		return "unknown"
	}
	return filepath.Base(executable)
}

// updatePayload shapes a reducer update for the websocket wire.
func updatePayload(u conversation.Update) any {
	type wireUpdate struct {
		Type       string                     `json:"type"`
		SessionID  string                     `json:"sessionId"`
		BlockIndex int                        `json:"blockIndex,omitempty"`
		Text       string                     `json:"text,omitempty"`
		Error      string                     `json:"error,omitempty"`
		State      *conversation.SessionState `json:"state,omitempty"`
	}
	out := wireUpdate{
		SessionID:  u.SessionID,
		BlockIndex: u.BlockIndex,
		Text:       u.Text,
		Error:      u.Error,
		State:      u.State,
	}
	switch u.Kind {
	case conversation.UpdateText:
		out.Type = "conversation_text"
	case conversation.UpdateError:
		out.Type = "conversation_error"
	default:
		out.Type = "conversation_state"
	}
	return out
}

// fanOut drains the registry's envelope stream, feeding the reducer
// and the bridge, and reacting to lifecycle and result envelopes.
func (s *supervisor) fanOut(ctx context.Context) {
	for env := range s.registry.Events() {
		s.reducer.Apply(env)
		s.bridge.HandleEnvelope(env)
		s.observe(ctx, env)
	}
}

func (s *supervisor) observe(ctx context.Context, env agent.Envelope) {
	switch env.Type {
	case agent.EnvelopeStatus:
		switch env.Status {
		case agent.StatusStarted:
			s.onSessionStarted(ctx, env.SessionID)
		case agent.StatusStopped, agent.StatusExited:
			s.onSessionEnded(env)
		}
	case agent.EnvelopeStreamEvent:
		if env.Record != nil && env.Record.Event != nil &&
			env.Record.Event.Type == agent.EventMessageStart {
			s.onTurnStarted(ctx, env.SessionID)
		}
	case agent.RecordResult:
		s.onTurnCompleted(ctx, env)
	}
}

func (s *supervisor) onSessionStarted(ctx context.Context, sessionID string) {
	analytics.TrackEvent(analytics.EventSessionStarted, nil)
	telemetry.RecordSessionStarted(ctx, s.agentName, sessionID)

	workingDir, err := s.registry.WorkingDir(sessionID)
	if err != nil {
		return
	}
	watcher, err := activity.NewWatcher(sessionID, workingDir, func(e activity.Event) {
		s.bridge.Broadcast(e)
	})
	if err != nil {
		slog.Warn("Could not watch working directory",
			"sessionId", sessionID, "dir", workingDir, "error", err)
		return
	}
	watcher.Start(ctx)

	tw, err := threads.NewWatcher(workingDir, func(th threads.Thread) {
		s.bridge.Broadcast(threadPayload(sessionID, th))
		s.recordThread(sessionID, th.ID)
	})
	if err != nil {
		slog.Warn("Could not watch thread transcripts",
			"sessionId", sessionID, "dir", workingDir, "error", err)
	} else {
		tw.Start(ctx)
	}

	s.mu.Lock()
	if old, ok := s.watchers[sessionID]; ok {
		old.Stop()
	}
	s.watchers[sessionID] = watcher
	if old, ok := s.threadWatchers[sessionID]; ok {
		old.Stop()
	}
	if tw != nil {
		s.threadWatchers[sessionID] = tw
	}
	s.mu.Unlock()
}

// threadPayload shapes a transcript update for the websocket wire so
// UI shells can surface resumable threads as the agent writes them.
func threadPayload(sessionID string, th threads.Thread) any {
	return struct {
		Type      string    `json:"type"`
		SessionID string    `json:"sessionId"`
		ThreadID  string    `json:"threadId"`
		UpdatedAt time.Time `json:"updatedAt"`
	}{
		Type:      "thread_update",
		SessionID: sessionID,
		ThreadID:  th.ID,
		UpdatedAt: th.UpdatedAt,
	}
}

// recordThread binds the first observed thread ID to the session in
// the catalog, so resume works even if the init record was missed.
func (s *supervisor) recordThread(sessionID, threadID string) {
	ctx := context.Background()
	sess, err := s.catalog.GetSession(ctx, sessionID)
	if err != nil || sess.ThreadID != "" {
		return
	}
	sess.ThreadID = threadID
	if _, err := s.catalog.SaveSession(ctx, sess); err != nil {
		slog.Warn("Could not persist thread ID",
			"sessionId", sessionID, "error", err)
	}
}

func (s *supervisor) onSessionEnded(env agent.Envelope) {
	props := analytics.Properties{"status": env.Status}
	if env.ExitCode != nil {
		props["exit_code"] = *env.ExitCode
	}
	analytics.TrackEvent(analytics.EventSessionStopped, props)

	s.mu.Lock()
	watcher, ok := s.watchers[env.SessionID]
	if ok {
		delete(s.watchers, env.SessionID)
	}
	tw, twOK := s.threadWatchers[env.SessionID]
	if twOK {
		delete(s.threadWatchers, env.SessionID)
	}
	turn, turnOpen := s.turns[env.SessionID]
	if turnOpen {
		delete(s.turns, env.SessionID)
	}
	s.mu.Unlock()

	if ok {
		watcher.Stop()
	}
	if twOK {
		tw.Stop()
	}
	if turnOpen {
		turn.span.End()
	}
}

// onTurnStarted opens a turn span the first time a message_start
// arrives for a session with no turn in flight.
func (s *supervisor) onTurnStarted(ctx context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, open := s.turns[sessionID]; open {
		return
	}
	turnCtx, span := telemetry.StartTurnSpan(
		telemetry.ContextWithSessionTrace(ctx, sessionID), sessionID)
	s.turns[sessionID] = &turnTrace{ctx: turnCtx, span: span, startedAt: time.Now()}
}

func (s *supervisor) onTurnCompleted(ctx context.Context, env agent.Envelope) {
	s.mu.Lock()
	turn, open := s.turns[env.SessionID]
	if open {
		delete(s.turns, env.SessionID)
	}
	s.mu.Unlock()

	state := s.reducer.State(env.SessionID)
	stats := telemetry.ComputeTurnStats(s.agentName, state)

	var usage telemetry.TokenUsage
	var durationMS int64
	if env.Record != nil {
		if env.Record.Usage != nil {
			usage = telemetry.TokenUsage{
				InputTokens:              env.Record.Usage.InputTokens,
				OutputTokens:             env.Record.Usage.OutputTokens,
				CacheCreationInputTokens: env.Record.Usage.CacheCreationInputTokens,
				CacheReadInputTokens:     env.Record.Usage.CacheReadInputTokens,
			}
		}
		durationMS = env.Record.DurationMS
	}

	duration := time.Duration(durationMS) * time.Millisecond
	if open {
		if duration == 0 {
			duration = time.Since(turn.startedAt)
		}
		telemetry.SetTurnSpanAttributes(turn.span, stats)
		turn.span.End()
		telemetry.RecordTurnMetrics(turn.ctx, stats, usage, duration)
	} else {
		telemetry.RecordTurnMetrics(ctx, stats, usage, duration)
	}

	analytics.TrackEvent(analytics.EventTurnCompleted, analytics.Properties{
		"duration_ms":   durationMS,
		"message_count": stats.MessageCount,
		"tool_count":    stats.ToolCount,
	})

	// Supervisors run for days; export turn data now rather than at
	// shutdown.
	if err := telemetry.ForceFlush(ctx); err != nil {
		slog.Debug("Telemetry flush failed", "error", err)
	}

	s.persistCost(env.SessionID, state)
}

// persistCost mirrors the reducer's accumulated cost into the session
// catalog so listings can show spend without loading transcripts.
func (s *supervisor) persistCost(sessionID string, state *conversation.SessionState) {
	if state == nil || state.TotalCost == 0 {
		return
	}
	ctx := context.Background()
	sess, err := s.catalog.GetSession(ctx, sessionID)
	if err != nil {
		sess = store.Session{ID: sessionID}
	}
	sess.TotalCost = state.TotalCost
	if sess.ThreadID == "" {
		sess.ThreadID = state.ThreadID
	}
	if _, err := s.catalog.SaveSession(ctx, sess); err != nil {
		slog.Warn("Could not persist session cost",
			"sessionId", sessionID, "error", err)
	}
}

func (s *supervisor) stopWatchers() {
	s.mu.Lock()
	watchers := make([]*activity.Watcher, 0, len(s.watchers))
	for id, w := range s.watchers {
		watchers = append(watchers, w)
		delete(s.watchers, id)
	}
	threadWatchers := make([]*threads.Watcher, 0, len(s.threadWatchers))
	for id, w := range s.threadWatchers {
		threadWatchers = append(threadWatchers, w)
		delete(s.threadWatchers, id)
	}
	s.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
	for _, w := range threadWatchers {
		w.Stop()
	}
}
