// Package cmd contains CLI command implementations for AgentDeck.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/pkg/agent"
	"github.com/agentdeck/agentdeck/pkg/analytics"
	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/conversation"
	"github.com/agentdeck/agentdeck/pkg/log"
	"github.com/agentdeck/agentdeck/pkg/store"
	"github.com/agentdeck/agentdeck/pkg/threads"
)

// runFlags holds the flags for the run command.
type runFlags struct {
	dir          string
	resume       string
	continueLast bool
	sessionID    string
}

// CreateRunCommand creates the run command: a single prompt against a
// single session, streamed to the terminal.
func CreateRunCommand(overrides *config.CLIOverrides) *cobra.Command {
	var rf runFlags

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run one agent turn and stream the reply",
		Long: `Run a single prompt through the agent in a supervised session and
stream the reply to the terminal. The session is persisted so it shows
up in 'agentdeck sessions' and can be resumed later.`,
		Example: `
# Ask a question in the current directory
agentdeck run "explain this repository"

# Continue the most recent thread for this directory
agentdeck run --continue "now write the tests"

# Resume a specific thread
agentdeck run --resume 3f6d1c2a "keep going"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(overrides)
			if err != nil {
				return err
			}
			return runOnce(cmd.Context(), cfg, rf, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&rf.dir, "dir", "d", "", "working directory for the session (default: current directory)")
	cmd.Flags().StringVarP(&rf.resume, "resume", "r", "", "thread ID to resume")
	cmd.Flags().BoolVar(&rf.continueLast, "continue", false, "resume the most recent thread for the working directory")
	cmd.Flags().StringVar(&rf.sessionID, "session", "", "session ID to use (default: new UUID)")
	cmd.Flags().StringVarP(&overrides.AgentCommand, "command", "c", "", "custom agent execution command")

	return cmd
}

func runOnce(ctx context.Context, cfg *config.Config, rf runFlags, prompt string) error {
	workingDir := rf.dir
	if workingDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
		workingDir = cwd
	}

	resumeID := rf.resume
	if rf.continueLast {
		thread, err := threads.Latest(workingDir)
		if err != nil {
			return fmt.Errorf("finding latest thread: %w", err)
		}
		resumeID = thread.ID
	}

	sessionID := rf.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

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
	defer registry.StopAll()

	reducer := conversation.NewReducer(
		conversation.WithStore(st.Conversations()),
		conversation.WithRendererOptions(
			conversation.WithBufferThresholds(
				time.Duration(cfg.GetMinBufferMS())*time.Millisecond,
				time.Duration(cfg.GetMaxBufferMS())*time.Millisecond,
			),
		),
		conversation.WithNotify(printUpdate),
	)
	// Text only reaches the notify callback for the live session.
	reducer.SwitchTo(sessionID)

	if err := registry.Start(sessionID, workingDir, resumeID); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	event := analytics.EventSessionStarted
	if resumeID != "" {
		event = analytics.EventSessionResumed
	}
	analytics.TrackEvent(event, analytics.Properties{"mode": "run"})

	if _, err := st.SaveSession(ctx, store.Session{
		ID:         sessionID,
		WorkingDir: workingDir,
		ThreadID:   resumeID,
	}); err != nil {
		slog.Warn("Could not persist session metadata",
			"sessionId", sessionID, "error", err)
	}

	reducer.RecordUserMessage(sessionID, prompt)
	if err := registry.Send(sessionID, prompt); err != nil {
		return fmt.Errorf("sending prompt: %w", err)
	}

	result, err := awaitResult(ctx, registry, reducer, sessionID)
	if err != nil {
		return err
	}

	finishRun(ctx, st, reducer, sessionID, result)
	return nil
}

// printUpdate streams reducer output to the terminal: smoothed text to
// stdout, errors to stderr.
func printUpdate(u conversation.Update) {
	switch u.Kind {
	case conversation.UpdateText:
		fmt.Print(u.Text)
	case conversation.UpdateError:
		log.UserError("\n%s\n", u.Error)
	}
}

// awaitResult drains envelopes into the reducer until the turn's
// result record arrives, the subprocess exits, or ctx is cancelled.
func awaitResult(ctx context.Context, registry *agent.Registry, reducer *conversation.Reducer, sessionID string) (*agent.Record, error) {
	for {
		select {
		case <-ctx.Done():
			registry.Stop(sessionID)
			return nil, ctx.Err()
		case env, ok := <-registry.Events():
			if !ok {
				return nil, fmt.Errorf("event stream closed before result")
			}
			reducer.Apply(env)

			switch env.Type {
			case agent.RecordResult:
				registry.Stop(sessionID)
				return env.Record, nil
			case agent.EnvelopeStatus:
				if env.Status == agent.StatusExited {
					code := 0
					if env.ExitCode != nil {
						code = *env.ExitCode
					}
					return nil, fmt.Errorf("agent exited with code %d before producing a result", code)
				}
			case agent.EnvelopeError:
				slog.Warn("Session error", "sessionId", sessionID, "error", env.Error)
			}
		}
	}
}

// finishRun prints the turn summary and folds title and cost back into
// the session catalog.
func finishRun(ctx context.Context, st *store.Store, reducer *conversation.Reducer, sessionID string, result *agent.Record) {
	state := reducer.State(sessionID)

	fmt.Println()
	if result != nil {
		if result.IsError {
			log.UserError("Turn failed: %s\n", result.Result)
		}
		duration := time.Duration(result.DurationMS) * time.Millisecond
		log.UserMessage("✔ Done in %s", duration.Round(time.Millisecond))
		if result.TotalCostUSD > 0 {
			log.UserMessage(" ($%.4f)", result.TotalCostUSD)
		}
		log.UserMessage("\n")

		analytics.TrackEvent(analytics.EventTurnCompleted, analytics.Properties{
			"mode":        "run",
			"duration_ms": result.DurationMS,
		})
	}

	if state == nil {
		return
	}
	sess, err := st.GetSession(ctx, sessionID)
	if err != nil {
		sess = store.Session{ID: sessionID}
	}
	if sess.Title == "" {
		sess.Title = conversation.DeriveTitle(state.Messages)
	}
	if state.ThreadID != "" {
		sess.ThreadID = state.ThreadID
	}
	sess.TotalCost = state.TotalCost
	if _, err := st.SaveSession(ctx, sess); err != nil {
		slog.Warn("Could not persist session metadata",
			"sessionId", sessionID, "error", err)
	}
}
