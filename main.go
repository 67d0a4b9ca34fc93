package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/pkg/analytics"
	cmdpkg "github.com/agentdeck/agentdeck/pkg/cmd"
	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/log"
	"github.com/agentdeck/agentdeck/pkg/telemetry"
)

// The current version of the CLI
var version = "dev" // Replaced with actual version in the production build process

// overrides is shared between the persistent flags and every command's
// config.Load call.
var overrides config.CLIOverrides

// validateFlags checks for mutually exclusive flag combinations
func validateFlags() error {
	if overrides.Console && overrides.Silent {
		return fmt.Errorf("cannot use --console and --silent together, these flags are mutually exclusive")
	}
	if overrides.Debug && !overrides.Console && !overrides.Log {
		return fmt.Errorf("--debug requires either --console or --log to be specified")
	}
	return nil
}

func createRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agentdeck",
		Short: "Supervise long-lived coding-agent sessions",
		Long: `AgentDeck supervises coding-agent CLI sessions: it spawns the agent as
a subprocess, reframes its streaming output into per-session
conversation state, and exposes everything over a local websocket for
UI shells.

Run 'agentdeck serve' to start the supervisor, or 'agentdeck run' for
a one-off prompt.`,
		Example: `
# Check the agent install
agentdeck check

# Start the supervisor
agentdeck serve

# Run a one-off prompt
agentdeck run "explain this repository"

# List persisted sessions
agentdeck sessions`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFlags(); err != nil {
				return err
			}
			log.SetSilent(overrides.Silent)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
}

// Main entry point for the CLI
func main() {
	// Parse critical flags early by manually checking os.Args
	// This is necessary because cobra's ParseFlags doesn't work correctly before subcommands are added
	for _, arg := range os.Args[1:] {
		switch arg {
		case "--no-usage-analytics":
			overrides.NoAnalytics = true
		case "--console":
			overrides.Console = true
		case "--log":
			overrides.Log = true
		case "--debug":
			overrides.Debug = true
		case "--silent":
			overrides.Silent = true
		}
	}

	// Set up logging early before creating commands
	if overrides.Console || overrides.Log {
		var logPath string
		if overrides.Log {
			logPath = log.DefaultLogPath()
		}
		_ = log.SetupLogger(overrides.Console, overrides.Log, overrides.Debug, logPath)
	} else {
		// Set up discard logger to prevent default slog output
		_ = log.SetupLogger(false, false, false, "")
	}

	cfg, err := config.Load(&overrides)
	if err != nil {
		slog.Warn("Could not load configuration", "error", err)
		cfg = &config.Config{}
	}

	rootCmd := createRootCommand()
	serveCmd := cmdpkg.CreateServeCommand(&overrides)
	runCmd := cmdpkg.CreateRunCommand(&overrides)
	sessionsCmd := cmdpkg.CreateSessionsCommand()
	checkCmd := cmdpkg.CreateCheckCommand(&overrides)
	versionCmd := cmdpkg.CreateVersionCommand(version)
	loginCmd := cmdpkg.CreateLoginCommand(&overrides)
	logoutCmd := cmdpkg.CreateLogoutCommand(&overrides)
	whoamiCmd := cmdpkg.CreateWhoAmICommand()

	// Set version for the automatic version flag
	rootCmd.Version = version
	rootCmd.SetVersionTemplate("{{.Version}} (AgentDeck)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)

	// Global flags available on all commands
	rootCmd.PersistentFlags().BoolVar(&overrides.Console, "console", false, "enable error/warn/info output to stdout")
	rootCmd.PersistentFlags().BoolVar(&overrides.Log, "log", false, "write error/warn/info output to ~/.agentdeck/agentdeck.log")
	rootCmd.PersistentFlags().BoolVar(&overrides.Debug, "debug", false, "enable debug-level output (requires --console or --log)")
	rootCmd.PersistentFlags().BoolVar(&overrides.NoAnalytics, "no-usage-analytics", false, "disable usage analytics")
	rootCmd.PersistentFlags().BoolVar(&overrides.Silent, "silent", false, "suppress all non-error output")

	// Initialize analytics with the full CLI command (unless disabled)
	if cfg.IsAnalyticsEnabled() {
		fullCommand := strings.Join(os.Args, " ")
		if err := analytics.Init(fullCommand, version); err != nil {
			// Analytics should not break the app
			slog.Warn("Failed to initialize analytics", "error", err)
		}
		defer func() { _ = analytics.Close() }()
	} else {
		slog.Debug("Analytics disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, telemetry.Options{
		Enabled:  cfg.IsTelemetryEnabled(),
		Endpoint: cfg.GetTelemetryEndpoint(),
	}); err != nil {
		slog.Warn("Failed to initialize telemetry", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(flushCtx)
	}()

	// Ensure proper cleanup and logging on exit
	defer func() {
		if r := recover(); r != nil {
			slog.Error("=== AgentDeck PANIC ===", "panic", r)
			log.CloseLogger()
			panic(r) // Re-panic after logging
		}
		if overrides.Console || overrides.Log {
			slog.Info("=== AgentDeck Exiting ===", "code", 0, "status", "normal termination")
		}
		log.CloseLogger()
	}()

	if err := fang.Execute(ctx, rootCmd, fang.WithVersion(version)); err != nil {
		executedCmd, _, _ := rootCmd.Find(os.Args[1:])
		if executedCmd == checkCmd {
			if overrides.Console || overrides.Log {
				slog.Error("=== AgentDeck Exiting ===", "code", 2, "status", "agent install check failed")
				slog.Error("Error", "error", err)
			}
			// The check command already printed its diagnostics.
			_ = analytics.Close()
			log.CloseLogger()
			os.Exit(2)
		}

		if overrides.Console || overrides.Log {
			slog.Error("=== AgentDeck Exiting ===", "code", 1, "status", "error")
			slog.Error("Error", "error", err)
		}
		fmt.Fprintln(os.Stderr) // Visual separation makes error output more noticeable

		// Only show usage for actual command/flag errors from Cobra.
		// For all other errors (agent, network, file system) usage is noise.
		errMsg := err.Error()
		isCommandError := strings.Contains(errMsg, "unknown command") ||
			strings.Contains(errMsg, "unknown flag") ||
			strings.Contains(errMsg, "invalid argument") ||
			strings.Contains(errMsg, "required flag") ||
			strings.Contains(errMsg, "accepts") || // e.g., "accepts 1 arg(s), received 2"
			strings.Contains(errMsg, "no such flag") ||
			strings.Contains(errMsg, "flag needs an argument")

		if isCommandError {
			_ = rootCmd.Usage() // Ignore error; we're exiting anyway
			fmt.Println()
		}
		_ = analytics.Close()
		log.CloseLogger()
		os.Exit(1)
	}
}
