// Package cmd contains CLI command implementations for AgentDeck.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/pkg/agent"
	"github.com/agentdeck/agentdeck/pkg/analytics"
	"github.com/agentdeck/agentdeck/pkg/config"
)

// CreateCheckCommand creates the check command.
func CreateCheckCommand(overrides *config.CLIOverrides) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check that the agent CLI is properly installed",
		Long: `Check that the agent CLI is properly installed and can be invoked
by AgentDeck. Probes every known install location and reports what it finds.`,
		Example: `
# Check the agent install
agentdeck check

# Check a custom agent command
agentdeck check -c "/custom/path/to/agent"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Info("Running in check-install mode")

			cfg, err := config.Load(overrides)
			if err != nil {
				return err
			}
			return checkAgentInstall(cfg.GetAgentCommand())
		},
	}

	cmd.Flags().StringVarP(&overrides.AgentCommand, "command", "c", "", "custom agent execution command")

	return cmd
}

// checkAgentInstall resolves the agent executable, reports every probed
// location, and verifies the resolved binary answers --version.
func checkAgentInstall(customCmd string) error {
	executable, baseArgs, err := agent.ParseCommand(customCmd)
	if err != nil {
		analytics.TrackEvent(analytics.EventCheckInstallFailed, analytics.Properties{
			"error": err.Error(),
		})

		fmt.Println("\n❌ Agent CLI check failed!")
		fmt.Println()
		fmt.Println("Searched locations:")
		for _, report := range agent.DiagnoseLocations() {
			fmt.Printf("  %s %s (%s)\n", foundMark(report.Found), report.Path, report.Label)
		}
		fmt.Println()
		fmt.Println("Install the agent CLI, or point AgentDeck at it with:")
		fmt.Println("  agentdeck check -c \"/custom/path/to/agent\"")
		fmt.Println()
		return errors.New("agent CLI not found")
	}

	version, verErr := agentVersion(executable, baseArgs)
	if verErr != nil {
		analytics.TrackEvent(analytics.EventCheckInstallFailed, analytics.Properties{
			"error": verErr.Error(),
		})
		fmt.Printf("\n❌ Found %s but it did not answer --version: %v\n\n", executable, verErr)
		return errors.New("check failed")
	}

	analytics.TrackEvent(analytics.EventCheckInstallSuccess, analytics.Properties{
		"agent_version": version,
	})

	fmt.Println("\n✨ Agent CLI is installed and ready! ✨")
	fmt.Println()
	fmt.Printf("  📦 Version: %s\n", version)
	fmt.Printf("  📍 Location: %s\n", executable)
	fmt.Println("  ✅ Status: All systems go!")
	fmt.Println()
	fmt.Println("🚀 Next steps:")
	fmt.Println("   • agentdeck serve - Start the supervisor and UI bridge")
	fmt.Println("   • agentdeck run \"your prompt\" - Run a one-off turn")
	fmt.Println()
	return nil
}

func agentVersion(executable string, baseArgs []string) (string, error) {
	out, err := exec.Command(executable, append(baseArgs, "--version")...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func foundMark(found bool) string {
	if found {
		return "✅"
	}
	return "❌"
}
