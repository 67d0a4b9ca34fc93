// Package cmd contains CLI command implementations for AgentDeck.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/pkg/agentauth"
	"github.com/agentdeck/agentdeck/pkg/analytics"
	"github.com/agentdeck/agentdeck/pkg/config"
)

// CreateLogoutCommand creates the logout command.
func CreateLogoutCommand(overrides *config.CLIOverrides) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out of the agent CLI",
		Example: `
# Log out
agentdeck logout`,
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Info("Running logout command")

			if account, err := agentauth.WhoAmI(); err == nil && !account.LoggedIn {
				fmt.Println()
				fmt.Println("👋 You're not logged in, so nothing to do!")
				fmt.Println()
				return nil
			}

			cfg, err := config.Load(overrides)
			if err != nil {
				return err
			}

			exitCode, err := agentauth.Logout(cfg.GetAgentCommand())
			if err != nil {
				return err
			}
			if exitCode != 0 {
				return fmt.Errorf("agent CLI logout exited with code %d", exitCode)
			}

			analytics.TrackEvent(analytics.EventLogout, nil)
			fmt.Println()
			fmt.Println("👋 Logged out. See you next time!")
			fmt.Println()
			return nil
		},
	}
}
