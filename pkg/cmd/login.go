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

// CreateLoginCommand creates the login command. The interactive flow
// belongs to the agent CLI; AgentDeck hands over the terminal.
func CreateLoginCommand(overrides *config.CLIOverrides) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in to the agent CLI",
		Long:  `Log in to the coding-agent CLI that AgentDeck supervises.`,
		Example: `
# Log in
agentdeck login`,
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Info("Running login command")

			if account, err := agentauth.WhoAmI(); err == nil && account.LoggedIn {
				fmt.Println()
				fmt.Println("🔐 You're already logged in!")
				fmt.Println()
				fmt.Printf("👤 Logged in as: %s\n", account.Email)
				if account.Organization != "" {
					fmt.Printf("🏢 Organization: %s\n", account.Organization)
				}
				fmt.Println()
				return nil
			}

			analytics.TrackEvent(analytics.EventLoginAttempted, nil)

			cfg, err := config.Load(overrides)
			if err != nil {
				return err
			}

			exitCode, err := agentauth.Login(cfg.GetAgentCommand())
			if err != nil {
				analytics.TrackEvent(analytics.EventLoginFailed, analytics.Properties{
					"error": err.Error(),
				})
				return err
			}
			if exitCode != 0 {
				analytics.TrackEvent(analytics.EventLoginFailed, analytics.Properties{
					"exit_code": exitCode,
				})
				return fmt.Errorf("agent CLI login exited with code %d", exitCode)
			}

			analytics.TrackEvent(analytics.EventLoginSuccess, nil)
			fmt.Println()
			fmt.Println("✅ Logged in. You're ready to go!")
			fmt.Println()
			return nil
		},
	}
}
