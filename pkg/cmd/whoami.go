// Package cmd contains CLI command implementations for AgentDeck.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/pkg/agentauth"
)

// CreateWhoAmICommand creates the whoami command.
func CreateWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the agent CLI account you are logged in as",
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Info("Running whoami command")

			account, err := agentauth.WhoAmI()
			if err != nil {
				return err
			}
			if !account.LoggedIn {
				fmt.Println()
				fmt.Println("🔓 Not logged in. Run 'agentdeck login' to get started.")
				fmt.Println()
				return nil
			}

			fmt.Println()
			fmt.Printf("👤 Logged in as: %s\n", account.Email)
			if account.Organization != "" {
				fmt.Printf("🏢 Organization: %s\n", account.Organization)
			}
			fmt.Println()
			return nil
		},
	}
}
