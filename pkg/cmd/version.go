// Package cmd contains CLI command implementations for AgentDeck.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/pkg/analytics"
)

// CreateVersionCommand creates the version command.
// The version string is passed in because it's set at build time in main.go.
func CreateVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Aliases: []string{"v", "ver"},
		Short:   "Show AgentDeck version information",
		Run: func(cmd *cobra.Command, args []string) {
			analytics.TrackEvent(analytics.EventVersionCommand, analytics.Properties{
				"version": version,
			})
			fmt.Printf("%s (AgentDeck)\n", version)
		},
	}
}
