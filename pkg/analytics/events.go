package analytics

import (
	"os"

	"github.com/posthog/posthog-go"
)

// Event name constants
const (
	EventDeckStarted         = "deck_started"               // Tracks when the supervisor starts
	EventSessionStarted      = "deck_session_started"       // Tracks when an agent session process is spawned
	EventSessionResumed      = "deck_session_resumed"       // Tracks when a session resumes an existing thread
	EventSessionStopped      = "deck_session_stopped"       // Tracks when a session is stopped on request
	EventTurnCompleted       = "deck_turn_completed"        // Tracks when a turn finishes with a result record
	EventCheckInstallSuccess = "deck_check_install_success" // Tracks successful agent installation check
	EventCheckInstallFailed  = "deck_check_install_failed"  // Tracks failed agent installation check
	EventVersionCommand      = "deck_version_command"       // Tracks when users check the version
	EventHelpCommand         = "deck_help_command"          // Tracks when users view help
	EventLoginAttempted      = "deck_login_attempted"       // Tracks when user starts the agent login flow
	EventLoginSuccess        = "deck_login_success"         // Tracks successful agent login
	EventLoginFailed         = "deck_login_failed"          // Tracks failed agent login attempts
	EventLogout              = "deck_logout"                // Tracks agent logout
	EventListSessions        = "deck_list_sessions"         // Tracks when users list persisted sessions
)

// Properties is a type alias for event properties to avoid exposing PostHog types
type Properties map[string]interface{}

// TrackEvent sends a generic event to PostHog
func TrackEvent(eventName string, properties Properties) {
	if !IsEnabled() {
		return
	}

	distinctID := GetDistinctID()

	// Convert to PostHog properties
	phProperties := make(posthog.Properties)
	for k, v := range properties {
		phProperties[k] = v
	}

	// Always include CLI command, device ID, and project path
	phProperties["cli_command"] = GetCLICommand()
	phProperties["$device_id"] = distinctID

	// Capture current working directory as project_path
	if cwd, err := os.Getwd(); err == nil {
		phProperties["project_path"] = cwd
	}

	// Supervised agent information
	phProperties["agent_name"] = GetAgentName()

	// App information
	phProperties["app_name"] = "AgentDeck CLI"
	phProperties["app_type"] = "CLI"
	phProperties["app_version"] = GetCLIVersion()

	// OS information (gathered once during initialization)
	osArch, osName, osPlatform, osVersion := GetOSInfo()
	phProperties["os_arch"] = osArch
	phProperties["os_name"] = osName
	phProperties["os_platform"] = osPlatform
	phProperties["os_version"] = osVersion

	err := client.Enqueue(posthog.Capture{
		DistinctId:       distinctID,
		Event:            eventName,
		Properties:       phProperties,
		SendFeatureFlags: posthog.SendFeatureFlags(false),
	})

	if err != nil {
		// Silently fail - analytics should not break the app
		return
	}
}
