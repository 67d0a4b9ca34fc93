package analytics

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/posthog/posthog-go"
)

var (
	client posthog.Client

	// Injected at build time via ldflags. Empty in dev builds (analytics disabled).
	apiKey = ""

	cliCommand string // Store the CLI command globally
	distinctID string // Store the shared analytics ID
	cliVersion string // Store the CLI version globally

	// OS information (gathered once at initialization)
	osArch     string
	osName     string
	osPlatform string
	osVersion  string

	// Which agent CLI the supervisor is driving, e.g. "claude"
	agentName string
)

// slogAdapter adapts PostHog's logger interface to use slog at DEBUG level
// This prevents PostHog from writing directly to stderr
type slogAdapter struct{}

// Logf implements PostHog's Logger interface for info-level messages
// All PostHog log messages are routed to slog.Debug to keep them internal
func (s *slogAdapter) Logf(format string, args ...interface{}) {
	slog.Debug("posthog: "+format, args...)
}

// Errorf implements PostHog's Logger interface for error-level messages
// Even errors from PostHog (like API failures) are logged at DEBUG level
// since they represent analytics infrastructure issues, not application errors
func (s *slogAdapter) Errorf(format string, args ...interface{}) {
	slog.Debug("posthog error: "+format, args...)
}

// Debugf implements PostHog's Logger interface for debug-level messages
func (s *slogAdapter) Debugf(format string, args ...interface{}) {
	slog.Debug("posthog debug: "+format, args...)
}

// Warnf implements PostHog's Logger interface for warning-level messages
func (s *slogAdapter) Warnf(format string, args ...interface{}) {
	slog.Debug("posthog warning: "+format, args...)
}

// Init initializes the PostHog analytics client
func Init(command string, version string) error {
	cliCommand = command
	cliVersion = version

	// Gather OS information once
	osArch = runtime.GOARCH
	osName = getOSName()
	osPlatform = runtime.GOOS
	osVersion = getOSVersion()

	id, err := loadOrCreateSharedAnalyticsID()
	if err != nil {
		// Use hostname/username hash if the shared ID fails
		distinctID = generateFallbackID()
	} else {
		distinctID = id
	}

	if apiKey == "" {
		// Analytics disabled if no API key
		return nil
	}

	enableGeoIP := false
	client, _ = posthog.NewWithConfig(apiKey, posthog.Config{
		DisableGeoIP: &enableGeoIP,
		Interval:     100 * time.Millisecond, // Send events quickly (default is 5s)
		BatchSize:    1,                      // Send immediately, don't batch
		Logger:       &slogAdapter{},         // Route PostHog logs through slog at DEBUG level
	})
	return nil
}

// Close closes the PostHog client connection
func Close() error {
	if client != nil {
		return client.Close()
	}
	return nil
}

// IsEnabled returns true if analytics is enabled
func IsEnabled() bool {
	return client != nil
}

// GetDistinctID returns the shared analytics ID
func GetDistinctID() string {
	return distinctID
}

// generateFallbackID generates a fallback ID from hostname and username
func generateFallbackID() string {
	// Fallback ID ensures consistent tracking when shared ID is unavailable
	hostname, _ := os.Hostname()
	username := os.Getenv("USER")

	data := hostname + "-" + username
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// GetCLICommand returns the stored CLI command
func GetCLICommand() string {
	return cliCommand
}

// GetCLIVersion returns the stored CLI version
func GetCLIVersion() string {
	return cliVersion
}

// GetOSInfo returns the stored OS information
func GetOSInfo() (arch, name, platform, version string) {
	return osArch, osName, osPlatform, osVersion
}

// getOSName returns the descriptive OS name from uname (called once during init)
func getOSName() string {
	// Use uname -s for Unix-like systems (Linux, macOS)
	cmd := exec.Command("uname", "-s")
	output, err := cmd.Output()
	if err != nil {
		// Fallback to capitalized GOOS
		return strings.ToUpper(runtime.GOOS[:1]) + runtime.GOOS[1:]
	}
	return strings.TrimSpace(string(output))
}

// getOSVersion returns the OS version (called once during init)
func getOSVersion() string {
	switch runtime.GOOS {
	case "darwin":
		return getDarwinVersion()
	case "linux":
		return getLinuxVersion()
	default:
		return "unknown"
	}
}

// getDarwinVersion gets the Darwin kernel version using uname
func getDarwinVersion() string {
	cmd := exec.Command("uname", "-r")
	output, err := cmd.Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(output))
}

// getLinuxVersion gets the Linux version from various sources
func getLinuxVersion() string {
	// Try /etc/os-release first
	if data, err := os.ReadFile("/etc/os-release"); err == nil {
		lines := strings.Split(string(data), "\n")
		for _, line := range lines {
			if strings.HasPrefix(line, "VERSION_ID=") {
				version := strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), `"`)
				return version
			}
		}
	}

	// Fallback to uname command
	cmd := exec.Command("uname", "-r")
	if output, err := cmd.Output(); err == nil {
		return strings.TrimSpace(string(output))
	}

	return "unknown"
}

// SetAgentName records which agent CLI is being supervised
func SetAgentName(name string) {
	agentName = name
}

// GetAgentName returns the supervised agent name, or nil when unset
// so the property is not sent at all
func GetAgentName() interface{} {
	if agentName == "" {
		return nil
	}
	return agentName
}
