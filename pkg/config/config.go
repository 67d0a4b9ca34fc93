// Package config provides configuration management for AgentDeck.
// Configuration is loaded with the following priority (highest to lowest):
//  1. CLI flags
//  2. Local project config: .agentdeck/config.toml
//  3. User-level config: ~/.agentdeck/config.toml
//
// Note: For telemetry settings, environment variables (OTEL_*) take highest priority
// per OpenTelemetry conventions.
package config

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const (
	// ConfigFileName is the name of the configuration file
	ConfigFileName = "config.toml"
	// AgentDeckDir is the directory name for AgentDeck files
	AgentDeckDir = ".agentdeck"

	// Defaults for process supervision timing.
	defaultHeartbeatIntervalMS = 2000
	defaultBatchIntervalMS     = 30
	defaultKillTimeoutSeconds  = 5

	// Defaults for the adaptive renderer buffer thresholds.
	defaultMinBufferMS = 50
	defaultMaxBufferMS = 300

	// DefaultListenAddr is the default bridge listen address.
	DefaultListenAddr = "127.0.0.1:7433"
)

// Config represents the complete AgentDeck configuration
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Analytics AnalyticsConfig `toml:"analytics"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Agent     AgentConfig     `toml:"agent"`
	Process   ProcessConfig   `toml:"process"`
	Renderer  RendererConfig  `toml:"renderer"`
	Bridge    BridgeConfig    `toml:"bridge"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Console enables error/warn/info output to stderr
	Console *bool `toml:"console"`
	// Log enables writing error/warn/info output to ~/.agentdeck/agentdeck.log
	Log *bool `toml:"log"`
	// Debug enables debug-level output (requires Console or Log)
	Debug *bool `toml:"debug"`
	// Silent suppresses all non-error output
	Silent *bool `toml:"silent"`
}

// AnalyticsConfig holds analytics settings
type AnalyticsConfig struct {
	// Enabled controls whether usage analytics are sent
	Enabled *bool `toml:"enabled"`
}

// WorkspaceConfig holds working-directory policy settings
type WorkspaceConfig struct {
	// AllowedRoots lists directory roots a session may run under.
	// A session started outside every allowed root is clamped to the
	// user's home directory. Empty means "home directory only".
	AllowedRoots []string `toml:"allowed_roots"`
}

// AgentConfig holds agent CLI settings
type AgentConfig struct {
	// Command overrides the agent CLI command (may include arguments).
	// Empty means locate the executable automatically.
	Command string `toml:"command"`
}

// ProcessConfig holds subprocess supervision timing settings
type ProcessConfig struct {
	// HeartbeatIntervalMS is how often a running session emits a
	// liveness heartbeat envelope.
	HeartbeatIntervalMS *int `toml:"heartbeat_interval_ms"`
	// BatchIntervalMS is the delta batcher flush interval.
	BatchIntervalMS *int `toml:"batch_interval_ms"`
	// KillTimeoutSeconds is how long to wait after a termination
	// signal before force-killing the subprocess.
	KillTimeoutSeconds *int `toml:"kill_timeout_seconds"`
}

// RendererConfig holds adaptive stream renderer settings
type RendererConfig struct {
	// MinBufferMS is the buffered-time threshold below which the
	// renderer runs in realtime mode.
	MinBufferMS *int `toml:"min_buffer_ms"`
	// MaxBufferMS is the buffered-time threshold above which the
	// renderer runs in catchup mode.
	MaxBufferMS *int `toml:"max_buffer_ms"`
}

// BridgeConfig holds UI bridge settings
type BridgeConfig struct {
	// ListenAddr is the websocket bridge listen address.
	ListenAddr string `toml:"listen_addr"`
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	// Enabled controls whether OTLP export is active
	Enabled *bool `toml:"enabled"`
	// Endpoint is the OTLP gRPC endpoint (host:port or URL)
	Endpoint string `toml:"endpoint"`
}

// CLIOverrides holds CLI flag values that override config file settings.
// These are applied after config files are loaded.
type CLIOverrides struct {
	// Logging
	Console bool
	Log     bool
	Debug   bool
	Silent  bool

	// Analytics
	NoAnalytics bool

	// Agent
	AgentCommand string

	// Bridge
	ListenAddr string
}

// Load reads configuration from files and CLI flags.
// Priority: CLI flags > local project config > user-level config
func Load(cliOverrides *CLIOverrides) (*Config, error) {
	cfg := &Config{}

	// Load user-level config first (lowest priority)
	userConfigPath := getUserConfigPath()
	if userConfigPath != "" {
		if err := loadTOMLFile(userConfigPath, cfg); err != nil {
			slog.Debug("No user-level config loaded", "path", userConfigPath, "error", err)
		} else {
			slog.Debug("Loaded user-level config", "path", userConfigPath)
		}
	}

	// Load local project config (overwrites user-level)
	localConfigPath := getLocalConfigPath()
	if localConfigPath != "" {
		if err := loadTOMLFile(localConfigPath, cfg); err != nil {
			slog.Debug("No local project config loaded", "path", localConfigPath, "error", err)
		} else {
			slog.Debug("Loaded local project config", "path", localConfigPath)
		}
	}

	// Apply CLI flag overrides (highest priority for most settings)
	if cliOverrides != nil {
		applyCLIOverrides(cfg, cliOverrides)
	}

	return cfg, nil
}

// getUserConfigPath returns the path to ~/.agentdeck/config.toml
func getUserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		slog.Debug("Could not determine home directory", "error", err)
		return ""
	}
	return filepath.Join(home, AgentDeckDir, ConfigFileName)
}

// getLocalConfigPath returns the path to .agentdeck/config.toml in the current directory
func getLocalConfigPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		slog.Debug("Could not determine current directory", "error", err)
		return ""
	}
	return filepath.Join(cwd, AgentDeckDir, ConfigFileName)
}

// loadTOMLFile reads a TOML file and decodes it into the config struct.
// Fields are merged (later calls overwrite earlier values).
func loadTOMLFile(path string, cfg *Config) error {
	_, err := toml.DecodeFile(path, cfg)
	return err
}

// applyCLIOverrides applies CLI flag overrides to the config.
func applyCLIOverrides(cfg *Config, o *CLIOverrides) {
	// Logging flags only override if explicitly set (true)
	if o.Console {
		enabled := true
		cfg.Logging.Console = &enabled
	}
	if o.Log {
		enabled := true
		cfg.Logging.Log = &enabled
	}
	if o.Debug {
		enabled := true
		cfg.Logging.Debug = &enabled
	}
	if o.Silent {
		enabled := true
		cfg.Logging.Silent = &enabled
	}

	// Analytics (--no-usage-analytics sets enabled to false)
	if o.NoAnalytics {
		disabled := false
		cfg.Analytics.Enabled = &disabled
	}

	if o.AgentCommand != "" {
		cfg.Agent.Command = o.AgentCommand
	}

	if o.ListenAddr != "" {
		cfg.Bridge.ListenAddr = o.ListenAddr
	}
}

// --- Getter methods ---

// IsConsoleEnabled returns whether console logging is enabled.
// Defaults to false if not explicitly set.
func (c *Config) IsConsoleEnabled() bool {
	if c.Logging.Console != nil {
		return *c.Logging.Console
	}
	return false // default disabled
}

// IsLogEnabled returns whether file logging is enabled.
// Defaults to false if not explicitly set.
func (c *Config) IsLogEnabled() bool {
	if c.Logging.Log != nil {
		return *c.Logging.Log
	}
	return false // default disabled
}

// IsDebugEnabled returns whether debug logging is enabled.
// Defaults to false if not explicitly set.
func (c *Config) IsDebugEnabled() bool {
	if c.Logging.Debug != nil {
		return *c.Logging.Debug
	}
	return false // default disabled
}

// IsSilentEnabled returns whether silent mode is enabled.
// Defaults to false if not explicitly set.
func (c *Config) IsSilentEnabled() bool {
	if c.Logging.Silent != nil {
		return *c.Logging.Silent
	}
	return false // default disabled
}

// IsAnalyticsEnabled returns whether analytics are enabled.
// Defaults to true if not explicitly set.
func (c *Config) IsAnalyticsEnabled() bool {
	if c.Analytics.Enabled != nil {
		return *c.Analytics.Enabled
	}
	return true // default enabled
}

// GetAllowedRoots returns the allowed working-directory roots.
// Defaults to the user's home directory if none are configured.
func (c *Config) GetAllowedRoots() []string {
	if len(c.Workspace.AllowedRoots) > 0 {
		return c.Workspace.AllowedRoots
	}
	home, err := os.UserHomeDir()
	if err != nil {
		slog.Debug("Could not determine home directory for allowed roots", "error", err)
		return nil
	}
	return []string{home}
}

// GetAgentCommand returns the configured agent CLI command override,
// or empty string to locate the executable automatically.
func (c *Config) GetAgentCommand() string {
	return c.Agent.Command
}

// GetHeartbeatIntervalMS returns the heartbeat interval in milliseconds.
func (c *Config) GetHeartbeatIntervalMS() int {
	if c.Process.HeartbeatIntervalMS != nil && *c.Process.HeartbeatIntervalMS > 0 {
		return *c.Process.HeartbeatIntervalMS
	}
	return defaultHeartbeatIntervalMS
}

// GetBatchIntervalMS returns the delta batcher flush interval in milliseconds.
func (c *Config) GetBatchIntervalMS() int {
	if c.Process.BatchIntervalMS != nil && *c.Process.BatchIntervalMS > 0 {
		return *c.Process.BatchIntervalMS
	}
	return defaultBatchIntervalMS
}

// GetKillTimeoutSeconds returns how long to wait after a termination
// signal before force-killing the subprocess.
func (c *Config) GetKillTimeoutSeconds() int {
	if c.Process.KillTimeoutSeconds != nil && *c.Process.KillTimeoutSeconds > 0 {
		return *c.Process.KillTimeoutSeconds
	}
	return defaultKillTimeoutSeconds
}

// GetMinBufferMS returns the renderer realtime-mode buffer threshold.
func (c *Config) GetMinBufferMS() int {
	if c.Renderer.MinBufferMS != nil && *c.Renderer.MinBufferMS > 0 {
		return *c.Renderer.MinBufferMS
	}
	return defaultMinBufferMS
}

// GetMaxBufferMS returns the renderer catchup-mode buffer threshold.
func (c *Config) GetMaxBufferMS() int {
	if c.Renderer.MaxBufferMS != nil && *c.Renderer.MaxBufferMS > 0 {
		return *c.Renderer.MaxBufferMS
	}
	return defaultMaxBufferMS
}

// GetListenAddr returns the bridge websocket listen address.
func (c *Config) GetListenAddr() string {
	if c.Bridge.ListenAddr != "" {
		return c.Bridge.ListenAddr
	}
	return DefaultListenAddr
}

// IsTelemetryEnabled returns whether OTLP telemetry export is enabled.
// Defaults to false if not explicitly set.
func (c *Config) IsTelemetryEnabled() bool {
	if c.Telemetry.Enabled != nil {
		return *c.Telemetry.Enabled
	}
	return false // default disabled
}

// GetTelemetryEndpoint returns the OTLP endpoint, or empty string for
// the exporter's default.
func (c *Config) GetTelemetryEndpoint() string {
	return c.Telemetry.Endpoint
}
