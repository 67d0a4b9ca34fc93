package config

import (
	"os"
	"path/filepath"
	"testing"
)

// Helper to create a config file under dir/.agentdeck with the given content
func createTempConfigFile(t *testing.T, dir, content string) string {
	t.Helper()
	agentdeckDir := filepath.Join(dir, AgentDeckDir)
	if err := os.MkdirAll(agentdeckDir, 0755); err != nil {
		t.Fatalf("Failed to create .agentdeck dir: %v", err)
	}
	configPath := filepath.Join(agentdeckDir, ConfigFileName)
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return configPath
}

// withConfigDirs points HOME and the working directory at temp dirs so
// Load reads only the files the test creates.
func withConfigDirs(t *testing.T, userConfig, projectConfig string) {
	t.Helper()

	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)

	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWd) })
	if err := os.Chdir(project); err != nil {
		t.Fatalf("Failed to change directory: %v", err)
	}

	if userConfig != "" {
		createTempConfigFile(t, home, userConfig)
	}
	if projectConfig != "" {
		createTempConfigFile(t, project, projectConfig)
	}
}

// TestLoadPrecedence tests that project config overrides user config
func TestLoadPrecedence(t *testing.T) {
	tests := []struct {
		name          string
		userConfig    string
		projectConfig string
		wantCommand   string
	}{
		{
			name:          "project config overrides user config",
			userConfig:    "[agent]\ncommand = \"/user/agent\"\n",
			projectConfig: "[agent]\ncommand = \"/project/agent\"\n",
			wantCommand:   "/project/agent",
		},
		{
			name:        "user config used when no project config",
			userConfig:  "[agent]\ncommand = \"/user/agent\"\n",
			wantCommand: "/user/agent",
		},
		{
			name:          "project config used when no user config",
			projectConfig: "[agent]\ncommand = \"/project/agent\"\n",
			wantCommand:   "/project/agent",
		},
		{
			name:        "no config files at all",
			wantCommand: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withConfigDirs(t, tt.userConfig, tt.projectConfig)

			cfg, err := Load(nil)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if got := cfg.GetAgentCommand(); got != tt.wantCommand {
				t.Errorf("GetAgentCommand() = %q, want %q", got, tt.wantCommand)
			}
		})
	}
}

func TestCLIOverridesBeatConfigFiles(t *testing.T) {
	withConfigDirs(t, "[agent]\ncommand = \"/user/agent\"\n[bridge]\nlisten_addr = \"127.0.0.1:9999\"\n", "")

	cfg, err := Load(&CLIOverrides{
		Console:      true,
		NoAnalytics:  true,
		AgentCommand: "/flag/agent",
		ListenAddr:   "127.0.0.1:7000",
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.IsConsoleEnabled() {
		t.Error("IsConsoleEnabled() = false, want true from CLI override")
	}
	if cfg.IsAnalyticsEnabled() {
		t.Error("IsAnalyticsEnabled() = true, want false from --no-usage-analytics")
	}
	if got := cfg.GetAgentCommand(); got != "/flag/agent" {
		t.Errorf("GetAgentCommand() = %q, want /flag/agent", got)
	}
	if got := cfg.GetListenAddr(); got != "127.0.0.1:7000" {
		t.Errorf("GetListenAddr() = %q, want 127.0.0.1:7000", got)
	}
}

func TestLoadMergedSections(t *testing.T) {
	content := `
[logging]
console = true
debug = true

[analytics]
enabled = false

[workspace]
allowed_roots = ["/srv/projects", "/home/dev"]

[process]
heartbeat_interval_ms = 1000
batch_interval_ms = 50
kill_timeout_seconds = 10

[renderer]
min_buffer_ms = 40
max_buffer_ms = 400

[telemetry]
enabled = true
endpoint = "collector:4317"
`
	withConfigDirs(t, content, "")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.IsConsoleEnabled() || !cfg.IsDebugEnabled() {
		t.Error("logging flags not loaded from TOML")
	}
	if cfg.IsAnalyticsEnabled() {
		t.Error("IsAnalyticsEnabled() = true, want false")
	}
	roots := cfg.GetAllowedRoots()
	if len(roots) != 2 || roots[0] != "/srv/projects" {
		t.Errorf("GetAllowedRoots() = %v", roots)
	}
	if got := cfg.GetHeartbeatIntervalMS(); got != 1000 {
		t.Errorf("GetHeartbeatIntervalMS() = %d, want 1000", got)
	}
	if got := cfg.GetBatchIntervalMS(); got != 50 {
		t.Errorf("GetBatchIntervalMS() = %d, want 50", got)
	}
	if got := cfg.GetKillTimeoutSeconds(); got != 10 {
		t.Errorf("GetKillTimeoutSeconds() = %d, want 10", got)
	}
	if got := cfg.GetMinBufferMS(); got != 40 {
		t.Errorf("GetMinBufferMS() = %d, want 40", got)
	}
	if got := cfg.GetMaxBufferMS(); got != 400 {
		t.Errorf("GetMaxBufferMS() = %d, want 400", got)
	}
	if !cfg.IsTelemetryEnabled() {
		t.Error("IsTelemetryEnabled() = false, want true")
	}
	if got := cfg.GetTelemetryEndpoint(); got != "collector:4317" {
		t.Errorf("GetTelemetryEndpoint() = %q, want collector:4317", got)
	}
}

func TestDefaults(t *testing.T) {
	cfg := &Config{}

	if cfg.IsConsoleEnabled() || cfg.IsLogEnabled() || cfg.IsDebugEnabled() || cfg.IsSilentEnabled() {
		t.Error("logging defaults should all be disabled")
	}
	if !cfg.IsAnalyticsEnabled() {
		t.Error("IsAnalyticsEnabled() default = false, want true")
	}
	if cfg.IsTelemetryEnabled() {
		t.Error("IsTelemetryEnabled() default = true, want false")
	}
	if got := cfg.GetHeartbeatIntervalMS(); got != defaultHeartbeatIntervalMS {
		t.Errorf("GetHeartbeatIntervalMS() default = %d", got)
	}
	if got := cfg.GetBatchIntervalMS(); got != defaultBatchIntervalMS {
		t.Errorf("GetBatchIntervalMS() default = %d", got)
	}
	if got := cfg.GetKillTimeoutSeconds(); got != defaultKillTimeoutSeconds {
		t.Errorf("GetKillTimeoutSeconds() default = %d", got)
	}
	if got := cfg.GetMinBufferMS(); got != defaultMinBufferMS {
		t.Errorf("GetMinBufferMS() default = %d", got)
	}
	if got := cfg.GetMaxBufferMS(); got != defaultMaxBufferMS {
		t.Errorf("GetMaxBufferMS() default = %d", got)
	}
	if got := cfg.GetListenAddr(); got != DefaultListenAddr {
		t.Errorf("GetListenAddr() default = %q", got)
	}
}

func TestGetAllowedRootsDefaultsToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := &Config{}
	roots := cfg.GetAllowedRoots()
	if len(roots) != 1 || roots[0] != home {
		t.Errorf("GetAllowedRoots() = %v, want [%s]", roots, home)
	}
}

func TestNonPositiveTimingsFallBackToDefaults(t *testing.T) {
	zero := 0
	negative := -5
	cfg := &Config{
		Process: ProcessConfig{
			HeartbeatIntervalMS: &zero,
			BatchIntervalMS:     &negative,
			KillTimeoutSeconds:  &zero,
		},
		Renderer: RendererConfig{
			MinBufferMS: &negative,
			MaxBufferMS: &zero,
		},
	}

	if got := cfg.GetHeartbeatIntervalMS(); got != defaultHeartbeatIntervalMS {
		t.Errorf("GetHeartbeatIntervalMS() = %d, want default", got)
	}
	if got := cfg.GetBatchIntervalMS(); got != defaultBatchIntervalMS {
		t.Errorf("GetBatchIntervalMS() = %d, want default", got)
	}
	if got := cfg.GetKillTimeoutSeconds(); got != defaultKillTimeoutSeconds {
		t.Errorf("GetKillTimeoutSeconds() = %d, want default", got)
	}
	if got := cfg.GetMinBufferMS(); got != defaultMinBufferMS {
		t.Errorf("GetMinBufferMS() = %d, want default", got)
	}
	if got := cfg.GetMaxBufferMS(); got != defaultMaxBufferMS {
		t.Errorf("GetMaxBufferMS() = %d, want default", got)
	}
}

func TestMalformedConfigFileIsIgnored(t *testing.T) {
	withConfigDirs(t, "this is not [valid toml", "")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v, want nil for malformed file", err)
	}
	if got := cfg.GetAgentCommand(); got != "" {
		t.Errorf("GetAgentCommand() = %q, want empty", got)
	}
}
