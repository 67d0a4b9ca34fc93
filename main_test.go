package main

import (
	"strings"
	"testing"

	"github.com/agentdeck/agentdeck/pkg/config"
)

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name      string
		overrides config.CLIOverrides
		wantErr   string
	}{
		{
			name:      "no flags",
			overrides: config.CLIOverrides{},
		},
		{
			name:      "console alone",
			overrides: config.CLIOverrides{Console: true},
		},
		{
			name:      "console and silent conflict",
			overrides: config.CLIOverrides{Console: true, Silent: true},
			wantErr:   "mutually exclusive",
		},
		{
			name:      "debug without sink",
			overrides: config.CLIOverrides{Debug: true},
			wantErr:   "--debug requires",
		},
		{
			name:      "debug with console",
			overrides: config.CLIOverrides{Debug: true, Console: true},
		},
		{
			name:      "debug with log",
			overrides: config.CLIOverrides{Debug: true, Log: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			saved := overrides
			defer func() { overrides = saved }()

			overrides = tt.overrides
			err := validateFlags()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validateFlags() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("validateFlags() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCreateRootCommand(t *testing.T) {
	cmd := createRootCommand()
	if cmd.Use != "agentdeck" {
		t.Errorf("Use = %q, want agentdeck", cmd.Use)
	}
	if cmd.Short == "" {
		t.Error("Short description is empty")
	}
}
