package agent

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Package-level variables for mocking in tests
var (
	osUserHomeDir = os.UserHomeDir
	osStat        = os.Stat
	execLookPath  = exec.LookPath
)

// ExecutableNotFoundError reports that the agent CLI could not be
// located anywhere, with the locations that were searched.
type ExecutableNotFoundError struct {
	Searched []string
}

func (e *ExecutableNotFoundError) Error() string {
	return fmt.Sprintf("agent CLI executable not found (searched: %s)",
		strings.Join(e.Searched, ", "))
}

// LocateExecutable finds the agent CLI executable. It checks for
// installations in this order:
//  1. ~/.local/bin/claude (preferred native installation)
//  2. "claude" resolved from PATH
//  3. ~/.claude/local/claude (legacy npm installation)
//
// Returns an ExecutableNotFoundError if none of these exist.
func LocateExecutable() (string, error) {
	var searched []string

	homeDir, homeDirErr := osUserHomeDir()
	if homeDirErr == nil {
		// Preferred native installation
		nativePath := filepath.Join(homeDir, ".local", "bin", "claude")
		searched = append(searched, nativePath)
		if _, err := osStat(nativePath); err == nil {
			slog.Info("Found agent CLI", "path", nativePath)
			return nativePath, nil
		}
	}

	// Check if the agent CLI is available on PATH
	searched = append(searched, "PATH")
	if path, err := execLookPath("claude"); err == nil {
		slog.Info("Found agent CLI on PATH", "path", path)
		return "claude", nil
	}

	if homeDirErr == nil {
		// Legacy npm installation
		legacyPath := filepath.Join(homeDir, ".claude", "local", "claude")
		searched = append(searched, legacyPath)
		if _, err := osStat(legacyPath); err == nil {
			slog.Info("Found agent CLI", "path", legacyPath)
			return legacyPath, nil
		}
	}

	return "", &ExecutableNotFoundError{Searched: searched}
}

// LocationReport describes one candidate install location and whether
// the executable was found there.
type LocationReport struct {
	Label string
	Path  string
	Found bool
}

// DiagnoseLocations probes every known install location, for the
// check command's diagnostics output.
func DiagnoseLocations() []LocationReport {
	var reports []LocationReport

	if homeDir, err := osUserHomeDir(); err == nil {
		nativePath := filepath.Join(homeDir, ".local", "bin", "claude")
		_, statErr := osStat(nativePath)
		reports = append(reports, LocationReport{
			Label: "native install",
			Path:  nativePath,
			Found: statErr == nil,
		})
	}

	pathResolved, lookErr := execLookPath("claude")
	reports = append(reports, LocationReport{
		Label: "PATH lookup",
		Path:  pathResolved,
		Found: lookErr == nil,
	})

	if homeDir, err := osUserHomeDir(); err == nil {
		legacyPath := filepath.Join(homeDir, ".claude", "local", "claude")
		_, statErr := osStat(legacyPath)
		reports = append(reports, LocationReport{
			Label: "legacy npm install",
			Path:  legacyPath,
			Found: statErr == nil,
		})
	}

	return reports
}

// expandTilde expands ~ to the user's home directory
func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := osUserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

// ParseCommand parses a custom command string into executable and
// arguments. If customCommand is empty, the executable is located
// automatically. Supports quoted strings with spaces:
// `claude --config "~/My Settings/config.json"`.
func ParseCommand(customCommand string) (string, []string, error) {
	if customCommand == "" {
		cmd, err := LocateExecutable()
		if err != nil {
			return "", nil, err
		}
		return cmd, nil, nil
	}

	parts := SplitCommandLine(customCommand)
	if len(parts) == 0 {
		cmd, err := LocateExecutable()
		if err != nil {
			return "", nil, err
		}
		return cmd, nil, nil
	}

	return expandTilde(parts[0]), parts[1:], nil
}

// SplitCommandLine splits a command line string into arguments,
// respecting quoted strings.
//
// Behavior:
//   - Single and double quotes are treated equivalently
//   - Backslash escapes the next character (including quotes and backslashes)
//   - Whitespace (space, tab, newline) outside quotes separates arguments
//   - Empty quoted strings are ignored
//   - Unclosed quotes consume to end of string
func SplitCommandLine(s string) []string {
	var args []string
	var current strings.Builder
	var inQuote rune // ' or " when inside quotes, 0 otherwise
	var escaped bool

	for _, r := range s {
		if escaped {
			// Previous character was backslash, add this character literally
			current.WriteRune(r)
			escaped = false
			continue
		}

		if r == '\\' {
			// Next character will be escaped
			escaped = true
			continue
		}

		if inQuote != 0 {
			// Inside quotes
			if r == inQuote {
				// End quote
				inQuote = 0
			} else {
				current.WriteRune(r)
			}
			continue
		}

		// Not inside quotes
		if r == '"' || r == '\'' {
			// Start quote
			inQuote = r
			continue
		}

		if r == ' ' || r == '\t' || r == '\n' {
			// Whitespace outside quotes - end of argument
			if current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
			}
			continue
		}

		// Regular character
		current.WriteRune(r)
	}

	// Add final argument if any
	if current.Len() > 0 {
		args = append(args, current.String())
	}

	return args
}
