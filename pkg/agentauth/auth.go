// Package agentauth surfaces the agent CLI's authentication state.
// Credentials belong to the agent CLI and are never interpreted or
// modified here: login and logout are delegated to the CLI itself
// with the terminal handed over, and account info is read from its
// state file on a best-effort basis.
package agentauth

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"log/slog"

	"github.com/agentdeck/agentdeck/pkg/agent"
)

// Package-level variables for mocking in tests
var (
	osUserHomeDir = os.UserHomeDir
	osReadFile    = os.ReadFile
	newCommand    = exec.Command
)

// Account is the subset of agent CLI account state worth showing.
type Account struct {
	Email        string `json:"email,omitempty"`
	Organization string `json:"organization,omitempty"`
	LoggedIn     bool   `json:"loggedIn"`
}

// stateFile mirrors only the fields we read from ~/.claude.json; the
// rest of the file stays opaque.
type stateFile struct {
	OAuthAccount *struct {
		EmailAddress     string `json:"emailAddress"`
		OrganizationName string `json:"organizationName"`
	} `json:"oauthAccount"`
}

// WhoAmI reads the agent CLI's account state. A missing or unreadable
// state file means not logged in, not an error.
func WhoAmI() (Account, error) {
	home, err := osUserHomeDir()
	if err != nil {
		return Account{}, fmt.Errorf("resolving home directory: %w", err)
	}

	raw, err := osReadFile(filepath.Join(home, ".claude.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Account{}, nil
		}
		return Account{}, fmt.Errorf("reading agent state file: %w", err)
	}

	var state stateFile
	if err := json.Unmarshal(raw, &state); err != nil {
		// The file belongs to the agent CLI; a format we cannot read
		// is not a failure worth surfacing.
		slog.Debug("Could not parse agent state file", "error", err)
		return Account{}, nil
	}
	if state.OAuthAccount == nil || state.OAuthAccount.EmailAddress == "" {
		return Account{}, nil
	}
	return Account{
		Email:        state.OAuthAccount.EmailAddress,
		Organization: state.OAuthAccount.OrganizationName,
		LoggedIn:     true,
	}, nil
}

// PassThrough runs the agent CLI with the given arguments and the
// parent's terminal, returning its exit code. Used for login and
// logout, where the CLI owns the interactive flow.
func PassThrough(customCommand string, args ...string) (int, error) {
	executable, baseArgs, err := agent.ParseCommand(customCommand)
	if err != nil {
		return -1, err
	}

	cmd := newCommand(executable, append(baseArgs, args...)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	slog.Info("Handing terminal to agent CLI", "args", args)
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("running agent CLI: %w", err)
	}
	return 0, nil
}

// Login delegates the interactive login flow to the agent CLI.
func Login(customCommand string) (int, error) {
	return PassThrough(customCommand, "login")
}

// Logout removes the agent CLI's stored credentials via the CLI.
func Logout(customCommand string) (int, error) {
	return PassThrough(customCommand, "logout")
}
