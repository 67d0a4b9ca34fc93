package agent

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// withLocateMocks installs fake home/stat/lookpath implementations and
// restores the originals when the test finishes.
func withLocateMocks(t *testing.T, home string, existing map[string]bool, onPath bool) {
	t.Helper()

	origHome := osUserHomeDir
	origStat := osStat
	origLook := execLookPath
	t.Cleanup(func() {
		osUserHomeDir = origHome
		osStat = origStat
		execLookPath = origLook
	})

	osUserHomeDir = func() (string, error) {
		if home == "" {
			return "", errors.New("no home")
		}
		return home, nil
	}
	osStat = func(name string) (os.FileInfo, error) {
		if existing[name] {
			return nil, nil
		}
		return nil, os.ErrNotExist
	}
	execLookPath = func(file string) (string, error) {
		if onPath {
			return "/usr/bin/" + file, nil
		}
		return "", exec.ErrNotFound
	}
}

func TestLocateExecutable(t *testing.T) {
	home := "/home/tester"
	nativePath := filepath.Join(home, ".local", "bin", "claude")
	legacyPath := filepath.Join(home, ".claude", "local", "claude")

	tests := []struct {
		name     string
		existing map[string]bool
		onPath   bool
		want     string
		wantErr  bool
	}{
		{
			name:     "native install preferred",
			existing: map[string]bool{nativePath: true, legacyPath: true},
			onPath:   true,
			want:     nativePath,
		},
		{
			name:     "path lookup second",
			existing: map[string]bool{legacyPath: true},
			onPath:   true,
			want:     "claude",
		},
		{
			name:     "legacy install third",
			existing: map[string]bool{legacyPath: true},
			onPath:   false,
			want:     legacyPath,
		},
		{
			name:     "nothing found",
			existing: map[string]bool{},
			onPath:   false,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withLocateMocks(t, home, tt.existing, tt.onPath)

			got, err := LocateExecutable()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				var notFound *ExecutableNotFoundError
				if !errors.As(err, &notFound) {
					t.Fatalf("error type = %T, want ExecutableNotFoundError", err)
				}
				if len(notFound.Searched) == 0 {
					t.Error("error does not report searched locations")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	home := "/home/tester"
	withLocateMocks(t, home, map[string]bool{}, true)

	tests := []struct {
		name     string
		command  string
		wantBin  string
		wantArgs []string
	}{
		{
			name:    "empty locates automatically",
			command: "",
			wantBin: "claude",
		},
		{
			name:     "custom command with args",
			command:  "claude --model sonnet",
			wantBin:  "claude",
			wantArgs: []string{"--model", "sonnet"},
		},
		{
			name:     "tilde expanded in executable",
			command:  "~/bin/agent --fast",
			wantBin:  filepath.Join(home, "bin", "agent"),
			wantArgs: []string{"--fast"},
		},
		{
			name:     "quoted argument with spaces",
			command:  `claude --config "my settings.toml"`,
			wantBin:  "claude",
			wantArgs: []string{"--config", "my settings.toml"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin, args, err := ParseCommand(tt.command)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if bin != tt.wantBin {
				t.Errorf("bin = %q, want %q", bin, tt.wantBin)
			}
			if strings.Join(args, " ") != strings.Join(tt.wantArgs, " ") {
				t.Errorf("args = %q, want %q", args, tt.wantArgs)
			}
		})
	}
}

func TestSplitCommandLine(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"simple", "claude --debug", []string{"claude", "--debug"}},
		{"double quotes", `cmd "a b" c`, []string{"cmd", "a b", "c"}},
		{"single quotes", `cmd 'a b'`, []string{"cmd", "a b"}},
		{"escaped quote", `cmd it\'s`, []string{"cmd", "it's"}},
		{"empty", "", nil},
		{"only spaces", "   ", nil},
		{"unclosed quote consumes rest", `cmd "a b`, []string{"cmd", "a b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitCommandLine(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("arg %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDiagnoseLocations(t *testing.T) {
	home := "/home/tester"
	nativePath := filepath.Join(home, ".local", "bin", "claude")
	withLocateMocks(t, home, map[string]bool{nativePath: true}, false)

	reports := DiagnoseLocations()
	if len(reports) != 3 {
		t.Fatalf("got %d reports, want 3", len(reports))
	}

	found := 0
	for _, r := range reports {
		if r.Found {
			found++
			if r.Path != nativePath {
				t.Errorf("found path = %q, want %q", r.Path, nativePath)
			}
		}
	}
	if found != 1 {
		t.Errorf("found count = %d, want 1", found)
	}
}
