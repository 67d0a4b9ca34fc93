// Package threads discovers agent conversation threads on disk. The
// agent CLI journals each thread as a .jsonl transcript under
// ~/.claude/projects/<munged-working-dir>/, named by thread id; the
// thread id is what a later subprocess passes to --resume.
package threads

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Mockable for tests.
var osUserHomeDir = os.UserHomeDir

var nonProjectChars = regexp.MustCompile(`[^a-zA-Z0-9-]`)

// Thread is one discovered conversation transcript.
type Thread struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProjectsRoot returns the agent CLI's projects directory, erroring
// when it does not exist yet (the agent has never run).
func ProjectsRoot() (string, error) {
	home, err := osUserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	root := filepath.Join(home, ".claude", "projects")
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("agent projects directory not found at %s", root)
		}
		return "", fmt.Errorf("checking agent projects directory: %w", err)
	}
	return root, nil
}

// ProjectDirName converts a working directory into the agent CLI's
// project directory name: every character outside [a-zA-Z0-9-]
// becomes a dash, with a leading dash.
func ProjectDirName(workingDir string) string {
	name := nonProjectChars.ReplaceAllString(workingDir, "-")
	if !strings.HasPrefix(name, "-") {
		name = "-" + name
	}
	return name
}

// ProjectDir returns the transcript directory for a working
// directory. Symlinks are resolved first; the agent CLI munges the
// real path when it creates the directory.
func ProjectDir(workingDir string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(workingDir); err == nil {
		workingDir = resolved
	}
	root, err := ProjectsRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, ProjectDirName(workingDir)), nil
}

// List returns the threads recorded for a working directory, newest
// first. A working directory the agent has never journaled for yields
// an empty list, not an error.
func List(workingDir string) ([]Thread, error) {
	dir, err := ProjectDir(workingDir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading project directory: %w", err)
	}

	var threads []Thread
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		threads = append(threads, Thread{
			ID:        strings.TrimSuffix(entry.Name(), ".jsonl"),
			Path:      filepath.Join(dir, entry.Name()),
			UpdatedAt: info.ModTime(),
		})
	}

	sort.Slice(threads, func(i, j int) bool {
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
	return threads, nil
}

// Latest returns the most recently updated thread for a working
// directory, or empty id when none exists.
func Latest(workingDir string) (Thread, error) {
	threads, err := List(workingDir)
	if err != nil {
		return Thread{}, err
	}
	if len(threads) == 0 {
		return Thread{}, nil
	}
	return threads[0], nil
}
