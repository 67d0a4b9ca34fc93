package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ResolveWorkdir validates a requested working directory against the
// allow-listed roots and returns the directory a session may actually
// run in. A path outside every allowed root falls back to the user's
// home directory. This is an explicit safety policy, not a security
// boundary: the subprocess runs unrestricted once started.
func ResolveWorkdir(requested string, allowedRoots []string) (string, error) {
	home, err := osUserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	if requested == "" {
		return home, nil
	}

	canonical, err := canonicalizePath(requested)
	if err != nil {
		slog.Warn("ResolveWorkdir: could not canonicalize requested directory, falling back to home",
			"requested", requested, "error", err)
		return home, nil
	}

	// Directory must exist to run a session in it.
	if info, err := os.Stat(canonical); err != nil || !info.IsDir() {
		slog.Warn("ResolveWorkdir: requested directory not usable, falling back to home",
			"requested", canonical, "error", err)
		return home, nil
	}

	roots := allowedRoots
	if len(roots) == 0 {
		roots = []string{home}
	}

	for _, root := range roots {
		canonicalRoot, err := canonicalizePath(expandTilde(root))
		if err != nil {
			slog.Debug("ResolveWorkdir: skipping unusable allowed root",
				"root", root, "error", err)
			continue
		}
		if isWithinRoot(canonical, canonicalRoot) {
			return canonical, nil
		}
	}

	slog.Warn("ResolveWorkdir: requested directory outside allowed roots, clamping to home",
		"requested", canonical, "home", home)
	return home, nil
}

// canonicalizePath returns an absolute, cleaned, symlink-resolved,
// NFC-normalized form of the path so allow-list comparison is not
// fooled by equivalent spellings. Symlink resolution is best effort;
// a path that does not fully exist keeps its literal suffix.
func canonicalizePath(p string) (string, error) {
	p = norm.NFC.String(p)
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return abs, nil
}

// isWithinRoot reports whether path is root itself or a descendant.
func isWithinRoot(path, root string) bool {
	if path == root {
		return true
	}
	sep := string(os.PathSeparator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(path, root)
}
