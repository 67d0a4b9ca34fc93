// Package activity watches a session's working directory and reports
// file changes so UI shells can show what the agent is touching.
package activity

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	ignore "github.com/sabhiram/go-gitignore"
)

const defaultDebounceWindow = 100 * time.Millisecond

// excludedDirs are directory basenames that are never watched.
var excludedDirs = map[string]bool{
	".git":          true,
	".agentdeck":    true,
	"node_modules":  true,
	".next":         true,
	"__pycache__":   true,
	".venv":         true,
	"venv":          true,
	"vendor":        true,
	".idea":         true,
	".vscode":       true,
	"dist":          true,
	".claude":       true,
	".cursor":       true,
	".codex":        true,
	".aider":        true,
	".github":       true,
	".gradle":       true,
	"build":         true,
	"target":        true,
	".terraform":    true,
	".cache":        true,
	".tox":          true,
	".mypy_cache":   true,
	".pytest_cache": true,
	".ruff_cache":   true,
	"coverage":      true,
}

// excludedExtensions never generate events.
var excludedExtensions = map[string]bool{
	".exe":   true,
	".dll":   true,
	".so":    true,
	".dylib": true,
	".o":     true,
	".a":     true,
	".out":   true,
	".class": true,
	".jar":   true,
	".pyc":   true,
	".wasm":  true,
	".swp":   true,
	".tmp":   true,
	".bak":   true,
	".log":   true,
}

// Event is one observed workspace file change, attributed to the
// session whose working directory is being watched.
type Event struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Path       string    `json:"path"`
	ChangeType string    `json:"changeType"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventType tags Event payloads on the wire.
const EventType = "file_activity"

// scopedIgnore pairs a directory with its compiled ignore patterns.
// Patterns only apply to paths under the scoped directory.
type scopedIgnore struct {
	dir     string
	matcher *ignore.GitIgnore
}

// Watcher reports file changes under one session's working directory.
type Watcher struct {
	sessionID   string
	rootDir     string
	emit        func(Event)
	watcher     *fsnotify.Watcher
	ignoreRules []scopedIgnore
	debounce    time.Duration
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides the per-path debounce window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher creates a watcher rooted at the session's working
// directory. It loads .gitignore files top-down while adding all
// non-excluded directories, so parent patterns filter children. Not
// running yet; call Start.
func NewWatcher(sessionID, rootDir string, emit func(Event), opts ...Option) (*Watcher, error) {
	if resolved, err := filepath.EvalSymlinks(rootDir); err == nil {
		rootDir = resolved
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		sessionID: sessionID,
		rootDir:   rootDir,
		emit:      emit,
		watcher:   fsw,
		debounce:  defaultDebounceWindow,
		lastSeen:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}

	// Root-only deck-specific patterns.
	w.loadIgnoreFile(rootDir, ".agentdeckignore")

	err = filepath.WalkDir(rootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable directories
		}
		if !d.IsDir() {
			return nil
		}
		if !w.shouldWatch(path, true) {
			return filepath.SkipDir
		}
		w.loadIgnoreFile(path, ".gitignore")
		if addErr := fsw.Add(path); addErr != nil {
			slog.Debug("Failed to watch directory", "path", path, "error", addErr)
		}
		return nil
	})
	if err != nil {
		_ = fsw.Close()
		return nil, err
	}

	slog.Debug("Activity watcher initialized",
		"sessionId", sessionID, "rootDir", rootDir)
	return w, nil
}

// loadIgnoreFile appends a scoped ignore rule from dir/filename. No-op
// when the file does not exist.
func (w *Watcher) loadIgnoreFile(dir, filename string) {
	content, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		return
	}
	lines := strings.Split(string(content), "\n")
	w.ignoreRules = append(w.ignoreRules, scopedIgnore{
		dir:     dir,
		matcher: ignore.CompileIgnoreLines(lines...),
	})
}

// Start begins the event loop in a background goroutine.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.eventLoop(ctx)
}

// Stop cancels the event loop, waits for it, and closes the watcher.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	_ = w.watcher.Close()
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Debug("Activity watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := event.Name

	info, statErr := os.Stat(path)
	isDir := statErr == nil && info.IsDir()

	if !w.shouldWatch(path, isDir) {
		return
	}

	// New directories join the watch set; they produce no events of
	// their own.
	if isDir && event.Has(fsnotify.Create) {
		w.loadIgnoreFile(path, ".gitignore")
		if addErr := w.watcher.Add(path); addErr != nil {
			slog.Debug("Failed to watch new directory", "path", path, "error", addErr)
		}
		return
	}
	if isDir {
		return
	}

	changeType := mapChangeType(event.Op)
	if changeType == "" {
		return
	}
	if w.shouldDebounce(path) {
		return
	}

	timestamp := time.Now()
	if statErr == nil {
		timestamp = info.ModTime()
	}

	w.emit(Event{
		Type:       EventType,
		ID:         uuid.NewString(),
		SessionID:  w.sessionID,
		Path:       path,
		ChangeType: changeType,
		Timestamp:  timestamp,
	})
}

func mapChangeType(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "modify"
	case op.Has(fsnotify.Remove):
		return "delete"
	case op.Has(fsnotify.Rename):
		return "rename"
	default:
		return ""
	}
}

// shouldDebounce reports whether the same path fired within the
// debounce window, suppressing duplicates from rapid writes.
func (w *Watcher) shouldDebounce(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if last, ok := w.lastSeen[path]; ok && now.Sub(last) < w.debounce {
		return true
	}
	w.lastSeen[path] = now
	return false
}

// shouldWatch filters paths, cheapest checks first.
func (w *Watcher) shouldWatch(path string, isDir bool) bool {
	base := filepath.Base(path)

	if isDir && excludedDirs[base] {
		return false
	}
	// Hidden entries, except the watch root itself.
	if strings.HasPrefix(base, ".") && path != w.rootDir {
		return false
	}
	if !isDir {
		ext := strings.ToLower(filepath.Ext(base))
		if excludedExtensions[ext] {
			return false
		}
	}

	for _, rule := range w.ignoreRules {
		relPath, err := filepath.Rel(rule.dir, path)
		if err != nil || strings.HasPrefix(relPath, "..") {
			continue
		}
		if isDir {
			relPath += "/"
		}
		if rule.matcher.MatchesPath(relPath) {
			return false
		}
	}
	return true
}
