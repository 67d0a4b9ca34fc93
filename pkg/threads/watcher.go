package threads

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports thread transcript updates for one working
// directory. When the munged project directory does not exist yet it
// watches the projects root and attaches as soon as the agent creates
// it.
type Watcher struct {
	projectDir string
	emit       func(Thread)
	watcher    *fsnotify.Watcher
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	attached bool
	seen     map[string]time.Time
}

// NewWatcher creates a watcher for the working directory's threads.
// Not running yet; call Start.
func NewWatcher(workingDir string, emit func(Thread)) (*Watcher, error) {
	projectDir, err := ProjectDir(workingDir)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		projectDir: projectDir,
		emit:       emit,
		watcher:    fsw,
		seen:       make(map[string]time.Time),
	}

	if _, err := os.Stat(projectDir); err == nil {
		if err := fsw.Add(projectDir); err != nil {
			_ = fsw.Close()
			return nil, err
		}
		w.attached = true
	} else {
		// Watch the root until the project directory appears.
		if err := fsw.Add(filepath.Dir(projectDir)); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}
	return w, nil
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
			slog.Debug("Thread watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Attach to the project directory the moment it is created.
	if event.Name == w.projectDir && event.Has(fsnotify.Create) {
		w.mu.Lock()
		attached := w.attached
		if !attached {
			if err := w.watcher.Add(w.projectDir); err == nil {
				w.attached = true
			} else {
				slog.Debug("Could not attach to project directory",
					"path", w.projectDir, "error", err)
			}
		}
		w.mu.Unlock()
		return
	}

	if filepath.Dir(event.Name) != w.projectDir {
		return
	}
	if !strings.HasSuffix(event.Name, ".jsonl") {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}

	id := strings.TrimSuffix(filepath.Base(event.Name), ".jsonl")
	w.mu.Lock()
	if last, ok := w.seen[id]; ok && !info.ModTime().After(last) {
		w.mu.Unlock()
		return
	}
	w.seen[id] = info.ModTime()
	w.mu.Unlock()

	w.emit(Thread{ID: id, Path: event.Name, UpdatedAt: info.ModTime()})
}
