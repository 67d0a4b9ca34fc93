package threads

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// withFakeHome points home at a temp dir and pre-creates the agent
// projects root.
func withFakeHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	orig := osUserHomeDir
	osUserHomeDir = func() (string, error) { return home, nil }
	t.Cleanup(func() { osUserHomeDir = orig })

	if err := os.MkdirAll(filepath.Join(home, ".claude", "projects"), 0o755); err != nil {
		t.Fatalf("creating projects root: %v", err)
	}
	return home
}

// seedThread writes a transcript file for the working directory.
func seedThread(t *testing.T, home, workingDir, threadID string) string {
	t.Helper()
	// Mirror ProjectDir's symlink resolution so lookups line up.
	if resolved, err := filepath.EvalSymlinks(workingDir); err == nil {
		workingDir = resolved
	}
	dir := filepath.Join(home, ".claude", "projects", ProjectDirName(workingDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating project dir: %v", err)
	}
	path := filepath.Join(dir, threadID+".jsonl")
	if err := os.WriteFile(path, []byte(`{"type":"summary"}`+"\n"), 0o644); err != nil {
		t.Fatalf("writing transcript: %v", err)
	}
	return path
}

func TestProjectDirName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/Users/sam/code/app", "-Users-sam-code-app"},
		{"/Users/sam/My Projects(1)/app", "-Users-sam-My-Projects-1--app"},
		{"relative/path", "-relative-path"},
		{"/tmp/under_score", "-tmp-under-score"},
	}
	for _, tt := range tests {
		if got := ProjectDirName(tt.path); got != tt.want {
			t.Errorf("ProjectDirName(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestProjectsRootMissing(t *testing.T) {
	home := t.TempDir()
	orig := osUserHomeDir
	osUserHomeDir = func() (string, error) { return home, nil }
	t.Cleanup(func() { osUserHomeDir = orig })

	if _, err := ProjectsRoot(); err == nil {
		t.Error("expected error when projects root does not exist")
	}
}

func TestListNewestFirst(t *testing.T) {
	home := withFakeHome(t)
	workdir := t.TempDir()

	older := seedThread(t, home, workdir, "thread-old")
	seedThread(t, home, workdir, "thread-new")

	// Make the ordering unambiguous.
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(older, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	threads, err := List(workdir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("threads = %d, want 2", len(threads))
	}
	if threads[0].ID != "thread-new" || threads[1].ID != "thread-old" {
		t.Errorf("order = %s, %s", threads[0].ID, threads[1].ID)
	}
}

func TestListUnknownWorkdirIsEmpty(t *testing.T) {
	withFakeHome(t)

	threads, err := List(t.TempDir())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(threads) != 0 {
		t.Errorf("threads = %d, want 0", len(threads))
	}
}

func TestLatest(t *testing.T) {
	home := withFakeHome(t)
	workdir := t.TempDir()

	latest, err := Latest(workdir)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.ID != "" {
		t.Errorf("latest = %q, want empty", latest.ID)
	}

	seedThread(t, home, workdir, "abc")
	latest, err = Latest(workdir)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.ID != "abc" {
		t.Errorf("latest = %q, want %q", latest.ID, "abc")
	}
}

// threadCollector accumulates watcher emissions.
type threadCollector struct {
	mu      sync.Mutex
	threads []Thread
}

func (c *threadCollector) collect(th Thread) {
	c.mu.Lock()
	c.threads = append(c.threads, th)
	c.mu.Unlock()
}

func (c *threadCollector) has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, th := range c.threads {
		if th.ID == id {
			return true
		}
	}
	return false
}

func waitForThread(t *testing.T, c *threadCollector, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.has(id) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("thread %s not observed within deadline", id)
}

func TestWatcherReportsNewThread(t *testing.T) {
	home := withFakeHome(t)
	workdir := t.TempDir()
	seedThread(t, home, workdir, "existing")

	col := &threadCollector{}
	w, err := NewWatcher(workdir, col.collect)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Start(context.Background())
	t.Cleanup(w.Stop)

	seedThread(t, home, workdir, "fresh")
	waitForThread(t, col, "fresh")
}

func TestWatcherAttachesWhenProjectDirAppears(t *testing.T) {
	home := withFakeHome(t)
	workdir := t.TempDir()

	col := &threadCollector{}
	w, err := NewWatcher(workdir, col.collect)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Start(context.Background())
	t.Cleanup(w.Stop)

	// The project directory does not exist yet; creating it and then a
	// transcript must still surface the thread. Retry the write since
	// attachment is asynchronous.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		seedThread(t, home, workdir, "late")
		if col.has("late") {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("thread in late project directory not observed")
}
