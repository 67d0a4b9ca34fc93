package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/pkg/conversation"
)

// testStore creates a temporary SQLite store for testing.
func testStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts = append([]Option{WithDBPath(path)}, opts...)
	s, err := Open(opts...)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	s := testStore(t)

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		t.Fatalf("querying sessions table: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 rows, got %d", count)
	}
}

func TestSaveSessionUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sessions, err := s.SaveSession(ctx, Session{ID: "s1", Title: "first", WorkingDir: "/tmp/a"})
	if err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].CreatedAt.IsZero() {
		t.Error("createdAt not set")
	}

	// Saving again with the same id updates in place.
	sessions, err = s.SaveSession(ctx, Session{ID: "s1", Title: "renamed", ThreadID: "abc"})
	if err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session after upsert, got %d", len(sessions))
	}
	if sessions[0].Title != "renamed" || sessions[0].ThreadID != "abc" {
		t.Errorf("upsert did not apply: %+v", sessions[0])
	}
}

func TestSaveSessionRequiresID(t *testing.T) {
	s := testStore(t)
	if _, err := s.SaveSession(context.Background(), Session{}); err == nil {
		t.Error("expected error for session without id")
	}
}

func TestLoadSessionsNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"old", "mid", "new"} {
		if _, err := s.SaveSession(ctx, Session{ID: id}); err != nil {
			t.Fatalf("SaveSession(%s): %v", id, err)
		}
		// Distinct updated_at timestamps.
		time.Sleep(time.Millisecond)
	}

	sessions, err := s.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	got := []string{sessions[0].ID, sessions[1].ID, sessions[2].ID}
	want := []string{"new", "mid", "old"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSaveSessionPrunesOldest(t *testing.T) {
	s := testStore(t, WithMaxSessions(2))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.SaveMessages(ctx, id, []*conversation.Message{{ID: id}}); err != nil {
			t.Fatalf("SaveMessages(%s): %v", id, err)
		}
		if _, err := s.SaveSession(ctx, Session{ID: id}); err != nil {
			t.Fatalf("SaveSession(%s): %v", id, err)
		}
		time.Sleep(time.Millisecond)
	}

	sessions, err := s.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions after pruning, got %d", len(sessions))
	}
	if sessions[0].ID != "c" || sessions[1].ID != "b" {
		t.Errorf("kept %s/%s, want c/b", sessions[0].ID, sessions[1].ID)
	}

	// The pruned session's transcript goes with it.
	msgs, err := s.LoadMessages(ctx, "a")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected pruned transcript to be empty, got %d messages", len(msgs))
	}
}

func TestGetSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.SaveSession(ctx, Session{ID: "s1", Title: "hello"}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Title != "hello" {
		t.Errorf("title = %q, want %q", sess.Title, "hello")
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows for missing session, got %v", err)
	}
}

func TestMessageCounts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveMessages(ctx, "s1", []*conversation.Message{{ID: "m1"}, {ID: "m2"}}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	if err := s.SaveMessages(ctx, "s2", []*conversation.Message{{ID: "m3"}}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	counts, err := s.MessageCounts(ctx)
	if err != nil {
		t.Fatalf("MessageCounts: %v", err)
	}
	if counts["s1"] != 2 || counts["s2"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestSetFavorite(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.SaveSession(ctx, Session{ID: "s1"}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	if err := s.SetFavorite(ctx, "s1", true); err != nil {
		t.Fatalf("SetFavorite: %v", err)
	}
	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !sess.Favorite {
		t.Error("favorite flag not set")
	}

	if err := s.SetFavorite(ctx, "s1", false); err != nil {
		t.Fatalf("SetFavorite: %v", err)
	}
	sess, err = s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Favorite {
		t.Error("favorite flag not cleared")
	}

	if err := s.SetFavorite(ctx, "missing", true); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows for missing session, got %v", err)
	}
}

func TestDeleteSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.SaveSession(ctx, Session{ID: "s1"}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.SaveMessages(ctx, "s1", []*conversation.Message{{ID: "m1"}}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	sessions, err := s.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected 0 sessions, got %d", len(sessions))
	}
	msgs, err := s.LoadMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected empty transcript, got %d messages", len(msgs))
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	messages := []*conversation.Message{
		{
			ID:   "m1",
			Role: conversation.RoleUser,
			Blocks: []*conversation.ContentBlock{{
				Type: conversation.BlockText, Content: "question", IsComplete: true,
			}},
		},
		{
			ID:   "m2",
			Role: conversation.RoleAssistant,
			Blocks: []*conversation.ContentBlock{
				{Type: conversation.BlockText, Content: "answer", IsComplete: true},
				{
					Type:       conversation.BlockToolUse,
					ToolName:   "Read",
					ToolInput:  map[string]any{"file": "main.go"},
					ToolStatus: conversation.ToolComplete,
					IsComplete: true,
				},
			},
		},
	}

	if err := s.SaveMessages(ctx, "s1", messages); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	got, err := s.LoadMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != "m1" || got[1].ID != "m2" {
		t.Errorf("order = %s, %s", got[0].ID, got[1].ID)
	}
	if got[1].Blocks[1].ToolName != "Read" {
		t.Errorf("tool block lost: %+v", got[1].Blocks[1])
	}
	if got[1].Blocks[1].ToolInput["file"] != "main.go" {
		t.Errorf("tool input lost: %+v", got[1].Blocks[1].ToolInput)
	}
}

func TestSaveMessagesReplacesTranscript(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveMessages(ctx, "s1", []*conversation.Message{{ID: "m1"}, {ID: "m2"}}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	if err := s.SaveMessages(ctx, "s1", []*conversation.Message{{ID: "m3"}}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	got, err := s.LoadMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m3" {
		t.Errorf("transcript not replaced: %+v", got)
	}
}

func TestConversationStoreAdapter(t *testing.T) {
	s := testStore(t)
	cs := s.Conversations()

	if err := cs.SaveMessages("s1", []*conversation.Message{{ID: "m1"}}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	got, err := cs.LoadMessages("s1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Errorf("adapter round trip failed: %+v", got)
	}
}
