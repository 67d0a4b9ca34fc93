// Package store handles SQLite persistence for sessions and their
// conversation transcripts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/conversation"
)

// DefaultMaxSessions caps how many sessions are retained; saving past
// the cap prunes the oldest by last update.
const DefaultMaxSessions = 50

// Session is the persisted metadata for one supervised session.
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	WorkingDir   string    `json:"workingDir"`
	ThreadID     string    `json:"threadId"`
	AgentCommand string    `json:"agentCommand,omitempty"`
	Favorite     bool      `json:"favorite"`
	TotalCost    float64   `json:"totalCost"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store wraps the SQLite database. It uses WAL mode and a single
// connection so writers never deadlock each other.
type Store struct {
	db          *sql.DB
	path        string
	maxSessions int
}

// Option configures a Store.
type Option func(*Store)

// WithDBPath overrides the default database location
// (~/.agentdeck/agentdeck.db).
func WithDBPath(path string) Option {
	return func(s *Store) { s.path = path }
}

// WithMaxSessions overrides the retention cap.
func WithMaxSessions(n int) Option {
	return func(s *Store) { s.maxSessions = n }
}

// Open opens (or creates) the session database.
func Open(opts ...Option) (*Store, error) {
	s := &Store{maxSessions: DefaultMaxSessions}
	for _, opt := range opts {
		opt(s)
	}
	if s.path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		s.path = filepath.Join(home, config.AgentDeckDir, "agentdeck.db")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout=15000&_pragma=journal_mode(WAL)", filepath.ToSlash(s.path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Serialize writes to avoid deadlocks
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s.db = db
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		working_dir TEXT NOT NULL DEFAULT '',
		thread_id TEXT NOT NULL DEFAULT '',
		agent_command TEXT NOT NULL DEFAULT '',
		favorite INTEGER NOT NULL DEFAULT 0,
		total_cost REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated
		ON sessions(updated_at DESC);
	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSession upserts session metadata, prunes past the retention
// cap, and returns the updated list newest-first.
func (s *Store) SaveSession(ctx context.Context, session Session) ([]Session, error) {
	if session.ID == "" {
		return nil, fmt.Errorf("session has no id")
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, working_dir, thread_id, agent_command, favorite, total_cost, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			working_dir = excluded.working_dir,
			thread_id = excluded.thread_id,
			agent_command = excluded.agent_command,
			favorite = excluded.favorite,
			total_cost = excluded.total_cost,
			updated_at = excluded.updated_at`,
		session.ID, session.Title, session.WorkingDir, session.ThreadID,
		session.AgentCommand, session.Favorite, session.TotalCost,
		session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("upserting session %s: %w", session.ID, err)
	}

	if err := s.prune(ctx); err != nil {
		return nil, err
	}
	return s.LoadSessions(ctx)
}

// prune deletes the oldest sessions beyond the cap, transcripts
// included.
func (s *Store) prune(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (
			SELECT id FROM sessions ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		 )`, s.maxSessions)
	if err != nil {
		return fmt.Errorf("pruning transcripts: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE id IN (
			SELECT id FROM sessions ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		 )`, s.maxSessions)
	if err != nil {
		return fmt.Errorf("pruning sessions: %w", err)
	}
	return tx.Commit()
}

// LoadSessions returns all sessions newest-first.
func (s *Store) LoadSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, working_dir, thread_id, agent_command, favorite, total_cost, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var created, updated int64
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.WorkingDir, &sess.ThreadID,
			&sess.AgentCommand, &sess.Favorite, &sess.TotalCost, &created, &updated); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sess.CreatedAt = time.Unix(0, created).UTC()
		sess.UpdatedAt = time.Unix(0, updated).UTC()
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetSession returns one session, or sql.ErrNoRows.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, working_dir, thread_id, agent_command, favorite, total_cost, created_at, updated_at
		 FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.Title, &sess.WorkingDir, &sess.ThreadID,
			&sess.AgentCommand, &sess.Favorite, &sess.TotalCost, &created, &updated)
	if err != nil {
		return Session{}, err
	}
	sess.CreatedAt = time.Unix(0, created).UTC()
	sess.UpdatedAt = time.Unix(0, updated).UTC()
	return sess, nil
}

// MessageCounts returns the transcript length per session, for the
// listing output.
func (s *Store) MessageCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*) FROM messages GROUP BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scanning message count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// SetFavorite flips a session's favorite flag. The favorite flag does
// not count as activity, so updated_at is left alone.
func (s *Store) SetFavorite(ctx context.Context, id string, favorite bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET favorite = ? WHERE id = ?`, favorite, id)
	if err != nil {
		return fmt.Errorf("updating favorite for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteSession removes a session and its transcript.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("deleting transcript for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return tx.Commit()
}

// SaveMessages wholesale-replaces a session's transcript in one
// transaction.
func (s *Store) SaveMessages(ctx context.Context, sessionID string, messages []*conversation.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clearing transcript for %s: %w", sessionID, err)
	}
	for i, msg := range messages {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshaling message %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, seq, payload) VALUES (?, ?, ?)`,
			sessionID, i, string(payload)); err != nil {
			return fmt.Errorf("inserting message %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// LoadMessages returns a session's transcript in original order.
func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]*conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying transcript for %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*conversation.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		var msg conversation.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("unmarshaling message: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// Conversations adapts the store to the reducer's persistence
// interface, which carries no context.
func (s *Store) Conversations() *ConversationStore {
	return &ConversationStore{s: s}
}

// ConversationStore is the reducer-facing view of a Store.
type ConversationStore struct {
	s *Store
}

func (c *ConversationStore) LoadMessages(sessionID string) ([]*conversation.Message, error) {
	return c.s.LoadMessages(context.Background(), sessionID)
}

func (c *ConversationStore) SaveMessages(sessionID string, messages []*conversation.Message) error {
	return c.s.SaveMessages(context.Background(), sessionID, messages)
}
