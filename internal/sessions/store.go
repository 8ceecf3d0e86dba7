// ABOUTME: SQLite transcript store: sessions plus ordered messages per session key
// ABOUTME: Backs sessions.delete and the last-reply lookup used when announcing subagent results

package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/agentrun-gateway/internal/protocol"
)

// ErrNotFound is returned when a session or message does not exist.
var ErrNotFound = errors.New("session not found")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Session is one conversation.
type Session struct {
	Key       string
	AgentID   string
	Label     string
	SpawnedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one transcript entry.
type Message struct {
	ID         string
	SessionKey string
	Role       string
	Content    string
	RunID      string
	CreatedAt  time.Time
}

// Store persists sessions and transcripts.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// DefaultPath returns <stateDir>/sessions.db.
func DefaultPath(stateDir string) string {
	return filepath.Join(stateDir, "sessions.db")
}

// Open opens or creates the transcript database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sessions")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating sessions directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sessions database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_key TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			label TEXT,
			spawned_by TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_key TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			run_id TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages(session_key, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ensure creates the session if it does not exist and bumps updated_at.
func (s *Store) Ensure(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	agentID := sess.AgentID
	if agentID == "" {
		if id, _, ok := protocol.ParseAgentSessionKey(sess.Key); ok {
			agentID = id
		} else {
			agentID = protocol.DefaultAgentID
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_key, agent_id, label, spawned_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			updated_at = excluded.updated_at,
			label = COALESCE(excluded.label, sessions.label),
			spawned_by = COALESCE(excluded.spawned_by, sessions.spawned_by)
	`, sess.Key, agentID, nullString(sess.Label), nullString(sess.SpawnedBy), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// Get returns one session.
func (s *Store) Get(ctx context.Context, key string) (*Session, error) {
	var sess Session
	var label, spawnedBy sql.NullString
	var created, updated string

	err := s.db.QueryRowContext(ctx, `
		SELECT session_key, agent_id, label, spawned_by, created_at, updated_at
		FROM sessions WHERE session_key = ?
	`, key).Scan(&sess.Key, &sess.AgentID, &label, &spawnedBy, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	sess.Label = label.String
	sess.SpawnedBy = spawnedBy.String
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &sess, nil
}

// Append adds msg to its session's transcript, creating the session if needed.
func (s *Store) Append(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if err := s.Ensure(ctx, &Session{Key: msg.SessionKey}); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_key, role, content, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.SessionKey, msg.Role, msg.Content, nullString(msg.RunID), msg.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("appended message", "session_key", msg.SessionKey, "role", msg.Role, "run_id", msg.RunID)
	return nil
}

// Messages returns the transcript in order. With limit > 0 only the most
// recent limit messages are returned, still oldest first.
func (s *Store) Messages(ctx context.Context, key string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT id, session_key, role, content, run_id, created_at FROM (
				SELECT seq, id, session_key, role, content, run_id, created_at
				FROM messages WHERE session_key = ?
				ORDER BY seq DESC LIMIT ?
			) ORDER BY seq ASC
		`
		args = []any{key, limit}
	} else {
		query = `
			SELECT id, session_key, role, content, run_id, created_at
			FROM messages WHERE session_key = ?
			ORDER BY seq ASC
		`
		args = []any{key}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var msg Message
		var runID sql.NullString
		var created string
		if err := rows.Scan(&msg.ID, &msg.SessionKey, &msg.Role, &msg.Content, &runID, &created); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.RunID = runID.String
		msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// LastReply returns the newest assistant message of the session.
func (s *Store) LastReply(ctx context.Context, key string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM messages
		WHERE session_key = ? AND role = ?
		ORDER BY seq DESC LIMIT 1
	`, key, RoleAssistant).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying last reply: %w", err)
	}
	return content, nil
}

// Delete removes the session. The transcript is removed too when
// deleteTranscript is set. deleted reports whether anything existed.
func (s *Store) Delete(ctx context.Context, key string, deleteTranscript bool) (deleted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	n, _ := res.RowsAffected()

	var m int64
	if deleteTranscript {
		res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_key = ?`, key)
		if err != nil {
			return false, fmt.Errorf("deleting transcript: %w", err)
		}
		m, _ = res.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Info("deleted session", "session_key", key, "transcript", deleteTranscript, "messages", m)
	return n > 0 || m > 0, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
