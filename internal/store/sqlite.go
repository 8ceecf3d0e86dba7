// ABOUTME: SQLite RunStore using modernc.org/sqlite, one row per run
// ABOUTME: Lets several gateway processes share a state directory without clobbering each other

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// RunsDBName is the SQLite file name under the subagents directory.
const RunsDBName = "runs.db"

// DefaultRunsDBPath returns <stateDir>/subagents/runs.db.
func DefaultRunsDBPath(stateDir string) string {
	return filepath.Join(stateDir, "subagents", RunsDBName)
}

// SQLiteStore implements RunStore on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. Parent directories
// are created if needed and the schema is created on first use.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "backend", "sqlite")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite run store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS subagent_runs (
			run_id TEXT PRIMARY KEY,
			requester_session_key TEXT NOT NULL,
			entry_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_subagent_runs_requester
			ON subagent_runs(requester_session_key);

		CREATE TABLE IF NOT EXISTS store_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO store_meta (key, value) VALUES ('version', ?)`, fmt.Sprint(CurrentVersion))
	return err
}

// Load reads every stored run.
func (s *SQLiteStore) Load(ctx context.Context) (map[string]*RunEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, entry_json FROM subagent_runs`)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	runs := make(map[string]*RunEntry)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		var entry RunEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.logger.Warn("skipping unreadable run entry", "run_id", id, "error", err)
			continue
		}
		if entry.RunID == "" {
			entry.RunID = id
		}
		runs[id] = &entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// Save replaces the stored runs with runs in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, runs map[string]*RunEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM subagent_runs`); err != nil {
		return fmt.Errorf("clearing runs: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO subagent_runs (run_id, requester_session_key, entry_json, updated_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for id, entry := range runs {
		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encoding run %s: %w", id, err)
		}
		if _, err := stmt.ExecContext(ctx, id, entry.RequesterSessionKey, string(raw), now); err != nil {
			return fmt.Errorf("inserting run %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing runs: %w", err)
	}
	return nil
}

// ImportFrom copies runs from src when this store is still empty. It returns
// the number of imported runs.
func (s *SQLiteStore) ImportFrom(ctx context.Context, src RunStore) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subagent_runs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting runs: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	runs, err := src.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading source runs: %w", err)
	}
	if len(runs) == 0 {
		return 0, nil
	}
	if err := s.Save(ctx, runs); err != nil {
		return 0, err
	}
	s.logger.Info("imported runs into SQLite store", "runs", len(runs))
	return len(runs), nil
}

// Version returns the schema version recorded in the database.
func (s *SQLiteStore) Version(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'version'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
