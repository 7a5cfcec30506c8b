package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed session store. It owns every durable record of
// the interview engine: conversations and their append-only message logs,
// access-token sessions, channel logins, the job queue, and scoring passes.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates a store at the given path, creating parent directories and the
// schema as needed. WAL mode is enabled for concurrent readers.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "store")

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// Append transactions serialize on the database write lock; a single
	// connection avoids SQLITE_BUSY churn under concurrent turns.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.Info("Session store initialized", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			channel       TEXT NOT NULL,
			candidate_ref TEXT NOT NULL,
			status        TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			metadata_json TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			CHECK (status IN ('ACTIVE', 'COMPLETED', 'CANCELLED'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_candidate
			ON conversations(channel, candidate_ref);
		CREATE INDEX IF NOT EXISTS idx_conversations_status
			ON conversations(status, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender          TEXT NOT NULL,
			content_type    TEXT NOT NULL,
			content         TEXT NOT NULL,
			file_ref        TEXT NOT NULL DEFAULT '',
			transcript      TEXT NOT NULL DEFAULT '',
			external_id     TEXT NOT NULL DEFAULT '',
			seq             INTEGER NOT NULL,
			created_at      TEXT NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (sender IN ('CANDIDATE', 'BOT', 'ADMIN')),
			CHECK (content_type IN ('TEXT', 'VOICE'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);

		CREATE TABLE IF NOT EXISTS interview_sessions (
			id              TEXT PRIMARY KEY,
			token           TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL DEFAULT '',
			candidate_ref   TEXT NOT NULL,
			expires_at      TEXT NOT NULL,
			revoked_at      TEXT,
			created_at      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS channel_logins (
			workspace_id  TEXT PRIMARY KEY,
			channel       TEXT NOT NULL,
			phone         TEXT NOT NULL DEFAULT '',
			user_info     TEXT,
			active        INTEGER NOT NULL DEFAULT 1,
			in_use        INTEGER NOT NULL DEFAULT 0,
			auth_error    TEXT NOT NULL DEFAULT '',
			auth_error_at TEXT,
			last_used_at  TEXT,
			updated_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS job_events (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			status       TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			next_run_at  TEXT NOT NULL,
			last_error   TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (status IN ('pending', 'running', 'done', 'dead'))
		);

		CREATE INDEX IF NOT EXISTS idx_job_events_due
			ON job_events(status, next_run_at);

		CREATE TABLE IF NOT EXISTS scoring_results (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			pass            TEXT NOT NULL,
			score           INTEGER NOT NULL,
			detailed_json   TEXT NOT NULL,
			analysis        TEXT NOT NULL,
			created_at      TEXT NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_scoring_conversation
			ON scoring_results(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// timeLayout keeps a fixed-width fraction so stored timestamps compare
// lexicographically in SQL the same way they compare chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	t := parseTime(value.String)
	return &t
}
