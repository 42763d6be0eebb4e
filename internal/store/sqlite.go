// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Owns connection setup, schema creation, migrations, and shared scan helpers

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so text ordering in SQL matches time ordering
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection
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

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id                TEXT PRIMARY KEY,
			hostname          TEXT NOT NULL DEFAULT '',
			platform          TEXT NOT NULL DEFAULT '',
			arch              TEXT NOT NULL DEFAULT '',
			memory_total      INTEGER NOT NULL DEFAULT 0,
			capabilities_json TEXT,
			status            TEXT NOT NULL DEFAULT 'offline',
			last_seen         TEXT NOT NULL,
			created_at        TEXT NOT NULL,

			CHECK (status IN ('online', 'offline'))
		);

		CREATE TABLE IF NOT EXISTS agent_policies (
			agent_id   TEXT PRIMARY KEY,
			document   TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_records (
			id             TEXT PRIMARY KEY,
			agent_id       TEXT NOT NULL,
			tool_name      TEXT NOT NULL,
			arguments_json TEXT,
			status         TEXT NOT NULL,
			result_json    TEXT,
			created_at     TEXT NOT NULL,
			completed_at   TEXT,

			CHECK (status IN ('pending', 'success', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_records_agent ON audit_records(agent_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_records_created ON audit_records(created_at DESC);

		CREATE TABLE IF NOT EXISTS pending_approvals (
			id             TEXT PRIMARY KEY,
			execution_id   TEXT NOT NULL,
			agent_id       TEXT NOT NULL,
			tool_name      TEXT NOT NULL,
			arguments_json TEXT,
			status         TEXT NOT NULL DEFAULT 'pending',
			session_id     TEXT,
			max_turns      INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL,
			decided_at     TEXT,
			decided_by     TEXT,

			CHECK (status IN ('pending', 'approved', 'rejected'))
		);

		CREATE INDEX IF NOT EXISTS idx_pending_approvals_status ON pending_approvals(status, created_at);
		CREATE INDEX IF NOT EXISTS idx_pending_approvals_execution ON pending_approvals(execution_id);

		CREATE TABLE IF NOT EXISTS chat_sessions (
			id            TEXT PRIMARY KEY,
			title         TEXT NOT NULL,
			system_prompt TEXT NOT NULL DEFAULT '',
			unread        INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chat_messages (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			id            TEXT NOT NULL UNIQUE,
			session_id    TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			role          TEXT NOT NULL,
			content       TEXT NOT NULL,
			metadata_json TEXT,
			created_at    TEXT NOT NULL,

			CHECK (role IN ('system', 'user', 'assistant'))
		);

		CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, seq);

		CREATE TABLE IF NOT EXISTS schedules (
			id                  TEXT PRIMARY KEY,
			cron_expression     TEXT NOT NULL,
			task_instruction    TEXT NOT NULL,
			agent_id            TEXT,
			use_persistent_chat INTEGER NOT NULL DEFAULT 0,
			chat_session_id     TEXT,
			is_active           INTEGER NOT NULL DEFAULT 1,
			last_run_at         TEXT,
			created_at          TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "agents",
			column: "release",
			apply:  `ALTER TABLE agents ADD COLUMN release TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "chat_sessions",
			column: "agent_id",
			apply:  `ALTER TABLE chat_sessions ADD COLUMN agent_id TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "pending_approvals",
			column: "max_turns",
			apply:  `ALTER TABLE pending_approvals ADD COLUMN max_turns INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString maps "" to SQL NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

func parseNullTime(field string, value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(field, value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// marshalJSON encodes v for a *_json column; nil maps to SQL NULL
func marshalJSON(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	case []string:
		if val == nil {
			return nil, nil
		}
	case json.RawMessage:
		if len(val) == 0 {
			return nil, nil
		}
		return string(val), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalMap(field string, value sql.NullString) (map[string]any, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(value.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshaling %s: %w", field, err)
	}
	return m, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
