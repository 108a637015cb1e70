// Package store persists sessions and their agent-conversation ids, the
// append-only message log, and screenshot blobs, all rooted in one
// project-scoped directory.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/bridgecore/relay/internal/common/logger"
)

const defaultBusyTimeoutMS = 5000

// Store is the relay's durable record of sessions, messages, and screenshot
// blobs. Writes are serialized through a single-connection writer pool
// (SQLite allows exactly one writer); reads use a separate multi-connection
// pool so REST history reads never queue behind an in-flight message append.
type Store struct {
	writer *sqlx.DB
	reader *sqlx.DB
	root   string
	logger *logger.Logger
}

// Open creates (or attaches to) the project-scoped persisted state
// directory: a relational store file plus a screenshots subdirectory,
// both rooted under root.
func Open(root, dbFileName string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: prepare root: %w", err)
	}
	dbPath := filepath.Join(root, dbFileName)

	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		dbPath, defaultBusyTimeoutMS,
	)
	writer, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("store: open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&mode=ro&_busy_timeout=%d",
		dbPath, defaultBusyTimeoutMS,
	)
	reader, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("store: open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	s := &Store{writer: writer, reader: reader, root: root, logger: log.WithFields()}
	if err := s.migrate(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if err := os.MkdirAll(s.ScreenshotsDir(), 0o755); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("store: prepare screenshots dir: %w", err)
	}

	// Startup load pass: corrupt rows are logged and skipped by the listing
	// loaders; damage in the table never aborts Open.
	if _, err := s.ListSessions(context.Background()); err != nil {
		s.logger.Warn("startup session scan failed", zap.Error(err))
	}
	return s, nil
}

// ScreenshotsDir returns the directory screenshot blobs are stored under.
func (s *Store) ScreenshotsDir() string {
	return filepath.Join(s.root, "screenshots")
}

// migrate brings the schema forward non-destructively: create-if-missing
// tables and indexes only, never a destructive change.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id            TEXT PRIMARY KEY,
		agent_conversation_id TEXT,
		project_root          TEXT NOT NULL,
		tab_id                TEXT NOT NULL,
		page_url              TEXT NOT NULL,
		permission_mode       TEXT NOT NULL,
		status                TEXT NOT NULL,
		created_at            TIMESTAMP NOT NULL,
		last_activity         TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_resume
		ON sessions(project_root, page_url, last_activity DESC);
	CREATE INDEX IF NOT EXISTS idx_sessions_tab
		ON sessions(tab_id);

	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		ts         TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	`
	_, err := s.writer.Exec(schema)
	return err
}

// Close releases both connection pools.
func (s *Store) Close() error {
	wErr := s.writer.Close()
	rErr := s.reader.Close()
	if wErr != nil {
		return wErr
	}
	return rErr
}

// Now is overridable in tests; production code always uses wall-clock time.
var Now = func() time.Time { return time.Now().UTC() }

// isNoRows reports whether err is sql.ErrNoRows, the sentinel sqlx surfaces
// for Get/QueryRowx misses.
func isNoRows(err error) bool {
	return err == sql.ErrNoRows
}
