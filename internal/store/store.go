// Package store implements the system of record for taskflow: an embedded
// SQLite database holding projects, tickets, comments, and profiles.
//
// The store is the single writer for entity data. Every committed mutation is
// published to the stream broker as a change event; clients never mutate
// their in-memory collections directly, they observe the resulting events.
//
// The database runs in embedded mode with WAL for concurrent reads.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/denvudd/taskflow/internal/stream"
)

// FetchError wraps a failed read from the system of record. Callers surface
// it without retry-looping; a single manual refetch is the recovery path.
type FetchError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *FetchError) Unwrap() error { return e.Err }

// Store wraps the database connection and the broker that mutations publish
// change events to.
type Store struct {
	conn   *sql.DB
	path   string
	broker *stream.Broker
	logger *log.Logger
}

// Open creates a store backed by the database at path, creating the file and
// parent directory as needed.
//
// The broker may be nil, in which case mutations do not emit change events
// (useful for one-shot CLI usage). If logger is nil, a default logger
// writing to stderr is used.
//
// The caller must call Close when done.
func Open(path string, broker *stream.Broker, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		path:   path,
		broker: broker,
		logger: logger,
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// Close checkpoints the WAL and closes the database connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the tables and indexes if they do not exist. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		full_name TEXT,
		avatar_url TEXT
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (owner_id) REFERENCES profiles(id)
	);

	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL DEFAULT 'todo',
		priority TEXT NOT NULL DEFAULT 'medium',
		type TEXT NOT NULL DEFAULT 'task',
		creator_id TEXT NOT NULL,
		assignee_id TEXT,
		order_index REAL,
		due_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
		FOREIGN KEY (creator_id) REFERENCES profiles(id),
		FOREIGN KEY (assignee_id) REFERENCES profiles(id)
	);

	CREATE TABLE IF NOT EXISTS comments (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		content TEXT NOT NULL,
		edited INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (ticket_id) REFERENCES tickets(id) ON DELETE CASCADE,
		FOREIGN KEY (author_id) REFERENCES profiles(id)
	);

	CREATE INDEX IF NOT EXISTS idx_tickets_project ON tickets(project_id);
	CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
	CREATE INDEX IF NOT EXISTS idx_tickets_assignee ON tickets(assignee_id);
	CREATE INDEX IF NOT EXISTS idx_tickets_order ON tickets(project_id, order_index);
	CREATE INDEX IF NOT EXISTS idx_comments_ticket ON comments(ticket_id, created_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// publish sends a change event to the broker, if one is attached.
func (s *Store) publish(ev stream.Event) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(ev)
}

// dateToNullString converts an optional time to a nullable calendar-date
// string. Due dates compare by day, not instant.
func dateToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format("2006-01-02"), Valid: true}
}

// nullStringToTime parses a nullable RFC 3339 or date-only string back to an
// optional time.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, ns.String); err == nil {
		return &t
	}
	if t, err := time.Parse("2006-01-02", ns.String); err == nil {
		return &t
	}
	return nil
}

// parseTime parses a required RFC 3339 timestamp column.
func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
