package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrSinkClosed is returned after Close.
var ErrSinkClosed = errors.New("deadletter: sink is closed")

// SQLiteSink persists entries to a local SQLite database. It is the durable
// sink for single-host deployments.
type SQLiteSink struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteSink opens (or creates) the database at path. Use ":memory:" in
// tests.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			error_kind TEXT NOT NULL,
			error_message TEXT NOT NULL,
			attempt_count INTEGER NOT NULL,
			first_failure_at TEXT NOT NULL,
			written_at TEXT NOT NULL,
			original_event BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_dead_letters_event_id
		ON dead_letters(event_id)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Write implements Sink.
func (s *SQLiteSink) Write(ctx context.Context, e Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, event_id, event_type, error_kind, error_message,
			attempt_count, first_failure_at, written_at, original_event)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.EventID, e.EventType, e.ErrorKind, e.ErrorMessage, e.AttemptCount,
		e.FirstFailureAt.UTC().Format(time.RFC3339Nano),
		e.WrittenAt.UTC().Format(time.RFC3339Nano),
		[]byte(e.OriginalEvent))
	if err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	return nil
}

// ListByEvent returns the entries for eventID, oldest first.
func (s *SQLiteSink) ListByEvent(ctx context.Context, eventID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSinkClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, event_type, error_kind, error_message,
			attempt_count, first_failure_at, written_at, original_event
		FROM dead_letters
		WHERE event_id = ?
		ORDER BY written_at
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                Entry
			firstAt, written string
			original         []byte
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.ErrorKind, &e.ErrorMessage,
			&e.AttemptCount, &firstAt, &written, &original); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		e.FirstFailureAt, _ = time.Parse(time.RFC3339Nano, firstAt)
		e.WrittenAt, _ = time.Parse(time.RFC3339Nano, written)
		e.OriginalEvent = original
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ Sink = (*SQLiteSink)(nil)
