package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
)

// SQLite persists events to a SQLite database.
// It is suitable for single-process production use where event history
// must survive restarts.
type SQLite struct {
	db     *sql.DB
	max    int
	mu     sync.RWMutex
	closed bool
}

// NewSQLite creates a SQLite-backed event store. The path should be a file
// path (e.g. "./events.db") or ":memory:" for testing. maxEvents <= 0 uses
// DefaultMaxEvents.
func NewSQLite(path string, maxEvents int) (*SQLite, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			data BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return &SQLite{db: db, max: maxEvents}, nil
}

// Append implements Store.
func (s *SQLite) Append(evt *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	data, err := event.Encode(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO events (id, type, correlation_id, timestamp, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data
	`, evt.ID, evt.Type, evt.CorrelationID,
		evt.Timestamp.UTC().Format(time.RFC3339Nano), data)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	// Evict oldest rows beyond the cap
	_, err = s.db.Exec(`
		DELETE FROM events WHERE rowid IN (
			SELECT rowid FROM events ORDER BY rowid DESC LIMIT -1 OFFSET ?
		)
	`, s.max)
	if err != nil {
		return fmt.Errorf("evict events: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLite) Get(id string) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var data []byte
	err := s.db.QueryRow(`SELECT data FROM events WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	return event.Decode(data)
}

// ByCorrelation implements Store.
func (s *SQLite) ByCorrelation(correlationID string) ([]*event.Event, error) {
	return s.query(`SELECT data FROM events WHERE correlation_id = ? ORDER BY rowid`, correlationID)
}

// ByType implements Store.
func (s *SQLite) ByType(eventType string) ([]*event.Event, error) {
	return s.query(`SELECT data FROM events WHERE type = ? ORDER BY rowid`, eventType)
}

func (s *SQLite) query(stmt string, arg string) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(stmt, arg)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt, err := event.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Len implements Store.
func (s *SQLite) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
