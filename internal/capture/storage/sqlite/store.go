// Package sqlite persists capture sessions and their lifecycle events.
//
// Responsibilities: schema creation, session bookkeeping, append-only
// event recording (lock, capture, reset), and TTL-based pruning of old
// sessions. The store is optional; the pipeline runs without one.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the capture database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return NewStore(db)
}

// NewStore wraps an existing database handle and ensures the schema.
func NewStore(db *sql.DB) (*Store, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS capture_sessions (
			session_id        TEXT PRIMARY KEY,
			started_at        TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS capture_events (
			event_id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id        TEXT,
			kind              TEXT,
			payload           TEXT,
			created_at        TIMESTAMP,
			FOREIGN KEY(session_id) REFERENCES capture_sessions(session_id)
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordSessionStart registers a new capture session.
func (s *Store) RecordSessionStart(sessionID string, startedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO capture_sessions (session_id, started_at) VALUES (?, ?)`,
		sessionID, startedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", sessionID, err)
	}
	return nil
}

// Event is one recorded lifecycle event.
type Event struct {
	SessionID string
	Kind      string
	Payload   string
	CreatedAt time.Time
}

// RecordEvent appends a lifecycle event. The payload is stored as JSON;
// nil payloads store an empty object.
func (s *Store) RecordEvent(sessionID, kind string, payload any, at time.Time) error {
	body := []byte("{}")
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", kind, err)
		}
	}
	_, err := s.db.Exec(
		`INSERT INTO capture_events (session_id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, kind, string(body), at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", kind, err)
	}
	return nil
}

// SessionEvents returns a session's events in insertion order.
func (s *Store) SessionEvents(sessionID string) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT session_id, kind, payload, created_at
		 FROM capture_events WHERE session_id = ? ORDER BY event_id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.SessionID, &e.Kind, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneSessions deletes sessions older than ttl together with their
// events, returning the number of sessions removed.
func (s *Store) PruneSessions(ttl time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-ttl).UTC()

	_, err := s.db.Exec(
		`DELETE FROM capture_events WHERE session_id IN
		 (SELECT session_id FROM capture_sessions WHERE started_at < ?)`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}

	res, err := s.db.Exec(`DELETE FROM capture_sessions WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	return res.RowsAffected()
}
