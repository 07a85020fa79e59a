package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists audit events in SQLite, bounded to the last N entries per
// subject. It wraps the in-memory Log so recent queries stay cheap.
type Store struct {
	db         *sql.DB
	log        *Log
	perSubject int
}

// NewStore opens (or creates) a SQLite-backed audit store. perSubject bounds
// how many rows each (subject_kind, subject_id) keeps; 0 means unbounded.
func NewStore(dbPath string, memoryLimit, perSubject int) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_events (
		id           TEXT PRIMARY KEY,
		timestamp    TEXT NOT NULL,
		type         TEXT NOT NULL,
		subject_kind TEXT NOT NULL,
		subject_id   TEXT NOT NULL,
		actor        TEXT,
		summary      TEXT,
		detail       TEXT
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit_events table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_events(subject_kind, subject_id, timestamp DESC)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(type)`)

	s := &Store{
		db:         db,
		log:        NewLog(memoryLimit),
		perSubject: perSubject,
	}
	if err := s.loadRecent(memoryLimit); err != nil {
		_ = err // non-fatal, the store still works
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record persists an event and mirrors it into the memory ring. Rows beyond
// the per-subject bound are pruned oldest first.
func (s *Store) Record(evt Event) error {
	enrich(&evt)

	detail := ""
	if evt.Detail != nil {
		if b, err := json.Marshal(evt.Detail); err == nil {
			detail = string(b)
		}
	}

	_, err := s.db.Exec(`INSERT INTO audit_events (id, timestamp, type, subject_kind, subject_id, actor, summary, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID,
		evt.Timestamp.UTC().Format(time.RFC3339Nano),
		string(evt.Type),
		evt.SubjectKind,
		evt.SubjectID,
		evt.Actor,
		evt.Summary,
		detail,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	if s.perSubject > 0 {
		_, _ = s.db.Exec(`DELETE FROM audit_events WHERE subject_kind = ? AND subject_id = ? AND id NOT IN (
			SELECT id FROM audit_events WHERE subject_kind = ? AND subject_id = ? ORDER BY timestamp DESC LIMIT ?
		)`, evt.SubjectKind, evt.SubjectID, evt.SubjectKind, evt.SubjectID, s.perSubject)
	}

	s.log.Record(evt)
	return nil
}

// Emit is a convenience for recording an event with minimal args.
func (s *Store) Emit(typ EventType, subjectKind, subjectID, summary string) {
	_ = s.Record(Event{
		Type:        typ,
		SubjectKind: subjectKind,
		SubjectID:   subjectID,
		Actor:       "system",
		Summary:     summary,
	})
}

// Recent returns the N most recent events from the memory ring.
func (s *Store) Recent(n int) []Event {
	return s.log.Recent(n)
}

// Query reads matching events from disk, newest first.
func (s *Store) Query(f Filter) ([]Event, error) {
	clauses := make([]string, 0, 5)
	args := make([]any, 0, 6)
	if f.SubjectKind != "" {
		clauses = append(clauses, "subject_kind = ?")
		args = append(args, f.SubjectKind)
	}
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}

	stmt := `SELECT id, timestamp, type, subject_kind, subject_id, actor, summary, detail FROM audit_events`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	stmt += ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			continue
		}
		out = append(out, *evt)
	}
	return out, rows.Err()
}

func (s *Store) loadRecent(limit int) error {
	if limit <= 0 {
		limit = 1024
	}
	events, err := s.Query(Filter{Limit: limit})
	if err != nil {
		return err
	}
	// Query is newest first; replay oldest first to keep ring order.
	for i := len(events) - 1; i >= 0; i-- {
		s.log.Record(events[i])
	}
	return nil
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var (
		evt    Event
		ts     string
		typ    string
		detail sql.NullString
	)
	if err := rows.Scan(&evt.ID, &ts, &typ, &evt.SubjectKind, &evt.SubjectID, &evt.Actor, &evt.Summary, &detail); err != nil {
		return nil, err
	}
	evt.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	evt.Type = EventType(typ)
	if detail.Valid && detail.String != "" {
		var v any
		if err := json.Unmarshal([]byte(detail.String), &v); err == nil {
			evt.Detail = v
		}
	}
	return &evt, nil
}
