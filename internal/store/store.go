// Package store persists agents, tasks, evidence, heartbeats and trust
// score snapshots in SQLite. It is the only cross-goroutine shared mutable
// state in the control plane; every other component goes through it.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/model"
)

const (
	heartbeatRetention = 24 * time.Hour
	defaultListLimit   = 100
	maxListLimit       = 1000

	defaultStarvationThreshold = 5 * time.Minute
	defaultHighServeLimit      = 10
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB

	// Claim fairness: after highLimit consecutive claims per agent kind that
	// skipped over waiting lower-priority work, one task older than
	// starveAfter is served out of priority order.
	claimMu     sync.Mutex
	highServed  map[model.AgentKind]int
	starveAfter time.Duration
	highLimit   int
}

// Open opens (or creates) the control plane database.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS agents (
		id                TEXT PRIMARY KEY,
		tenant_id         TEXT NOT NULL,
		kind              TEXT NOT NULL,
		config            TEXT NOT NULL DEFAULT '{}',
		status            TEXT NOT NULL,
		created_at        TEXT NOT NULL,
		last_heartbeat_at TEXT,
		last_error        TEXT NOT NULL DEFAULT '',
		error_count       INTEGER NOT NULL DEFAULT 0,
		metrics           TEXT NOT NULL DEFAULT '{}'
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create agents table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		agent_id     TEXT NOT NULL DEFAULT '',
		agent_kind   TEXT NOT NULL,
		kind         TEXT NOT NULL,
		priority     INTEGER NOT NULL DEFAULT 5,
		payload      TEXT NOT NULL DEFAULT '{}',
		status       TEXT NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		created_at   TEXT NOT NULL,
		not_before   TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT,
		result       TEXT,
		error        TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS evidence (
		id                TEXT PRIMARY KEY,
		agent_id          TEXT NOT NULL,
		tenant_id         TEXT NOT NULL,
		kind              TEXT NOT NULL,
		source            TEXT NOT NULL,
		resource_ref      TEXT NOT NULL DEFAULT '',
		collected_at      TEXT NOT NULL,
		content_hash      TEXT NOT NULL,
		size_bytes        INTEGER NOT NULL DEFAULT 0,
		frameworks        TEXT NOT NULL DEFAULT '[]',
		data              TEXT NOT NULL DEFAULT '{}',
		automated         INTEGER NOT NULL DEFAULT 0,
		compliance_status TEXT NOT NULL DEFAULT 'UNKNOWN',
		risk              TEXT NOT NULL DEFAULT 'UNKNOWN',
		findings          TEXT NOT NULL DEFAULT '[]'
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create evidence table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS heartbeats (
		agent_id        TEXT NOT NULL,
		at              TEXT NOT NULL,
		cpu             REAL NOT NULL DEFAULT 0,
		rss_bytes       INTEGER NOT NULL DEFAULT 0,
		in_flight       INTEGER NOT NULL DEFAULT 0,
		collected       INTEGER NOT NULL DEFAULT 0,
		errors          INTEGER NOT NULL DEFAULT 0,
		last_latency_ms INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create heartbeats table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS trust_scores (
		tenant_id        TEXT NOT NULL,
		overall          REAL NOT NULL,
		by_pillar        TEXT NOT NULL DEFAULT '{}',
		by_framework     TEXT NOT NULL DEFAULT '{}',
		by_control       TEXT NOT NULL DEFAULT '{}',
		evidence_count   INTEGER NOT NULL DEFAULT 0,
		automation_ratio REAL NOT NULL DEFAULT 0,
		points           INTEGER NOT NULL DEFAULT 0,
		grade            TEXT NOT NULL DEFAULT '',
		computed_at      TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create trust_scores table: %w", err)
	}

	_, _ = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_evidence_tenant_hash ON evidence(tenant_id, content_hash)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(agent_kind, status, not_before, priority, created_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_heartbeats_agent ON heartbeats(agent_id, at DESC)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_trust_scores_tenant ON trust_scores(tenant_id, computed_at DESC)`)

	s := &Store{
		db:          db,
		highServed:  make(map[model.AgentKind]int),
		starveAfter: defaultStarvationThreshold,
		highLimit:   defaultHighServeLimit,
	}
	if err := s.pruneHeartbeatsOlderThan(heartbeatRetention); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prune heartbeats: %w", err)
	}
	return s, nil
}

// SetStarvationGuard tunes claim fairness. Zero values keep the current
// setting.
func (s *Store) SetStarvationGuard(threshold time.Duration, limit int) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	if threshold > 0 {
		s.starveAfter = threshold
	}
	if limit > 0 {
		s.highLimit = limit
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) pruneHeartbeatsOlderThan(age time.Duration) error {
	cutoff := time.Now().UTC().Add(-age).Format(time.RFC3339Nano)
	_, err := s.db.Exec(`DELETE FROM heartbeats WHERE at < ?`, cutoff)
	return err
}

// IsNotFound reports whether err marks a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, fault.ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// storageErr wraps a driver error as a storage fault.
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, fault.ErrStorage)
}

func notFoundErr(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, fault.ErrNotFound)
}

type scanner interface {
	Scan(dest ...any) error
}

func nullableTime(ts *time.Time) sql.NullString {
	if ts == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ts.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseNullableTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &ts
}

// jsonText marshals v for a TEXT column, defaulting to empty on nil.
func jsonText(v any, empty string) string {
	if v == nil {
		return empty
	}
	b, err := json.Marshal(v)
	if err != nil {
		return empty
	}
	return string(b)
}

func fromJSONText[T any](raw string, out *T) {
	if raw == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), out)
}
