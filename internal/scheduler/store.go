package scheduler

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/model"
)

// Job is one recurring collection schedule.
type Job struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	AgentKind  model.AgentKind `json:"agent_kind"`
	TaskKind   string          `json:"task_kind"` // e.g. "aws.s3.scan"
	Schedule   string          `json:"schedule"`  // cron expression or Go duration
	Payload    map[string]any  `json:"payload,omitempty"`
	Enabled    bool            `json:"enabled"`
	NextFireAt time.Time       `json:"next_fire_at"`
	LastFireAt *time.Time      `json:"last_fire_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Store persists recurring jobs in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a jobs database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open jobs db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		agent_kind   TEXT NOT NULL,
		task_kind    TEXT NOT NULL,
		schedule     TEXT NOT NULL,
		payload      TEXT NOT NULL DEFAULT '{}',
		enabled      INTEGER NOT NULL DEFAULT 1,
		next_fire_at TEXT NOT NULL,
		last_fire_at TEXT,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(enabled, next_fire_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON jobs(tenant_id)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateJob inserts a new recurring job. The first fire time is computed
// from the schedule.
func (s *Store) CreateJob(job Job) (*Job, error) {
	if strings.TrimSpace(job.TenantID) == "" {
		return nil, fmt.Errorf("tenant_id is required: %w", fault.ErrConfig)
	}
	if job.AgentKind == "" {
		return nil, fmt.Errorf("agent_kind is required: %w", fault.ErrConfig)
	}
	if strings.TrimSpace(job.TaskKind) == "" {
		return nil, fmt.Errorf("task_kind is required: %w", fault.ErrConfig)
	}

	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.NextFireAt.IsZero() {
		next, err := NextFire(job.Schedule, now)
		if err != nil {
			return nil, err
		}
		job.NextFireAt = next
	}

	enabled := 0
	if job.Enabled {
		enabled = 1
	}
	_, err := s.db.Exec(`INSERT INTO jobs (id, tenant_id, agent_kind, task_kind, schedule, payload, enabled, next_fire_at, last_fire_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.TenantID,
		string(job.AgentKind),
		strings.TrimSpace(job.TaskKind),
		strings.TrimSpace(job.Schedule),
		jsonText(job.Payload),
		enabled,
		job.NextFireAt.UTC().Format(time.RFC3339Nano),
		nullableTime(job.LastFireAt),
		job.CreatedAt.Format(time.RFC3339Nano),
		job.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %v: %w", err, fault.ErrStorage)
	}
	out := job
	return &out, nil
}

// SetEnabled flips a job's enabled state.
func (s *Store) SetEnabled(id string, enabled bool) error {
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	res, err := s.db.Exec(`UPDATE jobs SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabledInt, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set enabled: %v: %w", err, fault.ErrStorage)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("job %s: %w", id, fault.ErrNotFound)
	}
	return nil
}

// DeleteJob removes a job.
func (s *Store) DeleteJob(id string) error {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %v: %w", err, fault.ErrStorage)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("job %s: %w", id, fault.ErrNotFound)
	}
	return nil
}

// GetJob returns one job by id.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(selectJobs+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %v: %w", err, fault.ErrStorage)
	}
	return job, nil
}

// ListJobs returns all jobs, newest update first.
func (s *Store) ListJobs() ([]Job, error) {
	rows, err := s.db.Query(selectJobs + ` ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %v: %w", err, fault.ErrStorage)
	}
	defer rows.Close()

	out := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			continue
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// ListDue returns enabled jobs with next_fire_at ≤ now, oldest due first.
func (s *Store) ListDue(now time.Time) ([]Job, error) {
	rows, err := s.db.Query(selectJobs+` WHERE enabled = 1 AND next_fire_at <= ? ORDER BY next_fire_at ASC`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %v: %w", err, fault.ErrStorage)
	}
	defer rows.Close()

	out := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			continue
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// MarkFired stamps last_fire_at and advances next_fire_at.
func (s *Store) MarkFired(id string, firedAt, next time.Time) error {
	res, err := s.db.Exec(`UPDATE jobs SET last_fire_at = ?, next_fire_at = ?, updated_at = ? WHERE id = ?`,
		firedAt.UTC().Format(time.RFC3339Nano),
		next.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark fired: %v: %w", err, fault.ErrStorage)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("job %s: %w", id, fault.ErrNotFound)
	}
	return nil
}

const selectJobs = `SELECT id, tenant_id, agent_kind, task_kind, schedule, payload, enabled, next_fire_at, last_fire_at, created_at, updated_at FROM jobs`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*Job, error) {
	var (
		job                  Job
		agentKind            string
		payload              string
		enabled              int
		nextFireAt           string
		lastFireAt           sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(
		&job.ID,
		&job.TenantID,
		&agentKind,
		&job.TaskKind,
		&job.Schedule,
		&payload,
		&enabled,
		&nextFireAt,
		&lastFireAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	job.AgentKind = model.AgentKind(agentKind)
	job.Enabled = enabled == 1
	job.NextFireAt, _ = time.Parse(time.RFC3339Nano, nextFireAt)
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if lastFireAt.Valid && lastFireAt.String != "" {
		if ts, err := time.Parse(time.RFC3339Nano, lastFireAt.String); err == nil {
			job.LastFireAt = &ts
		}
	}
	unmarshalPayload(payload, &job.Payload)
	return &job, nil
}

func nullableTime(ts *time.Time) sql.NullString {
	if ts == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ts.UTC().Format(time.RFC3339Nano), Valid: true}
}
