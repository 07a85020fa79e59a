package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/model"
)

const defaultMaxAttempts = 3

// EnqueueTask inserts a new task in PENDING.
func (s *Store) EnqueueTask(task model.Task) (*model.Task, error) {
	if task.AgentKind == "" {
		return nil, fmt.Errorf("agent_kind is required: %w", fault.ErrConfig)
	}
	if strings.TrimSpace(task.Kind) == "" {
		return nil, fmt.Errorf("task kind is required: %w", fault.ErrConfig)
	}
	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = model.TaskPending
	}
	if task.Priority < 1 || task.Priority > 10 {
		task.Priority = model.PriorityDefault
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = defaultMaxAttempts
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.NotBefore.IsZero() {
		task.NotBefore = task.CreatedAt
	}

	_, err := s.db.Exec(`INSERT INTO tasks
		(id, tenant_id, agent_id, agent_kind, kind, priority, payload, status, attempts, max_attempts, created_at, not_before, started_at, completed_at, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.TenantID,
		task.AgentID,
		string(task.AgentKind),
		task.Kind,
		task.Priority,
		jsonText(task.Payload, "{}"),
		string(task.Status),
		task.Attempts,
		task.MaxAttempts,
		task.CreatedAt.UTC().Format(time.RFC3339Nano),
		task.NotBefore.UTC().Format(time.RFC3339Nano),
		nullableTime(task.StartedAt),
		nullableTime(task.CompletedAt),
		jsonText(task.Result, ""),
		task.Error,
	)
	if err != nil {
		return nil, storageErr("enqueue task", err)
	}
	out := task
	return &out, nil
}

// ClaimNextTask atomically assigns the oldest due PENDING or RETRY task
// routed to the given agent kind. Order is priority ascending (1 is most
// urgent), then enqueue time — except when the starvation guard trips: after
// enough consecutive claims skipped over waiting lower-priority work, one
// task past the age threshold is promoted out of priority order. Returns
// (nil, nil) when nothing is due.
func (s *Store) ClaimNextTask(agentID string, kind model.AgentKind, now time.Time) (*model.Task, error) {
	s.claimMu.Lock()
	served := s.highServed[kind]
	limit := s.highLimit
	threshold := s.starveAfter
	s.claimMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, storageErr("begin claim", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowTS := now.UTC().Format(time.RFC3339Nano)
	row := tx.QueryRow(selectTask+`
		WHERE agent_kind = ? AND status IN (?, ?) AND not_before <= ?
		ORDER BY priority ASC, created_at ASC
		LIMIT 1`,
		string(kind),
		string(model.TaskPending),
		string(model.TaskRetry),
		nowTS,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		s.noteClaim(kind, false, false)
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("claim select", err)
	}

	promoted := false
	if served >= limit {
		cutoff := now.Add(-threshold).UTC().Format(time.RFC3339Nano)
		row := tx.QueryRow(selectTask+`
			WHERE agent_kind = ? AND status IN (?, ?) AND not_before <= ? AND priority > ? AND created_at <= ?
			ORDER BY created_at ASC
			LIMIT 1`,
			string(kind),
			string(model.TaskPending),
			string(model.TaskRetry),
			nowTS,
			task.Priority,
			cutoff,
		)
		aged, err := scanTask(row)
		switch {
		case err == nil:
			task = aged
			promoted = true
		case errors.Is(err, sql.ErrNoRows):
			// nothing starved yet, keep the best-priority pick
		default:
			return nil, storageErr("claim aged select", err)
		}
	}

	var lowerWaiting int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM tasks
		WHERE agent_kind = ? AND status IN (?, ?) AND not_before <= ? AND priority > ? AND id != ?`,
		string(kind),
		string(model.TaskPending),
		string(model.TaskRetry),
		nowTS,
		task.Priority,
		task.ID,
	).Scan(&lowerWaiting); err != nil {
		return nil, storageErr("claim fairness count", err)
	}

	res, err := tx.Exec(`UPDATE tasks SET status = ?, agent_id = ? WHERE id = ? AND status IN (?, ?)`,
		string(model.TaskAssigned),
		agentID,
		task.ID,
		string(model.TaskPending),
		string(model.TaskRetry),
	)
	if err != nil {
		return nil, storageErr("claim update", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("claim commit", err)
	}
	s.noteClaim(kind, promoted, lowerWaiting > 0)

	task.Status = model.TaskAssigned
	task.AgentID = agentID
	return task, nil
}

// noteClaim updates the per-kind fairness counter: it grows only while
// claims keep passing over due lower-priority work and resets once a task is
// promoted or nothing is left behind.
func (s *Store) noteClaim(kind model.AgentKind, promoted, skippedLower bool) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	if promoted || !skippedLower {
		s.highServed[kind] = 0
		return
	}
	s.highServed[kind]++
}

// StartTask flips ASSIGNED → RUNNING and stamps started_at.
func (s *Store) StartTask(id string, now time.Time) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(model.TaskRunning),
		now.UTC().Format(time.RFC3339Nano),
		id,
		string(model.TaskAssigned),
	)
	if err != nil {
		return storageErr("start task", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task %s: not ASSIGNED: %w", id, fault.ErrIllegalTransition)
	}
	return nil
}

// CompleteTask finalizes a RUNNING task as COMPLETED with its result.
func (s *Store) CompleteTask(id string, result map[string]any, attempts int, now time.Time) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, result = ?, attempts = ?, completed_at = ?, error = '' WHERE id = ? AND status = ?`,
		string(model.TaskCompleted),
		jsonText(result, "{}"),
		attempts,
		now.UTC().Format(time.RFC3339Nano),
		id,
		string(model.TaskRunning),
	)
	if err != nil {
		return storageErr("complete task", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task %s: not RUNNING: %w", id, fault.ErrIllegalTransition)
	}
	return nil
}

// RetryTask sends a RUNNING task back to RETRY with its backoff deadline.
func (s *Store) RetryTask(id, errMsg string, attempts int, notBefore time.Time) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, error = ?, attempts = ?, not_before = ?, agent_id = '' WHERE id = ? AND status = ?`,
		string(model.TaskRetry),
		errMsg,
		attempts,
		notBefore.UTC().Format(time.RFC3339Nano),
		id,
		string(model.TaskRunning),
	)
	if err != nil {
		return storageErr("retry task", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task %s: not RUNNING: %w", id, fault.ErrIllegalTransition)
	}
	return nil
}

// FailTask finalizes a RUNNING task as FAILED once attempts are exhausted.
func (s *Store) FailTask(id, errMsg string, attempts int, now time.Time) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, error = ?, attempts = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(model.TaskFailed),
		errMsg,
		attempts,
		now.UTC().Format(time.RFC3339Nano),
		id,
		string(model.TaskRunning),
	)
	if err != nil {
		return storageErr("fail task", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task %s: not RUNNING: %w", id, fault.ErrIllegalTransition)
	}
	return nil
}

// GetTask returns one task by id.
func (s *Store) GetTask(id string) (*model.Task, error) {
	row := s.db.QueryRow(selectTask+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("task", id)
	}
	if err != nil {
		return nil, storageErr("get task", err)
	}
	return task, nil
}

// ResetOrphanedTasks sends every ASSIGNED or RUNNING task back to RETRY.
// Called once on startup: tasks stranded by a crash get a fresh backoff
// deadline computed by backoff from the attempts they would be on next.
func (s *Store) ResetOrphanedTasks(now time.Time, backoff func(attempts int) time.Duration) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, storageErr("begin reset", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT id, attempts FROM tasks WHERE status IN (?, ?)`,
		string(model.TaskAssigned),
		string(model.TaskRunning),
	)
	if err != nil {
		return 0, storageErr("select orphaned tasks", err)
	}
	type orphan struct {
		id       string
		attempts int
	}
	orphans := make([]orphan, 0)
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.id, &o.attempts); err != nil {
			continue
		}
		orphans = append(orphans, o)
	}
	if err := rows.Close(); err != nil {
		return 0, storageErr("close orphan rows", err)
	}

	for _, o := range orphans {
		notBefore := now
		if backoff != nil {
			notBefore = now.Add(backoff(o.attempts + 1))
		}
		if _, err := tx.Exec(`UPDATE tasks SET status = ?, agent_id = '', not_before = ? WHERE id = ?`,
			string(model.TaskRetry),
			notBefore.UTC().Format(time.RFC3339Nano),
			o.id,
		); err != nil {
			return 0, storageErr("reset orphaned task", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("commit reset", err)
	}
	return len(orphans), nil
}

// CountTasksByStatus reports queue depth per status.
func (s *Store) CountTasksByStatus() (map[model.TaskStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, storageErr("count tasks", err)
	}
	defer rows.Close()

	out := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			continue
		}
		out[model.TaskStatus(status)] = n
	}
	return out, rows.Err()
}

const selectTask = `SELECT id, tenant_id, agent_id, agent_kind, kind, priority, payload, status, attempts, max_attempts, created_at, not_before, started_at, completed_at, result, error FROM tasks`

func scanTask(sc scanner) (*model.Task, error) {
	var (
		task                 model.Task
		agentKind            string
		payload              string
		status               string
		createdAt, notBefore string
		startedAt            sql.NullString
		completedAt          sql.NullString
		result               sql.NullString
	)
	if err := sc.Scan(
		&task.ID,
		&task.TenantID,
		&task.AgentID,
		&agentKind,
		&task.Kind,
		&task.Priority,
		&payload,
		&status,
		&task.Attempts,
		&task.MaxAttempts,
		&createdAt,
		&notBefore,
		&startedAt,
		&completedAt,
		&result,
		&task.Error,
	); err != nil {
		return nil, err
	}

	task.AgentKind = model.AgentKind(agentKind)
	task.Status = model.TaskStatus(status)
	task.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	task.NotBefore, _ = time.Parse(time.RFC3339Nano, notBefore)
	task.StartedAt = parseNullableTime(startedAt)
	task.CompletedAt = parseNullableTime(completedAt)
	fromJSONText(payload, &task.Payload)
	if result.Valid {
		fromJSONText(result.String, &task.Result)
	}
	return &task, nil
}
