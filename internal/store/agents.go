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

// AgentQuery filters agent listings. Zero values match everything.
type AgentQuery struct {
	TenantID string
	Kind     model.AgentKind
	Status   model.AgentStatus
}

// PutAgent inserts a new agent or replaces an existing row wholesale.
// Lifecycle changes must go through CASAgentStatus instead.
func (s *Store) PutAgent(agent model.Agent) (*model.Agent, error) {
	if strings.TrimSpace(agent.TenantID) == "" {
		return nil, fmt.Errorf("tenant_id is required: %w", fault.ErrConfig)
	}
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.Status == "" {
		agent.Status = model.AgentCreated
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`INSERT OR REPLACE INTO agents
		(id, tenant_id, kind, config, status, created_at, last_heartbeat_at, last_error, error_count, metrics)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID,
		agent.TenantID,
		string(agent.Kind),
		jsonText(agent.Config, "{}"),
		string(agent.Status),
		agent.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(agent.LastHeartbeatAt),
		agent.LastError,
		agent.ErrorCount,
		jsonText(agent.Metrics, "{}"),
	)
	if err != nil {
		return nil, storageErr("put agent", err)
	}
	out := agent
	return &out, nil
}

// LoadAgent returns one agent by id.
func (s *Store) LoadAgent(id string) (*model.Agent, error) {
	row := s.db.QueryRow(`SELECT id, tenant_id, kind, config, status, created_at, last_heartbeat_at, last_error, error_count, metrics
		FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("agent", id)
	}
	if err != nil {
		return nil, storageErr("load agent", err)
	}
	return agent, nil
}

// ListAgents returns agents matching the filter, oldest first.
func (s *Store) ListAgents(q AgentQuery) ([]model.Agent, error) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if q.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if q.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(q.Status))
	}

	stmt := `SELECT id, tenant_id, kind, config, status, created_at, last_heartbeat_at, last_error, error_count, metrics FROM agents`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	stmt += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, storageErr("list agents", err)
	}
	defer rows.Close()

	out := make([]model.Agent, 0)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			continue
		}
		out = append(out, *agent)
	}
	return out, rows.Err()
}

// CASAgentStatus flips the agent's status from → to atomically. It fails
// with IllegalTransition when from → to is not a legal lifecycle edge, and
// with NotFound when the row is absent or no longer in `from`.
func (s *Store) CASAgentStatus(id string, from, to model.AgentStatus) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("agent %s: %s -> %s: %w", id, from, to, fault.ErrIllegalTransition)
	}
	res, err := s.db.Exec(`UPDATE agents SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return storageErr("cas agent status", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		// Distinguish a missing agent from a lost CAS race.
		if _, err := s.LoadAgent(id); err != nil {
			return err
		}
		return fmt.Errorf("agent %s: not in %s: %w", id, from, fault.ErrIllegalTransition)
	}
	return nil
}

// SetAgentError records the latest failure and bumps the error counter.
func (s *Store) SetAgentError(id, msg string) error {
	res, err := s.db.Exec(`UPDATE agents SET last_error = ?, error_count = error_count + 1 WHERE id = ?`, msg, id)
	if err != nil {
		return storageErr("set agent error", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return notFoundErr("agent", id)
	}
	return nil
}

// RecordHeartbeat appends one heartbeat row and refreshes the agent's
// last_heartbeat_at and metrics snapshot in a single transaction.
func (s *Store) RecordHeartbeat(agentID string, at time.Time, m model.AgentMetrics) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("begin heartbeat", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := at.UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(`INSERT INTO heartbeats (agent_id, at, cpu, rss_bytes, in_flight, collected, errors, last_latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		agentID, ts, m.CPU, m.RSSBytes, m.InFlight, m.Collected, m.Errors, m.LastLatencyMS,
	); err != nil {
		return storageErr("insert heartbeat", err)
	}

	res, err := tx.Exec(`UPDATE agents SET last_heartbeat_at = ?, metrics = ? WHERE id = ?`,
		ts, jsonText(m, "{}"), agentID)
	if err != nil {
		return storageErr("update agent heartbeat", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return notFoundErr("agent", agentID)
	}
	return tx.Commit()
}

// LastHeartbeat returns the most recent heartbeat time for the agent, or
// nil when the agent has never reported.
func (s *Store) LastHeartbeat(agentID string) (*time.Time, error) {
	var at sql.NullString
	err := s.db.QueryRow(`SELECT MAX(at) FROM heartbeats WHERE agent_id = ?`, agentID).Scan(&at)
	if err != nil {
		return nil, storageErr("last heartbeat", err)
	}
	return parseNullableTime(at), nil
}

// FleetSummary counts agents per lifecycle status.
func (s *Store) FleetSummary() (map[model.AgentStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, storageErr("fleet summary", err)
	}
	defer rows.Close()

	out := make(map[model.AgentStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			continue
		}
		out[model.AgentStatus(status)] = n
	}
	return out, rows.Err()
}

func scanAgent(sc scanner) (*model.Agent, error) {
	var (
		agent         model.Agent
		kind, status  string
		config        string
		createdAt     string
		lastHeartbeat sql.NullString
		metrics       string
	)
	if err := sc.Scan(
		&agent.ID,
		&agent.TenantID,
		&kind,
		&config,
		&status,
		&createdAt,
		&lastHeartbeat,
		&agent.LastError,
		&agent.ErrorCount,
		&metrics,
	); err != nil {
		return nil, err
	}

	agent.Kind = model.AgentKind(kind)
	agent.Status = model.AgentStatus(status)
	agent.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	agent.LastHeartbeatAt = parseNullableTime(lastHeartbeat)
	fromJSONText(config, &agent.Config)
	fromJSONText(metrics, &agent.Metrics)
	return &agent, nil
}
