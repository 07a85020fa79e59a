package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/velocityhq/velocity/internal/model"
)

// PutResult reports the outcome of an insert-or-touch.
type PutResult struct {
	Inserted   bool
	ExistingID string // set when the row was a duplicate
}

// EvidenceQuery filters evidence listings. Zero values match everything.
type EvidenceQuery struct {
	TenantID  string
	Kind      string
	Source    model.AgentKind
	Framework model.Framework
	Status    model.ComplianceStatus
	Limit     int
}

// PutEvidenceIfAbsent inserts evidence keyed by (tenant_id, content_hash).
// On a duplicate it only refreshes collected_at on the earliest row and
// returns its id; the stored verdict and data are never overwritten.
func (s *Store) PutEvidenceIfAbsent(ev model.Evidence) (PutResult, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CollectedAt.IsZero() {
		ev.CollectedAt = time.Now().UTC()
	}
	if ev.ComplianceStatus == "" {
		ev.ComplianceStatus = model.ComplianceUnknown
	}
	if ev.Risk == "" {
		ev.Risk = model.RiskUnknown
	}

	tx, err := s.db.Begin()
	if err != nil {
		return PutResult{}, storageErr("begin put evidence", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingID string
	err = tx.QueryRow(`SELECT id FROM evidence WHERE tenant_id = ? AND content_hash = ?`,
		ev.TenantID, ev.ContentHash).Scan(&existingID)
	switch {
	case err == nil:
		if _, err := tx.Exec(`UPDATE evidence SET collected_at = ? WHERE id = ?`,
			ev.CollectedAt.UTC().Format(time.RFC3339Nano), existingID); err != nil {
			return PutResult{}, storageErr("touch evidence", err)
		}
		if err := tx.Commit(); err != nil {
			return PutResult{}, storageErr("commit touch", err)
		}
		return PutResult{Inserted: false, ExistingID: existingID}, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return PutResult{}, storageErr("lookup evidence", err)
	}

	automated := 0
	if ev.Automated {
		automated = 1
	}
	if _, err := tx.Exec(`INSERT INTO evidence
		(id, agent_id, tenant_id, kind, source, resource_ref, collected_at, content_hash, size_bytes, frameworks, data, automated, compliance_status, risk, findings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID,
		ev.AgentID,
		ev.TenantID,
		ev.Kind,
		string(ev.Source),
		ev.ResourceRef,
		ev.CollectedAt.UTC().Format(time.RFC3339Nano),
		ev.ContentHash,
		ev.SizeBytes,
		jsonText(ev.Frameworks, "[]"),
		jsonText(ev.Data, "{}"),
		automated,
		string(ev.ComplianceStatus),
		string(ev.Risk),
		jsonText(ev.Findings, "[]"),
	); err != nil {
		return PutResult{}, storageErr("insert evidence", err)
	}
	if err := tx.Commit(); err != nil {
		return PutResult{}, storageErr("commit insert", err)
	}
	return PutResult{Inserted: true}, nil
}

// GetEvidence returns one evidence row by id.
func (s *Store) GetEvidence(id string) (*model.Evidence, error) {
	row := s.db.QueryRow(selectEvidence+` WHERE id = ?`, id)
	ev, err := scanEvidence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("evidence", id)
	}
	if err != nil {
		return nil, storageErr("get evidence", err)
	}
	return ev, nil
}

// ListEvidence returns evidence matching the filter, newest first.
func (s *Store) ListEvidence(q EvidenceQuery) ([]model.Evidence, error) {
	clauses := make([]string, 0, 5)
	args := make([]any, 0, 6)
	if q.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if q.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, q.Kind)
	}
	if q.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, string(q.Source))
	}
	if q.Framework != "" {
		// frameworks is a JSON array of quoted names.
		clauses = append(clauses, "frameworks LIKE ?")
		args = append(args, `%"`+string(q.Framework)+`"%`)
	}
	if q.Status != "" {
		clauses = append(clauses, "compliance_status = ?")
		args = append(args, string(q.Status))
	}

	stmt := selectEvidence
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	stmt += ` ORDER BY collected_at DESC LIMIT ?`
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	args = append(args, limit)

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, storageErr("list evidence", err)
	}
	defer rows.Close()

	out := make([]model.Evidence, 0, limit)
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			continue
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// UpdateEvidenceVerdict replaces the stored compliance verdict on one row.
// Used when rules change and evidence is re-evaluated in place.
func (s *Store) UpdateEvidenceVerdict(id string, status model.ComplianceStatus, risk model.Risk, findings []model.Finding) error {
	res, err := s.db.Exec(`UPDATE evidence SET compliance_status = ?, risk = ?, findings = ? WHERE id = ?`,
		string(status), string(risk), jsonText(findings, "[]"), id)
	if err != nil {
		return storageErr("update evidence verdict", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update evidence verdict", err)
	}
	if n == 0 {
		return notFoundErr("evidence", id)
	}
	return nil
}

// GetTrustInputs streams every evidence row for the tenant into fn in
// collected order. fn returning an error stops the stream.
func (s *Store) GetTrustInputs(tenantID string, fn func(model.Evidence) error) error {
	rows, err := s.db.Query(selectEvidence+` WHERE tenant_id = ? ORDER BY collected_at ASC`, tenantID)
	if err != nil {
		return storageErr("trust inputs", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			continue
		}
		if err := fn(*ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

const selectEvidence = `SELECT id, agent_id, tenant_id, kind, source, resource_ref, collected_at, content_hash, size_bytes, frameworks, data, automated, compliance_status, risk, findings FROM evidence`

func scanEvidence(sc scanner) (*model.Evidence, error) {
	var (
		ev          model.Evidence
		source      string
		collectedAt string
		frameworks  string
		data        string
		automated   int
		status      string
		risk        string
		findings    string
	)
	if err := sc.Scan(
		&ev.ID,
		&ev.AgentID,
		&ev.TenantID,
		&ev.Kind,
		&source,
		&ev.ResourceRef,
		&collectedAt,
		&ev.ContentHash,
		&ev.SizeBytes,
		&frameworks,
		&data,
		&automated,
		&status,
		&risk,
		&findings,
	); err != nil {
		return nil, err
	}

	ev.Source = model.AgentKind(source)
	ev.CollectedAt, _ = time.Parse(time.RFC3339Nano, collectedAt)
	ev.Automated = automated == 1
	ev.ComplianceStatus = model.ComplianceStatus(status)
	ev.Risk = model.Risk(risk)
	fromJSONText(frameworks, &ev.Frameworks)
	fromJSONText(data, &ev.Data)
	fromJSONText(findings, &ev.Findings)
	return &ev, nil
}
