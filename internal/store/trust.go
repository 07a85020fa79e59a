package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/velocityhq/velocity/internal/model"
)

// PutTrustScore appends a computed score snapshot for the tenant.
func (s *Store) PutTrustScore(score model.TrustScore) error {
	if score.ComputedAt.IsZero() {
		score.ComputedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO trust_scores
		(tenant_id, overall, by_pillar, by_framework, by_control, evidence_count, automation_ratio, points, grade, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		score.TenantID,
		score.Overall,
		jsonText(score.ByPillar, "{}"),
		jsonText(score.ByFramework, "{}"),
		jsonText(score.ByControl, "{}"),
		score.EvidenceCount,
		score.AutomationRatio,
		score.Points,
		score.Grade,
		score.ComputedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return storageErr("put trust score", err)
	}
	return nil
}

// LatestTrustScore returns the newest snapshot for the tenant.
func (s *Store) LatestTrustScore(tenantID string) (*model.TrustScore, error) {
	row := s.db.QueryRow(`SELECT tenant_id, overall, by_pillar, by_framework, by_control, evidence_count, automation_ratio, points, grade, computed_at
		FROM trust_scores WHERE tenant_id = ? ORDER BY computed_at DESC LIMIT 1`, tenantID)

	var (
		score       model.TrustScore
		byPillar    string
		byFramework string
		byControl   string
		computedAt  string
	)
	err := row.Scan(
		&score.TenantID,
		&score.Overall,
		&byPillar,
		&byFramework,
		&byControl,
		&score.EvidenceCount,
		&score.AutomationRatio,
		&score.Points,
		&score.Grade,
		&computedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("trust score", tenantID)
	}
	if err != nil {
		return nil, storageErr("latest trust score", err)
	}
	score.ComputedAt, _ = time.Parse(time.RFC3339Nano, computedAt)
	fromJSONText(byPillar, &score.ByPillar)
	fromJSONText(byFramework, &score.ByFramework)
	fromJSONText(byControl, &score.ByControl)
	return &score, nil
}
