// Package rules evaluates evidence against declarative compliance checks.
//
// Evaluation is pure and deterministic: no wall clock, no randomness, the
// same evidence always yields the same verdict.
package rules

import (
	"sort"
	"sync"

	"github.com/velocityhq/velocity/internal/model"
)

const compliantScore = 80

// Check is a pure scoring function over evidence data. It returns a score
// in [0,100] and optional messages.
type Check func(data map[string]any) (float64, []string)

// Rule is one declarative compliance check.
type Rule struct {
	ID          string
	Framework   model.Framework
	ControlID   string
	Severity    string
	AppliesTo   []string // evidence kinds
	Check       Check
	Remediation string
}

// Verdict is the aggregate result of evaluating one evidence row.
type Verdict struct {
	Status   model.ComplianceStatus
	Risk     model.Risk
	Findings []model.Finding
}

// Evaluator holds the rule registry.
type Evaluator struct {
	mu     sync.RWMutex
	byKind map[string][]Rule
}

// NewEvaluator creates an empty evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{byKind: make(map[string][]Rule)}
}

// Register adds a rule for every evidence kind it applies to.
func (e *Evaluator) Register(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, kind := range rule.AppliesTo {
		e.byKind[kind] = append(e.byKind[kind], rule)
		// Stable rule order keeps findings deterministic.
		sort.Slice(e.byKind[kind], func(i, j int) bool {
			return e.byKind[kind][i].ID < e.byKind[kind][j].ID
		})
	}
}

// RuleCount reports how many (kind, rule) registrations exist.
func (e *Evaluator) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, rs := range e.byKind {
		n += len(rs)
	}
	return n
}

// Evaluate runs every applicable rule over the evidence data.
func (e *Evaluator) Evaluate(evidenceKind string, data map[string]any) Verdict {
	e.mu.RLock()
	applicable := e.byKind[evidenceKind]
	e.mu.RUnlock()

	if len(applicable) == 0 {
		return Verdict{Status: model.ComplianceUnknown, Risk: model.RiskUnknown}
	}

	findings := make([]model.Finding, 0, len(applicable))
	failed := 0
	var sum float64
	for _, rule := range applicable {
		score, messages := rule.Check(data)
		if score < 0 {
			score = 0
		}
		if score > 100 {
			score = 100
		}
		if score < compliantScore {
			failed++
		}
		sum += score
		findings = append(findings, model.Finding{
			RuleID:   rule.ID,
			Control:  rule.ControlID,
			Score:    score,
			Messages: messages,
		})
	}

	status := model.CompliancePartial
	switch {
	case failed == 0:
		status = model.ComplianceCompliant
	case failed*2 > len(applicable):
		status = model.ComplianceNonCompliant
	}

	mean := sum / float64(len(applicable))
	risk := model.RiskCritical
	switch {
	case mean >= 90:
		risk = model.RiskLow
	case mean >= 70:
		risk = model.RiskMedium
	case mean >= 50:
		risk = model.RiskHigh
	}

	return Verdict{Status: status, Risk: risk, Findings: findings}
}
