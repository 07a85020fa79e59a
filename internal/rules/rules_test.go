package rules

import (
	"reflect"
	"testing"

	"github.com/velocityhq/velocity/internal/model"
)

func TestEvaluateNoApplicableRules(t *testing.T) {
	e := DefaultEvaluator()
	v := e.Evaluate("unheard_of_kind", map[string]any{"x": 1})
	if v.Status != model.ComplianceUnknown || v.Risk != model.RiskUnknown {
		t.Fatalf("no rules should yield UNKNOWN/UNKNOWN, got %+v", v)
	}
	if len(v.Findings) != 0 {
		t.Fatalf("expected no findings, got %v", v.Findings)
	}
}

func TestEvaluateAllCompliant(t *testing.T) {
	e := DefaultEvaluator()
	v := e.Evaluate("aws_s3_buckets", map[string]any{
		"encrypted":             true,
		"public_access_blocked": true,
	})
	if v.Status != model.ComplianceCompliant {
		t.Fatalf("expected COMPLIANT, got %s", v.Status)
	}
	if v.Risk != model.RiskLow {
		t.Fatalf("mean 100 should be LOW risk, got %s", v.Risk)
	}
	if len(v.Findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(v.Findings))
	}
}

func TestEvaluateMajorityFail(t *testing.T) {
	e := DefaultEvaluator()
	v := e.Evaluate("aws_s3_buckets", map[string]any{
		"encrypted":             false,
		"public_access_blocked": false,
	})
	if v.Status != model.ComplianceNonCompliant {
		t.Fatalf("all failing should be NON_COMPLIANT, got %s", v.Status)
	}
	if v.Risk != model.RiskCritical {
		t.Fatalf("mean 0 should be CRITICAL, got %s", v.Risk)
	}
}

func TestEvaluatePartial(t *testing.T) {
	e := DefaultEvaluator()
	// One rule passes, one fails: not all compliant, not a majority failing.
	v := e.Evaluate("aws_s3_buckets", map[string]any{
		"encrypted":             true,
		"public_access_blocked": false,
	})
	if v.Status != model.CompliancePartial {
		t.Fatalf("half failing should be PARTIAL, got %s", v.Status)
	}
	if v.Risk != model.RiskHigh { // mean 50
		t.Fatalf("mean 50 should be HIGH, got %s", v.Risk)
	}
}

func TestRiskBands(t *testing.T) {
	e := NewEvaluator()
	e.Register(Rule{
		ID:        "fixed-score",
		AppliesTo: []string{"k"},
		Check: func(data map[string]any) (float64, []string) {
			return data["score"].(float64), nil
		},
	})
	cases := []struct {
		score float64
		risk  model.Risk
	}{
		{95, model.RiskLow},
		{90, model.RiskLow},
		{89.9, model.RiskMedium},
		{70, model.RiskMedium},
		{69.9, model.RiskHigh},
		{50, model.RiskHigh},
		{49.9, model.RiskCritical},
	}
	for _, tc := range cases {
		if v := e.Evaluate("k", map[string]any{"score": tc.score}); v.Risk != tc.risk {
			t.Errorf("score %v: expected %s, got %s", tc.score, tc.risk, v.Risk)
		}
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	e := DefaultEvaluator()
	data := map[string]any{
		"mfa_required":     true,
		"wildcard_actions": true,
	}
	first := e.Evaluate("aws_iam_policies", data)
	for i := 0; i < 5; i++ {
		again := e.Evaluate("aws_iam_policies", data)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("evaluation not deterministic: %+v vs %+v", first, again)
		}
	}
	// Findings sorted by rule id regardless of registration order.
	if first.Findings[0].RuleID != "aws-iam-mfa-enforced" {
		t.Fatalf("findings not in stable order: %+v", first.Findings)
	}
}

func TestMinCheckScaling(t *testing.T) {
	e := DefaultEvaluator()
	v := e.Evaluate("observability_log_retention", map[string]any{"retention_days": 180.0})
	if len(v.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %+v", v.Findings)
	}
	got := v.Findings[0].Score
	if got < 49 || got > 50 {
		t.Fatalf("180/365 days should score ~49.3, got %v", got)
	}
}

func TestScoreClamping(t *testing.T) {
	e := NewEvaluator()
	e.Register(Rule{
		ID:        "overflow",
		AppliesTo: []string{"k"},
		Check:     func(map[string]any) (float64, []string) { return 150, nil },
	})
	v := e.Evaluate("k", nil)
	if v.Findings[0].Score != 100 {
		t.Fatalf("scores clamp to 100, got %v", v.Findings[0].Score)
	}
}
