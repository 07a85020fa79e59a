package trust

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/velocityhq/velocity/internal/model"
)

func soc2Evidence(i int, automated bool, score float64) model.Evidence {
	control := SecurityControls()[i%6]
	return model.Evidence{
		ID:          fmt.Sprintf("ev-%d", i),
		TenantID:    "t-1",
		Kind:        "aws_iam_policies",
		Source:      model.KindAWS,
		ContentHash: fmt.Sprintf("hash-%d", i),
		Frameworks:  []model.Framework{model.FrameworkSOC2},
		Automated:   automated,
		Findings:    []model.Finding{{RuleID: "r", Control: control, Score: score}},
	}
}

func TestScoreEmptySet(t *testing.T) {
	got := Score("t-1", nil, 0.70, time.Now())
	if got.Overall != 0 || got.Points != 0 || got.Grade != "D" || got.EvidenceCount != 0 {
		t.Fatalf("empty evidence set should score zero: %+v", got)
	}
	for pillar, v := range got.ByPillar {
		if v != 0 {
			t.Errorf("pillar %s should be zero, got %v", pillar, v)
		}
	}
}

func TestScoreHighAutomationTenant(t *testing.T) {
	// 20 SOC2 rows at quality 1.0, 19 of them automated: automation 0.95.
	rows := make([]model.Evidence, 0, 20)
	for i := 0; i < 19; i++ {
		rows = append(rows, soc2Evidence(i, true, 100))
	}
	rows = append(rows, soc2Evidence(19, false, 100))

	got := Score("t-1", rows, 0.70, time.Now())

	if got.AutomationRatio != 0.95 {
		t.Fatalf("expected automation 0.95, got %v", got.AutomationRatio)
	}
	if got.Overall < 90 {
		t.Fatalf("high-automation tenant should score >= 90, got %v", got.Overall)
	}
	if got.Grade != "A" && got.Grade != "A+" {
		t.Fatalf("expected at least an A, got %s", got.Grade)
	}
	if got.ByPillar["security"] != 1.0 {
		t.Errorf("perfect security evidence should saturate the pillar: %v", got.ByPillar["security"])
	}
	if got.ByPillar["governance"] != 0.3 {
		t.Errorf("no governance evidence should hit the floor: %v", got.ByPillar["governance"])
	}
	if _, ok := got.ByFramework[model.FrameworkSOC2]; !ok {
		t.Error("SOC2 coverage missing from by_framework")
	}

	// 19 automated policy rows at 12*3.0*1.2 plus one manual at 12*1.0*1.2,
	// +50% monitoring bonus, +5 per row daily bonus.
	want := int(math.Round((19*12*3.0*1.2+12*1.2)*1.5 + 5*20))
	if got.Points != want {
		t.Fatalf("expected %d points, got %d", want, got.Points)
	}
}

func TestScoreNoAutomationBonus(t *testing.T) {
	rows := []model.Evidence{
		soc2Evidence(0, false, 100),
		soc2Evidence(1, false, 100),
	}
	got := Score("t-1", rows, 0.70, time.Now())
	if got.AutomationRatio != 0 {
		t.Fatalf("manual rows: %v", got.AutomationRatio)
	}
	// security: mean 1.0 scaled by 2/10 volume.
	if math.Abs(got.ByPillar["security"]-0.2) > 1e-9 {
		t.Fatalf("security pillar should scale with volume: %v", got.ByPillar["security"])
	}
	// points: no monitoring or daily bonus, just 2 x 12 x 1.2.
	if got.Points != int(math.Round(2*12*1.2)) {
		t.Fatalf("unexpected points: %d", got.Points)
	}
}

func TestScoreAutomationBonusThreshold(t *testing.T) {
	rows := []model.Evidence{soc2Evidence(0, true, 80)}
	below := Score("t-1", rows, 1.01, time.Now()) // threshold never crossed
	above := Score("t-1", rows, 0.70, time.Now()) // ratio 1.0 crosses it
	if above.Overall <= below.Overall {
		t.Fatalf("automation bonus should raise overall: %v vs %v", above.Overall, below.Overall)
	}
	if above.Overall != clamp(below.Overall*1.5, 0, 100) {
		t.Fatalf("bonus should be a 1.5x multiplier: %v vs %v", above.Overall, below.Overall)
	}
}

func TestGovernancePillar(t *testing.T) {
	gov := model.Evidence{
		TenantID:   "t-1",
		Kind:       "gdpr_ropa_records",
		Frameworks: []model.Framework{model.FrameworkGDPR},
		Findings:   []model.Finding{{RuleID: "r", Control: "governance", Score: 100}},
	}
	got := Score("t-1", []model.Evidence{gov}, 0.70, time.Now())
	// one governance row: quality 1.0 x 1/8 volume = 0.125, below the floor.
	if got.ByPillar["governance"] != 0.3 {
		t.Fatalf("governance should floor at 0.3: %v", got.ByPillar["governance"])
	}
}

func TestByControlAverages(t *testing.T) {
	rows := []model.Evidence{
		{TenantID: "t-1", Kind: "x", Findings: []model.Finding{{RuleID: "a", Control: "encryption", Score: 100}}},
		{TenantID: "t-1", Kind: "x", Findings: []model.Finding{{RuleID: "a", Control: "encryption", Score: 50}}},
	}
	got := Score("t-1", rows, 0.70, time.Now())
	if math.Abs(got.ByControl["encryption"]-0.75) > 1e-9 {
		t.Fatalf("expected mean 0.75 for encryption, got %v", got.ByControl["encryption"])
	}
}

func TestGradeBands(t *testing.T) {
	cases := []struct {
		overall float64
		want    string
	}{
		{100, "A+"}, {95, "A+"}, {94.9, "A"}, {90, "A"}, {85, "A-"},
		{80, "B+"}, {75, "B"}, {70, "B-"}, {65, "C+"}, {60, "C"}, {59.9, "D"}, {0, "D"},
	}
	for _, tc := range cases {
		if got := grade(tc.overall); got != tc.want {
			t.Errorf("grade(%v): expected %s, got %s", tc.overall, tc.want, got)
		}
	}
}

func TestCategorize(t *testing.T) {
	cases := map[string]string{
		"aws_cloudtrail_logs":      "audit_log",
		"aws_iam_policies":         "policy",
		"azure_storage_accounts":   "configuration",
		"workspace_2fa_status":     "configuration",
		"security_training_roster": "training",
		"incident_procedure":       "procedure",
		"console_screenshot":       "screenshot",
		"vendor_contract":          "document",
	}
	for kind, want := range cases {
		if got := Categorize(kind); got != want {
			t.Errorf("Categorize(%q): expected %s, got %s", kind, want, got)
		}
	}
}
