package model

import "time"

// Framework is a named compliance regime.
type Framework string

const (
	FrameworkSOC2     Framework = "SOC2"
	FrameworkISO27001 Framework = "ISO27001"
	FrameworkGDPR     Framework = "GDPR"
	FrameworkHIPAA    Framework = "HIPAA"
	FrameworkPCIDSS   Framework = "PCI_DSS"
	FrameworkNIST     Framework = "NIST"
	FrameworkFedRAMP  Framework = "FEDRAMP"
)

// ComplianceStatus is the aggregate verdict on one evidence row.
type ComplianceStatus string

const (
	ComplianceUnknown      ComplianceStatus = "UNKNOWN"
	ComplianceCompliant    ComplianceStatus = "COMPLIANT"
	CompliancePartial      ComplianceStatus = "PARTIAL"
	ComplianceNonCompliant ComplianceStatus = "NON_COMPLIANT"
	ComplianceError        ComplianceStatus = "ERROR"
)

// Risk buckets the mean rule score.
type Risk string

const (
	RiskUnknown  Risk = "UNKNOWN"
	RiskLow      Risk = "LOW"
	RiskMedium   Risk = "MEDIUM"
	RiskHigh     Risk = "HIGH"
	RiskCritical Risk = "CRITICAL"
)

// Finding is one rule's verdict on one evidence row.
type Finding struct {
	RuleID   string   `json:"rule_id"`
	Control  string   `json:"control,omitempty"`
	Score    float64  `json:"score"`
	Messages []string `json:"messages,omitempty"`
}

// Draft is evidence as produced by a probe, before the pipeline assigns the
// content hash and the compliance verdict.
type Draft struct {
	AgentID     string         `json:"agent_id"`
	TenantID    string         `json:"tenant_id"`
	Kind        string         `json:"kind"` // e.g. "aws_iam_policies"
	Source      AgentKind      `json:"source"`
	ResourceRef string         `json:"resource_ref"`
	CollectedAt time.Time      `json:"collected_at"`
	Frameworks  []Framework    `json:"frameworks"`
	Data        map[string]any `json:"data"`
	Automated   bool           `json:"automated"`
}

// Evidence is a committed artifact with content-hash identity.
// (tenant_id, content_hash) is unique; duplicates collapse to the earliest
// row and later collections only refresh collected_at.
type Evidence struct {
	ID               string           `json:"id"`
	AgentID          string           `json:"agent_id"`
	TenantID         string           `json:"tenant_id"`
	Kind             string           `json:"kind"`
	Source           AgentKind        `json:"source"`
	ResourceRef      string           `json:"resource_ref"`
	CollectedAt      time.Time        `json:"collected_at"`
	ContentHash      string           `json:"content_hash"`
	SizeBytes        int              `json:"size_bytes"`
	Frameworks       []Framework      `json:"frameworks"`
	Data             map[string]any   `json:"data"`
	Automated        bool             `json:"automated"`
	ComplianceStatus ComplianceStatus `json:"compliance_status"`
	Risk             Risk             `json:"risk"`
	Findings         []Finding        `json:"findings,omitempty"`
}

// Controls returns the distinct control ids touched by this row's findings.
func (e Evidence) Controls() []string {
	seen := make(map[string]struct{}, len(e.Findings))
	out := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		if f.Control == "" {
			continue
		}
		if _, ok := seen[f.Control]; ok {
			continue
		}
		seen[f.Control] = struct{}{}
		out = append(out, f.Control)
	}
	return out
}

// QualityScore is the mean finding score scaled to [0,1]; rows with no
// findings score zero quality.
func (e Evidence) QualityScore() float64 {
	if len(e.Findings) == 0 {
		return 0
	}
	var sum float64
	for _, f := range e.Findings {
		sum += f.Score
	}
	return sum / float64(len(e.Findings)) / 100.0
}

// TrustScore is the derived, tenant-scoped score snapshot.
type TrustScore struct {
	TenantID        string               `json:"tenant_id"`
	Overall         float64              `json:"overall"` // 0-100
	ByPillar        map[string]float64   `json:"by_pillar"`
	ByFramework     map[Framework]float64 `json:"by_framework"`
	ByControl       map[string]float64   `json:"by_control"`
	EvidenceCount   int                  `json:"evidence_count"`
	AutomationRatio float64              `json:"automation_ratio"`
	Points          int                  `json:"points"`
	Grade           string               `json:"grade"`
	ComputedAt      time.Time            `json:"computed_at"`
}
