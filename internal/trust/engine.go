// Package trust computes the tenant trust score: four pillar scores rolled
// into an overall 0-100 value, tiered trust points and a letter grade. The
// computation is a pure function of the tenant's committed evidence set.
package trust

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/velocityhq/velocity/internal/model"
)

// Pillar weights. They sum to 1.
const (
	weightSecurity   = 0.30
	weightCompliance = 0.25
	weightOperations = 0.25
	weightGovernance = 0.20
)

// securityControls is the control set feeding the security pillar.
var securityControls = map[string]struct{}{
	"access_control":           {},
	"authentication":           {},
	"encryption":               {},
	"network_security":         {},
	"vulnerability_management": {},
	"incident_response":        {},
}

// frameworkControlTotals is the fixed control count per framework, used for
// the compliance pillar's completion ratio.
var frameworkControlTotals = map[model.Framework]float64{
	model.FrameworkSOC2:     64,
	model.FrameworkISO27001: 114,
	model.FrameworkGDPR:     47,
	model.FrameworkHIPAA:    78,
}

// frameworkComplianceWeights scales each framework's compliance contribution.
var frameworkComplianceWeights = map[model.Framework]float64{
	model.FrameworkSOC2:     1.0,
	model.FrameworkISO27001: 1.2,
	model.FrameworkGDPR:     0.8,
	model.FrameworkHIPAA:    1.1,
}

// frameworkPointMultipliers scales trust points per evidence framework. When
// a row is tagged with several frameworks the highest multiplier applies.
var frameworkPointMultipliers = map[model.Framework]float64{
	model.FrameworkSOC2:     1.2,
	model.FrameworkISO27001: 1.3,
	model.FrameworkHIPAA:    1.4,
	model.FrameworkPCIDSS:   1.5,
	model.FrameworkGDPR:     1.1,
	model.FrameworkFedRAMP:  1.6,
}

// basePoints by evidence category.
var basePoints = map[string]float64{
	"screenshot":    10,
	"document":      15,
	"configuration": 20,
	"audit_log":     25,
	"policy":        12,
	"procedure":     8,
	"training":      5,
}

const (
	securityCountTarget   = 10 // security pillar saturates at this many rows
	governanceCountTarget = 8
	governanceFloor       = 0.3
	automatedMultiplier   = 3.0
	monitoringBonusRatio  = 0.80 // +50% of total points above this
	dailyBonusRatio       = 0.90 // +5 per evidence above this
)

// Score computes a trust score from the tenant's evidence set.
// automationBonusThreshold is the automation_ratio above which the overall
// score is boosted by 1.5x (default 0.70).
func Score(tenantID string, rows []model.Evidence, automationBonusThreshold float64, now time.Time) model.TrustScore {
	out := model.TrustScore{
		TenantID:      tenantID,
		ByPillar:      make(map[string]float64, 4),
		ByFramework:   make(map[model.Framework]float64),
		ByControl:     make(map[string]float64),
		EvidenceCount: len(rows),
		Grade:         grade(0),
		ComputedAt:    now.UTC(),
	}
	if len(rows) == 0 {
		out.ByPillar = map[string]float64{"security": 0, "compliance": 0, "operations": 0, "governance": 0}
		return out
	}

	automated := 0
	for _, e := range rows {
		if e.Automated {
			automated++
		}
	}
	out.AutomationRatio = float64(automated) / float64(len(rows))

	out.ByControl = controlScores(rows)
	security := securityPillar(rows)
	compliance := compliancePillar(rows, out.ByFramework)
	operations := operationsPillar(rows, out.AutomationRatio)
	governance := governancePillar(rows)

	out.ByPillar = map[string]float64{
		"security":   security,
		"compliance": compliance,
		"operations": operations,
		"governance": governance,
	}

	overall := 100 * (security*weightSecurity +
		compliance*weightCompliance +
		operations*weightOperations +
		governance*weightGovernance)
	if out.AutomationRatio > automationBonusThreshold {
		overall *= 1.5
	}
	out.Overall = clamp(overall, 0, 100)
	out.Points = points(rows, out.AutomationRatio)
	out.Grade = grade(out.Overall)
	return out
}

// securityPillar is the mean quality of evidence touching a security
// control, scaled by how much of the target evidence volume exists.
func securityPillar(rows []model.Evidence) float64 {
	var sum float64
	count := 0
	for _, e := range rows {
		if !touchesSecurityControl(e) {
			continue
		}
		sum += e.QualityScore()
		count++
	}
	if count == 0 {
		return 0
	}
	mean := sum / float64(count)
	return clamp(mean*math.Min(1, float64(count)/securityCountTarget), 0, 1)
}

// compliancePillar averages completion x quality x weight across the
// frameworks the evidence set covers. byFramework receives the per-framework
// scores as a side effect.
func compliancePillar(rows []model.Evidence, byFramework map[model.Framework]float64) float64 {
	type agg struct {
		controls map[string]struct{}
		quality  float64
		count    int
	}
	perFW := make(map[model.Framework]*agg)
	for _, e := range rows {
		for _, fw := range e.Frameworks {
			if _, known := frameworkControlTotals[fw]; !known {
				continue
			}
			a := perFW[fw]
			if a == nil {
				a = &agg{controls: make(map[string]struct{})}
				perFW[fw] = a
			}
			for _, c := range e.Controls() {
				a.controls[c] = struct{}{}
			}
			a.quality += e.QualityScore()
			a.count++
		}
	}
	if len(perFW) == 0 {
		return 0
	}
	var sum float64
	for fw, a := range perFW {
		completion := math.Min(1, float64(len(a.controls))/frameworkControlTotals[fw])
		quality := a.quality / float64(a.count)
		score := clamp(completion*quality*frameworkComplianceWeights[fw], 0, 1)
		byFramework[fw] = score
		sum += score
	}
	return clamp(sum/float64(len(perFW)), 0, 1)
}

// operationsPillar rewards automated collection on top of mean quality.
func operationsPillar(rows []model.Evidence, automationRatio float64) float64 {
	var sum float64
	for _, e := range rows {
		sum += e.QualityScore()
	}
	mean := sum / float64(len(rows))
	return clamp(mean*(1+automationRatio*0.5), 0, 1)
}

// governancePillar scales mean quality of governance evidence by volume and
// never drops below the floor once any evidence exists.
func governancePillar(rows []model.Evidence) float64 {
	var sum float64
	count := 0
	for _, e := range rows {
		if !touchesControl(e, "governance") {
			continue
		}
		sum += e.QualityScore()
		count++
	}
	score := 0.0
	if count > 0 {
		score = (sum / float64(count)) * math.Min(1, float64(count)/governanceCountTarget)
	}
	return clamp(math.Max(score, governanceFloor), 0, 1)
}

// points sums per-evidence contributions with automation and framework
// multipliers, then applies the continuous-monitoring bonuses.
func points(rows []model.Evidence, automationRatio float64) int {
	var total float64
	for _, e := range rows {
		base := basePoints[Categorize(e.Kind)]
		mult := 1.0
		if e.Automated {
			mult = automatedMultiplier
		}
		fwMult := 1.0
		for _, fw := range e.Frameworks {
			if m, ok := frameworkPointMultipliers[fw]; ok && m > fwMult {
				fwMult = m
			}
		}
		total += base * mult * fwMult
	}
	if automationRatio > monitoringBonusRatio {
		total *= 1.5
	}
	if automationRatio > dailyBonusRatio {
		total += 5 * float64(len(rows))
	}
	return int(math.Round(total))
}

// Categorize buckets an evidence kind into a points category.
func Categorize(kind string) string {
	k := strings.ToLower(kind)
	switch {
	case strings.Contains(k, "screenshot"):
		return "screenshot"
	case strings.Contains(k, "training"):
		return "training"
	case strings.Contains(k, "procedure"):
		return "procedure"
	case strings.Contains(k, "audit") || strings.Contains(k, "log"):
		return "audit_log"
	case strings.Contains(k, "polic"):
		return "policy"
	case strings.Contains(k, "config") || strings.Contains(k, "setting") ||
		strings.Contains(k, "bucket") || strings.Contains(k, "group") ||
		strings.Contains(k, "account") || strings.Contains(k, "protection") ||
		strings.Contains(k, "2fa") || strings.Contains(k, "check"):
		return "configuration"
	default:
		return "document"
	}
}

func grade(overall float64) string {
	switch {
	case overall >= 95:
		return "A+"
	case overall >= 90:
		return "A"
	case overall >= 85:
		return "A-"
	case overall >= 80:
		return "B+"
	case overall >= 75:
		return "B"
	case overall >= 70:
		return "B-"
	case overall >= 65:
		return "C+"
	case overall >= 60:
		return "C"
	default:
		return "D"
	}
}

// controlScores is the mean finding score per control, scaled to [0,1].
func controlScores(rows []model.Evidence) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, e := range rows {
		for _, f := range e.Findings {
			if f.Control == "" {
				continue
			}
			sums[f.Control] += f.Score / 100.0
			counts[f.Control]++
		}
	}
	out := make(map[string]float64, len(sums))
	for c, sum := range sums {
		out[c] = sum / float64(counts[c])
	}
	return out
}

func touchesSecurityControl(e model.Evidence) bool {
	for _, c := range e.Controls() {
		if _, ok := securityControls[c]; ok {
			return true
		}
	}
	return false
}

func touchesControl(e model.Evidence, control string) bool {
	for _, c := range e.Controls() {
		if c == control {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// SecurityControls lists the control ids feeding the security pillar.
func SecurityControls() []string {
	out := make([]string, 0, len(securityControls))
	for c := range securityControls {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
