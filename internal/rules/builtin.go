package rules

import (
	"fmt"

	"github.com/velocityhq/velocity/internal/model"
)

// DefaultEvaluator returns an evaluator loaded with the builtin rule set.
func DefaultEvaluator() *Evaluator {
	e := NewEvaluator()
	for _, rule := range builtin() {
		e.Register(rule)
	}
	return e
}

func builtin() []Rule {
	return []Rule{
		{
			ID:          "aws-iam-no-wildcard",
			Framework:   model.FrameworkSOC2,
			ControlID:   "access_control",
			Severity:    "high",
			AppliesTo:   []string{"aws_iam_policies"},
			Check:       boolCheck("wildcard_actions", false, "policy grants wildcard actions"),
			Remediation: "Replace * actions with the minimal action set the workload needs.",
		},
		{
			ID:          "aws-iam-mfa-enforced",
			Framework:   model.FrameworkISO27001,
			ControlID:   "authentication",
			Severity:    "high",
			AppliesTo:   []string{"aws_iam_policies"},
			Check:       boolCheck("mfa_required", true, "MFA is not enforced"),
			Remediation: "Attach an MFA condition to privileged policies.",
		},
		{
			ID:          "aws-s3-encrypted",
			Framework:   model.FrameworkSOC2,
			ControlID:   "encryption",
			Severity:    "critical",
			AppliesTo:   []string{"aws_s3_buckets", "gcp_storage_buckets", "azure_storage_accounts"},
			Check:       boolCheck("encrypted", true, "bucket is not encrypted at rest"),
			Remediation: "Enable default encryption on the bucket.",
		},
		{
			ID:          "aws-s3-no-public-access",
			Framework:   model.FrameworkGDPR,
			ControlID:   "network_security",
			Severity:    "critical",
			AppliesTo:   []string{"aws_s3_buckets", "gcp_storage_buckets", "azure_storage_accounts"},
			Check:       boolCheck("public_access_blocked", true, "public access is not blocked"),
			Remediation: "Block all public access at the account level.",
		},
		{
			ID:          "audit-trail-enabled",
			Framework:   model.FrameworkHIPAA,
			ControlID:   "incident_response",
			Severity:    "high",
			AppliesTo:   []string{"aws_cloudtrail_config", "gcp_audit_logs", "azure_activity_logs"},
			Check:       boolCheck("enabled", true, "audit trail is disabled"),
			Remediation: "Enable the audit trail in every region.",
		},
		{
			ID:          "sg-no-open-ingress",
			Framework:   model.FrameworkSOC2,
			ControlID:   "network_security",
			Severity:    "critical",
			AppliesTo:   []string{"aws_security_groups"},
			Check:       boolCheck("open_to_world", false, "security group allows 0.0.0.0/0 ingress"),
			Remediation: "Restrict ingress to known CIDR ranges.",
		},
		{
			ID:          "github-branch-protection",
			Framework:   model.FrameworkSOC2,
			ControlID:   "access_control",
			Severity:    "medium",
			AppliesTo:   []string{"github_branch_protection"},
			Check:       minCheck("required_reviews", 1, "default branch requires no review"),
			Remediation: "Require at least one approving review on the default branch.",
		},
		{
			ID:          "workspace-2fa-coverage",
			Framework:   model.FrameworkISO27001,
			ControlID:   "authentication",
			Severity:    "high",
			AppliesTo:   []string{"workspace_2fa_status"},
			Check:       ratioCheck("enrolled_ratio", "2FA enrollment below target"),
			Remediation: "Enforce 2FA for every organizational unit.",
		},
		{
			ID:          "gdpr-ropa-complete",
			Framework:   model.FrameworkGDPR,
			ControlID:   "governance",
			Severity:    "medium",
			AppliesTo:   []string{"gdpr_ropa_records"},
			Check:       ratioCheck("completeness", "records of processing are incomplete"),
			Remediation: "Fill lawful basis and retention for every processing activity.",
		},
		{
			ID:          "log-retention-365",
			Framework:   model.FrameworkHIPAA,
			ControlID:   "vulnerability_management",
			Severity:    "medium",
			AppliesTo:   []string{"observability_log_retention"},
			Check:       minCheck("retention_days", 365, "log retention below one year"),
			Remediation: "Raise log retention to at least 365 days.",
		},
		{
			ID:          "monitor-alerting-configured",
			Framework:   model.FrameworkSOC2,
			ControlID:   "incident_response",
			Severity:    "medium",
			AppliesTo:   []string{"monitor_alert_policies", "monitor_uptime_checks"},
			Check:       minCheck("policy_count", 1, "no alert policies configured"),
			Remediation: "Configure alert policies for availability and error budgets.",
		},
	}
}

// boolCheck scores 100 when data[key] equals want, 0 otherwise.
func boolCheck(key string, want bool, msg string) Check {
	return func(data map[string]any) (float64, []string) {
		got, ok := data[key].(bool)
		if !ok {
			return 0, []string{fmt.Sprintf("field %q missing or not boolean", key)}
		}
		if got == want {
			return 100, nil
		}
		return 0, []string{msg}
	}
}

// minCheck scores 100 when data[key] >= min, scaling down linearly to 0.
func minCheck(key string, min float64, msg string) Check {
	return func(data map[string]any) (float64, []string) {
		v, ok := numeric(data[key])
		if !ok {
			return 0, []string{fmt.Sprintf("field %q missing or not numeric", key)}
		}
		if v >= min {
			return 100, nil
		}
		if min <= 0 {
			return 100, nil
		}
		return 100 * v / min, []string{msg}
	}
}

// ratioCheck scores data[key] (a ratio in [0,1]) as a percentage.
func ratioCheck(key, msg string) Check {
	return func(data map[string]any) (float64, []string) {
		v, ok := numeric(data[key])
		if !ok {
			return 0, []string{fmt.Sprintf("field %q missing or not numeric", key)}
		}
		score := v * 100
		if score >= compliantScore {
			return score, nil
		}
		return score, []string{msg}
	}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
