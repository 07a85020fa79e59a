package probe

import (
	"time"

	"github.com/velocityhq/velocity/internal/model"
)

// DefaultRegistry registers every supported collector kind, wiring each to
// the given fetcher provider.
func DefaultRegistry(provider FetcherProvider) *Registry {
	r := NewRegistry()
	for _, meta := range catalog() {
		meta := meta
		r.Register(meta, func(cfg map[string]string) (Probe, error) {
			fetcher, err := provider(meta.Kind, cfg)
			if err != nil {
				return nil, err
			}
			return newCollector(meta, cfg, fetcher), nil
		})
	}
	return r
}

func catalog() []Metadata {
	soc2iso := []model.Framework{model.FrameworkSOC2, model.FrameworkISO27001}
	return []Metadata{
		{
			Kind:          model.KindAWS,
			EvidenceKinds: []string{"aws_iam_policies", "aws_s3_buckets", "aws_cloudtrail_config", "aws_security_groups"},
			Frameworks: map[string][]model.Framework{
				"aws_iam_policies":      soc2iso,
				"aws_s3_buckets":        {model.FrameworkSOC2, model.FrameworkGDPR},
				"aws_cloudtrail_config": {model.FrameworkSOC2, model.FrameworkHIPAA},
				"aws_security_groups":   soc2iso,
			},
			CredentialFields: []string{"endpoint", "access_key_id", "secret_access_key", "region"},
			DefaultCadence:   time.Hour,
			ConcurrencyCap:   4,
		},
		{
			Kind:          model.KindGCP,
			EvidenceKinds: []string{"gcp_iam_bindings", "gcp_storage_buckets", "gcp_audit_logs"},
			Frameworks: map[string][]model.Framework{
				"gcp_iam_bindings":    soc2iso,
				"gcp_storage_buckets": {model.FrameworkSOC2, model.FrameworkGDPR},
				"gcp_audit_logs":      {model.FrameworkSOC2, model.FrameworkHIPAA},
			},
			CredentialFields: []string{"endpoint", "service_account_json", "project_id"},
			DefaultCadence:   time.Hour,
			ConcurrencyCap:   4,
		},
		{
			Kind:          model.KindAzure,
			EvidenceKinds: []string{"azure_rbac_assignments", "azure_storage_accounts", "azure_activity_logs"},
			Frameworks: map[string][]model.Framework{
				"azure_rbac_assignments": soc2iso,
				"azure_storage_accounts": {model.FrameworkSOC2, model.FrameworkGDPR},
				"azure_activity_logs":    {model.FrameworkSOC2, model.FrameworkHIPAA},
			},
			CredentialFields: []string{"endpoint", "directory_id", "client_id", "client_secret", "subscription_id"},
			DefaultCadence:   time.Hour,
			ConcurrencyCap:   4,
		},
		{
			Kind:          model.KindGitHub,
			EvidenceKinds: []string{"github_branch_protection", "github_org_members", "github_repo_settings"},
			Frameworks: map[string][]model.Framework{
				"github_branch_protection": soc2iso,
				"github_org_members":       {model.FrameworkSOC2},
				"github_repo_settings":     {model.FrameworkSOC2},
			},
			CredentialFields: []string{"endpoint", "token", "org"},
			DefaultCadence:   2 * time.Hour,
			ConcurrencyCap:   2,
		},
		{
			Kind:          model.KindWorkspace,
			EvidenceKinds: []string{"workspace_users", "workspace_2fa_status", "workspace_drive_sharing"},
			Frameworks: map[string][]model.Framework{
				"workspace_users":         {model.FrameworkSOC2},
				"workspace_2fa_status":    soc2iso,
				"workspace_drive_sharing": {model.FrameworkSOC2, model.FrameworkGDPR},
			},
			CredentialFields: []string{"endpoint", "customer_id", "service_account_json"},
			DefaultCadence:   6 * time.Hour,
			ConcurrencyCap:   2,
		},
		{
			Kind:          model.KindGDPR,
			EvidenceKinds: []string{"gdpr_ropa_records", "gdpr_dpa_inventory", "gdpr_consent_logs"},
			Frameworks: map[string][]model.Framework{
				"gdpr_ropa_records":  {model.FrameworkGDPR},
				"gdpr_dpa_inventory": {model.FrameworkGDPR},
				"gdpr_consent_logs":  {model.FrameworkGDPR},
			},
			CredentialFields: []string{"endpoint", "registry_url"},
			DefaultCadence:   24 * time.Hour,
			ConcurrencyCap:   1,
		},
		{
			Kind:          model.KindTrustScore,
			EvidenceKinds: []string{"trust_score_snapshot"},
			Frameworks: map[string][]model.Framework{
				"trust_score_snapshot": {model.FrameworkSOC2},
			},
			CredentialFields: []string{"endpoint"},
			DefaultCadence:   15 * time.Minute,
			ConcurrencyCap:   1,
		},
		{
			Kind:          model.KindMonitor,
			EvidenceKinds: []string{"monitor_uptime_checks", "monitor_alert_policies"},
			Frameworks: map[string][]model.Framework{
				"monitor_uptime_checks":  {model.FrameworkSOC2},
				"monitor_alert_policies": soc2iso,
			},
			CredentialFields: []string{"endpoint"},
			DefaultCadence:   5 * time.Minute,
			ConcurrencyCap:   2,
		},
		{
			Kind:          model.KindObservability,
			EvidenceKinds: []string{"observability_log_retention", "observability_trace_coverage"},
			Frameworks: map[string][]model.Framework{
				"observability_log_retention":  {model.FrameworkSOC2, model.FrameworkHIPAA},
				"observability_trace_coverage": {model.FrameworkSOC2},
			},
			CredentialFields: []string{"endpoint"},
			DefaultCadence:   time.Hour,
			ConcurrencyCap:   2,
		},
	}
}
