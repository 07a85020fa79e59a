package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/velocityhq/velocity/internal/audit"
	"github.com/velocityhq/velocity/internal/bus"
	"github.com/velocityhq/velocity/internal/model"
	"github.com/velocityhq/velocity/internal/rules"
	"github.com/velocityhq/velocity/internal/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store, bus.Bus, *audit.Log) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "velocity.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	b := bus.NewMemory(bus.DefaultMemoryConfig(), zap.NewNop())
	log := audit.NewLog(0)
	cfg := DefaultConfig()
	cfg.RetryDelay = 5 * time.Millisecond
	p := New(cfg, st, rules.DefaultEvaluator(), b, log, zap.NewNop())
	t.Cleanup(p.Close)
	return p, st, b, log
}

func draft() model.Draft {
	return model.Draft{
		AgentID:     "agent-1",
		TenantID:    "T1",
		Kind:        "aws_s3_buckets",
		Source:      model.KindAWS,
		ResourceRef: "bucket/x",
		CollectedAt: time.Now().UTC(),
		Frameworks:  []model.Framework{model.FrameworkSOC2},
		Data:        map[string]any{"k": "v"},
		Automated:   true,
	}
}

func TestSubmitDedup(t *testing.T) {
	p, st, b, log := newTestPipeline(t)
	ctx := context.Background()

	first, err := p.Submit(ctx, draft())
	if err != nil {
		t.Fatal(err)
	}
	if first.Duplicate {
		t.Fatal("first submit must insert")
	}

	second, err := p.Submit(ctx, draft())
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate {
		t.Fatal("second submit must be a duplicate")
	}

	rows, err := st.ListEvidence(store.EvidenceQuery{TenantID: "T1"})
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected exactly one row, got %d (%v)", len(rows), err)
	}

	// Exactly one evidence.new notification.
	sub := b.Subscribe(bus.TopicEvidenceNew)
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	msg, err := sub.Next(waitCtx)
	if err != nil {
		t.Fatalf("expected one notification: %v", err)
	}
	if msg.TenantID != "T1" {
		t.Fatalf("notification should carry the tenant, got %+v", msg)
	}
	noneCtx, cancel2 := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel2()
	if _, err := sub.Next(noneCtx); err == nil {
		t.Fatal("duplicate submit must not re-notify")
	}

	// The duplicate left a TouchedExisting audit entry.
	if got := log.Query(audit.Filter{Type: audit.EventTouchedExisting}); len(got) != 1 {
		t.Fatalf("expected 1 TouchedExisting event, got %d", len(got))
	}
}

func TestSubmitFillsVerdictAndHash(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)

	d := draft()
	d.Data = map[string]any{"encrypted": true, "public_access_blocked": false}
	out, err := p.Submit(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if out.Evidence.ContentHash == "" || out.Evidence.SizeBytes == 0 {
		t.Fatalf("hash not assigned: %+v", out.Evidence)
	}
	if out.Evidence.ComplianceStatus != model.CompliancePartial {
		t.Fatalf("expected PARTIAL verdict, got %s", out.Evidence.ComplianceStatus)
	}

	rows, _ := st.ListEvidence(store.EvidenceQuery{TenantID: "T1"})
	if len(rows) != 1 || rows[0].ContentHash != out.Evidence.ContentHash {
		t.Fatalf("persisted row mismatch: %+v", rows)
	}
	if len(rows[0].Findings) != 2 {
		t.Fatalf("findings not persisted: %+v", rows[0].Findings)
	}
}

func TestHashStableAcrossKeyOrder(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	ctx := context.Background()

	a := draft()
	a.Data = map[string]any{"a": 1, "b": "x"}
	b := draft()
	b.Data = map[string]any{"b": "x", "a": 1}

	out1, err := p.Submit(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	out2, err := p.Submit(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if !out2.Duplicate {
		t.Fatal("same canonical content must dedupe regardless of key order")
	}
	if out1.Evidence.ContentHash != out2.Evidence.ContentHash {
		t.Fatal("hashes differ for identical canonical content")
	}
}

func TestUnknownKindStillPersists(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)

	d := draft()
	d.Kind = "never_registered_kind"
	out, err := p.Submit(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if out.Evidence.ComplianceStatus != model.ComplianceUnknown {
		t.Fatalf("no rules should yield UNKNOWN, got %s", out.Evidence.ComplianceStatus)
	}
	rows, _ := st.ListEvidence(store.EvidenceQuery{TenantID: "T1", Kind: "never_registered_kind"})
	if len(rows) != 1 {
		t.Fatal("UNKNOWN evidence must still persist")
	}
}

func TestReEvaluateRefreshesVerdict(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "velocity.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	b := bus.NewMemory(bus.DefaultMemoryConfig(), zap.NewNop())
	t.Cleanup(func() { _ = b.Close() })
	log := audit.NewLog(0)

	// Commit under an evaluator that has no rule for the kind.
	p := New(DefaultConfig(), st, rules.NewEvaluator(), b, log, zap.NewNop())
	d := draft()
	d.Kind = "custom_backup_checks"
	d.Data = map[string]any{"encrypted": true}
	out, err := p.Submit(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	p.Close()
	if out.Evidence.ComplianceStatus != model.ComplianceUnknown {
		t.Fatalf("expected UNKNOWN before rules exist, got %s", out.Evidence.ComplianceStatus)
	}

	// A later deploy ships a rule for the kind; re-evaluation upgrades the
	// stored verdict without touching hash or data.
	ev := rules.NewEvaluator()
	ev.Register(rules.Rule{
		ID:        "backup-encrypted",
		Framework: model.FrameworkSOC2,
		ControlID: "encryption",
		AppliesTo: []string{"custom_backup_checks"},
		Check: func(data map[string]any) (float64, []string) {
			if v, _ := data["encrypted"].(bool); v {
				return 100, nil
			}
			return 0, []string{"backups are not encrypted"}
		},
	})
	p2 := New(DefaultConfig(), st, ev, b, log, zap.NewNop())
	t.Cleanup(p2.Close)

	got, err := p2.ReEvaluate(out.Evidence.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ComplianceStatus != model.ComplianceCompliant {
		t.Fatalf("expected COMPLIANT after re-evaluation, got %s", got.ComplianceStatus)
	}
	if got.ContentHash != out.Evidence.ContentHash {
		t.Fatal("re-evaluation must not change the content hash")
	}

	stored, err := st.GetEvidence(out.Evidence.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ComplianceStatus != model.ComplianceCompliant || len(stored.Findings) != 1 {
		t.Fatalf("verdict not persisted: %+v", stored)
	}
}

func TestNotifyDroppedWhenBusClosed(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "velocity.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	b := bus.NewMemory(bus.DefaultMemoryConfig(), zap.NewNop())
	_ = b.Close() // bus is already gone

	log := audit.NewLog(0)
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	p := New(cfg, st, rules.DefaultEvaluator(), b, log, zap.NewNop())

	out, err := p.Submit(context.Background(), draft())
	if err != nil {
		t.Fatalf("commit must survive a dead bus: %v", err)
	}
	if out.Duplicate {
		t.Fatal("expected insert")
	}
	p.Close()

	// Evidence persisted, notification dropped with an audit entry.
	rows, _ := st.ListEvidence(store.EvidenceQuery{TenantID: "T1"})
	if len(rows) != 1 {
		t.Fatal("evidence lost on notifier failure")
	}
	if got := log.Query(audit.Filter{Type: audit.EventNotifyDropped}); len(got) != 1 {
		t.Fatalf("expected a NotifyDropped audit event, got %d", len(got))
	}
}
