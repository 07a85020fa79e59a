package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "velocity.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAgentRoundTrip(t *testing.T) {
	s := newTestStore(t)

	agent, err := s.PutAgent(model.Agent{
		TenantID: "t-1",
		Kind:     model.KindAWS,
		Config:   map[string]string{"region": "us-east-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if agent.ID == "" {
		t.Fatal("expected generated id")
	}
	if agent.Status != model.AgentCreated {
		t.Fatalf("new agents start CREATED, got %s", agent.Status)
	}

	got, err := s.LoadAgent(agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != model.KindAWS || got.Config["region"] != "us-east-1" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}

	if _, err := s.LoadAgent("missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCASAgentStatus(t *testing.T) {
	s := newTestStore(t)
	agent, err := s.PutAgent(model.Agent{TenantID: "t-1", Kind: model.KindGCP})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.CASAgentStatus(agent.ID, model.AgentCreated, model.AgentStarting); err != nil {
		t.Fatalf("CREATED -> STARTING should succeed: %v", err)
	}
	if err := s.CASAgentStatus(agent.ID, model.AgentStarting, model.AgentRunning); err != nil {
		t.Fatalf("STARTING -> RUNNING should succeed: %v", err)
	}

	// Illegal edge is rejected before touching the row.
	err = s.CASAgentStatus(agent.ID, model.AgentRunning, model.AgentTerminated)
	if !errors.Is(err, fault.ErrIllegalTransition) {
		t.Fatalf("RUNNING -> TERMINATED must be illegal, got %v", err)
	}

	// Legal edge from a stale from-state loses the CAS.
	err = s.CASAgentStatus(agent.ID, model.AgentCreated, model.AgentStarting)
	if !errors.Is(err, fault.ErrIllegalTransition) {
		t.Fatalf("stale CAS should fail, got %v", err)
	}

	got, _ := s.LoadAgent(agent.ID)
	if got.Status != model.AgentRunning {
		t.Fatalf("status should remain RUNNING, got %s", got.Status)
	}
}

func TestClaimOrderIsPriorityThenFIFO(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	enqueue := func(id string, priority int, created time.Time) {
		t.Helper()
		_, err := s.EnqueueTask(model.Task{
			ID:        id,
			TenantID:  "t-1",
			AgentKind: model.KindAWS,
			Kind:      "aws.s3.scan",
			Priority:  priority,
			CreatedAt: created,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	enqueue("A", model.PriorityDefault, now)
	enqueue("B", model.PriorityCritical, now.Add(time.Millisecond))
	enqueue("C", model.PriorityHigh, now.Add(2*time.Millisecond))

	var order []string
	for i := 0; i < 3; i++ {
		task, err := s.ClaimNextTask("agent-1", model.KindAWS, now.Add(time.Second))
		if err != nil {
			t.Fatal(err)
		}
		if task == nil {
			t.Fatalf("claim %d returned nothing", i)
		}
		if task.Status != model.TaskAssigned || task.AgentID != "agent-1" {
			t.Fatalf("claimed task not assigned: %+v", task)
		}
		order = append(order, task.ID)
	}

	want := []string{"B", "C", "A"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("claim order: expected %v, got %v", want, order)
		}
	}

	if task, err := s.ClaimNextTask("agent-1", model.KindAWS, now.Add(time.Second)); err != nil || task != nil {
		t.Fatalf("empty queue should return (nil, nil), got %v %v", task, err)
	}
}

func TestClaimPromotesAgedLowPriorityTask(t *testing.T) {
	s := newTestStore(t)
	s.SetStarvationGuard(time.Minute, 3)
	now := time.Now().UTC()

	// One low-priority task has been waiting well past the threshold while
	// critical work keeps arriving.
	aged, err := s.EnqueueTask(model.Task{
		TenantID:  "t-1",
		AgentKind: model.KindAWS,
		Kind:      "aws.report",
		Priority:  model.PriorityLow,
		CreatedAt: now.Add(-10 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		if _, err := s.EnqueueTask(model.Task{
			TenantID:  "t-1",
			AgentKind: model.KindAWS,
			Kind:      "aws.s3.scan",
			Priority:  model.PriorityCritical,
			CreatedAt: now,
		}); err != nil {
			t.Fatal(err)
		}
	}

	// Under strict priority order the aged task would wait behind all 20
	// critical ones; the guard serves it after three consecutive skips.
	for i := 0; i < 4; i++ {
		task, err := s.ClaimNextTask("agent-1", model.KindAWS, now)
		if err != nil {
			t.Fatal(err)
		}
		if task == nil {
			t.Fatalf("claim %d returned nothing", i)
		}
		if i < 3 && task.Priority != model.PriorityCritical {
			t.Fatalf("claim %d should serve critical work, got priority %d", i, task.Priority)
		}
		if i == 3 {
			if task.ID != aged.ID {
				t.Fatalf("fourth claim should promote the starved task, got %+v", task)
			}
		}
	}

	// The promotion reset the counter: critical work resumes.
	task, err := s.ClaimNextTask("agent-1", model.KindAWS, now)
	if err != nil || task == nil {
		t.Fatalf("claim after promotion: %v %v", task, err)
	}
	if task.Priority != model.PriorityCritical {
		t.Fatalf("expected critical work after promotion, got priority %d", task.Priority)
	}

	got, err := s.GetTask(aged.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.TaskAssigned {
		t.Fatalf("promoted task should be ASSIGNED, got %s", got.Status)
	}
}

func TestClaimHonorsNotBefore(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	_, err := s.EnqueueTask(model.Task{
		ID:        "later",
		TenantID:  "t-1",
		AgentKind: model.KindGCP,
		Kind:      "gcp.iam.scan",
		NotBefore: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	if task, _ := s.ClaimNextTask("a", model.KindGCP, now); task != nil {
		t.Fatal("task with future not_before must not be claimable")
	}
	task, err := s.ClaimNextTask("a", model.KindGCP, now.Add(2*time.Minute))
	if err != nil || task == nil {
		t.Fatalf("task should be claimable after not_before: %v %v", task, err)
	}
}

func TestClaimRoutesByAgentKind(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	if _, err := s.EnqueueTask(model.Task{TenantID: "t-1", AgentKind: model.KindAWS, Kind: "aws.s3.scan"}); err != nil {
		t.Fatal(err)
	}
	if task, _ := s.ClaimNextTask("a", model.KindGCP, now.Add(time.Second)); task != nil {
		t.Fatal("GCP agent must not claim AWS tasks")
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	task, err := s.EnqueueTask(model.Task{TenantID: "t-1", AgentKind: model.KindAWS, Kind: "aws.s3.scan"})
	if err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimNextTask("agent-1", model.KindAWS, now.Add(time.Second))
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	// Completing before RUNNING is an illegal transition.
	if err := s.CompleteTask(task.ID, nil, 1, now); !errors.Is(err, fault.ErrIllegalTransition) {
		t.Fatalf("complete of ASSIGNED task should fail, got %v", err)
	}

	if err := s.StartTask(task.ID, now); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteTask(task.ID, map[string]any{"collected": 3.0}, 1, now); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.TaskCompleted || got.CompletedAt == nil {
		t.Fatalf("unexpected final task: %+v", got)
	}
	if got.Result["collected"] != 3.0 {
		t.Fatalf("result lost: %+v", got.Result)
	}
}

func TestRetryThenFail(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	task, err := s.EnqueueTask(model.Task{TenantID: "t-1", AgentKind: model.KindGitHub, Kind: "github.repos.scan", MaxAttempts: 2})
	if err != nil {
		t.Fatal(err)
	}

	claimed, _ := s.ClaimNextTask("agent-1", model.KindGitHub, now.Add(time.Second))
	if claimed == nil {
		t.Fatal("expected claim")
	}
	if err := s.StartTask(task.ID, now); err != nil {
		t.Fatal(err)
	}
	if err := s.RetryTask(task.ID, "api 500", 1, now.Add(30*time.Second)); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetTask(task.ID)
	if got.Status != model.TaskRetry || got.Attempts != 1 || got.AgentID != "" {
		t.Fatalf("retry state wrong: %+v", got)
	}
	// Not claimable until the backoff deadline.
	if task2, _ := s.ClaimNextTask("agent-1", model.KindGitHub, now.Add(time.Second)); task2 != nil {
		t.Fatal("retry task claimable before not_before")
	}

	claimed, _ = s.ClaimNextTask("agent-1", model.KindGitHub, now.Add(time.Minute))
	if claimed == nil {
		t.Fatal("retry task should be claimable after backoff")
	}
	if err := s.StartTask(task.ID, now); err != nil {
		t.Fatal(err)
	}
	if err := s.FailTask(task.ID, "api 500", 2, now); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetTask(task.ID)
	if got.Status != model.TaskFailed || got.Error != "api 500" {
		t.Fatalf("failed state wrong: %+v", got)
	}
}

func TestResetOrphanedTasks(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	task, err := s.EnqueueTask(model.Task{TenantID: "t-1", AgentKind: model.KindAWS, Kind: "aws.s3.scan"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextTask("agent-1", model.KindAWS, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := s.StartTask(task.ID, now); err != nil {
		t.Fatal(err)
	}

	n, err := s.ResetOrphanedTasks(now, func(attempts int) time.Duration {
		return time.Duration(attempts) * 10 * time.Second
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset task, got %d", n)
	}

	got, _ := s.GetTask(task.ID)
	if got.Status != model.TaskRetry || got.AgentID != "" {
		t.Fatalf("orphaned task should be RETRY and unowned: %+v", got)
	}
	// Backoff pushed the deadline out: not claimable yet, claimable after.
	if claimed, _ := s.ClaimNextTask("agent-2", model.KindAWS, now.Add(time.Second)); claimed != nil {
		t.Fatal("reset task claimable before its backoff deadline")
	}
	if claimed, _ := s.ClaimNextTask("agent-2", model.KindAWS, now.Add(time.Minute)); claimed == nil {
		t.Fatal("reset task should be claimable after backoff")
	}
}

func TestPutEvidenceIfAbsent(t *testing.T) {
	s := newTestStore(t)
	first := model.Evidence{
		AgentID:     "agent-1",
		TenantID:    "t-1",
		Kind:        "aws_iam_policies",
		Source:      model.KindAWS,
		ContentHash: "abc123",
		SizeBytes:   42,
		CollectedAt: time.Now().UTC().Add(-time.Hour),
		Frameworks:  []model.Framework{model.FrameworkSOC2},
		Data:        map[string]any{"policy": "deny-all"},
		Automated:   true,
	}
	res, err := s.PutEvidenceIfAbsent(first)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Inserted {
		t.Fatal("first put should insert")
	}

	rows, err := s.ListEvidence(EvidenceQuery{TenantID: "t-1"})
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected 1 row: %v %v", rows, err)
	}
	firstID := rows[0].ID

	// Same (tenant, hash) again: touch only.
	dup := first
	dup.ID = ""
	dup.CollectedAt = time.Now().UTC()
	res, err = s.PutEvidenceIfAbsent(dup)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted || res.ExistingID != firstID {
		t.Fatalf("duplicate should touch existing %s, got %+v", firstID, res)
	}

	rows, _ = s.ListEvidence(EvidenceQuery{TenantID: "t-1"})
	if len(rows) != 1 {
		t.Fatalf("duplicate must not add a row, got %d", len(rows))
	}
	if !rows[0].CollectedAt.After(first.CollectedAt) {
		t.Error("duplicate should refresh collected_at")
	}

	// Same hash, different tenant: separate row.
	other := first
	other.ID = ""
	other.TenantID = "t-2"
	res, err = s.PutEvidenceIfAbsent(other)
	if err != nil || !res.Inserted {
		t.Fatalf("different tenant should insert: %+v %v", res, err)
	}
}

func TestListEvidenceFilters(t *testing.T) {
	s := newTestStore(t)
	put := func(hash, kind string, fw model.Framework, status model.ComplianceStatus) {
		t.Helper()
		_, err := s.PutEvidenceIfAbsent(model.Evidence{
			TenantID:         "t-1",
			AgentID:          "agent-1",
			Kind:             kind,
			Source:           model.KindAWS,
			ContentHash:      hash,
			Frameworks:       []model.Framework{fw},
			ComplianceStatus: status,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	put("h1", "aws_iam_policies", model.FrameworkSOC2, model.ComplianceCompliant)
	put("h2", "aws_s3_buckets", model.FrameworkGDPR, model.ComplianceNonCompliant)

	rows, err := s.ListEvidence(EvidenceQuery{TenantID: "t-1", Framework: model.FrameworkGDPR})
	if err != nil || len(rows) != 1 || rows[0].Kind != "aws_s3_buckets" {
		t.Fatalf("framework filter wrong: %v %v", rows, err)
	}
	rows, _ = s.ListEvidence(EvidenceQuery{TenantID: "t-1", Status: model.ComplianceCompliant})
	if len(rows) != 1 || rows[0].Kind != "aws_iam_policies" {
		t.Fatalf("status filter wrong: %v", rows)
	}
}

func TestGetTrustInputsStreams(t *testing.T) {
	s := newTestStore(t)
	for i, hash := range []string{"h1", "h2", "h3"} {
		_, err := s.PutEvidenceIfAbsent(model.Evidence{
			TenantID:    "t-1",
			ContentHash: hash,
			Kind:        "aws_iam_policies",
			Source:      model.KindAWS,
			CollectedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	var n int
	err := s.GetTrustInputs("t-1", func(ev model.Evidence) error {
		n++
		return nil
	})
	if err != nil || n != 3 {
		t.Fatalf("expected 3 streamed rows, got %d (%v)", n, err)
	}

	// Early stop propagates.
	stop := errors.New("stop")
	n = 0
	err = s.GetTrustInputs("t-1", func(model.Evidence) error { n++; return stop })
	if !errors.Is(err, stop) || n != 1 {
		t.Fatalf("stream should stop on error: n=%d err=%v", n, err)
	}
}

func TestHeartbeatsAndFleetSummary(t *testing.T) {
	s := newTestStore(t)
	agent, err := s.PutAgent(model.Agent{TenantID: "t-1", Kind: model.KindMonitor})
	if err != nil {
		t.Fatal(err)
	}

	at := time.Now().UTC()
	m := model.AgentMetrics{InFlight: 1, Collected: 10, Errors: 2, CPU: 0.5, RSSBytes: 1 << 20, LastLatencyMS: 120}
	if err := s.RecordHeartbeat(agent.ID, at, m); err != nil {
		t.Fatal(err)
	}

	got, _ := s.LoadAgent(agent.ID)
	if got.LastHeartbeatAt == nil || !got.LastHeartbeatAt.Equal(at) {
		t.Fatalf("last_heartbeat_at not refreshed: %+v", got.LastHeartbeatAt)
	}
	if got.Metrics.Collected != 10 || got.Metrics.LastLatencyMS != 120 {
		t.Fatalf("metrics snapshot wrong: %+v", got.Metrics)
	}

	last, err := s.LastHeartbeat(agent.ID)
	if err != nil || last == nil || !last.Equal(at) {
		t.Fatalf("last heartbeat: %v %v", last, err)
	}

	summary, err := s.FleetSummary()
	if err != nil || summary[model.AgentCreated] != 1 {
		t.Fatalf("fleet summary: %v %v", summary, err)
	}

	if err := s.RecordHeartbeat("missing", at, m); !IsNotFound(err) {
		t.Fatalf("heartbeat for unknown agent should be not found, got %v", err)
	}
}

func TestTrustScoreSnapshots(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LatestTrustScore("t-1"); !IsNotFound(err) {
		t.Fatal("no snapshot yet should be not found")
	}

	older := model.TrustScore{
		TenantID:   "t-1",
		Overall:    61.5,
		Grade:      "C",
		ComputedAt: time.Now().UTC().Add(-time.Hour),
	}
	newer := model.TrustScore{
		TenantID:        "t-1",
		Overall:         83.2,
		ByPillar:        map[string]float64{"security": 0.9},
		ByFramework:     map[model.Framework]float64{model.FrameworkSOC2: 0.8},
		EvidenceCount:   12,
		AutomationRatio: 0.75,
		Points:          480,
		Grade:           "B+",
		ComputedAt:      time.Now().UTC(),
	}
	if err := s.PutTrustScore(older); err != nil {
		t.Fatal(err)
	}
	if err := s.PutTrustScore(newer); err != nil {
		t.Fatal(err)
	}

	got, err := s.LatestTrustScore("t-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Overall != 83.2 || got.Grade != "B+" || got.ByPillar["security"] != 0.9 {
		t.Fatalf("latest snapshot wrong: %+v", got)
	}
}
