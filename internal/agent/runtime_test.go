package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/velocityhq/velocity/internal/audit"
	"github.com/velocityhq/velocity/internal/breaker"
	"github.com/velocityhq/velocity/internal/bus"
	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/model"
	"github.com/velocityhq/velocity/internal/pipeline"
	"github.com/velocityhq/velocity/internal/probe"
	"github.com/velocityhq/velocity/internal/ratelimit"
	"github.com/velocityhq/velocity/internal/rules"
	"github.com/velocityhq/velocity/internal/store"
	"github.com/velocityhq/velocity/internal/tenant"
)

// scriptedProbe returns canned pages or errors per Collect call.
type scriptedProbe struct {
	kind  model.AgentKind
	calls atomic.Int64
	fn    func(call int64, cursor string) ([]model.Draft, string, bool, error)
}

func (p *scriptedProbe) Kind() model.AgentKind { return p.kind }
func (p *scriptedProbe) Collect(ctx context.Context, cursor string) ([]model.Draft, string, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", false, err
	}
	return p.fn(p.calls.Add(1), cursor)
}
func (p *scriptedProbe) Healthcheck(context.Context) probe.Health {
	return probe.Health{OK: true}
}

type fixture struct {
	store    *store.Store
	runtime  *Runtime
	auditLog *audit.Log
	agent    model.Agent
}

func newFixture(t *testing.T, cfg Config, p *scriptedProbe, rlCfg ratelimit.Config) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "velocity.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	b := bus.NewMemory(bus.DefaultMemoryConfig(), zap.NewNop())
	t.Cleanup(func() { _ = b.Close() })

	log := audit.NewLog(0)
	plCfg := pipeline.DefaultConfig()
	plCfg.RetryDelay = time.Millisecond
	pl := pipeline.New(plCfg, st, rules.DefaultEvaluator(), b, log, zap.NewNop())
	t.Cleanup(pl.Close)

	reg := probe.NewRegistry()
	meta := probe.Metadata{Kind: p.kind, EvidenceKinds: []string{"monitor_uptime_checks"}}
	reg.Register(meta, func(map[string]string) (probe.Probe, error) { return p, nil })

	a, err := st.PutAgent(model.Agent{TenantID: "t-1", Kind: p.kind, Status: model.AgentRunning})
	if err != nil {
		t.Fatal(err)
	}

	rt, err := NewRuntime(cfg, *a, reg, st, pl,
		ratelimit.New(rlCfg, tenant.NewRegistry()),
		breaker.NewRegistry(breaker.DefaultConfig(), zap.NewNop()),
		log, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{store: st, runtime: rt, auditLog: log, agent: *a}
}

func runUntil(t *testing.T, f *fixture, timeout time.Duration, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.runtime.Run(ctx)
		close(done)
	}()

	deadline := time.After(timeout)
	for {
		if cond() {
			cancel()
			<-done
			return
		}
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("condition not reached before timeout")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ClaimIdle = 10 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatJitter = 2 * time.Millisecond
	cfg.Backoff = Backoff{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond, Jitter: 0}
	return cfg
}

func TestRuntimeCompletesTask(t *testing.T) {
	p := &scriptedProbe{kind: model.KindMonitor, fn: func(int64, string) ([]model.Draft, string, bool, error) {
		return []model.Draft{{
			TenantID:    "t-1",
			Kind:        "monitor_uptime_checks",
			Source:      model.KindMonitor,
			ResourceRef: "check/api",
			CollectedAt: time.Now().UTC(),
			Data:        map[string]any{"policy_count": 3.0},
			Automated:   true,
		}}, "", true, nil
	}}
	f := newFixture(t, fastConfig(), p, ratelimit.Config{Actions: map[string]ratelimit.ActionLimit{}})

	task, err := f.store.EnqueueTask(model.Task{TenantID: "t-1", AgentKind: model.KindMonitor, Kind: "monitor.sweep"})
	if err != nil {
		t.Fatal(err)
	}

	runUntil(t, f, 3*time.Second, func() bool {
		got, err := f.store.GetTask(task.ID)
		return err == nil && got.Status == model.TaskCompleted
	})

	got, _ := f.store.GetTask(task.ID)
	if got.Result["collected"] != 1.0 {
		t.Fatalf("result should record collected count: %+v", got.Result)
	}
	rows, _ := f.store.ListEvidence(store.EvidenceQuery{TenantID: "t-1"})
	if len(rows) != 1 {
		t.Fatalf("expected 1 evidence row, got %d", len(rows))
	}
	if rows[0].AgentID != f.agent.ID {
		t.Fatalf("evidence should carry the executing agent id: %+v", rows[0])
	}
}

func TestRuntimeRetriesTransientThenFails(t *testing.T) {
	p := &scriptedProbe{kind: model.KindMonitor, fn: func(int64, string) ([]model.Draft, string, bool, error) {
		return nil, "", false, fmt.Errorf("upstream 503: %w", fault.ErrTransient)
	}}
	f := newFixture(t, fastConfig(), p, ratelimit.Config{Actions: map[string]ratelimit.ActionLimit{}})

	task, err := f.store.EnqueueTask(model.Task{TenantID: "t-1", AgentKind: model.KindMonitor, Kind: "monitor.sweep", MaxAttempts: 2})
	if err != nil {
		t.Fatal(err)
	}

	runUntil(t, f, 5*time.Second, func() bool {
		got, err := f.store.GetTask(task.ID)
		return err == nil && got.Status == model.TaskFailed
	})

	got, _ := f.store.GetTask(task.ID)
	if got.Attempts != got.MaxAttempts {
		t.Fatalf("attempts should equal max_attempts at failure: %+v", got)
	}
	if len(f.auditLog.Query(audit.Filter{Type: audit.EventTaskRetried})) == 0 {
		t.Error("expected a retry audit event")
	}
	if len(f.auditLog.Query(audit.Filter{Type: audit.EventTaskFailed})) == 0 {
		t.Error("expected a failure audit event")
	}
}

func TestRuntimeFailsPermanentImmediately(t *testing.T) {
	p := &scriptedProbe{kind: model.KindMonitor, fn: func(int64, string) ([]model.Draft, string, bool, error) {
		return nil, "", false, fmt.Errorf("invalid credentials: %w", fault.ErrPermanent)
	}}
	f := newFixture(t, fastConfig(), p, ratelimit.Config{Actions: map[string]ratelimit.ActionLimit{}})

	task, err := f.store.EnqueueTask(model.Task{TenantID: "t-1", AgentKind: model.KindMonitor, Kind: "monitor.sweep"})
	if err != nil {
		t.Fatal(err)
	}

	runUntil(t, f, 3*time.Second, func() bool {
		got, err := f.store.GetTask(task.ID)
		return err == nil && got.Status == model.TaskFailed
	})

	if p.calls.Load() != 1 {
		t.Fatalf("permanent fault should not be retried, got %d probe calls", p.calls.Load())
	}
	a, _ := f.store.LoadAgent(f.agent.ID)
	if a.ErrorCount == 0 || a.LastError == "" {
		t.Fatalf("permanent fault should mark the agent: %+v", a)
	}
}

func TestRuntimeRequeuesOnRateLimit(t *testing.T) {
	p := &scriptedProbe{kind: model.KindMonitor, fn: func(int64, string) ([]model.Draft, string, bool, error) {
		return nil, "", true, nil
	}}
	// probe.MONITOR budget of 1/hour: second execution is limited.
	f := newFixture(t, fastConfig(), p, ratelimit.Config{Actions: map[string]ratelimit.ActionLimit{
		"probe.MONITOR": {Capacity: 1, Window: time.Hour},
	}})

	t1, _ := f.store.EnqueueTask(model.Task{TenantID: "t-1", AgentKind: model.KindMonitor, Kind: "monitor.sweep"})
	t2, _ := f.store.EnqueueTask(model.Task{TenantID: "t-1", AgentKind: model.KindMonitor, Kind: "monitor.sweep"})

	runUntil(t, f, 3*time.Second, func() bool {
		a, errA := f.store.GetTask(t1.ID)
		b, errB := f.store.GetTask(t2.ID)
		return errA == nil && errB == nil &&
			a.Status == model.TaskCompleted && b.Status == model.TaskRetry
	})

	got, _ := f.store.GetTask(t2.ID)
	if got.Attempts != 0 {
		t.Fatalf("rate limited requeue must not consume an attempt: %+v", got)
	}
	if !got.NotBefore.After(time.Now().Add(time.Minute)) {
		t.Fatalf("not_before should reflect the retry-after window: %v", got.NotBefore)
	}
}

func TestRuntimeHeartbeats(t *testing.T) {
	p := &scriptedProbe{kind: model.KindMonitor, fn: func(int64, string) ([]model.Draft, string, bool, error) {
		return nil, "", true, nil
	}}
	f := newFixture(t, fastConfig(), p, ratelimit.Config{Actions: map[string]ratelimit.ActionLimit{}})

	runUntil(t, f, 3*time.Second, func() bool {
		last, err := f.store.LastHeartbeat(f.agent.ID)
		return err == nil && last != nil
	})

	a, _ := f.store.LoadAgent(f.agent.ID)
	if a.LastHeartbeatAt == nil {
		t.Fatal("heartbeat should refresh the agent row")
	}
}

func TestRuntimeStopsOnCancel(t *testing.T) {
	p := &scriptedProbe{kind: model.KindMonitor, fn: func(int64, string) ([]model.Draft, string, bool, error) {
		return nil, "", true, nil
	}}
	f := newFixture(t, fastConfig(), p, ratelimit.Config{Actions: map[string]ratelimit.ActionLimit{}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.runtime.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop on cancellation")
	}
}

func TestRuntimeRejectsUnknownKind(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "velocity.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	reg := probe.NewRegistry()
	_, err = NewRuntime(DefaultConfig(), model.Agent{ID: "a", TenantID: "t-1", Kind: model.KindAWS},
		reg, st, nil, ratelimit.New(ratelimit.Config{}, tenant.NewRegistry()),
		breaker.NewRegistry(breaker.DefaultConfig(), zap.NewNop()), audit.NewLog(0), zap.NewNop())
	if !errors.Is(err, fault.ErrConfig) {
		t.Fatalf("unregistered kind should be a config fault, got %v", err)
	}
}
