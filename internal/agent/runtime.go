// Package agent runs the per-agent work loop: claim a task, resolve the
// probe, collect evidence through the rate limiter and circuit breaker, feed
// the pipeline, report heartbeats.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/velocityhq/velocity/internal/audit"
	"github.com/velocityhq/velocity/internal/breaker"
	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/metrics"
	"github.com/velocityhq/velocity/internal/model"
	"github.com/velocityhq/velocity/internal/pipeline"
	"github.com/velocityhq/velocity/internal/probe"
	"github.com/velocityhq/velocity/internal/ratelimit"
	"github.com/velocityhq/velocity/internal/store"
	"github.com/velocityhq/velocity/internal/telemetry"
)

// Auditor records runtime audit events.
type Auditor interface {
	Emit(typ audit.EventType, subjectKind, subjectID, summary string)
}

// Config tunes the runtime loop.
type Config struct {
	HeartbeatInterval time.Duration // default 10s
	HeartbeatJitter   time.Duration // default ±1s
	TaskDeadline      time.Duration // default 600s
	SoftWarn          time.Duration // default 540s
	ClaimIdle         time.Duration // sleep when the queue is empty
	Backoff           Backoff
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatJitter:   time.Second,
		TaskDeadline:      600 * time.Second,
		SoftWarn:          540 * time.Second,
		ClaimIdle:         time.Second,
		Backoff:           DefaultBackoff(),
	}
}

// Runtime executes tasks for exactly one agent. The orchestrator owns its
// lifecycle; the runtime only runs while the given context is alive.
type Runtime struct {
	cfg      Config
	agent    model.Agent
	probe    probe.Probe
	store    *store.Store
	pipeline *pipeline.Pipeline
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	auditor  Auditor
	logger   *zap.Logger

	inFlight  atomic.Int64
	collected atomic.Int64
	errors    atomic.Int64
	latencyMS atomic.Int64
}

// NewRuntime wires the loop for one agent. The probe is resolved once, at
// construction; config problems surface here, before the agent starts.
func NewRuntime(cfg Config, a model.Agent, registry *probe.Registry, st *store.Store, pl *pipeline.Pipeline, limiter *ratelimit.Limiter, breakers *breaker.Registry, auditor Auditor, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg = DefaultConfig()
	}
	p, err := registry.New(a.Kind, a.Config)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		cfg:      cfg,
		agent:    a,
		probe:    p,
		store:    st,
		pipeline: pl,
		limiter:  limiter,
		breakers: breakers,
		auditor:  auditor,
		logger:   logger.Named("agent").With(zap.String("agent_id", a.ID), zap.String("kind", string(a.Kind))),
	}, nil
}

// Run claims and executes tasks until ctx is cancelled. The stop signal is
// observed between claims, inside probe calls and during backoff sleeps.
func (r *Runtime) Run(ctx context.Context) {
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go r.heartbeatLoop(hbCtx)

	for {
		if ctx.Err() != nil {
			return
		}
		task, err := r.store.ClaimNextTask(r.agent.ID, r.agent.Kind, time.Now().UTC())
		if err != nil {
			r.logger.Error("claim failed", zap.Error(err))
			if !sleepCtx(ctx, r.cfg.ClaimIdle) {
				return
			}
			continue
		}
		if task == nil {
			if !sleepCtx(ctx, jittered(r.cfg.ClaimIdle, 0.5)) {
				return
			}
			continue
		}
		r.execute(ctx, task)
	}
}

// Healthcheck pings the probe's underlying source and records the latency.
func (r *Runtime) Healthcheck(ctx context.Context) probe.Health {
	h := r.probe.Healthcheck(ctx)
	r.latencyMS.Store(h.LatencyMS)
	return h
}

// Metrics snapshots the loop counters for heartbeats and the fleet API.
func (r *Runtime) Metrics() model.AgentMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return model.AgentMetrics{
		InFlight:      int(r.inFlight.Load()),
		Collected:     r.collected.Load(),
		Errors:        r.errors.Load(),
		RSSBytes:      mem.Sys,
		LastLatencyMS: r.latencyMS.Load(),
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	for {
		if !sleepCtx(ctx, jittered(r.cfg.HeartbeatInterval, float64(r.cfg.HeartbeatJitter)/float64(r.cfg.HeartbeatInterval))) {
			return
		}
		if err := r.store.RecordHeartbeat(r.agent.ID, time.Now().UTC(), r.Metrics()); err != nil {
			r.logger.Warn("heartbeat write failed", zap.Error(err))
			continue
		}
		metrics.RecordHeartbeat(string(r.agent.Kind))
	}
}

func (r *Runtime) execute(ctx context.Context, task *model.Task) {
	start := time.Now()
	r.inFlight.Add(1)
	defer func() {
		r.inFlight.Add(-1)
		r.latencyMS.Store(time.Since(start).Milliseconds())
	}()

	if err := r.store.StartTask(task.ID, start.UTC()); err != nil {
		r.logger.Warn("start task rejected", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	ctx, span := telemetry.StartTaskSpan(ctx, string(r.agent.Kind), task.Kind, task.Priority)
	outcome := "completed"
	defer func() {
		span.End()
		metrics.RecordTask(task.Kind, outcome, time.Since(start))
	}()

	// Rate limit before any cloud I/O. Limited tasks requeue with the
	// retry-after hint and do not consume an attempt.
	action := "probe." + string(task.AgentKind)
	if delay, err := r.limiter.Allow(task.TenantID, action); err != nil {
		metrics.RecordRateLimited(task.TenantID, action)
		outcome = "rate_limited"
		r.requeue(task, err.Error(), time.Now().UTC().Add(delay))
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, r.cfg.TaskDeadline)
	defer cancel()
	warn := time.AfterFunc(r.cfg.SoftWarn, func() {
		r.logger.Warn("task approaching deadline", zap.String("task_id", task.ID))
	})
	defer warn.Stop()

	collected, err := r.collect(taskCtx, task)
	switch {
	case err == nil:
		r.collected.Add(int64(collected))
		result := map[string]any{"collected": collected}
		if err := r.store.CompleteTask(task.ID, result, task.Attempts, time.Now().UTC()); err != nil {
			r.logger.Error("complete failed", zap.String("task_id", task.ID), zap.Error(err))
		}

	case errors.Is(err, fault.ErrBreakerOpen), errors.Is(err, fault.ErrRateLimited):
		// Fault isolation, not a task failure: requeue without an attempt.
		outcome = "requeued"
		r.requeue(task, err.Error(), time.Now().UTC().Add(r.cfg.Backoff.Duration(1)))

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, fault.ErrTaskTimeout):
		r.errors.Add(1)
		outcome = "timeout"
		r.retryOrFail(task, fmt.Sprintf("TASK_TIMEOUT: %v", err))
		r.auditor.Emit(audit.EventTaskTimeout, "task", task.ID, "deadline exceeded")

	case errors.Is(err, context.Canceled):
		// Shutdown mid-task: leave it RUNNING for startup reconciliation.
		outcome = "interrupted"
		r.logger.Info("task interrupted by stop", zap.String("task_id", task.ID))

	case fault.Retryable(err):
		r.errors.Add(1)
		outcome = "retried"
		r.retryOrFail(task, err.Error())

	default:
		// Permanent fault: fail immediately and mark the agent.
		r.errors.Add(1)
		outcome = "failed"
		now := time.Now().UTC()
		if ferr := r.store.FailTask(task.ID, err.Error(), task.Attempts+1, now); ferr != nil {
			r.logger.Error("fail task", zap.String("task_id", task.ID), zap.Error(ferr))
		}
		_ = r.store.SetAgentError(r.agent.ID, err.Error())
		r.auditor.Emit(audit.EventTaskFailed, "task", task.ID, err.Error())
	}
}

// collect drives the probe through the breaker, page by page, submitting
// every draft to the pipeline. Returns how many drafts were committed.
func (r *Runtime) collect(ctx context.Context, task *model.Task) (int, error) {
	target := r.breakerTarget()
	total := 0
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var (
			drafts []model.Draft
			next   string
			done   bool
		)
		pageCtx, span := telemetry.StartCollectSpan(ctx, string(r.agent.Kind), target)
		err := r.breakers.Execute(r.agent.Kind, target, func() error {
			var cerr error
			drafts, next, done, cerr = r.probe.Collect(pageCtx, cursor)
			return cerr
		})
		span.End()
		if err != nil {
			return total, err
		}
		for _, d := range drafts {
			d.AgentID = r.agent.ID
			if d.TenantID == "" {
				d.TenantID = task.TenantID
			}
			if _, err := r.pipeline.Submit(ctx, d); err != nil {
				return total, err
			}
			total++
		}
		if done {
			return total, nil
		}
		cursor = next
	}
}

func (r *Runtime) requeue(task *model.Task, reason string, notBefore time.Time) {
	if err := r.store.RetryTask(task.ID, reason, task.Attempts, notBefore); err != nil {
		r.logger.Error("requeue failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (r *Runtime) retryOrFail(task *model.Task, reason string) {
	attempts := task.Attempts + 1
	now := time.Now().UTC()
	if attempts >= task.MaxAttempts {
		if err := r.store.FailTask(task.ID, reason, attempts, now); err != nil {
			r.logger.Error("fail task", zap.String("task_id", task.ID), zap.Error(err))
		}
		r.auditor.Emit(audit.EventTaskFailed, "task", task.ID, reason)
		return
	}
	notBefore := now.Add(r.cfg.Backoff.Duration(attempts))
	if err := r.store.RetryTask(task.ID, reason, attempts, notBefore); err != nil {
		r.logger.Error("retry task", zap.String("task_id", task.ID), zap.Error(err))
	}
	r.auditor.Emit(audit.EventTaskRetried, "task", task.ID,
		fmt.Sprintf("attempt %d/%d: %s", attempts, task.MaxAttempts, reason))
}

func (r *Runtime) breakerTarget() string {
	for _, key := range []string{"region", "endpoint", "org", "project_id", "subscription_id"} {
		if v := r.agent.Config[key]; v != "" {
			return v
		}
	}
	return "default"
}

// sleepCtx sleeps for d, returning false if ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// jittered returns d scaled by a random factor within ±frac.
func jittered(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	factor := 1 + (rand.Float64()*2-1)*frac
	return time.Duration(float64(d) * factor)
}
