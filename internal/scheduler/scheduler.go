// Package scheduler materializes recurring jobs into tasks. Schedules are
// either standard cron expressions or plain Go durations ("30m"). Priority
// is resolved from the tenant's tier, with rule overrides for security
// incidents and compliance violations.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/velocityhq/velocity/internal/audit"
	"github.com/velocityhq/velocity/internal/bus"
	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/metrics"
	"github.com/velocityhq/velocity/internal/model"
	"github.com/velocityhq/velocity/internal/store"
	"github.com/velocityhq/velocity/internal/tenant"
)

// Auditor records scheduler audit events.
type Auditor interface {
	Emit(typ audit.EventType, subjectKind, subjectID, summary string)
}

// Config tunes the tick loop.
type Config struct {
	TickInterval time.Duration // default 1s
}

// Scheduler fires due jobs every tick.
type Scheduler struct {
	cfg     Config
	jobs    *Store
	tasks   *store.Store
	bus     bus.Bus
	tiers   *tenant.Registry
	auditor Auditor
	logger  *zap.Logger
}

// New wires a scheduler.
func New(cfg Config, jobs *Store, tasks *store.Store, b bus.Bus, tiers *tenant.Registry, auditor Auditor, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Scheduler{
		cfg:     cfg,
		jobs:    jobs,
		tasks:   tasks,
		bus:     b,
		tiers:   tiers,
		auditor: auditor,
		logger:  logger.Named("scheduler"),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now.UTC())
		}
	}
}

// Tick fires every enabled job whose next_fire_at has passed.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due, err := s.jobs.ListDue(now)
	if err != nil {
		s.logger.Error("list due jobs", zap.Error(err))
		return
	}
	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, job, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, job Job, now time.Time) {
	priority := ResolvePriority(job.TaskKind, s.tiers.Resolve(job.TenantID))

	task, err := s.tasks.EnqueueTask(model.Task{
		TenantID:  job.TenantID,
		AgentKind: job.AgentKind,
		Kind:      job.TaskKind,
		Priority:  priority,
		Payload:   job.Payload,
	})
	if err != nil {
		s.logger.Error("enqueue task", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	if err := s.bus.Publish(ctx, bus.Message{
		TaskID:     task.ID,
		TenantID:   task.TenantID,
		AgentKind:  task.AgentKind,
		Priority:   task.Priority,
		EnqueuedAt: task.CreatedAt,
	}); err != nil {
		// The task row is authoritative; a missed envelope only delays pickup.
		s.logger.Warn("publish task envelope", zap.String("task_id", task.ID), zap.Error(err))
	}

	next, err := NextFire(job.Schedule, now)
	if err != nil {
		s.logger.Error("compute next fire, disabling job", zap.String("job_id", job.ID), zap.Error(err))
		_ = s.jobs.SetEnabled(job.ID, false)
		return
	}
	if err := s.jobs.MarkFired(job.ID, now, next); err != nil {
		s.logger.Error("mark fired", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.SchedulerFiredTotal.WithLabelValues(job.TaskKind).Inc()
	s.auditor.Emit(audit.EventSchedulerFired, "task", task.ID,
		fmt.Sprintf("job %s fired %s for tenant %s", job.ID, job.TaskKind, job.TenantID))
}

// ResolvePriority maps a task kind and tenant tier to a queue priority.
// Security incidents and compliance violations always preempt.
func ResolvePriority(taskKind string, tier tenant.Tier) int {
	kind := strings.ToLower(taskKind)
	if strings.Contains(kind, "security_incident") || strings.Contains(kind, "compliance_violation") {
		return model.PriorityCritical
	}
	return tier.DefaultPriority()
}

// NextFire computes the next fire time after now. schedule is a standard
// five-field cron expression or a Go duration string.
func NextFire(schedule string, now time.Time) (time.Time, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return time.Time{}, fmt.Errorf("schedule is required: %w", fault.ErrConfig)
	}
	if spec, err := cron.ParseStandard(schedule); err == nil {
		return spec.Next(now), nil
	}
	if every, err := time.ParseDuration(schedule); err == nil {
		// Cron resolution is one minute; interval schedules get the same floor.
		if every < time.Minute {
			return time.Time{}, fmt.Errorf("schedule %q below 1m: %w", schedule, fault.ErrConfig)
		}
		return now.Add(every), nil
	}
	return time.Time{}, fmt.Errorf("schedule %q is neither cron nor duration: %w", schedule, fault.ErrConfig)
}

func jsonText(v map[string]any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalPayload(raw string, out *map[string]any) {
	if raw == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), out)
}
