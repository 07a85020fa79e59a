// Package orchestrator supervises the agent fleet: lifecycle transitions,
// per-agent runtime loops, health monitoring and graceful shutdown. It is
// the only component that mutates Agent rows.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/velocityhq/velocity/internal/agent"
	"github.com/velocityhq/velocity/internal/audit"
	"github.com/velocityhq/velocity/internal/breaker"
	"github.com/velocityhq/velocity/internal/bus"
	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/model"
	"github.com/velocityhq/velocity/internal/pipeline"
	"github.com/velocityhq/velocity/internal/probe"
	"github.com/velocityhq/velocity/internal/ratelimit"
	"github.com/velocityhq/velocity/internal/store"
)

// Auditor records orchestrator audit events.
type Auditor interface {
	Emit(typ audit.EventType, subjectKind, subjectID, summary string)
}

// Config tunes the supervision loops.
type Config struct {
	DispatchInterval  time.Duration // default 1s
	HealthInterval    time.Duration // default 30s
	HeartbeatInterval time.Duration // expected agent cadence, default 10s
	MissToDegraded    int           // heartbeats missed before DEGRADED, default 2
	DegradedToError   int           // heartbeats missed before ERROR, default 5
	GraceWindow       time.Duration // shutdown grace, default 30s
	ReadOnlyThreshold int           // consecutive storage faults before read-only, default 5
	Runtime           agent.Config
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{
		DispatchInterval:  time.Second,
		HealthInterval:    30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		MissToDegraded:    2,
		DegradedToError:   5,
		GraceWindow:       30 * time.Second,
		ReadOnlyThreshold: 5,
		Runtime:           agent.DefaultConfig(),
	}
}

// runner tracks one live agent loop.
type runner struct {
	rt         *agent.Runtime
	cancel     context.CancelFunc
	done       chan struct{}
	restarts   int
	probeFails int
}

// Orchestrator owns the agent fleet.
type Orchestrator struct {
	cfg      Config
	store    *store.Store
	bus      bus.Bus
	registry *probe.Registry
	pipeline *pipeline.Pipeline
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	auditor  Auditor
	logger   *zap.Logger

	mu      sync.Mutex
	runners map[string]*runner
	baseCtx context.Context
	stop    context.CancelFunc

	storageFaults atomic.Int64
	readOnly      atomic.Bool
	shuttingDown  atomic.Bool
}

// New wires the orchestrator. Run must be called before agents can start.
func New(cfg Config, st *store.Store, b bus.Bus, registry *probe.Registry, pl *pipeline.Pipeline, limiter *ratelimit.Limiter, breakers *breaker.Registry, auditor Auditor, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = def.DispatchInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MissToDegraded <= 0 {
		cfg.MissToDegraded = def.MissToDegraded
	}
	if cfg.DegradedToError <= 0 {
		cfg.DegradedToError = def.DegradedToError
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = def.GraceWindow
	}
	if cfg.ReadOnlyThreshold <= 0 {
		cfg.ReadOnlyThreshold = def.ReadOnlyThreshold
	}
	if cfg.Runtime.HeartbeatInterval <= 0 {
		cfg.Runtime = def.Runtime
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		bus:      b,
		registry: registry,
		pipeline: pl,
		limiter:  limiter,
		breakers: breakers,
		auditor:  auditor,
		logger:   logger.Named("orchestrator"),
		runners:  make(map[string]*runner),
	}
}

// CreateAgent validates the config against the probe catalog and persists a
// CREATED agent. The agent does not run until StartAgent.
func (o *Orchestrator) CreateAgent(tenantID string, kind model.AgentKind, config map[string]string) (*model.Agent, error) {
	if o.readOnly.Load() {
		return nil, fmt.Errorf("store is read-only: %w", fault.ErrStorage)
	}
	if err := o.registry.ValidateConfig(kind, config); err != nil {
		return nil, err
	}
	a, err := o.store.PutAgent(model.Agent{
		TenantID: tenantID,
		Kind:     kind,
		Config:   config,
		Status:   model.AgentCreated,
	})
	if err != nil {
		o.noteStorage(err)
		return nil, err
	}
	o.noteStorage(nil)
	o.auditor.Emit(audit.EventAgentCreated, "agent", a.ID,
		fmt.Sprintf("%s agent for tenant %s", kind, tenantID))
	return a, nil
}

// GetAgent returns one agent.
func (o *Orchestrator) GetAgent(id string) (*model.Agent, error) {
	return o.store.LoadAgent(id)
}

// ListAgents lists agents matching the filter.
func (o *Orchestrator) ListAgents(q store.AgentQuery) ([]model.Agent, error) {
	return o.store.ListAgents(q)
}

// FleetSummary counts agents per lifecycle status.
func (o *Orchestrator) FleetSummary() (map[model.AgentStatus]int, error) {
	return o.store.FleetSummary()
}

// StartAgent drives CREATED → STARTING → RUNNING and spawns the work loop.
// A runtime that cannot be constructed (bad config, unknown kind) lands the
// agent in ERROR.
func (o *Orchestrator) StartAgent(id string) error {
	if o.shuttingDown.Load() {
		return fmt.Errorf("orchestrator is shutting down: %w", fault.ErrIllegalTransition)
	}
	if err := o.store.CASAgentStatus(id, model.AgentCreated, model.AgentStarting); err != nil {
		return err
	}
	o.transitionAudit(id, model.AgentCreated, model.AgentStarting)

	a, err := o.store.LoadAgent(id)
	if err != nil {
		return err
	}
	if err := o.spawn(*a); err != nil {
		_ = o.store.CASAgentStatus(id, model.AgentStarting, model.AgentError)
		_ = o.store.SetAgentError(id, err.Error())
		o.auditor.Emit(audit.EventAgentErrored, "agent", id, err.Error())
		return err
	}
	if err := o.store.CASAgentStatus(id, model.AgentStarting, model.AgentRunning); err != nil {
		o.despawn(id)
		return err
	}
	o.transitionAudit(id, model.AgentStarting, model.AgentRunning)
	return nil
}

// StopAgent drives the agent to STOPPING, cancels its loop, then settles on
// STOPPED within the grace window or TERMINATED by force.
func (o *Orchestrator) StopAgent(id string, graceful bool) error {
	a, err := o.store.LoadAgent(id)
	if err != nil {
		return err
	}
	if err := o.store.CASAgentStatus(id, a.Status, model.AgentStopping); err != nil {
		return err
	}
	o.transitionAudit(id, a.Status, model.AgentStopping)

	done := o.despawn(id)
	if graceful && o.await(done, o.cfg.GraceWindow) {
		if err := o.store.CASAgentStatus(id, model.AgentStopping, model.AgentStopped); err != nil {
			return err
		}
		o.transitionAudit(id, model.AgentStopping, model.AgentStopped)
		return nil
	}
	if err := o.store.CASAgentStatus(id, model.AgentStopping, model.AgentTerminated); err != nil {
		return err
	}
	o.auditor.Emit(audit.EventShutdownForced, "agent", id, "grace window elapsed")
	return nil
}

// PauseAgent stops claiming without losing the agent's place in the fleet.
func (o *Orchestrator) PauseAgent(id string) error {
	if err := o.store.CASAgentStatus(id, model.AgentRunning, model.AgentPaused); err != nil {
		return err
	}
	o.transitionAudit(id, model.AgentRunning, model.AgentPaused)
	o.await(o.despawn(id), o.cfg.GraceWindow)
	return nil
}

// ResumeAgent restarts a paused agent's loop.
func (o *Orchestrator) ResumeAgent(id string) error {
	a, err := o.store.LoadAgent(id)
	if err != nil {
		return err
	}
	if err := o.store.CASAgentStatus(id, model.AgentPaused, model.AgentRunning); err != nil {
		return err
	}
	o.transitionAudit(id, model.AgentPaused, model.AgentRunning)
	if err := o.spawn(*a); err != nil {
		_ = o.store.CASAgentStatus(id, model.AgentRunning, model.AgentDegraded)
		return err
	}
	return nil
}

// SubmitTask enqueues an on-demand task and publishes its envelope.
func (o *Orchestrator) SubmitTask(ctx context.Context, task model.Task) (*model.Task, error) {
	if o.readOnly.Load() {
		return nil, fmt.Errorf("store is read-only: %w", fault.ErrStorage)
	}
	out, err := o.store.EnqueueTask(task)
	if err != nil {
		o.noteStorage(err)
		return nil, err
	}
	o.noteStorage(nil)
	if err := o.bus.Publish(ctx, bus.Message{
		TaskID:     out.ID,
		TenantID:   out.TenantID,
		AgentKind:  out.AgentKind,
		Priority:   out.Priority,
		EnqueuedAt: out.CreatedAt,
	}); err != nil {
		o.logger.Warn("publish task envelope", zap.String("task_id", out.ID), zap.Error(err))
	}
	return out, nil
}

// Run reconciles persisted state, then supervises until ctx ends and
// shutdown completes.
func (o *Orchestrator) Run(ctx context.Context) error {
	base, stop := context.WithCancel(context.Background())
	o.mu.Lock()
	o.baseCtx = base
	o.stop = stop
	o.mu.Unlock()

	if err := o.reconcile(); err != nil {
		stop()
		return err
	}

	dispatch := time.NewTicker(o.cfg.DispatchInterval)
	defer dispatch.Stop()
	health := time.NewTicker(o.cfg.HealthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			o.Shutdown()
			return nil
		case <-dispatch.C:
			o.dispatchTick()
		case <-health.C:
			o.healthTick(time.Now().UTC())
		}
	}
}

// reconcile repairs state left behind by a previous process: orphaned tasks
// return to the queue with backoff, interrupted startups land in ERROR and
// previously RUNNING agents get fresh loops.
func (o *Orchestrator) reconcile() error {
	reset, err := o.store.ResetOrphanedTasks(time.Now().UTC(), o.cfg.Runtime.Backoff.Duration)
	if err != nil {
		return err
	}
	if reset > 0 {
		o.logger.Info("requeued orphaned tasks", zap.Int("count", reset))
	}

	starting, err := o.store.ListAgents(store.AgentQuery{Status: model.AgentStarting})
	if err != nil {
		return err
	}
	for _, a := range starting {
		if err := o.store.CASAgentStatus(a.ID, model.AgentStarting, model.AgentError); err == nil {
			_ = o.store.SetAgentError(a.ID, "startup interrupted by restart")
			o.auditor.Emit(audit.EventAgentErrored, "agent", a.ID, "startup interrupted by restart")
		}
	}

	for _, status := range []model.AgentStatus{model.AgentRunning, model.AgentDegraded} {
		agents, err := o.store.ListAgents(store.AgentQuery{Status: status})
		if err != nil {
			return err
		}
		for _, a := range agents {
			if err := o.spawn(a); err != nil {
				o.logger.Error("restart agent loop", zap.String("agent_id", a.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// dispatchTick makes sure every RUNNING agent has a live loop, restarting
// crashed ones with exponential backoff.
func (o *Orchestrator) dispatchTick() {
	agents, err := o.store.ListAgents(store.AgentQuery{Status: model.AgentRunning})
	if err != nil {
		o.noteStorage(err)
		return
	}
	o.noteStorage(nil)

	for _, a := range agents {
		o.mu.Lock()
		r, live := o.runners[a.ID]
		restarts := 0
		if r != nil {
			restarts = r.restarts
			select {
			case <-r.done:
				live = false
			default:
			}
		}
		o.mu.Unlock()
		if live {
			continue
		}
		delay := o.cfg.Runtime.Backoff.Duration(restarts)
		if r != nil && restarts > 0 {
			time.Sleep(min(delay, o.cfg.DispatchInterval))
		}
		if err := o.spawn(a); err != nil {
			o.logger.Error("respawn agent loop", zap.String("agent_id", a.ID), zap.Error(err))
			continue
		}
		o.mu.Lock()
		if nr := o.runners[a.ID]; nr != nil {
			nr.restarts = restarts + 1
		}
		o.mu.Unlock()
	}
}

// healthTick drives RUNNING→DEGRADED→ERROR on heartbeat staleness and
// recovers DEGRADED agents whose heartbeats returned.
func (o *Orchestrator) healthTick(now time.Time) {
	for _, status := range []model.AgentStatus{model.AgentRunning, model.AgentDegraded} {
		agents, err := o.store.ListAgents(store.AgentQuery{Status: status})
		if err != nil {
			o.noteStorage(err)
			return
		}
		for _, a := range agents {
			missed := o.missedHeartbeats(a, now) + o.probeSweep(a.ID)
			switch {
			case status == model.AgentRunning && missed >= o.cfg.DegradedToError:
				if o.store.CASAgentStatus(a.ID, model.AgentRunning, model.AgentDegraded) == nil {
					o.escalate(a.ID, missed)
				}
			case status == model.AgentRunning && missed >= o.cfg.MissToDegraded:
				if o.store.CASAgentStatus(a.ID, model.AgentRunning, model.AgentDegraded) == nil {
					o.auditor.Emit(audit.EventAgentDegraded, "agent", a.ID,
						fmt.Sprintf("%d heartbeats missed", missed))
				}
			case status == model.AgentDegraded && missed >= o.cfg.DegradedToError:
				o.escalate(a.ID, missed)
			case status == model.AgentDegraded && missed == 0:
				if o.store.CASAgentStatus(a.ID, model.AgentDegraded, model.AgentRunning) == nil {
					o.transitionAudit(a.ID, model.AgentDegraded, model.AgentRunning)
				}
			}
		}
	}
	o.noteStorage(nil)
}

func (o *Orchestrator) escalate(id string, missed int) {
	if err := o.store.CASAgentStatus(id, model.AgentDegraded, model.AgentError); err != nil {
		return
	}
	_ = o.store.SetAgentError(id, fmt.Sprintf("%d heartbeats missed", missed))
	o.auditor.Emit(audit.EventAgentErrored, "agent", id,
		fmt.Sprintf("%d heartbeats missed", missed))
	o.await(o.despawn(id), o.cfg.GraceWindow)
}

// probeSweep pings the live runtime's evidence source. Consecutive failures
// count toward the same thresholds as missed heartbeats.
func (o *Orchestrator) probeSweep(id string) int {
	o.mu.Lock()
	r, ok := o.runners[id]
	o.mu.Unlock()
	if !ok || r.rt == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := r.rt.Healthcheck(ctx)
	o.mu.Lock()
	defer o.mu.Unlock()
	if h.OK {
		r.probeFails = 0
		return 0
	}
	r.probeFails++
	o.logger.Warn("probe healthcheck failed", zap.String("agent_id", id),
		zap.Int64("latency_ms", h.LatencyMS), zap.String("detail", h.Detail))
	return r.probeFails
}

func (o *Orchestrator) missedHeartbeats(a model.Agent, now time.Time) int {
	last := a.CreatedAt
	if a.LastHeartbeatAt != nil {
		last = *a.LastHeartbeatAt
	}
	stale := now.Sub(last)
	if stale <= o.cfg.HeartbeatInterval {
		return 0
	}
	return int(stale / o.cfg.HeartbeatInterval)
}

// Shutdown broadcasts stop to every loop, waits out the grace window, force
// terminates stragglers and closes the pipeline. Idempotent.
func (o *Orchestrator) Shutdown() {
	if !o.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	o.logger.Info("shutting down fleet")

	o.mu.Lock()
	if o.stop != nil {
		o.stop()
	}
	waiting := make(map[string]chan struct{}, len(o.runners))
	for id, r := range o.runners {
		r.cancel()
		waiting[id] = r.done
	}
	o.runners = make(map[string]*runner)
	o.mu.Unlock()

	deadline := time.After(o.cfg.GraceWindow)
	for id, done := range waiting {
		select {
		case <-done:
			o.settle(id, model.AgentStopped)
		case <-deadline:
			o.settle(id, model.AgentTerminated)
			o.auditor.Emit(audit.EventShutdownForced, "agent", id, "grace window elapsed at shutdown")
			deadline = closedTimer()
		}
	}
	o.settleFleet()
	if o.pipeline != nil {
		o.pipeline.Close()
	}
}

// settleFleet drives agents without a live loop (PAUSED, ERROR, stragglers
// from an interrupted startup) to STOPPED so nothing survives shutdown in a
// non-terminal state.
func (o *Orchestrator) settleFleet() {
	if starting, err := o.store.ListAgents(store.AgentQuery{Status: model.AgentStarting}); err == nil {
		for _, a := range starting {
			if o.store.CASAgentStatus(a.ID, model.AgentStarting, model.AgentError) == nil {
				_ = o.store.SetAgentError(a.ID, "startup interrupted by shutdown")
			}
		}
	}
	for _, status := range []model.AgentStatus{
		model.AgentRunning,
		model.AgentDegraded,
		model.AgentPaused,
		model.AgentError,
		model.AgentStopping,
	} {
		agents, err := o.store.ListAgents(store.AgentQuery{Status: status})
		if err != nil {
			continue
		}
		for _, a := range agents {
			o.settle(a.ID, model.AgentStopped)
		}
	}
}

// settle moves an agent from its current state to a terminal one via
// STOPPING, tolerating states that already settled.
func (o *Orchestrator) settle(id string, terminal model.AgentStatus) {
	a, err := o.store.LoadAgent(id)
	if err != nil {
		return
	}
	if a.Status.Terminal() {
		return
	}
	if a.Status != model.AgentStopping {
		if err := o.store.CASAgentStatus(id, a.Status, model.AgentStopping); err != nil {
			return
		}
	}
	if o.store.CASAgentStatus(id, model.AgentStopping, terminal) == nil {
		o.transitionAudit(id, model.AgentStopping, terminal)
	}
}

// spawn builds a runtime for the agent and runs it until despawn or
// shutdown. Errors mean the runtime could not even be constructed.
func (o *Orchestrator) spawn(a model.Agent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runners[a.ID]; ok {
		select {
		case <-r.done:
		default:
			return nil // already live
		}
	}
	if o.baseCtx == nil || o.baseCtx.Err() != nil {
		return fmt.Errorf("orchestrator not running: %w", fault.ErrIllegalTransition)
	}

	rt, err := agent.NewRuntime(o.cfg.Runtime, a, o.registry, o.store, o.pipeline, o.limiter, o.breakers, o.auditor, o.logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(o.baseCtx)
	done := make(chan struct{})
	o.runners[a.ID] = &runner{rt: rt, cancel: cancel, done: done}
	go func() {
		defer close(done)
		rt.Run(ctx)
	}()
	o.logger.Info("agent loop started", zap.String("agent_id", a.ID), zap.String("kind", string(a.Kind)))
	return nil
}

// despawn cancels the agent's loop and returns its done channel.
func (o *Orchestrator) despawn(id string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runners[id]
	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}
	delete(o.runners, id)
	r.cancel()
	return r.done
}

func (o *Orchestrator) await(done <-chan struct{}, grace time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

// noteStorage tracks consecutive storage faults and flips the control plane
// read-only once they persist past the threshold.
func (o *Orchestrator) noteStorage(err error) {
	if err == nil || !errors.Is(err, fault.ErrStorage) {
		o.storageFaults.Store(0)
		return
	}
	n := o.storageFaults.Add(1)
	if int(n) >= o.cfg.ReadOnlyThreshold && o.readOnly.CompareAndSwap(false, true) {
		o.auditor.Emit(audit.EventStoreReadOnly, "store", "velocity",
			fmt.Sprintf("%d consecutive storage faults", n))
		o.logger.Error("entering read-only mode", zap.Int64("consecutive_faults", n))
	}
}

// ReadOnly reports whether writes are refused.
func (o *Orchestrator) ReadOnly() bool {
	return o.readOnly.Load()
}

func (o *Orchestrator) transitionAudit(id string, from, to model.AgentStatus) {
	o.auditor.Emit(audit.EventAgentTransition, "agent", id, fmt.Sprintf("%s -> %s", from, to))
}

func closedTimer() <-chan time.Time {
	ch := make(chan time.Time)
	close(ch)
	return ch
}
