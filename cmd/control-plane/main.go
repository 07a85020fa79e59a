// Velocity Control Plane — orchestrates the evidence collection fleet.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/velocityhq/velocity/internal/agent"
	"github.com/velocityhq/velocity/internal/audit"
	"github.com/velocityhq/velocity/internal/breaker"
	"github.com/velocityhq/velocity/internal/bus"
	"github.com/velocityhq/velocity/internal/config"
	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/metrics"
	"github.com/velocityhq/velocity/internal/model"
	"github.com/velocityhq/velocity/internal/orchestrator"
	"github.com/velocityhq/velocity/internal/pipeline"
	"github.com/velocityhq/velocity/internal/probe"
	"github.com/velocityhq/velocity/internal/ratelimit"
	"github.com/velocityhq/velocity/internal/rules"
	"github.com/velocityhq/velocity/internal/scheduler"
	"github.com/velocityhq/velocity/internal/store"
	"github.com/velocityhq/velocity/internal/telemetry"
	"github.com/velocityhq/velocity/internal/tenant"
	"github.com/velocityhq/velocity/internal/trust"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes follow sysexits conventions.
const (
	exitOK          = 0
	exitUsage       = 64 // bad configuration
	exitUnavailable = 69 // storage unavailable
	exitTempFail    = 75 // transient startup failure (bind, redis)
	exitSoftware    = 70 // internal error
)

// auditSink is the slice of the audit API the control plane needs, satisfied
// by both the SQLite-backed store and the in-memory ring.
type auditSink interface {
	Emit(typ audit.EventType, subjectKind, subjectID, summary string)
	Recent(n int) []audit.Event
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitUsage
	}

	logger := buildLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting control plane",
		zap.String("version", version), zap.String("commit", commit), zap.String("date", date))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.TelemetryEndpoint, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// ── Storage ──────────────────────────────────────────────
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Error("cannot create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
		return exitUnavailable
	}
	st, err := store.Open(filepath.Join(cfg.DataDir, "velocity.db"))
	if err != nil {
		logger.Error("cannot open store", zap.Error(err))
		return exitUnavailable
	}
	defer func() { _ = st.Close() }()
	st.SetStarvationGuard(cfg.Scheduler.StarvationThreshold.Std(), 0)

	jobs, err := scheduler.NewStore(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		logger.Error("cannot open jobs store", zap.Error(err))
		return exitUnavailable
	}
	defer func() { _ = jobs.Close() }()

	// Audit log: prefer SQLite-backed, fall back to in-memory
	var auditor auditSink
	auditStore, err := audit.NewStore(filepath.Join(cfg.DataDir, "audit.db"), 1024, 256)
	if err != nil {
		logger.Warn("audit log will be in-memory only", zap.Error(err))
		auditor = audit.NewLog(4096)
	} else {
		auditor = auditStore
		defer func() { _ = auditStore.Close() }()
	}

	// ── Message bus ──────────────────────────────────────────
	var b bus.Bus
	if cfg.RedisAddr != "" {
		rb, err := bus.NewRedis(bus.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Error("cannot reach redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			return exitTempFail
		}
		b = rb
		logger.Info("using redis bus", zap.String("addr", cfg.RedisAddr))
	} else {
		b = bus.NewMemory(bus.MemoryConfig{
			StarvationThreshold: cfg.Scheduler.StarvationThreshold.Std(),
		}, logger)
		logger.Info("using in-process bus")
	}
	defer func() { _ = b.Close() }()

	// ── Core components ──────────────────────────────────────
	tiers := tenant.NewRegistry()
	limiter := ratelimit.New(ratelimit.DefaultConfig(), tiers)
	breakers := breaker.NewRegistry(breaker.Config{
		Threshold:       uint32(cfg.Breaker.FailureThreshold),
		RecoveryTimeout: cfg.Breaker.RecoveryTimeout.Std(),
	}, logger)
	registry := probe.DefaultRegistry(probe.HTTPProvider(nil))

	pl := pipeline.New(pipeline.Config{
		OutboxMaxRetries: cfg.Pipeline.OutboxMaxRetries,
		OutboxDepth:      cfg.Pipeline.OutboxDepth,
	}, st, rules.DefaultEvaluator(), b, auditor, logger)

	orch := orchestrator.New(orchestrator.Config{
		HealthInterval:    30 * time.Second,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval.Std(),
		MissToDegraded:    cfg.Agent.MissToDegraded,
		DegradedToError:   cfg.Agent.DegradedToError,
		GraceWindow:       cfg.Agent.GraceWindow.Std(),
		Runtime:           runtimeConfig(cfg),
	}, st, b, registry, pl, limiter, breakers, auditor, logger)

	sched := scheduler.New(scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval.Std(),
	}, jobs, st, b, tiers, auditor, logger)

	scores := trust.NewEngine(trust.Config{
		Debounce:                 cfg.Trust.Debounce.Std(),
		AutomationBonusThreshold: cfg.Trust.AutomationBonusThreshold,
	}, st, b, auditor, logger)

	promReg := prometheus.NewRegistry()
	metrics.Register(promReg)

	// ── Background loops ─────────────────────────────────────
	errc := make(chan error, 1)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := orch.Run(groupCtx); err != nil {
			return fmt.Errorf("orchestrator: %w", err)
		}
		return nil
	})
	group.Go(func() error { sched.Run(groupCtx); return nil })
	group.Go(func() error { scores.Run(groupCtx); return nil })
	group.Go(func() error { fleetGaugeLoop(groupCtx, orch); return nil })
	go func() {
		if err := group.Wait(); err != nil {
			errc <- err
		}
	}()

	// ── HTTP API ─────────────────────────────────────────────
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"version": version, "commit": commit, "date": date})
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	// ── Fleet API ────────────────────────────────────────────
	mux.HandleFunc("GET /api/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		q := store.AgentQuery{
			TenantID: r.URL.Query().Get("tenant_id"),
			Kind:     model.AgentKind(r.URL.Query().Get("kind")),
			Status:   model.AgentStatus(r.URL.Query().Get("status")),
		}
		agents, err := orch.ListAgents(q)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, agents)
	})
	mux.HandleFunc("POST /api/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TenantID string            `json:"tenant_id"`
			Kind     model.AgentKind   `json:"kind"`
			Config   map[string]string `json:"config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
			return
		}
		a, err := orch.CreateAgent(req.TenantID, req.Kind, req.Config)
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, a)
	})
	mux.HandleFunc("GET /api/v1/agents/{id}", func(w http.ResponseWriter, r *http.Request) {
		a, err := orch.GetAgent(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, a)
	})
	mux.HandleFunc("POST /api/v1/agents/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		lifecycle(w, r.PathValue("id"), orch.StartAgent)
	})
	mux.HandleFunc("POST /api/v1/agents/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		graceful := r.URL.Query().Get("force") != "true"
		lifecycle(w, r.PathValue("id"), func(id string) error { return orch.StopAgent(id, graceful) })
	})
	mux.HandleFunc("POST /api/v1/agents/{id}/pause", func(w http.ResponseWriter, r *http.Request) {
		lifecycle(w, r.PathValue("id"), orch.PauseAgent)
	})
	mux.HandleFunc("POST /api/v1/agents/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
		lifecycle(w, r.PathValue("id"), orch.ResumeAgent)
	})
	mux.HandleFunc("GET /api/v1/fleet/summary", func(w http.ResponseWriter, r *http.Request) {
		summary, err := orch.FleetSummary()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, summary)
	})

	// ── Tasks ────────────────────────────────────────────────
	mux.HandleFunc("POST /api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		var task model.Task
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
			return
		}
		out, err := orch.SubmitTask(r.Context(), task)
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, out)
	})
	mux.HandleFunc("GET /api/v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		task, err := st.GetTask(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, task)
	})

	// ── Scheduler jobs ───────────────────────────────────────
	mux.HandleFunc("GET /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		list, err := jobs.ListJobs()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, list)
	})
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		var job scheduler.Job
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
			return
		}
		out, err := jobs.CreateJob(job)
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, out)
	})
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := jobs.DeleteJob(r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// ── Evidence ─────────────────────────────────────────────
	mux.HandleFunc("GET /api/v1/evidence", func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		rows, err := st.ListEvidence(store.EvidenceQuery{
			TenantID:  r.URL.Query().Get("tenant_id"),
			Kind:      r.URL.Query().Get("kind"),
			Source:    model.AgentKind(r.URL.Query().Get("source")),
			Framework: model.Framework(r.URL.Query().Get("framework")),
			Status:    model.ComplianceStatus(r.URL.Query().Get("status")),
			Limit:     limit,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, rows)
	})
	mux.HandleFunc("GET /api/v1/evidence/{id}", func(w http.ResponseWriter, r *http.Request) {
		ev, err := st.GetEvidence(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, ev)
	})
	mux.HandleFunc("POST /api/v1/evidence/{id}/reevaluate", func(w http.ResponseWriter, r *http.Request) {
		ev, err := pl.ReEvaluate(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, ev)
	})

	// ── Trust scores ─────────────────────────────────────────
	mux.HandleFunc("GET /api/v1/tenants/{id}/trust", func(w http.ResponseWriter, r *http.Request) {
		score, err := st.LatestTrustScore(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, score)
	})
	mux.HandleFunc("POST /api/v1/tenants/{id}/trust/recompute", func(w http.ResponseWriter, r *http.Request) {
		score, err := scores.Recompute(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, score)
	})

	// ── Audit ────────────────────────────────────────────────
	mux.HandleFunc("GET /api/v1/audit", func(w http.ResponseWriter, r *http.Request) {
		n := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				n = parsed
			}
		}
		writeJSON(w, auditor.Recent(n))
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errc:
		logger.Error("fatal", zap.Error(err))
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
		if errors.Is(err, fault.ErrStorage) {
			return exitUnavailable
		}
		if errors.Is(err, fault.ErrTransient) {
			return exitTempFail
		}
		return exitSoftware
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Agent.GraceWindow.Std())
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	orch.Shutdown()
	logger.Info("control plane stopped")
	return exitOK
}

func runtimeConfig(cfg config.Config) (out agent.Config) {
	out.HeartbeatInterval = cfg.Agent.HeartbeatInterval.Std()
	out.HeartbeatJitter = cfg.Agent.HeartbeatJitter.Std()
	out.TaskDeadline = cfg.Task.Deadline.Std()
	out.SoftWarn = cfg.Task.SoftWarn.Std()
	out.ClaimIdle = time.Second
	out.Backoff.Base = cfg.Task.BackoffBase.Std()
	out.Backoff.Cap = cfg.Task.BackoffCap.Std()
	out.Backoff.Jitter = 0.2
	return out
}

func lifecycle(w http.ResponseWriter, id string, op func(string) error) {
	if err := op(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"agent_id": id, "status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fault.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fault.ErrConfig):
		status = http.StatusBadRequest
	case errors.Is(err, fault.ErrIllegalTransition):
		status = http.StatusConflict
	case errors.Is(err, fault.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, fault.ErrStorage):
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func buildLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

// fleetGaugeLoop refreshes the fleet status gauge every 15s.
func fleetGaugeLoop(ctx context.Context, orch *orchestrator.Orchestrator) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := orch.FleetSummary()
			if err != nil {
				continue
			}
			out := make(map[string]int, len(summary))
			for status, n := range summary {
				out[string(status)] = n
			}
			metrics.SetFleetGauge(out)
		}
	}
}
