package trust

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/velocityhq/velocity/internal/audit"
	"github.com/velocityhq/velocity/internal/bus"
	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/metrics"
	"github.com/velocityhq/velocity/internal/model"
	"github.com/velocityhq/velocity/internal/store"
	"github.com/velocityhq/velocity/internal/telemetry"
)

// Auditor records recompute audit events.
type Auditor interface {
	Emit(typ audit.EventType, subjectKind, subjectID, summary string)
}

// Config tunes the recompute listener.
type Config struct {
	Debounce                 time.Duration // min gap between recomputes per tenant, default 10s
	AutomationBonusThreshold float64       // default 0.70
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:                 10 * time.Second,
		AutomationBonusThreshold: 0.70,
	}
}

// Engine recomputes trust scores when new evidence lands. Recomputes are
// debounced per tenant so an evidence burst costs one scan, not one per row.
type Engine struct {
	cfg     Config
	store   *store.Store
	bus     bus.Bus
	auditor Auditor
	logger  *zap.Logger

	mu      sync.Mutex
	last    map[string]time.Time  // tenant -> last recompute
	pending map[string]*time.Timer // tenant -> deferred recompute
	wg      sync.WaitGroup
}

// NewEngine wires the recompute engine.
func NewEngine(cfg Config, st *store.Store, b bus.Bus, auditor Auditor, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig().Debounce
	}
	if cfg.AutomationBonusThreshold <= 0 {
		cfg.AutomationBonusThreshold = DefaultConfig().AutomationBonusThreshold
	}
	return &Engine{
		cfg:     cfg,
		store:   st,
		bus:     b,
		auditor: auditor,
		logger:  logger.Named("trust"),
		last:    make(map[string]time.Time),
		pending: make(map[string]*time.Timer),
	}
}

// Run consumes evidence.new notifications until ctx is cancelled or the bus
// closes. Deferred recomputes are flushed before returning.
func (e *Engine) Run(ctx context.Context) {
	stream := e.bus.Subscribe(bus.TopicEvidenceNew)
	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, fault.ErrBusClosed) {
				e.logger.Error("notification stream failed", zap.Error(err))
			}
			break
		}
		e.Trigger(msg.TenantID)
	}
	e.drain()
}

// Trigger requests a recompute for the tenant. If one ran within the
// debounce window, the recompute is deferred to the window's end; repeat
// triggers inside the window coalesce into that one deferred run.
func (e *Engine) Trigger(tenantID string) {
	if tenantID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, waiting := e.pending[tenantID]; waiting {
		return
	}
	elapsed := time.Since(e.last[tenantID])
	if elapsed >= e.cfg.Debounce {
		e.last[tenantID] = time.Now()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.recompute(tenantID)
		}()
		return
	}
	delay := e.cfg.Debounce - elapsed
	e.wg.Add(1)
	e.pending[tenantID] = time.AfterFunc(delay, func() {
		defer e.wg.Done()
		e.mu.Lock()
		delete(e.pending, tenantID)
		e.last[tenantID] = time.Now()
		e.mu.Unlock()
		e.recompute(tenantID)
	})
}

// Recompute runs a scoring pass for the tenant immediately, bypassing the
// debounce. Used by the on-demand API.
func (e *Engine) Recompute(tenantID string) (*model.TrustScore, error) {
	_, span := telemetry.StartRecomputeSpan(context.Background(), tenantID)
	defer span.End()

	rows := make([]model.Evidence, 0, 64)
	err := e.store.GetTrustInputs(tenantID, func(ev model.Evidence) error {
		rows = append(rows, ev)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("trust inputs for %s: %w", tenantID, err)
	}
	score := Score(tenantID, rows, e.cfg.AutomationBonusThreshold, time.Now())
	if err := e.store.PutTrustScore(score); err != nil {
		return nil, err
	}
	metrics.RecordTrustRecompute(tenantID)
	e.auditor.Emit(audit.EventTrustRecomputed, "tenant", tenantID,
		fmt.Sprintf("overall %.1f grade %s over %d evidence rows", score.Overall, score.Grade, score.EvidenceCount))
	return &score, nil
}

func (e *Engine) recompute(tenantID string) {
	if _, err := e.Recompute(tenantID); err != nil {
		e.logger.Error("recompute failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

// drain fires all deferred recomputes now and waits for in-flight ones.
func (e *Engine) drain() {
	e.mu.Lock()
	for tenant, timer := range e.pending {
		if timer.Stop() {
			// Timer cancelled before firing; run the recompute ourselves.
			go func(tenant string) {
				defer e.wg.Done()
				e.mu.Lock()
				delete(e.pending, tenant)
				e.last[tenant] = time.Now()
				e.mu.Unlock()
				e.recompute(tenant)
			}(tenant)
		}
	}
	e.mu.Unlock()
	e.wg.Wait()
}
