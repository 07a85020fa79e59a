// Package pipeline ingests evidence drafts: canonicalize, hash, evaluate,
// persist, notify. Persistence is idempotent on (tenant_id, content_hash);
// downstream notification is best-effort through a retrying outbox and never
// blocks or reverts a commit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velocityhq/velocity/internal/audit"
	"github.com/velocityhq/velocity/internal/bus"
	"github.com/velocityhq/velocity/internal/canonical"
	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/metrics"
	"github.com/velocityhq/velocity/internal/model"
	"github.com/velocityhq/velocity/internal/rules"
	"github.com/velocityhq/velocity/internal/store"
	"github.com/velocityhq/velocity/internal/telemetry"
)

// Auditor records pipeline audit events. Satisfied by audit.Log and
// audit.Store.
type Auditor interface {
	Emit(typ audit.EventType, subjectKind, subjectID, summary string)
}

// Config tunes the notification outbox.
type Config struct {
	OutboxMaxRetries int           // attempts per notification before dropping
	OutboxDepth      int           // buffered notifications before saturation
	RetryDelay       time.Duration // delay between publish attempts
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{OutboxMaxRetries: 8, OutboxDepth: 1024, RetryDelay: 250 * time.Millisecond}
}

// Outcome reports what Submit did with a draft.
type Outcome struct {
	Evidence  model.Evidence
	Duplicate bool
	// ExistingID is the id of the earlier row when Duplicate is true.
	ExistingID string
}

// Pipeline is the evidence ingest path.
type Pipeline struct {
	cfg       Config
	store     *store.Store
	evaluator *rules.Evaluator
	bus       bus.Bus
	auditor   Auditor
	logger    *zap.Logger

	outbox chan bus.Message
	wg     sync.WaitGroup
	once   sync.Once
}

// New wires a pipeline and starts its notifier loop.
func New(cfg Config, st *store.Store, evaluator *rules.Evaluator, b bus.Bus, auditor Auditor, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OutboxMaxRetries <= 0 {
		cfg.OutboxMaxRetries = DefaultConfig().OutboxMaxRetries
	}
	if cfg.OutboxDepth <= 0 {
		cfg.OutboxDepth = DefaultConfig().OutboxDepth
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}

	p := &Pipeline{
		cfg:       cfg,
		store:     st,
		evaluator: evaluator,
		bus:       b,
		auditor:   auditor,
		logger:    logger.Named("pipeline"),
		outbox:    make(chan bus.Message, cfg.OutboxDepth),
	}
	p.wg.Add(1)
	go p.notifier()
	return p
}

// Submit runs one draft through the full ingest path. Duplicates touch the
// existing row and are not re-notified.
func (p *Pipeline) Submit(ctx context.Context, draft model.Draft) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	_, span := telemetry.StartCommitSpan(ctx, draft.TenantID, draft.Kind)

	hash, size, err := canonical.Hash(draft.Data)
	if err != nil {
		span.End()
		return Outcome{}, fmt.Errorf("canonicalize evidence data: %v: %w", err, fault.ErrPermanent)
	}

	verdict := p.evaluator.Evaluate(draft.Kind, draft.Data)

	ev := model.Evidence{
		ID:               uuid.NewString(),
		AgentID:          draft.AgentID,
		TenantID:         draft.TenantID,
		Kind:             draft.Kind,
		Source:           draft.Source,
		ResourceRef:      draft.ResourceRef,
		CollectedAt:      draft.CollectedAt,
		ContentHash:      hash,
		SizeBytes:        size,
		Frameworks:       draft.Frameworks,
		Data:             draft.Data,
		Automated:        draft.Automated,
		ComplianceStatus: verdict.Status,
		Risk:             verdict.Risk,
		Findings:         verdict.Findings,
	}

	res, err := p.store.PutEvidenceIfAbsent(ev)
	if err != nil {
		span.End()
		return Outcome{}, err
	}
	metrics.RecordEvidence(string(ev.Source), !res.Inserted)
	telemetry.EndCommitSpan(span, !res.Inserted, hash)
	if !res.Inserted {
		p.auditor.Emit(audit.EventTouchedExisting, "evidence", res.ExistingID,
			fmt.Sprintf("duplicate %s from agent %s refreshed collected_at", ev.Kind, ev.AgentID))
		return Outcome{Evidence: ev, Duplicate: true, ExistingID: res.ExistingID}, nil
	}

	p.auditor.Emit(audit.EventEvidenceCommitted, "evidence", ev.ID,
		fmt.Sprintf("%s committed with status %s", ev.Kind, ev.ComplianceStatus))
	p.enqueueNotify(bus.Message{
		TaskID:     ev.ID,
		TenantID:   ev.TenantID,
		AgentKind:  bus.TopicEvidenceNew,
		Priority:   model.PriorityDefault,
		EnqueuedAt: time.Now().UTC(),
	})
	return Outcome{Evidence: ev}, nil
}

// ReEvaluate reruns the current rules against a stored row and persists the
// new verdict. The content hash and collected data never change; only the
// compliance verdict does.
func (p *Pipeline) ReEvaluate(evidenceID string) (*model.Evidence, error) {
	ev, err := p.store.GetEvidence(evidenceID)
	if err != nil {
		return nil, err
	}
	verdict := p.evaluator.Evaluate(ev.Kind, ev.Data)
	if err := p.store.UpdateEvidenceVerdict(ev.ID, verdict.Status, verdict.Risk, verdict.Findings); err != nil {
		return nil, err
	}
	ev.ComplianceStatus = verdict.Status
	ev.Risk = verdict.Risk
	ev.Findings = verdict.Findings
	p.auditor.Emit(audit.EventEvidenceCommitted, "evidence", ev.ID,
		fmt.Sprintf("%s re-evaluated to status %s", ev.Kind, verdict.Status))
	return ev, nil
}

// Close drains the outbox and stops the notifier. Evidence already
// committed stays committed regardless.
func (p *Pipeline) Close() {
	p.once.Do(func() { close(p.outbox) })
	p.wg.Wait()
}

func (p *Pipeline) enqueueNotify(msg bus.Message) {
	select {
	case p.outbox <- msg:
	default:
		// Saturated sink: the commit stands, the notification is dropped.
		p.auditor.Emit(audit.EventNotifyDropped, "evidence", msg.TaskID, "outbox saturated")
		p.logger.Warn("notification dropped, outbox saturated", zap.String("evidence_id", msg.TaskID))
	}
}

func (p *Pipeline) notifier() {
	defer p.wg.Done()
	for msg := range p.outbox {
		p.deliver(msg)
	}
}

func (p *Pipeline) deliver(msg bus.Message) {
	for attempt := 1; attempt <= p.cfg.OutboxMaxRetries; attempt++ {
		err := p.bus.Publish(context.Background(), msg)
		if err == nil {
			return
		}
		if errors.Is(err, fault.ErrBusClosed) {
			break
		}
		p.logger.Warn("notify publish failed",
			zap.String("evidence_id", msg.TaskID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(p.cfg.RetryDelay)
	}
	p.auditor.Emit(audit.EventNotifyDropped, "evidence", msg.TaskID,
		fmt.Sprintf("notification dropped after %d attempts", p.cfg.OutboxMaxRetries))
}
