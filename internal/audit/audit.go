// Package audit provides an append-only audit log for control plane
// actions: lifecycle transitions, task outcomes, evidence dedupe touches and
// dropped notifications.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies audit events.
type EventType string

const (
	EventAgentCreated      EventType = "agent.created"
	EventAgentTransition   EventType = "agent.transition"
	EventAgentDegraded     EventType = "agent.degraded"
	EventAgentErrored      EventType = "agent.errored"
	EventTaskRetried       EventType = "task.retried"
	EventTaskFailed        EventType = "task.failed"
	EventTaskTimeout       EventType = "task.timeout"
	EventEvidenceCommitted EventType = "evidence.committed"
	EventTouchedExisting   EventType = "evidence.touched_existing"
	EventNotifyDropped     EventType = "evidence.notify_dropped"
	EventTrustRecomputed   EventType = "trust.recomputed"
	EventSchedulerFired    EventType = "scheduler.fired"
	EventShutdownForced    EventType = "shutdown.forced"
	EventStoreReadOnly     EventType = "store.read_only"
)

// Event is a single audit log entry.
type Event struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Type        EventType `json:"type"`
	SubjectKind string    `json:"subject_kind"` // agent, task, evidence, tenant
	SubjectID   string    `json:"subject_id"`
	Actor       string    `json:"actor,omitempty"` // operator, system, scheduler
	Summary     string    `json:"summary"`
	Detail      any       `json:"detail,omitempty"`
}

// Log is an append-only in-memory ring of audit events.
type Log struct {
	mu     sync.RWMutex
	events []Event
	maxLen int // ring size, 0 = unbounded
}

// NewLog creates a new audit log. maxLen=0 means unbounded.
func NewLog(maxLen int) *Log {
	return &Log{
		events: make([]Event, 0, 1024),
		maxLen: maxLen,
	}
}

// Record appends an event, filling in id and timestamp when missing.
func (l *Log) Record(evt Event) {
	enrich(&evt)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	if l.maxLen > 0 && len(l.events) > l.maxLen {
		l.events = l.events[len(l.events)-l.maxLen:]
	}
}

// Emit is a convenience for recording an event with minimal args.
func (l *Log) Emit(typ EventType, subjectKind, subjectID, summary string) {
	l.Record(Event{
		Type:        typ,
		SubjectKind: subjectKind,
		SubjectID:   subjectID,
		Actor:       "system",
		Summary:     summary,
	})
}

// Filter selects events for Query.
type Filter struct {
	SubjectKind string
	SubjectID   string
	Type        EventType
	Since       time.Time
	Until       time.Time
	Limit       int
}

// Query returns filtered events, newest first. Limit=0 means all.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []Event
	for i := len(l.events) - 1; i >= 0; i-- {
		evt := l.events[i]
		if f.SubjectKind != "" && evt.SubjectKind != f.SubjectKind {
			continue
		}
		if f.SubjectID != "" && evt.SubjectID != f.SubjectID {
			continue
		}
		if f.Type != "" && evt.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && evt.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && evt.Timestamp.After(f.Until) {
			continue
		}
		result = append(result, evt)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result
}

// Recent returns the N most recent events.
func (l *Log) Recent(n int) []Event {
	return l.Query(Filter{Limit: n})
}

// Count returns total event count.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// MarshalJSON exports all events as JSON (for API responses).
func (l *Log) MarshalJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(l.events)
}

func enrich(evt *Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
}
