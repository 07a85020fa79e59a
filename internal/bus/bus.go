// Package bus is the task message transport between the scheduler, the
// orchestrator and the agent runtimes.
//
// Two implementations share one contract: an in-process priority queue
// (Memory) and a durable Redis Streams adapter (Redis). Messages are routing
// envelopes only; the task body lives in the store and consumers must be
// idempotent by task id.
package bus

import (
	"context"
	"time"

	"github.com/velocityhq/velocity/internal/model"
)

// TopicEvidenceNew is the routing key for evidence commit notifications.
// Subscribers receive the evidence id in TaskID and the owning tenant in
// TenantID.
const TopicEvidenceNew model.AgentKind = "evidence.new"

// Message is the routing envelope published for each materialized task or
// evidence notification.
type Message struct {
	TaskID     string          `json:"task_id"`
	TenantID   string          `json:"tenant_id,omitempty"`
	AgentKind  model.AgentKind `json:"agent_kind"`
	Priority   int             `json:"priority"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Stream is a pull-based message source for a single agent kind.
// Delivery is exactly-once per consumer within a process and at-least-once
// across restarts.
type Stream interface {
	// Next blocks until a message is available, the context is cancelled,
	// or the bus is closed (fault.ErrBusClosed).
	Next(ctx context.Context) (Message, error)
}

// Bus is the transport contract.
type Bus interface {
	// Publish appends a message to the queue for its agent kind. After
	// Close it fails with fault.ErrBusClosed.
	Publish(ctx context.Context, msg Message) error
	// Subscribe returns the pull stream for one agent kind.
	Subscribe(kind model.AgentKind) Stream
	// Close shuts the bus; pending Next calls unblock with ErrBusClosed.
	Close() error
}
