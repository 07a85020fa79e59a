package bus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/model"
)

const (
	minPriority = 1
	maxPriority = 10
)

// MemoryConfig tunes the in-process queue's fairness guard.
type MemoryConfig struct {
	// StarvationThreshold is how old a lower-priority head message must be
	// before it can jump the line.
	StarvationThreshold time.Duration
	// HighServeLimit is how many consecutive serves of the best priority
	// class are allowed before an old lower-priority message is promoted.
	HighServeLimit int
	// QueueDepth caps buffered messages per agent kind. When full, the
	// oldest least-urgent message is evicted to admit the new one.
	QueueDepth int
}

// DefaultMemoryConfig matches the production defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{StarvationThreshold: 5 * time.Minute, HighServeLimit: 10, QueueDepth: 4096}
}

// Memory is the in-process bus: one set of 10 FIFO sub-queues per agent
// kind, drained best priority first with a starvation guard.
type Memory struct {
	cfg    MemoryConfig
	logger *zap.Logger

	mu     sync.Mutex
	queues map[model.AgentKind]*kindQueue
	closed bool
}

type kindQueue struct {
	mu         sync.Mutex
	byPriority [maxPriority][]Message // index = priority-1
	highServed int
	ready      chan struct{} // capacity 1, signalled on publish and close
	closed     bool
}

// NewMemory creates an empty in-process bus.
func NewMemory(cfg MemoryConfig, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StarvationThreshold <= 0 {
		cfg.StarvationThreshold = DefaultMemoryConfig().StarvationThreshold
	}
	if cfg.HighServeLimit <= 0 {
		cfg.HighServeLimit = DefaultMemoryConfig().HighServeLimit
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultMemoryConfig().QueueDepth
	}
	return &Memory{
		cfg:    cfg,
		logger: logger.Named("bus"),
		queues: make(map[model.AgentKind]*kindQueue),
	}
}

// Publish appends msg to the FIFO sub-queue for its priority.
func (m *Memory) Publish(_ context.Context, msg Message) error {
	if msg.Priority < minPriority || msg.Priority > maxPriority {
		msg.Priority = model.PriorityDefault
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}

	q, err := m.queue(msg.AgentKind)
	if err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fault.ErrBusClosed
	}
	q.byPriority[msg.Priority-1] = append(q.byPriority[msg.Priority-1], msg)
	evicted := q.evictLocked(m.cfg.QueueDepth)
	q.mu.Unlock()
	if evicted > 0 {
		m.logger.Debug("queue full, evicted oldest least-urgent messages",
			zap.String("agent_kind", string(msg.AgentKind)), zap.Int("evicted", evicted))
	}
	q.signal()
	return nil
}

// Subscribe returns the stream for one agent kind. All subscribers of a kind
// compete for the same messages.
func (m *Memory) Subscribe(kind model.AgentKind) Stream {
	q, err := m.queue(kind)
	if err != nil {
		return closedStream{}
	}
	return &memoryStream{q: q, cfg: m.cfg}
}

// Close marks the bus closed and wakes all blocked consumers.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, q := range m.queues {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		q.signal()
	}
	m.logger.Debug("in-process bus closed", zap.Int("kinds", len(m.queues)))
	return nil
}

func (m *Memory) queue(kind model.AgentKind) (*kindQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fault.ErrBusClosed
	}
	q, ok := m.queues[kind]
	if !ok {
		q = &kindQueue{ready: make(chan struct{}, 1)}
		m.queues[kind] = q
	}
	return q, nil
}

func (q *kindQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

type memoryStream struct {
	q   *kindQueue
	cfg MemoryConfig
}

func (s *memoryStream) Next(ctx context.Context) (Message, error) {
	for {
		msg, ok, closed := s.q.pop(s.cfg)
		if ok {
			return msg, nil
		}
		if closed {
			return Message{}, fault.ErrBusClosed
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.q.ready:
		}
	}
}

// pop removes the next message honoring priority order and the starvation
// guard: after HighServeLimit consecutive serves of the best class, a
// lower-priority head older than StarvationThreshold is promoted.
func (q *kindQueue) pop(cfg MemoryConfig) (Message, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	for i := range q.byPriority {
		if len(q.byPriority[i]) > 0 {
			best = i
			break
		}
	}
	if best == -1 {
		return Message{}, false, q.closed
	}

	take := best
	if q.highServed >= cfg.HighServeLimit {
		cutoff := time.Now().Add(-cfg.StarvationThreshold)
		for i := best + 1; i < maxPriority; i++ {
			if len(q.byPriority[i]) > 0 && q.byPriority[i][0].EnqueuedAt.Before(cutoff) {
				take = i
				break
			}
		}
	}

	msg := q.byPriority[take][0]
	q.byPriority[take] = q.byPriority[take][1:]

	if take == best && q.hasLowerPriorityLocked(best) {
		q.highServed++
	} else {
		q.highServed = 0
	}
	return msg, true, false
}

// evictLocked drops the oldest message of the least urgent non-empty class
// until the queue fits depth again. Returns how many were dropped.
func (q *kindQueue) evictLocked(depth int) int {
	total := 0
	for i := range q.byPriority {
		total += len(q.byPriority[i])
	}
	evicted := 0
	for total > depth {
		for i := maxPriority - 1; i >= 0; i-- {
			if len(q.byPriority[i]) > 0 {
				q.byPriority[i] = q.byPriority[i][1:]
				total--
				evicted++
				break
			}
		}
	}
	return evicted
}

func (q *kindQueue) hasLowerPriorityLocked(best int) bool {
	for i := best + 1; i < maxPriority; i++ {
		if len(q.byPriority[i]) > 0 {
			return true
		}
	}
	return false
}

type closedStream struct{}

func (closedStream) Next(context.Context) (Message, error) {
	return Message{}, fault.ErrBusClosed
}
