package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/model"
)

// RedisConfig wires the durable queue adapter.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Group     string        // consumer group, default "velocity"
	Consumer  string        // consumer name within the group
	PollBlock time.Duration // XREADGROUP block per priority sweep
}

// Redis is the durable bus over Redis Streams. Each (agent kind, priority)
// pair maps to its own stream so priority order survives restarts; a sweep
// reads the best-priority stream with entries first.
type Redis struct {
	cfg    RedisConfig
	client *redis.Client
	logger *zap.Logger

	mu     sync.Mutex
	groups map[string]struct{} // streams with the group created
	closed bool
}

// NewRedis connects the adapter. The consumer group is created lazily per
// stream on first use.
func NewRedis(cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis addr is required", fault.ErrConfig)
	}
	if cfg.Group == "" {
		cfg.Group = "velocity"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "control-plane"
	}
	if cfg.PollBlock <= 0 {
		cfg.PollBlock = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{
		cfg:    cfg,
		client: client,
		logger: logger.Named("bus.redis"),
		groups: make(map[string]struct{}),
	}, nil
}

func streamKey(kind model.AgentKind, priority int) string {
	return fmt.Sprintf("velocity:bus:%s:p%02d", kind, priority)
}

// Publish appends the message to the stream for its kind and priority.
func (r *Redis) Publish(ctx context.Context, msg Message) error {
	if r.isClosed() {
		return fault.ErrBusClosed
	}
	if msg.Priority < minPriority || msg.Priority > maxPriority {
		msg.Priority = model.PriorityDefault
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(msg.AgentKind, msg.Priority),
		Values: map[string]any{
			"task_id":     msg.TaskID,
			"tenant_id":   msg.TenantID,
			"agent_kind":  string(msg.AgentKind),
			"priority":    msg.Priority,
			"enqueued_at": msg.EnqueuedAt.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd: %v: %w", err, fault.ErrTransient)
	}
	return nil
}

// Subscribe returns the sweep stream for one agent kind.
func (r *Redis) Subscribe(kind model.AgentKind) Stream {
	return &redisStream{bus: r, kind: kind}
}

// Close stops the adapter and releases the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.client.Close()
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Redis) ensureGroup(ctx context.Context, stream string) error {
	r.mu.Lock()
	_, ok := r.groups[stream]
	r.mu.Unlock()
	if ok {
		return nil
	}
	err := r.client.XGroupCreateMkStream(ctx, stream, r.cfg.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	r.mu.Lock()
	r.groups[stream] = struct{}{}
	r.mu.Unlock()
	return nil
}

func isBusyGroup(err error) bool {
	var redisErr redis.Error
	return errors.As(err, &redisErr) && strings.HasPrefix(redisErr.Error(), "BUSYGROUP")
}

type redisStream struct {
	bus  *Redis
	kind model.AgentKind
}

// Next sweeps priorities 1..10 and returns the first pending message.
// Messages are acked on delivery; the task row in the store stays the source
// of truth, so a crash between ack and claim only delays the task.
func (s *redisStream) Next(ctx context.Context) (Message, error) {
	for {
		if s.bus.isClosed() {
			return Message{}, fault.ErrBusClosed
		}
		for p := minPriority; p <= maxPriority; p++ {
			msg, ok, err := s.bus.readOne(ctx, streamKey(s.kind, p))
			if err != nil {
				return Message{}, err
			}
			if ok {
				return msg, nil
			}
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-time.After(s.bus.cfg.PollBlock):
		}
	}
}

func (r *Redis) readOne(ctx context.Context, stream string) (Message, bool, error) {
	if err := r.ensureGroup(ctx, stream); err != nil {
		return Message{}, false, fmt.Errorf("group create: %v: %w", err, fault.ErrTransient)
	}
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    -1, // non-blocking sweep
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Message{}, false, nil
		}
		return Message{}, false, fmt.Errorf("xreadgroup: %v: %w", err, fault.ErrTransient)
	}
	for _, str := range res {
		for _, entry := range str.Messages {
			msg := parseEntry(entry.Values)
			if err := r.client.XAck(ctx, stream, r.cfg.Group, entry.ID).Err(); err != nil {
				r.logger.Warn("ack failed", zap.String("stream", stream), zap.Error(err))
			}
			return msg, true, nil
		}
	}
	return Message{}, false, nil
}

func parseEntry(values map[string]any) Message {
	var msg Message
	if v, ok := values["task_id"].(string); ok {
		msg.TaskID = v
	}
	if v, ok := values["tenant_id"].(string); ok {
		msg.TenantID = v
	}
	if v, ok := values["agent_kind"].(string); ok {
		msg.AgentKind = model.AgentKind(v)
	}
	if v, ok := values["priority"].(string); ok {
		if p, err := strconv.Atoi(v); err == nil {
			msg.Priority = p
		}
	}
	if v, ok := values["enqueued_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.EnqueuedAt = t
		}
	}
	return msg
}
