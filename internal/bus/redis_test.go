package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/model"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	srv := miniredis.RunT(t)
	b, err := NewRedis(RedisConfig{
		Addr:      srv.Addr(),
		PollBlock: 10 * time.Millisecond,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisPublishSubscribe(t *testing.T) {
	b := newTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	publish(t, b, "t-1", model.KindAWS, model.PriorityDefault, time.Now().UTC())

	msg, err := b.Subscribe(model.KindAWS).Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.TaskID != "t-1" || msg.AgentKind != model.KindAWS || msg.Priority != model.PriorityDefault {
		t.Fatalf("round-trip mismatch: %+v", msg)
	}
	if msg.EnqueuedAt.IsZero() {
		t.Error("enqueued_at should survive the wire")
	}
}

func TestRedisPriorityAcrossStreams(t *testing.T) {
	b := newTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := time.Now().UTC()
	publish(t, b, "low", model.KindGitHub, model.PriorityLow, now)
	publish(t, b, "crit", model.KindGitHub, model.PriorityCritical, now)
	publish(t, b, "high", model.KindGitHub, model.PriorityHigh, now)

	s := b.Subscribe(model.KindGitHub)
	for _, want := range []string{"crit", "high", "low"} {
		msg, err := s.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if msg.TaskID != want {
			t.Fatalf("expected %s, got %s", want, msg.TaskID)
		}
	}
}

func TestRedisClosedBus(t *testing.T) {
	b := newTestRedis(t)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	err := b.Publish(context.Background(), Message{TaskID: "x", AgentKind: model.KindAWS})
	if !errors.Is(err, fault.ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	if _, err := b.Subscribe(model.KindAWS).Next(context.Background()); !errors.Is(err, fault.ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed from Next, got %v", err)
	}
}
