package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"capital-autopilot-go/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(ctx context.Context, ev Event) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("sink down")}
	d := NewDispatcher(zap.NewNop(), nil, 8, time.Second, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	d.Publish(Event{Type: BotPaused, UserID: "u1", BotID: "b1", Message: "paused"})
	d.Publish(Event{Type: PositionClosed, UserID: "u1", BotID: "b1", Message: "closed"})

	assert.Eventually(t, func() bool { return len(a.Events()) == 2 && len(b.Events()) == 2 }, time.Second, 10*time.Millisecond)
	cancel()
	d.Wait()

	got := a.Events()
	assert.Equal(t, BotPaused, got[0].Type)
	assert.False(t, got[0].At.IsZero())
}

func TestDispatcher_PublishNeverBlocks(t *testing.T) {
	m := metrics.New()
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(zap.NewNop(), m, 1, time.Second, sink)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Publish(Event{Type: LargeLoss, UserID: "u1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
	assert.Equal(t, 9.0, testutil.ToFloat64(m.EventsDropped))
	close(sink.block)
}

func TestDispatcher_DrainsOnShutdown(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(zap.NewNop(), nil, 8, time.Second, sink)
	for i := 0; i < 3; i++ {
		d.Publish(Event{Type: BotPromoted, UserID: "u1"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	assert.Len(t, sink.Events(), 3)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewLogSink(zap.New(core))

	require.NoError(t, s.Deliver(context.Background(), Event{Type: TradingHalted, UserID: "u1", Message: "halted"}))
	require.NoError(t, s.Deliver(context.Background(), Event{Type: PositionOpened, UserID: "u1", BotID: "b1", Message: "opened"}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, "halted", entries[0].Message)
	assert.Equal(t, zap.InfoLevel, entries[1].Level)
}

func TestRedisSink_Channel(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer client.Close()
	s := NewRedisSink(client, "autopilot:events")

	assert.Equal(t, "autopilot:events:u1", s.Channel("u1"))

	err := s.Deliver(context.Background(), Event{Type: BotPaused, UserID: "u1"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish event")
}
