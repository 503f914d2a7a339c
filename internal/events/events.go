// Package events carries domain notifications from the trading core to external
// sinks. Publishing never blocks the caller and sink failures never reach it.
package events

import (
	"context"
	"sync"
	"time"

	"capital-autopilot-go/internal/metrics"
	"go.uber.org/zap"
)

// Type identifies an event.
type Type string

const (
	BotPaused          Type = "bot_paused"
	TradingHalted      Type = "trading_halted"
	PositionOpened     Type = "position_opened"
	PositionClosed     Type = "position_closed"
	LargeLoss          Type = "large_loss"
	BotPromoted        Type = "bot_promoted"
	InvariantViolation Type = "invariant_violation"
	CapitalAllocated   Type = "capital_allocated"
)

// Event is one notification. Data holds event-specific fields.
type Event struct {
	Type    Type                   `json:"type"`
	UserID  string                 `json:"user_id"`
	BotID   string                 `json:"bot_id,omitempty"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
	At      time.Time              `json:"at"`
}

// Sink delivers events somewhere.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Publisher is what the trading core depends on.
type Publisher interface {
	Publish(ev Event)
}

// Dispatcher buffers events and delivers them to every sink from one worker.
type Dispatcher struct {
	logger      *zap.Logger
	metrics     *metrics.Metrics
	sinks       []Sink
	sinkTimeout time.Duration
	queue       chan Event

	closeOnce sync.Once
	done      chan struct{}
}

var _ Publisher = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher with a buffer of size events.
func NewDispatcher(logger *zap.Logger, m *metrics.Metrics, size int, sinkTimeout time.Duration, sinks ...Sink) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	return &Dispatcher{
		logger:      logger.Named("events"),
		metrics:     m,
		sinks:       sinks,
		sinkTimeout: sinkTimeout,
		queue:       make(chan Event, size),
		done:        make(chan struct{}),
	}
}

// Publish enqueues ev. When the buffer is full the event is dropped and logged.
func (d *Dispatcher) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case d.queue <- ev:
	default:
		d.metrics.EventDropped()
		d.logger.Warn("Event buffer full, dropping event",
			zap.String("type", string(ev.Type)),
			zap.String("user_id", ev.UserID),
			zap.String("bot_id", ev.BotID),
		)
	}
}

// Run delivers events until ctx is done, then drains what is already buffered.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) deliver(ev Event) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.sinkTimeout)
		if err := s.Deliver(ctx, ev); err != nil {
			d.logger.Error("Failed to deliver event",
				zap.String("sink", s.Name()),
				zap.String("type", string(ev.Type)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging at Info, or Warn for safety events.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("notify")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("type", string(ev.Type)),
		zap.String("user_id", ev.UserID),
		zap.Time("at", ev.At),
	}
	if ev.BotID != "" {
		fields = append(fields, zap.String("bot_id", ev.BotID))
	}
	if len(ev.Data) > 0 {
		fields = append(fields, zap.Any("data", ev.Data))
	}
	switch ev.Type {
	case BotPaused, TradingHalted, LargeLoss, InvariantViolation:
		s.logger.Warn(ev.Message, fields...)
	default:
		s.logger.Info(ev.Message, fields...)
	}
	return nil
}
