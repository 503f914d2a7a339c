// Package metrics holds the Prometheus collectors updated by the control plane.
//
//   - autopilot_orders_total{mode,purpose,side}       orders submitted
//   - autopilot_exits_total{reason,side}              positions closed by reason
//   - autopilot_admission_rejections_total{exchange,budget}
//   - autopilot_breaker_trips_total{kind}             bot pauses and system halts
//   - autopilot_allocations_total{outcome}            capital allocator outcomes
//   - autopilot_promotions_total{outcome}             promotion gate outcomes
//   - autopilot_events_dropped_total                  notifications lost to a full buffer
//   - autopilot_cycle_seconds                         control loop cycle duration
//   - autopilot_bot_errors_total{stage}               per-bot failures contained by the loop
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Orders              *prometheus.CounterVec
	Exits               *prometheus.CounterVec
	AdmissionRejections *prometheus.CounterVec
	BreakerTrips        *prometheus.CounterVec
	Allocations         *prometheus.CounterVec
	Promotions          *prometheus.CounterVec
	EventsDropped       prometheus.Counter
	CycleSeconds        prometheus.Histogram
	BotErrors           *prometheus.CounterVec
}

// New creates and registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "autopilot_orders_total", Help: "Orders submitted"},
			[]string{"mode", "purpose", "side"},
		),
		Exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "autopilot_exits_total", Help: "Positions closed split by reason and side"},
			[]string{"reason", "side"},
		),
		AdmissionRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "autopilot_admission_rejections_total", Help: "Orders refused by a rate budget"},
			[]string{"exchange", "budget"},
		),
		BreakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "autopilot_breaker_trips_total", Help: "Circuit breaker actions"},
			[]string{"kind"},
		),
		Allocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "autopilot_allocations_total", Help: "Capital allocator outcomes"},
			[]string{"outcome"},
		),
		Promotions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "autopilot_promotions_total", Help: "Promotion gate outcomes"},
			[]string{"outcome"},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "autopilot_events_dropped_total", Help: "Notifications dropped because the buffer was full"},
		),
		CycleSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "autopilot_cycle_seconds",
				Help:    "Duration of one control loop cycle",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		BotErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "autopilot_bot_errors_total", Help: "Per-bot failures contained by the control loop"},
			[]string{"stage"},
		),
	}
	m.registry.MustRegister(
		m.Orders,
		m.Exits,
		m.AdmissionRejections,
		m.BreakerTrips,
		m.Allocations,
		m.Promotions,
		m.EventsDropped,
		m.CycleSeconds,
		m.BotErrors,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) OrderSubmitted(mode, purpose, side string) {
	if m == nil {
		return
	}
	m.Orders.WithLabelValues(mode, purpose, side).Inc()
}

func (m *Metrics) PositionClosed(reason, side string) {
	if m == nil {
		return
	}
	m.Exits.WithLabelValues(reason, side).Inc()
}

func (m *Metrics) AdmissionRejected(exchange, budget string) {
	if m == nil {
		return
	}
	m.AdmissionRejections.WithLabelValues(exchange, budget).Inc()
}

func (m *Metrics) BreakerTripped(kind string) {
	if m == nil {
		return
	}
	m.BreakerTrips.WithLabelValues(kind).Inc()
}

func (m *Metrics) AllocationOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Allocations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PromotionOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Promotions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) CycleObserved(seconds float64) {
	if m == nil {
		return
	}
	m.CycleSeconds.Observe(seconds)
}

func (m *Metrics) BotError(stage string) {
	if m == nil {
		return
	}
	m.BotErrors.WithLabelValues(stage).Inc()
}
