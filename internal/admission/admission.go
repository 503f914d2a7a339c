// Package admission bounds order submissions per exchange with nested budgets:
// a short burst window, a per-minute window, a per-day window, and a per-bot
// daily allowance.
package admission

import (
	"fmt"
	"sync"
	"time"

	"capital-autopilot-go/internal/config"
)

// Budget names the window that refused a submission.
type Budget string

const (
	BudgetBurst  Budget = "burst"
	BudgetMinute Budget = "minute"
	BudgetDay    Budget = "day"
	BudgetBotDay Budget = "bot_day"
)

const (
	burstWindow  = 10 * time.Second
	minuteWindow = time.Minute
)

// Decision is the outcome of an admission check. A refusal is not an error.
type Decision struct {
	Allowed bool      `json:"allowed"`
	Budget  Budget    `json:"budget,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	RetryAt time.Time `json:"retry_at,omitempty"`
}

// Usage is a snapshot of an exchange's counters.
type Usage struct {
	Exchange     string         `json:"exchange"`
	Limits       config.Limits  `json:"limits"`
	Burst        int            `json:"burst"`
	Minute       int            `json:"minute"`
	Day          int            `json:"day"`
	BotDay       map[string]int `json:"bot_day"`
	BurstResets  time.Time      `json:"burst_resets"`
	MinuteResets time.Time      `json:"minute_resets"`
	DayResets    time.Time      `json:"day_resets"`
}

type window struct {
	start time.Time
	count int
}

// roll resets the counter when the aligned window has moved on.
func (w *window) roll(start time.Time) {
	if !w.start.Equal(start) {
		w.start = start
		w.count = 0
	}
}

type exchangeState struct {
	mu     sync.Mutex
	limits config.Limits
	burst  window
	minute window
	day    window
	botDay map[string]int
}

// Controller holds the rolling counters of every exchange.
type Controller struct {
	cfg config.Admission
	now func() time.Time

	mu        sync.Mutex
	exchanges map[string]*exchangeState
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a controller with the given per-exchange limits.
func New(cfg config.Admission, opts ...Option) *Controller {
	c := &Controller{
		cfg:       cfg,
		now:       time.Now,
		exchanges: make(map[string]*exchangeState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) state(exchange string) *exchangeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.exchanges[exchange]
	if !ok {
		st = &exchangeState{limits: c.cfg.LimitsFor(exchange), botDay: make(map[string]int)}
		c.exchanges[exchange] = st
	}
	return st
}

func dayStart(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// rollAll brings every window of st up to now. Caller holds st.mu.
func (st *exchangeState) rollAll(now time.Time) {
	st.burst.roll(now.Truncate(burstWindow))
	st.minute.roll(now.Truncate(minuteWindow))
	day := dayStart(now)
	if !st.day.start.Equal(day) {
		st.botDay = make(map[string]int)
	}
	st.day.roll(day)
}

// check evaluates the budgets in order. Caller holds st.mu and has rolled the windows.
func (st *exchangeState) check(botID string) Decision {
	l := st.limits
	switch {
	case st.burst.count >= l.Burst:
		return refuse(BudgetBurst, st.burst.count, l.Burst, st.burst.start.Add(burstWindow))
	case st.minute.count >= l.PerMinute:
		return refuse(BudgetMinute, st.minute.count, l.PerMinute, st.minute.start.Add(minuteWindow))
	case st.day.count >= l.PerDay:
		return refuse(BudgetDay, st.day.count, l.PerDay, st.day.start.AddDate(0, 0, 1))
	case st.botDay[botID] >= l.PerBotPerDay:
		return refuse(BudgetBotDay, st.botDay[botID], l.PerBotPerDay, st.day.start.AddDate(0, 0, 1))
	}
	return Decision{Allowed: true}
}

func refuse(b Budget, used, limit int, retryAt time.Time) Decision {
	return Decision{
		Budget:  b,
		Reason:  fmt.Sprintf("%s budget exhausted (%d/%d)", b, used, limit),
		RetryAt: retryAt,
	}
}

func (st *exchangeState) record(botID string) {
	st.burst.count++
	st.minute.count++
	st.day.count++
	st.botDay[botID]++
}

// CanSubmit reports whether one more order would be admitted, without recording it.
func (c *Controller) CanSubmit(botID, exchange string) Decision {
	st := c.state(exchange)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.rollAll(c.now())
	return st.check(botID)
}

// RecordSubmission counts one order against every window unconditionally.
func (c *Controller) RecordSubmission(botID, exchange string) {
	st := c.state(exchange)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.rollAll(c.now())
	st.record(botID)
}

// Admit checks and, when allowed, records the submission under a single lock, so
// concurrent callers can never overshoot a budget.
func (c *Controller) Admit(botID, exchange string) Decision {
	st := c.state(exchange)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.rollAll(c.now())
	d := st.check(botID)
	if d.Allowed {
		st.record(botID)
	}
	return d
}

// Usage returns the current counters of an exchange.
func (c *Controller) Usage(exchange string) Usage {
	st := c.state(exchange)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.rollAll(c.now())

	botDay := make(map[string]int, len(st.botDay))
	for k, v := range st.botDay {
		botDay[k] = v
	}
	return Usage{
		Exchange:     exchange,
		Limits:       st.limits,
		Burst:        st.burst.count,
		Minute:       st.minute.count,
		Day:          st.day.count,
		BotDay:       botDay,
		BurstResets:  st.burst.start.Add(burstWindow),
		MinuteResets: st.minute.start.Add(minuteWindow),
		DayResets:    st.day.start.AddDate(0, 0, 1),
	}
}
