package trader

import (
	"context"
	"sync"
	"time"

	"capital-autopilot-go/internal/admission"
	"capital-autopilot-go/internal/advisory"
	"capital-autopilot-go/internal/botlock"
	"capital-autopilot-go/internal/breaker"
	"capital-autopilot-go/internal/config"
	"capital-autopilot-go/internal/database"
	"capital-autopilot-go/internal/events"
	"capital-autopilot-go/internal/exchange"
	"capital-autopilot-go/internal/metrics"
	"capital-autopilot-go/internal/models"
	"capital-autopilot-go/internal/risk"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LiveGatewayFunc resolves the order gateway that trades a user's real account on an exchange.
type LiveGatewayFunc func(ctx context.Context, userID, exchange string) (exchange.Gateway, error)

// CredentialGateways signs live orders with the API key stored for the user.
func CredentialGateways(store *database.Store, rest *exchange.RestGateway) LiveGatewayFunc {
	return func(ctx context.Context, userID, ex string) (exchange.Gateway, error) {
		key, err := store.Credentials(ctx, userID, ex)
		if err != nil {
			return nil, err
		}
		return rest.WithCredentials(key.APIKey, key.Secret), nil
	}
}

// Deps are the collaborators of the Engine.
type Deps struct {
	Store     *database.Store
	Locks     *botlock.Registry
	Admission *admission.Controller
	Breaker   *breaker.Breaker
	Evaluator *risk.Evaluator
	Advisor   advisory.Provider
	Oracle    exchange.PriceOracle
	Paper     exchange.Gateway
	Live      LiveGatewayFunc
	Publisher events.Publisher
	Metrics   *metrics.Metrics
}

// Status is a snapshot of the engine for the admin API.
type Status struct {
	UUID        string    `json:"uuid"`
	StartTime   time.Time `json:"start_time"`
	Uptime      string    `json:"uptime"`
	Cycles      int64     `json:"cycles"`
	LastCycle   time.Time `json:"last_cycle,omitempty"`
	LastElapsed string    `json:"last_elapsed,omitempty"`
}

// Engine is the trading control loop: each cycle checks safety limits, manages
// open positions and opens new ones, one bot per worker.
type Engine struct {
	Deps
	logger *zap.Logger
	cfg    config.Config
	now    func() time.Time

	UUID      string
	StartTime time.Time

	mu          sync.Mutex
	cycles      int64
	lastCycle   time.Time
	lastElapsed time.Duration
}

// NewEngine creates a new trading engine.
func NewEngine(logger *zap.Logger, cfg config.Config, deps Deps) *Engine {
	return &Engine{
		Deps:      deps,
		logger:    logger.Named("engine"),
		cfg:       cfg,
		now:       time.Now,
		UUID:      uuid.NewString(),
		StartTime: time.Now(),
	}
}

// Run reconciles journaled orders once, then runs a cycle on every tick until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("Reconciling journaled orders...")
	e.Reconcile(ctx)

	interval := e.cfg.Trading.CycleInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Starting control loop", zap.Duration("interval", interval))
	e.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping trading engine...")
			return
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// Status reports uptime and cycle counters.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		UUID:      e.UUID,
		StartTime: e.StartTime,
		Uptime:    time.Since(e.StartTime).Round(time.Second).String(),
		Cycles:    e.cycles,
		LastCycle: e.lastCycle,
	}
	if e.cycles > 0 {
		st.LastElapsed = e.lastElapsed.String()
	}
	return st
}

// RunCycle performs one pass over every user. Failures are contained per bot.
func (e *Engine) RunCycle(ctx context.Context) {
	start := e.now()
	defer func() {
		elapsed := e.now().Sub(start)
		e.Metrics.CycleObserved(elapsed.Seconds())
		e.mu.Lock()
		e.cycles++
		e.lastCycle = start
		e.lastElapsed = elapsed
		e.mu.Unlock()
	}()

	users, err := e.Store.UserIDs(ctx)
	if err != nil {
		e.logger.Error("Failed to list users", zap.Error(err))
		return
	}

	var active []models.Bot
	for _, userID := range users {
		res, err := e.Breaker.CheckUser(ctx, userID)
		if err != nil {
			e.logger.Error("Circuit breaker check failed, skipping user", zap.String("user_id", userID), zap.Error(err))
			e.Metrics.BotError("breaker")
			continue
		}
		if res.Halted {
			e.logger.Debug("User halted, skipping", zap.String("user_id", userID), zap.String("reason", res.HaltReason))
			continue
		}
		active = append(active, res.Active...)
	}
	if len(active) == 0 {
		return
	}

	ids := make([]string, len(active))
	for i := range active {
		ids[i] = active[i].ID
	}
	open, err := e.Store.OpenPositions(ctx, ids)
	if err != nil {
		e.logger.Error("Failed to load open positions", zap.Error(err))
		return
	}
	holding := make(map[string]bool, len(open))
	for i := range open {
		holding[open[i].BotID] = true
	}

	// Exits first so that capital freed this cycle is visible to the breaker next cycle.
	e.fanOut(ctx, active, func(b *models.Bot) bool { return holding[b.ID] }, e.manageBot)
	if ctx.Err() != nil {
		return
	}
	now := e.now()
	e.fanOut(ctx, active, func(b *models.Bot) bool { return !holding[b.ID] && e.entryDue(b, now) }, e.tryEntry)
}

// fanOut runs fn for every selected bot on a bounded worker pool. fn never fails the group.
func (e *Engine) fanOut(ctx context.Context, bots []models.Bot, selectFn func(*models.Bot) bool, fn func(context.Context, *models.Bot)) {
	var g errgroup.Group
	workers := e.cfg.Trading.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)

	for i := range bots {
		bot := bots[i]
		if !selectFn(&bot) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Bot worker panicked", zap.String("bot_id", bot.ID), zap.Any("panic", r))
					e.Metrics.BotError("panic")
				}
			}()
			fn(ctx, &bot)
			return nil
		})
	}
	_ = g.Wait()
}

// gatewayFor returns the gateway that executes orders for a trading mode.
func (e *Engine) gatewayFor(ctx context.Context, userID, ex string, mode models.TradingMode) (exchange.Gateway, error) {
	if mode != models.ModeLive {
		return e.Paper, nil
	}
	return e.Live(ctx, userID, ex)
}

func (e *Engine) botLogger(bot *models.Bot) *zap.Logger {
	return e.logger.With(
		zap.String("bot_id", bot.ID),
		zap.String("user_id", bot.UserID),
		zap.String("exchange", bot.Exchange),
		zap.String("pair", bot.Pair),
	)
}
