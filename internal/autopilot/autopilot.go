// Package autopilot turns accumulated bot profit into more trading capacity:
// a new bot while the user is under the bot cap, otherwise a reallocation of
// the profit pool to the best performers.
package autopilot

import (
	"context"
	"fmt"
	"sort"
	"time"

	"capital-autopilot-go/internal/botlock"
	"capital-autopilot-go/internal/config"
	"capital-autopilot-go/internal/database"
	"capital-autopilot-go/internal/events"
	"capital-autopilot-go/internal/metrics"
	"capital-autopilot-go/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Outcome is what one allocation pass did for a user.
type Outcome string

const (
	OutcomeHalted         Outcome = "halted"
	OutcomeBelowThreshold Outcome = "below_threshold"
	OutcomeBotCreated     Outcome = "bot_created"
	OutcomeReallocated    Outcome = "reallocated"
	OutcomeNoCapacity     Outcome = "no_capacity"
)

// Result describes one allocation pass.
type Result struct {
	Outcome   Outcome                   `json:"outcome"`
	Profit    decimal.Decimal           `json:"profit"`
	NewBotID  string                    `json:"new_bot_id,omitempty"`
	Transfers []models.CapitalInjection `json:"transfers,omitempty"`
}

// Allocator runs the capital allocation policy.
type Allocator struct {
	store     *database.Store
	locks     *botlock.Registry
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cfg       config.Autopilot
	now       func() time.Time
}

// New creates an allocator.
func New(cfg config.Autopilot, store *database.Store, locks *botlock.Registry, publisher events.Publisher, m *metrics.Metrics, logger *zap.Logger) *Allocator {
	return &Allocator{
		store:     store,
		locks:     locks,
		publisher: publisher,
		metrics:   m,
		logger:    logger.Named("autopilot"),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run evaluates every autopilot-enabled user once per interval until ctx is done.
func (a *Allocator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.logger.Info("Autopilot started", zap.Duration("interval", a.cfg.Interval))
	for {
		select {
		case <-ticker.C:
			a.RunOnce(ctx)
		case <-ctx.Done():
			a.logger.Info("Autopilot stopped")
			return
		}
	}
}

// RunOnce evaluates every autopilot-enabled user. One user's failure does not stop the others.
func (a *Allocator) RunOnce(ctx context.Context) {
	users, err := a.store.AutopilotUsers(ctx)
	if err != nil {
		a.logger.Error("Failed to list autopilot users", zap.Error(err))
		return
	}
	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		res, err := a.RunUser(ctx, userID)
		if err != nil {
			a.logger.Error("Allocation failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		a.metrics.AllocationOutcome(string(res.Outcome))
	}
}

func profitOf(bots []models.Bot) decimal.Decimal {
	total := decimal.Zero
	for i := range bots {
		total = total.Add(decimal.NewFromFloat(bots[i].ReinvestableProfit))
	}
	return total
}

func botIDs(bots []models.Bot) []string {
	ids := make([]string, len(bots))
	for i := range bots {
		ids[i] = bots[i].ID
	}
	return ids
}

// RunUser applies the allocation policy to one user.
func (a *Allocator) RunUser(ctx context.Context, userID string) (Result, error) {
	uc, err := a.store.GetUserControl(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	if uc.Halted {
		return Result{Outcome: OutcomeHalted}, nil
	}

	bots, err := a.store.ListBots(ctx, database.BotFilter{UserID: userID})
	if err != nil {
		return Result{}, err
	}
	threshold := decimal.NewFromFloat(a.cfg.ReinvestThreshold)
	if profitOf(bots).LessThan(threshold) {
		return Result{Outcome: OutcomeBelowThreshold, Profit: profitOf(bots)}, nil
	}

	unlock := a.locks.LockAll(botIDs(bots))
	defer unlock()

	// Re-read under the locks: settlements may have landed since the first read.
	bots, err = a.store.ListBots(ctx, database.BotFilter{UserID: userID})
	if err != nil {
		return Result{}, err
	}
	profit := profitOf(bots)
	if profit.LessThan(threshold) {
		return Result{Outcome: OutcomeBelowThreshold, Profit: profit}, nil
	}

	if len(bots) >= a.cfg.MaxTotalBots {
		return a.reallocate(ctx, userID, bots, profit)
	}
	return a.spawn(ctx, userID, bots, profit)
}

// rank orders bots by lifetime trading profit, best first.
func rank(bots []models.Bot) []models.Bot {
	ranked := append([]models.Bot(nil), bots...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].TotalProfit != ranked[j].TotalProfit {
			return ranked[i].TotalProfit > ranked[j].TotalProfit
		}
		return ranked[i].CreatedAt.Before(ranked[j].CreatedAt)
	})
	return ranked
}

// SplitEvenly divides pool into n shares truncated to 8 places; the rounding
// remainder goes to the first share so the shares always sum to pool.
func SplitEvenly(pool decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	share := pool.Div(decimal.NewFromInt(int64(n))).Truncate(8)
	shares := make([]decimal.Decimal, n)
	for i := range shares {
		shares[i] = share
	}
	shares[0] = pool.Sub(share.Mul(decimal.NewFromInt(int64(n - 1))))
	return shares
}

func (a *Allocator) reallocate(ctx context.Context, userID string, bots []models.Bot, profit decimal.Decimal) (Result, error) {
	var out []models.CapitalInjection
	pool := decimal.Zero
	for i := range bots {
		p := decimal.NewFromFloat(bots[i].ReinvestableProfit)
		if !p.IsPositive() {
			continue
		}
		pool = pool.Add(p)
		out = append(out, models.CapitalInjection{
			BotID:  bots[i].ID,
			UserID: userID,
			Amount: p.Neg().InexactFloat64(),
			Kind:   models.InjectionReallocationOut,
			Note:   "profit swept for reallocation",
		})
	}

	k := a.cfg.TopK
	if k > len(bots) {
		k = len(bots)
	}
	top := rank(bots)[:k]
	shares := SplitEvenly(pool, k)

	transfers := append([]models.CapitalInjection(nil), out...)
	for i := range top {
		transfers = append(transfers, models.CapitalInjection{
			BotID:  top[i].ID,
			UserID: userID,
			Amount: shares[i].InexactFloat64(),
			Kind:   models.InjectionReallocationIn,
			Note:   fmt.Sprintf("reallocation rank %d", i+1),
		})
	}

	plan := database.AllocationPlan{Injections: transfers, ResetBotIDs: botIDs(bots)}
	if err := a.store.ApplyAllocation(ctx, plan); err != nil {
		return Result{}, err
	}

	a.logger.Info("Profit reallocated",
		zap.String("user_id", userID),
		zap.String("pool", pool.StringFixed(2)),
		zap.Int("recipients", k),
	)
	a.publisher.Publish(events.Event{
		Type:    events.CapitalAllocated,
		UserID:  userID,
		Message: fmt.Sprintf("Reallocated %s across top %d bots", pool.StringFixed(2), k),
		Data:    map[string]interface{}{"pool": pool.InexactFloat64(), "recipients": k},
	})
	return Result{Outcome: OutcomeReallocated, Profit: profit, Transfers: transfers}, nil
}

func (a *Allocator) spawn(ctx context.Context, userID string, bots []models.Bot, profit decimal.Decimal) (Result, error) {
	perExchange := make(map[string]int)
	for i := range bots {
		perExchange[bots[i].Exchange]++
	}

	var target *config.ExchangeCap
	for i := range a.cfg.Exchanges {
		ex := a.cfg.Exchanges[i]
		if perExchange[ex.Name] < ex.MaxBots {
			target = &ex
			break
		}
	}
	if target == nil {
		a.logger.Info("No exchange capacity for a new bot", zap.String("user_id", userID))
		return Result{Outcome: OutcomeNoCapacity, Profit: profit}, nil
	}

	now := a.now().UTC()
	capital := a.cfg.NewBotCapital
	bot := &models.Bot{
		ID:             uuid.NewString(),
		UserID:         userID,
		Name:           fmt.Sprintf("autopilot-%s-%d", target.Name, perExchange[target.Name]+1),
		Exchange:       target.Name,
		Pair:           target.Pair,
		RiskProfile:    models.RiskProfile(a.cfg.DefaultRisk),
		TradingMode:    models.ModePaper,
		Status:         models.BotActive,
		InitialCapital: capital,
		CurrentCapital: capital,
		PeakCapital:    capital,
		PaperStartedAt: now,
	}
	seed := models.CapitalInjection{
		BotID:  bot.ID,
		UserID: userID,
		Amount: capital,
		Kind:   models.InjectionSeed,
		Note:   "funded from reinvestable profit " + profit.StringFixed(2),
	}
	plan := database.AllocationPlan{
		NewBot:      bot,
		Injections:  []models.CapitalInjection{seed},
		ResetBotIDs: botIDs(bots),
	}
	if err := a.store.ApplyAllocation(ctx, plan); err != nil {
		return Result{}, err
	}

	a.logger.Info("Bot created from profit",
		zap.String("user_id", userID),
		zap.String("bot_id", bot.ID),
		zap.String("exchange", bot.Exchange),
		zap.Float64("capital", capital),
	)
	a.publisher.Publish(events.Event{
		Type:    events.CapitalAllocated,
		UserID:  userID,
		BotID:   bot.ID,
		Message: fmt.Sprintf("Created %s on %s with %.2f", bot.Name, bot.Exchange, capital),
		Data:    map[string]interface{}{"profit": profit.InexactFloat64(), "capital": capital},
	})
	return Result{Outcome: OutcomeBotCreated, Profit: profit, NewBotID: bot.ID, Transfers: []models.CapitalInjection{seed}}, nil
}
