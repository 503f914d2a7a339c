// Package promotion moves bots between paper, candidate and live trading.
// paper to candidate needs a hard quantitative filter and an advisory review;
// candidate to live is an explicit administrative confirmation.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"capital-autopilot-go/internal/advisory"
	"capital-autopilot-go/internal/config"
	"capital-autopilot-go/internal/database"
	"capital-autopilot-go/internal/events"
	"capital-autopilot-go/internal/metrics"
	"capital-autopilot-go/internal/models"
	"go.uber.org/zap"
)

// ErrInvalidTransition is returned when a bot is not in the mode a transition starts from.
var ErrInvalidTransition = errors.New("invalid trading mode transition")

// Outcome summarizes an evaluation.
type Outcome string

const (
	OutcomeIneligible Outcome = "ineligible"
	OutcomeFiltered   Outcome = "filtered"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeRejected   Outcome = "rejected"
	OutcomeDeferred   Outcome = "deferred"
	OutcomePromoted   Outcome = "promoted"
)

// Result is the outcome of evaluating one bot.
type Result struct {
	Outcome   Outcome  `json:"outcome"`
	Promoted  bool     `json:"promoted"`
	Failures  []string `json:"failures,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
}

// Gate applies the promotion policy.
type Gate struct {
	store     *database.Store
	advisor   advisory.Provider
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cfg       config.Promotion
	timeout   time.Duration
	now       func() time.Time
}

// New creates a promotion gate.
func New(cfg config.Promotion, timeout time.Duration, store *database.Store, advisor advisory.Provider, publisher events.Publisher, m *metrics.Metrics, logger *zap.Logger) *Gate {
	return &Gate{
		store:     store,
		advisor:   advisor,
		publisher: publisher,
		metrics:   m,
		logger:    logger.Named("promotion"),
		cfg:       cfg,
		timeout:   timeout,
		now:       time.Now,
	}
}

// HardFilter returns the reasons a bot fails the quantitative pre-filter; empty means it passes.
func (g *Gate) HardFilter(bot *models.Bot) []string {
	var failures []string
	minPaper := time.Duration(g.cfg.MinPaperDays) * 24 * time.Hour
	if elapsed := g.now().Sub(bot.PaperStartedAt); elapsed < minPaper {
		failures = append(failures, fmt.Sprintf("paper period %.1f days below %d", elapsed.Hours()/24, g.cfg.MinPaperDays))
	}
	if bot.TradesCount < g.cfg.MinTrades {
		failures = append(failures, fmt.Sprintf("trades %d below %d", bot.TradesCount, g.cfg.MinTrades))
	}
	if wr := bot.WinRate(); wr < g.cfg.MinWinRate {
		failures = append(failures, fmt.Sprintf("win rate %.1f%% below %.1f%%", wr*100, g.cfg.MinWinRate*100))
	}
	if bot.MaxDrawdown > g.cfg.MaxDrawdown {
		failures = append(failures, fmt.Sprintf("max drawdown %.1f%% above %.1f%%", bot.MaxDrawdown*100, g.cfg.MaxDrawdown*100))
	}
	return failures
}

// Evaluate considers one bot for paper to candidate promotion.
func (g *Gate) Evaluate(ctx context.Context, bot *models.Bot) (Result, error) {
	if bot.Status != models.BotActive || bot.TradingMode != models.ModePaper {
		return Result{Outcome: OutcomeIneligible}, nil
	}
	if failures := g.HardFilter(bot); len(failures) > 0 {
		return Result{Outcome: OutcomeFiltered, Failures: failures}, nil
	}
	if bot.PromotionReviewedTrades == bot.TradesCount {
		return Result{Outcome: OutcomeUnchanged}, nil
	}

	actx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	op, err := g.advisor.PromotionOpinion(actx, advisory.NewBotContext(bot, 0, g.now()))
	if err != nil {
		g.logger.Warn("Promotion review deferred", zap.String("bot_id", bot.ID), zap.Error(err))
		return Result{Outcome: OutcomeDeferred, Reasoning: op.Reasoning}, nil
	}
	if !op.Approved {
		if markErr := g.store.MarkPromotionReviewed(ctx, bot.ID, bot.TradesCount); markErr != nil {
			return Result{}, markErr
		}
		g.logger.Info("Promotion not approved", zap.String("bot_id", bot.ID), zap.String("reasoning", op.Reasoning))
		return Result{Outcome: OutcomeRejected, Reasoning: op.Reasoning}, nil
	}

	now := g.now().UTC()
	ok, err := g.store.TransitionMode(ctx, bot.ID, models.ModePaper, models.ModeCandidate, map[string]interface{}{
		"promoted_at":               now,
		"promotion_reviewed_trades": bot.TradesCount,
	})
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Outcome: OutcomeIneligible}, nil
	}
	bot.TradingMode = models.ModeCandidate
	bot.PromotedAt = &now

	g.logger.Info("Bot promoted to candidate", zap.String("bot_id", bot.ID), zap.String("reasoning", op.Reasoning))
	g.publisher.Publish(events.Event{
		Type:    events.BotPromoted,
		UserID:  bot.UserID,
		BotID:   bot.ID,
		Message: fmt.Sprintf("Bot %s promoted to candidate", bot.Name),
		Data:    map[string]interface{}{"reasoning": op.Reasoning, "win_rate": bot.WinRate(), "trades": bot.TradesCount},
		At:      now,
	})
	return Result{Outcome: OutcomePromoted, Promoted: true, Reasoning: op.Reasoning}, nil
}

// ConfirmLive is the administrative candidate to live step.
func (g *Gate) ConfirmLive(ctx context.Context, botID string) error {
	ok, err := g.store.TransitionMode(ctx, botID, models.ModeCandidate, models.ModeLive, nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: bot %s is not a candidate", ErrInvalidTransition, botID)
	}
	g.logger.Info("Bot confirmed for live trading", zap.String("bot_id", botID))
	return nil
}

// Demote returns a bot to paper trading and restarts its paper period.
func (g *Gate) Demote(ctx context.Context, botID string) error {
	bot, err := g.store.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	if bot.TradingMode == models.ModePaper {
		return fmt.Errorf("%w: bot %s is already paper", ErrInvalidTransition, botID)
	}
	ok, err := g.store.TransitionMode(ctx, botID, bot.TradingMode, models.ModePaper, map[string]interface{}{
		"paper_started_at":          g.now().UTC(),
		"peak_capital":              bot.CurrentCapital,
		"max_drawdown":              0,
		"promoted_at":               nil,
		"promotion_reviewed_trades": 0,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: bot %s changed mode concurrently", ErrInvalidTransition, botID)
	}
	g.logger.Info("Bot demoted to paper", zap.String("bot_id", botID), zap.String("from", string(bot.TradingMode)))
	return nil
}

// RunOnce evaluates every active paper bot.
func (g *Gate) RunOnce(ctx context.Context) {
	bots, err := g.store.ListBots(ctx, database.BotFilter{
		Statuses: []models.BotStatus{models.BotActive},
		Modes:    []models.TradingMode{models.ModePaper},
	})
	if err != nil {
		g.logger.Error("Failed to list paper bots", zap.Error(err))
		return
	}
	for i := range bots {
		if ctx.Err() != nil {
			return
		}
		res, err := g.Evaluate(ctx, &bots[i])
		if err != nil {
			g.logger.Error("Promotion evaluation failed", zap.String("bot_id", bots[i].ID), zap.Error(err))
			continue
		}
		g.metrics.PromotionOutcome(string(res.Outcome))
	}
}

// Run evaluates paper bots once per interval until ctx is done.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}
