// Package breaker halts trading when losses exceed configured drawdown limits.
// A bot breach pauses that bot; a breach of the user's aggregate capital halts
// every bot of the user until an operator clears it.
package breaker

import (
	"context"
	"fmt"
	"time"

	"capital-autopilot-go/internal/config"
	"capital-autopilot-go/internal/database"
	"capital-autopilot-go/internal/events"
	"capital-autopilot-go/internal/metrics"
	"capital-autopilot-go/internal/models"
	"go.uber.org/zap"
)

// Result is the outcome of a user check.
type Result struct {
	Halted     bool
	HaltReason string
	// Active are the bots still allowed to trade.
	Active []models.Bot
	// Paused lists bots paused by this check.
	Paused []string
}

// State is a user's breaker status for inspection.
type State struct {
	UserID         string               `json:"user_id"`
	Halted         bool                 `json:"halted"`
	HaltReason     string               `json:"halt_reason,omitempty"`
	HaltedAt       *time.Time           `json:"halted_at,omitempty"`
	InitialCapital float64              `json:"initial_capital"`
	CurrentCapital float64              `json:"current_capital"`
	Drawdown       float64              `json:"drawdown"`
	BotThreshold   float64              `json:"bot_threshold"`
	UserThreshold  float64              `json:"user_threshold"`
	RecentEvents   []models.SafetyEvent `json:"recent_events"`
}

// Breaker evaluates drawdown limits.
type Breaker struct {
	store     *database.Store
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cfg       config.Breaker
	now       func() time.Time
}

// New creates a breaker.
func New(cfg config.Breaker, store *database.Store, publisher events.Publisher, m *metrics.Metrics, logger *zap.Logger) *Breaker {
	return &Breaker{
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger.Named("breaker"),
		cfg:       cfg,
		now:       time.Now,
	}
}

func drawdownReason(dd, limit float64) string {
	return fmt.Sprintf("drawdown %.1f%% exceeds limit %.0f%%", dd*100, limit*100)
}

// SystemDrawdown is the fractional loss of the summed current capital against the
// summed initial capital of the given bots.
func SystemDrawdown(bots []models.Bot) (initial, current, drawdown float64) {
	for i := range bots {
		initial += bots[i].InitialCapital
		current += bots[i].CurrentCapital
	}
	if initial <= 0 {
		return initial, current, 0
	}
	return initial, current, (initial - current) / initial
}

// CheckUser runs the system check and then every bot check for one user.
func (b *Breaker) CheckUser(ctx context.Context, userID string) (Result, error) {
	uc, err := b.store.GetUserControl(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	if uc.Halted {
		return Result{Halted: true, HaltReason: uc.HaltReason}, nil
	}

	bots, err := b.store.ListBots(ctx, database.BotFilter{UserID: userID, Statuses: []models.BotStatus{models.BotActive}})
	if err != nil {
		return Result{}, err
	}

	_, _, dd := SystemDrawdown(bots)
	if dd > b.cfg.GlobalDrawdown {
		reason := drawdownReason(dd, b.cfg.GlobalDrawdown)
		if err := b.halt(ctx, userID, reason, dd); err != nil {
			return Result{}, err
		}
		return Result{Halted: true, HaltReason: reason}, nil
	}

	res := Result{}
	for i := range bots {
		paused, err := b.CheckBot(ctx, &bots[i])
		if err != nil {
			return Result{}, err
		}
		if paused {
			res.Paused = append(res.Paused, bots[i].ID)
			continue
		}
		res.Active = append(res.Active, bots[i])
	}
	return res, nil
}

func (b *Breaker) halt(ctx context.Context, userID, reason string, dd float64) error {
	now := b.now().UTC()
	ev := &models.SafetyEvent{
		UserID:    userID,
		Kind:      models.SafetySystemHalt,
		Reason:    reason,
		Drawdown:  dd,
		Threshold: b.cfg.GlobalDrawdown,
	}
	changed, err := b.store.HaltUser(ctx, userID, reason, now, ev)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	b.metrics.BreakerTripped(string(models.SafetySystemHalt))
	b.logger.Error("Trading halted", zap.String("user_id", userID), zap.String("reason", reason))
	b.publisher.Publish(events.Event{
		Type:    events.TradingHalted,
		UserID:  userID,
		Message: "Trading halted: " + reason,
		Data:    map[string]interface{}{"drawdown": dd, "threshold": b.cfg.GlobalDrawdown},
		At:      now,
	})
	return nil
}

// CheckBot pauses an active bot whose drawdown exceeds the bot limit. It reports
// whether the bot was paused by this call.
func (b *Breaker) CheckBot(ctx context.Context, bot *models.Bot) (bool, error) {
	if bot.Status != models.BotActive {
		return false, nil
	}
	dd := bot.Drawdown()
	if dd <= b.cfg.BotDrawdown {
		return false, nil
	}

	reason := drawdownReason(dd, b.cfg.BotDrawdown)
	ev := &models.SafetyEvent{
		UserID:    bot.UserID,
		BotID:     bot.ID,
		Kind:      models.SafetyBotPause,
		Reason:    reason,
		Drawdown:  dd,
		Threshold: b.cfg.BotDrawdown,
	}
	changed, err := b.store.PauseBot(ctx, bot.ID, reason, false, ev)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	bot.Status = models.BotPaused
	bot.PausedReason = reason

	b.metrics.BreakerTripped(string(models.SafetyBotPause))
	b.logger.Warn("Bot paused", zap.String("bot_id", bot.ID), zap.String("reason", reason))
	b.publisher.Publish(events.Event{
		Type:    events.BotPaused,
		UserID:  bot.UserID,
		BotID:   bot.ID,
		Message: fmt.Sprintf("Bot %s paused: %s", bot.Name, reason),
		Data:    map[string]interface{}{"drawdown": dd, "threshold": b.cfg.BotDrawdown},
	})
	return true, nil
}

// ReportInvariantViolation pauses a bot whose persisted state is inconsistent and
// flags it for manual review.
func (b *Breaker) ReportInvariantViolation(ctx context.Context, bot *models.Bot, reason string) error {
	ev := &models.SafetyEvent{
		UserID: bot.UserID,
		BotID:  bot.ID,
		Kind:   models.SafetyInvariantViolation,
		Reason: reason,
	}
	if err := b.store.FlagForReview(ctx, bot.ID, reason, ev); err != nil {
		return err
	}
	bot.Status = models.BotPaused
	bot.NeedsReview = true
	b.metrics.BreakerTripped(string(models.SafetyInvariantViolation))
	b.logger.Error("Invariant violation, bot paused for review", zap.String("bot_id", bot.ID), zap.String("reason", reason))
	b.publisher.Publish(events.Event{
		Type:    events.InvariantViolation,
		UserID:  bot.UserID,
		BotID:   bot.ID,
		Message: fmt.Sprintf("Bot %s needs review: %s", bot.Name, reason),
	})
	return nil
}

// ClearHalt is the operator action that lifts a user halt.
func (b *Breaker) ClearHalt(ctx context.Context, userID, note string) (bool, error) {
	ev := &models.SafetyEvent{UserID: userID, Kind: models.SafetyHaltCleared, Reason: note}
	changed, err := b.store.ClearHalt(ctx, userID, ev)
	if err != nil {
		return false, err
	}
	if changed {
		b.logger.Info("Halt cleared", zap.String("user_id", userID), zap.String("note", note))
	}
	return changed, nil
}

// ResumeBot is the operator action that reactivates a paused bot.
func (b *Breaker) ResumeBot(ctx context.Context, botID, note string) (bool, error) {
	bot, err := b.store.GetBot(ctx, botID)
	if err != nil {
		return false, err
	}
	ev := &models.SafetyEvent{UserID: bot.UserID, BotID: bot.ID, Kind: models.SafetyManualResume, Reason: note}
	changed, err := b.store.ResumeBot(ctx, botID, ev)
	if err != nil {
		return false, err
	}
	if changed {
		b.logger.Info("Bot resumed", zap.String("bot_id", botID), zap.String("note", note))
	}
	return changed, nil
}

// PauseBot is the operator action that pauses a bot without a breach.
func (b *Breaker) PauseBot(ctx context.Context, botID, note string) (bool, error) {
	bot, err := b.store.GetBot(ctx, botID)
	if err != nil {
		return false, err
	}
	reason := "manual pause"
	if note != "" {
		reason = note
	}
	ev := &models.SafetyEvent{UserID: bot.UserID, BotID: bot.ID, Kind: models.SafetyBotPause, Reason: reason}
	return b.store.PauseBot(ctx, botID, reason, false, ev)
}

// State reports a user's breaker status.
func (b *Breaker) State(ctx context.Context, userID string) (State, error) {
	uc, err := b.store.GetUserControl(ctx, userID)
	if err != nil {
		return State{}, err
	}
	bots, err := b.store.ListBots(ctx, database.BotFilter{UserID: userID, Statuses: []models.BotStatus{models.BotActive}})
	if err != nil {
		return State{}, err
	}
	recent, err := b.store.ListSafetyEvents(ctx, userID, 20)
	if err != nil {
		return State{}, err
	}
	initial, current, dd := SystemDrawdown(bots)
	return State{
		UserID:         userID,
		Halted:         uc.Halted,
		HaltReason:     uc.HaltReason,
		HaltedAt:       uc.HaltedAt,
		InitialCapital: initial,
		CurrentCapital: current,
		Drawdown:       dd,
		BotThreshold:   b.cfg.BotDrawdown,
		UserThreshold:  b.cfg.GlobalDrawdown,
		RecentEvents:   recent,
	}, nil
}
