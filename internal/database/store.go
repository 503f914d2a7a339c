package database

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"capital-autopilot-go/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrPositionExists is returned when a bot already holds an open position.
	ErrPositionExists = errors.New("bot already has an open position")
	// ErrPositionNotOpen is returned when settling a position that is already closed.
	ErrPositionNotOpen = errors.New("position is not open")
)

// Store is the persistence boundary for the trading core.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an opened and migrated database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for read-only reporting.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// BotFilter narrows ListBots. Empty fields match everything except deleted bots.
type BotFilter struct {
	UserID   string
	Statuses []models.BotStatus
	Modes    []models.TradingMode
}

// CreateBot inserts a bot, filling in the capital baseline fields.
func (s *Store) CreateBot(ctx context.Context, bot *models.Bot) error {
	prepareBot(bot)
	if err := s.db.WithContext(ctx).Create(bot).Error; err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	return nil
}

func prepareBot(bot *models.Bot) {
	if bot.Status == "" {
		bot.Status = models.BotActive
	}
	if bot.TradingMode == "" {
		bot.TradingMode = models.ModePaper
	}
	if bot.RiskProfile == "" {
		bot.RiskProfile = models.RiskSafe
	}
	if bot.CurrentCapital == 0 {
		bot.CurrentCapital = bot.InitialCapital
	}
	if bot.PeakCapital == 0 {
		bot.PeakCapital = bot.CurrentCapital
	}
	if bot.PaperStartedAt.IsZero() {
		bot.PaperStartedAt = time.Now().UTC()
	}
}

// moveCapital applies a non-trading capital change. The peak moves with it so that
// drawdown keeps measuring trading losses only.
func moveCapital(tx *gorm.DB, botID string, amount float64) error {
	return tx.Model(&models.Bot{}).Where("id = ?", botID).Updates(map[string]interface{}{
		"current_capital": gorm.Expr("current_capital + ?", amount),
		"peak_capital":    gorm.Expr("peak_capital + ?", amount),
	}).Error
}

// GetBot loads one bot by id.
func (s *Store) GetBot(ctx context.Context, id string) (*models.Bot, error) {
	var bot models.Bot
	if err := s.db.WithContext(ctx).First(&bot, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &bot, nil
}

// ListBots returns bots matching the filter, oldest first.
func (s *Store) ListBots(ctx context.Context, f BotFilter) ([]models.Bot, error) {
	q := s.db.WithContext(ctx).Model(&models.Bot{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	} else {
		q = q.Where("status <> ?", models.BotDeleted)
	}
	if len(f.Modes) > 0 {
		q = q.Where("trading_mode IN ?", f.Modes)
	}

	var bots []models.Bot
	if err := q.Order("created_at asc").Find(&bots).Error; err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	return bots, nil
}

// UserIDs returns every user owning at least one non-deleted bot.
func (s *Store) UserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Bot{}).
		Where("status <> ?", models.BotDeleted).
		Distinct().Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return ids, nil
}

// SoftDeleteBot marks a bot deleted. Its trade history is kept.
func (s *Store) SoftDeleteBot(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&models.Bot{}).Where("id = ?", id).Update("status", models.BotDeleted)
	if res.Error != nil {
		return fmt.Errorf("failed to delete bot: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PauseBot moves an active bot to paused and appends the safety event in the same transaction.
// It reports false when the bot was not active.
func (s *Store) PauseBot(ctx context.Context, botID, reason string, needsReview bool, ev *models.SafetyEvent) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Bot{}).
			Where("id = ? AND status = ?", botID, models.BotActive).
			Updates(map[string]interface{}{
				"status":        models.BotPaused,
				"paused_reason": reason,
				"needs_review":  needsReview,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		changed = true
		if ev != nil {
			return tx.Create(ev).Error
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to pause bot %s: %w", botID, err)
	}
	return changed, nil
}

// FlagForReview pauses a bot whatever its current state and marks it for manual review.
func (s *Store) FlagForReview(ctx context.Context, botID, reason string, ev *models.SafetyEvent) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Bot{}).
			Where("id = ? AND status <> ?", botID, models.BotDeleted).
			Updates(map[string]interface{}{
				"status":        models.BotPaused,
				"paused_reason": reason,
				"needs_review":  true,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if ev != nil {
			return tx.Create(ev).Error
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to flag bot %s for review: %w", botID, err)
	}
	return nil
}

// ResumeBot moves a paused bot back to active and clears its review flag.
func (s *Store) ResumeBot(ctx context.Context, botID string, ev *models.SafetyEvent) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Bot{}).
			Where("id = ? AND status = ?", botID, models.BotPaused).
			Updates(map[string]interface{}{
				"status":        models.BotActive,
				"paused_reason": "",
				"needs_review":  false,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		changed = true
		if ev != nil {
			return tx.Create(ev).Error
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to resume bot %s: %w", botID, err)
	}
	return changed, nil
}

// TransitionMode changes a bot's trading mode only if it is currently in from.
// extra columns are written in the same update.
func (s *Store) TransitionMode(ctx context.Context, botID string, from, to models.TradingMode, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"trading_mode": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&models.Bot{}).
		Where("id = ? AND trading_mode = ? AND status <> ?", botID, from, models.BotDeleted).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to move bot %s from %s to %s: %w", botID, from, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkPromotionReviewed remembers the trade count at which the advisor last rejected the bot.
func (s *Store) MarkPromotionReviewed(ctx context.Context, botID string, trades int) error {
	return s.db.WithContext(ctx).Model(&models.Bot{}).Where("id = ?", botID).
		Update("promotion_reviewed_trades", trades).Error
}

// OpenPositions returns the open positions of the given bots.
func (s *Store) OpenPositions(ctx context.Context, botIDs []string) ([]models.Position, error) {
	if len(botIDs) == 0 {
		return nil, nil
	}
	var positions []models.Position
	err := s.db.WithContext(ctx).
		Where("status = ? AND bot_id IN ?", models.PositionOpen, botIDs).
		Order("entry_time asc").Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list open positions: %w", err)
	}
	return positions, nil
}

// OpenPositionsForBot returns every open position of one bot. More than one is an invariant violation.
func (s *Store) OpenPositionsForBot(ctx context.Context, botID string) ([]models.Position, error) {
	return s.OpenPositions(ctx, []string{botID})
}

// GetPosition loads one position by id.
func (s *Store) GetPosition(ctx context.Context, id string) (*models.Position, error) {
	var pos models.Position
	if err := s.db.WithContext(ctx).First(&pos, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &pos, nil
}

// UpdatePeakPrice stores the best favorable price seen by an open position.
func (s *Store) UpdatePeakPrice(ctx context.Context, positionID string, peak float64) error {
	return s.db.WithContext(ctx).Model(&models.Position{}).
		Where("id = ? AND status = ?", positionID, models.PositionOpen).
		Update("peak_price", peak).Error
}

// OpenPosition creates a position after checking, in the same transaction, that the bot
// holds no other open position. The partial unique index backs the check.
func (s *Store) OpenPosition(ctx context.Context, pos *models.Position, pendingID string, at time.Time) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&models.Position{}).
			Where("bot_id = ? AND status = ?", pos.BotID, models.PositionOpen).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return ErrPositionExists
		}
		pos.Status = models.PositionOpen
		if err := tx.Create(pos).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrPositionExists
			}
			return err
		}
		return resolvePending(tx, pendingID, models.PendingRecorded, at)
	})
	if err != nil {
		if errors.Is(err, ErrPositionExists) {
			return err
		}
		return fmt.Errorf("failed to open position for bot %s: %w", pos.BotID, err)
	}
	return nil
}

// Settlement carries the outcome of a closing order.
type Settlement struct {
	PositionID     string
	ExitPrice      float64
	ExitQty        float64
	Fees           float64 // entry + exit fees
	NetProfit      float64
	Reason         models.ExitReason
	Detail         string
	PendingOrderID string
	At             time.Time
}

// ClosePosition settles a position exactly once: it closes the position, appends the
// TradeHistory record and applies additive increments to the bot aggregates in one transaction.
func (s *Store) ClosePosition(ctx context.Context, st Settlement) (*models.TradeHistory, *models.Bot, error) {
	var trade models.TradeHistory
	var bot models.Bot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pos models.Position
		if err := tx.First(&pos, "id = ?", st.PositionID).Error; err != nil {
			return notFound(err)
		}
		res := tx.Model(&models.Position{}).
			Where("id = ? AND status = ?", st.PositionID, models.PositionOpen).
			Updates(map[string]interface{}{"status": models.PositionClosed, "closed_at": st.At})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrPositionNotOpen
		}

		trade = models.TradeHistory{
			PositionID:  pos.ID,
			BotID:       pos.BotID,
			UserID:      pos.UserID,
			Exchange:    pos.Exchange,
			Pair:        pos.Pair,
			Side:        pos.Side,
			TradingMode: pos.TradingMode,
			EntryPrice:  pos.EntryPrice,
			ExitPrice:   st.ExitPrice,
			EntryQty:    pos.EntryQty,
			ExitQty:     st.ExitQty,
			Fees:        st.Fees,
			NetProfit:   st.NetProfit,
			ExitReason:  st.Reason,
			Detail:      st.Detail,
			Reasoning:   pos.Reasoning,
			EntryTime:   pos.EntryTime,
			ExitTime:    st.At,
		}
		if err := tx.Create(&trade).Error; err != nil {
			return err
		}

		win, loss := 0, 1
		if st.NetProfit > 0 {
			win, loss = 1, 0
		}
		if err := tx.Model(&models.Bot{}).Where("id = ?", pos.BotID).Updates(map[string]interface{}{
			"current_capital":     gorm.Expr("current_capital + ?", st.NetProfit),
			"total_profit":        gorm.Expr("total_profit + ?", st.NetProfit),
			"reinvestable_profit": gorm.Expr("reinvestable_profit + ?", st.NetProfit),
			"win_count":           gorm.Expr("win_count + ?", win),
			"loss_count":          gorm.Expr("loss_count + ?", loss),
			"trades_count":        gorm.Expr("trades_count + 1"),
			"last_trade_at":       st.At,
		}).Error; err != nil {
			return err
		}

		if err := tx.First(&bot, "id = ?", pos.BotID).Error; err != nil {
			return err
		}
		peak := math.Max(bot.PeakCapital, bot.CurrentCapital)
		drawdown := 0.0
		if peak > 0 {
			drawdown = (peak - bot.CurrentCapital) / peak
		}
		bot.PeakCapital = peak
		bot.MaxDrawdown = math.Max(bot.MaxDrawdown, drawdown)
		if err := tx.Model(&models.Bot{}).Where("id = ?", bot.ID).Updates(map[string]interface{}{
			"peak_capital": bot.PeakCapital,
			"max_drawdown": bot.MaxDrawdown,
		}).Error; err != nil {
			return err
		}

		return resolvePending(tx, st.PendingOrderID, models.PendingRecorded, st.At)
	})
	if err != nil {
		if errors.Is(err, ErrPositionNotOpen) || errors.Is(err, ErrNotFound) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("failed to close position %s: %w", st.PositionID, err)
	}
	return &trade, &bot, nil
}

// CreatePendingOrder journals an order intent before it is sent to the exchange.
func (s *Store) CreatePendingOrder(ctx context.Context, po *models.PendingOrder) error {
	po.Status = models.PendingSubmitted
	if err := s.db.WithContext(ctx).Create(po).Error; err != nil {
		return fmt.Errorf("failed to journal order: %w", err)
	}
	return nil
}

// PendingOrders returns journaled orders whose outcome was never recorded.
func (s *Store) PendingOrders(ctx context.Context) ([]models.PendingOrder, error) {
	var orders []models.PendingOrder
	err := s.db.WithContext(ctx).Where("status = ?", models.PendingSubmitted).
		Order("created_at asc").Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending orders: %w", err)
	}
	return orders, nil
}

// PendingOrdersForBot returns one bot's unresolved journaled orders.
func (s *Store) PendingOrdersForBot(ctx context.Context, botID string) ([]models.PendingOrder, error) {
	var orders []models.PendingOrder
	err := s.db.WithContext(ctx).Where("bot_id = ? AND status = ?", botID, models.PendingSubmitted).
		Order("created_at asc").Find(&orders).Error
	return orders, err
}

// ResolvePendingOrder marks a journaled order as recorded or abandoned.
func (s *Store) ResolvePendingOrder(ctx context.Context, id string, status models.PendingStatus, at time.Time) error {
	return resolvePending(s.db.WithContext(ctx), id, status, at)
}

func resolvePending(tx *gorm.DB, id string, status models.PendingStatus, at time.Time) error {
	if id == "" {
		return nil
	}
	return tx.Model(&models.PendingOrder{}).
		Where("id = ? AND status = ?", id, models.PendingSubmitted).
		Updates(map[string]interface{}{"status": status, "resolved_at": at}).Error
}

// GetUserControl returns the user's switches; a user without a row gets the zero value.
func (s *Store) GetUserControl(ctx context.Context, userID string) (models.UserControl, error) {
	var uc models.UserControl
	err := s.db.WithContext(ctx).First(&uc, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.UserControl{UserID: userID}, nil
	}
	if err != nil {
		return uc, fmt.Errorf("failed to load user control: %w", err)
	}
	return uc, nil
}

func ensureUserControl(tx *gorm.DB, userID string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.UserControl{UserID: userID}).Error
}

// HaltUser sets the persistent halt flag and appends the safety event. It reports false if
// the user was already halted.
func (s *Store) HaltUser(ctx context.Context, userID, reason string, at time.Time, ev *models.SafetyEvent) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureUserControl(tx, userID); err != nil {
			return err
		}
		res := tx.Model(&models.UserControl{}).
			Where("user_id = ? AND halted = ?", userID, false).
			Updates(map[string]interface{}{"halted": true, "halt_reason": reason, "halted_at": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		changed = true
		if ev != nil {
			return tx.Create(ev).Error
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to halt user %s: %w", userID, err)
	}
	return changed, nil
}

// ClearHalt removes the halt flag. Only an explicit operator action calls this.
func (s *Store) ClearHalt(ctx context.Context, userID string, ev *models.SafetyEvent) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.UserControl{}).
			Where("user_id = ? AND halted = ?", userID, true).
			Updates(map[string]interface{}{"halted": false, "halt_reason": "", "halted_at": nil})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		changed = true
		if ev != nil {
			return tx.Create(ev).Error
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to clear halt for user %s: %w", userID, err)
	}
	return changed, nil
}

// SetAutopilot enables or disables the capital allocator for a user.
func (s *Store) SetAutopilot(ctx context.Context, userID string, enabled bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureUserControl(tx, userID); err != nil {
			return err
		}
		return tx.Model(&models.UserControl{}).Where("user_id = ?", userID).Update("autopilot", enabled).Error
	})
}

// AutopilotUsers returns the users with autopilot enabled.
func (s *Store) AutopilotUsers(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.UserControl{}).
		Where("autopilot = ?", true).Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list autopilot users: %w", err)
	}
	return ids, nil
}

// RecordSafetyEvent appends an audit record.
func (s *Store) RecordSafetyEvent(ctx context.Context, ev *models.SafetyEvent) error {
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("failed to record safety event: %w", err)
	}
	return nil
}

// ListSafetyEvents returns a user's most recent safety events.
func (s *Store) ListSafetyEvents(ctx context.Context, userID string, limit int) ([]models.SafetyEvent, error) {
	var events []models.SafetyEvent
	q := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list safety events: %w", err)
	}
	return events, nil
}

// AllocationPlan is one atomic capital movement produced by the autopilot.
type AllocationPlan struct {
	NewBot     *models.Bot
	Injections []models.CapitalInjection
	// ResetBotIDs have their reinvestable profit counter zeroed.
	ResetBotIDs []string
}

// ApplyAllocation creates the optional new bot, applies every injection to its bot's
// current capital and resets the swept profit counters, all in one transaction.
// Seed injections document a spawned bot's initial capital and do not move capital again.
func (s *Store) ApplyAllocation(ctx context.Context, plan AllocationPlan) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if plan.NewBot != nil {
			prepareBot(plan.NewBot)
			if err := tx.Create(plan.NewBot).Error; err != nil {
				return err
			}
		}
		for i := range plan.Injections {
			inj := plan.Injections[i]
			if err := tx.Create(&inj).Error; err != nil {
				return err
			}
			if inj.Kind == models.InjectionSeed {
				continue
			}
			if err := moveCapital(tx, inj.BotID, inj.Amount); err != nil {
				return err
			}
		}
		if len(plan.ResetBotIDs) > 0 {
			if err := tx.Model(&models.Bot{}).Where("id IN ?", plan.ResetBotIDs).
				Update("reinvestable_profit", 0).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply allocation: %w", err)
	}
	return nil
}

// InjectCapital records externally added (positive) or withdrawn (negative) capital for one bot.
func (s *Store) InjectCapital(ctx context.Context, inj *models.CapitalInjection) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bot models.Bot
		if err := tx.First(&bot, "id = ?", inj.BotID).Error; err != nil {
			return notFound(err)
		}
		inj.UserID = bot.UserID
		if err := tx.Create(inj).Error; err != nil {
			return err
		}
		return moveCapital(tx, inj.BotID, inj.Amount)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to inject capital: %w", err)
	}
	return nil
}

// ListInjections returns capital injections for a bot, or for every bot of a user when botID is empty.
func (s *Store) ListInjections(ctx context.Context, botID, userID string) ([]models.CapitalInjection, error) {
	q := s.db.WithContext(ctx).Order("created_at asc, id asc")
	if botID != "" {
		q = q.Where("bot_id = ?", botID)
	}
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var out []models.CapitalInjection
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list injections: %w", err)
	}
	return out, nil
}

// TradeFilter narrows ListTrades.
type TradeFilter struct {
	BotID  string
	UserID string
	Since  time.Time
	Limit  int
}

// ListTrades returns completed round trips, most recent first.
func (s *Store) ListTrades(ctx context.Context, f TradeFilter) ([]models.TradeHistory, error) {
	q := s.db.WithContext(ctx).Order("exit_time desc, id desc")
	if f.BotID != "" {
		q = q.Where("bot_id = ?", f.BotID)
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if !f.Since.IsZero() {
		q = q.Where("exit_time >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var trades []models.TradeHistory
	if err := q.Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}

// ProfitReport separates trading profit from capital that entered or moved between bots.
type ProfitReport struct {
	UserID         string                           `json:"user_id"`
	TradingProfit  float64                          `json:"trading_profit"`
	Injections     map[models.InjectionKind]float64 `json:"injections"`
	InitialCapital float64                          `json:"initial_capital"`
	CurrentCapital float64                          `json:"current_capital"`
	Trades         int64                            `json:"trades"`
}

// UserProfit builds the profit report of a user from the trade history, never from capital balances.
func (s *Store) UserProfit(ctx context.Context, userID string) (*ProfitReport, error) {
	report := &ProfitReport{UserID: userID, Injections: map[models.InjectionKind]float64{}}
	db := s.db.WithContext(ctx)

	var tradeAgg struct {
		Total float64
		Count int64
	}
	if err := db.Model(&models.TradeHistory{}).Where("user_id = ?", userID).
		Select("COALESCE(SUM(net_profit), 0) AS total, COUNT(*) AS count").Scan(&tradeAgg).Error; err != nil {
		return nil, fmt.Errorf("failed to sum trades: %w", err)
	}
	report.TradingProfit = tradeAgg.Total
	report.Trades = tradeAgg.Count

	var kinds []struct {
		Kind  models.InjectionKind
		Total float64
	}
	if err := db.Model(&models.CapitalInjection{}).Where("user_id = ?", userID).
		Select("kind, SUM(amount) AS total").Group("kind").Scan(&kinds).Error; err != nil {
		return nil, fmt.Errorf("failed to sum injections: %w", err)
	}
	for _, k := range kinds {
		report.Injections[k.Kind] = k.Total
	}

	var capAgg struct {
		Initial float64
		Current float64
	}
	if err := db.Model(&models.Bot{}).Where("user_id = ? AND status <> ?", userID, models.BotDeleted).
		Select("COALESCE(SUM(initial_capital), 0) AS initial, COALESCE(SUM(current_capital), 0) AS current").
		Scan(&capAgg).Error; err != nil {
		return nil, fmt.Errorf("failed to sum capital: %w", err)
	}
	report.InitialCapital = capAgg.Initial
	report.CurrentCapital = capAgg.Current
	return report, nil
}

// Credentials returns a user's API key for an exchange.
func (s *Store) Credentials(ctx context.Context, userID, exchange string) (*models.APIKey, error) {
	var key models.APIKey
	if err := s.db.WithContext(ctx).First(&key, "user_id = ? AND exchange = ?", userID, exchange).Error; err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

// SaveCredentials creates or replaces a user's API key for an exchange.
func (s *Store) SaveCredentials(ctx context.Context, key *models.APIKey) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "exchange"}},
		DoUpdates: clause.AssignmentColumns([]string{"api_key", "secret"}),
	}).Create(key).Error
}
