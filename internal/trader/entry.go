package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"capital-autopilot-go/internal/advisory"
	"capital-autopilot-go/internal/database"
	"capital-autopilot-go/internal/events"
	"capital-autopilot-go/internal/exchange"
	"capital-autopilot-go/internal/models"
	"capital-autopilot-go/internal/risk"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// entryDue reports whether an active bot may consider a new position at now.
func (e *Engine) entryDue(bot *models.Bot, now time.Time) bool {
	if bot.Status != models.BotActive {
		return false
	}
	if bot.LastTradeAt == nil {
		return true
	}
	return now.Sub(*bot.LastTradeAt) >= e.cfg.Trading.EntrySpacing
}

// tryEntry asks the advisor for a decision and opens a position on BUY or SELL.
func (e *Engine) tryEntry(ctx context.Context, snapshot *models.Bot) {
	unlock := e.Locks.Lock(snapshot.ID)
	defer unlock()

	l := e.botLogger(snapshot)

	// Re-read under the lock: the exit phase or an admin action may have changed the bot.
	bot, err := e.Store.GetBot(ctx, snapshot.ID)
	if err != nil {
		l.Error("Failed to reload bot", zap.Error(err))
		e.Metrics.BotError("load")
		return
	}
	if !e.entryDue(bot, e.now()) {
		return
	}
	if !e.settlePending(ctx, bot) {
		l.Info("Journaled order still unresolved, skipping entry")
		return
	}
	open, err := e.Store.OpenPositionsForBot(ctx, bot.ID)
	if err != nil {
		l.Error("Failed to load open positions", zap.Error(err))
		e.Metrics.BotError("load")
		return
	}
	if len(open) > 0 {
		return
	}

	qctx, cancel := context.WithTimeout(ctx, e.cfg.Trading.PriceTimeout)
	quote, err := e.Oracle.Quote(qctx, bot.Exchange, bot.Pair)
	cancel()
	if err != nil {
		l.Warn("Failed to get price, no entry this cycle", zap.Error(err))
		e.Metrics.BotError("price")
		return
	}
	if !quote.Reliable(e.now(), e.cfg.Trading.MaxQuoteAge) {
		l.Warn("Unreliable quote, no entry this cycle", zap.Float64("price", quote.Price), zap.Bool("fallback", quote.Fallback))
		return
	}

	dctx, cancel := context.WithTimeout(ctx, e.cfg.Trading.DecisionTimeout)
	decision, err := e.Advisor.TradeDecision(dctx, advisory.NewBotContext(bot, quote.Price, e.now()))
	cancel()
	if err != nil {
		l.Warn("Advisor unavailable, holding", zap.Error(err))
		return
	}
	side, ok := decision.Action.Side()
	if !ok {
		l.Debug("Advisor decided not to trade", zap.String("decision", string(decision.Action)), zap.String("reasoning", decision.Reasoning))
		return
	}

	qty := positionSize(bot.CurrentCapital, e.cfg.Trading.PositionSizeFraction, quote.Price)
	if qty <= 0 {
		l.Warn("Position size is zero, no entry", zap.Float64("capital", bot.CurrentCapital))
		return
	}

	if d := e.Admission.Admit(bot.ID, bot.Exchange); !d.Allowed {
		l.Info("Entry refused by admission control", zap.String("budget", string(d.Budget)), zap.Time("retry_at", d.RetryAt))
		e.Metrics.AdmissionRejected(bot.Exchange, string(d.Budget))
		return
	}

	gw, err := e.gatewayFor(ctx, bot.UserID, bot.Exchange, bot.TradingMode)
	if err != nil {
		l.Error("No gateway for entry", zap.Error(err))
		e.Metrics.BotError("gateway")
		return
	}

	po := &models.PendingOrder{
		ID:          uuid.NewString(),
		BotID:       bot.ID,
		Purpose:     models.PurposeEntry,
		Side:        side,
		Qty:         qty,
		TradingMode: bot.TradingMode,
		Reasoning:   decision.Reasoning,
	}
	if err := e.Store.CreatePendingOrder(ctx, po); err != nil {
		l.Error("Failed to journal entry order", zap.Error(err))
		e.Metrics.BotError("journal")
		return
	}

	res, err := e.submit(ctx, gw, po, exchange.OrderRequest{
		ClientOrderID:  po.ID,
		Exchange:       bot.Exchange,
		Pair:           bot.Pair,
		Side:           side.EntryOrderSide(),
		Qty:            qty,
		ReferencePrice: quote.Price,
	})
	if err != nil {
		l.Error("Entry order failed", zap.Error(err))
		e.Metrics.BotError("order")
		return
	}
	if res == nil {
		return
	}
	e.recordEntry(ctx, bot, po, res)
}

// recordEntry persists the position opened by a filled entry order.
func (e *Engine) recordEntry(ctx context.Context, bot *models.Bot, po *models.PendingOrder, res *exchange.OrderResult) {
	ctx = context.WithoutCancel(ctx)
	l := e.botLogger(bot).With(zap.String("order_id", po.ID))

	th := risk.Thresholds(e.cfg.RiskProfiles, bot.RiskProfile)
	now := e.now().UTC()
	pos := &models.Position{
		ID:           uuid.NewString(),
		BotID:        bot.ID,
		UserID:       bot.UserID,
		Exchange:     bot.Exchange,
		Pair:         bot.Pair,
		Side:         po.Side,
		EntryPrice:   res.AvgPrice,
		EntryQty:     res.FilledQty,
		EntryFee:     res.Fee,
		EntryOrderID: res.OrderID,
		EntryTime:    now,
		TradingMode:  po.TradingMode,
		StopLoss:     th.StopLoss,
		TakeProfit:   th.TakeProfit,
		TrailingStop: th.TrailingStop,
		PeakPrice:    res.AvgPrice,
		Reasoning:    po.Reasoning,
	}
	err := e.Store.OpenPosition(ctx, pos, po.ID, now)
	if errors.Is(err, database.ErrPositionExists) {
		// The fill is real but the bot already holds a position: exposure is untracked.
		reason := fmt.Sprintf("entry order %s filled while another position was open", po.ID)
		if rerr := e.Breaker.ReportInvariantViolation(ctx, bot, reason); rerr != nil {
			l.Error("Failed to report invariant violation", zap.Error(rerr))
		}
		e.abandon(ctx, po)
		return
	}
	if err != nil {
		l.Error("Failed to record position", zap.Error(err))
		e.Metrics.BotError("record")
		return
	}

	e.Metrics.OrderSubmitted(string(pos.TradingMode), string(models.PurposeEntry), string(pos.Side.EntryOrderSide()))
	l.Info("Position opened",
		zap.String("position_id", pos.ID),
		zap.String("side", string(pos.Side)),
		zap.Float64("price", pos.EntryPrice),
		zap.Float64("qty", pos.EntryQty),
	)
	e.Publisher.Publish(events.Event{
		Type:    events.PositionOpened,
		UserID:  bot.UserID,
		BotID:   bot.ID,
		Message: fmt.Sprintf("%s opened %s %s at %.8g", bot.Name, pos.Side, pos.Pair, pos.EntryPrice),
		Data: map[string]interface{}{
			"position_id": pos.ID,
			"side":        string(pos.Side),
			"entry_price": pos.EntryPrice,
			"qty":         pos.EntryQty,
			"reasoning":   pos.Reasoning,
		},
		At: now,
	})
}
