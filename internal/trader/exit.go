package trader

import (
	"context"
	"errors"
	"fmt"

	"capital-autopilot-go/internal/database"
	"capital-autopilot-go/internal/events"
	"capital-autopilot-go/internal/exchange"
	"capital-autopilot-go/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// manageBot evaluates the bot's open position and closes it when an exit condition holds.
func (e *Engine) manageBot(ctx context.Context, snapshot *models.Bot) {
	unlock := e.Locks.Lock(snapshot.ID)
	defer unlock()

	l := e.botLogger(snapshot)
	bot, err := e.Store.GetBot(ctx, snapshot.ID)
	if err != nil {
		l.Error("Failed to reload bot", zap.Error(err))
		e.Metrics.BotError("load")
		return
	}
	if bot.Status != models.BotActive {
		return
	}
	if !e.settlePending(ctx, bot) {
		l.Info("Journaled order still unresolved, skipping bot this cycle")
		return
	}

	positions, err := e.Store.OpenPositionsForBot(ctx, bot.ID)
	if err != nil {
		l.Error("Failed to load open positions", zap.Error(err))
		e.Metrics.BotError("load")
		return
	}
	switch {
	case len(positions) == 0:
		return
	case len(positions) > 1:
		reason := fmt.Sprintf("%d open positions, expected at most one", len(positions))
		if err := e.Breaker.ReportInvariantViolation(ctx, bot, reason); err != nil {
			l.Error("Failed to report invariant violation", zap.Error(err))
		}
		return
	}
	pos := positions[0]

	qctx, cancel := context.WithTimeout(ctx, e.cfg.Trading.PriceTimeout)
	quote, err := e.Oracle.Quote(qctx, pos.Exchange, pos.Pair)
	cancel()
	if err != nil {
		l.Warn("Failed to get price, position left unevaluated", zap.String("position_id", pos.ID), zap.Error(err))
		e.Metrics.BotError("price")
		return
	}

	v := e.Evaluator.Evaluate(ctx, &pos, quote)
	if v.Skipped {
		return
	}
	if v.PeakChanged {
		if err := e.Store.UpdatePeakPrice(ctx, pos.ID, v.PeakPrice); err != nil {
			l.Warn("Failed to persist peak price", zap.String("position_id", pos.ID), zap.Error(err))
		}
	}
	if !v.Exit {
		return
	}

	l.Info("Exit condition met",
		zap.String("position_id", pos.ID),
		zap.String("reason", string(v.Reason)),
		zap.String("detail", v.Detail),
		zap.Float64("price", quote.Price),
	)
	e.closePosition(ctx, bot, &pos, quote.Price, v.Reason, v.Detail)
}

// closePosition admits, journals and submits the closing order, then settles the fill.
func (e *Engine) closePosition(ctx context.Context, bot *models.Bot, pos *models.Position, price float64, reason models.ExitReason, detail string) {
	l := e.botLogger(bot).With(zap.String("position_id", pos.ID))

	if d := e.Admission.Admit(bot.ID, pos.Exchange); !d.Allowed {
		l.Info("Exit deferred by admission control", zap.String("budget", string(d.Budget)), zap.Time("retry_at", d.RetryAt))
		e.Metrics.AdmissionRejected(pos.Exchange, string(d.Budget))
		return
	}

	gw, err := e.gatewayFor(ctx, bot.UserID, pos.Exchange, pos.TradingMode)
	if err != nil {
		l.Error("No gateway for exit", zap.Error(err))
		e.Metrics.BotError("gateway")
		return
	}

	po := &models.PendingOrder{
		ID:          uuid.NewString(),
		BotID:       bot.ID,
		PositionID:  pos.ID,
		Purpose:     models.PurposeExit,
		Side:        pos.Side,
		Qty:         pos.EntryQty,
		TradingMode: pos.TradingMode,
		ExitReason:  reason,
		Reasoning:   detail,
	}
	if err := e.Store.CreatePendingOrder(ctx, po); err != nil {
		l.Error("Failed to journal exit order", zap.Error(err))
		e.Metrics.BotError("journal")
		return
	}

	res, err := e.submit(ctx, gw, po, exchange.OrderRequest{
		ClientOrderID:  po.ID,
		Exchange:       pos.Exchange,
		Pair:           pos.Pair,
		Side:           pos.Side.ExitOrderSide(),
		Qty:            pos.EntryQty,
		ReferencePrice: price,
	})
	if err != nil {
		l.Error("Exit order failed", zap.Error(err))
		e.Metrics.BotError("order")
		return
	}
	if res == nil {
		return
	}
	e.settleExit(ctx, bot, pos, po, res)
}

// settleExit records a filled closing order exactly once.
func (e *Engine) settleExit(ctx context.Context, bot *models.Bot, pos *models.Position, po *models.PendingOrder, res *exchange.OrderResult) {
	// The fill already happened on the exchange; shutdown must not lose it.
	ctx = context.WithoutCancel(ctx)
	l := e.botLogger(bot).With(zap.String("position_id", pos.ID))

	fees := pos.EntryFee + res.Fee
	net := NetProfit(pos.Side, pos.EntryPrice, res.AvgPrice, pos.EntryQty, fees)
	trade, updated, err := e.Store.ClosePosition(ctx, database.Settlement{
		PositionID:     pos.ID,
		ExitPrice:      res.AvgPrice,
		ExitQty:        res.FilledQty,
		Fees:           fees,
		NetProfit:      net,
		Reason:         po.ExitReason,
		Detail:         po.Reasoning,
		PendingOrderID: po.ID,
		At:             e.now().UTC(),
	})
	if errors.Is(err, database.ErrPositionNotOpen) {
		l.Warn("Position already settled, ignoring duplicate fill")
		_ = e.Store.ResolvePendingOrder(ctx, po.ID, models.PendingAbandoned, e.now().UTC())
		return
	}
	if err != nil {
		l.Error("Failed to settle position", zap.Error(err))
		e.Metrics.BotError("settle")
		return
	}

	e.Metrics.OrderSubmitted(string(pos.TradingMode), string(models.PurposeExit), string(pos.Side.ExitOrderSide()))
	e.Metrics.PositionClosed(string(po.ExitReason), string(pos.Side))
	l.Info("Position closed",
		zap.String("reason", string(po.ExitReason)),
		zap.Float64("exit_price", res.AvgPrice),
		zap.Float64("net_profit", net),
		zap.Float64("capital", updated.CurrentCapital),
	)
	e.Publisher.Publish(events.Event{
		Type:    events.PositionClosed,
		UserID:  bot.UserID,
		BotID:   bot.ID,
		Message: fmt.Sprintf("%s %s closed by %s: %.2f", bot.Name, pos.Pair, po.ExitReason, net),
		Data: map[string]interface{}{
			"position_id": pos.ID,
			"trade_id":    trade.ID,
			"exit_price":  res.AvgPrice,
			"net_profit":  net,
			"reason":      string(po.ExitReason),
		},
		At: trade.ExitTime,
	})
	if e.cfg.Trading.LargeLossAlert > 0 && -net > e.cfg.Trading.LargeLossAlert {
		e.Publisher.Publish(events.Event{
			Type:    events.LargeLoss,
			UserID:  bot.UserID,
			BotID:   bot.ID,
			Message: fmt.Sprintf("%s lost %.2f on %s", bot.Name, -net, pos.Pair),
			Data:    map[string]interface{}{"position_id": pos.ID, "net_profit": net},
			At:      trade.ExitTime,
		})
	}

	if _, err := e.Breaker.CheckBot(ctx, updated); err != nil {
		l.Error("Post-trade drawdown check failed", zap.Error(err))
	}
}
