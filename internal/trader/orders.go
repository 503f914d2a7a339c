package trader

import (
	"context"
	"errors"

	"capital-autopilot-go/internal/exchange"
	"capital-autopilot-go/internal/models"
	"go.uber.org/zap"
)

// submit sends a journaled order. The order is detached from ctx cancellation so a
// shutdown never abandons an order mid-flight. A nil result with a nil error means
// the order did not fill; the journal entry is abandoned or left for reconciliation.
func (e *Engine) submit(ctx context.Context, gw exchange.Gateway, po *models.PendingOrder, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Trading.OrderTimeout)
	defer cancel()

	res, err := gw.SubmitOrder(octx, req)
	if err != nil {
		// The venue may or may not have accepted it. Ask by client order id before giving up.
		lctx, lcancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Trading.OrderTimeout)
		got, lerr := gw.GetOrder(lctx, req.Exchange, po.ID)
		lcancel()
		switch {
		case errors.Is(lerr, exchange.ErrOrderNotFound):
			e.abandon(ctx, po)
			return nil, err
		case lerr != nil:
			return nil, err
		}
		res = got
	}

	switch {
	case res.Filled():
		return res, nil
	case res.Status == exchange.OrderRejected:
		e.logger.Warn("Order rejected", zap.String("order_id", po.ID), zap.String("bot_id", po.BotID))
		e.abandon(ctx, po)
	default:
		e.logger.Info("Order not filled yet, left for reconciliation", zap.String("order_id", po.ID), zap.String("bot_id", po.BotID))
	}
	return nil, nil
}

func (e *Engine) abandon(ctx context.Context, po *models.PendingOrder) {
	if err := e.Store.ResolvePendingOrder(context.WithoutCancel(ctx), po.ID, models.PendingAbandoned, e.now().UTC()); err != nil {
		e.logger.Error("Failed to abandon journaled order", zap.String("order_id", po.ID), zap.Error(err))
	}
}

// settlePending resolves the bot's journaled orders. It reports whether none remain.
// Callers hold the bot lock.
func (e *Engine) settlePending(ctx context.Context, bot *models.Bot) bool {
	orders, err := e.Store.PendingOrdersForBot(ctx, bot.ID)
	if err != nil {
		e.botLogger(bot).Error("Failed to load journaled orders", zap.Error(err))
		return false
	}
	settled := true
	for i := range orders {
		if !e.resolve(ctx, bot, &orders[i]) {
			settled = false
		}
	}
	return settled
}

// resolve looks a journaled order up on the gateway and records its outcome.
func (e *Engine) resolve(ctx context.Context, bot *models.Bot, po *models.PendingOrder) bool {
	l := e.botLogger(bot).With(zap.String("order_id", po.ID), zap.String("purpose", string(po.Purpose)))

	gw, err := e.gatewayFor(ctx, bot.UserID, bot.Exchange, po.TradingMode)
	if err != nil {
		l.Error("No gateway to reconcile order", zap.Error(err))
		return false
	}
	lctx, cancel := context.WithTimeout(ctx, e.cfg.Trading.OrderTimeout)
	res, err := gw.GetOrder(lctx, bot.Exchange, po.ID)
	cancel()
	if errors.Is(err, exchange.ErrOrderNotFound) {
		l.Info("Journaled order never reached the venue, abandoning")
		e.abandon(ctx, po)
		return true
	}
	if err != nil {
		l.Warn("Failed to look up journaled order", zap.Error(err))
		return false
	}

	switch {
	case res.Filled():
		l.Info("Recording fill found during reconciliation", zap.Float64("price", res.AvgPrice))
		if po.Purpose == models.PurposeEntry {
			e.recordEntry(ctx, bot, po, res)
			return true
		}
		pos, err := e.Store.GetPosition(ctx, po.PositionID)
		if err != nil || !pos.IsOpen() {
			l.Warn("Exit fill for a position that is not open", zap.String("position_id", po.PositionID), zap.Error(err))
			e.abandon(ctx, po)
			return true
		}
		e.settleExit(ctx, bot, pos, po, res)
		return true
	case res.Status == exchange.OrderRejected:
		e.abandon(ctx, po)
		return true
	default:
		return false
	}
}

// Reconcile resolves every journaled order left behind by a previous run.
func (e *Engine) Reconcile(ctx context.Context) {
	orders, err := e.Store.PendingOrders(ctx)
	if err != nil {
		e.logger.Error("Failed to load journaled orders", zap.Error(err))
		return
	}
	if len(orders) == 0 {
		return
	}

	byBot := make(map[string][]models.PendingOrder)
	var botOrder []string
	for _, po := range orders {
		if _, ok := byBot[po.BotID]; !ok {
			botOrder = append(botOrder, po.BotID)
		}
		byBot[po.BotID] = append(byBot[po.BotID], po)
	}

	resolved, unresolved := 0, 0
	for _, botID := range botOrder {
		bot, err := e.Store.GetBot(ctx, botID)
		if err != nil {
			e.logger.Error("Journaled order for unknown bot", zap.String("bot_id", botID), zap.Error(err))
			unresolved += len(byBot[botID])
			continue
		}
		unlock := e.Locks.Lock(botID)
		for i := range byBot[botID] {
			if e.resolve(ctx, bot, &byBot[botID][i]) {
				resolved++
			} else {
				unresolved++
			}
		}
		unlock()
	}
	e.logger.Info("Reconciliation finished", zap.Int("resolved", resolved), zap.Int("unresolved", unresolved))
}
