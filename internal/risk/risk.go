// Package risk decides when an open position must be closed.
package risk

import (
	"context"
	"fmt"
	"time"

	"capital-autopilot-go/internal/advisory"
	"capital-autopilot-go/internal/config"
	"capital-autopilot-go/internal/exchange"
	"capital-autopilot-go/internal/models"
	"go.uber.org/zap"
)

// Thresholds returns the exit levels configured for a risk profile. Unknown
// profiles fall back to safe.
func Thresholds(profiles map[string]config.RiskProfile, p models.RiskProfile) config.RiskProfile {
	if rp, ok := profiles[string(p)]; ok {
		return rp
	}
	return profiles[string(models.RiskSafe)]
}

// Move is the side-adjusted fractional price change since entry. Positive is favorable.
func Move(pos *models.Position, price float64) float64 {
	if pos.EntryPrice <= 0 {
		return 0
	}
	return (price - pos.EntryPrice) / pos.EntryPrice * pos.Side.Sign()
}

// NextPeak returns the more favorable of the stored peak and price.
func NextPeak(pos *models.Position, price float64) float64 {
	peak := pos.PeakPrice
	if peak <= 0 {
		peak = pos.EntryPrice
	}
	if pos.Side == models.SideShort {
		if price < peak {
			return price
		}
		return peak
	}
	if price > peak {
		return price
	}
	return peak
}

// CheckThresholds applies stop-loss, take-profit and trailing-stop in that order
// against the position's current PeakPrice.
func CheckThresholds(pos *models.Position, price float64) (bool, models.ExitReason, string) {
	move := Move(pos, price)

	if pos.StopLoss > 0 && move <= -pos.StopLoss {
		return true, models.ExitStopLoss, fmt.Sprintf("loss %.2f%% reached stop %.2f%%", -move*100, pos.StopLoss*100)
	}
	if pos.TakeProfit > 0 && move >= pos.TakeProfit {
		return true, models.ExitTakeProfit, fmt.Sprintf("gain %.2f%% reached target %.2f%%", move*100, pos.TakeProfit*100)
	}
	if pos.TrailingStop > 0 && pos.PeakPrice > 0 && Move(pos, pos.PeakPrice) > 0 {
		retrace := (pos.PeakPrice - price) / pos.PeakPrice * pos.Side.Sign()
		if retrace >= pos.TrailingStop {
			return true, models.ExitTrailingStop, fmt.Sprintf("retraced %.2f%% from peak %.8g", retrace*100, pos.PeakPrice)
		}
	}
	return false, "", ""
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Exit   bool
	Reason models.ExitReason
	Detail string
	// Skipped means the quote was not trustworthy and nothing was evaluated.
	Skipped bool
	// PeakPrice is the updated best favorable price; PeakChanged says it should be persisted.
	PeakPrice   float64
	PeakChanged bool
}

// Evaluator combines the hard thresholds with the advisory emergency exit.
type Evaluator struct {
	advisor      advisory.Provider
	logger       *zap.Logger
	softExitLoss float64
	maxQuoteAge  time.Duration
	timeout      time.Duration
	now          func() time.Time
}

// NewEvaluator creates an evaluator. advisor may be nil, which disables soft exits.
func NewEvaluator(cfg config.Trading, advisor advisory.Provider, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		advisor:      advisor,
		logger:       logger.Named("risk"),
		softExitLoss: cfg.SoftExitLoss,
		maxQuoteAge:  cfg.MaxQuoteAge,
		timeout:      cfg.DecisionTimeout,
		now:          time.Now,
	}
}

// Evaluate decides whether pos should be closed at quote. Calling it on a closed
// position is a no-op. The position's PeakPrice is updated in place.
func (e *Evaluator) Evaluate(ctx context.Context, pos *models.Position, quote exchange.Quote) Verdict {
	if !pos.IsOpen() {
		return Verdict{}
	}
	if !quote.Reliable(e.now(), e.maxQuoteAge) {
		e.logger.Warn("Skipping exit evaluation on unreliable quote",
			zap.String("position_id", pos.ID),
			zap.Float64("price", quote.Price),
			zap.Bool("fallback", quote.Fallback),
			zap.Time("quote_time", quote.Timestamp),
		)
		return Verdict{Skipped: true}
	}

	price := quote.Price
	v := Verdict{PeakPrice: NextPeak(pos, price)}
	v.PeakChanged = v.PeakPrice != pos.PeakPrice
	pos.PeakPrice = v.PeakPrice

	if exit, reason, detail := CheckThresholds(pos, price); exit {
		v.Exit, v.Reason, v.Detail = true, reason, detail
		return v
	}

	move := Move(pos, price)
	if e.advisor == nil || -move <= e.softExitLoss {
		return v
	}

	actx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	op, err := e.advisor.EmergencyExit(actx, advisory.PositionContext{
		PositionID:    pos.ID,
		BotID:         pos.BotID,
		Pair:          pos.Pair,
		Side:          pos.Side,
		EntryPrice:    pos.EntryPrice,
		CurrentPrice:  price,
		UnrealizedPct: move * 100,
		HeldFor:       e.now().Sub(pos.EntryTime).Round(time.Minute).String(),
	})
	if err != nil {
		return v
	}
	if op.ExitNow {
		v.Exit = true
		v.Reason = models.ExitAdvisory
		v.Detail = op.Reasoning
	}
	return v
}
