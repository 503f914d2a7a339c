package trader

import (
	"capital-autopilot-go/internal/models"
	"github.com/shopspring/decimal"
)

// NetProfit is the side-adjusted profit of a round trip after fees, rounded to 8 places.
func NetProfit(side models.Side, entry, exit, qty, fees float64) float64 {
	diff := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry))
	if side == models.SideShort {
		diff = diff.Neg()
	}
	gross := diff.Mul(decimal.NewFromFloat(qty))
	return gross.Sub(decimal.NewFromFloat(fees)).Round(8).InexactFloat64()
}

// positionSize is the quantity bought with fraction of capital at price, truncated to 8 places.
func positionSize(capital, fraction, price float64) float64 {
	if price <= 0 || capital <= 0 || fraction <= 0 {
		return 0
	}
	notional := decimal.NewFromFloat(capital).Mul(decimal.NewFromFloat(fraction))
	return notional.Div(decimal.NewFromFloat(price)).Truncate(8).InexactFloat64()
}
