// Package exchange provides the price oracle and the order execution gateway.
package exchange

import (
	"context"
	"errors"
	"time"

	"capital-autopilot-go/internal/models"
)

// ErrOrderNotFound is returned when the gateway has no order for a client order id.
var ErrOrderNotFound = errors.New("order not found")

// Quote is a price observation. Fallback marks a price the oracle could not source live.
type Quote struct {
	Exchange  string    `json:"exchange"`
	Pair      string    `json:"pair"`
	Price     float64   `json:"price"`
	Fallback  bool      `json:"fallback"`
	Timestamp time.Time `json:"timestamp"`
}

// Reliable reports whether the quote may be acted upon at now.
func (q Quote) Reliable(now time.Time, maxAge time.Duration) bool {
	if q.Fallback || q.Price <= 0 || q.Timestamp.IsZero() {
		return false
	}
	return maxAge <= 0 || now.Sub(q.Timestamp) <= maxAge
}

// OrderStatus is the lifecycle state reported by the gateway.
type OrderStatus string

const (
	OrderFilled   OrderStatus = "filled"
	OrderPending  OrderStatus = "pending"
	OrderRejected OrderStatus = "rejected"
)

// OrderRequest is a market order. ClientOrderID makes submission idempotent on the venue.
type OrderRequest struct {
	ClientOrderID  string           `json:"client_order_id"`
	Exchange       string           `json:"exchange"`
	Pair           string           `json:"pair"`
	Side           models.OrderSide `json:"side"`
	Qty            float64          `json:"qty"`
	ReferencePrice float64          `json:"-"`
}

// OrderResult is the gateway's view of an order.
type OrderResult struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Status        OrderStatus `json:"status"`
	FilledQty     float64     `json:"filled_qty"`
	AvgPrice      float64     `json:"avg_price"`
	Fee           float64     `json:"fee"`
}

// Filled reports whether the order executed with a usable price and quantity.
func (r *OrderResult) Filled() bool {
	return r != nil && r.Status == OrderFilled && r.FilledQty > 0 && r.AvgPrice > 0
}

// PriceOracle returns current prices.
type PriceOracle interface {
	Quote(ctx context.Context, exchange, pair string) (Quote, error)
}

// Gateway submits and looks up orders.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetOrder(ctx context.Context, exchange, clientOrderID string) (*OrderResult, error)
}
