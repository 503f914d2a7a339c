package models

import "time"

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign is +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// EntryOrderSide is the order side that opens a position on this side.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSell
	}
	return OrderBuy
}

// ExitOrderSide is the order side that closes a position on this side.
func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return OrderBuy
	}
	return OrderSell
}

// OrderSide is the exchange-level side of an order.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// PositionStatus is open until the position is settled exactly once.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Position is a single open exposure owned by one bot.
// At most one row per bot may have status open (enforced by idx_positions_one_open).
type Position struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	BotID        string         `gorm:"not null;index;uniqueIndex:idx_positions_one_open,where:status = 'open'" json:"bot_id"`
	UserID       string         `gorm:"index" json:"user_id"`
	Exchange     string         `json:"exchange"`
	Pair         string         `json:"pair"`
	Side         Side           `gorm:"not null" json:"side"`
	EntryPrice   float64        `gorm:"not null" json:"entry_price"`
	EntryQty     float64        `gorm:"not null" json:"entry_qty"`
	EntryFee     float64        `json:"entry_fee"`
	EntryOrderID string         `json:"entry_order_id"`
	EntryTime    time.Time      `json:"entry_time"`
	Status       PositionStatus `gorm:"index;not null" json:"status"`
	TradingMode  TradingMode    `json:"trading_mode"`

	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	TrailingStop float64 `json:"trailing_stop"`
	// PeakPrice is the most favorable price observed while open.
	PeakPrice float64 `json:"peak_price"`

	Reasoning string     `json:"reasoning"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// IsOpen checks if the position status is open.
func (p *Position) IsOpen() bool {
	return p.Status == PositionOpen
}
