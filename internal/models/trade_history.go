package models

import "time"

// ExitReason identifies what closed a position.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTakeProfit   ExitReason = "take_profit"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitAdvisory     ExitReason = "advisory_exit"
	ExitReconciled   ExitReason = "reconciled"
)

// TradeHistory is the immutable record of one completed round trip.
type TradeHistory struct {
	ID          uint        `gorm:"primaryKey" json:"id"`
	PositionID  string      `gorm:"uniqueIndex;size:36" json:"position_id"`
	BotID       string      `gorm:"index" json:"bot_id"`
	UserID      string      `gorm:"index" json:"user_id"`
	Exchange    string      `json:"exchange"`
	Pair        string      `json:"pair"`
	Side        Side        `json:"side"`
	TradingMode TradingMode `json:"trading_mode"`
	EntryPrice  float64     `json:"entry_price"`
	ExitPrice   float64     `json:"exit_price"`
	EntryQty    float64     `json:"entry_qty"`
	ExitQty     float64     `json:"exit_qty"`
	Fees        float64     `json:"fees"`
	NetProfit   float64     `json:"net_profit"`
	ExitReason  ExitReason  `json:"exit_reason"`
	Detail      string      `json:"detail,omitempty"`
	Reasoning   string      `json:"reasoning,omitempty"`
	EntryTime   time.Time   `json:"entry_time"`
	ExitTime    time.Time   `gorm:"index" json:"exit_time"`
	CreatedAt   time.Time   `json:"created_at"`
}
