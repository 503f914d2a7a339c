package models

import "time"

// OrderPurpose says whether a journaled order opens or closes a position.
type OrderPurpose string

const (
	PurposeEntry OrderPurpose = "entry"
	PurposeExit  OrderPurpose = "exit"
)

// PendingStatus tracks a journaled order until its outcome is recorded.
type PendingStatus string

const (
	PendingSubmitted PendingStatus = "pending"
	PendingRecorded  PendingStatus = "recorded"
	PendingAbandoned PendingStatus = "abandoned"
)

// PendingOrder is written before an order is submitted so that a crash between
// submission and recording can be reconciled on the next startup.
// ID doubles as the client order id sent to the exchange.
type PendingOrder struct {
	ID          string        `gorm:"primaryKey;size:36" json:"id"`
	BotID       string        `gorm:"index" json:"bot_id"`
	PositionID  string        `json:"position_id,omitempty"`
	Purpose     OrderPurpose  `json:"purpose"`
	Side        Side          `json:"side"`
	Qty         float64       `json:"qty"`
	TradingMode TradingMode   `json:"trading_mode"`
	ExitReason  ExitReason    `json:"exit_reason,omitempty"`
	Reasoning   string        `json:"reasoning,omitempty"`
	Status      PendingStatus `gorm:"index" json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
}
