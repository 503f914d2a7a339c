package models

import "time"

// RiskProfile selects the default exit thresholds applied to a bot's positions.
type RiskProfile string

const (
	RiskSafe     RiskProfile = "safe"
	RiskBalanced RiskProfile = "balanced"
	RiskRisky    RiskProfile = "risky"
)

// TradingMode is the promotion stage of a bot.
type TradingMode string

const (
	ModePaper     TradingMode = "paper"
	ModeCandidate TradingMode = "candidate"
	ModeLive      TradingMode = "live"
)

// BotStatus is the operational state of a bot.
type BotStatus string

const (
	BotActive  BotStatus = "active"
	BotPaused  BotStatus = "paused"
	BotDeleted BotStatus = "deleted"
)

// Bot is an independently capitalized trading unit tied to one exchange and pair.
// CurrentCapital always equals InitialCapital + TotalProfit + the sum of its capital injections.
type Bot struct {
	ID           string      `gorm:"primaryKey;size:36" json:"id"`
	UserID       string      `gorm:"index;not null" json:"user_id"`
	Name         string      `json:"name"`
	Exchange     string      `gorm:"index;not null" json:"exchange"`
	Pair         string      `gorm:"not null" json:"pair"`
	RiskProfile  RiskProfile `gorm:"default:safe" json:"risk_profile"`
	TradingMode  TradingMode `gorm:"index;default:paper" json:"trading_mode"`
	Status       BotStatus   `gorm:"index;default:active" json:"status"`
	PausedReason string      `json:"paused_reason,omitempty"`
	NeedsReview  bool        `json:"needs_review"`

	InitialCapital float64 `gorm:"not null" json:"initial_capital"`
	CurrentCapital float64 `gorm:"not null" json:"current_capital"`
	// TotalProfit is lifetime net trading profit and is never reset.
	TotalProfit float64 `json:"total_profit"`
	// ReinvestableProfit is the profit counter swept by the autopilot.
	ReinvestableProfit float64 `json:"reinvestable_profit"`
	PeakCapital        float64 `json:"peak_capital"`
	MaxDrawdown        float64 `json:"max_drawdown"`

	WinCount    int `json:"win_count"`
	LossCount   int `json:"loss_count"`
	TradesCount int `json:"trades_count"`

	LastTradeAt             *time.Time `json:"last_trade_at,omitempty"`
	PaperStartedAt          time.Time  `json:"paper_started_at"`
	PromotedAt              *time.Time `json:"promoted_at,omitempty"`
	PromotionReviewedTrades int        `json:"promotion_reviewed_trades"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WinRate returns the fraction of settled trades that were profitable.
func (b *Bot) WinRate() float64 {
	if b.TradesCount == 0 {
		return 0
	}
	return float64(b.WinCount) / float64(b.TradesCount)
}

// Drawdown returns the fractional decline of current capital below initial capital.
func (b *Bot) Drawdown() float64 {
	if b.InitialCapital <= 0 {
		return 0
	}
	return (b.InitialCapital - b.CurrentCapital) / b.InitialCapital
}

// SimulatedExecution reports whether the bot's orders are filled by the paper gateway.
func (b *Bot) SimulatedExecution() bool {
	return b.TradingMode != ModeLive
}
