package models

import "time"

// SafetyKind classifies a circuit-breaker audit record.
type SafetyKind string

const (
	SafetyBotPause           SafetyKind = "bot_pause"
	SafetySystemHalt         SafetyKind = "system_halt"
	SafetyInvariantViolation SafetyKind = "invariant_violation"
	SafetyManualResume       SafetyKind = "manual_resume"
	SafetyHaltCleared        SafetyKind = "halt_cleared"
)

// SafetyEvent is an append-only audit record of a safety action.
type SafetyEvent struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	UserID    string     `gorm:"index" json:"user_id"`
	BotID     string     `gorm:"index" json:"bot_id,omitempty"`
	Kind      SafetyKind `json:"kind"`
	Reason    string     `json:"reason"`
	Drawdown  float64    `json:"drawdown"`
	Threshold float64    `json:"threshold"`
	CreatedAt time.Time  `gorm:"index" json:"created_at"`
}
