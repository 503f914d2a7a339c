package models

import "time"

// InjectionKind distinguishes the origin of capital that is not trading profit.
type InjectionKind string

const (
	InjectionExternal        InjectionKind = "external"
	InjectionSeed            InjectionKind = "seed"
	InjectionReallocationIn  InjectionKind = "reallocation_in"
	InjectionReallocationOut InjectionKind = "reallocation_out"
)

// CapitalInjection records capital added to or removed from a bot outside of trading.
// Amount is signed; withdrawals are negative.
type CapitalInjection struct {
	ID        uint          `gorm:"primaryKey" json:"id"`
	BotID     string        `gorm:"index" json:"bot_id"`
	UserID    string        `gorm:"index" json:"user_id"`
	Amount    float64       `json:"amount"`
	Kind      InjectionKind `json:"kind"`
	Note      string        `json:"note,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}
