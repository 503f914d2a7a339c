package models

import "time"

// UserControl holds the per-user switches: the manually cleared halt flag and autopilot enablement.
type UserControl struct {
	UserID     string     `gorm:"primaryKey" json:"user_id"`
	Halted     bool       `json:"halted"`
	HaltReason string     `json:"halt_reason,omitempty"`
	HaltedAt   *time.Time `json:"halted_at,omitempty"`
	Autopilot  bool       `gorm:"index" json:"autopilot"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
