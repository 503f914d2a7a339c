package models

// APIKey holds a user's credentials for one exchange, used by live bots only.
type APIKey struct {
	ID       uint   `gorm:"primaryKey"`
	UserID   string `gorm:"uniqueIndex:idx_user_exchange"`
	Exchange string `gorm:"uniqueIndex:idx_user_exchange"`
	APIKey   string `json:"-"`
	Secret   string `json:"-"`
}
