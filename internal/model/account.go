package model

import "time"

// Account 用户在某平台的 OAuth 凭证，发布引擎只读
// ux_account_user_provider = (user_id, provider)
type Account struct {
	ID          string `gorm:"primaryKey;type:varchar(36)"`
	UserID      string `gorm:"type:varchar(36);not null;uniqueIndex:ux_account_user_provider"`
	Provider    string `gorm:"type:varchar(16);not null;uniqueIndex:ux_account_user_provider"`
	AccessToken string `gorm:"type:text"`
	// ProviderUserID 平台侧用户标识（LinkedIn author URN 需要）
	ProviderUserID string `gorm:"type:varchar(128)"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Account) TableName() string { return "accounts" }
