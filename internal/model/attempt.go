package model

import "time"

// 尝试状态，PENDING 只会迁移到 SUCCEEDED / FAILED 一次
const (
	AttemptStatusPending   = "PENDING"
	AttemptStatusSucceeded = "SUCCEEDED"
	AttemptStatusFailed    = "FAILED"
)

// PublishAttempt 发布尝试，兼作分布式锁与尝试日志
// idempotency_key 唯一：Create 失败即表示锁已被其他调用方持有
type PublishAttempt struct {
	ID             string `gorm:"primaryKey;type:varchar(36)"`
	IdempotencyKey string `gorm:"type:varchar(128);not null;uniqueIndex:ux_attempt_idempotency_key"`
	StrategyID     string `gorm:"type:varchar(36);not null;index:idx_attempt_strategy"`
	Platform       string `gorm:"type:varchar(16);not null"`
	Status         string `gorm:"type:varchar(16);not null;index:idx_attempt_status"`
	AttemptCount   int    `gorm:"not null;default:1"`
	ExternalID     string `gorm:"type:varchar(128)"`
	URL            string `gorm:"type:varchar(512)"`
	Error          string `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"index:idx_attempt_status"`
	UpdatedAt      time.Time
}

func (PublishAttempt) TableName() string { return "publish_attempts" }
