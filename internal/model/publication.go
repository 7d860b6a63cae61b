package model

import "time"

// StrategyPublication 发布台账：某条内容已发布到某平台的持久凭证
// 复合唯一键保证 (strategy, platform) 至多发布一次
// ux_publication_strategy_platform = (strategy_id, platform)
// 本子系统只追加，从不更新或删除
type StrategyPublication struct {
	ID         string    `gorm:"primaryKey;type:varchar(36)"`
	StrategyID string    `gorm:"type:varchar(36);not null;uniqueIndex:ux_publication_strategy_platform"`
	Platform   string    `gorm:"type:varchar(16);not null;uniqueIndex:ux_publication_strategy_platform"`
	ExternalID string    `gorm:"type:varchar(128);not null"`
	URL        string    `gorm:"type:varchar(512)"`
	CreatedAt  time.Time
}

func (StrategyPublication) TableName() string { return "strategy_publications" }
