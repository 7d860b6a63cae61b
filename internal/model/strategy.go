package model

import "time"

// Strategy 内容主体（由生成侧写入，发布引擎只改发布状态）
type Strategy struct {
	ID string `gorm:"primaryKey;type:varchar(36)"`
	// AuthorID 不可变，只有作者可以触发发布
	AuthorID    string     `gorm:"type:varchar(36);index:idx_strategy_author;not null"`
	Content     string     `gorm:"type:text"`
	IsPublished bool       `gorm:"not null;default:false"`
	PublishedAt *time.Time
	// ExternalID 历史遗留镜像字段，新代码以 strategy_publications 为准
	ExternalID string `gorm:"type:varchar(128)"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (Strategy) TableName() string { return "strategies" }
