package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/d60-Lab/publish-engine/internal/model"
)

// PublicationRepository 发布台账读取口；写入只发生在编排器的提交事务里
type PublicationRepository interface {
	GetByStrategyPlatform(ctx context.Context, strategyID, platform string) (*model.StrategyPublication, error)
}

type publicationRepository struct{ db *gorm.DB }

func NewPublicationRepository(db *gorm.DB) PublicationRepository {
	return &publicationRepository{db: db}
}

// GetByStrategyPlatform 幂等快路径：命中即短路，不存在返回 (nil, nil)
func (r *publicationRepository) GetByStrategyPlatform(ctx context.Context, strategyID, platform string) (*model.StrategyPublication, error) {
	var p model.StrategyPublication
	err := r.db.WithContext(ctx).
		Where("strategy_id = ? AND platform = ?", strategyID, platform).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
