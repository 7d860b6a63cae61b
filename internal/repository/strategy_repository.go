package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/d60-Lab/publish-engine/internal/model"
)

type StrategyRepository interface {
	GetByID(ctx context.Context, id string) (*model.Strategy, error)
}

type strategyRepository struct{ db *gorm.DB }

func NewStrategyRepository(db *gorm.DB) StrategyRepository { return &strategyRepository{db: db} }

// GetByID 不存在时返回 (nil, nil)
func (r *strategyRepository) GetByID(ctx context.Context, id string) (*model.Strategy, error) {
	var s model.Strategy
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
