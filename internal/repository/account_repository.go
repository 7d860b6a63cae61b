package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/d60-Lab/publish-engine/internal/model"
)

// AccountRepository OAuth 凭证只读访问
type AccountRepository interface {
	GetByUserProvider(ctx context.Context, userID, provider string) (*model.Account, error)
}

type accountRepository struct{ db *gorm.DB }

func NewAccountRepository(db *gorm.DB) AccountRepository { return &accountRepository{db: db} }

func (r *accountRepository) GetByUserProvider(ctx context.Context, userID, provider string) (*model.Account, error) {
	var a model.Account
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
