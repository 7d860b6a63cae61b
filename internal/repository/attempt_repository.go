package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/d60-Lab/publish-engine/internal/model"
)

type AttemptRepository interface {
	// Create 即抢锁：idempotency_key 唯一键冲突返回 gorm.ErrDuplicatedKey
	Create(ctx context.Context, strategyID, platform, idempotencyKey string) (*model.PublishAttempt, error)
	MarkFailed(ctx context.Context, id, errMsg string) error
	GetByKey(ctx context.Context, idempotencyKey string) (*model.PublishAttempt, error)
	// Reclaim 把 FAILED 墓碑原子地抢回 PENDING（同键重试）；没抢到返回 (nil, nil)
	Reclaim(ctx context.Context, idempotencyKey string) (*model.PublishAttempt, error)
	// ReleaseStale 把早于 olderThan 仍处于 PENDING 的尝试置为 FAILED，返回条数
	ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error)
}

type attemptRepository struct{ db *gorm.DB }

func NewAttemptRepository(db *gorm.DB) AttemptRepository { return &attemptRepository{db: db} }

func (r *attemptRepository) Create(ctx context.Context, strategyID, platform, idempotencyKey string) (*model.PublishAttempt, error) {
	a := &model.PublishAttempt{
		ID:             uuid.New().String(),
		IdempotencyKey: idempotencyKey,
		StrategyID:     strategyID,
		Platform:       platform,
		Status:         model.AttemptStatusPending,
		AttemptCount:   1,
	}
	// 不做 OnConflict：冲突本身就是「锁已被持有」的信号，必须原样冒泡
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

func (r *attemptRepository) MarkFailed(ctx context.Context, id, errMsg string) error {
	return r.db.WithContext(ctx).Model(&model.PublishAttempt{}).
		Where("id = ? AND status = ?", id, model.AttemptStatusPending).
		Updates(map[string]any{"status": model.AttemptStatusFailed, "error": errMsg}).Error
}

func (r *attemptRepository) GetByKey(ctx context.Context, idempotencyKey string) (*model.PublishAttempt, error) {
	var a model.PublishAttempt
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", idempotencyKey).First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Reclaim 条件更新保证并发重试只有一个赢家：WHERE status = FAILED 没命中就是输了
func (r *attemptRepository) Reclaim(ctx context.Context, idempotencyKey string) (*model.PublishAttempt, error) {
	res := r.db.WithContext(ctx).Model(&model.PublishAttempt{}).
		Where("idempotency_key = ? AND status = ?", idempotencyKey, model.AttemptStatusFailed).
		Updates(map[string]any{
			"status":        model.AttemptStatusPending,
			"error":         "",
			"attempt_count": gorm.Expr("attempt_count + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return r.GetByKey(ctx, idempotencyKey)
}

func (r *attemptRepository) ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.PublishAttempt{}).
		Where("status = ? AND created_at < ?", model.AttemptStatusPending, olderThan).
		Updates(map[string]any{"status": model.AttemptStatusFailed, "error": "released by stale-attempt sweeper"})
	return res.RowsAffected, res.Error
}
