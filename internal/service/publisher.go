package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/publish-engine/internal/model"
	"github.com/d60-Lab/publish-engine/internal/platform"
	"github.com/d60-Lab/publish-engine/internal/repository"
	"github.com/d60-Lab/publish-engine/pkg/logger"
)

// 发布结果状态
const (
	StatusPublished        = "published"
	StatusAlreadyPublished = "already_published"
	StatusInProgress       = "in_progress"
)

// PublishRequest 一次发布请求
type PublishRequest struct {
	StrategyID     string
	Platform       string
	UserID         string
	Content        string
	ImageURL       string
	RequestID      string
	IdempotencyKey string
}

// PublishOutcome 非异常出口：published / already_published / in_progress
type PublishOutcome struct {
	Status     string            `json:"status"`
	StrategyID string            `json:"strategy_id"`
	Platform   platform.Platform `json:"platform"`
	ExternalID string            `json:"external_id,omitempty"`
	URL        string            `json:"url,omitempty"`
}

// AdapterResolver 按平台枚举选择适配器
type AdapterResolver func(platform.Platform) platform.Adapter

// Options 编排器参数
type Options struct {
	// TestMode 跳过外部调用，合成 test-<platform>-<strategyID> 标识（仅限非生产）
	TestMode     bool
	PollAttempts int
	PollInterval time.Duration
}

// Publisher 发布编排器。跨实例并发下的正确性完全由两条数据库唯一约束承载：
// publish_attempts.idempotency_key（尝试锁）和
// strategy_publications(strategy_id, platform)（台账），进程内不持任何互斥量。
type Publisher struct {
	db           *gorm.DB
	strategies   repository.StrategyRepository
	publications repository.PublicationRepository
	attempts     repository.AttemptRepository
	accounts     repository.AccountRepository
	adapters     AdapterResolver
	emitter      TelemetryEmitter
	opts         Options
}

func NewPublisher(
	db *gorm.DB,
	strategies repository.StrategyRepository,
	publications repository.PublicationRepository,
	attempts repository.AttemptRepository,
	accounts repository.AccountRepository,
	adapters AdapterResolver,
	emitter TelemetryEmitter,
	opts Options,
) *Publisher {
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 12
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if emitter == nil {
		emitter = NopEmitter{}
	}
	return &Publisher{
		db:           db,
		strategies:   strategies,
		publications: publications,
		attempts:     attempts,
		accounts:     accounts,
		adapters:     adapters,
		emitter:      emitter,
		opts:         opts,
	}
}

// Publish 把一条内容恰好发布一次到目标平台
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (*PublishOutcome, error) {
	start := time.Now()

	// 校验在抢锁之前完成，失败不留任何记录
	plat, err := platform.Normalize(req.Platform)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyContent
	}

	key := req.IdempotencyKey
	if key == "" {
		// 缺省键让同一逻辑动作的重复调用有意撞锁
		key = fmt.Sprintf("publish:%s:%s", req.StrategyID, plat)
	}

	// 快路径：台账命中直接短路，零副作用
	if pub, err := p.publications.GetByStrategyPlatform(ctx, req.StrategyID, plat.String()); err != nil {
		return nil, err
	} else if pub != nil {
		return &PublishOutcome{
			Status:     StatusAlreadyPublished,
			StrategyID: req.StrategyID,
			Platform:   plat,
			ExternalID: pub.ExternalID,
			URL:        pub.URL,
		}, nil
	}

	// 抢锁：创建 PENDING 尝试行。键冲突先看占键的行：
	// FAILED 墓碑说明没有任何东西在途（台账也没有记录），同键重试
	// 原子地把墓碑抢回 PENDING 再跑一次；PENDING/SUCCEEDED 才是真的在途/已发布。
	attempt, err := p.attempts.Create(ctx, req.StrategyID, plat.String(), key)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		reclaimed, rerr := p.reclaimFailed(ctx, key)
		if rerr != nil {
			return nil, rerr
		}
		if reclaimed == nil {
			return p.awaitInFlight(ctx, req.StrategyID, plat)
		}
		attempt = reclaimed
	} else if err != nil {
		return nil, err
	}

	// 拿到锁之后才发 started 事件，输掉竞争的调用不产生噪音
	p.emit(EventPublishStarted, req, plat, "", "", 0)

	// 归属校验放在抢锁之后：越权尝试也要留下 FAILED 日志
	strategy, err := p.strategies.GetByID(ctx, req.StrategyID)
	if err != nil {
		return nil, p.fail(ctx, attempt, req, plat, start, err)
	}
	if strategy == nil {
		return nil, p.fail(ctx, attempt, req, plat, start, ErrStrategyNotFound)
	}
	if strategy.AuthorID != req.UserID {
		return nil, p.fail(ctx, attempt, req, plat, start, ErrNotOwner)
	}

	result, err := p.dispatch(ctx, req, plat)
	if err != nil {
		return nil, p.fail(ctx, attempt, req, plat, start, err)
	}

	// 提交：台账、策略状态、尝试终态在一个事务里全有或全无
	now := time.Now()
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pub := &model.StrategyPublication{
			ID:         uuid.New().String(),
			StrategyID: req.StrategyID,
			Platform:   plat.String(),
			ExternalID: result.ExternalID,
			URL:        result.URL,
			CreatedAt:  now,
		}
		if err := tx.Create(pub).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.Strategy{}).Where("id = ?", req.StrategyID).
			Updates(map[string]any{
				"is_published": true,
				"published_at": now,
				"external_id":  result.ExternalID, // 历史镜像字段
			}).Error; err != nil {
			return err
		}
		return tx.Model(&model.PublishAttempt{}).
			Where("id = ? AND status = ?", attempt.ID, model.AttemptStatusPending).
			Updates(map[string]any{
				"status":      model.AttemptStatusSucceeded,
				"external_id": result.ExternalID,
				"url":         result.URL,
			}).Error
	})
	if err != nil {
		return nil, p.fail(ctx, attempt, req, plat, start, err)
	}

	p.emit(EventPublishSucceeded, req, plat, result.ExternalID, "", time.Since(start).Milliseconds())
	logger.Info("strategy published",
		zap.String("strategy", req.StrategyID),
		zap.String("platform", plat.String()),
		zap.String("external_id", result.ExternalID))

	return &PublishOutcome{
		Status:     StatusPublished,
		StrategyID: req.StrategyID,
		Platform:   plat,
		ExternalID: result.ExternalID,
		URL:        result.URL,
	}, nil
}

// reclaimFailed 占键的行是 FAILED 墓碑时抢回锁；并发重试由条件更新裁决，
// 输家返回 (nil, nil) 落回轮询路径
func (p *Publisher) reclaimFailed(ctx context.Context, key string) (*model.PublishAttempt, error) {
	existing, err := p.attempts.GetByKey(ctx, key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.Status != model.AttemptStatusFailed {
		return nil, nil
	}
	return p.attempts.Reclaim(ctx, key)
}

// awaitInFlight 锁被别人持有：有界轮询台账，出现即 already_published，
// 超时返回 in_progress。这是一等结果，不是错误。
func (p *Publisher) awaitInFlight(ctx context.Context, strategyID string, plat platform.Platform) (*PublishOutcome, error) {
	for i := 0; i < p.opts.PollAttempts; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.opts.PollInterval):
		}
		pub, err := p.publications.GetByStrategyPlatform(ctx, strategyID, plat.String())
		if err != nil {
			return nil, err
		}
		if pub != nil {
			return &PublishOutcome{
				Status:     StatusAlreadyPublished,
				StrategyID: strategyID,
				Platform:   plat,
				ExternalID: pub.ExternalID,
				URL:        pub.URL,
			}, nil
		}
	}
	return &PublishOutcome{Status: StatusInProgress, StrategyID: strategyID, Platform: plat}, nil
}

// dispatch 测试模式合成确定性标识，否则解析凭证并调用平台适配器
func (p *Publisher) dispatch(ctx context.Context, req PublishRequest, plat platform.Platform) (*platform.PostResult, error) {
	if p.opts.TestMode {
		id := fmt.Sprintf("test-%s-%s", plat, req.StrategyID)
		return &platform.PostResult{ExternalID: id, URL: testURL(plat, id)}, nil
	}

	account, err := p.accounts.GetByUserProvider(ctx, req.UserID, plat.Provider())
	if err != nil {
		return nil, err
	}
	if account == nil || account.AccessToken == "" {
		return nil, platform.ErrMissingAccessToken
	}
	adapter := p.adapters(plat)
	if adapter == nil {
		return nil, fmt.Errorf("%w: no adapter for %s", platform.ErrUnsupportedPlatform, plat)
	}
	return adapter.Publish(ctx, platform.Credentials{
		AccessToken:    account.AccessToken,
		ProviderUserID: account.ProviderUserID,
	}, req.Content, req.ImageURL)
}

func testURL(plat platform.Platform, id string) string {
	switch plat {
	case platform.LinkedIn:
		return "https://www.linkedin.com/feed/update/" + id
	case platform.Twitter:
		return "https://twitter.com/i/web/status/" + id
	default:
		return ""
	}
}

// fail 把尝试置为 FAILED 墓碑、发 failed 事件并把错误原样抛回调用方。
// 引擎自身从不自动重试，重试是调用方决策（由幂等性兜底）。
func (p *Publisher) fail(ctx context.Context, attempt *model.PublishAttempt, req PublishRequest, plat platform.Platform, start time.Time, cause error) error {
	msg := cause.Error()
	if errors.Is(cause, ErrNotOwner) || errors.Is(cause, ErrStrategyNotFound) {
		msg = "Unauthorized"
	}
	if err := p.attempts.MarkFailed(ctx, attempt.ID, msg); err != nil {
		logger.Error("mark attempt failed", zap.String("attempt", attempt.ID), zap.Error(err))
	}
	p.emit(EventPublishFailed, req, plat, "", msg, time.Since(start).Milliseconds())

	var upstream *platform.UpstreamError
	if errors.As(cause, &upstream) {
		sentry.CaptureException(cause)
	}
	logger.Warn("publish failed",
		zap.String("strategy", req.StrategyID),
		zap.String("platform", plat.String()),
		zap.Error(cause))
	return cause
}

func (p *Publisher) emit(name string, req PublishRequest, plat platform.Platform, externalID, errMsg string, latencyMS int64) {
	p.emitter.Emit(Event{
		Name:       name,
		StrategyID: req.StrategyID,
		Platform:   plat.String(),
		UserID:     req.UserID,
		RequestID:  req.RequestID,
		ExternalID: externalID,
		Error:      errMsg,
		LatencyMS:  latencyMS,
		At:         time.Now(),
	})
}
