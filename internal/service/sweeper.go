package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/publish-engine/internal/repository"
	"github.com/d60-Lab/publish-engine/pkg/logger"
)

// AttemptSweeper 运维兜底：进程在发布中途崩溃会留下永久 PENDING 的锁行，
// 清扫器把超过 ttl 的 PENDING 置为 FAILED。ttl 没有默认值，必须显式配置。
type AttemptSweeper struct {
	attempts repository.AttemptRepository
	ttl      time.Duration
	interval time.Duration
}

func NewAttemptSweeper(attempts repository.AttemptRepository, ttl, interval time.Duration) *AttemptSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &AttemptSweeper{attempts: attempts, ttl: ttl, interval: interval}
}

// Start 启动后台清扫循环，返回停止函数。ttl <= 0 时不做任何事。
func (s *AttemptSweeper) Start() func(context.Context) error {
	stop := make(chan struct{})
	if s.ttl <= 0 {
		return func(context.Context) error { return nil }
	}
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.sweepOnce(context.Background())
			}
		}
	}()
	return func(ctx context.Context) error { close(stop); return nil }
}

func (s *AttemptSweeper) sweepOnce(ctx context.Context) {
	n, err := s.attempts.ReleaseStale(ctx, time.Now().Add(-s.ttl))
	if err != nil {
		logger.Error("stale attempt sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Warn("released stale pending attempts", zap.Int64("count", n))
	}
}
