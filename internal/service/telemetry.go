package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/publish-engine/pkg/logger"
)

// 发布状态机的遥测事件名
const (
	EventPublishStarted   = "publish_started"
	EventPublishSucceeded = "publish_succeeded"
	EventPublishFailed    = "publish_failed"
)

// Event 单条遥测事件
type Event struct {
	Name       string
	StrategyID string
	Platform   string
	UserID     string
	RequestID  string
	ExternalID string
	Error      string
	LatencyMS  int64
	At         time.Time
}

// TelemetryEmitter 尽力而为的事件出口：任何失败都不允许影响发布主流程
type TelemetryEmitter interface {
	Emit(ev Event)
	Close()
}

// NopEmitter 关闭遥测时使用
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}
func (NopEmitter) Close()     {}

// RedisEmitter 把事件异步 XADD 到 Redis Stream
// 入队非阻塞，队列满直接丢弃并告警，慢 sink 不能拖慢发布关键路径
type RedisEmitter struct {
	client *redis.Client
	stream string
	ch     chan Event
	done   chan struct{}
}

func NewRedisEmitter(client *redis.Client, stream string, bufferSize int) *RedisEmitter {
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	e := &RedisEmitter{
		client: client,
		stream: stream,
		ch:     make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *RedisEmitter) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case e.ch <- ev:
	default:
		logger.Warn("telemetry queue full, drop event",
			zap.String("event", ev.Name), zap.String("strategy", ev.StrategyID))
	}
}

func (e *RedisEmitter) loop() {
	defer close(e.done)
	for ev := range e.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := e.client.XAdd(ctx, &redis.XAddArgs{
			Stream: e.stream,
			Values: map[string]any{
				"event":       ev.Name,
				"strategy_id": ev.StrategyID,
				"platform":    ev.Platform,
				"user_id":     ev.UserID,
				"request_id":  ev.RequestID,
				"external_id": ev.ExternalID,
				"error":       ev.Error,
				"latency_ms":  ev.LatencyMS,
				"at":          ev.At.UnixMilli(),
			},
		}).Err()
		cancel()
		if err != nil {
			// 吞掉：遥测失败只记日志
			logger.Warn("telemetry emit failed", zap.String("event", ev.Name), zap.Error(err))
		}
	}
}

// Close 关闭入口并等待队列排空
func (e *RedisEmitter) Close() {
	close(e.ch)
	<-e.done
}
