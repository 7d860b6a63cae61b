package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/d60-Lab/publish-engine/internal/model"
	"github.com/d60-Lab/publish-engine/internal/platform"
	"github.com/d60-Lab/publish-engine/internal/repository"
)

func setupServiceDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&model.Strategy{}, &model.StrategyPublication{}, &model.PublishAttempt{}, &model.Account{},
	))
	return db
}

// fakeAdapter 计数并返回固定结果，必要时注入延迟/错误。
// failFirst > 0 时只有前 failFirst 次调用返回 err，之后正常成功。
type fakeAdapter struct {
	mu        sync.Mutex
	calls     int
	delay     time.Duration
	result    platform.PostResult
	err       error
	failFirst int
}

func (f *fakeAdapter) Publish(ctx context.Context, creds platform.Credentials, content, imageURL string) (*platform.PostResult, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil && (f.failFirst == 0 || n <= f.failFirst) {
		return nil, f.err
	}
	res := f.result
	return &res, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// capturingEmitter 收集事件供断言
type capturingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (c *capturingEmitter) Emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturingEmitter) Close() {}

func (c *capturingEmitter) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Name
	}
	return out
}

func newTestPublisher(db *gorm.DB, adapter platform.Adapter, emitter TelemetryEmitter, opts Options) *Publisher {
	return NewPublisher(
		db,
		repository.NewStrategyRepository(db),
		repository.NewPublicationRepository(db),
		repository.NewAttemptRepository(db),
		repository.NewAccountRepository(db),
		func(platform.Platform) platform.Adapter { return adapter },
		emitter,
		opts,
	)
}

func seedStrategy(t *testing.T, db *gorm.DB, id, author, content string) {
	t.Helper()
	require.NoError(t, db.Create(&model.Strategy{ID: id, AuthorID: author, Content: content}).Error)
}

func seedAccount(t *testing.T, db *gorm.DB, user, provider string) {
	t.Helper()
	require.NoError(t, db.Create(&model.Account{
		ID: user + "-" + provider, UserID: user, Provider: provider,
		AccessToken: "tok", ProviderUserID: user,
	}).Error)
}

func countAttempts(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.PublishAttempt{}).Count(&n).Error)
	return n
}

func TestPublishLinkedInScenarioIdempotent(t *testing.T) {
	db := setupServiceDB(t)
	adapter := &fakeAdapter{result: platform.PostResult{
		ExternalID: "li_post_1",
		URL:        "https://www.linkedin.com/feed/update/li_post_1",
	}}
	emitter := &capturingEmitter{}
	p := newTestPublisher(db, adapter, emitter, Options{})

	seedStrategy(t, db, "s_1", "u_1", "A 50 character LinkedIn text post for strategy s_1")
	seedAccount(t, db, "u_1", "linkedin")

	req := PublishRequest{StrategyID: "s_1", Platform: "LINKEDIN", UserID: "u_1",
		Content: "A 50 character LinkedIn text post for strategy s_1"}

	out, err := p.Publish(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, out.Status)
	assert.Equal(t, "li_post_1", out.ExternalID)
	assert.Equal(t, "https://www.linkedin.com/feed/update/li_post_1", out.URL)

	// 相同参数的第二次调用短路，适配器总共只被调用一次
	out2, err := p.Publish(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyPublished, out2.Status)
	assert.Equal(t, "li_post_1", out2.ExternalID)
	assert.Equal(t, 1, adapter.callCount())

	// 提交事务三写齐落：台账、策略状态、尝试终态
	var s model.Strategy
	require.NoError(t, db.First(&s, "id = ?", "s_1").Error)
	assert.True(t, s.IsPublished)
	require.NotNil(t, s.PublishedAt)
	assert.Equal(t, "li_post_1", s.ExternalID)

	var a model.PublishAttempt
	require.NoError(t, db.First(&a, "idempotency_key = ?", "publish:s_1:LINKEDIN").Error)
	assert.Equal(t, model.AttemptStatusSucceeded, a.Status)
	assert.Equal(t, "li_post_1", a.ExternalID)

	assert.Equal(t, []string{EventPublishStarted, EventPublishSucceeded}, emitter.names())
}

func TestPublishOwnershipEnforced(t *testing.T) {
	db := setupServiceDB(t)
	adapter := &fakeAdapter{}
	emitter := &capturingEmitter{}
	p := newTestPublisher(db, adapter, emitter, Options{})

	seedStrategy(t, db, "s_1", "u_1", "content")
	seedAccount(t, db, "u_2", "linkedin")

	_, err := p.Publish(context.Background(), PublishRequest{
		StrategyID: "s_1", Platform: "LINKEDIN", UserID: "u_2", Content: "content",
	})
	require.ErrorIs(t, err, ErrNotOwner)
	assert.Equal(t, 0, adapter.callCount())

	// 越权尝试照样留档：FAILED + Unauthorized，方便审计
	var a model.PublishAttempt
	require.NoError(t, db.First(&a, "idempotency_key = ?", "publish:s_1:LINKEDIN").Error)
	assert.Equal(t, model.AttemptStatusFailed, a.Status)
	assert.Equal(t, "Unauthorized", a.Error)

	// 没有台账行，失败的尝试永远不会看起来像已发布
	var n int64
	require.NoError(t, db.Model(&model.StrategyPublication{}).Count(&n).Error)
	assert.EqualValues(t, 0, n)

	assert.Equal(t, []string{EventPublishStarted, EventPublishFailed}, emitter.names())
}

func TestPublishStrategyNotFound(t *testing.T) {
	db := setupServiceDB(t)
	p := newTestPublisher(db, &fakeAdapter{}, nil, Options{})

	_, err := p.Publish(context.Background(), PublishRequest{
		StrategyID: "missing", Platform: "TWITTER", UserID: "u_1", Content: "content",
	})
	require.ErrorIs(t, err, ErrStrategyNotFound)

	var a model.PublishAttempt
	require.NoError(t, db.First(&a, "idempotency_key = ?", "publish:missing:TWITTER").Error)
	assert.Equal(t, model.AttemptStatusFailed, a.Status)
	assert.Equal(t, "Unauthorized", a.Error)
}

func TestPublishValidationBeforeLock(t *testing.T) {
	db := setupServiceDB(t)
	emitter := &capturingEmitter{}
	p := newTestPublisher(db, &fakeAdapter{}, emitter, Options{})

	_, err := p.Publish(context.Background(), PublishRequest{
		StrategyID: "s_1", Platform: "MYSPACE", UserID: "u_1", Content: "content",
	})
	require.ErrorIs(t, err, platform.ErrUnsupportedPlatform)

	_, err = p.Publish(context.Background(), PublishRequest{
		StrategyID: "s_1", Platform: "TWITTER", UserID: "u_1", Content: "   ",
	})
	require.ErrorIs(t, err, ErrEmptyContent)

	// 校验失败发生在抢锁之前：零尝试记录、零事件
	assert.EqualValues(t, 0, countAttempts(t, db))
	assert.Empty(t, emitter.names())
}

func TestPublishAdapterFailureLeavesTombstone(t *testing.T) {
	db := setupServiceDB(t)
	upstream := &platform.UpstreamError{Platform: platform.Twitter, Op: "createTweet", Status: 401, Body: "bad token"}
	adapter := &fakeAdapter{err: upstream}
	p := newTestPublisher(db, adapter, nil, Options{PollAttempts: 2, PollInterval: time.Millisecond})

	seedStrategy(t, db, "s_1", "u_1", "content")
	seedAccount(t, db, "u_1", "twitter")

	req := PublishRequest{StrategyID: "s_1", Platform: "TWITTER", UserID: "u_1", Content: "content"}
	_, err := p.Publish(context.Background(), req)
	require.Error(t, err)
	var ue *platform.UpstreamError
	require.ErrorAs(t, err, &ue)

	var a model.PublishAttempt
	require.NoError(t, db.First(&a, "idempotency_key = ?", "publish:s_1:TWITTER").Error)
	assert.Equal(t, model.AttemptStatusFailed, a.Status)
	assert.Contains(t, a.Error, "createTweet")

	var s model.Strategy
	require.NoError(t, db.First(&s, "id = ?", "s_1").Error)
	assert.False(t, s.IsPublished)

	// 墓碑不封死缺省键：同键重试把它抢回 PENDING 真正重跑，
	// 再失败仍是墓碑，attempt_count 记下每一次尝试
	_, err = p.Publish(context.Background(), req)
	require.Error(t, err)
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 2, adapter.callCount())

	require.NoError(t, db.First(&a, "idempotency_key = ?", "publish:s_1:TWITTER").Error)
	assert.Equal(t, model.AttemptStatusFailed, a.Status)
	assert.Equal(t, 2, a.AttemptCount)
	assert.EqualValues(t, 1, countAttempts(t, db))
}

func TestPublishRetryAfterFailureSucceeds(t *testing.T) {
	db := setupServiceDB(t)
	upstream := &platform.UpstreamError{Platform: platform.Twitter, Op: "createTweet", Status: 503, Body: "over capacity"}
	adapter := &fakeAdapter{
		err: upstream, failFirst: 1,
		result: platform.PostResult{ExternalID: "tw_2", URL: "https://twitter.com/i/web/status/tw_2"},
	}
	p := newTestPublisher(db, adapter, nil, Options{PollAttempts: 2, PollInterval: time.Millisecond})

	seedStrategy(t, db, "s_1", "u_1", "content")
	seedAccount(t, db, "u_1", "twitter")

	req := PublishRequest{StrategyID: "s_1", Platform: "TWITTER", UserID: "u_1", Content: "content"}
	_, err := p.Publish(context.Background(), req)
	require.Error(t, err)

	// 瞬时故障后的同键重试必须真的重新调用平台，不能困在 in_progress
	out, err := p.Publish(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, out.Status)
	assert.Equal(t, "tw_2", out.ExternalID)
	assert.Equal(t, 2, adapter.callCount())

	var a model.PublishAttempt
	require.NoError(t, db.First(&a, "idempotency_key = ?", "publish:s_1:TWITTER").Error)
	assert.Equal(t, model.AttemptStatusSucceeded, a.Status)
	assert.Equal(t, 2, a.AttemptCount)
	assert.EqualValues(t, 1, countAttempts(t, db))

	// 台账落了就永远短路
	out2, err := p.Publish(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyPublished, out2.Status)
	assert.Equal(t, 2, adapter.callCount())
}

func TestPublishConcurrentRetryOneReclaims(t *testing.T) {
	db := setupServiceDB(t)
	upstream := &platform.UpstreamError{Platform: platform.Twitter, Op: "createTweet", Status: 500, Body: "boom"}
	adapter := &fakeAdapter{
		err: upstream, failFirst: 1, delay: 20 * time.Millisecond,
		result: platform.PostResult{ExternalID: "tw_3"},
	}
	p := newTestPublisher(db, adapter, nil, Options{PollAttempts: 100, PollInterval: 5 * time.Millisecond})

	seedStrategy(t, db, "s_1", "u_1", "content")
	seedAccount(t, db, "u_1", "twitter")

	req := PublishRequest{StrategyID: "s_1", Platform: "TWITTER", UserID: "u_1", Content: "content"}
	_, err := p.Publish(context.Background(), req)
	require.Error(t, err)

	// 并发重试只有一个能把墓碑抢回，适配器总共恰好两次调用
	const n = 4
	outcomes := make([]*PublishOutcome, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = p.Publish(context.Background(), req)
		}(i)
	}
	wg.Wait()

	published := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		switch outcomes[i].Status {
		case StatusPublished:
			published++
		case StatusAlreadyPublished, StatusInProgress:
		default:
			t.Fatalf("unexpected status %q", outcomes[i].Status)
		}
	}
	assert.Equal(t, 1, published)
	assert.Equal(t, 2, adapter.callCount())
	assert.EqualValues(t, 1, countAttempts(t, db))
}

func TestPublishConcurrentRace(t *testing.T) {
	db := setupServiceDB(t)
	adapter := &fakeAdapter{
		delay:  30 * time.Millisecond,
		result: platform.PostResult{ExternalID: "tw_1", URL: "https://twitter.com/i/web/status/tw_1"},
	}
	p := newTestPublisher(db, adapter, nil, Options{PollAttempts: 100, PollInterval: 5 * time.Millisecond})

	seedStrategy(t, db, "s_1", "u_1", "content")
	seedAccount(t, db, "u_1", "twitter")

	const n = 6
	outcomes := make([]*PublishOutcome, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = p.Publish(context.Background(), PublishRequest{
				StrategyID: "s_1", Platform: "TWITTER", UserID: "u_1", Content: "content",
			})
		}(i)
	}
	wg.Wait()

	published := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		switch outcomes[i].Status {
		case StatusPublished:
			published++
		case StatusAlreadyPublished, StatusInProgress:
		default:
			t.Fatalf("unexpected status %q", outcomes[i].Status)
		}
	}
	// 恰好一个赢家，适配器只被调用一次
	assert.Equal(t, 1, published)
	assert.Equal(t, 1, adapter.callCount())
	assert.EqualValues(t, 1, countAttempts(t, db))
}

func TestPublishLockHeldReturnsInProgress(t *testing.T) {
	db := setupServiceDB(t)
	adapter := &fakeAdapter{}
	p := newTestPublisher(db, adapter, nil, Options{PollAttempts: 3, PollInterval: time.Millisecond})

	seedStrategy(t, db, "s_1", "u_1", "content")
	// 手工占住缺省键，模拟另一实例在途
	_, err := repository.NewAttemptRepository(db).Create(context.Background(), "s_1", "LINKEDIN", "publish:s_1:LINKEDIN")
	require.NoError(t, err)

	out, err := p.Publish(context.Background(), PublishRequest{
		StrategyID: "s_1", Platform: "LINKEDIN", UserID: "u_1", Content: "content",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, out.Status)
	assert.Equal(t, 0, adapter.callCount())
}

func TestPublishLockLoserSeesLedgerAppear(t *testing.T) {
	db := setupServiceDB(t)
	adapter := &fakeAdapter{}
	p := newTestPublisher(db, adapter, nil, Options{PollAttempts: 50, PollInterval: 2 * time.Millisecond})

	seedStrategy(t, db, "s_1", "u_1", "content")
	_, err := repository.NewAttemptRepository(db).Create(context.Background(), "s_1", "LINKEDIN", "publish:s_1:LINKEDIN")
	require.NoError(t, err)

	// 在轮询窗口内落台账，输家应以 already_published 退出
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = db.Create(&model.StrategyPublication{
			ID: "p1", StrategyID: "s_1", Platform: "LINKEDIN",
			ExternalID: "li_post_9", URL: "https://www.linkedin.com/feed/update/li_post_9",
		}).Error
	}()

	out, err := p.Publish(context.Background(), PublishRequest{
		StrategyID: "s_1", Platform: "LINKEDIN", UserID: "u_1", Content: "content",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyPublished, out.Status)
	assert.Equal(t, "li_post_9", out.ExternalID)
}

func TestPublishTestModeSynthesizesIDs(t *testing.T) {
	db := setupServiceDB(t)
	adapter := &fakeAdapter{}
	p := newTestPublisher(db, adapter, nil, Options{TestMode: true})

	seedStrategy(t, db, "s_9", "u_1", "content")
	// 测试模式不需要任何凭证

	out, err := p.Publish(context.Background(), PublishRequest{
		StrategyID: "s_9", Platform: "TWITTER", UserID: "u_1", Content: "content",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, out.Status)
	assert.Equal(t, "test-TWITTER-s_9", out.ExternalID)
	assert.Equal(t, 0, adapter.callCount())
}

func TestPublishMissingTokenFailsAttempt(t *testing.T) {
	db := setupServiceDB(t)
	p := newTestPublisher(db, &fakeAdapter{}, nil, Options{})

	seedStrategy(t, db, "s_1", "u_1", "content")
	// 不给 u_1 种 twitter 账号

	_, err := p.Publish(context.Background(), PublishRequest{
		StrategyID: "s_1", Platform: "TWITTER", UserID: "u_1", Content: "content",
	})
	require.ErrorIs(t, err, platform.ErrMissingAccessToken)

	var a model.PublishAttempt
	require.NoError(t, db.First(&a, "idempotency_key = ?", "publish:s_1:TWITTER").Error)
	assert.Equal(t, model.AttemptStatusFailed, a.Status)
}

func TestPublishCustomIdempotencyKey(t *testing.T) {
	db := setupServiceDB(t)
	adapter := &fakeAdapter{result: platform.PostResult{ExternalID: "tw_7"}}
	p := newTestPublisher(db, adapter, nil, Options{})

	seedStrategy(t, db, "s_1", "u_1", "content")
	seedAccount(t, db, "u_1", "twitter")

	out, err := p.Publish(context.Background(), PublishRequest{
		StrategyID: "s_1", Platform: "TWITTER", UserID: "u_1", Content: "content",
		IdempotencyKey: "req-abc",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, out.Status)

	var a model.PublishAttempt
	require.NoError(t, db.First(&a, "idempotency_key = ?", "req-abc").Error)
	assert.Equal(t, model.AttemptStatusSucceeded, a.Status)

	// 发布后任何键都走台账短路，不再新建尝试
	out2, err := p.Publish(context.Background(), PublishRequest{
		StrategyID: "s_1", Platform: "TWITTER", UserID: "u_1", Content: "content",
		IdempotencyKey: "req-def",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyPublished, out2.Status)
	assert.EqualValues(t, 1, countAttempts(t, db))
}

func TestNormalizePlatformAliases(t *testing.T) {
	for in, want := range map[string]platform.Platform{
		"LINKEDIN": platform.LinkedIn,
		"linkedin": platform.LinkedIn,
		"Twitter":  platform.Twitter,
		"x":        platform.Twitter,
		"X":        platform.Twitter,
	} {
		got, err := platform.Normalize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := platform.Normalize("facebook")
	assert.True(t, errors.Is(err, platform.ErrUnsupportedPlatform))
}
