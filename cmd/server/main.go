package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/publish-engine/config"
	"github.com/d60-Lab/publish-engine/internal/api"
	"github.com/d60-Lab/publish-engine/internal/api/handler"
	"github.com/d60-Lab/publish-engine/internal/platform"
	"github.com/d60-Lab/publish-engine/internal/repository"
	"github.com/d60-Lab/publish-engine/internal/service"
	"github.com/d60-Lab/publish-engine/pkg/database"
	"github.com/d60-Lab/publish-engine/pkg/logger"
	"github.com/d60-Lab/publish-engine/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := logger.Init(cfg.Log.Level); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN}); err != nil {
			logger.Warn("sentry init failed", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx := context.Background()
	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(ctx, "publish-engine", cfg.Tracing.Endpoint)
		if err != nil {
			log.Fatalf("init tracing: %v", err)
		}
		defer func() { _ = shutdown(ctx) }()
	}

	db, err := database.InitDB(cfg)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}

	// 遥测走 Redis Stream，未启用时退化为 Nop
	var emitter service.TelemetryEmitter = service.NopEmitter{}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		emitter = service.NewRedisEmitter(rdb, cfg.Telemetry.Stream, cfg.Telemetry.BufferSize)
	}
	defer emitter.Close()

	strategyRepo := repository.NewStrategyRepository(db)
	publicationRepo := repository.NewPublicationRepository(db)
	attemptRepo := repository.NewAttemptRepository(db)
	accountRepo := repository.NewAccountRepository(db)

	httpClient := &http.Client{Timeout: cfg.Publish.HTTPTimeout}
	linkedin := platform.NewLinkedInAdapter(httpClient, cfg.Publish.LinkedInBaseURL, cfg.Publish.LinkedInVersion)
	twitter := platform.NewTwitterAdapter(httpClient, cfg.Publish.TwitterBaseURL, cfg.Publish.TweetInterval)
	adapters := func(p platform.Platform) platform.Adapter {
		switch p {
		case platform.LinkedIn:
			return linkedin
		case platform.Twitter:
			return twitter
		default:
			return nil
		}
	}

	publisher := service.NewPublisher(db, strategyRepo, publicationRepo, attemptRepo, accountRepo, adapters, emitter, service.Options{
		TestMode:     cfg.Publish.TestMode,
		PollAttempts: cfg.Publish.PollAttempts,
		PollInterval: cfg.Publish.PollInterval,
	})

	sweeper := service.NewAttemptSweeper(attemptRepo, cfg.Publish.StalePendingTTL, cfg.Publish.SweepInterval)
	stopSweeper := sweeper.Start()
	defer func() { _ = stopSweeper(ctx) }()

	r := api.SetupRouter(cfg, handler.NewPublishHandler(publisher))
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		logger.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
}
