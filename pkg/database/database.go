package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/d60-Lab/publish-engine/config"
	"github.com/d60-Lab/publish-engine/internal/model"
)

// InitDB 按配置打开数据库连接
// TranslateError 必须开启：唯一键冲突要统一映射成 gorm.ErrDuplicatedKey，
// 尝试锁（publish_attempts.idempotency_key）的正确性依赖这一点。
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Database.Driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.Database.DSN), gcfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(cfg.Database.DSN), gcfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&model.Strategy{},
		&model.StrategyPublication{},
		&model.PublishAttempt{},
		&model.Account{},
	); err != nil {
		return nil, err
	}
	return db, nil
}
