package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Publish   PublishConfig   `mapstructure:"publish"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug / release
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres / sqlite
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	DB      int    `mapstructure:"db"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type SentryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// PublishConfig 发布引擎参数
type PublishConfig struct {
	// TestMode 跳过所有外部平台调用，合成确定性的 external id（仅限非生产）
	TestMode     bool          `mapstructure:"test_mode"`
	PollAttempts int           `mapstructure:"poll_attempts"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// StalePendingTTL 为 0 时不启用 PENDING 清扫
	StalePendingTTL time.Duration `mapstructure:"stale_pending_ttl"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	TweetInterval   time.Duration `mapstructure:"tweet_interval"`
	HTTPTimeout     time.Duration `mapstructure:"http_timeout"`
	LinkedInBaseURL string        `mapstructure:"linkedin_base_url"`
	LinkedInVersion string        `mapstructure:"linkedin_version"`
	TwitterBaseURL  string        `mapstructure:"twitter_base_url"`
}

type TelemetryConfig struct {
	Stream     string `mapstructure:"stream"`
	BufferSize int    `mapstructure:"buffer_size"`
}

// Load 读取 config.yaml 并允许 PUBLISH_ 前缀环境变量覆盖
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "publish.db")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("publish.test_mode", false)
	v.SetDefault("publish.poll_attempts", 12)
	v.SetDefault("publish.poll_interval", 250*time.Millisecond)
	v.SetDefault("publish.stale_pending_ttl", time.Duration(0))
	v.SetDefault("publish.sweep_interval", time.Minute)
	v.SetDefault("publish.tweet_interval", time.Second)
	v.SetDefault("publish.http_timeout", 15*time.Second)
	v.SetDefault("publish.linkedin_base_url", "https://api.linkedin.com")
	v.SetDefault("publish.linkedin_version", "202401")
	v.SetDefault("publish.twitter_base_url", "https://api.twitter.com")
	v.SetDefault("telemetry.stream", "publish_events")
	v.SetDefault("telemetry.buffer_size", 4096)

	v.SetEnvPrefix("PUBLISH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 缺省配置文件不视为错误，全部走默认值/环境变量
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
