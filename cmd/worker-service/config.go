package main

import (
	"fmt"
	"os"
	"time"

	"flowrunner/internal/common/cache"
	"flowrunner/internal/common/db"
	commonmw "flowrunner/internal/common/http/middleware"
	"flowrunner/internal/common/mq"
	"flowrunner/internal/common/storage"
	"flowrunner/internal/engine/artifact"
	"flowrunner/internal/engine/builder"
	"flowrunner/internal/engine/pipeline"
	"flowrunner/internal/engine/sandbox"
	"flowrunner/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultLockPrefix      = "flowrunner:lock:"
	defaultRateWindow      = time.Minute
	rateLimitPrefix        = "flowrunner:"
	defaultRequestTopic    = "flow.run.requested"
	defaultFinishedTopic   = "flow.run.finished"
)

// ServerConfig holds HTTP server settings. WriteTimeout is left at zero by
// default because flow executions answer synchronously.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// KafkaConfig holds Kafka settings. Messaging is disabled when no brokers are set.
type KafkaConfig struct {
	mq.KafkaConfig `yaml:",inline"`

	RequestTopic  string        `yaml:"requestTopic"`
	FinishedTopic string        `yaml:"finishedTopic"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	DeadLetter    string        `yaml:"deadLetterTopic"`
}

// Enabled reports whether brokers are configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// LockConfig holds distributed lock settings. The lock store is Redis when
// redis.addr is set and in-process memory otherwise.
type LockConfig struct {
	Prefix       string        `yaml:"prefix"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// RateLimitConfig limits the execute and test routes. It needs redis.addr.
type RateLimitConfig struct {
	Window  time.Duration            `yaml:"window"`
	Timeout time.Duration            `yaml:"timeout"`
	Execute commonmw.RateLimitPolicy `yaml:"execute"`
	Test    commonmw.RateLimitPolicy `yaml:"test"`
}

// FilesConfig holds uploaded archive settings.
type FilesConfig struct {
	MaxSize int64 `yaml:"maxSize"`
}

// AppConfig holds worker-service config.
type AppConfig struct {
	Server    ServerConfig        `yaml:"server"`
	Logger    logger.Config       `yaml:"logger"`
	Kafka     KafkaConfig         `yaml:"kafka"`
	Database  db.MySQLConfig      `yaml:"database"`
	Redis     cache.RedisConfig   `yaml:"redis"`
	MinIO     storage.MinIOConfig `yaml:"minio"`
	Lock      LockConfig          `yaml:"lock"`
	RateLimit RateLimitConfig     `yaml:"rateLimit"`
	Files     FilesConfig         `yaml:"files"`
	Sandbox   sandbox.Config      `yaml:"sandbox"`
	Pipeline  pipeline.Config     `yaml:"pipeline"`
	Builder   builder.Config      `yaml:"builder"`
	Artifact  artifact.Config     `yaml:"artifact"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.MinIO.Endpoint == "" || cfg.MinIO.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	if cfg.Pipeline.TokenSecret == "" {
		return nil, fmt.Errorf("pipeline tokenSecret is required")
	}
	if cfg.Sandbox.EnginePath == "" {
		return nil, fmt.Errorf("sandbox enginePath is required")
	}
	if cfg.Pipeline.CodeRunnerPath == "" {
		return nil, fmt.Errorf("pipeline codeRunnerPath is required")
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Redis.Addr != "" {
		cfg.Redis.ApplyDefaults()
	}
	if cfg.Lock.Prefix == "" {
		cfg.Lock.Prefix = defaultLockPrefix
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = defaultRateWindow
	}
	if cfg.Kafka.RequestTopic == "" {
		cfg.Kafka.RequestTopic = defaultRequestTopic
	}
	if cfg.Kafka.FinishedTopic == "" {
		cfg.Kafka.FinishedTopic = defaultFinishedTopic
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = "flowrunner-worker"
	}
	cfg.Sandbox.ApplyDefaults()
	cfg.Pipeline.ApplyDefaults()
	cfg.Builder.ApplyDefaults()
	cfg.Artifact.ApplyDefaults()
	if cfg.Kafka.Concurrency <= 0 {
		cfg.Kafka.Concurrency = cfg.Pipeline.Workers
	}
	return &cfg, nil
}
