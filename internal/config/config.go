package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Queue     QueueConfig     `yaml:"queue"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Segment   SegmentConfig   `yaml:"segment"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type QueueConfig struct {
	Path            string        `yaml:"path"`
	Workers         int           `yaml:"workers"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	ProcessInterval time.Duration `yaml:"process_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
	Cleanup         CleanupConfig `yaml:"cleanup"`
}

type CleanupConfig struct {
	CompletedMaxAge time.Duration `yaml:"completed_max_age"`
	DeadMaxAge      time.Duration `yaml:"dead_max_age"`
	Interval        time.Duration `yaml:"interval"`
}

type RateLimitConfig struct {
	Backend          string      `yaml:"backend"` // bolt or redis
	DefaultPerSecond float64     `yaml:"default_per_second"`
	Redis            RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PipelineConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	StaleRunAfter     time.Duration `yaml:"stale_run_after"`
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`
	SendMaxAttempts   int           `yaml:"send_max_attempts"`
}

type SegmentConfig struct {
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied, used by
// tests and the migrate command.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8085"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/campaignd/app.db"
	}
	if cfg.Queue.Path == "" {
		cfg.Queue.Path = "/var/lib/campaignd/queue.db"
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Queue.RetryInterval == 0 {
		cfg.Queue.RetryInterval = time.Minute
	}
	if cfg.Queue.ProcessInterval == 0 {
		cfg.Queue.ProcessInterval = time.Second
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Queue.Cleanup.CompletedMaxAge == 0 {
		cfg.Queue.Cleanup.CompletedMaxAge = 24 * time.Hour
	}
	if cfg.Queue.Cleanup.DeadMaxAge == 0 {
		cfg.Queue.Cleanup.DeadMaxAge = 7 * 24 * time.Hour
	}
	if cfg.Queue.Cleanup.Interval == 0 {
		cfg.Queue.Cleanup.Interval = time.Hour
	}
	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = "bolt"
	}
	if cfg.RateLimit.DefaultPerSecond == 0 {
		cfg.RateLimit.DefaultPerSecond = 10
	}
	if cfg.Pipeline.BatchSize == 0 {
		cfg.Pipeline.BatchSize = 500
	}
	if cfg.Pipeline.StaleRunAfter == 0 {
		cfg.Pipeline.StaleRunAfter = 30 * time.Minute
	}
	if cfg.Pipeline.SchedulerInterval == 0 {
		cfg.Pipeline.SchedulerInterval = 30 * time.Second
	}
	if cfg.Pipeline.SendMaxAttempts == 0 {
		cfg.Pipeline.SendMaxAttempts = 5
	}
	if cfg.Segment.QueryTimeout == 0 {
		cfg.Segment.QueryTimeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	switch cfg.RateLimit.Backend {
	case "bolt":
	case "redis":
		if cfg.RateLimit.Redis.Addr == "" {
			return fmt.Errorf("rate_limit.redis.addr is required when backend is redis")
		}
	default:
		return fmt.Errorf("rate_limit.backend must be bolt or redis")
	}

	if cfg.RateLimit.DefaultPerSecond < 0 {
		return fmt.Errorf("rate_limit.default_per_second must be positive")
	}
	if cfg.Pipeline.BatchSize < 1 {
		return fmt.Errorf("pipeline.batch_size must be at least 1")
	}

	return nil
}
