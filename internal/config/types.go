package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/mohans/researchx/internal/logger"
)

// Config is the full researchx configuration.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Queue        QueueConfig        `yaml:"queue"`
	Poller       PollerConfig       `yaml:"poller"`
	Verification VerificationConfig `yaml:"verification"`
	Worker       WorkerConfig       `yaml:"worker"`
	History      HistoryConfig      `yaml:"history"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Logging      logger.Config      `yaml:"logging"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" env:"DB_DRIVER"`
	DSN    string `yaml:"dsn" env:"DB_DSN"`
	// CacheSize bounds the in-memory cache of finished jobs.
	CacheSize int `yaml:"cache_size" env:"DB_CACHE_SIZE"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type QueueConfig struct {
	Name        string `yaml:"name" env:"QUEUE_NAME"`
	Concurrency int    `yaml:"concurrency" env:"QUEUE_CONCURRENCY"`
}

type PollerConfig struct {
	Interval             time.Duration `yaml:"interval" env:"POLL_INTERVAL"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors" env:"POLL_MAX_ERRORS"`
}

// VerificationConfig mirrors verify.Options. Unset Stagger and MaxRetries take
// their defaults; a negative value turns stagger or retries off.
type VerificationConfig struct {
	Stagger        time.Duration `yaml:"stagger" env:"VERIFY_STAGGER"`
	BaseDelay      time.Duration `yaml:"base_delay" env:"VERIFY_BASE_DELAY"`
	MaxRetries     int           `yaml:"max_retries" env:"VERIFY_MAX_RETRIES"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"VERIFY_ATTEMPT_TIMEOUT"`
}

type WorkerConfig struct {
	APIKey      string        `yaml:"api_key" env:"RESEARCH_API_KEY"`
	BaseURL     string        `yaml:"base_url" env:"RESEARCH_BASE_URL"`
	QuickModel  string        `yaml:"quick_model" env:"RESEARCH_QUICK_MODEL"`
	DeepModel   string        `yaml:"deep_model" env:"RESEARCH_DEEP_MODEL"`
	VerifyModel string        `yaml:"verify_model" env:"VERIFY_MODEL"`
	Timeout     time.Duration `yaml:"timeout" env:"RESEARCH_TIMEOUT"`
	DeepTimeout time.Duration `yaml:"deep_timeout" env:"RESEARCH_DEEP_TIMEOUT"`

	// RequestsPerSecond caps upstream calls per client; 0 disables the cap.
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"RESEARCH_RPS"`
}

type HistoryConfig struct {
	MaxEntries int64 `yaml:"max_entries" env:"HISTORY_MAX_ENTRIES"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" env:"METRICS_ADDR"`
}

// SetDefaults fills every unset value with its reference default.
func SetDefaults(c *Config) {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "file:researchx.db?_pragma=busy_timeout(5000)"
	}
	if c.Database.CacheSize <= 0 {
		c.Database.CacheSize = 1024
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "research"
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = 4
	}
	if c.Poller.Interval <= 0 {
		c.Poller.Interval = 3 * time.Second
	}
	if c.Poller.MaxConsecutiveErrors <= 0 {
		c.Poller.MaxConsecutiveErrors = 5
	}
	if c.Verification.Stagger == 0 {
		c.Verification.Stagger = 1500 * time.Millisecond
	}
	if c.Verification.BaseDelay <= 0 {
		c.Verification.BaseDelay = time.Second
	}
	if c.Verification.MaxRetries == 0 {
		c.Verification.MaxRetries = 2
	}
	if c.Verification.AttemptTimeout <= 0 {
		c.Verification.AttemptTimeout = 60 * time.Second
	}
	if c.Worker.QuickModel == "" {
		c.Worker.QuickModel = "sonar"
	}
	if c.Worker.DeepModel == "" {
		c.Worker.DeepModel = "sonar-deep-research"
	}
	if c.Worker.VerifyModel == "" {
		c.Worker.VerifyModel = "sonar"
	}
	if c.Worker.Timeout <= 0 {
		c.Worker.Timeout = 60 * time.Second
	}
	if c.Worker.DeepTimeout <= 0 {
		c.Worker.DeepTimeout = 10 * time.Minute
	}
	if c.History.MaxEntries <= 0 {
		c.History.MaxEntries = 50
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	c.Logging.SetDefaults()
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn: required"))
	}
	return errors.Join(errs...)
}

// LoadApp loads path with defaults applied and validates the result.
func LoadApp(path string) (*Config, error) {
	cfg, err := LoadWithDefaults[Config](path, SetDefaults)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
