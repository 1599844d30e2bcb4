package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	Queue     QueueConfig     `yaml:"queue"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Worker    WorkerConfig    `yaml:"worker"`
	Executor  ExecutorConfig  `yaml:"executor"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Per-client request throttle, applied before admission control.
	ClientRPS   float64 `yaml:"client_rps"`
	ClientBurst int     `yaml:"client_burst"`
}

// RedisConfig holds the shared key-value store connection
type RedisConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	PoolSize      int           `yaml:"pool_size"`
	MinIdleConns  int           `yaml:"min_idle_conns"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// DatabaseConfig holds PostgreSQL connection configuration for the job archive
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds the job outcome event publisher configuration
type RabbitMQConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`
	VHost             string        `yaml:"vhost"`
	Exchange          string        `yaml:"exchange"`
	ExchangeType      string        `yaml:"exchange_type"`
	Queue             string        `yaml:"queue"`
	BindingKey        string        `yaml:"binding_key"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	PublishRetries    int           `yaml:"publish_retries"`
	PublishRetryDelay time.Duration `yaml:"publish_retry_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableSource bool   `yaml:"enable_source"`
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	JobTTL            time.Duration `yaml:"job_ttl"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	JobTypes          []string      `yaml:"job_types"`
}

// RateLimitConfig holds admission control settings
type RateLimitConfig struct {
	FailOpen      bool                  `yaml:"fail_open"`
	ConcurrentTTL time.Duration         `yaml:"concurrent_ttl"`
	Tiers         map[string]TierConfig `yaml:"tiers"`
}

// TierConfig overrides one subscription tier's quotas.
type TierConfig struct {
	RequestsPerUserPerDay  int     `yaml:"requests_per_user_per_day"`
	RequestsPerGroupPerDay int     `yaml:"requests_per_group_per_day"`
	MessagesPerGroupHour   int     `yaml:"messages_per_group_per_hour"`
	ConcurrentJobs         int     `yaml:"concurrent_jobs"`
	BurstMultiplier        float64 `yaml:"burst_multiplier"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                  string            `yaml:"id"`
	Concurrency         int               `yaml:"concurrency"`
	JobTypes            []string          `yaml:"job_types"`
	JobTimeout          time.Duration     `yaml:"job_timeout"`
	PollTimeout         time.Duration     `yaml:"poll_timeout"`
	IdleSleep           time.Duration     `yaml:"idle_sleep"`
	ErrorBackoffBase    time.Duration     `yaml:"error_backoff_base"`
	ErrorBackoffMax     time.Duration     `yaml:"error_backoff_max"`
	ShutdownTimeout     time.Duration     `yaml:"shutdown_timeout"`
	MaintenanceInterval time.Duration     `yaml:"maintenance_interval"`
	StaleAfter          time.Duration     `yaml:"stale_after"`
	Retention           time.Duration     `yaml:"retention"`
	BatchWindow         BatchWindowConfig `yaml:"batch_window"`
}

// BatchWindowConfig describes the daily off-peak drain window
type BatchWindowConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Start    string        `yaml:"start"` // HH:MM, local time
	Duration time.Duration `yaml:"duration"`
}

// ExecutorConfig maps job types to HTTP endpoints
type ExecutorConfig struct {
	Endpoints map[string]string `yaml:"endpoints"`
	Timeout   time.Duration     `yaml:"timeout"`
}

// Load reads and parses the configuration file, then applies env overrides
// and defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	config.SetDefaults()

	return &config, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		c.Redis.DB = db
	}
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("RABBITMQ_PASSWORD"); v != "" {
		c.RabbitMQ.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("WORKER_ID"); v != "" {
		c.Worker.ID = v
	}
	return nil
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.ClientRPS == 0 {
		c.Server.ClientRPS = 20
	}
	if c.Server.ClientBurst == 0 {
		c.Server.ClientBurst = 40
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.RetryAttempts == 0 {
		c.Redis.RetryAttempts = 5
	}
	if c.Redis.RetryInterval == 0 {
		c.Redis.RetryInterval = 2 * time.Second
	}

	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "job_events"
	}
	if c.RabbitMQ.ExchangeType == "" {
		c.RabbitMQ.ExchangeType = "topic"
	}
	if c.RabbitMQ.RetryAttempts == 0 {
		c.RabbitMQ.RetryAttempts = 5
	}
	if c.RabbitMQ.RetryInterval == 0 {
		c.RabbitMQ.RetryInterval = 2 * time.Second
	}
	if c.RabbitMQ.Heartbeat == 0 {
		c.RabbitMQ.Heartbeat = 10 * time.Second
	}
	if c.RabbitMQ.PublishRetries == 0 {
		c.RabbitMQ.PublishRetries = 3
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Queue.JobTTL == 0 {
		c.Queue.JobTTL = 24 * time.Hour
	}
	if c.Queue.DefaultMaxRetries == 0 {
		c.Queue.DefaultMaxRetries = 3
	}
	if len(c.Queue.JobTypes) == 0 {
		c.Queue.JobTypes = []string{"summary", "sentiment"}
	}

	if c.RateLimit.ConcurrentTTL == 0 {
		c.RateLimit.ConcurrentTTL = time.Hour
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if len(c.Worker.JobTypes) == 0 {
		c.Worker.JobTypes = c.Queue.JobTypes
	}
	if c.Worker.JobTimeout == 0 {
		c.Worker.JobTimeout = 5 * time.Minute
	}
	if c.Worker.PollTimeout == 0 {
		c.Worker.PollTimeout = 5 * time.Second
	}
	if c.Worker.IdleSleep == 0 {
		c.Worker.IdleSleep = 100 * time.Millisecond
	}
	if c.Worker.ErrorBackoffBase == 0 {
		c.Worker.ErrorBackoffBase = time.Second
	}
	if c.Worker.ErrorBackoffMax == 0 {
		c.Worker.ErrorBackoffMax = 30 * time.Second
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.MaintenanceInterval == 0 {
		c.Worker.MaintenanceInterval = time.Minute
	}
	if c.Worker.StaleAfter == 0 {
		c.Worker.StaleAfter = 2 * c.Worker.JobTimeout
	}
	if c.Worker.Retention == 0 {
		c.Worker.Retention = 7 * 24 * time.Hour
	}
	if c.Worker.BatchWindow.Start == "" {
		c.Worker.BatchWindow.Start = "02:00"
	}
	if c.Worker.BatchWindow.Duration == 0 {
		c.Worker.BatchWindow.Duration = 2 * time.Hour
	}

	if c.Executor.Timeout == 0 {
		c.Executor.Timeout = c.Worker.JobTimeout
	}
}

func (c *Config) validateCommon() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("invalid redis db: %d", c.Redis.DB)
	}
	if c.Queue.JobTTL <= 0 {
		return fmt.Errorf("queue job_ttl must be greater than 0")
	}
	if c.Queue.DefaultMaxRetries < 0 {
		return fmt.Errorf("queue default_max_retries must not be negative")
	}
	if c.Database.Enabled {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}
	return nil
}

// ValidateAPIConfig checks the settings the producer API needs
func (c *Config) ValidateAPIConfig() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	if c.Server.ClientRPS < 0 || c.Server.ClientBurst < 0 {
		return fmt.Errorf("server client_rps and client_burst must not be negative")
	}
	for name, tier := range c.RateLimit.Tiers {
		if tier.RequestsPerUserPerDay < 0 || tier.RequestsPerGroupPerDay < 0 ||
			tier.MessagesPerGroupHour < 0 || tier.ConcurrentJobs < 0 {
			return fmt.Errorf("rate_limit tier %s: limits must not be negative", name)
		}
		if tier.BurstMultiplier != 0 && tier.BurstMultiplier < 1 {
			return fmt.Errorf("rate_limit tier %s: burst_multiplier must be at least 1", name)
		}
	}
	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}
	if len(c.Worker.JobTypes) == 0 {
		return fmt.Errorf("worker job_types must not be empty")
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}
	if c.Worker.PollTimeout < time.Second {
		return fmt.Errorf("worker poll_timeout must be at least 1s")
	}
	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}
	if c.Worker.ErrorBackoffMax < c.Worker.ErrorBackoffBase {
		return fmt.Errorf("worker error_backoff_max must be >= error_backoff_base")
	}
	if c.Worker.BatchWindow.Enabled {
		if _, err := time.Parse("15:04", c.Worker.BatchWindow.Start); err != nil {
			return fmt.Errorf("worker batch_window start %q must be HH:MM", c.Worker.BatchWindow.Start)
		}
		if c.Worker.BatchWindow.Duration <= 0 || c.Worker.BatchWindow.Duration > 24*time.Hour {
			return fmt.Errorf("worker batch_window duration must be between 0 and 24h")
		}
	}
	if c.RabbitMQ.Enabled && c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}
	for jobType, endpoint := range c.Executor.Endpoints {
		if endpoint == "" {
			return fmt.Errorf("executor endpoint for %s is empty", jobType)
		}
	}
	return nil
}
