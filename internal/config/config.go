package config

import (
	"fmt"
	"os"
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
	Server     ServerConfig               `yaml:"server"`
	Database   DatabaseConfig             `yaml:"database"`
	Redis      RedisConfig                `yaml:"redis"`
	RabbitMQ   RabbitMQConfig             `yaml:"rabbitmq"`
	Logging    LoggingConfig              `yaml:"logging"`
	App        AppConfig                  `yaml:"app"`
	Pipeline   PipelineConfig             `yaml:"pipeline"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`
	Recovery   RecoveryConfig             `yaml:"recovery"`
	Health     HealthConfig               `yaml:"health"`
	Stages     map[string]StageConfig     `yaml:"stages"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
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

// RedisConfig holds Redis broker connection configuration
type RedisConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// KeyPrefix namespaces all broker keys, e.g. "screening".
	KeyPrefix string `yaml:"key_prefix"`
}

// RabbitMQConfig holds the batch event feed configuration
type RabbitMQConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	VHost         string        `yaml:"vhost"`
	Exchange      string        `yaml:"exchange"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// PipelineConfig holds queue and worker pool tuning
type PipelineConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
	StallTimeout   time.Duration `yaml:"stall_timeout"`
	FetchInterval  time.Duration `yaml:"fetch_interval"`
	// Concurrency overrides the per-stage worker pool sizes, keyed by stage.
	Concurrency map[string]int `yaml:"concurrency"`
}

// RateLimitConfig holds one external service's fixed-window call budget
type RateLimitConfig struct {
	MaxCalls int           `yaml:"max_calls"`
	Window   time.Duration `yaml:"window"`
}

// RecoveryConfig holds failure recovery engine tuning
type RecoveryConfig struct {
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	PatternMaxIdle  time.Duration `yaml:"pattern_max_idle"`
	InitialCooldown time.Duration `yaml:"initial_cooldown"`
	MaxCooldown     time.Duration `yaml:"max_cooldown"`
}

// HealthConfig holds health monitor tuning
type HealthConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
}

// StageConfig binds one pipeline stage to its analysis service endpoint
type StageConfig struct {
	URL string `yaml:"url"`
	// Service is the rate-limited external provider behind the endpoint.
	Service string `yaml:"service"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ValidateOrchestratorConfig checks the configuration the orchestrator
// service needs to start
func (c *Config) ValidateOrchestratorConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if c.Redis.Port < MinPort || c.Redis.Port > MaxPort {
		return fmt.Errorf("invalid redis port: %d (must be between %d and %d)", c.Redis.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required when the event feed is enabled")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange == "" {
			return fmt.Errorf("rabbitmq exchange name is required when the event feed is enabled")
		}
	}

	if err := c.ValidatePipelineConfig(); err != nil {
		return err
	}

	for service, limit := range c.RateLimits {
		if limit.MaxCalls <= 0 {
			return fmt.Errorf("rate limit max_calls for %s must be greater than 0", service)
		}
		if limit.Window <= 0 {
			return fmt.Errorf("rate limit window for %s must be greater than 0", service)
		}
	}

	for stage, sc := range c.Stages {
		if sc.URL == "" {
			return fmt.Errorf("stage %s endpoint url is required", stage)
		}
	}

	return nil
}

// ValidatePipelineConfig checks the queue and worker pool tuning
func (c *Config) ValidatePipelineConfig() error {
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline max_retries must not be negative")
	}

	if c.Pipeline.InitialBackoff < 0 {
		return fmt.Errorf("pipeline initial_backoff must not be negative")
	}

	if c.Pipeline.JobTimeout < 0 {
		return fmt.Errorf("pipeline job_timeout must not be negative")
	}

	for stage, n := range c.Pipeline.Concurrency {
		if n <= 0 {
			return fmt.Errorf("pipeline concurrency for %s must be greater than 0", stage)
		}
	}

	return nil
}
