// Package config provides configuration management for the validation service.
//
// This package handles loading configuration from multiple sources with proper
// precedence:
//   - Default values (set via setDefaults)
//   - YAML configuration files (./config.yaml, /etc/ramqval/config.yaml)
//   - Environment variables with the RAMQVAL_ prefix
//
// # Environment Variables
//
// Environment variables override all other configuration sources. Use the
// prefix and underscores for nested keys:
//   - RAMQVAL_DATABASE_URL=postgres://localhost:5432/ramqval
//   - RAMQVAL_REDIS_URL=redis://localhost:6379/0
//   - RAMQVAL_WORKER_CONCURRENCY=2
//   - RAMQVAL_PHI_SALT=<required>
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig contains HTTP boundary configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8080)
	Port int `mapstructure:"port"`

	// BodyLimit caps upload size, e.g. "50M"
	BodyLimit string `mapstructure:"body_limit"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Debug enables debug logging and verbose request logs
	Debug bool `mapstructure:"debug"`
}

// DatabaseConfig contains the Postgres connection settings.
type DatabaseConfig struct {
	// URL is the Postgres DSN
	URL string `mapstructure:"url"`

	// MaxOpenConns caps concurrent connections
	MaxOpenConns int `mapstructure:"max_open_conns"`

	// MaxIdleConns caps idle pooled connections
	MaxIdleConns int `mapstructure:"max_idle_conns"`

	// ConnMaxLifetime bounds connection reuse
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig contains the cache/queue connection settings.
type RedisConfig struct {
	// URL is the Redis connection URL
	URL string `mapstructure:"url"`
}

// WorkerConfig contains job-worker settings.
type WorkerConfig struct {
	// Concurrency is the number of in-process workers (default: 2)
	Concurrency int `mapstructure:"concurrency"`

	// MaxAttempts is the retry ceiling per job (default: 3)
	MaxAttempts int `mapstructure:"max_attempts"`

	// BackoffBase is the first retry delay; later attempts double it (default: 1s)
	BackoffBase time.Duration `mapstructure:"backoff_base"`

	// DrainTimeout bounds graceful shutdown (default: 30s)
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// PHIConfig contains the PHI-protection settings.
type PHIConfig struct {
	// Salt seeds deterministic patient-token hashing. Required.
	Salt string `mapstructure:"salt"`
}

// StorageConfig contains local file-storage settings.
type StorageConfig struct {
	// UploadDir is where uploaded CSV blobs live until run completion
	UploadDir string `mapstructure:"upload_dir"`
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is "json" or "text"
	Format string `mapstructure:"format"`
}

// Config is the root configuration for the service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	PHI      PHIConfig      `mapstructure:"phi"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.body_limit", "50M")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.debug", false)

	// Empty defaults register env-only keys so AutomaticEnv can fill them
	// during Unmarshal.
	v.SetDefault("database.url", "")
	v.SetDefault("phi.salt", "")

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.backoff_base", time.Second)
	v.SetDefault("worker.drain_timeout", 30*time.Second)

	v.SetDefault("storage.upload_dir", "./uploads")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from files and the environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ramqval")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("RAMQVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the required settings.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required (RAMQVAL_DATABASE_URL)")
	}
	if c.Redis.URL == "" {
		return errors.New("redis.url is required (RAMQVAL_REDIS_URL)")
	}
	if c.PHI.Salt == "" {
		return errors.New("phi.salt is required (RAMQVAL_PHI_SALT)")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be at least 1, got %d", c.Worker.MaxAttempts)
	}
	return nil
}
