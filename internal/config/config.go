// Package config loads runtime settings from the environment.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every runtime setting of the mailqd process.
type Config struct {
	AppEnv     string `env:"APP_ENV" envDefault:"development"`
	AppBaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:3000"`

	AdminAddr string `env:"ADMIN_ADDR" envDefault:":8081"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	QueueName    string        `env:"QUEUE_NAME" envDefault:"email"`
	Concurrency  int           `env:"QUEUE_CONCURRENCY" envDefault:"5"`
	MaxAttempts  int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"3"`
	BackoffBase  time.Duration `env:"QUEUE_BACKOFF_BASE" envDefault:"2s"`
	LeaseTimeout time.Duration `env:"QUEUE_LEASE_TIMEOUT" envDefault:"30s"`
	PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`

	CompletedRetention time.Duration `env:"QUEUE_COMPLETED_RETENTION" envDefault:"24h"`
	FailedRetention    time.Duration `env:"QUEUE_FAILED_RETENTION" envDefault:"168h"`

	FromName  string `env:"EMAIL_FROM_NAME" envDefault:"ModernShop"`
	EmailHost string `env:"EMAIL_HOST"`
	EmailPort int    `env:"EMAIL_PORT" envDefault:"587"`
	EmailUser string `env:"EMAIL_USER"`
	EmailPass string `env:"EMAIL_PASS"`
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Production reports whether the process runs in the production environment.
func (c *Config) Production() bool { return c.AppEnv == "production" }
