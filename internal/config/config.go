package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Env      string `env:"APP_ENV" envDefault:"development"`
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOGGER_LEVEL" envDefault:"info"`

	Redis RedisConfig
	Queue QueueConfig
	Mail  MailConfig
}

// RedisConfig describes the shared store connection. RedisURL wins over
// the discrete address fields when set.
type RedisConfig struct {
	URL      string `env:"REDIS_URL"`
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	Password string `env:"REDIS_PASSWORD"`
}

type QueueConfig struct {
	Namespace         string        `env:"QUEUE_NAMESPACE" envDefault:"resque"`
	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"5s"`
	PollTimeout       time.Duration `env:"WORKER_POLL_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

type MailConfig struct {
	MailgunDomain string `env:"MAILGUN_DOMAIN"`
	MailgunAPIKey string `env:"MAILGUN_API_KEY"`
	From          string `env:"MAIL_FROM" envDefault:"Ichablog <no-reply@ichablog.local>"`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Development reports whether the process runs outside production.
func (c *Config) Development() bool {
	return c.Env != "production"
}

// Options builds go-redis options for the shared connection.
func (r RedisConfig) Options() (*redis.Options, error) {
	if r.URL != "" {
		opts, err := redis.ParseURL(r.URL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     r.Addr,
		DB:       r.DB,
		Password: r.Password,
	}, nil
}

// Configured reports whether Mailgun credentials are present.
func (m MailConfig) Configured() bool {
	return m.MailgunDomain != "" && m.MailgunAPIKey != ""
}
