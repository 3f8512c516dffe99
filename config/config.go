// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BranchIntl/mailqueue/core"
	"github.com/BranchIntl/mailqueue/job"
	"github.com/BranchIntl/mailqueue/sweeper"
	"github.com/caarlos0/env/v11"
)

// Config holds all process configuration
type Config struct {
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"text"`
	HTTPAddress     string        `env:"HTTP_ADDRESS" envDefault:":9090"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Broker selects "redis" or "memory"
	Broker string `env:"BROKER" envDefault:"redis"`
	Redis  RedisConfig

	// Stats lists statistics backends: redis, prometheus, noop
	Stats []string `env:"STATS" envDefault:"prometheus" envSeparator:","`

	Mail   MailConfig
	Notify NotifyConfig
	Sweep  SweepConfig

	EmailQueue        QueueConfig `envPrefix:"EMAIL_QUEUE_"`
	NotificationQueue QueueConfig `envPrefix:"NOTIFICATION_QUEUE_"`
}

// RedisConfig accepts either a URL or a host, port and password triple
type RedisConfig struct {
	URL       string `env:"REDIS_URL"`
	Host      string `env:"REDIS_HOST" envDefault:"localhost"`
	Port      int    `env:"REDIS_PORT" envDefault:"6379"`
	Password  string `env:"REDIS_PASSWORD"`
	DB        int    `env:"REDIS_DB" envDefault:"0"`
	Namespace string `env:"REDIS_NAMESPACE" envDefault:"mailqueue:"`
	PoolSize  int    `env:"REDIS_POOL_SIZE" envDefault:"20"`
}

// URI returns URL when set, otherwise a redis:// URI built from the triple
func (r RedisConfig) URI() string {
	if r.URL != "" {
		return r.URL
	}
	u := url.URL{
		Scheme: "redis",
		Host:   net.JoinHostPort(r.Host, strconv.Itoa(r.Port)),
		Path:   "/" + strconv.Itoa(r.DB),
	}
	if r.Password != "" {
		u.User = url.UserPassword("", r.Password)
	}
	return u.String()
}

// MailConfig holds sender identity and Mailgun credentials
type MailConfig struct {
	From           string        `env:"MAIL_FROM" envDefault:"noreply@localhost"`
	MailgunDomain  string        `env:"MAILGUN_DOMAIN"`
	MailgunAPIKey  string        `env:"MAILGUN_API_KEY"`
	MailgunAPIBase string        `env:"MAILGUN_API_BASE"`
	Timeout        time.Duration `env:"MAIL_TIMEOUT" envDefault:"30s"`
}

// NotifyConfig selects the notification deliverer
type NotifyConfig struct {
	// AMQPURL enables the RabbitMQ publisher when set
	AMQPURL  string `env:"NOTIFY_AMQP_URL"`
	Exchange string `env:"NOTIFY_EXCHANGE" envDefault:"notifications"`
}

// SweepConfig holds the retention sweep schedule
type SweepConfig struct {
	Interval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	Limit    int           `env:"SWEEP_LIMIT" envDefault:"100"`
}

// QueueConfig tunes one queue; the same variables exist under each queue prefix
type QueueConfig struct {
	Concurrency       int           `env:"CONCURRENCY"`
	Attempts          int           `env:"ATTEMPTS"`
	Backoff           string        `env:"BACKOFF"`
	BackoffDelay      time.Duration `env:"BACKOFF_DELAY"`
	LeaseDuration     time.Duration `env:"LEASE_DURATION" envDefault:"30s"`
	StalledInterval   time.Duration `env:"STALLED_INTERVAL" envDefault:"30s"`
	MaxStalledRetries int           `env:"MAX_STALLED_RETRIES" envDefault:"1"`
	JobTimeout        time.Duration `env:"JOB_TIMEOUT" envDefault:"2m"`
	KeepCompletedAge  time.Duration `env:"KEEP_COMPLETED_AGE" envDefault:"1h"`
	KeepCompleted     int           `env:"KEEP_COMPLETED" envDefault:"1000"`
	KeepFailedAge     time.Duration `env:"KEEP_FAILED_AGE" envDefault:"24h"`
	KeepFailed        int           `env:"KEEP_FAILED" envDefault:"5000"`
}

// Pool returns the worker pool settings
func (q QueueConfig) Pool() core.PoolConfig {
	pool := core.DefaultPoolConfig()
	pool.Concurrency = q.Concurrency
	pool.LeaseDuration = q.LeaseDuration
	pool.HeartbeatInterval = q.LeaseDuration / 3
	pool.StalledCheckInterval = q.StalledInterval
	pool.MaxStalledRetries = q.MaxStalledRetries
	pool.JobTimeout = q.JobTimeout
	return pool
}

// JobOptions returns the default attempts and backoff for new jobs
func (q QueueConfig) JobOptions() (job.Options, error) {
	opts := job.Options{
		MaxAttempts: q.Attempts,
		Backoff:     job.Backoff{Type: job.BackoffType(strings.ToLower(q.Backoff)), Delay: q.BackoffDelay},
	}
	if err := opts.Validate(); err != nil {
		return job.Options{}, err
	}
	return opts, nil
}

// Retention returns the retention bounds for terminal jobs
func (q QueueConfig) Retention() sweeper.Retention {
	return sweeper.Retention{
		CompletedAge:   q.KeepCompletedAge,
		CompletedCount: q.KeepCompleted,
		FailedAge:      q.KeepFailedAge,
		FailedCount:    q.KeepFailed,
	}
}

// defaults fills queue settings whose defaults differ per queue
func (c *Config) defaults() {
	fill := func(q *QueueConfig, concurrency, attempts int, backoff job.Backoff) {
		if q.Concurrency == 0 {
			q.Concurrency = concurrency
		}
		if q.Attempts == 0 {
			q.Attempts = attempts
		}
		if q.Backoff == "" {
			q.Backoff = string(backoff.Type)
			if q.BackoffDelay == 0 {
				q.BackoffDelay = backoff.Delay
			}
		}
	}
	fill(&c.EmailQueue, 5, 3, job.ExponentialBackoff(5*time.Second))
	fill(&c.NotificationQueue, 10, 3, job.FixedBackoff(time.Second))
}

// Validate checks values env tags cannot express
func (c *Config) Validate() error {
	switch c.Broker {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown broker %q", c.Broker)
	}
	if _, err := c.EmailQueue.JobOptions(); err != nil {
		return fmt.Errorf("email queue: %w", err)
	}
	if _, err := c.NotificationQueue.JobOptions(); err != nil {
		return fmt.Errorf("notification queue: %w", err)
	}
	return nil
}

// Level returns the slog level named by LogLevel, defaulting to info
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Load parses the environment into a Config
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
