package core

import (
	"time"

	"github.com/BranchIntl/mailqueue/job"
	"github.com/BranchIntl/mailqueue/sweeper"
)

// Config holds engine configuration
type Config struct {
	ShutdownTimeout time.Duration
	Queues          []QueueConfig
	Sweeper         sweeper.Config
	// Clock stamps job creation times
	Clock func() time.Time
}

// QueueConfig describes one named queue and the pool that drains it
type QueueConfig struct {
	Name      string
	Defaults  job.Options
	Pool      PoolConfig
	Retention sweeper.Retention
}

// PoolConfig holds worker pool configuration
type PoolConfig struct {
	// Concurrency bounds simultaneous in-flight jobs
	Concurrency int
	// PollInterval is the sleep when the queue is empty, and the period of delayed-job promotion
	PollInterval time.Duration
	// LeaseDuration is how long a lease lives without a heartbeat
	LeaseDuration time.Duration
	// HeartbeatInterval is how often in-flight leases are extended
	HeartbeatInterval time.Duration
	// StalledCheckInterval is how often expired leases are looked for
	StalledCheckInterval time.Duration
	// MaxStalledRetries is how many times a stalled job is put back before it fails
	MaxStalledRetries int
	// JobTimeout bounds a single handler invocation
	JobTimeout time.Duration
	// BatchSize caps jobs touched per promotion or stalled check
	BatchSize int
}

// EngineOption is a function that modifies engine configuration
type EngineOption func(*Config)

// PoolOption is a function that modifies a pool configuration
type PoolOption func(*PoolConfig)

// defaultConfig returns default configuration
func defaultConfig() *Config {
	return &Config{
		ShutdownTimeout: 30 * time.Second,
		Sweeper:         sweeper.DefaultConfig(),
		Clock:           time.Now,
	}
}

// DefaultPoolConfig returns default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Concurrency:          5,
		PollInterval:         time.Second,
		LeaseDuration:        30 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		StalledCheckInterval: 30 * time.Second,
		MaxStalledRetries:    1,
		JobTimeout:           5 * time.Minute,
		BatchSize:            100,
	}
}

// NewQueueConfig returns a queue configuration with default pool settings
func NewQueueConfig(name string, options ...PoolOption) QueueConfig {
	pool := DefaultPoolConfig()
	for _, opt := range options {
		opt(&pool)
	}
	return QueueConfig{
		Name:      name,
		Defaults:  job.DefaultOptions(),
		Pool:      pool,
		Retention: sweeper.DefaultRetention(),
	}
}

// WithShutdownTimeout sets the graceful shutdown timeout
func WithShutdownTimeout(d time.Duration) EngineOption {
	return func(c *Config) {
		c.ShutdownTimeout = d
	}
}

// WithQueue adds a queue served by the engine
func WithQueue(q QueueConfig) EngineOption {
	return func(c *Config) {
		c.Queues = append(c.Queues, q)
	}
}

// WithSweeper sets the retention sweeper schedule
func WithSweeper(s sweeper.Config) EngineOption {
	return func(c *Config) {
		c.Sweeper = s
	}
}

// WithClock replaces the clock used to stamp new jobs
func WithClock(now func() time.Time) EngineOption {
	return func(c *Config) {
		c.Clock = now
	}
}

// WithConcurrency sets the number of worker slots
func WithConcurrency(n int) PoolOption {
	return func(c *PoolConfig) {
		c.Concurrency = n
	}
}

// WithPollInterval sets the empty-queue sleep and promotion period
func WithPollInterval(d time.Duration) PoolOption {
	return func(c *PoolConfig) {
		c.PollInterval = d
	}
}

// WithLease sets the lease duration and heartbeat interval
func WithLease(lease, heartbeat time.Duration) PoolOption {
	return func(c *PoolConfig) {
		c.LeaseDuration = lease
		c.HeartbeatInterval = heartbeat
	}
}

// WithStalledCheck sets the stalled check interval and reclaim budget
func WithStalledCheck(interval time.Duration, maxRetries int) PoolOption {
	return func(c *PoolConfig) {
		c.StalledCheckInterval = interval
		c.MaxStalledRetries = maxRetries
	}
}

// WithJobTimeout bounds a single handler invocation
func WithJobTimeout(d time.Duration) PoolOption {
	return func(c *PoolConfig) {
		c.JobTimeout = d
	}
}

// normalize fills zero values with defaults
func (c PoolConfig) normalize() PoolConfig {
	d := DefaultPoolConfig()
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseDuration {
		c.HeartbeatInterval = c.LeaseDuration / 3
	}
	if c.StalledCheckInterval <= 0 {
		c.StalledCheckInterval = d.StalledCheckInterval
	}
	if c.MaxStalledRetries < 0 {
		c.MaxStalledRetries = 0
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	return c
}
