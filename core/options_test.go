package core

import (
	"testing"
	"time"

	"github.com/BranchIntl/mailqueue/job"
	"github.com/BranchIntl/mailqueue/sweeper"
	"github.com/stretchr/testify/assert"
)

func TestMultipleOptions(t *testing.T) {
	config := defaultConfig()

	email := NewQueueConfig("email",
		WithConcurrency(10),
		WithPollInterval(2*time.Second),
		WithLease(time.Minute, 20*time.Second),
		WithStalledCheck(15*time.Second, 3),
		WithJobTimeout(time.Minute),
	)
	options := []EngineOption{
		WithShutdownTimeout(60 * time.Second),
		WithQueue(email),
		WithQueue(NewQueueConfig("notifications")),
		WithSweeper(sweeper.Config{Interval: time.Hour, Limit: 10}),
	}
	for _, option := range options {
		option(config)
	}

	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.Equal(t, time.Hour, config.Sweeper.Interval)
	assert.Len(t, config.Queues, 2)

	pool := config.Queues[0].Pool
	assert.Equal(t, 10, pool.Concurrency)
	assert.Equal(t, 2*time.Second, pool.PollInterval)
	assert.Equal(t, time.Minute, pool.LeaseDuration)
	assert.Equal(t, 20*time.Second, pool.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, pool.StalledCheckInterval)
	assert.Equal(t, 3, pool.MaxStalledRetries)
	assert.Equal(t, time.Minute, pool.JobTimeout)

	assert.Equal(t, DefaultPoolConfig(), config.Queues[1].Pool)
	assert.Equal(t, job.DefaultOptions(), config.Queues[1].Defaults)
	assert.Equal(t, sweeper.DefaultRetention(), config.Queues[1].Retention)
}

func TestDefaultConfig(t *testing.T) {
	config := defaultConfig()

	assert.Equal(t, 30*time.Second, config.ShutdownTimeout)
	assert.Empty(t, config.Queues)
	assert.Equal(t, sweeper.DefaultConfig(), config.Sweeper)
	assert.NotNil(t, config.Clock)
}

func TestPoolConfig_Normalize(t *testing.T) {
	tests := []struct {
		name   string
		input  PoolConfig
		verify func(t *testing.T, c PoolConfig)
	}{
		{
			name:  "zero value gets defaults",
			input: PoolConfig{},
			verify: func(t *testing.T, c PoolConfig) {
				d := DefaultPoolConfig()
				assert.Equal(t, 1, c.Concurrency)
				assert.Equal(t, d.PollInterval, c.PollInterval)
				assert.Equal(t, d.LeaseDuration, c.LeaseDuration)
				assert.Equal(t, d.LeaseDuration/3, c.HeartbeatInterval)
				assert.Equal(t, d.JobTimeout, c.JobTimeout)
				assert.Equal(t, d.BatchSize, c.BatchSize)
			},
		},
		{
			name:  "heartbeat not shorter than lease",
			input: PoolConfig{Concurrency: 2, LeaseDuration: 9 * time.Second, HeartbeatInterval: 9 * time.Second},
			verify: func(t *testing.T, c PoolConfig) {
				assert.Equal(t, 2, c.Concurrency)
				assert.Equal(t, 3*time.Second, c.HeartbeatInterval)
			},
		},
		{
			name:  "negative stalled retries",
			input: PoolConfig{MaxStalledRetries: -1},
			verify: func(t *testing.T, c PoolConfig) {
				assert.Equal(t, 0, c.MaxStalledRetries)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.verify(t, tt.input.normalize())
		})
	}
}
