package redis

import (
	redisUtils "github.com/BranchIntl/mailqueue/internal/redis"
)

// Options for Redis statistics
type Options struct {
	// Connection configures the Redis pool
	Connection redisUtils.Config

	// Namespace is the key prefix in Redis
	Namespace string

	// MaxFailures caps the failure list; older entries are dropped first
	MaxFailures int
}

// DefaultOptions returns default Redis statistics options
func DefaultOptions() Options {
	return Options{
		Connection:  redisUtils.DefaultConfig(),
		Namespace:   "mailqueue:",
		MaxFailures: 1000,
	}
}
