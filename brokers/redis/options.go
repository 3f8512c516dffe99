package redis

import (
	"time"

	redisUtils "github.com/BranchIntl/mailqueue/internal/redis"
)

// Options for Redis broker
type Options struct {
	// Connection holds the pool settings
	Connection redisUtils.Config

	// Namespace is the key prefix in Redis
	Namespace string

	// Clock returns the current time used for leases, delays and retention
	Clock func() time.Time
}

// DefaultOptions returns default Redis options
func DefaultOptions() Options {
	return Options{
		Connection: redisUtils.DefaultConfig(),
		Namespace:  "mailqueue:",
		Clock:      time.Now,
	}
}
