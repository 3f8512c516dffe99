package job

import (
	"time"

	"github.com/BranchIntl/mailqueue/errors"
)

// Options configures attempts and backoff for one enqueue call
type Options struct {
	MaxAttempts int
	Backoff     Backoff
}

// Option modifies Options
type Option func(*Options)

// DefaultOptions returns a single attempt without backoff
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 1,
		Backoff:     NoBackoff(),
	}
}

// WithAttempts sets the maximum number of attempts
func WithAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithBackoff sets the retry backoff policy
func WithBackoff(b Backoff) Option {
	return func(o *Options) {
		o.Backoff = b
	}
}

// WithFixedBackoff is shorthand for WithBackoff(FixedBackoff(d))
func WithFixedBackoff(d time.Duration) Option {
	return WithBackoff(FixedBackoff(d))
}

// WithExponentialBackoff is shorthand for WithBackoff(ExponentialBackoff(base))
func WithExponentialBackoff(base time.Duration) Option {
	return WithBackoff(ExponentialBackoff(base))
}

// Apply returns a copy of o with opts applied
func (o Options) Apply(opts ...Option) Options {
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Validate enforces MaxAttempts >= 1 and a well formed backoff
func (o Options) Validate() error {
	if o.MaxAttempts < 1 {
		return errors.NewValidationError("max_attempts", "must be at least 1")
	}
	if err := o.Backoff.Validate(); err != nil {
		return errors.NewValidationError("backoff", err.Error())
	}
	return nil
}
