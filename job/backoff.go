package job

import (
	"fmt"
	"time"
)

// BackoffType selects how retry delays grow
type BackoffType string

const (
	BackoffNone        BackoffType = "none"
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// MaxExponentialDelay is the ceiling of an exponential backoff delay
const MaxExponentialDelay = 7 * 24 * time.Hour

// maxBackoffShift bounds the doubling count; larger shifts are saturated
// by MaxExponentialDelay anyway
const maxBackoffShift = 62

// Backoff maps an attempt number to the delay before the next try
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// NoBackoff retries immediately
func NoBackoff() Backoff {
	return Backoff{Type: BackoffNone}
}

// FixedBackoff waits the same delay before every retry
func FixedBackoff(delay time.Duration) Backoff {
	return Backoff{Type: BackoffFixed, Delay: delay}
}

// ExponentialBackoff waits base * 2^(attempts-1) before a retry, capped at
// MaxExponentialDelay
func ExponentialBackoff(base time.Duration) Backoff {
	return Backoff{Type: BackoffExponential, Delay: base}
}

// DelayFor returns the delay after the given attempt failed (1-indexed)
func (b Backoff) DelayFor(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	switch b.Type {
	case BackoffFixed:
		return b.Delay
	case BackoffExponential:
		if b.Delay <= 0 {
			return 0
		}
		shift := attempts - 1
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		if b.Delay > MaxExponentialDelay>>uint(shift) {
			return MaxExponentialDelay
		}
		return b.Delay << uint(shift)
	default:
		return 0
	}
}

// Validate checks the policy is well formed
func (b Backoff) Validate() error {
	switch b.Type {
	case "", BackoffNone:
		return nil
	case BackoffFixed, BackoffExponential:
		if b.Delay < 0 {
			return fmt.Errorf("backoff delay must not be negative")
		}
		return nil
	default:
		return fmt.Errorf("unknown backoff type %q", b.Type)
	}
}
