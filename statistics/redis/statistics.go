// Package redis keeps job counters and a capped failure log in Redis.
//
// Keys, all under the namespace:
//
//	stat:<event>          global counter
//	stat:<event>:<queue>  per-queue counter
//	failed                list of Failure records, newest last
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/BranchIntl/mailqueue/errors"
	redisUtils "github.com/BranchIntl/mailqueue/internal/redis"
	"github.com/BranchIntl/mailqueue/job"
	"github.com/gomodule/redigo/redis"
)

// Counter events
const (
	EventStarted   = "started"
	EventProcessed = "processed"
	EventFailed    = "failed"
	EventRetried   = "retried"
	EventStalled   = "stalled"
)

// Failure is one entry of the failure log
type Failure struct {
	ID       string    `json:"id"`
	Queue    string    `json:"queue"`
	Kind     string    `json:"kind"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// RedisStatistics implements core.Statistics on Redis counters
type RedisStatistics struct {
	mu        sync.RWMutex
	pool      *redis.Pool
	namespace string
	options   Options
}

// NewStatistics creates a new Redis statistics backend
func NewStatistics(options Options) *RedisStatistics {
	return &RedisStatistics{
		namespace: options.Namespace,
		options:   options,
	}
}

// Connect establishes connection to Redis
func (r *RedisStatistics) Connect(ctx context.Context) error {
	pool := redisUtils.NewPool(r.options.Connection)
	if err := redisUtils.Ping(pool); err != nil {
		pool.Close()
		return errors.NewConnectionError(r.options.Connection.URI,
			fmt.Errorf("ping failed: %w", err))
	}

	r.mu.Lock()
	old := r.pool
	r.pool = pool
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Close closes the Redis connection pool
func (r *RedisStatistics) Close() error {
	r.mu.Lock()
	pool := r.pool
	r.pool = nil
	r.mu.Unlock()

	if pool == nil {
		return nil
	}
	return pool.Close()
}

// Health checks the Redis connection health
func (r *RedisStatistics) Health() error {
	pool := r.getPool()
	if pool == nil {
		return errors.ErrNotConnected
	}

	if err := redisUtils.Ping(pool); err != nil {
		return errors.NewConnectionError(r.options.Connection.URI,
			fmt.Errorf("health check failed: %w", err))
	}
	return nil
}

// Type returns the statistics backend type
func (r *RedisStatistics) Type() string {
	return "redis"
}

// RecordJobStarted records that a job has started
func (r *RedisStatistics) RecordJobStarted(ctx context.Context, j *job.Job) error {
	return r.incr(ctx, EventStarted, j.Queue)
}

// RecordJobCompleted records successful job completion
func (r *RedisStatistics) RecordJobCompleted(ctx context.Context, j *job.Job, result json.RawMessage, duration time.Duration) error {
	return r.incr(ctx, EventProcessed, j.Queue)
}

// RecordJobFailed records a terminal failure and appends it to the failure log
func (r *RedisStatistics) RecordJobFailed(ctx context.Context, j *job.Job, err error, duration time.Duration) error {
	entry := Failure{
		ID:       j.ID,
		Queue:    j.Queue,
		Kind:     j.Kind,
		Attempts: j.Attempts,
		FailedAt: time.Now().UTC(),
	}
	if err != nil {
		entry.Error = err.Error()
	}

	data, mErr := json.Marshal(entry)
	if mErr != nil {
		return fmt.Errorf("failed to marshal failure: %w", mErr)
	}

	conn, cErr := r.conn(ctx)
	if cErr != nil {
		return cErr
	}
	defer conn.Close()

	conn.Send("MULTI")
	conn.Send("INCR", r.statKey(EventFailed, ""))
	conn.Send("INCR", r.statKey(EventFailed, j.Queue))
	conn.Send("RPUSH", r.failedKey(), data)
	if r.options.MaxFailures > 0 {
		conn.Send("LTRIM", r.failedKey(), -r.options.MaxFailures, -1)
	}
	if _, err := conn.Do("EXEC"); err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// RecordJobRetried records a retry
func (r *RedisStatistics) RecordJobRetried(ctx context.Context, j *job.Job, err error, delay time.Duration) error {
	return r.incr(ctx, EventRetried, j.Queue)
}

// RecordJobStalled records a stalled lease; failed stalls also count as failures
func (r *RedisStatistics) RecordJobStalled(ctx context.Context, queue, jobID string, failed bool) error {
	conn, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.Send("MULTI")
	conn.Send("INCR", r.statKey(EventStalled, ""))
	conn.Send("INCR", r.statKey(EventStalled, queue))
	if failed {
		entry, _ := json.Marshal(Failure{
			ID:       jobID,
			Queue:    queue,
			Error:    errors.ErrStalled.Error(),
			FailedAt: time.Now().UTC(),
		})
		conn.Send("INCR", r.statKey(EventFailed, ""))
		conn.Send("INCR", r.statKey(EventFailed, queue))
		conn.Send("RPUSH", r.failedKey(), entry)
		if r.options.MaxFailures > 0 {
			conn.Send("LTRIM", r.failedKey(), -r.options.MaxFailures, -1)
		}
	}
	if _, err := conn.Do("EXEC"); err != nil {
		return fmt.Errorf("failed to record stall: %w", err)
	}
	return nil
}

// Count returns a counter; an empty queue reads the global counter
func (r *RedisStatistics) Count(ctx context.Context, event, queue string) (int64, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	n, err := redis.Int64(conn.Do("GET", r.statKey(event, queue)))
	if err == redis.ErrNil {
		return 0, nil
	}
	return n, err
}

// Failures returns up to limit of the most recent failures, oldest first
func (r *RedisStatistics) Failures(ctx context.Context, limit int) ([]Failure, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	raw, err := redis.ByteSlices(conn.Do("LRANGE", r.failedKey(), -limit, -1))
	if err != nil {
		return nil, fmt.Errorf("failed to read failures: %w", err)
	}

	failures := make([]Failure, 0, len(raw))
	for _, data := range raw {
		var f Failure
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to decode failure: %w", err)
		}
		failures = append(failures, f)
	}
	return failures, nil
}

func (r *RedisStatistics) incr(ctx context.Context, event, queue string) error {
	conn, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.Send("MULTI")
	conn.Send("INCR", r.statKey(event, ""))
	conn.Send("INCR", r.statKey(event, queue))
	if _, err := conn.Do("EXEC"); err != nil {
		return fmt.Errorf("failed to increment %s: %w", event, err)
	}
	return nil
}

func (r *RedisStatistics) getPool() *redis.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pool
}

func (r *RedisStatistics) conn(ctx context.Context) (redis.Conn, error) {
	pool := r.getPool()
	if pool == nil {
		return nil, errors.ErrNotConnected
	}
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return nil, errors.NewConnectionError(r.options.Connection.URI, err)
	}
	return conn, nil
}

func (r *RedisStatistics) statKey(event, queue string) string {
	if queue == "" {
		return r.namespace + "stat:" + event
	}
	return r.namespace + "stat:" + event + ":" + queue
}

func (r *RedisStatistics) failedKey() string {
	return r.namespace + "failed"
}
