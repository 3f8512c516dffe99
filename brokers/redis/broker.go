// Package redis implements the durable broker on Redis. Every state
// transition runs as a single Lua script so producers and any number of
// worker processes can share one Redis without extra locking.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BranchIntl/mailqueue/errors"
	redisUtils "github.com/BranchIntl/mailqueue/internal/redis"
	"github.com/BranchIntl/mailqueue/job"
	"github.com/gomodule/redigo/redis"
)

// RedisBroker implements core.Broker for Redis
type RedisBroker struct {
	mu        sync.RWMutex
	pool      *redis.Pool
	namespace string
	options   Options
	now       func() time.Time
}

// NewBroker creates a new Redis broker
func NewBroker(options Options) *RedisBroker {
	now := options.Clock
	if now == nil {
		now = time.Now
	}
	return &RedisBroker{
		namespace: options.Namespace,
		options:   options,
		now:       now,
	}
}

// Connect creates the pool and checks the server is reachable
func (r *RedisBroker) Connect(ctx context.Context) error {
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
	slog.Debug("Connected to Redis", "namespace", r.namespace)
	return nil
}

// Close closes the Redis connection pool
func (r *RedisBroker) Close() error {
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
func (r *RedisBroker) Health() error {
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

// Type returns the broker type
func (r *RedisBroker) Type() string {
	return "redis"
}

// Enqueue writes the job hash and appends its ID to the wait list
func (r *RedisBroker) Enqueue(ctx context.Context, j *job.Job) error {
	conn, err := r.conn(ctx, "enqueue", j.Queue)
	if err != nil {
		return err
	}
	defer conn.Close()

	fields := encodeJob(j)
	fields["state"] = string(job.StateWaiting)

	args := redis.Args{}.Add(r.jobKey(j.Queue, j.ID)).AddFlat(fields)
	conn.Send("MULTI")
	conn.Send("HSET", args...)
	conn.Send("RPUSH", r.waitKey(j.Queue), j.ID)
	conn.Send("SADD", r.queuesKey(), j.Queue)
	if _, err := conn.Do("EXEC"); err != nil {
		return errors.NewBrokerError("enqueue", j.Queue, err)
	}
	return nil
}

// Lease moves the oldest waiting job to active and returns it, or nil when
// the queue is empty
func (r *RedisBroker) Lease(ctx context.Context, queue string, leaseFor time.Duration) (*job.Job, error) {
	conn, err := r.conn(ctx, "lease", queue)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	now := r.now()
	reply, err := leaseScript.Do(conn,
		r.waitKey(queue), r.activeKey(queue),
		r.jobPrefix(queue), millis(now), millis(now.Add(leaseFor)))
	if err != nil {
		return nil, errors.NewBrokerError("lease", queue, err)
	}
	if reply == nil {
		return nil, nil
	}

	fields, err := redis.StringMap(reply, nil)
	if err != nil {
		return nil, errors.NewBrokerError("lease", queue, err)
	}
	j, err := decodeJob(fields)
	if err != nil {
		return nil, errors.NewBrokerError("lease", queue, err)
	}
	return j, nil
}

// Heartbeat extends the lease of an active job
func (r *RedisBroker) Heartbeat(ctx context.Context, j *job.Job, leaseFor time.Duration) error {
	return r.leaseOp(ctx, "heartbeat", j, heartbeatScript,
		r.activeKey(j.Queue), r.jobKey(j.Queue, j.ID),
		j.ID, millis(j.LeasedAt), j.StalledCount, millis(r.now().Add(leaseFor)))
}

// Complete marks an active job completed and stores its result
func (r *RedisBroker) Complete(ctx context.Context, j *job.Job, result json.RawMessage) error {
	return r.leaseOp(ctx, "complete", j, finishScript,
		r.activeKey(j.Queue), r.completedKey(j.Queue), r.jobKey(j.Queue, j.ID),
		j.ID, millis(j.LeasedAt), j.StalledCount, millis(r.now()),
		string(job.StateCompleted), "result", string(result))
}

// Retry moves an active job to the delayed set until delay elapses
func (r *RedisBroker) Retry(ctx context.Context, j *job.Job, delay time.Duration, reason string) error {
	return r.leaseOp(ctx, "retry", j, retryScript,
		r.activeKey(j.Queue), r.delayedKey(j.Queue), r.jobKey(j.Queue, j.ID),
		j.ID, millis(j.LeasedAt), j.StalledCount, millis(r.now().Add(delay)), reason)
}

// Fail marks an active job permanently failed
func (r *RedisBroker) Fail(ctx context.Context, j *job.Job, reason string) error {
	return r.leaseOp(ctx, "fail", j, finishScript,
		r.activeKey(j.Queue), r.failedKey(j.Queue), r.jobKey(j.Queue, j.ID),
		j.ID, millis(j.LeasedAt), j.StalledCount, millis(r.now()),
		string(job.StateFailed), "last_error", reason)
}

// PromoteDelayed moves due retrying jobs to the tail of the wait list
func (r *RedisBroker) PromoteDelayed(ctx context.Context, queue string, limit int) (int, error) {
	conn, err := r.conn(ctx, "promote", queue)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	n, err := redis.Int(promoteScript.Do(conn,
		r.delayedKey(queue), r.waitKey(queue),
		millis(r.now()), limit, r.jobPrefix(queue)))
	if err != nil {
		return 0, errors.NewBrokerError("promote", queue, err)
	}
	return n, nil
}

// ReclaimStalled returns jobs with expired leases to waiting, refunding the
// attempt, or fails them once they stalled more than maxStalled times
func (r *RedisBroker) ReclaimStalled(ctx context.Context, queue string, maxStalled, limit int) (job.StalledResult, error) {
	var result job.StalledResult

	conn, err := r.conn(ctx, "reclaim_stalled", queue)
	if err != nil {
		return result, err
	}
	defer conn.Close()

	entries, err := redis.Strings(reclaimScript.Do(conn,
		r.activeKey(queue), r.waitKey(queue), r.failedKey(queue),
		millis(r.now()), maxStalled, limit, r.jobPrefix(queue), errors.ErrStalled.Error()))
	if err != nil {
		return result, errors.NewBrokerError("reclaim_stalled", queue, err)
	}

	for _, entry := range entries {
		switch {
		case strings.HasPrefix(entry, "r:"):
			result.Reclaimed = append(result.Reclaimed, entry[2:])
		case strings.HasPrefix(entry, "f:"):
			result.Failed = append(result.Failed, entry[2:])
		}
	}
	return result, nil
}

// Clean deletes up to limit jobs in a terminal state that finished at or
// before now-olderThan, oldest first
func (r *RedisBroker) Clean(ctx context.Context, queue string, state job.State, olderThan time.Duration, limit int) (int, error) {
	key, err := r.terminalKey(queue, state)
	if err != nil {
		return 0, err
	}

	conn, err := r.conn(ctx, "clean", queue)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	n, err := redis.Int(cleanScript.Do(conn, key,
		millis(r.now().Add(-olderThan)), limit, r.jobPrefix(queue)))
	if err != nil {
		return 0, errors.NewBrokerError("clean", queue, err)
	}
	return n, nil
}

// Trim deletes the oldest terminal jobs beyond the newest keep, at most limit
func (r *RedisBroker) Trim(ctx context.Context, queue string, state job.State, keep, limit int) (int, error) {
	key, err := r.terminalKey(queue, state)
	if err != nil {
		return 0, err
	}

	conn, err := r.conn(ctx, "trim", queue)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	n, err := redis.Int(trimScript.Do(conn, key, keep, limit, r.jobPrefix(queue)))
	if err != nil {
		return 0, errors.NewBrokerError("trim", queue, err)
	}
	return n, nil
}

// GetJob loads a job record
func (r *RedisBroker) GetJob(ctx context.Context, queue, id string) (*job.Job, error) {
	conn, err := r.conn(ctx, "get_job", queue)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	fields, err := redis.StringMap(conn.Do("HGETALL", r.jobKey(queue, id)))
	if err != nil {
		return nil, errors.NewBrokerError("get_job", queue, err)
	}
	if len(fields) == 0 {
		return nil, errors.ErrJobNotFound
	}

	j, err := decodeJob(fields)
	if err != nil {
		return nil, errors.NewBrokerError("get_job", queue, err)
	}
	return j, nil
}

// Counts returns the number of jobs per state
func (r *RedisBroker) Counts(ctx context.Context, queue string) (job.Counts, error) {
	conn, err := r.conn(ctx, "counts", queue)
	if err != nil {
		return job.Counts{}, err
	}
	defer conn.Close()

	conn.Send("MULTI")
	conn.Send("LLEN", r.waitKey(queue))
	conn.Send("ZCARD", r.activeKey(queue))
	conn.Send("ZCARD", r.delayedKey(queue))
	conn.Send("ZCARD", r.completedKey(queue))
	conn.Send("ZCARD", r.failedKey(queue))
	values, err := redis.Int64s(conn.Do("EXEC"))
	if err != nil {
		return job.Counts{}, errors.NewBrokerError("counts", queue, err)
	}

	return job.Counts{
		Waiting:   values[0],
		Active:    values[1],
		Retrying:  values[2],
		Completed: values[3],
		Failed:    values[4],
	}, nil
}

// Queues returns every queue name that has received a job
func (r *RedisBroker) Queues(ctx context.Context) ([]string, error) {
	conn, err := r.conn(ctx, "queues", "")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	queues, err := redis.Strings(conn.Do("SMEMBERS", r.queuesKey()))
	if err != nil {
		return nil, errors.NewBrokerError("queues", "", err)
	}
	return queues, nil
}

// Helper methods

func (r *RedisBroker) getPool() *redis.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pool
}

func (r *RedisBroker) conn(ctx context.Context, op, queue string) (redis.Conn, error) {
	pool := r.getPool()
	if pool == nil {
		return nil, errors.NewBrokerError(op, queue, errors.ErrNotConnected)
	}
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return nil, errors.NewBrokerError(op, queue, err)
	}
	return conn, nil
}

func (r *RedisBroker) leaseOp(ctx context.Context, op string, j *job.Job, script *redis.Script, keysAndArgs ...interface{}) error {
	conn, err := r.conn(ctx, op, j.Queue)
	if err != nil {
		return err
	}
	defer conn.Close()

	ok, err := redis.Bool(script.Do(conn, keysAndArgs...))
	if err != nil {
		return errors.NewBrokerError(op, j.Queue, err)
	}
	if !ok {
		return errors.ErrLeaseLost
	}
	return nil
}

func (r *RedisBroker) terminalKey(queue string, state job.State) (string, error) {
	switch state {
	case job.StateCompleted:
		return r.completedKey(queue), nil
	case job.StateFailed:
		return r.failedKey(queue), nil
	default:
		return "", errors.NewValidationError("state", fmt.Sprintf("%s is not a terminal state", state))
	}
}

// Encoding

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(s string) (time.Time, error) {
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func encodeJob(j *job.Job) map[string]interface{} {
	return map[string]interface{}{
		"id":               j.ID,
		"queue":            j.Queue,
		"kind":             j.Kind,
		"payload":          string(j.Payload),
		"state":            string(j.State),
		"attempts":         j.Attempts,
		"max_attempts":     j.MaxAttempts,
		"backoff_type":     string(j.Backoff.Type),
		"backoff_delay":    j.Backoff.Delay.Milliseconds(),
		"stalled_count":    j.StalledCount,
		"created_at":       millis(j.CreatedAt),
		"leased_at":        millis(j.LeasedAt),
		"lease_expires_at": millis(j.LeaseExpiresAt),
		"run_at":           millis(j.RunAt),
		"finished_at":      millis(j.FinishedAt),
		"last_error":       j.LastError,
		"result":           string(j.Result),
	}
}

func decodeJob(fields map[string]string) (*job.Job, error) {
	j := &job.Job{
		ID:        fields["id"],
		Queue:     fields["queue"],
		Kind:      fields["kind"],
		State:     job.State(fields["state"]),
		LastError: fields["last_error"],
		Backoff:   job.Backoff{Type: job.BackoffType(fields["backoff_type"])},
	}
	if p := fields["payload"]; p != "" {
		j.Payload = json.RawMessage(p)
	}
	if res := fields["result"]; res != "" {
		j.Result = json.RawMessage(res)
	}

	ints := []struct {
		field string
		dst   *int
	}{
		{"attempts", &j.Attempts},
		{"max_attempts", &j.MaxAttempts},
		{"stalled_count", &j.StalledCount},
	}
	for _, f := range ints {
		v, err := strconv.Atoi(fields[f.field])
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.field, err)
		}
		*f.dst = v
	}

	delay, err := strconv.ParseInt(fields["backoff_delay"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode backoff_delay: %w", err)
	}
	j.Backoff.Delay = time.Duration(delay) * time.Millisecond

	times := []struct {
		field string
		dst   *time.Time
	}{
		{"created_at", &j.CreatedAt},
		{"leased_at", &j.LeasedAt},
		{"lease_expires_at", &j.LeaseExpiresAt},
		{"run_at", &j.RunAt},
		{"finished_at", &j.FinishedAt},
	}
	for _, f := range times {
		t, err := fromMillis(fields[f.field])
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.field, err)
		}
		*f.dst = t
	}

	return j, nil
}
