package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/BranchIntl/mailqueue/errors"
	"github.com/BranchIntl/mailqueue/job"
)

// Worker is one concurrency slot of a pool. It asks the poller for a job
// only when idle, so a pool never holds more leases than it has workers.
type Worker struct {
	id       string
	hostname string
	pid      int
	pool     *WorkerPool

	// Statistics
	processed int64
	failed    int64
	busy      int32
	lastJob   int64
	startTime time.Time
}

// NewWorker creates a worker slot for a pool
func NewWorker(id string, pool *WorkerPool) *Worker {
	hostname, _ := os.Hostname()

	return &Worker{
		id:        id,
		hostname:  hostname,
		pid:       os.Getpid(),
		pool:      pool,
		startTime: time.Now(),
	}
}

// GetID returns the worker's unique ID
func (w *Worker) GetID() string {
	return fmt.Sprintf("%s:%d-%s-%s", w.hostname, w.pid, w.pool.queue, w.id)
}

// Work signals readiness, processes whatever the poller hands over and
// returns once the job channel is closed or ctx is done while idle
func (w *Worker) Work(ctx context.Context, ready chan<- struct{}, jobs <-chan *job.Job) {
	slog.Debug("Worker started", "id", w.GetID())

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Worker stopping", "id", w.GetID())
			return
		case ready <- struct{}{}:
		}

		// the poller answers every accepted ready signal with a job or a close
		j, ok := <-jobs
		if !ok {
			slog.Debug("Worker job channel closed", "id", w.GetID())
			return
		}

		w.processJob(j)
	}
}

// processJob runs the handler and settles the outcome with the broker.
// It uses the pool's handler context, which outlives a shutdown request.
func (w *Worker) processJob(j *job.Job) {
	atomic.StoreInt32(&w.busy, 1)
	defer atomic.StoreInt32(&w.busy, 0)
	atomic.StoreInt64(&w.lastJob, time.Now().UnixNano())

	pool := w.pool
	ctx := pool.handlerCtx
	startTime := time.Now()

	pool.track(j)
	defer pool.untrack(j.ID)

	if err := pool.stats.RecordJobStarted(ctx, j); err != nil {
		slog.Error("Failed to record job start", "error", err)
	}

	slog.Debug("Job started", "queue", j.Queue, "id", j.ID, "kind", j.Kind, "attempt", j.Attempts)

	result := w.executeJob(ctx, j)
	duration := time.Since(startTime)

	// the outcome is stored even when a drain timeout cancelled the handler
	settleCtx := context.WithoutCancel(ctx)
	if result.OK() {
		w.handleJobSuccess(settleCtx, j, result, duration)
		return
	}
	w.handleJobError(settleCtx, j, result, duration)
}

// executeJob runs the handler with a timeout and panic recovery
func (w *Worker) executeJob(ctx context.Context, j *job.Job) (result job.Result) {
	ctx, cancel := context.WithTimeout(ctx, w.pool.config.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Job panicked", "queue", j.Queue, "id", j.ID, "panic", r, "stack", string(debug.Stack()))
			result = job.Retry(fmt.Errorf("panic: %v", r))
		}
	}()

	return w.pool.handler(ctx, j)
}

// handleJobSuccess stores the result and records completion
func (w *Worker) handleJobSuccess(ctx context.Context, j *job.Job, result job.Result, duration time.Duration) {
	data, err := result.Encode()
	if err != nil {
		slog.Warn("Dropping unencodable job result", "queue", j.Queue, "id", j.ID, "error", err)
		data = nil
	}

	if err := w.pool.broker.Complete(ctx, j, data); err != nil {
		w.logOutcomeError("complete", j, err)
		return
	}

	atomic.AddInt64(&w.processed, 1)

	if err := w.pool.stats.RecordJobCompleted(ctx, j, data, duration); err != nil {
		slog.Error("Failed to record job completion", "error", err)
	}

	slog.Debug("Job completed", "queue", j.Queue, "id", j.ID, "kind", j.Kind, "duration", duration)
}

// handleJobError schedules a retry when the failure is retryable and
// attempts remain, and fails the job otherwise
func (w *Worker) handleJobError(ctx context.Context, j *job.Job, result job.Result, duration time.Duration) {
	jobErr := errors.NewHandlerError(j.Queue, j.Kind, result.Retryable(), result.Err())

	if result.Retryable() && j.AttemptsLeft() {
		delay := j.Backoff.DelayFor(j.Attempts)
		if err := w.pool.broker.Retry(ctx, j, delay, result.Err().Error()); err != nil {
			w.logOutcomeError("retry", j, err)
			return
		}

		if err := w.pool.stats.RecordJobRetried(ctx, j, jobErr, delay); err != nil {
			slog.Error("Failed to record job retry", "error", err)
		}

		slog.Warn("Job failed, retrying",
			"queue", j.Queue, "id", j.ID, "kind", j.Kind,
			"attempt", j.Attempts, "max_attempts", j.MaxAttempts,
			"delay", delay, "error", result.Err())
		return
	}

	if err := w.pool.broker.Fail(ctx, j, result.Err().Error()); err != nil {
		w.logOutcomeError("fail", j, err)
		return
	}

	atomic.AddInt64(&w.failed, 1)

	if err := w.pool.stats.RecordJobFailed(ctx, j, jobErr, duration); err != nil {
		slog.Error("Failed to record job failure", "error", err)
	}

	slog.Error("Job failed",
		"queue", j.Queue, "id", j.ID, "kind", j.Kind,
		"attempt", j.Attempts, "retryable", result.Retryable(), "error", result.Err())
}

func (w *Worker) logOutcomeError(op string, j *job.Job, err error) {
	if errors.Is(err, errors.ErrLeaseLost) {
		slog.Warn("Lease lost before outcome was stored", "op", op, "queue", j.Queue, "id", j.ID)
		return
	}
	slog.Error("Failed to store job outcome", "op", op, "queue", j.Queue, "id", j.ID, "error", err)
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() WorkerStats {
	var lastJob time.Time
	if ns := atomic.LoadInt64(&w.lastJob); ns > 0 {
		lastJob = time.Unix(0, ns)
	}
	return WorkerStats{
		ID:        w.GetID(),
		Queue:     w.pool.queue,
		Processed: atomic.LoadInt64(&w.processed),
		Failed:    atomic.LoadInt64(&w.failed),
		Busy:      atomic.LoadInt32(&w.busy) == 1,
		StartTime: w.startTime,
		LastJob:   lastJob,
	}
}
