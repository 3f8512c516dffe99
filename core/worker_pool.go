package core

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/BranchIntl/mailqueue/errors"
	"github.com/BranchIntl/mailqueue/job"
)

// drainGrace bounds the wait for handlers to return after their contexts
// are cancelled on a drain timeout
const drainGrace = 5 * time.Second

// WorkerPool drains one queue with a fixed number of worker slots and runs
// the lease heartbeat, delayed promotion and stalled recovery loops for it
type WorkerPool struct {
	queue   string
	config  PoolConfig
	handler Handler
	broker  Broker
	stats   Statistics
	poller  *Poller
	workers []*Worker

	pollCtx       context.Context
	pollCancel    context.CancelFunc
	handlerCtx    context.Context
	handlerCancel context.CancelFunc
	loopCtx       context.Context
	loopCancel    context.CancelFunc

	workersWg sync.WaitGroup
	loopsWg   sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*job.Job
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(
	queue string,
	config PoolConfig,
	handler Handler,
	broker Broker,
	stats Statistics,
) *WorkerPool {
	config = config.normalize()

	wp := &WorkerPool{
		queue:    queue,
		config:   config,
		handler:  handler,
		broker:   broker,
		stats:    stats,
		poller:   NewPoller(broker, queue, config.LeaseDuration, config.PollInterval),
		workers:  make([]*Worker, 0, config.Concurrency),
		inflight: make(map[string]*job.Job),
	}
	for i := 0; i < config.Concurrency; i++ {
		wp.workers = append(wp.workers, NewWorker(strconv.Itoa(i), wp))
	}
	return wp
}

// Start launches the poller, the workers and the maintenance loops.
// Handlers run under a context detached from ctx so that cancelling ctx
// stops intake without interrupting jobs in flight.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.pollCtx, wp.pollCancel = context.WithCancel(ctx)
	wp.handlerCtx, wp.handlerCancel = context.WithCancel(context.WithoutCancel(ctx))
	wp.loopCtx, wp.loopCancel = context.WithCancel(context.WithoutCancel(ctx))

	slog.Info("Starting worker pool", "queue", wp.queue, "concurrency", wp.config.Concurrency)

	ready := make(chan struct{})
	jobs := make(chan *job.Job)

	wp.workersWg.Add(1)
	go func() {
		defer wp.workersWg.Done()
		wp.poller.Start(wp.pollCtx, ready, jobs)
	}()

	for _, worker := range wp.workers {
		wp.workersWg.Add(1)
		go func(w *Worker) {
			defer wp.workersWg.Done()
			w.Work(wp.pollCtx, ready, jobs)
		}(worker)
	}

	// recover leases abandoned by a previous process right away
	wp.checkStalled(wp.loopCtx)

	wp.loopsWg.Add(3)
	go wp.every(wp.config.HeartbeatInterval, wp.heartbeat)
	go wp.every(wp.config.PollInterval, wp.promote)
	go wp.every(wp.config.StalledCheckInterval, wp.checkStalled)
}

// StopIntake stops leasing new jobs without waiting for jobs in flight
func (wp *WorkerPool) StopIntake() {
	if wp.pollCancel != nil {
		wp.pollCancel()
	}
}

// Drain stops leasing and waits for in-flight jobs. If ctx ends first the
// handler contexts are cancelled, the workers get drainGrace to record
// their outcomes and ErrShutdownTimeout is returned. Leases still held
// after that are recovered later by the stalled check.
func (wp *WorkerPool) Drain(ctx context.Context) error {
	if wp.pollCancel == nil {
		return nil
	}

	slog.Info("Draining worker pool", "queue", wp.queue, "in_flight", wp.ActiveJobs())
	wp.pollCancel()

	done := make(chan struct{})
	go func() {
		wp.workersWg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		slog.Info("Worker pool stopped", "queue", wp.queue)
	case <-ctx.Done():
		slog.Warn("Worker pool drain timeout exceeded", "queue", wp.queue, "in_flight", wp.ActiveJobs())
		wp.handlerCancel()
		err = errors.ErrShutdownTimeout

		// outcomes of cancelled handlers are written before the broker closes
		grace := time.NewTimer(drainGrace)
		select {
		case <-done:
		case <-grace.C:
			slog.Error("Workers did not return after cancellation", "queue", wp.queue, "in_flight", wp.ActiveJobs())
		}
		grace.Stop()
	}

	wp.loopCancel()
	wp.loopsWg.Wait()
	wp.handlerCancel()
	return err
}

// ActiveJobs returns the number of jobs currently held by this pool
func (wp *WorkerPool) ActiveJobs() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.inflight)
}

// GetWorkerStats returns statistics for all workers
func (wp *WorkerPool) GetWorkerStats() []WorkerStats {
	stats := make([]WorkerStats, 0, len(wp.workers))
	for _, worker := range wp.workers {
		stats = append(stats, worker.GetStats())
	}
	return stats
}

// Queue returns the queue name this pool drains
func (wp *WorkerPool) Queue() string {
	return wp.queue
}

func (wp *WorkerPool) track(j *job.Job) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.inflight[j.ID] = j
}

func (wp *WorkerPool) untrack(id string) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	delete(wp.inflight, id)
}

func (wp *WorkerPool) snapshot() []*job.Job {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	jobs := make([]*job.Job, 0, len(wp.inflight))
	for _, j := range wp.inflight {
		jobs = append(jobs, j)
	}
	return jobs
}

// every runs fn on a ticker until the loop context ends
func (wp *WorkerPool) every(interval time.Duration, fn func(context.Context)) {
	defer wp.loopsWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.loopCtx.Done():
			return
		case <-ticker.C:
			fn(wp.loopCtx)
		}
	}
}

// heartbeat extends the lease of every in-flight job
func (wp *WorkerPool) heartbeat(ctx context.Context) {
	for _, j := range wp.snapshot() {
		err := wp.broker.Heartbeat(ctx, j, wp.config.LeaseDuration)
		switch {
		case err == nil:
		case errors.Is(err, errors.ErrLeaseLost):
			slog.Warn("Lease lost while job in flight", "queue", wp.queue, "id", j.ID)
		default:
			slog.Error("Failed to extend lease", "queue", wp.queue, "id", j.ID, "error", err)
		}
	}
}

// promote makes due retries visible again
func (wp *WorkerPool) promote(ctx context.Context) {
	if wp.pollCtx.Err() != nil {
		return
	}

	n, err := wp.broker.PromoteDelayed(ctx, wp.queue, wp.config.BatchSize)
	if err != nil {
		slog.Error("Failed to promote delayed jobs", "queue", wp.queue, "error", err)
		return
	}
	if n > 0 {
		slog.Debug("Promoted delayed jobs", "queue", wp.queue, "count", n)
	}
}

// checkStalled reclaims jobs whose lease expired without an outcome
func (wp *WorkerPool) checkStalled(ctx context.Context) {
	res, err := wp.broker.ReclaimStalled(ctx, wp.queue, wp.config.MaxStalledRetries, wp.config.BatchSize)
	if err != nil {
		slog.Error("Failed to check stalled jobs", "queue", wp.queue, "error", err)
		return
	}

	for _, id := range res.Reclaimed {
		slog.Warn("Stalled job returned to queue", "queue", wp.queue, "id", id)
		if err := wp.stats.RecordJobStalled(ctx, wp.queue, id, false); err != nil {
			slog.Error("Failed to record stalled job", "error", err)
		}
	}
	for _, id := range res.Failed {
		slog.Error("Stalled job failed", "queue", wp.queue, "id", id, "error", errors.ErrStalled)
		if err := wp.stats.RecordJobStalled(ctx, wp.queue, id, true); err != nil {
			slog.Error("Failed to record stalled job", "error", err)
		}
	}
}
