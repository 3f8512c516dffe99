package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BranchIntl/mailqueue/job"
)

// Handler processes one leased job and declares its outcome
type Handler func(ctx context.Context, j *job.Job) job.Result

// Broker interface defines what core needs from the durable store.
//
// Every state transition must be atomic at the broker so that many pools
// and producers can share one connection pool without external locking.
type Broker interface {
	// Queue operations
	Enqueue(ctx context.Context, j *job.Job) error
	Lease(ctx context.Context, queue string, leaseFor time.Duration) (*job.Job, error)
	Heartbeat(ctx context.Context, j *job.Job, leaseFor time.Duration) error

	// Job lifecycle
	Complete(ctx context.Context, j *job.Job, result json.RawMessage) error
	Retry(ctx context.Context, j *job.Job, delay time.Duration, reason string) error
	Fail(ctx context.Context, j *job.Job, reason string) error

	// Scheduled visibility and recovery
	PromoteDelayed(ctx context.Context, queue string, limit int) (int, error)
	ReclaimStalled(ctx context.Context, queue string, maxStalled, limit int) (job.StalledResult, error)

	// Retention
	Clean(ctx context.Context, queue string, state job.State, olderThan time.Duration, limit int) (int, error)
	Trim(ctx context.Context, queue string, state job.State, keep, limit int) (int, error)

	// Queue introspection
	GetJob(ctx context.Context, queue, id string) (*job.Job, error)
	Counts(ctx context.Context, queue string) (job.Counts, error)

	// Connection management
	Connect(ctx context.Context) error
	Close() error
	Health() error
	Type() string
}

// Statistics interface defines what core reports job events to.
//
// Events are for observation only; an error from any of these methods is
// logged and never changes the outcome of a job.
type Statistics interface {
	RecordJobStarted(ctx context.Context, j *job.Job) error
	RecordJobCompleted(ctx context.Context, j *job.Job, result json.RawMessage, duration time.Duration) error
	RecordJobFailed(ctx context.Context, j *job.Job, err error, duration time.Duration) error
	RecordJobRetried(ctx context.Context, j *job.Job, err error, delay time.Duration) error
	RecordJobStalled(ctx context.Context, queue, jobID string, failed bool) error

	// Health and connection
	Connect(ctx context.Context) error
	Close() error
	Health() error
	Type() string
}

// Registry interface defines what core needs from a handler registry
type Registry interface {
	// Register adds the handler for a queue
	Register(queue string, handler Handler) error

	// Get retrieves the handler for a queue
	Get(queue string) (Handler, bool)
}

// WorkerStats contains statistics for a worker slot
type WorkerStats struct {
	ID        string
	Queue     string
	Processed int64
	Failed    int64
	Busy      bool
	StartTime time.Time
	LastJob   time.Time
}

// HealthStatus represents the health of the engine
type HealthStatus struct {
	Healthy      bool
	State        State
	BrokerHealth error
	StatsHealth  error
	ActiveJobs   int
	Queues       map[string]job.Counts
	LastCheck    time.Time
}
