package noop

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BranchIntl/mailqueue/job"
)

// NoOpStatistics implements the Statistics interface with no-op operations
type NoOpStatistics struct{}

// NewStatistics creates a new no-op statistics backend
func NewStatistics() *NoOpStatistics {
	return &NoOpStatistics{}
}

// Connect establishes connection (no-op)
func (n *NoOpStatistics) Connect(ctx context.Context) error {
	return nil
}

// Close closes the connection (no-op)
func (n *NoOpStatistics) Close() error {
	return nil
}

// Health checks connection health
func (n *NoOpStatistics) Health() error {
	return nil
}

// Type returns the statistics backend type
func (n *NoOpStatistics) Type() string {
	return "noop"
}

func (n *NoOpStatistics) RecordJobStarted(ctx context.Context, j *job.Job) error {
	return nil
}

func (n *NoOpStatistics) RecordJobCompleted(ctx context.Context, j *job.Job, result json.RawMessage, duration time.Duration) error {
	return nil
}

func (n *NoOpStatistics) RecordJobFailed(ctx context.Context, j *job.Job, err error, duration time.Duration) error {
	return nil
}

func (n *NoOpStatistics) RecordJobRetried(ctx context.Context, j *job.Job, err error, delay time.Duration) error {
	return nil
}

func (n *NoOpStatistics) RecordJobStalled(ctx context.Context, queue, jobID string, failed bool) error {
	return nil
}
