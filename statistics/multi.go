package statistics

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BranchIntl/mailqueue/core"
	"github.com/BranchIntl/mailqueue/errors"
	"github.com/BranchIntl/mailqueue/job"
)

// Multi forwards every event to each backend in order
type Multi struct {
	backends []core.Statistics
}

// NewMulti returns a Multi over backends
func NewMulti(backends ...core.Statistics) *Multi {
	return &Multi{backends: backends}
}

// Connect connects every backend, closing the ones already connected on failure
func (m *Multi) Connect(ctx context.Context) error {
	for i, b := range m.backends {
		if err := b.Connect(ctx); err != nil {
			for _, done := range m.backends[:i] {
				done.Close()
			}
			return fmt.Errorf("%s: %w", b.Type(), err)
		}
	}
	return nil
}

func (m *Multi) Close() error {
	return m.each(func(b core.Statistics) error { return b.Close() })
}

func (m *Multi) Health() error {
	return m.each(func(b core.Statistics) error { return b.Health() })
}

// Type lists the backend types joined by "+"
func (m *Multi) Type() string {
	types := make([]string, len(m.backends))
	for i, b := range m.backends {
		types[i] = b.Type()
	}
	return strings.Join(types, "+")
}

func (m *Multi) RecordJobStarted(ctx context.Context, j *job.Job) error {
	return m.each(func(b core.Statistics) error { return b.RecordJobStarted(ctx, j) })
}

func (m *Multi) RecordJobCompleted(ctx context.Context, j *job.Job, result json.RawMessage, duration time.Duration) error {
	return m.each(func(b core.Statistics) error { return b.RecordJobCompleted(ctx, j, result, duration) })
}

func (m *Multi) RecordJobFailed(ctx context.Context, j *job.Job, err error, duration time.Duration) error {
	return m.each(func(b core.Statistics) error { return b.RecordJobFailed(ctx, j, err, duration) })
}

func (m *Multi) RecordJobRetried(ctx context.Context, j *job.Job, err error, delay time.Duration) error {
	return m.each(func(b core.Statistics) error { return b.RecordJobRetried(ctx, j, err, delay) })
}

func (m *Multi) RecordJobStalled(ctx context.Context, queue, jobID string, failed bool) error {
	return m.each(func(b core.Statistics) error { return b.RecordJobStalled(ctx, queue, jobID, failed) })
}

// each calls fn on every backend even after a failure
func (m *Multi) each(fn func(core.Statistics) error) error {
	var errs []error
	for _, b := range m.backends {
		if err := fn(b); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Type(), err))
		}
	}
	return errors.Join(errs...)
}
