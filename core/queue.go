package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BranchIntl/mailqueue/errors"
	"github.com/BranchIntl/mailqueue/job"
	"github.com/google/uuid"
)

// Queue is a stateless handle over one named channel of the broker.
// It is safe for concurrent use by producers and the worker pool.
type Queue struct {
	name     string
	broker   Broker
	defaults job.Options
	now      func() time.Time
}

// NewQueue creates a queue handle
func NewQueue(name string, broker Broker, defaults job.Options) *Queue {
	return &Queue{
		name:     name,
		broker:   broker,
		defaults: defaults,
		now:      time.Now,
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Enqueue validates and writes a new waiting job, returning its ID.
// The payload must encode to a JSON object or value; kind tags the job for
// logging and metrics.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload interface{}, options ...job.Option) (string, error) {
	if kind == "" {
		return "", errors.NewValidationError("kind", "must not be empty")
	}

	opts := q.defaults.Apply(options...)
	if err := opts.Validate(); err != nil {
		return "", err
	}

	data, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	j := &job.Job{
		ID:          uuid.NewString(),
		Queue:       q.name,
		Kind:        kind,
		Payload:     data,
		State:       job.StateWaiting,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		CreatedAt:   q.now(),
	}

	if err := q.broker.Enqueue(ctx, j); err != nil {
		return "", err
	}

	return j.ID, nil
}

// Clean removes up to limit terminal jobs in state that finished more than
// olderThan ago, oldest first
func (q *Queue) Clean(ctx context.Context, olderThan time.Duration, limit int, state job.State) (int, error) {
	if !state.IsTerminal() {
		return 0, errors.NewValidationError("state", fmt.Sprintf("cannot clean %s jobs", state))
	}
	if limit <= 0 {
		return 0, nil
	}
	return q.broker.Clean(ctx, q.name, state, olderThan, limit)
}

// Trim removes the oldest terminal jobs in state beyond the newest keep, at most limit per call
func (q *Queue) Trim(ctx context.Context, keep, limit int, state job.State) (int, error) {
	if !state.IsTerminal() {
		return 0, errors.NewValidationError("state", fmt.Sprintf("cannot trim %s jobs", state))
	}
	if keep < 0 {
		keep = 0
	}
	if limit <= 0 {
		return 0, nil
	}
	return q.broker.Trim(ctx, q.name, state, keep, limit)
}

// Get returns the current record of a job
func (q *Queue) Get(ctx context.Context, id string) (*job.Job, error) {
	return q.broker.GetJob(ctx, q.name, id)
}

// Counts returns the number of jobs per state
func (q *Queue) Counts(ctx context.Context) (job.Counts, error) {
	return q.broker.Counts(ctx, q.name)
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.NewValidationError("payload", "invalid JSON")
		}
		return raw, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.NewValidationError("payload", err.Error())
	}
	return data, nil
}
