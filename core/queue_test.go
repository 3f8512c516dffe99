package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BranchIntl/mailqueue/errors"
	"github.com/BranchIntl/mailqueue/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_Enqueue(t *testing.T) {
	setup := NewTestSetup(t)
	ctx := context.Background()

	q := NewQueue("email", setup.Broker, job.Options{MaxAttempts: 3, Backoff: job.FixedBackoff(time.Second)})
	q.now = setup.Clock.Now

	id, err := q.Enqueue(ctx, "welcome", map[string]string{"to": "a@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	j, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "email", j.Queue)
	assert.Equal(t, "welcome", j.Kind)
	assert.Equal(t, job.StateWaiting, j.State)
	assert.Equal(t, 0, j.Attempts)
	assert.Equal(t, 3, j.MaxAttempts)
	assert.Equal(t, job.FixedBackoff(time.Second), j.Backoff)
	assert.Equal(t, setup.Clock.Now(), j.CreatedAt)
	assert.JSONEq(t, `{"to":"a@example.com"}`, string(j.Payload))

	// per-job options override queue defaults
	id, err = q.Enqueue(ctx, "welcome", json.RawMessage(`{"to":"b@example.com"}`), job.WithAttempts(1), job.WithBackoff(job.NoBackoff()))
	require.NoError(t, err)
	j, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, j.MaxAttempts)
	assert.Equal(t, job.BackoffNone, j.Backoff.Type)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Waiting)
}

func TestQueue_EnqueueValidation(t *testing.T) {
	setup := NewTestSetup(t)
	ctx := context.Background()
	q := NewQueue("email", setup.Broker, job.DefaultOptions())

	tests := []struct {
		name    string
		kind    string
		payload interface{}
		options []job.Option
	}{
		{"empty kind", "", map[string]string{}, nil},
		{"zero attempts", "welcome", map[string]string{}, []job.Option{job.WithAttempts(0)}},
		{"negative delay", "welcome", map[string]string{}, []job.Option{job.WithFixedBackoff(-time.Second)}},
		{"invalid raw json", "welcome", json.RawMessage(`{"to":`), nil},
		{"unencodable payload", "welcome", make(chan int), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.kind, tt.payload, tt.options...)
			assert.ErrorIs(t, err, errors.ErrValidation)
		})
	}

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.Counts{}, counts)
}

func TestQueue_EnqueueBrokerUnavailable(t *testing.T) {
	setup := NewTestSetup(t)
	require.NoError(t, setup.Broker.Close())

	q := NewQueue("email", setup.Broker, job.DefaultOptions())
	_, err := q.Enqueue(context.Background(), "welcome", map[string]string{})
	assert.ErrorIs(t, err, errors.ErrBrokerUnavailable)
}

func TestQueue_CleanAndTrim(t *testing.T) {
	setup := NewTestSetup(t)
	ctx := context.Background()
	q := NewQueue("email", setup.Broker, job.DefaultOptions())
	q.now = setup.Clock.Now

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, setup.Enqueue(t, "email"))
	}
	// three finish a minute apart, one stays waiting
	for i := 0; i < 3; i++ {
		leased, err := setup.Broker.Lease(ctx, "email", time.Hour)
		require.NoError(t, err)
		require.NoError(t, setup.Broker.Complete(ctx, leased, nil))
		setup.Clock.Advance(time.Minute)
	}

	_, err := q.Clean(ctx, 0, 10, job.StateWaiting)
	assert.ErrorIs(t, err, errors.ErrValidation)
	_, err = q.Trim(ctx, 0, 10, job.StateActive)
	assert.ErrorIs(t, err, errors.ErrValidation)

	n, err := q.Clean(ctx, 0, 0, job.StateCompleted)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "zero limit removes nothing")

	n, err = q.Clean(ctx, 2*time.Minute, 10, job.StateCompleted)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = q.Get(ctx, ids[0])
	assert.ErrorIs(t, err, errors.ErrJobNotFound)

	n, err = q.Trim(ctx, -1, 10, job.StateCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err := q.Get(ctx, ids[3])
	require.NoError(t, err)
	assert.Equal(t, job.StateWaiting, j.State)
}
