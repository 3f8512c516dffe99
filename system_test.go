package mailqueue

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BranchIntl/mailqueue/brokers/memory"
	"github.com/BranchIntl/mailqueue/core"
	"github.com/BranchIntl/mailqueue/errors"
	"github.com/BranchIntl/mailqueue/job"
	mailer "github.com/BranchIntl/mailqueue/mail"
	"github.com/BranchIntl/mailqueue/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSender captures messages and answers with send
type recordingSender struct {
	mu   sync.Mutex
	sent []mailer.Message
	send func(ctx context.Context, msg mailer.Message) (string, error)
}

func (r *recordingSender) SendMail(ctx context.Context, msg mailer.Message) (string, error) {
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	send := r.send
	r.mu.Unlock()
	if send != nil {
		return send(ctx, msg)
	}
	return "<msg@test>", nil
}

func (r *recordingSender) Sent() []mailer.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mailer.Message(nil), r.sent...)
}

// recordingDeliverer captures notifications
type recordingDeliverer struct {
	mu        sync.Mutex
	delivered []notify.Notification
	err       error
}

func (r *recordingDeliverer) Deliver(ctx context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, n)
	return r.err
}

func (r *recordingDeliverer) Delivered() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.delivered...)
}

type testSystem struct {
	*QueueSystem
	broker    *memory.MemoryBroker
	sender    *recordingSender
	deliverer *recordingDeliverer
}

func newTestSystem(t *testing.T) *testSystem {
	t.Helper()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	fast := []core.PoolOption{
		core.WithConcurrency(2),
		core.WithPollInterval(5 * time.Millisecond),
	}
	config := DefaultConfig()
	config.From = "App <noreply@example.com>"
	config.Email = core.NewQueueConfig(EmailQueue, fast...)
	config.Notifications = core.NewQueueConfig(NotificationQueue, fast...)
	config.ShutdownTimeout = 5 * time.Second

	ts := &testSystem{
		broker:    memory.NewBroker(memory.DefaultOptions()),
		sender:    &recordingSender{},
		deliverer: &recordingDeliverer{},
	}
	ts.QueueSystem = New(config, ts.broker, nil, ts.sender, ts.deliverer)
	return ts
}

func (ts *testSystem) start(t *testing.T) {
	t.Helper()
	require.NoError(t, ts.Start(context.Background()))
	t.Cleanup(func() { ts.Stop() })
}

func (ts *testSystem) stateOf(queue, id string) job.State {
	for _, j := range ts.broker.Jobs(queue) {
		if j.ID == id {
			return j.State
		}
	}
	return ""
}

func (ts *testSystem) job(t *testing.T, queue, id string) *job.Job {
	t.Helper()
	for _, j := range ts.broker.Jobs(queue) {
		if j.ID == id {
			return j
		}
	}
	t.Fatalf("job %s not found in %s", id, queue)
	return nil
}

func TestEnqueueEmail_Validation(t *testing.T) {
	ts := newTestSystem(t)
	ts.start(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		kind  string
		to    string
		data  EmailData
		opts  []job.Option
		field string
	}{
		{"bad address", "welcome", "not-an-address", EmailData{Subject: "S"}, nil, "to"},
		{"empty address", "welcome", "", EmailData{Subject: "S"}, nil, "to"},
		{"empty subject", "welcome", "a@b.com", EmailData{Subject: " "}, nil, "subject"},
		{"empty kind", "", "a@b.com", EmailData{Subject: "S"}, nil, "kind"},
		{"zero attempts", "welcome", "a@b.com", EmailData{Subject: "S"}, []job.Option{job.WithAttempts(0)}, "max_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ts.EnqueueEmail(ctx, tt.kind, tt.to, tt.data, tt.opts...)
			var vErr *errors.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}

	assert.Empty(t, ts.broker.Jobs(EmailQueue))
}

func TestEnqueueNotification_Validation(t *testing.T) {
	ts := newTestSystem(t)
	ts.start(t)

	_, err := ts.EnqueueNotification(context.Background(), "", "hello", "info")
	assert.ErrorIs(t, err, errors.ErrValidation)
	assert.Empty(t, ts.broker.Jobs(NotificationQueue))
}

func TestEnqueue_BrokerUnavailable(t *testing.T) {
	ts := newTestSystem(t)

	_, err := ts.EnqueueEmail(context.Background(), "welcome", "a@b.com", EmailData{Subject: "S"})
	assert.ErrorIs(t, err, errors.ErrBrokerUnavailable)
}

// Scenario A: one attempt, one send, completed
func TestNew_NilTransportsOnlyLog(t *testing.T) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	config := DefaultConfig()
	config.Email = core.NewQueueConfig(EmailQueue, core.WithPollInterval(5*time.Millisecond))
	config.Notifications = core.NewQueueConfig(NotificationQueue, core.WithPollInterval(5*time.Millisecond))
	config.ShutdownTimeout = 5 * time.Second

	broker := memory.NewBroker(memory.DefaultOptions())
	system := New(config, broker, nil, nil, nil)
	ctx := context.Background()
	require.NoError(t, system.Start(ctx))
	defer system.Stop()

	emailID, err := system.EnqueueEmail(ctx, "welcome", "a@b.com", EmailData{Subject: "S", HTML: "<p>H</p>"}, job.WithAttempts(1))
	require.NoError(t, err)
	noteID, err := system.EnqueueNotification(ctx, "u1", "hello", "info", job.WithAttempts(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		e, err := system.Job(ctx, EmailQueue, emailID)
		if err != nil || e.State != job.StateCompleted {
			return false
		}
		n, err := system.Job(ctx, NotificationQueue, noteID)
		return err == nil && n.State == job.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	e, err := system.Job(ctx, EmailQueue, emailID)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Attempts)
	assert.Contains(t, string(e.Result), "@localhost")
}

func TestQueueSystem_EmailDelivered(t *testing.T) {
	ts := newTestSystem(t)
	ts.start(t)

	id, err := ts.EnqueueEmail(context.Background(), "appointment_confirmation", "a@b.com",
		EmailData{Subject: "S", HTML: "<p>H</p>"}, job.WithAttempts(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ts.stateOf(EmailQueue, id) == job.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	sent := ts.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, mailer.Message{
		From:    "App <noreply@example.com>",
		To:      "a@b.com",
		Subject: "S",
		HTML:    "<p>H</p>",
	}, sent[0])

	j := ts.job(t, EmailQueue, id)
	assert.Equal(t, 1, j.Attempts)
	assert.Equal(t, "appointment_confirmation", j.Kind)
	assert.JSONEq(t, `{"message_id":"<msg@test>"}`, string(j.Result))
}

// Scenario B: three retryable failures, then failed with no fourth attempt
func TestQueueSystem_EmailRetriedThenFailed(t *testing.T) {
	ts := newTestSystem(t)
	ts.sender.send = func(ctx context.Context, msg mailer.Message) (string, error) {
		return "", stderrors.New("relay unavailable")
	}
	ts.start(t)

	id, err := ts.EnqueueEmail(context.Background(), "reminder", "a@b.com",
		EmailData{Subject: "S", HTML: "<p>H</p>"}, job.WithAttempts(3), job.WithBackoff(job.NoBackoff()))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ts.stateOf(EmailQueue, id) == job.StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	// give the pool a chance to make an attempt it must not make
	time.Sleep(50 * time.Millisecond)

	j := ts.job(t, EmailQueue, id)
	assert.Equal(t, 3, j.Attempts)
	assert.Contains(t, j.LastError, "relay unavailable")
	assert.Len(t, ts.sender.Sent(), 3)
}

func TestQueueSystem_PermanentMailError(t *testing.T) {
	ts := newTestSystem(t)
	ts.sender.send = func(ctx context.Context, msg mailer.Message) (string, error) {
		return "", errors.NewValidationError("to", "mailbox does not exist")
	}
	ts.start(t)

	id, err := ts.EnqueueEmail(context.Background(), "reminder", "a@b.com",
		EmailData{Subject: "S"}, job.WithAttempts(3), job.WithBackoff(job.NoBackoff()))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ts.stateOf(EmailQueue, id) == job.StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	j := ts.job(t, EmailQueue, id)
	assert.Equal(t, 1, j.Attempts)
	assert.Len(t, ts.sender.Sent(), 1)
}

func TestEnqueueEmail_NamedRecipient(t *testing.T) {
	ts := newTestSystem(t)
	ts.start(t)

	id, err := ts.EnqueueEmail(context.Background(), "welcome", "Ada Lovelace <ada@example.com>", EmailData{Subject: "S"})
	require.NoError(t, err)

	var p EmailPayload
	require.NoError(t, ts.job(t, EmailQueue, id).Decode(&p))
	assert.Equal(t, `"Ada Lovelace" <ada@example.com>`, p.To)
}

// Scenario C: shutdown waits for the in-flight job and leases nothing new
func TestQueueSystem_StopDrainsInFlightEmail(t *testing.T) {
	ts := newTestSystem(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ts.sender.send = func(ctx context.Context, msg mailer.Message) (string, error) {
		once.Do(func() { close(started) })
		<-release
		return "<msg@test>", nil
	}
	require.NoError(t, ts.Start(context.Background()))
	ctx := context.Background()

	inFlight, err := ts.EnqueueEmail(ctx, "welcome", "a@b.com", EmailData{Subject: "S"})
	require.NoError(t, err)
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- ts.Stop() }()

	require.Eventually(t, func() bool {
		return ts.State() == core.StateDraining
	}, time.Second, time.Millisecond)

	late, err := ts.EnqueueEmail(ctx, "welcome", "c@d.com", EmailData{Subject: "S"})
	require.NoError(t, err)

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)

	assert.Equal(t, core.StateStopped, ts.State())
	assert.Equal(t, job.StateCompleted, ts.stateOf(EmailQueue, inFlight))
	assert.Equal(t, job.StateWaiting, ts.stateOf(EmailQueue, late))
	assert.Len(t, ts.sender.Sent(), 1)
	assert.ErrorIs(t, ts.broker.Health(), errors.ErrNotConnected)
}

func TestQueueSystem_NotificationDelivered(t *testing.T) {
	ts := newTestSystem(t)
	ts.start(t)

	id, err := ts.EnqueueNotification(context.Background(), "u1", "Your appointment is confirmed", "appointment")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ts.stateOf(NotificationQueue, id) == job.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []notify.Notification{
		{UserID: "u1", Message: "Your appointment is confirmed", Type: "appointment"},
	}, ts.deliverer.Delivered())
}

func TestQueueSystem_NotificationValidationFailureIsPermanent(t *testing.T) {
	ts := newTestSystem(t)
	ts.deliverer.err = errors.NewValidationError("user_id", "unknown user")
	ts.start(t)

	id, err := ts.EnqueueNotification(context.Background(), "ghost", "hello", "info", job.WithAttempts(5))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ts.stateOf(NotificationQueue, id) == job.StateFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, ts.deliverer.Delivered(), 1)
}

func TestQueueSystem_HealthAndCounts(t *testing.T) {
	ts := newTestSystem(t)
	ctx := context.Background()

	assert.False(t, ts.Health(ctx).Healthy)
	ts.start(t)

	id, err := ts.EnqueueNotification(ctx, "u1", "hi", "info")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return ts.stateOf(NotificationQueue, id) == job.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	health := ts.Health(ctx)
	assert.True(t, health.Healthy)
	assert.Equal(t, core.StateRunning, health.State)

	counts, err := ts.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[NotificationQueue].Completed)
	assert.Contains(t, counts, EmailQueue)

	j, err := ts.Job(ctx, NotificationQueue, id)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, j.State)

	_, err = ts.Job(ctx, "sms", id)
	assert.ErrorIs(t, err, errors.ErrValidation)
}
