package mailqueue

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/BranchIntl/mailqueue/core"
	"github.com/BranchIntl/mailqueue/errors"
	"github.com/BranchIntl/mailqueue/job"
	mailer "github.com/BranchIntl/mailqueue/mail"
	"github.com/BranchIntl/mailqueue/notify"
	"github.com/BranchIntl/mailqueue/registry"
	"github.com/BranchIntl/mailqueue/statistics/noop"
	"github.com/BranchIntl/mailqueue/sweeper"
)

// Queue names
const (
	EmailQueue        = "email"
	NotificationQueue = "notifications"
)

// EmailData is the rendered content of one email
type EmailData struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// EmailPayload is the job payload of the email queue
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Config holds the queue system configuration
type Config struct {
	// From is the sender address of every email
	From            string
	Email           core.QueueConfig
	Notifications   core.QueueConfig
	ShutdownTimeout time.Duration
	Sweeper         sweeper.Config
	// Clock stamps new jobs; nil means time.Now
	Clock func() time.Time
}

// DefaultConfig returns the default configuration. Email jobs get three
// attempts with exponential backoff; notifications three with a fixed delay.
func DefaultConfig() Config {
	email := core.NewQueueConfig(EmailQueue, core.WithConcurrency(5))
	email.Defaults = job.Options{MaxAttempts: 3, Backoff: job.ExponentialBackoff(5 * time.Second)}

	notifications := core.NewQueueConfig(NotificationQueue, core.WithConcurrency(10))
	notifications.Defaults = job.Options{MaxAttempts: 3, Backoff: job.FixedBackoff(time.Second)}

	return Config{
		From:            "noreply@localhost",
		Email:           email,
		Notifications:   notifications,
		ShutdownTimeout: 30 * time.Second,
		Sweeper:         sweeper.DefaultConfig(),
	}
}

// QueueSystem owns the email and notification queues and everything that
// drains them. Construct one per process and pass it by reference.
type QueueSystem struct {
	engine *core.Engine
	config Config
}

// New wires the handlers for both queues into an engine. A nil stats uses
// the no-op backend; a nil sender or deliverer only logs.
func New(config Config, broker core.Broker, stats core.Statistics, sender mailer.Sender, deliverer notify.Deliverer) *QueueSystem {
	if stats == nil {
		stats = noop.NewStatistics()
	}
	if sender == nil {
		sender = mailer.NewLogSender(nil)
	}
	if deliverer == nil {
		deliverer = notify.NewLogDeliverer(nil)
	}

	reg := registry.NewRegistry()
	// names are constants, registration cannot fail
	_ = reg.Register(EmailQueue, EmailHandler(sender, config.From))
	_ = reg.Register(NotificationQueue, NotificationHandler(deliverer))

	config.Email.Name = EmailQueue
	config.Notifications.Name = NotificationQueue

	options := []core.EngineOption{
		core.WithQueue(config.Email),
		core.WithQueue(config.Notifications),
	}
	if config.ShutdownTimeout > 0 {
		options = append(options, core.WithShutdownTimeout(config.ShutdownTimeout))
	}
	if config.Sweeper.Interval > 0 {
		options = append(options, core.WithSweeper(config.Sweeper))
	}
	if config.Clock != nil {
		options = append(options, core.WithClock(config.Clock))
	}

	return &QueueSystem{
		engine: core.NewEngine(broker, stats, reg, options...),
		config: config,
	}
}

// EnqueueEmail queues one email. kind tags the job for logs and metrics.
func (s *QueueSystem) EnqueueEmail(ctx context.Context, kind, to string, data EmailData, options ...job.Option) (string, error) {
	addr, err := mail.ParseAddress(to)
	if err != nil {
		return "", errors.NewValidationError("to", fmt.Sprintf("invalid address %q: %v", to, err))
	}
	if strings.TrimSpace(data.Subject) == "" {
		return "", errors.NewValidationError("subject", "cannot be empty")
	}

	recipient := addr.Address
	if addr.Name != "" {
		recipient = addr.String()
	}

	payload := EmailPayload{
		To:      recipient,
		Subject: data.Subject,
		HTML:    data.HTML,
	}
	return s.engine.Enqueue(ctx, EmailQueue, kind, payload, options...)
}

// EnqueueNotification queues one notification for a user. kind is the
// notification type and also tags the job.
func (s *QueueSystem) EnqueueNotification(ctx context.Context, userID, message, kind string, options ...job.Option) (string, error) {
	n := notify.Notification{UserID: userID, Message: message, Type: kind}
	if err := n.Validate(); err != nil {
		return "", err
	}
	return s.engine.Enqueue(ctx, NotificationQueue, kind, n, options...)
}

// Start connects the broker and starts both pools and the sweeper
func (s *QueueSystem) Start(ctx context.Context) error {
	return s.engine.Start(ctx)
}

// Stop drains both pools and closes connections
func (s *QueueSystem) Stop() error {
	return s.engine.Stop()
}

// Run starts the system and blocks until ctx is done or a shutdown signal arrives
func (s *QueueSystem) Run(ctx context.Context) error {
	return s.engine.Run(ctx)
}

// Health returns the engine health
func (s *QueueSystem) Health(ctx context.Context) core.HealthStatus {
	return s.engine.Health(ctx)
}

// State returns the lifecycle state
func (s *QueueSystem) State() core.State {
	return s.engine.State()
}

// Job returns the current record of a job
func (s *QueueSystem) Job(ctx context.Context, queue, id string) (*job.Job, error) {
	q := s.engine.Queue(queue)
	if q == nil {
		return nil, errors.NewValidationError("queue", fmt.Sprintf("unknown queue %q", queue))
	}
	return q.Get(ctx, id)
}

// Counts returns per-state job counts for both queues
func (s *QueueSystem) Counts(ctx context.Context) (map[string]job.Counts, error) {
	counts := make(map[string]job.Counts, 2)
	for _, name := range []string{EmailQueue, NotificationQueue} {
		c, err := s.engine.Queue(name).Counts(ctx)
		if err != nil {
			return nil, err
		}
		counts[name] = c
	}
	return counts, nil
}

// Engine returns the underlying engine
func (s *QueueSystem) Engine() *core.Engine {
	return s.engine
}
