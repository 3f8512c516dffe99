// Package notify delivers user notifications produced by the notifications queue.
package notify

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BranchIntl/mailqueue/errors"
)

// Notification is one message for one user
type Notification struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Validate rejects notifications without a user or message
func (n Notification) Validate() error {
	if strings.TrimSpace(n.UserID) == "" {
		return errors.NewValidationError("user_id", "cannot be empty")
	}
	if n.Message == "" {
		return errors.NewValidationError("message", "cannot be empty")
	}
	return nil
}

// Deliverer forwards a notification to its user
type Deliverer interface {
	Deliver(ctx context.Context, n Notification) error
}

// DelivererFunc adapts a function to Deliverer
type DelivererFunc func(ctx context.Context, n Notification) error

// Deliver calls f
func (f DelivererFunc) Deliver(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogDeliverer records notifications in the log only
type LogDeliverer struct {
	log *slog.Logger
}

// NewLogDeliverer returns a deliverer writing to log; nil uses slog.Default()
func NewLogDeliverer(log *slog.Logger) *LogDeliverer {
	if log == nil {
		log = slog.Default()
	}
	return &LogDeliverer{log: log}
}

// Deliver logs the notification
func (d *LogDeliverer) Deliver(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.log.Info("Notification delivered",
		"user_id", n.UserID,
		"type", n.Type,
		"message", n.Message)
	return nil
}
