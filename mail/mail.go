// Package mail delivers rendered email messages.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Message is one email ready to send
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Sender delivers a message and returns the provider's message ID
type Sender interface {
	SendMail(ctx context.Context, msg Message) (string, error)
}

// LogSender logs messages instead of sending them
type LogSender struct {
	log *slog.Logger
}

// NewLogSender returns a sender writing to log; nil uses slog.Default()
func NewLogSender(log *slog.Logger) *LogSender {
	if log == nil {
		log = slog.Default()
	}
	return &LogSender{log: log}
}

// SendMail logs the message and returns a generated ID
func (s *LogSender) SendMail(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := fmt.Sprintf("<%d.%s@localhost>", time.Now().Unix(), uuid.NewString())
	s.log.Info("Email logged",
		"id", id,
		"from", msg.From,
		"to", msg.To,
		"subject", msg.Subject,
		"html_bytes", len(msg.HTML))
	return id, nil
}
