package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mqerrors "github.com/BranchIntl/mailqueue/errors"
	"github.com/mailgun/mailgun-go/v4"
)

// MailgunConfig holds the Mailgun API settings
type MailgunConfig struct {
	Domain  string
	APIKey  string
	APIBase string
	Timeout time.Duration
}

// IsConfigured reports whether a domain and API key are set
func (c MailgunConfig) IsConfigured() bool {
	return c.Domain != "" && c.APIKey != ""
}

// MailgunSender sends emails via the Mailgun API
type MailgunSender struct {
	client  *mailgun.MailgunImpl
	timeout time.Duration
}

// NewMailgunSender creates a Mailgun sender; it returns nil when cfg is not configured
func NewMailgunSender(cfg MailgunConfig) *MailgunSender {
	if !cfg.IsConfigured() {
		return nil
	}

	client := mailgun.NewMailgun(cfg.Domain, cfg.APIKey)
	if cfg.APIBase != "" {
		client.SetAPIBase(cfg.APIBase)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MailgunSender{client: client, timeout: timeout}
}

// SendMail sends one HTML message
func (s *MailgunSender) SendMail(ctx context.Context, msg Message) (string, error) {
	message := s.client.NewMessage(msg.From, msg.Subject, "", msg.To)
	message.SetHtml(msg.HTML)

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, id, err := s.client.Send(sendCtx, message)
	if err != nil {
		return "", fmt.Errorf("mailgun send to %s: %w", msg.To, err)
	}

	slog.Debug("Email sent", "to", msg.To, "message_id", id)
	return id, nil
}

// IsPermanent reports whether a send error will not succeed on retry: a
// validation error, or a Mailgun 4xx other than a timeout or rate limit.
func IsPermanent(err error) bool {
	if errors.Is(err, mqerrors.ErrValidation) {
		return true
	}

	var unexpected *mailgun.UnexpectedResponseError
	if !errors.As(err, &unexpected) {
		return false
	}
	status := mailgun.GetStatusFromErr(unexpected)
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return status >= 400 && status < 500
}
