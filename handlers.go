package mailqueue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BranchIntl/mailqueue/core"
	"github.com/BranchIntl/mailqueue/errors"
	"github.com/BranchIntl/mailqueue/job"
	mailer "github.com/BranchIntl/mailqueue/mail"
	"github.com/BranchIntl/mailqueue/notify"
)

// EmailHandler sends the job's email from the given address. Provider
// rejections are permanent; transport errors are retried.
func EmailHandler(sender mailer.Sender, from string) core.Handler {
	return func(ctx context.Context, j *job.Job) job.Result {
		var p EmailPayload
		if err := j.Decode(&p); err != nil {
			return job.Permanent(fmt.Errorf("decode email payload: %w", err))
		}

		id, err := sender.SendMail(ctx, mailer.Message{
			From:    from,
			To:      p.To,
			Subject: p.Subject,
			HTML:    p.HTML,
		})
		if err != nil {
			if mailer.IsPermanent(err) {
				return job.Permanent(err)
			}
			return job.Retry(err)
		}

		slog.Info("Email sent",
			"job_id", j.ID,
			"kind", j.Kind,
			"to", p.To,
			"attempt", j.Attempts,
			"message_id", id)
		return job.Success(map[string]string{"message_id": id})
	}
}

// NotificationHandler delivers the job's notification
func NotificationHandler(deliverer notify.Deliverer) core.Handler {
	return func(ctx context.Context, j *job.Job) job.Result {
		var n notify.Notification
		if err := j.Decode(&n); err != nil {
			return job.Permanent(fmt.Errorf("decode notification payload: %w", err))
		}
		if err := n.Validate(); err != nil {
			return job.Permanent(err)
		}

		if err := deliverer.Deliver(ctx, n); err != nil {
			if errors.Is(err, errors.ErrValidation) {
				return job.Permanent(err)
			}
			return job.Retry(err)
		}

		slog.Debug("Notification delivered", "job_id", j.ID, "user_id", n.UserID, "type", n.Type)
		return job.Success(nil)
	}
}
