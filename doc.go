// Package mailqueue dispatches outgoing email and user notifications through
// two durable background queues.
//
// A QueueSystem owns both queues, their worker pools and the retention
// sweeper. Producers enqueue and return immediately; delivery happens on the
// pools with per-job attempts and backoff, lease heartbeats and stalled-job
// recovery.
//
// # Example
//
//	package main
//
//	import (
//		"context"
//		"log"
//		"time"
//
//		"github.com/BranchIntl/mailqueue"
//		"github.com/BranchIntl/mailqueue/brokers/redis"
//		"github.com/BranchIntl/mailqueue/job"
//		"github.com/BranchIntl/mailqueue/mail"
//		"github.com/BranchIntl/mailqueue/notify"
//		"github.com/BranchIntl/mailqueue/statistics/noop"
//	)
//
//	func main() {
//		system := mailqueue.New(
//			mailqueue.DefaultConfig(),
//			redis.NewBroker(redis.DefaultOptions()),
//			noop.NewStatistics(),
//			mail.NewLogSender(nil),
//			notify.NewLogDeliverer(nil),
//		)
//
//		ctx := context.Background()
//		if err := system.Start(ctx); err != nil {
//			log.Fatal(err)
//		}
//		defer system.Stop()
//
//		_, err := system.EnqueueEmail(ctx, "appointment_confirmation", "a@example.com",
//			mailqueue.EmailData{Subject: "Confirmed", HTML: "<p>See you soon</p>"},
//			job.WithAttempts(3), job.WithExponentialBackoff(time.Second))
//		if err != nil {
//			log.Fatal(err)
//		}
//	}
package mailqueue
