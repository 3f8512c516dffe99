package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/BranchIntl/mailqueue"
	"github.com/BranchIntl/mailqueue/brokers/memory"
	redisBroker "github.com/BranchIntl/mailqueue/brokers/redis"
	"github.com/BranchIntl/mailqueue/config"
	"github.com/BranchIntl/mailqueue/core"
	redisUtils "github.com/BranchIntl/mailqueue/internal/redis"
	"github.com/BranchIntl/mailqueue/job"
	"github.com/BranchIntl/mailqueue/mail"
	"github.com/BranchIntl/mailqueue/notify"
	"github.com/BranchIntl/mailqueue/notify/rabbitmq"
	"github.com/BranchIntl/mailqueue/statistics"
	promStats "github.com/BranchIntl/mailqueue/statistics/prometheus"
	"github.com/BranchIntl/mailqueue/sweeper"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// .env.local takes precedence over .env
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	if err := run(); err != nil {
		slog.Error("mailqueue exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	stats, err := newStatistics(cfg, registry)
	if err != nil {
		return err
	}

	ctx := context.Background()
	deliverer, closeDeliverer, err := newDeliverer(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDeliverer()

	system := mailqueue.New(systemConfig(cfg), newBroker(cfg), stats, newSender(cfg), deliverer)
	registry.MustRegister(promStats.NewQueueCollector("mailqueue", system.Counts))

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           newMux(registry, system),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "address", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
		}
	}()

	runErr := system.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown", "error", err)
	}

	return runErr
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func redisConnection(cfg *config.Config) redisUtils.Config {
	conn := redisUtils.DefaultConfig()
	conn.URI = cfg.Redis.URI()
	conn.MaxActive = cfg.Redis.PoolSize
	return conn
}

func newBroker(cfg *config.Config) core.Broker {
	if cfg.Broker == "memory" {
		slog.Warn("Using in-memory broker; jobs do not survive a restart")
		return memory.NewBroker(memory.DefaultOptions())
	}

	options := redisBroker.DefaultOptions()
	options.Connection = redisConnection(cfg)
	options.Namespace = cfg.Redis.Namespace
	return redisBroker.NewBroker(options)
}

func newStatistics(cfg *config.Config, registry prometheus.Registerer) (core.Statistics, error) {
	statsCfg := statistics.DefaultConfig()
	statsCfg.Types = statsCfg.Types[:0]
	for _, t := range cfg.Stats {
		statsCfg.Types = append(statsCfg.Types, statistics.StatsType(t))
	}
	statsCfg.Redis.Connection = redisConnection(cfg)
	statsCfg.Redis.Namespace = cfg.Redis.Namespace
	statsCfg.Prometheus.Registerer = registry
	return statistics.NewStatistics(statsCfg)
}

func newSender(cfg *config.Config) mail.Sender {
	sender := mail.NewMailgunSender(mail.MailgunConfig{
		Domain:  cfg.Mail.MailgunDomain,
		APIKey:  cfg.Mail.MailgunAPIKey,
		APIBase: cfg.Mail.MailgunAPIBase,
		Timeout: cfg.Mail.Timeout,
	})
	if sender == nil {
		slog.Warn("Mailgun is not configured; emails will only be logged")
		return mail.NewLogSender(nil)
	}
	return sender
}

func newDeliverer(ctx context.Context, cfg *config.Config) (notify.Deliverer, func(), error) {
	if cfg.Notify.AMQPURL == "" {
		return notify.NewLogDeliverer(nil), func() {}, nil
	}

	options := rabbitmq.DefaultOptions()
	options.URI = cfg.Notify.AMQPURL
	options.Exchange = cfg.Notify.Exchange

	publisher := rabbitmq.NewPublisher(options)
	if err := publisher.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to connect notification publisher: %w", err)
	}
	return publisher, func() {
		if err := publisher.Close(); err != nil {
			slog.Error("Error closing notification publisher", "error", err)
		}
	}, nil
}

func systemConfig(cfg *config.Config) mailqueue.Config {
	sc := mailqueue.DefaultConfig()
	sc.From = cfg.Mail.From
	sc.ShutdownTimeout = cfg.ShutdownTimeout
	sc.Sweeper = sweeper.Config{
		Interval: cfg.Sweep.Interval,
		Limit:    cfg.Sweep.Limit,
		Timeout:  cfg.Sweep.Interval / 2,
	}

	// Load already validated the job options
	sc.Email.Pool = cfg.EmailQueue.Pool()
	sc.Email.Defaults, _ = cfg.EmailQueue.JobOptions()
	sc.Email.Retention = cfg.EmailQueue.Retention()

	sc.Notifications.Pool = cfg.NotificationQueue.Pool()
	sc.Notifications.Defaults, _ = cfg.NotificationQueue.JobOptions()
	sc.Notifications.Retention = cfg.NotificationQueue.Retention()
	return sc
}

// healthChecker is the QueueSystem surface /healthz needs
type healthChecker interface {
	Health(ctx context.Context) core.HealthStatus
}

func newMux(registry *prometheus.Registry, system healthChecker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", healthHandler(system))
	return mux
}

type healthResponse struct {
	Healthy    bool                  `json:"healthy"`
	State      string                `json:"state"`
	ActiveJobs int                   `json:"active_jobs"`
	Broker     string                `json:"broker,omitempty"`
	Statistics string                `json:"statistics,omitempty"`
	Queues     map[string]job.Counts `json:"queues"`
}

func healthHandler(system healthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := system.Health(r.Context())

		resp := healthResponse{
			Healthy:    status.Healthy,
			State:      status.State.String(),
			ActiveJobs: status.ActiveJobs,
			Queues:     status.Queues,
		}
		if status.BrokerHealth != nil {
			resp.Broker = status.BrokerHealth.Error()
		}
		if status.StatsHealth != nil {
			resp.Statistics = status.StatsHealth.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}
