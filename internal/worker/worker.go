package worker

import (
	"context"
	"time"

	"storefront/internal/broker"
	"storefront/internal/models"
	"storefront/internal/store"
	"storefront/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	outboxBatchSize   = 50
	outboxMaxAttempts = 10
	webhookSweepBatch = 25
)

// OutboxWorker drains pending outbox jobs into the notifications topic.
// Jobs are durable rows written during webhook processing; this poll loop
// is what turns them into at-least-once deliveries without slowing the
// webhook response down.
type OutboxWorker struct {
	store     *store.Store
	publisher *broker.NotificationPublisher
	interval  time.Duration
	logger    *zap.Logger
}

// NewOutboxWorker creates a new outbox worker.
func NewOutboxWorker(st *store.Store, publisher *broker.NotificationPublisher, interval time.Duration) *OutboxWorker {
	return &OutboxWorker{
		store:     st,
		publisher: publisher,
		interval:  interval,
		logger:    util.GetLogger(),
	}
}

// Start polls until the context is cancelled.
func (w *OutboxWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting outbox worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Outbox worker stopping")
			return ctx.Err()
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *OutboxWorker) drain(ctx context.Context) {
	jobs, err := w.store.FetchPendingJobs(ctx, outboxBatchSize)
	if err != nil {
		w.logger.Error("Failed to fetch outbox jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		event, err := broker.DecodeNotification(job.Payload)
		if err != nil {
			w.logger.Error("Dropping undecodable outbox job",
				zap.String("job_id", job.ID), zap.Error(err))
			_ = w.store.MarkJobFailed(ctx, job.ID, 1)
			continue
		}
		event.JobID = job.ID

		if err := w.publisher.PublishNotification(ctx, event); err != nil {
			w.logger.Error("Failed to publish outbox job",
				zap.String("job_id", job.ID), zap.Error(err))
			_ = w.store.MarkJobFailed(ctx, job.ID, outboxMaxAttempts)
			continue
		}

		if err := w.store.MarkJobSent(ctx, job.ID); err != nil {
			// The job will be re-sent next poll; consumers handle the
			// duplicate.
			w.logger.Error("Failed to mark outbox job sent",
				zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		util.OutboxJobsSentTotal.WithLabelValues(job.Kind).Inc()
	}

	if pending, err := w.store.CountPendingJobs(ctx); err == nil {
		util.OutboxPendingJobs.Set(float64(pending))
	}
}

// staleRecoverer is the slice of the webhook processor the sweep drives.
type staleRecoverer interface {
	RecoverStale(ctx context.Context, limit int) error
}

// WebhookSweeper periodically finishes webhook events whose processor died
// mid-dispatch. The hot redelivery path only acknowledges such events while
// their claim is live; this sweep is what makes processing at-least-once
// even when the gateway never redelivers.
type WebhookSweeper struct {
	webhooks staleRecoverer
	interval time.Duration
	logger   *zap.Logger
}

// NewWebhookSweeper creates a new webhook sweeper.
func NewWebhookSweeper(webhooks staleRecoverer, interval time.Duration) *WebhookSweeper {
	return &WebhookSweeper{
		webhooks: webhooks,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start sweeps until the context is cancelled.
func (s *WebhookSweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting webhook sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Webhook sweeper stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := s.webhooks.RecoverStale(ctx, webhookSweepBatch); err != nil {
				s.logger.Error("Webhook sweep failed", zap.Error(err))
			}
		}
	}
}

// NotificationWorker consumes the notifications topic and delivers
// customer/admin notifications. Actual email sending is out of scope for
// this service, so delivery is a structured log the mailer tails.
type NotificationWorker struct {
	consumer *broker.Consumer
	logger   *zap.Logger
}

// NewNotificationWorker creates a new notification worker.
func NewNotificationWorker(consumer *broker.Consumer) *NotificationWorker {
	return &NotificationWorker{
		consumer: consumer,
		logger:   util.GetLogger(),
	}
}

// Start starts the worker
func (nw *NotificationWorker) Start(ctx context.Context) error {
	nw.logger.Info("Starting notification worker")

	return nw.consumer.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
		event, err := broker.DecodeNotification(msg.Value)
		if err != nil {
			nw.logger.Error("Failed to decode notification", zap.Error(err))
			// Malformed messages are committed, not retried forever.
			return nil
		}

		switch event.Kind {
		case models.JobConfirmationEmail:
			nw.logger.Info("Sending order confirmation email",
				zap.Int64("user_id", event.UserID),
				zap.String("order_number", event.OrderNumber))
		case models.JobRefundEmail:
			nw.logger.Info("Sending refund email",
				zap.Int64("user_id", event.UserID),
				zap.String("order_number", event.OrderNumber))
		case models.JobPaymentFailed:
			nw.logger.Info("Sending payment failed email",
				zap.Int64("user_id", event.UserID),
				zap.String("order_number", event.OrderNumber))
		case models.JobDisputeAlert:
			nw.logger.Warn("ADMIN ALERT: payment dispute opened",
				zap.Int64("order_id", event.OrderID),
				zap.String("order_number", event.OrderNumber))
		default:
			nw.logger.Info("Ignoring unknown notification kind",
				zap.String("kind", event.Kind))
		}
		return nil
	})
}

// Stop stops the worker
func (nw *NotificationWorker) Stop() error {
	nw.logger.Info("Stopping notification worker")
	return nw.consumer.Close()
}
