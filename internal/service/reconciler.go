package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"storefront/internal/gateway"
	"storefront/internal/models"
	"storefront/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WebhookStore is the persistence surface webhook processing needs.
type WebhookStore interface {
	LogWebhook(ctx context.Context, gw models.PaymentMethod, eventType, webhookID string, payload []byte) (bool, error)
	ClaimWebhook(ctx context.Context, gw models.PaymentMethod, webhookID string) (bool, error)
	ReleaseWebhookClaim(ctx context.Context, gw models.PaymentMethod, webhookID string) error
	StaleWebhooks(ctx context.Context, limit int) ([]models.WebhookLog, error)
	IsWebhookProcessed(ctx context.Context, gw models.PaymentMethod, webhookID string) (bool, error)
	MarkWebhookProcessed(ctx context.Context, gw models.PaymentMethod, webhookID string) error
	EnqueueJob(ctx context.Context, job *models.OutboxJob) error
	GetPaymentByExternalID(ctx context.Context, externalID string) (*models.Payment, error)
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
}

// statusApplier is the slice of PaymentService the reconciler drives.
type statusApplier interface {
	ApplyPaymentStatus(ctx context.Context, externalID string, status models.PaymentStatus) error
	CapturePayment(ctx context.Context, method models.PaymentMethod, externalID string) error
}

// WebhookResult is returned to the HTTP handler.
type WebhookResult struct {
	AlreadyProcessed bool
	EventType        string
}

// WebhookProcessor reconciles asynchronous gateway events into payment and
// order state. Per event id the state machine is unseen -> logged ->
// processed; side effects run exactly once because the webhook_logs unique
// constraint elects a single inserter, the row's claim fences out duplicate
// deliveries while that inserter is still mid-dispatch, and redeliveries of
// processed events short-circuit.
type WebhookProcessor struct {
	store    WebhookStore
	payments statusApplier
	registry *gateway.Registry
	logger   *zap.Logger
}

// NewWebhookProcessor creates a new webhook processor.
func NewWebhookProcessor(st WebhookStore, payments statusApplier, registry *gateway.Registry) *WebhookProcessor {
	return &WebhookProcessor{
		store:    st,
		payments: payments,
		registry: registry,
		logger:   util.GetLogger(),
	}
}

// eventStatusEffect fixes the normalized payment status each webhook event
// type produces. Extending a gateway means extending its ParseEvent mapping
// onto these types, not inventing new status strings.
var eventStatusEffect = map[string]models.PaymentStatus{
	gateway.EventPaymentSucceeded: models.PaymentPaid,
	gateway.EventPaymentFailed:    models.PaymentCancelled,
	gateway.EventPaymentCanceled:  models.PaymentCancelled,
	gateway.EventPaymentRefunded:  models.PaymentRefunded,
	gateway.EventPaymentDisputed:  models.PaymentDisputed,
}

// Process verifies, deduplicates and dispatches one inbound webhook
// delivery. A signature failure is returned as gateway.ErrInvalidSignature
// before anything is logged; a duplicate of a processed or in-flight event
// returns AlreadyProcessed with zero side effects. An event whose claim
// holder died is finished by RecoverStale once the claim expires.
func (wp *WebhookProcessor) Process(ctx context.Context, method models.PaymentMethod, payload []byte, headers http.Header) (*WebhookResult, error) {
	ctx, span := util.StartSpan(ctx, "WebhookProcessor.Process")
	defer span.End()

	g, err := wp.registry.ForMethod(method)
	if err != nil {
		return nil, err
	}

	if err := g.VerifyWebhook(ctx, payload, headers); err != nil {
		util.WebhooksRejectedTotal.WithLabelValues(string(method)).Inc()
		return nil, err
	}

	event, err := g.ParseEvent(payload)
	if err != nil {
		return nil, err
	}
	if event.ID == "" {
		// No gateway event id: fall back to a payload digest so
		// byte-identical redeliveries still deduplicate.
		sum := sha256.Sum256(payload)
		event.ID = hex.EncodeToString(sum[:16])
	}

	inserted, err := wp.store.LogWebhook(ctx, method, event.RawType, event.ID, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to log webhook: %w", err)
	}
	if !inserted {
		processed, err := wp.store.IsWebhookProcessed(ctx, method, event.ID)
		if err != nil {
			return nil, err
		}
		if processed {
			util.WebhooksDuplicateTotal.WithLabelValues(string(method)).Inc()
			wp.logger.Info("Duplicate webhook delivery ignored",
				zap.String("gateway", string(method)),
				zap.String("event_id", event.ID))
			return &WebhookResult{AlreadyProcessed: true, EventType: event.Type}, nil
		}
		// Logged but not processed. Take the claim: it only succeeds when
		// no other delivery holds a live one, so a duplicate arriving while
		// the first delivery is mid-dispatch cannot re-run side effects.
		claimed, err := wp.store.ClaimWebhook(ctx, method, event.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim webhook: %w", err)
		}
		if !claimed {
			util.WebhooksDuplicateTotal.WithLabelValues(string(method)).Inc()
			wp.logger.Info("Webhook already being processed, acknowledging duplicate",
				zap.String("gateway", string(method)),
				zap.String("event_id", event.ID))
			return &WebhookResult{AlreadyProcessed: true, EventType: event.Type}, nil
		}
	}

	return wp.finish(ctx, method, event)
}

// finish runs side effects under a held claim and marks the event
// processed. A dispatch failure releases the claim so the gateway's next
// redelivery retries without waiting out the claim TTL.
func (wp *WebhookProcessor) finish(ctx context.Context, method models.PaymentMethod, event *gateway.Event) (*WebhookResult, error) {
	if err := wp.dispatch(ctx, method, event); err != nil {
		util.WebhooksFailedTotal.WithLabelValues(string(method)).Inc()
		if relErr := wp.store.ReleaseWebhookClaim(ctx, method, event.ID); relErr != nil {
			wp.logger.Error("Failed to release webhook claim",
				zap.String("gateway", string(method)),
				zap.String("event_id", event.ID),
				zap.Error(relErr))
		}
		return nil, err
	}

	if err := wp.store.MarkWebhookProcessed(ctx, method, event.ID); err != nil {
		return nil, fmt.Errorf("failed to mark webhook processed: %w", err)
	}

	util.WebhooksProcessedTotal.WithLabelValues(string(method), event.Type).Inc()
	return &WebhookResult{EventType: event.Type}, nil
}

// RecoverStale finishes logged events whose claim expired before the
// processed mark landed: the delivery that held them crashed mid-dispatch.
// Re-claiming each row keeps the single-winner rule when several sweepers
// or a late redelivery race for the same event.
func (wp *WebhookProcessor) RecoverStale(ctx context.Context, limit int) error {
	stale, err := wp.store.StaleWebhooks(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list stale webhooks: %w", err)
	}

	for _, row := range stale {
		claimed, err := wp.store.ClaimWebhook(ctx, row.Gateway, row.WebhookID)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}

		g, err := wp.registry.ForMethod(row.Gateway)
		if err != nil {
			wp.logger.Error("Stale webhook for unknown gateway",
				zap.String("gateway", string(row.Gateway)),
				zap.String("event_id", row.WebhookID))
			continue
		}
		event, err := g.ParseEvent(row.Payload)
		if err != nil {
			wp.logger.Error("Failed to re-parse stale webhook payload",
				zap.String("gateway", string(row.Gateway)),
				zap.String("event_id", row.WebhookID),
				zap.Error(err))
			continue
		}
		if event.ID == "" {
			// Digest-keyed events carry no id in the payload.
			event.ID = row.WebhookID
		}

		wp.logger.Info("Recovering stale webhook",
			zap.String("gateway", string(row.Gateway)),
			zap.String("event_id", row.WebhookID))
		if _, err := wp.finish(ctx, row.Gateway, event); err != nil {
			wp.logger.Error("Stale webhook recovery failed",
				zap.String("gateway", string(row.Gateway)),
				zap.String("event_id", row.WebhookID),
				zap.Error(err))
		}
	}
	return nil
}

func (wp *WebhookProcessor) dispatch(ctx context.Context, method models.PaymentMethod, event *gateway.Event) error {
	wp.logger.Info("Processing webhook event",
		zap.String("gateway", string(method)),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.RawType))

	switch event.Type {
	case gateway.EventOrderApproved:
		// Two-phase gateways report customer approval; funds only move
		// after the explicit capture call. The capture-completed webhook
		// later confirms the paid status.
		return wp.payments.CapturePayment(ctx, method, event.PaymentID)

	case gateway.EventPaymentSucceeded:
		if err := wp.payments.ApplyPaymentStatus(ctx, event.PaymentID, eventStatusEffect[event.Type]); err != nil {
			return err
		}
		return wp.enqueue(ctx, event, models.JobConfirmationEmail)

	case gateway.EventPaymentFailed, gateway.EventPaymentCanceled:
		if err := wp.payments.ApplyPaymentStatus(ctx, event.PaymentID, eventStatusEffect[event.Type]); err != nil {
			return err
		}
		return wp.enqueue(ctx, event, models.JobPaymentFailed)

	case gateway.EventPaymentRefunded:
		if err := wp.payments.ApplyPaymentStatus(ctx, event.PaymentID, eventStatusEffect[event.Type]); err != nil {
			return err
		}
		return wp.enqueue(ctx, event, models.JobRefundEmail)

	case gateway.EventPaymentDisputed:
		if err := wp.payments.ApplyPaymentStatus(ctx, event.PaymentID, eventStatusEffect[event.Type]); err != nil {
			return err
		}
		return wp.enqueue(ctx, event, models.JobDisputeAlert)

	default:
		// Unknown event types are logged for the audit trail and
		// acknowledged so the gateway stops redelivering them.
		wp.logger.Info("Ignoring unhandled webhook event type",
			zap.String("gateway", string(method)),
			zap.String("event_type", event.RawType))
		return nil
	}
}

// enqueue persists a durable follow-up job. The row is written before the
// webhook response goes out, so notification delivery survives a crash and
// stays at-least-once.
func (wp *WebhookProcessor) enqueue(ctx context.Context, event *gateway.Event, kind string) error {
	payment, err := wp.store.GetPaymentByExternalID(ctx, event.PaymentID)
	if err != nil {
		return fmt.Errorf("cannot enqueue %s: %w", kind, err)
	}
	order, err := wp.store.GetOrderByID(ctx, payment.OrderID)
	if err != nil {
		return fmt.Errorf("cannot enqueue %s: %w", kind, err)
	}

	jobID := uuid.New().String()
	notification := models.NotificationEvent{
		JobID:       jobID,
		Kind:        kind,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Amount:      order.TotalAmount,
		Reason:      event.RawType,
		Timestamp:   time.Now(),
	}
	payload, err := json.Marshal(notification)
	if err != nil {
		return err
	}

	job := &models.OutboxJob{
		ID:      jobID,
		Kind:    kind,
		OrderID: order.ID,
		Payload: payload,
	}
	if err := wp.store.EnqueueJob(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue %s job: %w", kind, err)
	}
	return nil
}
