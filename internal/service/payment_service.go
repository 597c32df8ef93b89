package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront/internal/gateway"
	"storefront/internal/models"
	"storefront/internal/store"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// PaymentStore is the persistence surface the payment service needs.
// *store.Store satisfies it; tests substitute a fake.
type PaymentStore interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetActivePaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error)
	GetPaymentByExternalID(ctx context.Context, externalID string) (*models.Payment, error)
	UpdatePaymentStatus(ctx context.Context, externalID string, status models.PaymentStatus) error
	UpdateOrderPaymentStatus(ctx context.Context, orderID int64, status models.PaymentStatus) error
}

// PaymentService drives the gateway adapters and keeps payment rows and the
// order payment_status axis consistent with what the gateways report.
type PaymentService struct {
	store    PaymentStore
	registry *gateway.Registry
	currency string
	logger   *zap.Logger
}

// NewPaymentService creates a new payment service.
func NewPaymentService(st PaymentStore, registry *gateway.Registry, currency string) *PaymentService {
	return &PaymentService{
		store:    st,
		registry: registry,
		currency: currency,
		logger:   util.GetLogger(),
	}
}

// MethodConfigured reports whether a payment method can actually be used.
func (ps *PaymentService) MethodConfigured(method models.PaymentMethod) bool {
	g, err := ps.registry.ForMethod(method)
	return err == nil && g.Configured()
}

// InitiatePayment starts payment for an order. It is idempotent: an existing
// non-failed payment row for the order is returned as-is instead of charging
// again, which is what makes payment retry safe after a gateway failure.
func (ps *PaymentService) InitiatePayment(ctx context.Context, order *models.Order) (*gateway.CreatePaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.InitiatePayment")
	defer span.End()

	util.PaymentAttemptsTotal.Inc()
	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	existing, err := ps.store.GetActivePaymentByOrderID(ctx, order.ID)
	switch {
	case err == nil:
		ps.logger.Info("Reusing existing payment for order",
			zap.Int64("order_id", order.ID),
			zap.String("payment_id", existing.PaymentID))
		return &gateway.CreatePaymentResult{
			PaymentID:   existing.PaymentID,
			Status:      existing.Status,
			RedirectURL: existing.RedirectURL,
		}, nil
	case !errors.Is(err, store.ErrNotFound):
		// A transient lookup failure must not create a second gateway
		// intent while a pending one may exist.
		return nil, fmt.Errorf("failed to look up active payment: %w", err)
	}

	g, err := ps.registry.ForMethod(order.PaymentMethod)
	if err != nil {
		return nil, err
	}
	if !g.Configured() {
		return nil, gateway.ErrNotConfigured
	}

	result, err := g.CreatePayment(ctx, order, ps.currency)
	if err != nil {
		util.PaymentFailedTotal.Inc()
		return nil, err
	}

	payment := &models.Payment{
		OrderID:     order.ID,
		Gateway:     g.Name(),
		PaymentID:   result.PaymentID,
		Amount:      order.TotalAmount,
		Currency:    ps.currency,
		Status:      result.Status,
		RedirectURL: result.RedirectURL,
	}
	if err := ps.store.CreatePayment(ctx, payment); err != nil {
		// The unique constraint on payment_id closes the race between two
		// concurrent initiations: the loser reuses the winner's row.
		if store.IsUniqueViolation(err, "") {
			if winner, lookupErr := ps.store.GetPaymentByExternalID(ctx, result.PaymentID); lookupErr == nil {
				return &gateway.CreatePaymentResult{
					PaymentID:   winner.PaymentID,
					Status:      winner.Status,
					RedirectURL: winner.RedirectURL,
				}, nil
			}
		}
		return nil, fmt.Errorf("failed to persist payment: %w", err)
	}

	util.PaymentSuccessTotal.Inc()
	ps.logger.Info("Payment initiated",
		zap.Int64("order_id", order.ID),
		zap.String("gateway", string(g.Name())),
		zap.String("payment_id", result.PaymentID),
		zap.String("status", string(result.Status)))
	return result, nil
}

// ApplyPaymentStatus records a normalized payment status on the payment row
// and propagates it to the order's payment_status axis. This is the only
// code path that mutates payment_status from gateway data.
func (ps *PaymentService) ApplyPaymentStatus(ctx context.Context, externalID string, status models.PaymentStatus) error {
	payment, err := ps.store.GetPaymentByExternalID(ctx, externalID)
	if err != nil {
		return fmt.Errorf("unknown payment %s: %w", externalID, err)
	}

	if err := ps.store.UpdatePaymentStatus(ctx, externalID, status); err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	if err := ps.store.UpdateOrderPaymentStatus(ctx, payment.OrderID, status); err != nil {
		return fmt.Errorf("failed to update order payment status: %w", err)
	}

	if status == models.PaymentPaid {
		util.OrdersPaidTotal.Inc()
	}
	ps.logger.Info("Payment status applied",
		zap.String("payment_id", externalID),
		zap.Int64("order_id", payment.OrderID),
		zap.String("status", string(status)))
	return nil
}

// CapturePayment runs the second phase of a two-phase payment and applies
// the resulting status.
func (ps *PaymentService) CapturePayment(ctx context.Context, method models.PaymentMethod, externalID string) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.CapturePayment")
	defer span.End()

	g, err := ps.registry.ForMethod(method)
	if err != nil {
		return err
	}

	status, err := g.CapturePayment(ctx, externalID)
	if err != nil {
		if errors.Is(err, gateway.ErrUnsupported) {
			return err
		}
		return fmt.Errorf("capture failed for %s: %w", externalID, err)
	}
	return ps.ApplyPaymentStatus(ctx, externalID, status)
}

// RefundOrder asks the gateway to refund the order's active payment. The
// refunded status lands later through the gateway's webhook; this call only
// initiates.
func (ps *PaymentService) RefundOrder(ctx context.Context, order *models.Order) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.RefundOrder")
	defer span.End()

	payment, err := ps.store.GetActivePaymentByOrderID(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("no active payment to refund for order %d: %w", order.ID, err)
	}

	g, err := ps.registry.ForMethod(order.PaymentMethod)
	if err != nil {
		return err
	}
	if err := g.RefundPayment(ctx, payment.PaymentID, payment.Amount); err != nil {
		return err
	}

	ps.logger.Info("Refund initiated",
		zap.Int64("order_id", order.ID),
		zap.String("payment_id", payment.PaymentID))
	return nil
}
