package store

import (
	"context"
	"database/sql"
	"fmt"

	"storefront/internal/models"
)

// CreatePayment inserts a payment row. The unique constraint on payment_id
// makes gateway-side retries safe: a duplicate insert for the same external
// id fails instead of double-recording.
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, gateway, payment_id, amount, currency, status, redirect_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		payment.OrderID, payment.Gateway, payment.PaymentID,
		payment.Amount, payment.Currency, payment.Status, payment.RedirectURL,
	).Scan(&payment.ID, &payment.CreatedAt, &payment.UpdatedAt)
}

// GetActivePaymentByOrderID returns the most recent non-failed payment for
// an order, or ErrNotFound. CreatePayment idempotency is built on this
// lookup: an existing non-failed record is reused rather than duplicated.
func (s *Store) GetActivePaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, `
		SELECT * FROM payments
		WHERE order_id = $1 AND status NOT IN ($2, $3)
		ORDER BY created_at DESC LIMIT 1`,
		orderID, models.PaymentFailed, models.PaymentCancelled)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("active payment for order %d: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByExternalID retrieves a payment by the gateway's external id.
func (s *Store) GetPaymentByExternalID(ctx context.Context, externalID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE payment_id = $1", externalID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment %s: %w", externalID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// UpdatePaymentStatus updates the status of a payment row by external id.
func (s *Store) UpdatePaymentStatus(ctx context.Context, externalID string, status models.PaymentStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payments SET status = $1, updated_at = NOW() WHERE payment_id = $2",
		status, externalID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("payment %s: %w", externalID, ErrNotFound)
	}
	return nil
}
