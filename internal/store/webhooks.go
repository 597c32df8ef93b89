package store

import (
	"context"
	"database/sql"
	"time"

	"storefront/internal/models"
)

// A claim older than this belongs to a delivery presumed dead; the event
// becomes reclaimable by a redelivery or the stale sweep.
const webhookClaimTTL = 2 * time.Minute

// LogWebhook records an inbound webhook event and reports whether this call
// inserted the row. The unique index on (gateway, webhook_id) is the dedup
// gate: of two concurrent deliveries for the same event id, exactly one sees
// inserted=true. The inserting delivery also holds the processing claim, so
// it may run side effects without a separate ClaimWebhook call.
func (s *Store) LogWebhook(ctx context.Context, gateway models.PaymentMethod, eventType, webhookID string, payload []byte) (inserted bool, err error) {
	var id int64
	err = s.db.QueryRowxContext(ctx, `
		INSERT INTO webhook_logs (gateway, event_type, webhook_id, payload, processed, claimed_at)
		VALUES ($1, $2, $3, $4, FALSE, NOW())
		ON CONFLICT (gateway, webhook_id) DO NOTHING
		RETURNING id`,
		gateway, eventType, webhookID, payload).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClaimWebhook attempts to take the processing claim for an already-logged
// event. It succeeds only when the event is unprocessed and no other
// delivery holds a live claim; the single UPDATE serializes concurrent
// claimants so exactly one wins.
func (s *Store) ClaimWebhook(ctx context.Context, gateway models.PaymentMethod, webhookID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_logs SET claimed_at = NOW()
		WHERE gateway = $1 AND webhook_id = $2
		  AND processed = FALSE
		  AND (claimed_at IS NULL OR claimed_at < NOW() - make_interval(secs => $3))`,
		gateway, webhookID, webhookClaimTTL.Seconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseWebhookClaim gives the claim back after a failed dispatch so the
// next redelivery can retry immediately instead of waiting out the TTL.
func (s *Store) ReleaseWebhookClaim(ctx context.Context, gateway models.PaymentMethod, webhookID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_logs SET claimed_at = NULL
		WHERE gateway = $1 AND webhook_id = $2 AND processed = FALSE`,
		gateway, webhookID)
	return err
}

// StaleWebhooks lists logged events whose claim expired without the
// processed mark landing: the holder crashed mid-dispatch. The sweep
// re-claims and finishes them.
func (s *Store) StaleWebhooks(ctx context.Context, limit int) ([]models.WebhookLog, error) {
	var logs []models.WebhookLog
	err := s.db.SelectContext(ctx, &logs, `
		SELECT * FROM webhook_logs
		WHERE processed = FALSE
		  AND claimed_at < NOW() - make_interval(secs => $1)
		ORDER BY created_at
		LIMIT $2`,
		webhookClaimTTL.Seconds(), limit)
	return logs, err
}

// IsWebhookProcessed reports whether the event id has already completed
// side-effect processing.
func (s *Store) IsWebhookProcessed(ctx context.Context, gateway models.PaymentMethod, webhookID string) (bool, error) {
	var processed bool
	err := s.db.GetContext(ctx, &processed, `
		SELECT COALESCE(
			(SELECT processed FROM webhook_logs WHERE gateway = $1 AND webhook_id = $2),
			FALSE)`,
		gateway, webhookID)
	return processed, err
}

// MarkWebhookProcessed flips the processed flag after side effects complete.
func (s *Store) MarkWebhookProcessed(ctx context.Context, gateway models.PaymentMethod, webhookID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_logs SET processed = TRUE, processed_at = NOW()
		WHERE gateway = $1 AND webhook_id = $2`,
		gateway, webhookID)
	return err
}
