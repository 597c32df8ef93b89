package models

import (
	"database/sql"
	"time"
)

// Outbox job kinds
const (
	JobConfirmationEmail = "confirmation_email"
	JobRefundEmail       = "refund_email"
	JobDisputeAlert      = "dispute_alert"
	JobPaymentFailed     = "payment_failed_email"
)

// Outbox job statuses. A job moves pending -> sending -> sent; a delivery
// failure puts it back to pending (or failed once attempts are exhausted),
// and a sending claim that outlives its worker is re-fetched after a
// visibility timeout.
const (
	JobPending = "pending"
	JobSending = "sending"
	JobSent    = "sent"
	JobFailed  = "failed"
)

// OutboxJob is a durable follow-up task written by the webhook reconciler
// and drained by the outbox worker. Persisting the row before responding to
// the gateway is what gives notification delivery its at-least-once
// guarantee.
type OutboxJob struct {
	ID        string       `db:"id" json:"id"`
	Kind      string       `db:"kind" json:"kind"`
	OrderID   int64        `db:"order_id" json:"order_id"`
	Payload   []byte       `db:"payload" json:"payload"`
	Status    string       `db:"status" json:"status"`
	Attempts  int          `db:"attempts" json:"attempts"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	ClaimedAt sql.NullTime `db:"claimed_at" json:"claimed_at,omitempty"`
	SentAt    sql.NullTime `db:"sent_at" json:"sent_at,omitempty"`
}

// NotificationEvent is the message the outbox worker publishes to the
// notifications topic. Consumers must tolerate duplicates.
type NotificationEvent struct {
	JobID       string    `json:"job_id"`
	Kind        string    `json:"kind"`
	OrderID     int64     `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	UserID      int64     `json:"user_id"`
	Amount      int64     `json:"amount"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
