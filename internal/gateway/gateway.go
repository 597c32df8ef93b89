package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"storefront/internal/models"
)

// ErrUnsupported is returned when a gateway variant does not implement an
// operation (COD has no webhooks or captures).
var ErrUnsupported = errors.New("operation not supported by gateway")

// ErrNotConfigured is returned when a gateway is selected but has no
// credentials.
var ErrNotConfigured = errors.New("gateway not configured")

// ErrInvalidSignature is returned when webhook authenticity verification
// fails. Handlers translate it to a 400 so the gateway stops retrying.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Error wraps a gateway API failure. It is recoverable: the order stays in
// its last consistent state and payment can be retried.
type Error struct {
	Gateway models.PaymentMethod
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Gateway, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Normalized webhook event types. Each gateway's ParseEvent maps its own
// vocabulary onto these; everything else comes through as EventUnknown and
// is logged and ignored.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCanceled  = "payment.canceled"
	EventPaymentRefunded  = "payment.refunded"
	EventPaymentDisputed  = "payment.disputed"
	EventOrderApproved    = "order.approved"
	EventUnknown          = "unknown"
)

// Event is a webhook event normalized across gateways.
type Event struct {
	ID        string // gateway's event id, the dedup key
	Type      string // one of the Event* constants
	RawType   string // gateway's own event type string, for the audit log
	PaymentID string // external payment id the event refers to
	RawStatus string // gateway's payment status vocabulary
}

// CreatePaymentResult is the outcome of initiating a payment.
type CreatePaymentResult struct {
	PaymentID   string
	Status      models.PaymentStatus
	RedirectURL string // where to send the customer, empty for COD
}

// Gateway is the capability set every payment variant implements.
type Gateway interface {
	Name() models.PaymentMethod
	// Configured reports whether credentials are present. Checkout refuses
	// unconfigured gateways up front instead of failing mid-payment.
	Configured() bool
	CreatePayment(ctx context.Context, order *models.Order, currency string) (*CreatePaymentResult, error)
	// CapturePayment executes the second phase of a two-phase payment and
	// returns the resulting normalized status.
	CapturePayment(ctx context.Context, externalID string) (models.PaymentStatus, error)
	RefundPayment(ctx context.Context, externalID string, amount int64) error
	// VerifyWebhook authenticates an inbound event. It fails closed: a
	// missing secret rejects everything unless the adapter was built in
	// explicitly-unverified development mode.
	VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) error
	ParseEvent(payload []byte) (*Event, error)
	// MapStatus translates the gateway's raw status vocabulary to the
	// normalized PaymentStatus. This table is the single source of truth
	// for that gateway's status semantics.
	MapStatus(raw string) models.PaymentStatus
}

// Registry selects the gateway variant for a payment method.
type Registry struct {
	gateways map[models.PaymentMethod]Gateway
}

// NewRegistry builds a registry from the given variants.
func NewRegistry(gateways ...Gateway) *Registry {
	m := make(map[models.PaymentMethod]Gateway, len(gateways))
	for _, g := range gateways {
		m[g.Name()] = g
	}
	return &Registry{gateways: m}
}

// ForMethod returns the gateway for a payment method.
func (r *Registry) ForMethod(method models.PaymentMethod) (Gateway, error) {
	g, ok := r.gateways[method]
	if !ok {
		return nil, fmt.Errorf("unknown payment method %q", method)
	}
	return g, nil
}
