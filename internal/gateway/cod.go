package gateway

import (
	"context"
	"fmt"
	"net/http"

	"storefront/internal/models"

	"github.com/google/uuid"
)

// COD is the cash-on-delivery variant. Payment creation always succeeds and
// stays pending until fulfilment; there is no external gateway, so webhook
// and two-phase operations are unsupported.
type COD struct{}

// NewCOD creates the cash-on-delivery gateway.
func NewCOD() *COD {
	return &COD{}
}

func (c *COD) Name() models.PaymentMethod {
	return models.MethodCOD
}

func (c *COD) Configured() bool {
	return true
}

func (c *COD) CreatePayment(ctx context.Context, order *models.Order, currency string) (*CreatePaymentResult, error) {
	return &CreatePaymentResult{
		PaymentID: fmt.Sprintf("cod-%s", uuid.New().String()),
		Status:    models.PaymentPending,
	}, nil
}

func (c *COD) CapturePayment(ctx context.Context, externalID string) (models.PaymentStatus, error) {
	return "", ErrUnsupported
}

func (c *COD) RefundPayment(ctx context.Context, externalID string, amount int64) error {
	return ErrUnsupported
}

func (c *COD) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	return ErrUnsupported
}

func (c *COD) ParseEvent(payload []byte) (*Event, error) {
	return nil, ErrUnsupported
}

func (c *COD) MapStatus(raw string) models.PaymentStatus {
	return models.PaymentPending
}
