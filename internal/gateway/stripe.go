package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"storefront/internal/models"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// StripeConfig holds Stripe credentials. AllowUnverified disables webhook
// signature checks for local development only; the adapter logs loudly when
// it is set because it is a security-relevant degraded state.
type StripeConfig struct {
	SecretKey       string
	WebhookSecret   string
	BaseURL         string
	AllowUnverified bool
}

// Stripe talks to the Stripe payment-intents API.
type Stripe struct {
	cfg    StripeConfig
	client *http.Client
	logger *zap.Logger
}

// Signed webhook payloads older than this are rejected to limit replay.
const stripeSignatureTolerance = 5 * time.Minute

// NewStripe creates the Stripe gateway.
func NewStripe(cfg StripeConfig) *Stripe {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.stripe.com"
	}
	logger := util.GetLogger()
	if cfg.AllowUnverified {
		logger.Warn("SECURITY: stripe webhook verification is DISABLED; accepting unsigned webhooks",
			zap.String("gateway", "stripe"))
	}
	return &Stripe{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

func (s *Stripe) Name() models.PaymentMethod {
	return models.MethodStripe
}

func (s *Stripe) Configured() bool {
	return s.cfg.SecretKey != ""
}

type stripeIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret"`
}

func (s *Stripe) CreatePayment(ctx context.Context, order *models.Order, currency string) (*CreatePaymentResult, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(order.TotalAmount, 10))
	form.Set("currency", currency)
	form.Set("metadata[order_id]", strconv.FormatInt(order.ID, 10))
	form.Set("metadata[order_number]", order.OrderNumber)

	var intent stripeIntent
	if err := s.do(ctx, http.MethodPost, "/v1/payment_intents", form, &intent); err != nil {
		return nil, &Error{Gateway: models.MethodStripe, Op: "create_payment", Err: err}
	}

	return &CreatePaymentResult{
		PaymentID:   intent.ID,
		Status:      s.MapStatus(intent.Status),
		RedirectURL: fmt.Sprintf("/checkout/pay?client_secret=%s", intent.ClientSecret),
	}, nil
}

func (s *Stripe) CapturePayment(ctx context.Context, externalID string) (models.PaymentStatus, error) {
	if !s.Configured() {
		return "", ErrNotConfigured
	}

	var intent stripeIntent
	path := fmt.Sprintf("/v1/payment_intents/%s/capture", externalID)
	if err := s.do(ctx, http.MethodPost, path, url.Values{}, &intent); err != nil {
		return "", &Error{Gateway: models.MethodStripe, Op: "capture_payment", Err: err}
	}
	return s.MapStatus(intent.Status), nil
}

func (s *Stripe) RefundPayment(ctx context.Context, externalID string, amount int64) error {
	if !s.Configured() {
		return ErrNotConfigured
	}

	form := url.Values{}
	form.Set("payment_intent", externalID)
	if amount > 0 {
		form.Set("amount", strconv.FormatInt(amount, 10))
	}

	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := s.do(ctx, http.MethodPost, "/v1/refunds", form, &refund); err != nil {
		return &Error{Gateway: models.MethodStripe, Op: "refund_payment", Err: err}
	}
	return nil
}

// VerifyWebhook checks the Stripe-Signature header: an HMAC-SHA256 of
// "<timestamp>.<payload>" keyed by the webhook secret, with a bounded
// timestamp tolerance.
func (s *Stripe) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	if s.cfg.WebhookSecret == "" {
		if s.cfg.AllowUnverified {
			s.logger.Warn("SECURITY: accepting UNVERIFIED stripe webhook (no secret configured)")
			return nil
		}
		return fmt.Errorf("stripe webhook secret not configured: %w", ErrInvalidSignature)
	}

	header := headers.Get("Stripe-Signature")
	if header == "" {
		return fmt.Errorf("missing Stripe-Signature header: %w", ErrInvalidSignature)
	}

	var timestamp int64
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return fmt.Errorf("bad signature timestamp: %w", ErrInvalidSignature)
			}
			timestamp = ts
		case "v1":
			sig, err := hex.DecodeString(kv[1])
			if err != nil {
				continue
			}
			sigs = append(sigs, sig)
		}
	}

	if timestamp == 0 || len(sigs) == 0 {
		return fmt.Errorf("malformed Stripe-Signature header: %w", ErrInvalidSignature)
	}

	age := time.Since(time.Unix(timestamp, 0))
	if age > stripeSignatureTolerance || age < -stripeSignatureTolerance {
		return fmt.Errorf("signature timestamp outside tolerance: %w", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func (s *Stripe) ParseEvent(payload []byte) (*Event, error) {
	var raw struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID            string `json:"id"`
				Status        string `json:"status"`
				PaymentIntent string `json:"payment_intent"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse stripe event: %w", err)
	}

	paymentID := raw.Data.Object.ID
	// charge.* and dispute events reference the intent indirectly.
	if raw.Data.Object.PaymentIntent != "" {
		paymentID = raw.Data.Object.PaymentIntent
	}

	event := &Event{
		ID:        raw.ID,
		RawType:   raw.Type,
		PaymentID: paymentID,
		RawStatus: raw.Data.Object.Status,
	}

	switch raw.Type {
	case "payment_intent.succeeded":
		event.Type = EventPaymentSucceeded
	case "payment_intent.payment_failed":
		event.Type = EventPaymentFailed
	case "payment_intent.canceled":
		event.Type = EventPaymentCanceled
	case "charge.refunded":
		event.Type = EventPaymentRefunded
	case "charge.dispute.created":
		event.Type = EventPaymentDisputed
	default:
		event.Type = EventUnknown
	}
	return event, nil
}

// stripeStatusToPayment normalizes Stripe's payment-intent status vocabulary
// onto PaymentStatus. Anything absent from this table maps to pending.
var stripeStatusToPayment = map[string]models.PaymentStatus{
	"succeeded":               models.PaymentPaid,
	"canceled":                models.PaymentCancelled,
	"failed":                  models.PaymentCancelled,
	"processing":              models.PaymentPending,
	"requires_payment_method": models.PaymentPending,
	"requires_confirmation":   models.PaymentPending,
	"requires_action":         models.PaymentPending,
	"requires_capture":        models.PaymentPending,
}

func (s *Stripe) MapStatus(raw string) models.PaymentStatus {
	if status, ok := stripeStatusToPayment[raw]; ok {
		return status
	}
	return models.PaymentPending
}

func (s *Stripe) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("stripe request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read stripe response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("stripe API error: status=%d body=%s", resp.StatusCode, body)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode stripe response: %w", err)
		}
	}
	return nil
}
