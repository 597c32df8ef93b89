package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"storefront/internal/models"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// PayPalConfig holds PayPal REST credentials. WebhookID identifies the
// webhook subscription used by the verify-webhook-signature API.
type PayPalConfig struct {
	ClientID        string
	Secret          string
	BaseURL         string
	WebhookID       string
	AllowUnverified bool
}

// PayPal talks to the PayPal v2 checkout-orders API. Its payments are
// two-phase: the customer approves the order first, then an explicit capture
// call moves the funds.
type PayPal struct {
	cfg    PayPalConfig
	client *http.Client
	logger *zap.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewPayPal creates the PayPal gateway.
func NewPayPal(cfg PayPalConfig) *PayPal {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api-m.sandbox.paypal.com"
	}
	logger := util.GetLogger()
	if cfg.AllowUnverified {
		logger.Warn("SECURITY: paypal webhook verification is DISABLED; accepting unsigned webhooks",
			zap.String("gateway", "paypal"))
	}
	return &PayPal{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

func (p *PayPal) Name() models.PaymentMethod {
	return models.MethodPayPal
}

func (p *PayPal) Configured() bool {
	return p.cfg.ClientID != "" && p.cfg.Secret != ""
}

// token returns a cached client-credentials access token, refreshing it
// shortly before expiry.
func (p *PayPal) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && time.Now().Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/v1/oauth2/token",
		strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("paypal token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("paypal token request failed: status=%d", resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("failed to decode paypal token: %w", err)
	}

	p.accessToken = tok.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn-60) * time.Second)
	return p.accessToken, nil
}

type paypalOrder struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (p *PayPal) CreatePayment(ctx context.Context, order *models.Order, currency string) (*CreatePaymentResult, error) {
	if !p.Configured() {
		return nil, ErrNotConfigured
	}

	body := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{{
			"reference_id": order.OrderNumber,
			"amount": map[string]string{
				"currency_code": strings.ToUpper(currency),
				"value":         formatMinorUnits(order.TotalAmount),
			},
		}},
	}

	var created paypalOrder
	if err := p.do(ctx, http.MethodPost, "/v2/checkout/orders", body, &created); err != nil {
		return nil, &Error{Gateway: models.MethodPayPal, Op: "create_payment", Err: err}
	}

	result := &CreatePaymentResult{
		PaymentID: created.ID,
		Status:    p.MapStatus(created.Status),
	}
	for _, link := range created.Links {
		if link.Rel == "approve" {
			result.RedirectURL = link.Href
		}
	}
	return result, nil
}

// CapturePayment executes the capture phase after customer approval.
func (p *PayPal) CapturePayment(ctx context.Context, externalID string) (models.PaymentStatus, error) {
	if !p.Configured() {
		return "", ErrNotConfigured
	}

	var captured paypalOrder
	path := fmt.Sprintf("/v2/checkout/orders/%s/capture", externalID)
	if err := p.do(ctx, http.MethodPost, path, map[string]interface{}{}, &captured); err != nil {
		return "", &Error{Gateway: models.MethodPayPal, Op: "capture_payment", Err: err}
	}
	return p.MapStatus(captured.Status), nil
}

// RefundPayment refunds the capture behind a checkout order. PayPal refunds
// target the capture id, so the order is fetched first to find it.
func (p *PayPal) RefundPayment(ctx context.Context, externalID string, amount int64) error {
	if !p.Configured() {
		return ErrNotConfigured
	}

	var order paypalOrder
	if err := p.do(ctx, http.MethodGet, "/v2/checkout/orders/"+externalID, nil, &order); err != nil {
		return &Error{Gateway: models.MethodPayPal, Op: "refund_payment", Err: err}
	}

	var captureID string
	for _, unit := range order.PurchaseUnits {
		for _, capture := range unit.Payments.Captures {
			if capture.Status == "COMPLETED" {
				captureID = capture.ID
			}
		}
	}
	if captureID == "" {
		return &Error{Gateway: models.MethodPayPal, Op: "refund_payment",
			Err: fmt.Errorf("no completed capture for order %s", externalID)}
	}

	path := fmt.Sprintf("/v2/payments/captures/%s/refund", captureID)
	if err := p.do(ctx, http.MethodPost, path, map[string]interface{}{}, nil); err != nil {
		return &Error{Gateway: models.MethodPayPal, Op: "refund_payment", Err: err}
	}
	return nil
}

// VerifyWebhook authenticates the event through PayPal's
// verify-webhook-signature API. Fails closed unless development mode
// explicitly allows unverified events.
func (p *PayPal) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	if !p.Configured() || p.cfg.WebhookID == "" {
		if p.cfg.AllowUnverified {
			p.logger.Warn("SECURITY: accepting UNVERIFIED paypal webhook (no credentials configured)")
			return nil
		}
		return fmt.Errorf("paypal webhook verification not configured: %w", ErrInvalidSignature)
	}

	body := map[string]interface{}{
		"transmission_id":   headers.Get("Paypal-Transmission-Id"),
		"transmission_time": headers.Get("Paypal-Transmission-Time"),
		"transmission_sig":  headers.Get("Paypal-Transmission-Sig"),
		"cert_url":          headers.Get("Paypal-Cert-Url"),
		"auth_algo":         headers.Get("Paypal-Auth-Algo"),
		"webhook_id":        p.cfg.WebhookID,
		"webhook_event":     json.RawMessage(payload),
	}

	var result struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", body, &result); err != nil {
		return fmt.Errorf("paypal signature verification call failed: %w", err)
	}
	if result.VerificationStatus != "SUCCESS" {
		return ErrInvalidSignature
	}
	return nil
}

func (p *PayPal) ParseEvent(payload []byte) (*Event, error) {
	var raw struct {
		ID        string `json:"id"`
		EventType string `json:"event_type"`
		Resource  struct {
			ID                string `json:"id"`
			Status            string `json:"status"`
			SupplementaryData struct {
				RelatedIDs struct {
					OrderID string `json:"order_id"`
				} `json:"related_ids"`
			} `json:"supplementary_data"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse paypal event: %w", err)
	}

	// Capture events carry the capture id in resource.id; the checkout
	// order id we keyed the payment on lives in supplementary_data.
	paymentID := raw.Resource.ID
	if raw.Resource.SupplementaryData.RelatedIDs.OrderID != "" {
		paymentID = raw.Resource.SupplementaryData.RelatedIDs.OrderID
	}

	event := &Event{
		ID:        raw.ID,
		RawType:   raw.EventType,
		PaymentID: paymentID,
		RawStatus: raw.Resource.Status,
	}

	switch raw.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		event.Type = EventOrderApproved
	case "PAYMENT.CAPTURE.COMPLETED":
		event.Type = EventPaymentSucceeded
	case "PAYMENT.CAPTURE.DENIED":
		event.Type = EventPaymentFailed
	case "PAYMENT.CAPTURE.REFUNDED":
		event.Type = EventPaymentRefunded
	case "CUSTOMER.DISPUTE.CREATED":
		event.Type = EventPaymentDisputed
	default:
		event.Type = EventUnknown
	}
	return event, nil
}

// paypalStatusToPayment normalizes PayPal's order/capture status vocabulary
// onto PaymentStatus. Anything absent from this table maps to pending.
var paypalStatusToPayment = map[string]models.PaymentStatus{
	"COMPLETED": models.PaymentPaid,
	"CAPTURED":  models.PaymentPaid,
	"DECLINED":  models.PaymentCancelled,
	"DENIED":    models.PaymentCancelled,
	"VOIDED":    models.PaymentCancelled,
	"FAILED":    models.PaymentCancelled,
	"REFUNDED":  models.PaymentRefunded,
	"CREATED":   models.PaymentPending,
	"SAVED":     models.PaymentPending,
	"APPROVED":  models.PaymentPending,
	"PENDING":   models.PaymentPending,
}

func (p *PayPal) MapStatus(raw string) models.PaymentStatus {
	if status, ok := paypalStatusToPayment[strings.ToUpper(raw)]; ok {
		return status
	}
	return models.PaymentPending
}

func (p *PayPal) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	token, err := p.token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("paypal request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read paypal response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("paypal API error: status=%d body=%s", resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode paypal response: %w", err)
		}
	}
	return nil
}

// formatMinorUnits renders an amount held in minor units (cents) as the
// "123.45" decimal string PayPal expects.
func formatMinorUnits(amount int64) string {
	return fmt.Sprintf("%d.%02d", amount/100, amount%100)
}
