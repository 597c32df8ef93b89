package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"storefront/internal/gateway"
	"storefront/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loggedWebhook struct {
	gw      models.PaymentMethod
	id      string
	payload []byte
}

// fakeWebhookStore implements WebhookStore in memory with the same
// single-inserter and single-claimant semantics as the webhook_logs table.
type fakeWebhookStore struct {
	mu        sync.Mutex
	rows      map[string]loggedWebhook
	claims    map[string]time.Time
	processed map[string]bool
	claimTTL  time.Duration
	jobs      []*models.OutboxJob
	payments  map[string]*models.Payment
	orders    map[int64]*models.Order
}

func newFakeWebhookStore() *fakeWebhookStore {
	order := &models.Order{ID: 10, OrderNumber: "20260901-aa11bb22cc", UserID: 7, TotalAmount: 2500}
	return &fakeWebhookStore{
		rows:      map[string]loggedWebhook{},
		claims:    map[string]time.Time{},
		processed: map[string]bool{},
		claimTTL:  2 * time.Minute,
		payments: map[string]*models.Payment{
			"pi_123": {ID: 1, OrderID: 10, Gateway: models.MethodStripe, PaymentID: "pi_123", Amount: 2500, Status: models.PaymentPending},
		},
		orders: map[int64]*models.Order{10: order},
	}
}

func (f *fakeWebhookStore) key(gw models.PaymentMethod, id string) string {
	return string(gw) + "/" + id
}

func (f *fakeWebhookStore) LogWebhook(ctx context.Context, gw models.PaymentMethod, eventType, webhookID string, payload []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(gw, webhookID)
	if _, ok := f.rows[k]; ok {
		return false, nil
	}
	f.rows[k] = loggedWebhook{gw: gw, id: webhookID, payload: payload}
	f.claims[k] = time.Now()
	return true, nil
}

func (f *fakeWebhookStore) ClaimWebhook(ctx context.Context, gw models.PaymentMethod, webhookID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(gw, webhookID)
	if f.processed[k] {
		return false, nil
	}
	if at, ok := f.claims[k]; ok && time.Since(at) < f.claimTTL {
		return false, nil
	}
	f.claims[k] = time.Now()
	return true, nil
}

func (f *fakeWebhookStore) ReleaseWebhookClaim(ctx context.Context, gw models.PaymentMethod, webhookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claims, f.key(gw, webhookID))
	return nil
}

func (f *fakeWebhookStore) StaleWebhooks(ctx context.Context, limit int) ([]models.WebhookLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stale []models.WebhookLog
	for k, row := range f.rows {
		if f.processed[k] {
			continue
		}
		at, ok := f.claims[k]
		if !ok || time.Since(at) < f.claimTTL {
			continue
		}
		stale = append(stale, models.WebhookLog{
			Gateway:   row.gw,
			WebhookID: row.id,
			Payload:   row.payload,
		})
		if len(stale) == limit {
			break
		}
	}
	return stale, nil
}

func (f *fakeWebhookStore) IsWebhookProcessed(ctx context.Context, gw models.PaymentMethod, webhookID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[f.key(gw, webhookID)], nil
}

func (f *fakeWebhookStore) MarkWebhookProcessed(ctx context.Context, gw models.PaymentMethod, webhookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[f.key(gw, webhookID)] = true
	return nil
}

func (f *fakeWebhookStore) EnqueueJob(ctx context.Context, job *models.OutboxJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeWebhookStore) GetPaymentByExternalID(ctx context.Context, externalID string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[externalID]
	if !ok {
		return nil, fmt.Errorf("payment %s not found", externalID)
	}
	return p, nil
}

func (f *fakeWebhookStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d not found", id)
	}
	return o, nil
}

func (f *fakeWebhookStore) hasClaim(gw models.PaymentMethod, webhookID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.claims[f.key(gw, webhookID)]
	return ok
}

type statusChange struct {
	externalID string
	status     models.PaymentStatus
}

type fakeApplier struct {
	mu       sync.Mutex
	applied  []statusChange
	captured []string
	applyErr error
}

func (f *fakeApplier) ApplyPaymentStatus(ctx context.Context, externalID string, status models.PaymentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, statusChange{externalID, status})
	return nil
}

func (f *fakeApplier) CapturePayment(ctx context.Context, method models.PaymentMethod, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, externalID)
	return nil
}

// fakeGateway is a signature-transparent gateway for exercising the
// processing pipeline.
type fakeGateway struct {
	name      models.PaymentMethod
	rejectSig bool
}

func (f *fakeGateway) Name() models.PaymentMethod { return f.name }
func (f *fakeGateway) Configured() bool           { return true }

func (f *fakeGateway) CreatePayment(ctx context.Context, order *models.Order, currency string) (*gateway.CreatePaymentResult, error) {
	return nil, gateway.ErrUnsupported
}

func (f *fakeGateway) CapturePayment(ctx context.Context, externalID string) (models.PaymentStatus, error) {
	return models.PaymentPaid, nil
}

func (f *fakeGateway) RefundPayment(ctx context.Context, externalID string, amount int64) error {
	return nil
}

func (f *fakeGateway) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	if f.rejectSig {
		return gateway.ErrInvalidSignature
	}
	return nil
}

func (f *fakeGateway) ParseEvent(payload []byte) (*gateway.Event, error) {
	var event gateway.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func (f *fakeGateway) MapStatus(raw string) models.PaymentStatus {
	return models.PaymentPending
}

func eventPayload(t *testing.T, event gateway.Event) []byte {
	t.Helper()
	data, err := json.Marshal(event)
	require.NoError(t, err)
	return data
}

func newReconcilerFixture(rejectSig bool) (*WebhookProcessor, *fakeWebhookStore, *fakeApplier) {
	st := newFakeWebhookStore()
	applier := &fakeApplier{}
	registry := gateway.NewRegistry(&fakeGateway{name: models.MethodStripe, rejectSig: rejectSig})
	return NewWebhookProcessor(st, applier, registry), st, applier
}

func TestWebhookIdempotency(t *testing.T) {
	wp, st, applier := newReconcilerFixture(false)

	payload := eventPayload(t, gateway.Event{
		ID: "evt_1", Type: gateway.EventPaymentSucceeded,
		RawType: "payment_intent.succeeded", PaymentID: "pi_123", RawStatus: "succeeded",
	})

	// First delivery: one status transition, one queued job.
	result, err := wp.Process(context.Background(), models.MethodStripe, payload, http.Header{})
	require.NoError(t, err)
	assert.False(t, result.AlreadyProcessed)
	require.Len(t, applier.applied, 1)
	assert.Equal(t, statusChange{"pi_123", models.PaymentPaid}, applier.applied[0])
	require.Len(t, st.jobs, 1)
	assert.Equal(t, models.JobConfirmationEmail, st.jobs[0].Kind)

	// Redelivery of the same event id: zero additional writes.
	result, err = wp.Process(context.Background(), models.MethodStripe, payload, http.Header{})
	require.NoError(t, err)
	assert.True(t, result.AlreadyProcessed)
	assert.Len(t, applier.applied, 1)
	assert.Len(t, st.jobs, 1)
}

func TestWebhookConcurrentDeliveriesDispatchOnce(t *testing.T) {
	// Two simultaneous deliveries of the same event id: the insert elects
	// one winner and the claim keeps the loser from re-running side effects
	// while the winner is mid-dispatch.
	wp, st, applier := newReconcilerFixture(false)

	payload := eventPayload(t, gateway.Event{
		ID: "evt_race", Type: gateway.EventPaymentSucceeded,
		RawType: "payment_intent.succeeded", PaymentID: "pi_123", RawStatus: "succeeded",
	})

	var wg sync.WaitGroup
	results := make([]*WebhookResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = wp.Process(context.Background(), models.MethodStripe, payload, http.Header{})
		}(i)
	}
	wg.Wait()

	var dispatched int
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].AlreadyProcessed {
			dispatched++
		}
	}
	assert.Equal(t, 1, dispatched, "exactly one delivery may run side effects")
	assert.Len(t, applier.applied, 1)
	assert.Len(t, st.jobs, 1)
}

func TestWebhookInFlightDuplicateAcknowledged(t *testing.T) {
	// The event is logged and its claim is live: a second delivery must be
	// acknowledged without touching payment state.
	wp, st, applier := newReconcilerFixture(false)
	st.rows[st.key(models.MethodStripe, "evt_9")] = loggedWebhook{gw: models.MethodStripe, id: "evt_9"}
	st.claims[st.key(models.MethodStripe, "evt_9")] = time.Now()

	payload := eventPayload(t, gateway.Event{
		ID: "evt_9", Type: gateway.EventPaymentSucceeded,
		RawType: "payment_intent.succeeded", PaymentID: "pi_123",
	})

	result, err := wp.Process(context.Background(), models.MethodStripe, payload, http.Header{})
	require.NoError(t, err)
	assert.True(t, result.AlreadyProcessed)
	assert.Empty(t, applier.applied)
	assert.Empty(t, st.jobs)
}

func TestWebhookDispatchFailureReleasesClaim(t *testing.T) {
	wp, st, applier := newReconcilerFixture(false)
	applier.applyErr = fmt.Errorf("order row missing")

	payload := eventPayload(t, gateway.Event{
		ID: "evt_err", Type: gateway.EventPaymentSucceeded,
		RawType: "payment_intent.succeeded", PaymentID: "pi_123",
	})

	_, err := wp.Process(context.Background(), models.MethodStripe, payload, http.Header{})
	require.Error(t, err)
	assert.False(t, st.hasClaim(models.MethodStripe, "evt_err"),
		"failed dispatch must free the claim for the next redelivery")

	// Redelivery succeeds once the transient failure clears.
	applier.applyErr = nil
	result, err := wp.Process(context.Background(), models.MethodStripe, payload, http.Header{})
	require.NoError(t, err)
	assert.False(t, result.AlreadyProcessed)
	assert.Len(t, applier.applied, 1)
}

func TestWebhookInvalidSignature(t *testing.T) {
	wp, st, applier := newReconcilerFixture(true)

	payload := eventPayload(t, gateway.Event{
		ID: "evt_2", Type: gateway.EventPaymentSucceeded, PaymentID: "pi_123",
	})

	_, err := wp.Process(context.Background(), models.MethodStripe, payload, http.Header{})
	require.ErrorIs(t, err, gateway.ErrInvalidSignature)
	assert.Empty(t, applier.applied)
	assert.Empty(t, st.rows, "rejected events must not be logged")
}

func TestWebhookPaymentFailed(t *testing.T) {
	wp, st, applier := newReconcilerFixture(false)

	payload := eventPayload(t, gateway.Event{
		ID: "evt_3", Type: gateway.EventPaymentFailed,
		RawType: "payment_intent.payment_failed", PaymentID: "pi_123",
	})

	_, err := wp.Process(context.Background(), models.MethodStripe, payload, http.Header{})
	require.NoError(t, err)
	require.Len(t, applier.applied, 1)
	assert.Equal(t, models.PaymentCancelled, applier.applied[0].status)
	require.Len(t, st.jobs, 1)
	assert.Equal(t, models.JobPaymentFailed, st.jobs[0].Kind)
}

func TestWebhookRefunded(t *testing.T) {
	wp, st, applier := newReconcilerFixture(false)

	payload := eventPayload(t, gateway.Event{
		ID: "evt_4", Type: gateway.EventPaymentRefunded,
		RawType: "charge.refunded", PaymentID: "pi_123",
	})

	_, err := wp.Process(context.Background(), models.MethodStripe, payload, http.Header{})
	require.NoError(t, err)
	require.Len(t, applier.applied, 1)
	assert.Equal(t, models.PaymentRefunded, applier.applied[0].status)
	require.Len(t, st.jobs, 1)
	assert.Equal(t, models.JobRefundEmail, st.jobs[0].Kind)
}

func TestWebhookDisputeQueuesAlert(t *testing.T) {
	wp, st, applier := newReconcilerFixture(false)

	payload := eventPayload(t, gateway.Event{
		ID: "evt_5", Type: gateway.EventPaymentDisputed,
		RawType: "charge.dispute.created", PaymentID: "pi_123",
	})

	_, err := wp.Process(context.Background(), models.MethodStripe, payload, http.Header{})
	require.NoError(t, err)
	require.Len(t, applier.applied, 1)
	assert.Equal(t, models.PaymentDisputed, applier.applied[0].status)
	require.Len(t, st.jobs, 1)
	assert.Equal(t, models.JobDisputeAlert, st.jobs[0].Kind)
}

func TestWebhookOrderApprovedTriggersCapture(t *testing.T) {
	wp, st, applier := newReconcilerFixture(false)

	payload := eventPayload(t, gateway.Event{
		ID: "evt_6", Type: gateway.EventOrderApproved,
		RawType: "CHECKOUT.ORDER.APPROVED", PaymentID: "pi_123",
	})

	_, err := wp.Process(context.Background(), models.MethodStripe, payload, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, []string{"pi_123"}, applier.captured)
	assert.Empty(t, applier.applied, "paid status arrives via the capture webhook")
	assert.Empty(t, st.jobs)
}

func TestWebhookUnknownEventTypeIgnored(t *testing.T) {
	wp, st, applier := newReconcilerFixture(false)

	payload := eventPayload(t, gateway.Event{
		ID: "evt_7", Type: gateway.EventUnknown, RawType: "customer.created",
	})

	result, err := wp.Process(context.Background(), models.MethodStripe, payload, http.Header{})
	require.NoError(t, err)
	assert.False(t, result.AlreadyProcessed)
	assert.Empty(t, applier.applied)
	assert.Empty(t, st.jobs)
	// Still marked processed so redeliveries short-circuit.
	processed, _ := st.IsWebhookProcessed(context.Background(), models.MethodStripe, "evt_7")
	assert.True(t, processed)
}

func TestWebhookReleasedClaimRetriesOnRedelivery(t *testing.T) {
	// The event is logged but its claim was released after a failed
	// dispatch: the redelivery reclaims and runs the side effects.
	wp, st, applier := newReconcilerFixture(false)
	st.rows[st.key(models.MethodStripe, "evt_8")] = loggedWebhook{gw: models.MethodStripe, id: "evt_8"}

	payload := eventPayload(t, gateway.Event{
		ID: "evt_8", Type: gateway.EventPaymentSucceeded,
		RawType: "payment_intent.succeeded", PaymentID: "pi_123",
	})

	result, err := wp.Process(context.Background(), models.MethodStripe, payload, http.Header{})
	require.NoError(t, err)
	assert.False(t, result.AlreadyProcessed)
	assert.Len(t, applier.applied, 1)
}

func TestRecoverStaleFinishesCrashedEvent(t *testing.T) {
	// The claim holder died mid-dispatch; once the claim expires the sweep
	// re-parses the logged payload and finishes processing.
	wp, st, applier := newReconcilerFixture(false)

	payload := eventPayload(t, gateway.Event{
		ID: "evt_stale", Type: gateway.EventPaymentSucceeded,
		RawType: "payment_intent.succeeded", PaymentID: "pi_123",
	})
	k := st.key(models.MethodStripe, "evt_stale")
	st.rows[k] = loggedWebhook{gw: models.MethodStripe, id: "evt_stale", payload: payload}
	st.claims[k] = time.Now().Add(-10 * time.Minute)

	require.NoError(t, wp.RecoverStale(context.Background(), 10))

	require.Len(t, applier.applied, 1)
	assert.Equal(t, statusChange{"pi_123", models.PaymentPaid}, applier.applied[0])
	require.Len(t, st.jobs, 1)
	processed, _ := st.IsWebhookProcessed(context.Background(), models.MethodStripe, "evt_stale")
	assert.True(t, processed)
}

func TestRecoverStaleLeavesLiveClaimsAlone(t *testing.T) {
	wp, st, applier := newReconcilerFixture(false)

	payload := eventPayload(t, gateway.Event{
		ID: "evt_live", Type: gateway.EventPaymentSucceeded,
		RawType: "payment_intent.succeeded", PaymentID: "pi_123",
	})
	k := st.key(models.MethodStripe, "evt_live")
	st.rows[k] = loggedWebhook{gw: models.MethodStripe, id: "evt_live", payload: payload}
	st.claims[k] = time.Now()

	require.NoError(t, wp.RecoverStale(context.Background(), 10))
	assert.Empty(t, applier.applied)
	assert.Empty(t, st.jobs)
}
