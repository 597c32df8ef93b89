package gateway

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"storefront/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCODCreatePayment(t *testing.T) {
	c := NewCOD()
	order := &models.Order{ID: 7, TotalAmount: 2500}

	result, err := c.CreatePayment(context.Background(), order, "usd")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(result.PaymentID, "cod-"))
	assert.Equal(t, models.PaymentPending, result.Status)
	assert.Empty(t, result.RedirectURL)
}

func TestCODUnsupportedOperations(t *testing.T) {
	c := NewCOD()

	_, err := c.CapturePayment(context.Background(), "cod-1")
	assert.ErrorIs(t, err, ErrUnsupported)

	assert.ErrorIs(t, c.RefundPayment(context.Background(), "cod-1", 100), ErrUnsupported)
	assert.ErrorIs(t, c.VerifyWebhook(context.Background(), nil, http.Header{}), ErrUnsupported)

	_, err = c.ParseEvent(nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestRegistrySelectsByMethod(t *testing.T) {
	registry := NewRegistry(NewCOD(), NewStripe(StripeConfig{SecretKey: "sk_test"}))

	g, err := registry.ForMethod(models.MethodCOD)
	require.NoError(t, err)
	assert.Equal(t, models.MethodCOD, g.Name())

	g, err = registry.ForMethod(models.MethodStripe)
	require.NoError(t, err)
	assert.Equal(t, models.MethodStripe, g.Name())

	_, err = registry.ForMethod(models.MethodPayPal)
	assert.Error(t, err)
}
