package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"storefront/internal/gateway"
	"storefront/internal/models"
	"storefront/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	products map[int64]*models.Product
}

func (f *fakeCatalog) GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]*models.Product, error) {
	out := make(map[int64]*models.Product)
	for _, id := range ids {
		if p, ok := f.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type fakeOrderCreator struct {
	created   []*models.Order
	lines     [][]OrderLine
	err       error
	nextID    int64
	nextTotal int64
}

func (f *fakeOrderCreator) CreateOrder(ctx context.Context, order *models.Order, lines []OrderLine) error {
	if f.err != nil {
		return f.err
	}
	f.nextID++
	order.ID = f.nextID
	order.OrderNumber = "20260901-abcdef0123"
	order.TotalAmount = f.nextTotal
	f.created = append(f.created, order)
	f.lines = append(f.lines, lines)
	return nil
}

type fakeCartAccess struct {
	cart    *models.Cart
	cleared []int64
}

func (f *fakeCartAccess) EffectiveCart(ctx context.Context, ref CartRef) (*models.Cart, error) {
	return f.cart, nil
}

func (f *fakeCartAccess) ClearItems(ctx context.Context, ref CartRef, productIDs []int64) error {
	f.cleared = append(f.cleared, productIDs...)
	return nil
}

type fakePayments struct {
	result       *gateway.CreatePaymentResult
	err          error
	unconfigured map[models.PaymentMethod]bool
	initiated    int
}

func (f *fakePayments) InitiatePayment(ctx context.Context, order *models.Order) (*gateway.CreatePaymentResult, error) {
	f.initiated++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakePayments) MethodConfigured(method models.PaymentMethod) bool {
	return !f.unconfigured[method]
}

func activeProduct(id int64, price int64, qty int) *models.Product {
	return &models.Product{ID: id, Name: "product", Price: price, Quantity: qty, Status: models.ProductActive}
}

func validRequest() *CheckoutRequest {
	return &CheckoutRequest{
		UserID:          7,
		SessionID:       "sess-1",
		PaymentMethod:   models.MethodCOD,
		ShippingName:    "Jane Doe",
		ShippingPhone:   "555-0100",
		ShippingAddress: "1 Main St",
	}
}

func newCheckoutFixture(cart *models.Cart, products map[int64]*models.Product) (*CheckoutService, *fakeOrderCreator, *fakeCartAccess, *fakePayments) {
	catalog := &fakeCatalog{products: products}
	orders := &fakeOrderCreator{}
	carts := &fakeCartAccess{cart: cart}
	payments := &fakePayments{result: &gateway.CreatePaymentResult{PaymentID: "cod-1", Status: models.PaymentPending}}
	return NewCheckoutService(catalog, orders, carts, payments), orders, carts, payments
}

func TestCheckoutSuccess(t *testing.T) {
	cart := &models.Cart{Items: []models.CartItem{
		{ProductID: 1, ProductName: "widget", Quantity: 2, Price: 1000},
	}}
	svc, orders, carts, _ := newCheckoutFixture(cart, map[int64]*models.Product{
		1: activeProduct(1, 1000, 5),
	})

	result, cerr := svc.Checkout(context.Background(), validRequest())
	require.Nil(t, cerr)
	assert.NotZero(t, result.OrderID)
	assert.NotEmpty(t, result.OrderNumber)
	require.Len(t, orders.created, 1)
	assert.Equal(t, []int64{1}, carts.cleared)
}

func TestCheckoutInsufficientStock(t *testing.T) {
	// Cart wants 2 units, only 1 in stock: no order may be created.
	cart := &models.Cart{Items: []models.CartItem{
		{ProductID: 1, ProductName: "widget", Quantity: 2, Price: 1000},
	}}
	svc, orders, carts, _ := newCheckoutFixture(cart, map[int64]*models.Product{
		1: activeProduct(1, 1000, 1),
	})

	result, cerr := svc.Checkout(context.Background(), validRequest())
	assert.Nil(t, result)
	require.NotNil(t, cerr)
	assert.Equal(t, CodeStockInsufficient, cerr.Code)
	assert.Empty(t, orders.created)
	assert.Empty(t, carts.cleared, "cart must stay untouched on failure")
}

func TestCheckoutInactiveProduct(t *testing.T) {
	cart := &models.Cart{Items: []models.CartItem{
		{ProductID: 1, ProductName: "widget", Quantity: 1, Price: 1000},
	}}
	inactive := activeProduct(1, 1000, 5)
	inactive.Status = models.ProductInactive
	svc, orders, _, _ := newCheckoutFixture(cart, map[int64]*models.Product{1: inactive})

	_, cerr := svc.Checkout(context.Background(), validRequest())
	require.NotNil(t, cerr)
	assert.Equal(t, CodeProductUnavailable, cerr.Code)
	assert.Empty(t, orders.created)
}

func TestCheckoutMissingProduct(t *testing.T) {
	cart := &models.Cart{Items: []models.CartItem{
		{ProductID: 99, ProductName: "ghost", Quantity: 1, Price: 1000},
	}}
	svc, _, _, _ := newCheckoutFixture(cart, map[int64]*models.Product{})

	_, cerr := svc.Checkout(context.Background(), validRequest())
	require.NotNil(t, cerr)
	assert.Equal(t, CodeProductUnavailable, cerr.Code)
}

func TestCheckoutEmptyCart(t *testing.T) {
	svc, _, _, _ := newCheckoutFixture(&models.Cart{}, nil)

	_, cerr := svc.Checkout(context.Background(), validRequest())
	require.NotNil(t, cerr)
	assert.Equal(t, CodeValidationFailed, cerr.Code)
	assert.Equal(t, "/cart", cerr.Redirect)
}

func TestCheckoutRequiresShippingProfile(t *testing.T) {
	svc, _, _, _ := newCheckoutFixture(&models.Cart{}, nil)

	req := validRequest()
	req.ShippingAddress = "  "
	_, cerr := svc.Checkout(context.Background(), req)
	require.NotNil(t, cerr)
	assert.Equal(t, CodeValidationFailed, cerr.Code)
	assert.Equal(t, "/profile", cerr.Redirect)
}

func TestCheckoutRequiresAuthentication(t *testing.T) {
	svc, _, _, _ := newCheckoutFixture(&models.Cart{}, nil)

	req := validRequest()
	req.UserID = 0
	_, cerr := svc.Checkout(context.Background(), req)
	require.NotNil(t, cerr)
	assert.Equal(t, CodeValidationFailed, cerr.Code)
	assert.Equal(t, "/login", cerr.Redirect)
}

func TestCheckoutUnconfiguredGateway(t *testing.T) {
	cart := &models.Cart{Items: []models.CartItem{
		{ProductID: 1, ProductName: "widget", Quantity: 1, Price: 1000},
	}}
	svc, orders, _, payments := newCheckoutFixture(cart, map[int64]*models.Product{
		1: activeProduct(1, 1000, 5),
	})
	payments.unconfigured = map[models.PaymentMethod]bool{models.MethodStripe: true}

	req := validRequest()
	req.PaymentMethod = models.MethodStripe
	_, cerr := svc.Checkout(context.Background(), req)
	require.NotNil(t, cerr)
	assert.Equal(t, CodeValidationFailed, cerr.Code)
	assert.Empty(t, orders.created)
}

func TestCheckoutStockErrorFromAggregate(t *testing.T) {
	// validateCart passed but the transactional reserve lost the race.
	cart := &models.Cart{Items: []models.CartItem{
		{ProductID: 1, ProductName: "widget", Quantity: 1, Price: 1000},
	}}
	svc, orders, carts, _ := newCheckoutFixture(cart, map[int64]*models.Product{
		1: activeProduct(1, 1000, 5),
	})
	orders.err = &store.StockError{ProductID: 1, ProductName: "widget", Reason: "insufficient stock: available=0, requested=1"}

	_, cerr := svc.Checkout(context.Background(), validRequest())
	require.NotNil(t, cerr)
	assert.Equal(t, CodeStockInsufficient, cerr.Code)
	assert.Empty(t, carts.cleared)
}

func TestCheckoutPaymentFailureKeepsOrder(t *testing.T) {
	cart := &models.Cart{Items: []models.CartItem{
		{ProductID: 1, ProductName: "widget", Quantity: 1, Price: 1000},
	}}
	svc, orders, carts, payments := newCheckoutFixture(cart, map[int64]*models.Product{
		1: activeProduct(1, 1000, 5),
	})
	payments.err = errors.New("gateway down")

	_, cerr := svc.Checkout(context.Background(), validRequest())
	require.NotNil(t, cerr)
	assert.Equal(t, CodePaymentFailed, cerr.Code)
	require.Len(t, orders.created, 1, "order must persist for payment retry")
	assert.Equal(t, orders.created[0].ID, cerr.OrderID)
	assert.Empty(t, carts.cleared, "cart kept so the user can retry")
}

func TestCheckoutRepricesFromCatalog(t *testing.T) {
	// Cart snapshotted 1000 but the product discounted to 800 since; the
	// order line quantity goes through, the price comes from the catalog.
	cart := &models.Cart{Items: []models.CartItem{
		{ProductID: 1, ProductName: "widget", Quantity: 3, Price: 1000},
	}}
	discounted := activeProduct(1, 1000, 5)
	discounted.DiscountPrice = sql.NullInt64{Int64: 800, Valid: true}
	svc, orders, _, _ := newCheckoutFixture(cart, map[int64]*models.Product{1: discounted})

	_, cerr := svc.Checkout(context.Background(), validRequest())
	require.Nil(t, cerr)
	require.Len(t, orders.lines, 1)
	assert.Equal(t, []OrderLine{{ProductID: 1, Quantity: 3}}, orders.lines[0])
}

func TestRetryPaymentAlreadyPaid(t *testing.T) {
	svc, _, _, payments := newCheckoutFixture(&models.Cart{}, nil)

	order := &models.Order{ID: 5, PaymentStatus: models.PaymentPaid}
	_, cerr := svc.RetryPayment(context.Background(), order)
	require.NotNil(t, cerr)
	assert.Equal(t, CodeValidationFailed, cerr.Code)
	assert.Zero(t, payments.initiated)
}

func TestRetryPaymentUnpaidOrder(t *testing.T) {
	svc, _, _, payments := newCheckoutFixture(&models.Cart{}, nil)

	order := &models.Order{ID: 5, OrderNumber: "20260901-abc", PaymentStatus: models.PaymentUnpaid}
	result, cerr := svc.RetryPayment(context.Background(), order)
	require.Nil(t, cerr)
	assert.Equal(t, int64(5), result.OrderID)
	assert.Equal(t, 1, payments.initiated)
}
