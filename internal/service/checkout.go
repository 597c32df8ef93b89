package service

import (
	"context"
	"strings"

	"storefront/internal/gateway"
	"storefront/internal/models"
	"storefront/internal/store"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// catalogReader is the product lookup checkout validates against.
type catalogReader interface {
	GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]*models.Product, error)
}

// orderCreator is the order aggregate seam.
type orderCreator interface {
	CreateOrder(ctx context.Context, order *models.Order, lines []OrderLine) error
}

// cartAccess is the slice of CartService checkout needs.
type cartAccess interface {
	EffectiveCart(ctx context.Context, ref CartRef) (*models.Cart, error)
	ClearItems(ctx context.Context, ref CartRef, productIDs []int64) error
}

// paymentInitiator is the slice of PaymentService checkout needs.
type paymentInitiator interface {
	InitiatePayment(ctx context.Context, order *models.Order) (*gateway.CreatePaymentResult, error)
	MethodConfigured(method models.PaymentMethod) bool
}

// CheckoutRequest carries everything checkout needs from the caller.
// Session/auth plumbing upstream resolves the user; shipping fields come
// from the customer profile or the form.
type CheckoutRequest struct {
	UserID          int64                `json:"user_id" binding:"required"`
	SessionID       string               `json:"session_id"`
	PaymentMethod   models.PaymentMethod `json:"payment_method" binding:"required"`
	ShippingName    string               `json:"shipping_name"`
	ShippingPhone   string               `json:"shipping_phone"`
	ShippingAddress string               `json:"shipping_address"`
}

// CheckoutResult is the success response of a checkout.
type CheckoutResult struct {
	OrderID       int64                `json:"order_id"`
	OrderNumber   string               `json:"order_number"`
	RedirectURL   string               `json:"redirect,omitempty"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
}

// CheckoutService turns a cart into a durable order and initiates payment.
// Step order is load-bearing: validation runs against live product state,
// the stock decrement and order insert share one transaction, and the
// gateway is only called after that transaction commits so a slow gateway
// never holds row locks and a gateway failure leaves a retryable unpaid
// order rather than deleting it.
type CheckoutService struct {
	catalog  catalogReader
	orders   orderCreator
	carts    cartAccess
	payments paymentInitiator
	logger   *zap.Logger
}

// NewCheckoutService creates a new checkout service.
func NewCheckoutService(catalog catalogReader, orders orderCreator, carts cartAccess, payments paymentInitiator) *CheckoutService {
	return &CheckoutService{
		catalog:  catalog,
		orders:   orders,
		carts:    carts,
		payments: payments,
		logger:   util.GetLogger(),
	}
}

// Checkout executes the full checkout flow. All failures come back as
// *CheckoutError so the handler can map them onto the stable error-code
// contract.
func (cs *CheckoutService) Checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResult, *CheckoutError) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Checkout")
	defer span.End()

	if req.UserID == 0 {
		return nil, &CheckoutError{
			Code:     CodeValidationFailed,
			Message:  "authentication required",
			Redirect: "/login",
		}
	}
	if strings.TrimSpace(req.ShippingName) == "" ||
		strings.TrimSpace(req.ShippingPhone) == "" ||
		strings.TrimSpace(req.ShippingAddress) == "" {
		return nil, &CheckoutError{
			Code:     CodeValidationFailed,
			Message:  "shipping profile is incomplete",
			Redirect: "/profile",
		}
	}
	if !req.PaymentMethod.Valid() {
		return nil, &CheckoutError{Code: CodeValidationFailed, Message: "unknown payment method"}
	}
	if !cs.payments.MethodConfigured(req.PaymentMethod) {
		return nil, &CheckoutError{
			Code:    CodeValidationFailed,
			Message: "payment method is not available",
		}
	}

	ref := CartRef{SessionID: req.SessionID, UserID: req.UserID}
	cart, err := cs.carts.EffectiveCart(ctx, ref)
	if err != nil {
		return nil, cs.persistenceError("failed to load cart", err)
	}
	if cart.Empty() {
		return nil, &CheckoutError{Code: CodeValidationFailed, Message: "cart is empty", Redirect: "/cart"}
	}

	lines, cerr := cs.validateCart(ctx, cart)
	if cerr != nil {
		return nil, cerr
	}

	order := &models.Order{
		UserID:        req.UserID,
		PaymentMethod: req.PaymentMethod,
		ShippingName:  req.ShippingName,
		ShippingPhone: req.ShippingPhone,
		ShippingAddr:  req.ShippingAddress,
	}

	// Atomic stock decrement + order insert. The row locks taken inside
	// re-check stock, closing the gap between validateCart and commit.
	if err := cs.orders.CreateOrder(ctx, order, lines); err != nil {
		util.OrdersFailedTotal.WithLabelValues("create_failed").Inc()
		if se, ok := store.IsStockError(err); ok {
			// Cart left untouched so the user can adjust and retry.
			return nil, stockCheckoutError(se)
		}
		return nil, cs.persistenceError("failed to create order", err)
	}

	result, cerr := cs.initiatePayment(ctx, order)
	if cerr != nil {
		return nil, cerr
	}

	ordered := make([]int64, len(lines))
	for i, line := range lines {
		ordered[i] = line.ProductID
	}
	if err := cs.carts.ClearItems(ctx, ref, ordered); err != nil {
		// The order and payment already exist; a stale cart is the lesser
		// failure, so log and return success.
		cs.logger.Warn("Failed to clear ordered cart lines",
			zap.Int64("order_id", order.ID), zap.Error(err))
	}

	cs.logger.Info("Checkout completed",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("payment_method", string(req.PaymentMethod)))

	return &CheckoutResult{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		RedirectURL:   result.RedirectURL,
		PaymentStatus: result.Status,
	}, nil
}

// RetryPayment re-initiates payment for an existing unpaid order. The
// payment service's idempotency guarantees no duplicate charge when a
// payment is already in flight.
func (cs *CheckoutService) RetryPayment(ctx context.Context, order *models.Order) (*CheckoutResult, *CheckoutError) {
	if order.PaymentStatus == models.PaymentPaid {
		return nil, &CheckoutError{Code: CodeValidationFailed, Message: "order is already paid", OrderID: order.ID}
	}

	result, cerr := cs.initiatePayment(ctx, order)
	if cerr != nil {
		return nil, cerr
	}
	return &CheckoutResult{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		RedirectURL:   result.RedirectURL,
		PaymentStatus: result.Status,
	}, nil
}

// validateCart re-prices every line from the authoritative product record
// and rejects inactive or understocked products, naming the failing line.
func (cs *CheckoutService) validateCart(ctx context.Context, cart *models.Cart) ([]OrderLine, *CheckoutError) {
	ids := make([]int64, len(cart.Items))
	for i, item := range cart.Items {
		ids[i] = item.ProductID
	}

	products, err := cs.catalog.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, cs.persistenceError("failed to load products", err)
	}

	lines := make([]OrderLine, 0, len(cart.Items))
	for _, item := range cart.Items {
		if item.Quantity < 1 {
			return nil, &CheckoutError{Code: CodeValidationFailed, Message: "invalid cart quantity"}
		}
		product, ok := products[item.ProductID]
		if !ok || product.Status != models.ProductActive {
			util.OrdersFailedTotal.WithLabelValues("product_unavailable").Inc()
			return nil, &CheckoutError{
				Code:    CodeProductUnavailable,
				Message: "product \"" + item.ProductName + "\" is no longer available",
			}
		}
		if product.Quantity < item.Quantity {
			util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
			return nil, &CheckoutError{
				Code:    CodeStockInsufficient,
				Message: "insufficient stock for \"" + product.Name + "\"",
			}
		}
		lines = append(lines, OrderLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines, nil
}

func (cs *CheckoutService) initiatePayment(ctx context.Context, order *models.Order) (*gateway.CreatePaymentResult, *CheckoutError) {
	result, err := cs.payments.InitiatePayment(ctx, order)
	if err != nil {
		util.PaymentFailedTotal.Inc()
		cs.logger.Error("Payment initiation failed",
			zap.Int64("order_id", order.ID), zap.Error(err))
		// The order stays persisted in its unpaid state; the caller can
		// retry payment for the same order instead of creating another.
		return nil, &CheckoutError{
			Code:    CodePaymentFailed,
			Message: "payment could not be started, the order was saved for retry",
			OrderID: order.ID,
		}
	}
	return result, nil
}

func (cs *CheckoutService) persistenceError(msg string, err error) *CheckoutError {
	if store.IsSchemaMismatch(err) {
		cs.logger.Error("SCHEMA MISMATCH: database schema is out of sync with this build",
			zap.String("context", msg), zap.Error(err))
	} else {
		cs.logger.Error(msg, zap.Error(err))
	}
	return &CheckoutError{Code: CodeDatabaseError, Message: "a storage error occurred, please try again"}
}

func stockCheckoutError(se *store.StockError) *CheckoutError {
	name := se.ProductName
	if name == "" {
		name = "item"
	}
	if strings.Contains(se.Reason, "insufficient stock") {
		return &CheckoutError{
			Code:    CodeStockInsufficient,
			Message: "insufficient stock for \"" + name + "\"",
		}
	}
	return &CheckoutError{
		Code:    CodeProductUnavailable,
		Message: "product \"" + name + "\" is no longer available",
	}
}
