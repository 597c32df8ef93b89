package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"storefront/internal/gateway"
	"storefront/internal/models"
	"storefront/internal/service"
	"storefront/internal/store"
	"storefront/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler contains HTTP handlers
type Handler struct {
	checkout *service.CheckoutService
	orders   *service.OrderService
	carts    *service.CartService
	webhooks *service.WebhookProcessor
	payments *service.PaymentService
}

// NewHandler creates a new HTTP handler
func NewHandler(
	checkout *service.CheckoutService,
	orders *service.OrderService,
	carts *service.CartService,
	webhooks *service.WebhookProcessor,
	payments *service.PaymentService,
) *Handler {
	return &Handler{
		checkout: checkout,
		orders:   orders,
		carts:    carts,
		webhooks: webhooks,
		payments: payments,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/stripe", h.webhook(models.MethodStripe))
	router.POST("/webhooks/paypal", h.webhook(models.MethodPayPal))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.doCheckout)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/pay", h.retryPayment)

		v1.GET("/cart", h.getCart)
		v1.POST("/cart/items", h.setCartItem)
		v1.DELETE("/cart/items/:product_id", h.removeCartItem)

		admin := v1.Group("/admin")
		{
			admin.PUT("/orders/:id/status", h.updateOrderStatus)
			admin.POST("/orders/:id/refund", h.refundOrder)
		}
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// doCheckout runs the checkout flow and maps the structured error taxonomy
// onto the stable response contract.
func (h *Handler) doCheckout(c *gin.Context) {
	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success":    false,
			"error_code": service.CodeValidationFailed,
			"message":    err.Error(),
		})
		return
	}
	if req.SessionID == "" {
		req.SessionID = c.GetHeader("X-Session-Id")
	}

	result, cerr := h.checkout.Checkout(c.Request.Context(), &req)
	if cerr != nil {
		writeCheckoutError(c, cerr)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":        true,
		"order_id":       result.OrderID,
		"order_number":   result.OrderNumber,
		"redirect":       result.RedirectURL,
		"payment_status": result.PaymentStatus,
	})
}

// retryPayment re-initiates payment for an existing unpaid order.
func (h *Handler) retryPayment(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}

	order, _, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error_code": service.CodeValidationFailed, "message": "order not found"})
		return
	}

	result, cerr := h.checkout.RetryPayment(c.Request.Context(), order)
	if cerr != nil {
		writeCheckoutError(c, cerr)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"order_id":       result.OrderID,
		"redirect":       result.RedirectURL,
		"payment_status": result.PaymentStatus,
	})
}

// getOrder serves one order with its items. The path segment is a numeric
// id, or an order number as shown to the customer.
func (h *Handler) getOrder(c *gin.Context) {
	var (
		order *models.Order
		items []models.OrderItem
		err   error
	)
	if orderID, parseErr := strconv.ParseInt(c.Param("id"), 10, 64); parseErr == nil {
		order, items, err = h.orders.GetOrder(c.Request.Context(), orderID)
	} else {
		order, items, err = h.orders.GetOrderByNumber(c.Request.Context(), c.Param("id"))
	}
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// listOrders serves the calling user's orders, newest first.
func (h *Handler) listOrders(c *gin.Context) {
	userID, err := strconv.ParseInt(c.GetHeader("X-User-Id"), 10, 64)
	if err != nil || userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	orders, err := h.orders.GetUserOrders(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load orders"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// webhook returns the handler for one gateway's webhook endpoint. The
// response is always structured, even on internal failure, so the gateway's
// retry behaviour stays predictable.
func (h *Handler) webhook(method models.PaymentMethod) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "unreadable body"})
			return
		}

		result, err := h.webhooks.Process(c.Request.Context(), method, payload, c.Request.Header)
		if err != nil {
			if errors.Is(err, gateway.ErrInvalidSignature) {
				c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid signature"})
				return
			}
			util.GetLogger().Error("Webhook processing failed",
				zap.String("gateway", string(method)), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "processing failed"})
			return
		}

		if result.AlreadyProcessed {
			c.JSON(http.StatusOK, gin.H{"status": "already_processed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	}
}

// updateOrderStatus applies an admin order_status transition, including the
// COD completion rule.
func (h *Handler) updateOrderStatus(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req struct {
		OrderStatus models.OrderStatus `json:"order_status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if err := h.orders.UpdateOrderStatus(c.Request.Context(), orderID, req.OrderStatus); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "Failed to update order status", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// refundOrder initiates a gateway refund; the refunded status arrives later
// through the webhook.
func (h *Handler) refundOrder(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}

	order, _, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	if err := h.payments.RefundOrder(c.Request.Context(), order); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Refund failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

func (h *Handler) getCart(c *gin.Context) {
	ref := cartRef(c)
	cart, err := h.carts.EffectiveCart(c.Request.Context(), ref)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load cart"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": cart.Items, "total": cart.Total()})
}

func (h *Handler) setCartItem(c *gin.Context) {
	var req struct {
		ProductID int64 `json:"product_id" binding:"required"`
		Quantity  int   `json:"quantity" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	cart, err := h.carts.SetItem(c.Request.Context(), cartRef(c), req.ProductID, req.Quantity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": cart.Items, "total": cart.Total()})
}

func (h *Handler) removeCartItem(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("product_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product ID"})
		return
	}

	cart, err := h.carts.RemoveItem(c.Request.Context(), cartRef(c), productID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update cart"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": cart.Items, "total": cart.Total()})
}

// cartRef resolves cart identity from headers. Auth plumbing upstream sets
// X-User-Id for signed-in customers; guests only carry a session id.
func cartRef(c *gin.Context) service.CartRef {
	userID, _ := strconv.ParseInt(c.GetHeader("X-User-Id"), 10, 64)
	return service.CartRef{
		SessionID: c.GetHeader("X-Session-Id"),
		UserID:    userID,
	}
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return 0, false
	}
	return id, true
}

func writeCheckoutError(c *gin.Context, cerr *service.CheckoutError) {
	status := http.StatusBadRequest
	switch cerr.Code {
	case service.CodeStockInsufficient, service.CodeProductUnavailable:
		status = http.StatusConflict
	case service.CodePaymentFailed:
		status = http.StatusBadGateway
	case service.CodeDatabaseError, service.CodeUnexpectedError:
		status = http.StatusInternalServerError
	}

	body := gin.H{
		"success":    false,
		"error_code": cerr.Code,
		"message":    cerr.Message,
	}
	if cerr.Redirect != "" {
		body["redirect"] = cerr.Redirect
	}
	if cerr.OrderID != 0 {
		body["order_id"] = cerr.OrderID
	}
	c.JSON(status, body)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
