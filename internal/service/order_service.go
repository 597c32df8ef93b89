package service

import (
	"context"
	"fmt"

	"storefront/internal/models"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// OrderStore is the persistence surface order administration needs.
type OrderStore interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error
	UpdateOrderPaymentStatus(ctx context.Context, orderID int64, status models.PaymentStatus) error
	RestoreOrderStock(ctx context.Context, orderID int64) error
}

// OrderService serves order reads and the admin-facing order_status
// transitions.
type OrderService struct {
	store  OrderStore
	logger *zap.Logger
}

// NewOrderService creates a new order service.
func NewOrderService(st OrderStore) *OrderService {
	return &OrderService{
		store:  st,
		logger: util.GetLogger(),
	}
}

// GetOrder retrieves an order and its items.
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// GetOrderByNumber retrieves an order and its items by the human-readable
// order number.
func (s *OrderService) GetOrderByNumber(ctx context.Context, number string) (*models.Order, []models.OrderItem, error) {
	order, err := s.store.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.store.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// GetUserOrders retrieves a user's orders, newest first.
func (s *OrderService) GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	return s.store.GetOrdersByUserID(ctx, userID)
}

// UpdateOrderStatus applies an admin-driven order_status transition.
//
// payment_status is otherwise owned exclusively by the gateway
// reconciliation path; completing a cash-on-delivery order is the one
// documented exception, because handing over the goods is when COD money
// changes hands. Gateway orders never take this branch.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid order status %q", status)
	}

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}

	if err := s.store.UpdateOrderStatus(ctx, orderID, status); err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	if status == models.OrderCancelled &&
		(order.OrderStatus == models.OrderPending || order.OrderStatus == models.OrderProcessing) {
		if err := s.store.RestoreOrderStock(ctx, orderID); err != nil {
			return fmt.Errorf("failed to restore stock for cancelled order: %w", err)
		}
		s.logger.Info("Restored stock for cancelled order",
			zap.Int64("order_id", orderID))
	}

	if order.PaymentMethod == models.MethodCOD &&
		status == models.OrderCompleted &&
		(order.PaymentStatus == models.PaymentUnpaid || order.PaymentStatus == models.PaymentPending) {
		if err := s.store.UpdateOrderPaymentStatus(ctx, orderID, models.PaymentPaid); err != nil {
			return fmt.Errorf("failed to mark COD order paid: %w", err)
		}
		util.OrdersPaidTotal.Inc()
		s.logger.Info("COD order completed, marked paid",
			zap.Int64("order_id", orderID))
	}

	s.logger.Info("Order status updated",
		zap.Int64("order_id", orderID),
		zap.String("order_status", string(status)))
	return nil
}
