package service

import (
	"context"
	"fmt"
	"time"

	"storefront/internal/models"
	"storefront/internal/store"
	"storefront/internal/util"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// OrderLine is one requested line of a new order: product and quantity only.
// Prices are always taken from the locked product row, never from the caller.
type OrderLine struct {
	ProductID int64
	Quantity  int
}

// OrderAggregate creates orders atomically with their stock decrement. The
// whole operation is one database transaction: stock reservation, header
// insert and item inserts either all commit or all roll back, so a
// partially-created order can never be observed.
type OrderAggregate struct {
	store  *store.Store
	logger *zap.Logger
}

// NewOrderAggregate creates a new order aggregate.
func NewOrderAggregate(st *store.Store) *OrderAggregate {
	return &OrderAggregate{
		store:  st,
		logger: util.GetLogger(),
	}
}

// CreateOrder reserves stock for every line under row locks, prices each
// line from the locked product record (effective price), inserts the order
// header and items, and commits. On any failure nothing persists and
// order.ID stays zero. The gateway is never called inside this transaction:
// payment initiation happens afterwards so a slow gateway cannot hold the
// product row locks.
func (a *OrderAggregate) CreateOrder(ctx context.Context, order *models.Order, lines []OrderLine) error {
	ctx, span := util.StartSpan(ctx, "OrderAggregate.CreateOrder")
	defer span.End()

	if order.UserID == 0 {
		return fmt.Errorf("order has no owning user")
	}
	if len(lines) == 0 {
		return fmt.Errorf("order has no items")
	}

	if order.OrderNumber == "" {
		number, err := generateOrderNumber(ctx, a.store, time.Now())
		if err != nil {
			return err
		}
		order.OrderNumber = number
	}
	if order.PaymentStatus == "" {
		order.PaymentStatus = models.PaymentUnpaid
	}
	if order.OrderStatus == "" {
		order.OrderStatus = models.OrderPending
	}

	err := a.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		items := make([]models.OrderItem, 0, len(lines))
		var total int64

		for _, line := range lines {
			if line.Quantity < 1 {
				return &store.StockError{ProductID: line.ProductID, Reason: "quantity must be at least 1"}
			}

			product, err := a.store.ReserveStock(ctx, tx, line.ProductID, line.Quantity)
			if err != nil {
				return err
			}

			price := product.EffectivePrice()
			items = append(items, models.OrderItem{
				ProductID:   product.ID,
				ProductName: product.Name,
				Quantity:    line.Quantity,
				Price:       price,
				Total:       price * int64(line.Quantity),
			})
			total += price * int64(line.Quantity)
		}

		order.TotalAmount = total
		if err := a.store.InsertOrder(ctx, tx, order); err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		for i := range items {
			items[i].OrderID = order.ID
			if err := a.store.InsertOrderItem(ctx, tx, &items[i]); err != nil {
				return fmt.Errorf("failed to insert order item: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		order.ID = 0
		return err
	}

	util.OrdersCreatedTotal.Inc()
	a.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("total_amount", order.TotalAmount))
	return nil
}
