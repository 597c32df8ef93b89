package store

import (
	"context"
	"database/sql"
	"fmt"

	"storefront/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]*models.Product, error) {
	if len(ids) == 0 {
		return map[int64]*models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	if err := s.db.SelectContext(ctx, &products, query, args...); err != nil {
		return nil, err
	}

	byID := make(map[int64]*models.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}
	return byID, nil
}

// ReserveStock locks the product row, verifies it is active and has enough
// stock, and decrements quantity by qty. It must be called inside the
// caller's transaction: on any error the caller rolls back and no decrement
// survives. The locked product row is returned so the caller can price the
// line from the same snapshot the decrement was checked against.
func (s *Store) ReserveStock(ctx context.Context, tx *sqlx.Tx, productID int64, qty int) (*models.Product, error) {
	var product models.Product
	err := tx.GetContext(ctx, &product,
		"SELECT * FROM products WHERE id = $1 FOR UPDATE", productID)
	if err == sql.ErrNoRows {
		return nil, &StockError{ProductID: productID, Reason: "product not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock product %d: %w", productID, err)
	}

	if product.Status != models.ProductActive {
		return nil, &StockError{ProductID: productID, ProductName: product.Name, Reason: "product unavailable"}
	}
	if product.Quantity < qty {
		return nil, &StockError{
			ProductID:   productID,
			ProductName: product.Name,
			Reason:      fmt.Sprintf("insufficient stock: available=%d, requested=%d", product.Quantity, qty),
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE products SET quantity = quantity - $1, updated_at = NOW() WHERE id = $2",
		qty, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrement stock for product %d: %w", productID, err)
	}

	return &product, nil
}

// RestoreStock returns qty units to a product. Used when an admin cancels an
// unshipped order; checkout rollback never needs it because the decrement and
// the order share one transaction.
func (s *Store) RestoreStock(ctx context.Context, tx *sqlx.Tx, productID int64, qty int) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE products SET quantity = quantity + $1, updated_at = NOW() WHERE id = $2",
		qty, productID)
	return err
}

// RestoreOrderStock returns every line of an order to stock in one
// transaction.
func (s *Store) RestoreOrderStock(ctx context.Context, orderID int64) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var items []models.OrderItem
		if err := tx.SelectContext(ctx, &items,
			"SELECT * FROM order_items WHERE order_id = $1", orderID); err != nil {
			return err
		}
		for _, item := range items {
			if err := s.RestoreStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
				return fmt.Errorf("failed to restore stock for product %d: %w", item.ProductID, err)
			}
		}
		return nil
	})
}
