package store

import (
	"context"

	"storefront/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetUserCart loads the persisted cart for a user.
func (s *Store) GetUserCart(ctx context.Context, userID int64) (*models.Cart, error) {
	var items []models.CartItem
	err := s.db.SelectContext(ctx, &items, `
		SELECT product_id, product_name, quantity, price
		FROM carts WHERE user_id = $1 ORDER BY product_id`, userID)
	if err != nil {
		return nil, err
	}
	return &models.Cart{Items: items}, nil
}

// UpsertCartItem sets the quantity and price snapshot for one cart line.
func (s *Store) UpsertCartItem(ctx context.Context, userID int64, item models.CartItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO carts (user_id, product_id, product_name, quantity, price)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, product_id)
		DO UPDATE SET product_name = EXCLUDED.product_name,
		              quantity = EXCLUDED.quantity,
		              price = EXCLUDED.price,
		              updated_at = NOW()`,
		userID, item.ProductID, item.ProductName, item.Quantity, item.Price)
	return err
}

// DeleteCartItems removes the named product lines from a user's cart. Used
// after checkout to clear only the ordered lines.
func (s *Store) DeleteCartItems(ctx context.Context, userID int64, productIDs []int64) error {
	if len(productIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		"DELETE FROM carts WHERE user_id = ? AND product_id IN (?)", userID, productIDs)
	if err != nil {
		return err
	}
	query = s.db.Rebind(query)
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}
