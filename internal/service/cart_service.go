package service

import (
	"context"
	"fmt"

	"storefront/internal/models"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// CartRef identifies whose cart is being operated on: the redis session
// cart for guests, mirrored to the persistent per-user cart once a user id
// is known.
type CartRef struct {
	SessionID string
	UserID    int64
}

// SessionCarts is the session-scoped cart store (redis).
type SessionCarts interface {
	GetCart(ctx context.Context, sessionID string) (*models.Cart, error)
	SaveCart(ctx context.Context, sessionID string, cart *models.Cart) error
	DeleteCart(ctx context.Context, sessionID string) error
}

// UserCarts is the persistent per-user cart store (Postgres).
type UserCarts interface {
	GetUserCart(ctx context.Context, userID int64) (*models.Cart, error)
	UpsertCartItem(ctx context.Context, userID int64, item models.CartItem) error
	DeleteCartItems(ctx context.Context, userID int64, productIDs []int64) error
}

// productGetter is the catalog lookup carts price against.
type productGetter interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
}

// CartService manages the explicit Cart value passed through checkout.
// Totals are always recomputed from stored line prices; nothing is trusted
// from the client.
type CartService struct {
	sessions SessionCarts
	users    UserCarts
	catalog  productGetter
	logger   *zap.Logger
}

// NewCartService creates a new cart service.
func NewCartService(sessions SessionCarts, users UserCarts, catalog productGetter) *CartService {
	return &CartService{
		sessions: sessions,
		users:    users,
		catalog:  catalog,
		logger:   util.GetLogger(),
	}
}

// EffectiveCart loads the cart checkout should operate on: the session cart
// when it has lines, otherwise the user's persisted cart.
func (cs *CartService) EffectiveCart(ctx context.Context, ref CartRef) (*models.Cart, error) {
	if ref.SessionID != "" {
		cart, err := cs.sessions.GetCart(ctx, ref.SessionID)
		if err != nil {
			return nil, err
		}
		if !cart.Empty() {
			return cart, nil
		}
	}
	if ref.UserID != 0 {
		return cs.users.GetUserCart(ctx, ref.UserID)
	}
	return &models.Cart{}, nil
}

// SetItem sets the quantity for a product line, snapshotting the current
// effective price. Quantity below 1 is rejected.
func (cs *CartService) SetItem(ctx context.Context, ref CartRef, productID int64, quantity int) (*models.Cart, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("quantity must be at least 1")
	}

	product, err := cs.catalog.GetProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product.Status != models.ProductActive {
		return nil, fmt.Errorf("product %q is unavailable", product.Name)
	}

	item := models.CartItem{
		ProductID:   product.ID,
		ProductName: product.Name,
		Quantity:    quantity,
		Price:       product.EffectivePrice(),
	}

	cart, err := cs.EffectiveCart(ctx, ref)
	if err != nil {
		return nil, err
	}
	if line := cart.Find(productID); line != nil {
		*line = item
	} else {
		cart.Items = append(cart.Items, item)
	}

	return cart, cs.save(ctx, ref, cart, item)
}

// RemoveItem drops a product line from the cart.
func (cs *CartService) RemoveItem(ctx context.Context, ref CartRef, productID int64) (*models.Cart, error) {
	cart, err := cs.EffectiveCart(ctx, ref)
	if err != nil {
		return nil, err
	}

	kept := cart.Items[:0]
	for _, item := range cart.Items {
		if item.ProductID != productID {
			kept = append(kept, item)
		}
	}
	cart.Items = kept

	if ref.SessionID != "" {
		if err := cs.sessions.SaveCart(ctx, ref.SessionID, cart); err != nil {
			return nil, err
		}
	}
	if ref.UserID != 0 {
		if err := cs.users.DeleteCartItems(ctx, ref.UserID, []int64{productID}); err != nil {
			return nil, err
		}
	}
	return cart, nil
}

// Merge folds the session cart into the user's persisted cart on login.
// Quantities for lines present in both take the session's value: it is the
// more recent intent.
func (cs *CartService) Merge(ctx context.Context, sessionID string, userID int64) error {
	if sessionID == "" || userID == 0 {
		return nil
	}

	session, err := cs.sessions.GetCart(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, item := range session.Items {
		if err := cs.users.UpsertCartItem(ctx, userID, item); err != nil {
			return err
		}
	}
	if err := cs.sessions.DeleteCart(ctx, sessionID); err != nil {
		cs.logger.Warn("Failed to drop merged session cart",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}

// ClearItems removes only the named product lines from both cart stores.
// Checkout calls this with the ordered lines so a cart that outlives a
// partial checkout keeps its other items.
func (cs *CartService) ClearItems(ctx context.Context, ref CartRef, productIDs []int64) error {
	if len(productIDs) == 0 {
		return nil
	}

	if ref.SessionID != "" {
		cart, err := cs.sessions.GetCart(ctx, ref.SessionID)
		if err != nil {
			return err
		}
		drop := make(map[int64]bool, len(productIDs))
		for _, id := range productIDs {
			drop[id] = true
		}
		kept := cart.Items[:0]
		for _, item := range cart.Items {
			if !drop[item.ProductID] {
				kept = append(kept, item)
			}
		}
		cart.Items = kept
		if err := cs.sessions.SaveCart(ctx, ref.SessionID, cart); err != nil {
			return err
		}
	}
	if ref.UserID != 0 {
		if err := cs.users.DeleteCartItems(ctx, ref.UserID, productIDs); err != nil {
			return err
		}
	}
	return nil
}

func (cs *CartService) save(ctx context.Context, ref CartRef, cart *models.Cart, item models.CartItem) error {
	if ref.SessionID != "" {
		if err := cs.sessions.SaveCart(ctx, ref.SessionID, cart); err != nil {
			return err
		}
	}
	if ref.UserID != 0 {
		if err := cs.users.UpsertCartItem(ctx, ref.UserID, item); err != nil {
			return err
		}
	}
	return nil
}
