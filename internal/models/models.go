package models

import (
	"database/sql"
	"time"
)

// Product represents a catalog product. Quantity is the on-hand stock count
// and must never go negative; it is only decremented under a row lock.
type Product struct {
	ID            int64         `db:"id" json:"id"`
	Name          string        `db:"name" json:"name"`
	Price         int64         `db:"price" json:"price"`
	DiscountPrice sql.NullInt64 `db:"discount_price" json:"discount_price,omitempty"`
	Quantity      int           `db:"quantity" json:"quantity"`
	Status        ProductStatus `db:"status" json:"status"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// EffectivePrice returns the discount price when one is set and lower than
// the base price, otherwise the base price.
func (p *Product) EffectivePrice() int64 {
	if p.DiscountPrice.Valid && p.DiscountPrice.Int64 < p.Price {
		return p.DiscountPrice.Int64
	}
	return p.Price
}

// ProductStatus is the catalog availability state.
type ProductStatus string

const (
	ProductActive   ProductStatus = "active"
	ProductInactive ProductStatus = "inactive"
)

// PaymentMethod selects the gateway variant for an order.
type PaymentMethod string

const (
	MethodCOD    PaymentMethod = "cod"
	MethodStripe PaymentMethod = "stripe"
	MethodPayPal PaymentMethod = "paypal"
)

// Valid reports whether m is one of the known payment methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCOD, MethodStripe, MethodPayPal:
		return true
	}
	return false
}

// OrderStatus is the fulfilment lifecycle axis of an order. It is independent
// of PaymentStatus except for the COD completion rule.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderProcessing, OrderCompleted, OrderCancelled:
		return true
	}
	return false
}

// PaymentStatus is the payment lifecycle axis of an order. Only the gateway
// reconciliation path mutates it, with the single exception of the COD
// completion rule.
type PaymentStatus string

const (
	PaymentUnpaid    PaymentStatus = "unpaid"
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentDisputed  PaymentStatus = "disputed"
)

// Order represents a customer order header.
type Order struct {
	ID            int64         `db:"id" json:"id"`
	OrderNumber   string        `db:"order_number" json:"order_number"`
	UserID        int64         `db:"user_id" json:"user_id"`
	TotalAmount   int64         `db:"total_amount" json:"total_amount"`
	PaymentMethod PaymentMethod `db:"payment_method" json:"payment_method"`
	PaymentStatus PaymentStatus `db:"payment_status" json:"payment_status"`
	OrderStatus   OrderStatus   `db:"order_status" json:"order_status"`
	ShippingName  string        `db:"shipping_name" json:"shipping_name"`
	ShippingPhone string        `db:"shipping_phone" json:"shipping_phone"`
	ShippingAddr  string        `db:"shipping_address" json:"shipping_address"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// OrderItem is a historical snapshot of one purchased line. It is written in
// the same transaction as the order header and never updated afterwards.
type OrderItem struct {
	ID          int64  `db:"id" json:"id"`
	OrderID     int64  `db:"order_id" json:"order_id"`
	ProductID   int64  `db:"product_id" json:"product_id"`
	ProductName string `db:"product_name" json:"product_name"`
	Quantity    int    `db:"quantity" json:"quantity"`
	Price       int64  `db:"price" json:"price"`
	Total       int64  `db:"total" json:"total"`
}

// Payment represents a gateway payment attempt for an order. PaymentID is
// the gateway's external id and carries a unique constraint. RedirectURL is
// kept so a customer who abandoned the approval flow can resume it on retry.
type Payment struct {
	ID          int64         `db:"id" json:"id"`
	OrderID     int64         `db:"order_id" json:"order_id"`
	Gateway     PaymentMethod `db:"gateway" json:"gateway"`
	PaymentID   string        `db:"payment_id" json:"payment_id"`
	Amount      int64         `db:"amount" json:"amount"`
	Currency    string        `db:"currency" json:"currency"`
	Status      PaymentStatus `db:"status" json:"status"`
	RedirectURL string        `db:"redirect_url" json:"redirect_url,omitempty"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
}

// WebhookLog is the append-only dedup record for inbound gateway events.
// (gateway, webhook_id) carries a unique constraint at the storage layer so
// concurrent duplicate deliveries serialize on the insert. ClaimedAt fences
// side-effect processing: only the delivery holding a live claim may run it.
type WebhookLog struct {
	ID          int64         `db:"id" json:"id"`
	Gateway     PaymentMethod `db:"gateway" json:"gateway"`
	EventType   string        `db:"event_type" json:"event_type"`
	WebhookID   string        `db:"webhook_id" json:"webhook_id"`
	Payload     []byte        `db:"payload" json:"-"`
	Processed   bool          `db:"processed" json:"processed"`
	ProcessedAt sql.NullTime  `db:"processed_at" json:"processed_at,omitempty"`
	ClaimedAt   sql.NullTime  `db:"claimed_at" json:"claimed_at,omitempty"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
}

// CartItem is one line of a cart: a quantity plus a display/price snapshot.
// Totals are always recomputed from Price*Quantity, never taken from the
// client.
type CartItem struct {
	ProductID   int64  `db:"product_id" json:"product_id"`
	ProductName string `db:"product_name" json:"product_name"`
	Quantity    int    `db:"quantity" json:"quantity"`
	Price       int64  `db:"price" json:"price"`
}

// Subtotal returns the line total.
func (i CartItem) Subtotal() int64 {
	return i.Price * int64(i.Quantity)
}

// Cart is an explicit cart value keyed by product id.
type Cart struct {
	Items []CartItem `json:"items"`
}

// Total returns the sum of line subtotals.
func (c *Cart) Total() int64 {
	var total int64
	for _, it := range c.Items {
		total += it.Subtotal()
	}
	return total
}

// Find returns the item for productID, or nil.
func (c *Cart) Find(productID int64) *CartItem {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			return &c.Items[i]
		}
	}
	return nil
}

// Empty reports whether the cart has no lines.
func (c *Cart) Empty() bool {
	return len(c.Items) == 0
}
