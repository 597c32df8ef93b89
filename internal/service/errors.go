package service

import "fmt"

// Checkout error codes. These are the stable vocabulary API clients branch
// on; messages are advisory, codes are contract.
const (
	CodeStockInsufficient  = "stock_insufficient"
	CodeProductUnavailable = "product_unavailable"
	CodePaymentFailed      = "payment_failed"
	CodeDatabaseError      = "database_error"
	CodeValidationFailed   = "validation_failed"
	CodeUnexpectedError    = "unexpected_error"
)

// CheckoutError is a structured, recoverable checkout failure. OrderID is
// set when the order was already persisted before the failure (payment
// initiation), so the caller can retry payment instead of re-ordering.
type CheckoutError struct {
	Code     string
	Message  string
	Redirect string
	OrderID  int64
}

func (e *CheckoutError) Error() string {
	return fmt.Sprintf("checkout failed (%s): %s", e.Code, e.Message)
}
