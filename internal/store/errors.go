package store

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// StockError is a recoverable validation failure from stock reservation.
// It names the product so callers can tell the user which line failed.
type StockError struct {
	ProductID   int64
	ProductName string
	Reason      string
}

func (e *StockError) Error() string {
	return fmt.Sprintf("stock error for product %d (%s): %s", e.ProductID, e.ProductName, e.Reason)
}

// IsStockError reports whether err is (or wraps) a StockError and returns it.
func IsStockError(err error) (*StockError, bool) {
	var se *StockError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation, optionally on the named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// IsSchemaMismatch reports whether err looks like the database schema is out
// of sync with the code (undefined column or table). Operators get these
// reported distinctly from ordinary persistence failures.
func IsSchemaMismatch(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	// 42703 undefined_column, 42P01 undefined_table
	return pqErr.Code == "42703" || pqErr.Code == "42P01"
}
