package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const orderNumberAttempts = 5

// orderNumberChecker answers whether a candidate order number is taken.
type orderNumberChecker interface {
	OrderNumberExists(ctx context.Context, number string) (bool, error)
}

// generateOrderNumber produces a unique date-prefixed order number. Random
// candidates are uniqueness-checked against existing orders with a bounded
// number of retries; if every attempt collides it falls back to a
// timestamp+hash token instead of assuming collisions cannot happen. The
// orders.order_number unique constraint remains the final arbiter for
// concurrent generators.
func generateOrderNumber(ctx context.Context, checker orderNumberChecker, now time.Time) (string, error) {
	prefix := now.Format("20060102")

	for attempt := 0; attempt < orderNumberAttempts; attempt++ {
		token, err := randomHex(5)
		if err != nil {
			return "", fmt.Errorf("failed to generate order number: %w", err)
		}
		candidate := fmt.Sprintf("%s-%s", prefix, token)

		exists, err := checker.OrderNumberExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("failed to check order number: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%d", now.UnixNano())))
	return fmt.Sprintf("%s-%d-%s", prefix, now.UnixNano()%1_000_000, hex.EncodeToString(sum[:4])), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
