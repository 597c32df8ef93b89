package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memNumberChecker struct {
	mu    sync.Mutex
	taken map[string]bool
	calls int
}

func (m *memNumberChecker) OrderNumberExists(ctx context.Context, number string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.taken[number], nil
}

func (m *memNumberChecker) claim(number string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.taken == nil {
		m.taken = map[string]bool{}
	}
	m.taken[number] = true
}

func TestGenerateOrderNumberFormat(t *testing.T) {
	checker := &memNumberChecker{}
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	number, err := generateOrderNumber(context.Background(), checker, now)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(number, "20260901-"), "got %s", number)
	assert.Equal(t, 1, checker.calls)
}

func TestGenerateOrderNumberUniqueUnderVolume(t *testing.T) {
	checker := &memNumberChecker{taken: map[string]bool{}}
	now := time.Now()

	var mu sync.Mutex
	seen := map[string]bool{}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				number, err := generateOrderNumber(context.Background(), checker, now)
				require.NoError(t, err)
				checker.claim(number)

				mu.Lock()
				assert.False(t, seen[number], "duplicate order number %s", number)
				seen[number] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 1000)
}

func TestGenerateOrderNumberFallbackOnExhaustedRetries(t *testing.T) {
	// Every random candidate collides; the generator must still answer
	// with a timestamp+hash token rather than failing.
	allTaken := &alwaysTaken{}
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	number, err := generateOrderNumber(context.Background(), allTaken, now)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(number, "20260901-"))
	assert.Equal(t, orderNumberAttempts, allTaken.calls)
}

type alwaysTaken struct{ calls int }

func (a *alwaysTaken) OrderNumberExists(ctx context.Context, number string) (bool, error) {
	a.calls++
	return true, nil
}
