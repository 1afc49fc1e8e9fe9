package bling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/collector/internal/domain/extraction"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}

	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 16*time.Second, p.Backoff(4))
	assert.Equal(t, 30*time.Second, p.Backoff(5))
	assert.Equal(t, 30*time.Second, p.Backoff(10))
}

func TestRetryPolicy_Do(t *testing.T) {
	noSleep := func(context.Context, time.Duration) error { return nil }

	t.Run("non retryable error returns immediately", func(t *testing.T) {
		p := DefaultRetryPolicy()
		p.Sleep = noSleep
		calls := 0
		boom := errors.New("boom")
		err := p.Do(context.Background(), nil, func(context.Context) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("transient exhausted", func(t *testing.T) {
		p := DefaultRetryPolicy()
		p.MaxAttempts = 3
		p.Sleep = noSleep
		retries := 0
		err := p.Do(context.Background(), func(int, time.Duration, error) { retries++ }, func(context.Context) error {
			return transient(errors.New("reset"))
		})
		assert.ErrorIs(t, err, extraction.ErrTransientNetwork)
		assert.Equal(t, 2, retries)
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p := DefaultRetryPolicy()
		p.Sleep = func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}
		err := p.Do(ctx, nil, func(context.Context) error {
			return rateLimited(errors.New("429"))
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
