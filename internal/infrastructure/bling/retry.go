package bling

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/erp/collector/internal/domain/extraction"
)

// RetryPolicy is an explicit exponential backoff used around every upstream call.
// Waits grow by Multiplier from BaseDelay and never exceed MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Sleep waits between attempts; tests replace it to observe the waits.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns 5 attempts waiting 2s, 4s, 8s, 16s in between.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns the wait before retry n (1-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

type retryKind int

const (
	retryTransient retryKind = iota + 1
	retryRateLimited
)

// retryableError marks a failure worth another attempt.
type retryableError struct {
	kind  retryKind
	cause error
}

func (e *retryableError) Error() string { return e.cause.Error() }
func (e *retryableError) Unwrap() error { return e.cause }

func transient(err error) error   { return &retryableError{kind: retryTransient, cause: err} }
func rateLimited(err error) error { return &retryableError{kind: retryRateLimited, cause: err} }

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempts run out. Exhausted rate limiting yields extraction.ErrRateLimited and
// any other exhausted failure extraction.ErrTransientNetwork. onRetry, when set,
// is called before each wait.
func (p RetryPolicy) Do(ctx context.Context, onRetry func(attempt int, wait time.Duration, err error), op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var last *retryableError
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !errors.As(err, &last) {
			return err
		}
		if attempt == attempts {
			break
		}
		wait := p.Backoff(attempt)
		if onRetry != nil {
			onRetry(attempt, wait, err)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}

	if last.kind == retryRateLimited {
		return fmt.Errorf("%w after %d attempts: %w", extraction.ErrRateLimited, attempts, last.cause)
	}
	return fmt.Errorf("%w after %d attempts: %w", extraction.ErrTransientNetwork, attempts, last.cause)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
