package embedder

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/dshills/knowledge-engine/pkg/types"
)

// RetryConfig bounds in-call retries of a single provider request. The
// scheduler retries whole tasks on top of this.
type RetryConfig struct {
	MaxRetries int // total attempts, including the first
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultRetryConfig returns the provider defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: MaxRetries,
		BaseDelay:  time.Duration(InitialBackoffMs) * time.Millisecond,
		MaxDelay:   time.Duration(MaxBackoffMs) * time.Millisecond,
		Multiplier: BackoffMultiplier,
	}
}

// delay returns the wait before attempt n+1: a random point in the upper
// half of the exponential window.
func (c RetryConfig) delay(n int) time.Duration {
	d := float64(c.BaseDelay)
	for i := 0; i < n; i++ {
		d *= c.Multiplier
		if d >= float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
			break
		}
	}
	half := time.Duration(d / 2)
	if half <= 0 {
		return time.Duration(d)
	}
	return half + rand.N(half)
}

// retryWithBackoff calls fn until it succeeds, returns a permanent error,
// the context ends or the attempts run out. The last error is returned.
func retryWithBackoff[T any](ctx context.Context, config RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	attempts := max(config.MaxRetries, 1)

	var lastErr error
	for n := 0; n < attempts; n++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if types.IsPermanent(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		lastErr = err
		if n == attempts-1 {
			break
		}

		timer := time.NewTimer(config.delay(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, lastErr
}
