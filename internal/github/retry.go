package github

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig controls backoff for transient API failures.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Jitter is the fraction of the backoff randomized in both
	// directions (0.25 means +-25%).
	Jitter float64
}

// DefaultRetryConfig matches the documented contract: base 1s, factor 2,
// jitter +-25%, cap 60s, max 5 attempts.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:    5,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     60 * time.Second,
	Multiplier:     2.0,
	Jitter:         0.25,
}

// retryTransient runs op, retrying only transient failures. Non-transient
// errors return immediately. After the final attempt the transient error
// is returned with its Attempt count filled in.
func retryTransient(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if apiErr, ok := err.(*APIError); ok {
			apiErr.Attempt = attempt
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return &APIError{Kind: KindCancelled, Err: ctx.Err()}
		case <-time.After(jittered(backoff, cfg.Jitter)):
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return lastErr
}

// jittered spreads d by +-fraction to avoid synchronized retries.
func jittered(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * fraction
	return time.Duration(float64(d) * (1 + spread))
}
