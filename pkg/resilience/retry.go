// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

// Package resilience provides retry and reconnect backoff for the bus client.
package resilience

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"time"

	"github.com/jllopis/messagebus/pkg/errors"
)

// RetryConfig retries an operation with exponential backoff.
type RetryConfig struct {
	// MaxAttempts counts the first try. Values below 1 mean a single try.
	MaxAttempts int

	InitialDelay time.Duration

	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration

	// Multiplier grows the delay between attempts. Zero means 2.
	Multiplier float64

	// Jitter spreads each delay by ±Jitter of its length, e.g. 0.1.
	Jitter float64

	// IsRecoverable decides whether err is worth another attempt. When nil a
	// BusError is retried only if it is marked recoverable.
	IsRecoverable func(error) bool

	// OnRetry is called before each wait with the attempt that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig tries three times, starting at 100ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// WithMaxAttempts returns a copy with MaxAttempts set.
func (rc RetryConfig) WithMaxAttempts(n int) RetryConfig {
	rc.MaxAttempts = n
	return rc
}

// WithInitialDelay returns a copy with InitialDelay set.
func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

// WithMaxDelay returns a copy with MaxDelay set.
func (rc RetryConfig) WithMaxDelay(d time.Duration) RetryConfig {
	rc.MaxDelay = d
	return rc
}

// Do runs fn until it succeeds, fails with an unrecoverable error or runs
// out of attempts. The last error is returned as is. A context that ends
// while waiting yields a TIMEOUT error.
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	attempts := max(rc.MaxAttempts, 1)
	recoverable := rc.IsRecoverable
	if recoverable == nil {
		recoverable = recoverableBusError
	}

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == attempts || !recoverable(err) {
			return err
		}

		delay := rc.delay(attempt)
		if rc.OnRetry != nil {
			rc.OnRetry(attempt, err, delay)
		}
		if !Sleep(ctx, delay) {
			return errors.New(errors.CodeTimeout, "context ended between attempts", ctx.Err()).
				WithContext("attempt", attempt).
				WithContext("max_attempts", attempts)
		}
	}
}

// DoWithResult is Do for operations that produce a value.
func DoWithResult[T any](ctx context.Context, rc RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	err := rc.Do(ctx, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

// delay returns the wait after the given failed attempt (1-based).
func (rc RetryConfig) delay(attempt int) time.Duration {
	mult := rc.Multiplier
	if mult == 0 {
		mult = 2
	}
	d := time.Duration(float64(rc.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	if rc.MaxDelay > 0 && d > rc.MaxDelay {
		d = rc.MaxDelay
	}
	if rc.Jitter > 0 {
		spread := float64(d) * rc.Jitter
		d += time.Duration(spread * (2*rand.Float64() - 1))
	}
	return max(d, 0)
}

func recoverableBusError(err error) bool {
	var be *errors.BusError
	if stderrors.As(err, &be) {
		return be.Recoverable
	}
	return true
}
