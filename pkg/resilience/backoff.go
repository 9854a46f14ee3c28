// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"sync"
	"time"
)

// Backoff yields a growing reconnect delay. The first call to Next returns
// Initial; every following call multiplies the delay until Max is reached.
// Reset starts over after a successful connection.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	mu      sync.Mutex
	current time.Duration
}

// NewReconnectBackoff returns the bus reconnect policy: 5s doubling to 60s.
func NewReconnectBackoff() *Backoff {
	return &Backoff{
		Initial:    5 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 2,
	}
}

// Next returns the delay to wait now and advances the sequence.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current <= 0 {
		b.current = b.Initial
	}
	delay := b.current

	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}
	next := time.Duration(float64(b.current) * mult)
	if b.Max > 0 && next > b.Max {
		next = b.Max
	}
	b.current = next
	return delay
}

// Peek returns the delay Next would return without advancing.
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current <= 0 {
		return b.Initial
	}
	return b.current
}

// Reset restores the initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current = b.Initial
	b.mu.Unlock()
}

// Sleep waits for d or until ctx is done, reporting whether the full delay elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
