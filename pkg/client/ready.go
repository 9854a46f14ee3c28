// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"
	"time"
)

// readyEvent is a resettable latch: Wait returns once Set was called and
// until Clear is called again.
type readyEvent struct {
	mu    sync.Mutex
	ch    chan struct{}
	isSet bool
}

func newReadyEvent() *readyEvent {
	return &readyEvent{ch: make(chan struct{})}
}

func (e *readyEvent) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isSet {
		close(e.ch)
		e.isSet = true
	}
}

func (e *readyEvent) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isSet {
		e.ch = make(chan struct{})
		e.isSet = false
	}
}

func (e *readyEvent) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isSet
}

// Wait blocks until the event is set, ctx is done or timeout elapses.
// A timeout <= 0 waits without limit.
func (e *readyEvent) Wait(ctx context.Context, timeout time.Duration) bool {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ch:
		return true
	case <-expired:
		return false
	case <-ctx.Done():
		return false
	}
}
