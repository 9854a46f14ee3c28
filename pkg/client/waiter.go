// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"time"

	"github.com/jllopis/messagebus/pkg/emitter"
	"github.com/jllopis/messagebus/pkg/message"
)

// Waiter waits for a single message of a given type. The listener is
// registered when the waiter is created, so a message that arrives before
// Wait is called is not lost.
type Waiter struct {
	bus     Bus
	msgType string
	id      emitter.ListenerID
	ch      chan *message.Message
}

// NewWaiter registers a one-shot listener for msgType on bus.
func NewWaiter(bus Bus, msgType string) *Waiter {
	w := &Waiter{
		bus:     bus,
		msgType: msgType,
		ch:      make(chan *message.Message, 1),
	}
	w.id = bus.Once(msgType, w.handle)
	return w
}

func (w *Waiter) handle(_ context.Context, msg *message.Message) {
	select {
	case w.ch <- msg:
	default:
	}
}

// Wait returns the received message, or nil when timeout elapses first.
// A done ctx returns its error.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-w.ch:
		return msg, nil
	case <-timer.C:
		w.cleanup()
		return nil, nil
	case <-ctx.Done():
		w.cleanup()
		return nil, ctx.Err()
	}
}

// cleanup drops the listener. It may already be gone if the message
// arrived while timing out, so the error is ignored.
func (w *Waiter) cleanup() {
	_ = w.bus.Remove(w.msgType, w.id)
}
