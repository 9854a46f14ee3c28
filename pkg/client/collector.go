// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/messagebus/pkg/emitter"
	"github.com/jllopis/messagebus/pkg/message"
	"github.com/jllopis/messagebus/pkg/resilience"
)

const collectPollInterval = 100 * time.Millisecond

// CollectOptions tunes a response collection.
type CollectOptions struct {
	// MinTimeout is always waited so handlers can announce themselves.
	MinTimeout time.Duration
	// MaxTimeout caps the total wait regardless of handler requests.
	MaxTimeout time.Duration
	// DirectReturn ends the collection early when it returns true for a response.
	DirectReturn func(*message.Message) bool
}

// DefaultCollectOptions waits at least 200ms and at most 3s.
func DefaultCollectOptions() CollectOptions {
	return CollectOptions{
		MinTimeout: 200 * time.Millisecond,
		MaxTimeout: 3 * time.Second,
	}
}

// Collector gathers answers from every handler that takes part in a query.
//
// Handlers announce themselves with a "<type>.handling" message carrying the
// query id, their handler id and how long they need. They answer with a
// "<type>.response" message. Collection ends when every announced handler
// has answered, when DirectReturn accepts a response, when the longest
// announced timeout runs out, or at MaxTimeout.
type Collector struct {
	bus       Bus
	msg       *message.Message
	opts      CollectOptions
	CollectID string

	mu         sync.Mutex
	handlers   map[string]time.Duration
	responses  map[string]*message.Message
	order      []string
	done       bool
	doneCh     chan struct{}
	onResponse func(*message.Message)

	handlingID emitter.ListenerID
	responseID emitter.ListenerID
}

// NewCollector prepares a collection for msg. The collect id is written to
// msg.Context under "__collect_id__".
func NewCollector(bus Bus, msg *message.Message, opts CollectOptions) *Collector {
	if opts.DirectReturn == nil {
		opts.DirectReturn = func(*message.Message) bool { return false }
	}
	if msg.Context == nil {
		msg.Context = map[string]any{}
	}
	id := uuid.NewString()
	msg.Context[message.KeyCollectID] = id

	return &Collector{
		bus:       bus,
		msg:       msg,
		opts:      opts,
		CollectID: id,
		handlers:  make(map[string]time.Duration),
		responses: make(map[string]*message.Message),
		doneCh:    make(chan struct{}, 1),
	}
}

// OnResponse sets a callback for every accepted response.
func (c *Collector) OnResponse(fn func(*message.Message)) {
	c.mu.Lock()
	c.onResponse = fn
	c.mu.Unlock()
}

func (c *Collector) registerHandler(msg *message.Message) {
	handlerID := msg.PayloadString("handler")
	timeout, _ := msg.PayloadFloat("timeout")

	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.PayloadString("query") != c.CollectID {
		return
	}
	if _, known := c.handlers[handlerID]; known {
		return
	}
	c.handlers[handlerID] = time.Duration(timeout * float64(time.Second))
}

func (c *Collector) receiveResponse(msg *message.Message) {
	handlerID := msg.PayloadString("handler")

	c.mu.Lock()
	if msg.PayloadString("query") != c.CollectID {
		c.mu.Unlock()
		return
	}
	if _, seen := c.responses[handlerID]; !seen {
		c.order = append(c.order, handlerID)
	}
	c.responses[handlerID] = msg
	c.handlers[handlerID] = 0

	if len(c.responses) == len(c.handlers) || c.opts.DirectReturn(msg) {
		c.done = true
		select {
		case c.doneCh <- struct{}{}:
		default:
		}
	}
	callback := c.onResponse
	c.mu.Unlock()

	if callback != nil {
		callback(msg)
	}
}

func (c *Collector) setup() {
	base := c.msg.Type
	c.handlingID = c.bus.On(base+message.HandlingSuffix, func(_ context.Context, m *message.Message) {
		c.registerHandler(m)
	})
	c.responseID = c.bus.On(base+message.ResponseSuffix, func(_ context.Context, m *message.Message) {
		c.receiveResponse(m)
	})
}

func (c *Collector) teardown() {
	base := c.msg.Type
	_ = c.bus.Remove(base+message.HandlingSuffix, c.handlingID)
	_ = c.bus.Remove(base+message.ResponseSuffix, c.responseID)

	c.mu.Lock()
	c.onResponse = nil
	c.mu.Unlock()
}

// Collect emits the query and returns the responses in arrival order.
func (c *Collector) Collect(ctx context.Context) ([]*message.Message, error) {
	c.setup()
	defer c.teardown()

	if err := c.bus.Emit(ctx, c.msg); err != nil {
		return nil, err
	}
	if !resilience.Sleep(ctx, c.opts.MinTimeout) {
		return nil, ctx.Err()
	}

	c.mu.Lock()
	registered := len(c.handlers)
	c.mu.Unlock()
	if registered == 0 {
		return []*message.Message{}, nil
	}

	c.waitForHandlers(ctx)
	return c.Responses(), nil
}

func (c *Collector) waitForHandlers(ctx context.Context) {
	c.mu.Lock()
	finished := c.done
	c.mu.Unlock()
	if finished {
		return
	}

	waited := c.opts.MinTimeout
	for c.longestTimeout()-waited > 0 && waited < c.opts.MaxTimeout {
		select {
		case <-c.doneCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(collectPollInterval):
		}
		waited += collectPollInterval
	}
}

func (c *Collector) longestTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var longest time.Duration
	for _, d := range c.handlers {
		if d > longest {
			longest = d
		}
	}
	return longest
}

// Responses returns the responses accepted so far in arrival order.
func (c *Collector) Responses() []*message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*message.Message, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.responses[id])
	}
	return out
}
