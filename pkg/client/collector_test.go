// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/messagebus/pkg/emitter"
	"github.com/jllopis/messagebus/pkg/message"
)

// fakeBus dispatches synchronously and hands every emitted message to onEmit.
type fakeBus struct {
	mu       sync.Mutex
	next     emitter.ListenerID
	handlers map[string]map[emitter.ListenerID]Handler
	emitted  []*message.Message
	onEmit   func(*message.Message)
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]map[emitter.ListenerID]Handler)}
}

func (b *fakeBus) On(event string, fn Handler) emitter.ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[emitter.ListenerID]Handler)
	}
	b.handlers[event][b.next] = fn
	return b.next
}

func (b *fakeBus) Once(event string, fn Handler) emitter.ListenerID {
	var id emitter.ListenerID
	id = b.On(event, func(ctx context.Context, msg *message.Message) {
		_ = b.Remove(event, id)
		fn(ctx, msg)
	})
	return id
}

func (b *fakeBus) Remove(event string, id emitter.ListenerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[event], id)
	return nil
}

func (b *fakeBus) Emit(_ context.Context, msg *message.Message) error {
	b.mu.Lock()
	b.emitted = append(b.emitted, msg)
	onEmit := b.onEmit
	b.mu.Unlock()
	if onEmit != nil {
		onEmit(msg)
	}
	return nil
}

// deliver dispatches msg to local handlers as if it came from the bus.
func (b *fakeBus) deliver(msg *message.Message) {
	b.mu.Lock()
	var fns []Handler
	for _, fn := range b.handlers[msg.Type] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(message.NewContext(context.Background(), msg), msg)
	}
}

func (b *fakeBus) count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[event])
}

func handling(query, handler string, timeout float64) *message.Message {
	return message.New("query.handling", map[string]any{
		"query": query, "handler": handler, "timeout": timeout,
	}, nil)
}

func response(query, handler string, extra map[string]any) *message.Message {
	p := map[string]any{"query": query, "handler": handler}
	for k, v := range extra {
		p[k] = v
	}
	return message.New("query.response", p, nil)
}

func TestWaiterReceives(t *testing.T) {
	bus := newFakeBus()
	w := NewWaiter(bus, "ready")
	bus.deliver(message.New("ready", map[string]any{"ok": true}, nil))

	msg, err := w.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, true, msg.Payload["ok"])
	assert.Equal(t, 0, bus.count("ready"))
}

func TestWaiterTimeout(t *testing.T) {
	bus := newFakeBus()
	w := NewWaiter(bus, "ready")

	msg, err := w.Wait(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, 0, bus.count("ready"))
}

func TestWaiterContextDone(t *testing.T) {
	bus := newFakeBus()
	w := NewWaiter(bus, "ready")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg, err := w.Wait(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, msg)
}

func TestCollectorGathersAllHandlers(t *testing.T) {
	bus := newFakeBus()
	query := message.New("query", nil, nil)
	col := NewCollector(bus, query, CollectOptions{MaxTimeout: 2 * time.Second})
	assert.Equal(t, col.CollectID, query.Context[message.KeyCollectID])

	bus.onEmit = func(msg *message.Message) {
		if msg.Type != "query" {
			return
		}
		bus.deliver(handling(col.CollectID, "a", 1))
		bus.deliver(handling(col.CollectID, "b", 1))
		bus.deliver(response(col.CollectID, "b", map[string]any{"n": 2.0}))
		bus.deliver(response(col.CollectID, "a", map[string]any{"n": 1.0}))
	}

	var seen []string
	col.OnResponse(func(m *message.Message) { seen = append(seen, m.PayloadString("handler")) })

	start := time.Now()
	responses, err := col.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, responses, 2)
	assert.Equal(t, "b", responses[0].PayloadString("handler"))
	assert.Equal(t, "a", responses[1].PayloadString("handler"))
	assert.Equal(t, []string{"b", "a"}, seen)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, 0, bus.count("query.handling"))
	assert.Equal(t, 0, bus.count("query.response"))
}

func TestCollectorDropsForeignQueries(t *testing.T) {
	bus := newFakeBus()
	col := NewCollector(bus, message.New("query", nil, nil), CollectOptions{MaxTimeout: 2 * time.Second})

	bus.onEmit = func(msg *message.Message) {
		if msg.Type != "query" {
			return
		}
		bus.deliver(handling("other-query", "x", 1))
		bus.deliver(handling(col.CollectID, "a", 1))
		bus.deliver(response("other-query", "x", nil))
		bus.deliver(response(col.CollectID, "a", nil))
	}

	responses, err := col.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "a", responses[0].PayloadString("handler"))
}

func TestCollectorDirectReturn(t *testing.T) {
	bus := newFakeBus()
	col := NewCollector(bus, message.New("query", nil, nil), CollectOptions{
		MinTimeout: 50 * time.Millisecond,
		MaxTimeout: 2 * time.Second,
		DirectReturn: func(m *message.Message) bool {
			return m.Payload["final"] == true
		},
	})

	bus.onEmit = func(msg *message.Message) {
		if msg.Type != "query" {
			return
		}
		bus.deliver(handling(col.CollectID, "slow", 5))
		bus.deliver(handling(col.CollectID, "fast", 5))
		bus.deliver(response(col.CollectID, "fast", map[string]any{"final": true}))
	}

	start := time.Now()
	responses, err := col.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "fast", responses[0].PayloadString("handler"))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCollectorMaxTimeout(t *testing.T) {
	bus := newFakeBus()
	col := NewCollector(bus, message.New("query", nil, nil), CollectOptions{
		MinTimeout: 10 * time.Millisecond,
		MaxTimeout: 300 * time.Millisecond,
	})

	bus.onEmit = func(msg *message.Message) {
		if msg.Type == "query" {
			bus.deliver(handling(col.CollectID, "silent", 30))
		}
	}

	start := time.Now()
	responses, err := col.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, responses)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestCollectorExtendAndDuplicateHandling(t *testing.T) {
	bus := newFakeBus()
	col := NewCollector(bus, message.New("query", nil, nil), DefaultCollectOptions())

	col.registerHandler(handling(col.CollectID, "a", 1))
	col.registerHandler(handling(col.CollectID, "a", 9))
	assert.Equal(t, time.Second, col.longestTimeout())

	col.receiveResponse(response(col.CollectID, "a", nil))
	assert.Equal(t, time.Duration(0), col.longestTimeout())
	assert.Len(t, col.Responses(), 1)
}
