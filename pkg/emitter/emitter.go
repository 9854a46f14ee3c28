// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

// Package emitter implements an in-process event emitter whose listeners run
// on a bounded executor.
package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/jllopis/messagebus/pkg/errors"
)

// EventError is emitted when a listener panics.
const EventError = "error"

// DefaultMaxConcurrency bounds how many listeners run at the same time.
const DefaultMaxConcurrency = 64

// Listener receives the arguments passed to Emit.
type Listener func(args ...any)

// ListenerID identifies a registration so it can be removed later.
type ListenerID uint64

type entry struct {
	id   ListenerID
	fn   Listener
	once bool
}

// Emitter dispatches named events to registered listeners. Every listener
// call runs in its own goroutine; a semaphore caps how many run at once.
// A synchronous emitter calls listeners in the emitting goroutine instead,
// so one listener sees events in the order they were emitted.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[string][]entry
	nextID    atomic.Uint64

	sem         *semaphore.Weighted
	wg          sync.WaitGroup
	logger      *slog.Logger
	synchronous bool
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithMaxConcurrency limits concurrently running listeners.
func WithMaxConcurrency(n int64) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithSynchronous runs listeners inline, one after the other, before Emit
// returns. A slow listener then delays everything emitted after it.
func WithSynchronous() Option {
	return func(e *Emitter) {
		e.synchronous = true
	}
}

// WithLogger sets the logger used to report listener panics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an Emitter.
func New(opts ...Option) *Emitter {
	e := &Emitter{
		listeners: make(map[string][]entry),
		sem:       semaphore.NewWeighted(DefaultMaxConcurrency),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// On registers fn for event.
func (e *Emitter) On(event string, fn Listener) ListenerID {
	return e.add(event, fn, false)
}

// Once registers fn for a single delivery of event.
func (e *Emitter) Once(event string, fn Listener) ListenerID {
	return e.add(event, fn, true)
}

func (e *Emitter) add(event string, fn Listener, once bool) ListenerID {
	id := ListenerID(e.nextID.Add(1))
	e.mu.Lock()
	e.listeners[event] = append(e.listeners[event], entry{id: id, fn: fn, once: once})
	e.mu.Unlock()
	return id
}

// Remove unregisters the listener with the given id.
func (e *Emitter) Remove(event string, id ListenerID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries, ok := e.listeners[event]
	if !ok {
		return errors.New(errors.CodeNotFound, "event has no listeners", nil).
			WithContext("event", event)
	}
	for i, en := range entries {
		if en.id != id {
			continue
		}
		entries = append(entries[:i:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(e.listeners, event)
		} else {
			e.listeners[event] = entries
		}
		return nil
	}
	return errors.New(errors.CodeNotFound, "listener not registered", nil).
		WithContext("event", event).
		WithContext("listener", uint64(id))
}

// RemoveAll unregisters every listener for event.
func (e *Emitter) RemoveAll(event string) error {
	if event == "" {
		return errors.New(errors.CodeInvalidInput, "event name is required", nil)
	}
	e.mu.Lock()
	delete(e.listeners, event)
	e.mu.Unlock()
	return nil
}

// ListenerCount returns how many listeners are registered for event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[event])
}

// EventNames lists events with at least one listener, sorted.
func (e *Emitter) EventNames() []string {
	e.mu.RLock()
	names := make([]string, 0, len(e.listeners))
	for name := range e.listeners {
		names = append(names, name)
	}
	e.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Emit schedules every listener of event with args and reports whether
// there was at least one. Once listeners are unregistered before they run.
func (e *Emitter) Emit(event string, args ...any) bool {
	e.mu.Lock()
	entries := e.listeners[event]
	if len(entries) == 0 {
		e.mu.Unlock()
		return false
	}
	calls := make([]entry, len(entries))
	copy(calls, entries)

	kept := entries[:0:0]
	for _, en := range entries {
		if !en.once {
			kept = append(kept, en)
		}
	}
	if len(kept) == 0 {
		delete(e.listeners, event)
	} else {
		e.listeners[event] = kept
	}
	e.mu.Unlock()

	for _, en := range calls {
		e.dispatch(event, en.fn, args)
	}
	return true
}

// Wait blocks until every dispatched listener has returned.
func (e *Emitter) Wait() {
	e.wg.Wait()
}

func (e *Emitter) dispatch(event string, fn Listener, args []any) {
	if e.synchronous {
		e.call(event, fn, args)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer e.sem.Release(1)
		e.call(event, fn, args)
	}()
}

func (e *Emitter) call(event string, fn Listener, args []any) {
	defer e.recoverListener(event)
	fn(args...)
}

func (e *Emitter) recoverListener(event string) {
	r := recover()
	if r == nil {
		return
	}
	err := errors.New(errors.CodeInternal, "listener panicked", fmt.Errorf("%v", r)).
		WithContext("event", event)
	if event != EventError && e.Emit(EventError, err) {
		return
	}
	e.logger.Error("event listener panicked", "event", event, "panic", r)
}
