// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

// Package client connects services to the message bus.
//
// A Client keeps a websocket connection to the bus open, reconnecting with a
// growing delay when it drops. Every frame it reads is dispatched to local
// listeners twice: once as the raw string under EventMessage, and once as a
// decoded *message.Message under the message type. Emit writes a message to
// the bus. WaitForMessage, WaitForResponse and CollectResponses build
// request/response exchanges on top of that.
package client

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jllopis/messagebus/pkg/emitter"
	"github.com/jllopis/messagebus/pkg/errors"
	"github.com/jllopis/messagebus/pkg/message"
	"github.com/jllopis/messagebus/pkg/resilience"
	"github.com/jllopis/messagebus/pkg/telemetry"
)

// Lifecycle and raw events emitted by the client.
const (
	EventOpen         = "open"
	EventClose        = "close"
	EventError        = emitter.EventError
	EventReconnecting = "reconnecting"
	EventMessage      = "message"
)

// DefaultConnectTimeout is how long Emit waits for a connection before it
// checks whether Run was ever called.
const DefaultConnectTimeout = 10 * time.Second

// Handler receives a decoded message. ctx carries the message, see
// message.FromContext.
type Handler func(ctx context.Context, msg *message.Message)

// RawHandler receives every frame as read from the socket.
type RawHandler func(raw string)

// Conn is the part of a websocket connection the client uses.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a connection to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Bus is the subset of Client used by waiters and collectors.
type Bus interface {
	On(event string, fn Handler) emitter.ListenerID
	Once(event string, fn Handler) emitter.ListenerID
	Remove(event string, id emitter.ListenerID) error
	Emit(ctx context.Context, msg *message.Message) error
}

// Client is a message bus connection with an event emitter attached.
type Client struct {
	cfg            Config
	url            string
	emitter        *emitter.Emitter
	logger         *slog.Logger
	metrics        *telemetry.BusMetrics
	tracer         trace.Tracer
	dial           DialFunc
	backoff        *resilience.Backoff
	connectTimeout time.Duration

	connected *readyEvent
	started   atomic.Bool
	running   atomic.Bool

	mu     sync.Mutex
	conn   Conn
	cancel context.CancelFunc

	writeMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithEmitter replaces the default emitter.
func WithEmitter(e *emitter.Emitter) Option {
	return func(c *Client) {
		if e != nil {
			c.emitter = e
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = telemetry.Component(logger, "client")
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(dial DialFunc) Option {
	return func(c *Client) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// WithMetrics records traffic on m.
func WithMetrics(m *telemetry.BusMetrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithConnectTimeout sets how long Emit waits for the first connection.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithReconnect replaces the reconnect backoff policy.
func WithReconnect(b *resilience.Backoff) Option {
	return func(c *Client) {
		if b != nil {
			c.backoff = b
		}
	}
}

// New creates a client for cfg. The connection is opened by Run.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:            cfg,
		url:            cfg.URL(),
		emitter:        emitter.New(),
		logger:         telemetry.Component(slog.Default(), "client"),
		tracer:         otel.Tracer("messagebus/client"),
		dial:           DialWebsocket,
		backoff:        resilience.NewReconnectBackoff(),
		connectTimeout: DefaultConnectTimeout,
		connected:      newReadyEvent(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// DialWebsocket dials url with the gorilla default dialer.
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// URL returns the bus URL the client connects to.
func (c *Client) URL() string { return c.url }

// Config returns the endpoint configuration.
func (c *Client) Config() Config { return c.cfg }

// Emitter returns the local event emitter.
func (c *Client) Emitter() *emitter.Emitter { return c.emitter }

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool { return c.connected.IsSet() }

// Run connects to the bus and dispatches incoming messages until ctx is
// done or Close is called. Lost connections are reestablished after the
// backoff delay.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New(errors.CodeInvalidInput, "client is already running", nil)
	}
	defer c.running.Store(false)
	c.started.Store(true)

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	for {
		err := c.session(ctx)
		// Every attempt ends with close, failed dials included.
		c.emitter.Emit(EventClose)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.reportError(ctx, err)
		}

		delay := c.backoff.Next()
		c.logger.Warn("bus connection will be retried", "url", c.url, "delay", delay.String())
		if !resilience.Sleep(ctx, delay) {
			return nil
		}
		c.metrics.RecordReconnect(ctx)
		c.emitter.Emit(EventReconnecting)
	}
}

// RunInBackground starts Run in a goroutine. The channel receives Run's
// result and is then closed.
func (c *Client) RunInBackground(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- c.Run(ctx)
	}()
	return done
}

// Close closes the connection and stops Run.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		err = conn.Close()
	}
	c.connected.Clear()
	if stderrors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) session(ctx context.Context) error {
	conn, err := c.dial(ctx, c.url)
	if err != nil {
		return classifyError(err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Set()
	c.backoff.Reset()
	c.logger.Info("connected to bus", "url", c.url)
	c.emitter.Emit(EventOpen)

	defer func() {
		c.connected.Clear()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})
	g.Go(func() error {
		return c.readLoop(gctx, conn)
	})
	return g.Wait()
}

func (c *Client) readLoop(ctx context.Context, conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return classifyError(err)
		}
		c.dispatch(ctx, data)
	}
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	raw := string(data)
	c.emitter.Emit(EventMessage, raw)

	msg, err := message.Deserialize(data)
	if err != nil {
		c.metrics.RecordReceived(ctx, "")
		c.logger.Warn("dropping undecodable frame", "error", err)
		return
	}
	c.metrics.RecordReceived(ctx, msg.Type)
	c.emitter.Emit(msg.Type, message.NewContext(ctx, msg), msg)
}

func (c *Client) reportError(ctx context.Context, err error) {
	switch {
	case errors.HasCode(err, errors.CodeConnectionClosed):
		c.logger.Warn("bus connection closed", "url", c.url, "error", err)
	case errors.HasCode(err, errors.CodeConnectionRefused):
		c.logger.Warn("bus connection refused, is the message bus running?", "url", c.url)
	default:
		c.logger.Error("bus connection failed", "url", c.url, "error", err)
	}
	c.metrics.RecordError(ctx, err, "client")
	c.emitter.Emit(EventError, err)
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var be *errors.BusError
	if stderrors.As(err, &be) {
		return err
	}

	var closeErr *websocket.CloseError
	switch {
	case stderrors.Is(err, syscall.ECONNREFUSED):
		return errors.New(errors.CodeConnectionRefused, "connection refused", err).WithRecoverable(true)
	case stderrors.As(err, &closeErr),
		stderrors.Is(err, net.ErrClosed),
		stderrors.Is(err, io.EOF),
		stderrors.Is(err, io.ErrUnexpectedEOF),
		stderrors.Is(err, websocket.ErrCloseSent):
		return errors.New(errors.CodeConnectionClosed, "connection closed", err).WithRecoverable(true)
	default:
		return errors.New(errors.CodeInternal, "websocket failure", err).WithRecoverable(true)
	}
}

// Emit writes msg to the bus.
//
// If no connection is open Emit waits for one. When none shows up within the
// connect timeout and Run was never called, it fails with NOT_CONNECTED;
// otherwise it keeps waiting until ctx is done.
func (c *Client) Emit(ctx context.Context, msg *message.Message) error {
	ctx, span := c.tracer.Start(ctx, "messagebus.emit",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(telemetry.MessageAttributes(msg.Type, msg.Context, 0)...))
	defer span.End()

	err := c.emit(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordError(ctx, err, "emit")
	}
	return err
}

func (c *Client) emit(ctx context.Context, msg *message.Message) error {
	if !c.connected.Wait(ctx, c.connectTimeout) {
		if !c.started.Load() {
			return errors.New(errors.CodeNotConnected, "run must be called before emitting messages", nil).
				WithContext("type", msg.Type)
		}
		if !c.connected.Wait(ctx, 0) {
			return errors.New(errors.CodeTimeout, "no bus connection before context ended", ctx.Err()).
				WithContext("type", msg.Type).
				WithRecoverable(true)
		}
	}

	data, err := msg.Serialize()
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, data)
		c.writeMu.Unlock()
	}
	if conn == nil || err != nil {
		c.logger.WarnContext(ctx, "could not send message, connection is closed", "type", msg.Type)
		return errors.New(errors.CodeConnectionClosed, "could not send message", err).
			WithContext("type", msg.Type).
			WithRecoverable(true)
	}

	c.metrics.RecordSent(ctx, msg.Type)
	c.logger.DebugContext(ctx, "message sent", "type", msg.Type, "bytes", len(data))
	return nil
}

// On registers fn for messages of the given type.
func (c *Client) On(event string, fn Handler) emitter.ListenerID {
	return c.emitter.On(event, adaptHandler(fn))
}

// Once registers fn for the next message of the given type.
func (c *Client) Once(event string, fn Handler) emitter.ListenerID {
	return c.emitter.Once(event, adaptHandler(fn))
}

// OnRaw registers fn for every raw frame.
func (c *Client) OnRaw(fn RawHandler) emitter.ListenerID {
	return c.emitter.On(EventMessage, func(args ...any) {
		if len(args) > 0 {
			if raw, ok := args[0].(string); ok {
				fn(raw)
			}
		}
	})
}

// OnError registers fn for connection errors.
func (c *Client) OnError(fn func(error)) emitter.ListenerID {
	return c.emitter.On(EventError, func(args ...any) {
		if len(args) > 0 {
			if err, ok := args[0].(error); ok {
				fn(err)
			}
		}
	})
}

// OnLifecycle registers fn for EventOpen, EventClose or EventReconnecting.
func (c *Client) OnLifecycle(event string, fn func()) emitter.ListenerID {
	return c.emitter.On(event, func(...any) { fn() })
}

// Remove unregisters a listener. Failures are logged with the current
// registrations and returned.
func (c *Client) Remove(event string, id emitter.ListenerID) error {
	err := c.emitter.Remove(event, id)
	if err != nil {
		c.logger.Warn("failed to remove listener",
			"event", event,
			"listener", uint64(id),
			"error", err,
			"registered_events", c.emitter.EventNames())
	}
	return err
}

// RemoveAllListeners unregisters every listener for event.
func (c *Client) RemoveAllListeners(event string) error {
	return c.emitter.RemoveAll(event)
}

func adaptHandler(fn Handler) emitter.Listener {
	return func(args ...any) {
		if len(args) < 2 {
			return
		}
		ctx, _ := args[0].(context.Context)
		msg, ok := args[1].(*message.Message)
		if !ok {
			return
		}
		if ctx == nil {
			ctx = message.NewContext(context.Background(), msg)
		}
		fn(ctx, msg)
	}
}
