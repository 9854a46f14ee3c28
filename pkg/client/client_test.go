// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/messagebus/pkg/emitter"
	"github.com/jllopis/messagebus/pkg/errors"
	"github.com/jllopis/messagebus/pkg/message"
	"github.com/jllopis/messagebus/pkg/resilience"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

// syncBuffer collects log output written from client goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// deadConn accepts the handshake but fails every write, like a socket whose
// peer went away before the read loop noticed.
type deadConn struct {
	closed chan struct{}
	once   sync.Once
}

func newDeadConn() *deadConn { return &deadConn{closed: make(chan struct{})} }

func (c *deadConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, net.ErrClosed
}

func (c *deadConn) WriteMessage(int, []byte) error { return websocket.ErrCloseSent }

func (c *deadConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func fastBackoff() *resilience.Backoff {
	return &resilience.Backoff{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond, Multiplier: 2}
}

// startClient runs a client against bus and waits for the first connection.
func startClient(t *testing.T, bus *testBus, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithReconnect(fastBackoff())}, opts...)
	c := New(bus.Config(), opts...)

	opened := make(chan struct{}, 1)
	id := c.OnLifecycle(EventOpen, func() {
		select {
		case opened <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := c.RunInBackground(ctx)
	t.Cleanup(func() {
		cancel()
		_ = c.Close()
		<-done
	})

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
	}
	_ = c.Remove(EventOpen, id)
	return c
}

func TestBuildURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:1337/core", BuildURL("localhost", 1337, "/core", false))
	assert.Equal(t, "wss://sslhost:443/core", BuildURL("sslhost", 443, "/core", true))
}

func TestNewDefaults(t *testing.T) {
	c := New(DefaultConfig())
	assert.Equal(t, "ws://0.0.0.0:8181/core", c.URL())
	assert.NotNil(t, c.Emitter())
	assert.False(t, c.Connected())
}

func TestNewCustomEmitter(t *testing.T) {
	e := emitter.New()
	c := New(DefaultConfig(), WithEmitter(e))
	assert.Same(t, e, c.Emitter())
}

func TestEmitBeforeRun(t *testing.T) {
	c := New(DefaultConfig(), WithConnectTimeout(20*time.Millisecond), WithLogger(quietLogger()))
	err := c.Emit(context.Background(), message.New("speak", nil, nil))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotConnected))
}

func TestRunTwice(t *testing.T) {
	bus := newTestBus(t)
	c := startClient(t, bus)
	err := c.Run(context.Background())
	assert.True(t, errors.HasCode(err, errors.CodeInvalidInput))
}

func TestEmitAndReceive(t *testing.T) {
	bus := newTestBus(t)
	c := startClient(t, bus)

	raw := make(chan string, 4)
	c.OnRaw(func(s string) { raw <- s })

	got := make(chan *message.Message, 1)
	c.On("speak", func(ctx context.Context, msg *message.Message) {
		fromCtx, ok := message.FromContext(ctx)
		if ok && fromCtx == msg {
			got <- msg
		}
	})

	require.NoError(t, c.Emit(context.Background(), message.New("speak", map[string]any{"utterance": "hello"}, nil)))

	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg.PayloadString("utterance"))
	case <-time.After(2 * time.Second):
		t.Fatal("message was not dispatched")
	}
	select {
	case s := <-raw:
		assert.Contains(t, s, `"utterance":"hello"`)
	case <-time.After(2 * time.Second):
		t.Fatal("raw frame was not dispatched")
	}

	received := bus.Received()
	require.Len(t, received, 1)
	assert.Equal(t, "speak", received[0].Type)
}

func TestUndecodableFrameOnlyRaw(t *testing.T) {
	bus := newTestBus(t)
	c := startClient(t, bus)

	raw := make(chan string, 1)
	c.OnRaw(func(s string) { raw <- s })

	bus.broadcast([]byte("not json"))

	select {
	case s := <-raw:
		assert.Equal(t, "not json", s)
	case <-time.After(2 * time.Second):
		t.Fatal("raw frame was not dispatched")
	}
	assert.True(t, c.Connected())
}

func TestWaitForResponse(t *testing.T) {
	bus := newTestBus(t)
	bus.SetResponder(func(msg *message.Message) []*message.Message {
		if msg.Type != "ping" {
			return nil
		}
		return []*message.Message{msg.Response(map[string]any{"pong": true}, nil)}
	})
	c := startClient(t, bus)

	reply, err := c.WaitForResponse(context.Background(), message.New("ping", nil, nil), "", time.Second)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "ping.response", reply.Type)
	assert.Equal(t, true, reply.Payload["pong"])
}

func TestWaitForMessageTimeout(t *testing.T) {
	bus := newTestBus(t)
	c := startClient(t, bus)

	msg, err := c.WaitForMessage(context.Background(), "never", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, 0, c.Emitter().ListenerCount("never"))
}

func TestWaitForMessagePublishedByBus(t *testing.T) {
	bus := newTestBus(t)
	c := startClient(t, bus)

	go func() {
		time.Sleep(50 * time.Millisecond)
		bus.Publish(message.New("mycroft.ready", nil, nil))
	}()

	msg, err := c.WaitForMessage(context.Background(), "mycroft.ready", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "mycroft.ready", msg.Type)
}

func TestCollectResponsesAcrossClients(t *testing.T) {
	bus := newTestBus(t)
	asker := startClient(t, bus)
	skill := startClient(t, bus)

	skill.OnCollect("skill.query", func(ctx context.Context, msg *message.CollectionMessage) {
		_ = skill.Emit(ctx, msg.Success(map[string]any{"answer": "42"}, nil))
	}, time.Second)

	opts := DefaultCollectOptions()
	opts.MinTimeout = 300 * time.Millisecond
	responses, err := asker.CollectResponses(context.Background(), message.New("skill.query", nil, nil), opts)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "42", responses[0].PayloadString("answer"))
	assert.Equal(t, true, responses[0].Payload["succeeded"])

	// The collector cleaned up after itself.
	assert.Equal(t, 0, asker.Emitter().ListenerCount("skill.query.response"))
	assert.Equal(t, 0, asker.Emitter().ListenerCount("skill.query.handling"))
}

func TestCollectResponsesNoHandlers(t *testing.T) {
	bus := newTestBus(t)
	c := startClient(t, bus)

	opts := CollectOptions{MinTimeout: 50 * time.Millisecond, MaxTimeout: time.Second}
	responses, err := c.CollectResponses(context.Background(), message.New("nobody.home", nil, nil), opts)
	require.NoError(t, err)
	assert.Empty(t, responses)
}

func TestReconnectAfterDrop(t *testing.T) {
	bus := newTestBus(t)
	c := New(bus.Config(), WithLogger(quietLogger()), WithReconnect(fastBackoff()))

	var opens, closes, reconnects atomic.Int32
	errs := make(chan error, 4)
	c.OnLifecycle(EventOpen, func() { opens.Add(1) })
	c.OnLifecycle(EventClose, func() { closes.Add(1) })
	c.OnLifecycle(EventReconnecting, func() { reconnects.Add(1) })
	c.OnError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := c.RunInBackground(ctx)
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return opens.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	bus.DropPeers()

	require.Eventually(t, func() bool { return opens.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, closes.Load(), int32(1))
	assert.GreaterOrEqual(t, reconnects.Load(), int32(1))

	select {
	case err := <-errs:
		assert.True(t, errors.HasCode(err, errors.CodeConnectionClosed), "unexpected error %v", err)
	case <-time.After(time.Second):
		t.Fatal("expected an error event for the dropped connection")
	}
	require.Eventually(t, c.Connected, time.Second, 10*time.Millisecond)
}

func TestConnectionRefusedRetries(t *testing.T) {
	bus := newTestBus(t)
	cfg := bus.Config()
	bus.Close()

	var logs syncBuffer
	c := New(cfg, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))), WithReconnect(fastBackoff()))

	var opens, closes atomic.Int32
	c.OnLifecycle(EventOpen, func() { opens.Add(1) })
	c.OnLifecycle(EventClose, func() { closes.Add(1) })
	errs := make(chan error, 1)
	c.OnError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := c.RunInBackground(ctx)

	select {
	case err := <-errs:
		assert.True(t, errors.HasCode(err, errors.CodeConnectionRefused), "unexpected error %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection refused")
	}
	require.Eventually(t, func() bool { return closes.Load() >= 1 }, time.Second, 10*time.Millisecond,
		"a failed dial still ends with close")
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, int32(0), opens.Load())
	assert.Contains(t, logs.String(), "is the message bus running?")
}

func TestCloseStopsRun(t *testing.T) {
	bus := newTestBus(t)
	c := New(bus.Config(), WithLogger(quietLogger()))
	opened := make(chan struct{}, 1)
	c.OnLifecycle(EventOpen, func() { opened <- struct{}{} })

	done := c.RunInBackground(context.Background())
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
	}

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after Close")
	}
	assert.False(t, c.Connected())
}

func TestRemoveUnknownListenerLogs(t *testing.T) {
	var logs bytes.Buffer
	c := New(DefaultConfig(), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	c.On("known", func(context.Context, *message.Message) {})

	err := c.Remove("known", emitter.ListenerID(9999))
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
	assert.Contains(t, logs.String(), "failed to remove listener")
	assert.Contains(t, logs.String(), "known")

	assert.True(t, errors.HasCode(c.RemoveAllListeners(""), errors.CodeInvalidInput))
}

func TestSend(t *testing.T) {
	bus := newTestBus(t)

	err := Send(context.Background(), "speak", map[string]any{"utterance": "hi"}, bus.Config())
	require.NoError(t, err)

	select {
	case frame := <-bus.frames:
		assert.JSONEq(t, `{"type":"speak","payload":{"utterance":"hi"},"context":{}}`, string(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("bus did not receive the message")
	}
}

func TestSendUnreachable(t *testing.T) {
	bus := newTestBus(t)
	cfg := bus.Config()
	bus.Close()

	var attempts atomic.Int32
	dial := func(ctx context.Context, url string) (Conn, error) {
		attempts.Add(1)
		return DialWebsocket(ctx, url)
	}
	retry := resilience.DefaultRetryConfig().WithInitialDelay(time.Millisecond)
	var logs syncBuffer

	err := Send(context.Background(), "speak", nil, cfg, SendWithDialer(dial), SendWithRetry(retry),
		SendWithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeConnectionRefused))
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 2, strings.Count(logs.String(), "bus unreachable, retrying"))
	assert.Equal(t, cfg.URL(), errors.AsBusError(err).Context["url"])
}

func TestSendCanceledKeepsTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var attempts atomic.Int32
	dial := func(context.Context, string) (Conn, error) {
		attempts.Add(1)
		cancel()
		return nil, errors.New(errors.CodeConnectionRefused, "connection refused", nil).WithRecoverable(true)
	}

	err := Send(ctx, "speak", nil, DefaultConfig(), SendWithDialer(dial), SendWithLogger(quietLogger()))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeTimeout), "unexpected error %v", err)
	assert.False(t, errors.HasCode(err, errors.CodeConnectionRefused))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestEmitOnDeadConnection(t *testing.T) {
	var logs syncBuffer
	conn := newDeadConn()
	c := New(DefaultConfig(),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
		WithReconnect(fastBackoff()),
		WithDialer(func(context.Context, string) (Conn, error) { return conn, nil }))

	ctx, cancel := context.WithCancel(context.Background())
	done := c.RunInBackground(ctx)
	defer func() {
		cancel()
		<-done
	}()
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	err := c.Emit(context.Background(), message.New("speak", nil, nil))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeConnectionClosed), "unexpected error %v", err)
	assert.Equal(t, "speak", errors.AsBusError(err).Context["type"])
	assert.Contains(t, logs.String(), "could not send message, connection is closed")
	assert.Contains(t, logs.String(), "level=WARN")
}

func TestRemoveCollectHandler(t *testing.T) {
	bus := newTestBus(t)
	asker := startClient(t, bus)
	skill := startClient(t, bus)

	var answered atomic.Int32
	id := skill.OnCollect("skill.query", func(ctx context.Context, msg *message.CollectionMessage) {
		answered.Add(1)
		_ = skill.Emit(ctx, msg.Success(nil, nil))
	}, time.Second)
	require.NoError(t, skill.Remove("skill.query", id))

	opts := CollectOptions{MinTimeout: 200 * time.Millisecond, MaxTimeout: time.Second}
	responses, err := asker.CollectResponses(context.Background(), message.New("skill.query", nil, nil), opts)
	require.NoError(t, err)
	assert.Empty(t, responses)
	assert.Equal(t, int32(0), answered.Load())

	for _, msg := range bus.Received() {
		assert.NotEqual(t, "skill.query.handling", msg.Type)
	}
}

func TestEchoHandlerRedactsRegistration(t *testing.T) {
	var logs bytes.Buffer
	echo := NewEchoHandler(slog.New(slog.NewTextHandler(&logs, nil)))

	echo(`{"type":"registration","data":{"token":"secret","name":"skill"}}`)
	out := logs.String()
	assert.NotContains(t, out, "secret")
	assert.Contains(t, out, "MESSAGEBUS")
	assert.Contains(t, out, "skill")

	logs.Reset()
	echo("not json")
	out = logs.String()
	assert.Contains(t, out, "echo could not decode frame")
	assert.True(t, strings.Contains(out, `frame="not json"`))
}

func TestRepeatUtterances(t *testing.T) {
	bus := newTestBus(t)
	c := startClient(t, bus)
	RepeatUtterances(c)

	spoken := make(chan *message.Message, 1)
	c.On("speak", func(_ context.Context, msg *message.Message) { spoken <- msg })

	bus.Publish(message.New(UtteranceEvent, map[string]any{"utterances": []any{"hello"}}, nil))

	select {
	case msg := <-spoken:
		assert.Equal(t, []any{"hello"}, msg.Payload["utterances"])
	case <-time.After(2 * time.Second):
		t.Fatal("utterance was not repeated")
	}
}
