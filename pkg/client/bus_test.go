// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/jllopis/messagebus/pkg/message"
)

// testBus is a minimal message bus: every frame it receives is recorded and
// broadcast to all connected peers, the sender included. A responder may
// inject extra frames for a received message.
type testBus struct {
	t         *testing.T
	server    *httptest.Server
	upgrader  websocket.Upgrader
	responder func(*message.Message) []*message.Message

	mu       sync.Mutex
	peers    map[*websocket.Conn]*sync.Mutex
	received []*message.Message
	frames   chan []byte
}

func newTestBus(t *testing.T) *testBus {
	t.Helper()
	b := &testBus{
		t:      t,
		peers:  make(map[*websocket.Conn]*sync.Mutex),
		frames: make(chan []byte, 64),
	}
	b.server = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.Close)
	return b
}

func (b *testBus) Close() {
	b.DropPeers()
	b.server.Close()
}

func (b *testBus) Config() Config {
	u, err := url.Parse(b.server.URL)
	if err != nil {
		b.t.Fatalf("bad server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		b.t.Fatalf("bad server host: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return Config{Host: host, Port: port, Route: "/core"}
}

func (b *testBus) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.peers[conn] = &sync.Mutex{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.peers, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case b.frames <- data:
		default:
		}

		out := [][]byte{data}
		if msg, err := message.Deserialize(data); err == nil {
			b.mu.Lock()
			b.received = append(b.received, msg)
			responder := b.responder
			b.mu.Unlock()
			if responder != nil {
				for _, reply := range responder(msg) {
					if frame, err := reply.Serialize(); err == nil {
						out = append(out, frame)
					}
				}
			}
		}
		for _, frame := range out {
			b.broadcast(frame)
		}
	}
}

func (b *testBus) broadcast(frame []byte) {
	b.mu.Lock()
	peers := make(map[*websocket.Conn]*sync.Mutex, len(b.peers))
	for c, m := range b.peers {
		peers[c] = m
	}
	b.mu.Unlock()

	for c, m := range peers {
		m.Lock()
		_ = c.WriteMessage(websocket.TextMessage, frame)
		m.Unlock()
	}
}

// Publish sends a frame from the bus itself to every peer.
func (b *testBus) Publish(msg *message.Message) {
	frame, err := msg.Serialize()
	if err != nil {
		b.t.Fatalf("serialize: %v", err)
	}
	b.broadcast(frame)
}

// DropPeers closes every open connection from the server side.
func (b *testBus) DropPeers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.peers {
		c.Close()
	}
}

func (b *testBus) SetResponder(fn func(*message.Message) []*message.Message) {
	b.mu.Lock()
	b.responder = fn
	b.mu.Unlock()
}

func (b *testBus) Received() []*message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*message.Message, len(b.received))
	copy(out, b.received)
	return out
}
