// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

// Package message defines the envelope exchanged over the message bus.
//
// A Message carries a type, a payload and a context. The context holds data
// that is not part of the payload itself, such as the sender, the receiver or
// the conversation a message belongs to. Reply, Response, Forward and Publish
// derive new messages while keeping that context consistent.
package message

import (
	"bytes"
	"encoding/json"

	"github.com/jllopis/messagebus/pkg/errors"
)

// Well known context and payload keys.
const (
	KeySource      = "source"
	KeyDestination = "destination"
	KeyTarget      = "target"
	KeyCollectID   = "__collect_id__"

	ResponseSuffix = ".response"
	HandlingSuffix = ".handling"
)

// Message is the unit of data routed between services on the bus.
type Message struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	Context map[string]any `json:"context"`
}

// New builds a message. Nil maps are replaced by empty ones.
func New(msgType string, payload, context map[string]any) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	if context == nil {
		context = map[string]any{}
	}
	return &Message{Type: msgType, Payload: payload, Context: context}
}

// Serialize encodes the message as the JSON frame sent over the socket.
func (m *Message) Serialize() ([]byte, error) {
	wire := Message{Type: m.Type, Payload: m.Payload, Context: m.Context}
	if wire.Payload == nil {
		wire.Payload = map[string]any{}
	}
	if wire.Context == nil {
		wire.Context = map[string]any{}
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidMessage, "failed to serialize message", err).
			WithContext("type", m.Type)
	}
	return data, nil
}

// Deserialize decodes a frame received from the socket. The frame must be a
// JSON object. A missing or null type yields "". An empty payload or context
// (null, {}, [], "", 0 or false) yields an empty map.
func Deserialize(data []byte) (*Message, error) {
	var wire map[string]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errors.New(errors.CodeInvalidMessage, "failed to deserialize message", err).
			WithRecoverable(true)
	}
	if wire == nil {
		return nil, errors.New(errors.CodeInvalidMessage, "frame is not a JSON object", nil).
			WithRecoverable(true)
	}

	var msgType *string
	if raw, ok := wire["type"]; ok {
		if err := json.Unmarshal(raw, &msgType); err != nil {
			return nil, errors.New(errors.CodeInvalidMessage, "message type is not a string", err).
				WithRecoverable(true)
		}
	}
	payload, err := decodeObject(wire["payload"], "payload")
	if err != nil {
		return nil, err
	}
	context, err := decodeObject(wire["context"], "context")
	if err != nil {
		return nil, err
	}

	m := New("", payload, context)
	if msgType != nil {
		m.Type = *msgType
	}
	return m, nil
}

// decodeObject decodes a payload or context field. Empty JSON values count
// as a missing field.
func decodeObject(raw json.RawMessage, field string) (map[string]any, error) {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "{}", "[]", `""`, "0", "false":
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.New(errors.CodeInvalidMessage, "message "+field+" is not a JSON object", err).
			WithRecoverable(true)
	}
	return out, nil
}

// Forward creates a new message of another type that keeps this message's context.
func (m *Message) Forward(msgType string, payload map[string]any) *Message {
	return New(msgType, payload, copyMap(m.Context))
}

// Reply builds an answer to m.
//
// The payload is deep copied. The new context is a deep copy of m's context
// with the given context merged on top. A "destination" in the payload
// overrides the context destination, and when both source and destination
// are known they are swapped so the answer travels back to the sender.
func (m *Message) Reply(msgType string, payload, context map[string]any) *Message {
	newPayload := deepCopyMap(payload)
	if newPayload == nil {
		newPayload = map[string]any{}
	}

	newContext := deepCopyMap(m.Context)
	if newContext == nil {
		newContext = map[string]any{}
	}
	for k, v := range context {
		newContext[k] = v
	}
	if dest, ok := newPayload[KeyDestination]; ok {
		newContext[KeyDestination] = dest
	}

	src, hasSrc := newContext[KeySource]
	dst, hasDst := newContext[KeyDestination]
	if hasSrc && hasDst {
		newContext[KeySource] = dst
		newContext[KeyDestination] = src
	}
	return New(msgType, newPayload, newContext)
}

// Response is a Reply whose type is m.Type + ".response".
func (m *Message) Response(payload, context map[string]any) *Message {
	return m.Reply(m.Type+ResponseSuffix, payload, context)
}

// Publish creates a broadcast derived from m. The context is copied with the
// overrides applied and any "target" removed.
func (m *Message) Publish(msgType string, payload, context map[string]any) *Message {
	newContext := copyMap(m.Context)
	for k, v := range context {
		newContext[k] = v
	}
	delete(newContext, KeyTarget)
	return New(msgType, payload, newContext)
}

// PayloadString returns a string payload value, or "" when absent.
func (m *Message) PayloadString(key string) string {
	s, _ := m.Payload[key].(string)
	return s
}

// PayloadFloat returns a numeric payload value.
func (m *Message) PayloadFloat(key string) (float64, bool) {
	switch v := m.Payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func copyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func deepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
