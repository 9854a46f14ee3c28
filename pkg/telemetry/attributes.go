// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for bus spans and metrics.
const (
	AttrBusURL = "messagebus.url"

	AttrMessageType    = "messagebus.message.type"
	AttrMessageSource  = "messagebus.message.source"
	AttrMessageDest    = "messagebus.message.destination"
	AttrMessageBytes   = "messagebus.message.bytes"
	AttrReplyType      = "messagebus.reply.type"
	AttrReplyReceived  = "messagebus.reply.received"
	AttrWaitTimeoutMs  = "messagebus.wait.timeout_ms"
	AttrCollectID      = "messagebus.collect.id"
	AttrCollectHandler = "messagebus.collect.handlers"
	AttrCollectReplies = "messagebus.collect.responses"

	AttrErrorCode   = "error.code"
	AttrComponent   = "component"
	AttrRecoverable = "recoverable"
)

// MessageAttributes describes a message for a span. Source and destination
// are read from the message context when they are strings.
func MessageAttributes(msgType string, context map[string]any, size int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrMessageType, msgType),
	}
	if src, ok := context["source"].(string); ok && src != "" {
		attrs = append(attrs, attribute.String(AttrMessageSource, src))
	}
	if dst, ok := context["destination"].(string); ok && dst != "" {
		attrs = append(attrs, attribute.String(AttrMessageDest, dst))
	}
	if size > 0 {
		attrs = append(attrs, attribute.Int(AttrMessageBytes, size))
	}
	return attrs
}

// WaitAttributes describes a wait for a reply.
func WaitAttributes(replyType string, timeoutMs int64, received bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrReplyType, replyType),
		attribute.Int64(AttrWaitTimeoutMs, timeoutMs),
		attribute.Bool(AttrReplyReceived, received),
	}
}

// CollectAttributes describes a finished response collection.
func CollectAttributes(collectID string, handlers, responses int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int(AttrCollectHandler, handlers),
		attribute.Int(AttrCollectReplies, responses),
	}
	if collectID != "" {
		attrs = append(attrs, attribute.String(AttrCollectID, collectID))
	}
	return attrs
}
