// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/messagebus/pkg/emitter"
	"github.com/jllopis/messagebus/pkg/message"
	"github.com/jllopis/messagebus/pkg/telemetry"
)

// DefaultWaitTimeout is used by the CLI and by callers passing zero.
const DefaultWaitTimeout = 3 * time.Second

// CollectionHandler answers a collected query.
type CollectionHandler func(ctx context.Context, msg *message.CollectionMessage)

// WaitForMessage waits up to timeout for a message of msgType. It returns
// nil without error when nothing arrives in time.
func (c *Client) WaitForMessage(ctx context.Context, msgType string, timeout time.Duration) (*message.Message, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	return NewWaiter(c, msgType).Wait(ctx, timeout)
}

// WaitForResponse emits msg and waits for its reply. replyType defaults to
// msg.Type + ".response". The listener is registered before the message is
// sent.
func (c *Client) WaitForResponse(ctx context.Context, msg *message.Message, replyType string, timeout time.Duration) (*message.Message, error) {
	if replyType == "" {
		replyType = msg.Type + message.ResponseSuffix
	}
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	ctx, span := c.tracer.Start(ctx, "messagebus.wait_for_response",
		trace.WithAttributes(telemetry.MessageAttributes(msg.Type, msg.Context, 0)...))
	defer span.End()

	waiter := NewWaiter(c, replyType)
	if err := c.Emit(ctx, msg); err != nil {
		waiter.cleanup()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	reply, err := waiter.Wait(ctx, timeout)
	span.SetAttributes(telemetry.WaitAttributes(replyType, timeout.Milliseconds(), reply != nil)...)
	return reply, err
}

// CollectResponses emits msg and gathers the answers of every handler
// registered with OnCollect on the bus.
func (c *Client) CollectResponses(ctx context.Context, msg *message.Message, opts CollectOptions) ([]*message.Message, error) {
	ctx, span := c.tracer.Start(ctx, "messagebus.collect_responses",
		trace.WithAttributes(telemetry.MessageAttributes(msg.Type, msg.Context, 0)...))
	defer span.End()

	collector := NewCollector(c, msg, opts)
	responses, err := collector.Collect(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(telemetry.CollectAttributes(collector.CollectID, c.collectHandlers(collector), len(responses))...)
	return responses, nil
}

func (c *Client) collectHandlers(col *Collector) int {
	col.mu.Lock()
	defer col.mu.Unlock()
	return len(col.handlers)
}

// OnCollect registers fn as a participant in collections of event. On each
// query it announces itself with a fresh handler id and timeout, then calls
// fn. The returned id removes the registration through Remove.
func (c *Client) OnCollect(event string, fn CollectionHandler, timeout time.Duration) emitter.ListenerID {
	return c.On(event, func(ctx context.Context, msg *message.Message) {
		collectID, _ := msg.Context[message.KeyCollectID].(string)
		handlerID := uuid.NewString()

		ack := msg.Reply(msg.Type+message.HandlingSuffix, map[string]any{
			"query":   collectID,
			"handler": handlerID,
			"timeout": timeout.Seconds(),
		}, nil)
		if err := c.Emit(ctx, ack); err != nil {
			c.logger.WarnContext(ctx, "failed to acknowledge collection", "type", msg.Type, "error", err)
		}
		fn(ctx, message.NewCollectionMessage(msg, handlerID, collectID))
	})
}
