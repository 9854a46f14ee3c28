// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package message

// CollectionMessage is a message received by a handler that takes part in a
// response collection. It remembers which query it answers and the id the
// handler announced itself with.
type CollectionMessage struct {
	*Message
	HandlerID string
	QueryID   string
}

// NewCollectionMessage wraps msg for the given handler and query.
func NewCollectionMessage(msg *Message, handlerID, queryID string) *CollectionMessage {
	return &CollectionMessage{Message: msg, HandlerID: handlerID, QueryID: queryID}
}

// Success answers the query with succeeded=true. When context is nil the
// message's own context is used.
func (c *CollectionMessage) Success(payload, context map[string]any) *Message {
	p := copyMap(payload)
	p["query"] = c.QueryID
	p["handler"] = c.HandlerID
	p["succeeded"] = true
	if context == nil {
		context = c.Context
	}
	return c.Reply(c.Type+ResponseSuffix, p, context)
}

// Failure answers the query with succeeded=false.
func (c *CollectionMessage) Failure() *Message {
	p := map[string]any{
		"query":     c.QueryID,
		"handler":   c.HandlerID,
		"succeeded": false,
	}
	return c.Reply(c.Type+ResponseSuffix, p, c.Context)
}

// Extend asks the collector for timeout more seconds.
func (c *CollectionMessage) Extend(timeout float64) *Message {
	p := map[string]any{
		"query":   c.QueryID,
		"handler": c.HandlerID,
		"timeout": timeout,
	}
	return c.Reply(c.Type+HandlingSuffix, p, c.Context)
}
