// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package message

import "context"

type ctxKey struct{}

// NewContext returns a copy of ctx that carries msg. The client attaches the
// message being handled so code deeper in the call chain can build replies.
func NewContext(ctx context.Context, msg *Message) context.Context {
	return context.WithValue(ctx, ctxKey{}, msg)
}

// FromContext returns the message carried by ctx, if any.
func FromContext(ctx context.Context) (*Message, bool) {
	if ctx == nil {
		return nil, false
	}
	msg, ok := ctx.Value(ctxKey{}).(*Message)
	return msg, ok && msg != nil
}
