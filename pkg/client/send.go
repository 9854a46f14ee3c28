// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jllopis/messagebus/pkg/errors"
	"github.com/jllopis/messagebus/pkg/message"
	"github.com/jllopis/messagebus/pkg/resilience"
	"github.com/jllopis/messagebus/pkg/telemetry"
)

// SendOption tunes Send.
type SendOption func(*sendOptions)

type sendOptions struct {
	dial   DialFunc
	retry  resilience.RetryConfig
	logger *slog.Logger
}

// SendWithDialer replaces the websocket dialer used by Send.
func SendWithDialer(dial DialFunc) SendOption {
	return func(o *sendOptions) {
		if dial != nil {
			o.dial = dial
		}
	}
}

// SendWithRetry replaces the dial retry policy used by Send.
func SendWithRetry(rc resilience.RetryConfig) SendOption {
	return func(o *sendOptions) {
		o.retry = rc
	}
}

// SendWithLogger sets the logger that reports dial retries.
func SendWithLogger(logger *slog.Logger) SendOption {
	return func(o *sendOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Send opens a connection, writes a single message and closes it. It suits
// scripts that only need to notify the bus.
func Send(ctx context.Context, msgType string, payload map[string]any, cfg Config, opts ...SendOption) error {
	o := sendOptions{dial: DialWebsocket, retry: resilience.DefaultRetryConfig(), logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := telemetry.Component(o.logger, "send")

	data, err := message.New(msgType, payload, nil).Serialize()
	if err != nil {
		return err
	}

	url := cfg.URL()
	retry := o.retry
	if retry.OnRetry == nil {
		retry.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.WarnContext(ctx, "bus unreachable, retrying",
				"url", url, "attempt", attempt, "delay", delay.String(), "error", err)
		}
	}
	conn, err := resilience.DoWithResult(ctx, retry, func() (Conn, error) {
		conn, err := o.dial(ctx, url)
		if err != nil {
			return nil, classifyError(err)
		}
		return conn, nil
	})
	if err != nil {
		var be *errors.BusError
		if stderrors.As(err, &be) {
			return be.WithContext("url", url)
		}
		return errors.New(errors.CodeConnectionRefused, "could not reach the bus", err).
			WithContext("url", url)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.New(errors.CodeConnectionClosed, "could not send message", err).
			WithContext("type", msgType)
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}
