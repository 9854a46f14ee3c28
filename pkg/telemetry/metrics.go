// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	stderrors "errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/messagebus/pkg/errors"
)

// BusMetrics counts traffic and failures of a bus client.
// A nil *BusMetrics is valid and records nothing.
type BusMetrics struct {
	sent       metric.Int64Counter
	received   metric.Int64Counter
	reconnects metric.Int64Counter
	errors     metric.Int64Counter
}

// NewBusMetrics creates the bus instruments on the global meter provider.
func NewBusMetrics() (*BusMetrics, error) {
	meter := otel.Meter("messagebus/client")

	sent, err := meter.Int64Counter(
		"messagebus.messages.sent",
		metric.WithDescription("Messages written to the bus by type"),
	)
	if err != nil {
		return nil, err
	}

	received, err := meter.Int64Counter(
		"messagebus.messages.received",
		metric.WithDescription("Messages read from the bus by type"),
	)
	if err != nil {
		return nil, err
	}

	reconnects, err := meter.Int64Counter(
		"messagebus.reconnects",
		metric.WithDescription("Reconnection attempts after a lost connection"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"messagebus.errors",
		metric.WithDescription("Client errors by code and component"),
	)
	if err != nil {
		return nil, err
	}

	return &BusMetrics{
		sent:       sent,
		received:   received,
		reconnects: reconnects,
		errors:     errCounter,
	}, nil
}

// RecordSent counts one outgoing message.
func (m *BusMetrics) RecordSent(ctx context.Context, msgType string) {
	if m == nil {
		return
	}
	m.sent.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrMessageType, msgType)))
}

// RecordReceived counts one incoming message. Frames that could not be
// parsed are recorded with an empty type.
func (m *BusMetrics) RecordReceived(ctx context.Context, msgType string) {
	if m == nil {
		return
	}
	m.received.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrMessageType, msgType)))
}

// RecordReconnect counts one reconnection attempt.
func (m *BusMetrics) RecordReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}

// RecordError counts err under its BusError code, or UNKNOWN.
func (m *BusMetrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}

	code, recoverable := "UNKNOWN", "unknown"
	var be *errors.BusError
	if stderrors.As(err, &be) {
		code = string(be.Code)
		recoverable = be.RecoverableString()
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorCode, code),
		attribute.String(AttrComponent, component),
		attribute.String(AttrRecoverable, recoverable),
	))
}
