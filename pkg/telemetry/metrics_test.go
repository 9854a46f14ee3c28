// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	stderrors "errors"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/jllopis/messagebus/pkg/errors"
)

func TestBusMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	defer otel.SetMeterProvider(prev)

	m, err := NewBusMetrics()
	if err != nil {
		t.Fatalf("failed to create bus metrics: %v", err)
	}

	ctx := context.Background()
	m.RecordSent(ctx, "speak")
	m.RecordSent(ctx, "speak")
	m.RecordReceived(ctx, "speak.response")
	m.RecordReconnect(ctx)
	m.RecordError(ctx, errors.New(errors.CodeConnectionClosed, "closed", nil), "client")
	m.RecordError(ctx, stderrors.New("plain"), "client")
	m.RecordError(ctx, nil, "client")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect failed: %v", err)
	}

	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[md.Name] += dp.Value
			}
		}
	}

	want := map[string]int64{
		"messagebus.messages.sent":     2,
		"messagebus.messages.received": 1,
		"messagebus.reconnects":        1,
		"messagebus.errors":            2,
	}
	for name, v := range want {
		if totals[name] != v {
			t.Errorf("%s: expected %d, got %d", name, v, totals[name])
		}
	}
}

func TestNilBusMetrics(t *testing.T) {
	var m *BusMetrics
	ctx := context.Background()
	m.RecordSent(ctx, "x")
	m.RecordReceived(ctx, "x")
	m.RecordReconnect(ctx)
	m.RecordError(ctx, stderrors.New("x"), "client")
}
