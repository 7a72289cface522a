// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "stdout")

	cfg := DefaultConfig()
	assert.Equal(t, "modelstore", cfg.ServiceName)
	assert.Equal(t, "none", cfg.TraceExporter)
	assert.Equal(t, "stdout", cfg.MetricExporter)
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // exercising the nil guard
	_, err := Init(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_NoopExporters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "none"

	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "zipkin"
	cfg.MetricExporter = "none"
	_, err := Init(context.Background(), cfg)
	assert.True(t, errors.Is(err, ErrUnknownExporter))

	cfg.TraceExporter = "none"
	cfg.MetricExporter = "statsd"
	_, err = Init(context.Background(), cfg)
	assert.True(t, errors.Is(err, ErrUnknownExporter))
}

func TestInit_StdoutExporters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "stdout"
	cfg.MetricExporter = "stdout"

	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, span := StartSpan(context.Background(), "test", "op")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestMetricsHandler_Prometheus(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "prometheus"

	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	defer shutdown(context.Background())

	m, err := NewQueryMetrics(otel.Meter("test"))
	require.NoError(t, err)
	m.RecordQuery(context.Background(), StatusOK, 0)

	handler := MetricsHandler()
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	resp := rec.Result()
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "modelstore_queries_total")

	// A second Init builds a fresh registry instead of failing on duplicates.
	shutdown2, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	_ = shutdown2(context.Background())
}

func TestMetricsHandler_WithdrawnWithItsProvider(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.TraceExporter = ExporterNone
	cfg.MetricExporter = ExporterPrometheus

	shutdown, err := Init(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, MetricsHandler())
	require.NoError(t, shutdown(ctx))
	assert.Nil(t, MetricsHandler(), "shutdown withdraws the handler")

	_, err = Init(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, MetricsHandler())

	for _, exporter := range []string{ExporterNone, ExporterStdout} {
		cfg.MetricExporter = exporter
		next, err := Init(ctx, cfg)
		require.NoError(t, err)
		assert.Nil(t, MetricsHandler(), "metric exporter %s", exporter)
		require.NoError(t, next(ctx))
	}
}

func TestMetricsHandler_StaleShutdownKeepsNewerHandler(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.TraceExporter = ExporterNone
	cfg.MetricExporter = ExporterPrometheus

	first, err := Init(ctx, cfg)
	require.NoError(t, err)
	second, err := Init(ctx, cfg)
	require.NoError(t, err)
	defer second(ctx)

	_ = first(ctx)
	assert.NotNil(t, MetricsHandler())
}

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestSpanHelpers(t *testing.T) {
	rec := withRecorder(t)

	ctx, span := StartSpan(context.Background(), "test", "failing")
	assert.NotEmpty(t, TraceID(ctx))
	SetSpanAttributes(span, attribute.Int("objects", 3))
	RecordError(span, errors.New("boom"), attribute.String("phase", "next"))
	span.End()

	_, ok := StartSpan(context.Background(), "test", "ok")
	SetSpanOK(ok)
	ok.End()

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "boom", ended[0].Status().Description)
	require.Len(t, ended[0].Events(), 1)
	assert.Equal(t, codes.Ok, ended[1].Status().Code)

	assert.Empty(t, TraceID(context.Background()))
	assert.NotPanics(t, func() {
		RecordError(nil, errors.New("x"))
		SetSpanOK(nil)
		SetSpanAttributes(nil)
	})
}

func TestLoggerWithQuery(t *testing.T) {
	withRecorder(t)
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	LoggerWithQuery(context.Background(), base, "q-1").Info("no span")
	assert.Contains(t, buf.String(), `"query_id":"q-1"`)
	assert.NotContains(t, buf.String(), "trace_id")

	buf.Reset()
	ctx, span := StartSpan(context.Background(), "test", "op")
	defer span.End()
	LoggerWithQuery(ctx, base, "q-2").Info("with span")
	out := buf.String()
	assert.True(t, strings.Contains(out, "trace_id") && strings.Contains(out, "span_id"))

	assert.NotNil(t, LoggerWithTrace(ctx, nil))
}
