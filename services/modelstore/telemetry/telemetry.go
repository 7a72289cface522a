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
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

// Exporter names accepted in Config.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

// Config selects where query spans and metrics go.
type Config struct {
	ServiceName    string `yaml:"service_name" json:"service_name" validate:"required"`
	ServiceVersion string `yaml:"service_version" json:"service_version"`
	Environment    string `yaml:"environment" json:"environment"`

	// TraceExporter is "otlp", "stdout" or "none".
	TraceExporter string `yaml:"trace_exporter" json:"trace_exporter" validate:"oneof=otlp stdout none"`

	// MetricExporter is "prometheus", "stdout" or "none". Only prometheus
	// makes MetricsHandler available.
	MetricExporter string `yaml:"metric_exporter" json:"metric_exporter" validate:"oneof=prometheus stdout none"`

	// OTLPEndpoint is the host:port of the OTLP gRPC receiver.
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure" json:"otlp_insecure"`
}

// DefaultConfig returns the model server defaults: no tracing and a
// Prometheus registry. The standard OTEL_TRACES_EXPORTER,
// OTEL_METRICS_EXPORTER and OTEL_EXPORTER_OTLP_ENDPOINT variables replace
// the matching default when set.
func DefaultConfig() Config {
	cfg := Config{
		ServiceName:    "modelstore",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		TraceExporter:  ExporterNone,
		MetricExporter: ExporterPrometheus,
		OTLPEndpoint:   "localhost:4317",
		OTLPInsecure:   true,
	}
	for key, field := range map[string]*string{
		"OTEL_TRACES_EXPORTER":        &cfg.TraceExporter,
		"OTEL_METRICS_EXPORTER":       &cfg.MetricExporter,
		"OTEL_EXPORTER_OTLP_ENDPOINT": &cfg.OTLPEndpoint,
	} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*field = v
		}
	}
	return cfg
}

// Init installs the tracer and meter providers selected by cfg as the
// otel globals.
//
// Description:
//
//	Exporters set to "none" leave the matching global untouched. Every
//	call starts by withdrawing any /metrics handler from an earlier Init,
//	so MetricsHandler only ever serves the registry of the live provider.
//	The Prometheus exporter gets a fresh registry per call.
//
// Inputs:
//
//	ctx - Used to dial the OTLP exporter.
//	cfg - Exporter selection.
//
// Outputs:
//
//	shutdown - Flushes and stops the providers and withdraws the /metrics
//	           handler. Must be called.
//	error - ErrNilContext, ErrUnknownExporter or an exporter failure.
//
// Thread Safety: Call once per process lifetime segment; not concurrently.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	setMetricsHandler(nil)

	var stops []func(context.Context) error
	var handlerGen uint64
	shutdown = func(ctx context.Context) error {
		if handlerGen != 0 {
			clearMetricsHandler(handlerGen)
		}
		var errs []error
		for _, stop := range stops {
			errs = append(errs, stop(ctx))
		}
		return errors.Join(errs...)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	if cfg.TraceExporter != ExporterNone {
		tp, err := initTracer(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	}

	if cfg.MetricExporter != ExporterNone {
		mp, h, err := initMeter(cfg, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("init meter: %w", err)
		}
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
		if h != nil {
			handlerGen = setMetricsHandler(h)
		}
	}

	return shutdown, nil
}

func initTracer(ctx context.Context, cfg Config, res *resource.Resource) (*trace.TracerProvider, error) {
	var exporter trace.SpanExporter
	var err error

	switch cfg.TraceExporter {
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("%w: trace %q", ErrUnknownExporter, cfg.TraceExporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s span exporter: %w", cfg.TraceExporter, err)
	}

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.AlwaysSample()),
	), nil
}

// initMeter builds the meter provider. The handler is non-nil only for
// the prometheus exporter.
func initMeter(cfg Config, res *resource.Resource) (*metric.MeterProvider, http.Handler, error) {
	switch cfg.MetricExporter {
	case ExporterPrometheus:
		registry := prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(exporter))
		return mp, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil

	case ExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(metric.NewPeriodicReader(exporter)),
		)
		return mp, nil, nil

	default:
		return nil, nil, fmt.Errorf("%w: metric %q", ErrUnknownExporter, cfg.MetricExporter)
	}
}

var (
	metricsMu      sync.RWMutex
	metricsHandler http.Handler
	metricsGen     uint64
)

// MetricsHandler returns the /metrics handler of the live Prometheus
// exporter, or nil when none is installed.
//
// Thread Safety: Safe for concurrent use.
func MetricsHandler() http.Handler {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return metricsHandler
}

// setMetricsHandler installs h and returns its generation.
func setMetricsHandler(h http.Handler) uint64 {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	metricsGen++
	metricsHandler = h
	return metricsGen
}

// clearMetricsHandler withdraws the handler of generation gen unless a
// later Init already replaced it.
func clearMetricsHandler(gen uint64) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if metricsGen == gen {
		metricsHandler = nil
	}
}
