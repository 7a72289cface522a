// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides OpenTelemetry-based observability for the
// model query server.
//
// Init wires the global TracerProvider and MeterProvider from a Config.
// Traces go to an OTLP collector or stdout; metrics are exposed for
// Prometheus scraping through MetricsHandler or printed to stdout.
// MetricsHandler only returns a handler while the Prometheus provider that
// owns it is live; a later Init or the provider's shutdown withdraws it.
//
// QueryMetrics holds the query instruments and implements
// engine.MetricsRecorder, so an engine reports its diagnostic counters
// directly into OTel.
//
// # Usage
//
//	shutdown, err := telemetry.Init(ctx, cfg)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
//
//	metrics, err := telemetry.NewQueryMetrics(otel.Meter("modelstore"))
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//
// # Thread Safety
//
// All exported functions are safe for concurrent use after Init returns.
package telemetry
