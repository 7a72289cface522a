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
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianModelServer/services/modelstore/engine"
)

// Query status label values.
const (
	StatusOK        = "ok"
	StatusMalformed = "malformed"
	StatusFailed    = "failed"
)

// QueryMetrics contains the instruments for query evaluation.
//
// Description:
//
//	Counters for queries, yielded objects, frame steps, store reads and
//	guard trips, plus a query duration histogram. All metrics use the
//	"modelstore_" prefix. QueryMetrics implements engine.MetricsRecorder.
//
// Thread Safety: Safe for concurrent use after creation.
type QueryMetrics struct {
	// QueriesTotal counts finished queries by status.
	QueriesTotal metric.Int64Counter

	// QueryDuration records query wall time in seconds.
	QueryDuration metric.Float64Histogram

	// ObjectsYielded counts distinct objects returned by traversals.
	ObjectsYielded metric.Int64Counter

	// FramesProcessed counts frame steps run by traversals.
	FramesProcessed metric.Int64Counter

	// StoreReads counts low-level store reads made by traversals.
	StoreReads metric.Int64Counter

	// GuardTrips counts traversals stopped by a ceiling, by guard.
	GuardTrips metric.Int64Counter
}

// NewQueryMetrics registers the query instruments with meter.
//
// Outputs:
//
//	*QueryMetrics - The instruments.
//	error - Non-nil if meter is nil or a registration fails.
func NewQueryMetrics(meter metric.Meter) (*QueryMetrics, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	m := &QueryMetrics{}
	var err error

	m.QueriesTotal, err = meter.Int64Counter(
		"modelstore_queries_total",
		metric.WithDescription("Total queries by status"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create queries_total: %w", err)
	}

	m.QueryDuration, err = meter.Float64Histogram(
		"modelstore_query_duration_seconds",
		metric.WithDescription("Query duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create query_duration: %w", err)
	}

	m.ObjectsYielded, err = meter.Int64Counter(
		"modelstore_objects_yielded_total",
		metric.WithDescription("Total distinct objects returned by traversals"),
		metric.WithUnit("{object}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create objects_yielded_total: %w", err)
	}

	m.FramesProcessed, err = meter.Int64Counter(
		"modelstore_frames_processed_total",
		metric.WithDescription("Total traversal frame steps"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create frames_processed_total: %w", err)
	}

	m.StoreReads, err = meter.Int64Counter(
		"modelstore_store_reads_total",
		metric.WithDescription("Total low-level store reads made by traversals"),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create store_reads_total: %w", err)
	}

	m.GuardTrips, err = meter.Int64Counter(
		"modelstore_guard_trips_total",
		metric.WithDescription("Traversals stopped by a ceiling"),
		metric.WithUnit("{trip}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create guard_trips_total: %w", err)
	}

	return m, nil
}

// RecordTraversal adds the counters of one finished traversal.
func (m *QueryMetrics) RecordTraversal(ctx context.Context, d *engine.Diagnostics) {
	if m == nil || d == nil {
		return
	}
	m.ObjectsYielded.Add(ctx, int64(d.Objects))
	m.FramesProcessed.Add(ctx, d.FramesProcessed)
	m.StoreReads.Add(ctx, d.Reads)

	switch d.Outcome {
	case engine.OutcomeStackOverflow, engine.OutcomeRunawayTraversal:
		m.GuardTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("guard", string(d.Outcome))))
	}
}

// RecordQuery counts one finished query and its duration.
func (m *QueryMetrics) RecordQuery(ctx context.Context, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.QueriesTotal.Add(ctx, 1, attrs)
	m.QueryDuration.Record(ctx, elapsed.Seconds(), attrs)
}
