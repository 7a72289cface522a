// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"log/slog"
	"time"
)

// Outcome is how a traversal ended.
type Outcome string

const (
	OutcomeExhausted        Outcome = "exhausted"
	OutcomeStackOverflow    Outcome = "stack_overflow"
	OutcomeRunawayTraversal Outcome = "runaway_traversal"
	OutcomeCollaborator     Outcome = "collaborator_failure"
)

// Failed reports whether the outcome is a failure.
func (o Outcome) Failed() bool { return o != OutcomeExhausted }

// Diagnostics is the dump taken when a traversal ends.
type Diagnostics struct {
	Outcome Outcome `json:"outcome"`

	// Frames holds the descriptions of up to Limits.DumpFrames frames
	// taken from the top of the stack.
	Frames []string `json:"frames,omitempty"`

	// StackDepth is the number of frames left when the traversal ended.
	StackDepth int `json:"stack_depth"`

	Reads           int64         `json:"reads"`
	FramesProcessed int64         `json:"frames_processed"`
	Objects         int           `json:"objects"`
	Elapsed         time.Duration `json:"elapsed"`
}

// LogAttrs renders the dump as slog attributes.
func (d *Diagnostics) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("outcome", string(d.Outcome)),
		slog.Int64("reads", d.Reads),
		slog.Int64("frames_processed", d.FramesProcessed),
		slog.Int("objects", d.Objects),
		slog.Int64("elapsed_ms", d.Elapsed.Milliseconds()),
		slog.Int("stack_depth", d.StackDepth),
		slog.Any("frames", d.Frames),
	}
}

// MetricsRecorder receives the dump of every finished traversal.
// telemetry.QueryMetrics implements it.
type MetricsRecorder interface {
	RecordTraversal(ctx context.Context, d *Diagnostics)
}

type nopMetrics struct{}

func (nopMetrics) RecordTraversal(context.Context, *Diagnostics) {}

// dump drains up to limit frames from the top of the stack and releases
// the rest.
func dump(s *Stack, limit int) (frames []string, depth int) {
	depth = s.Len()
	for i := 0; i < limit && !s.Empty(); i++ {
		frames = append(frames, s.Pop().String())
	}
	for !s.Empty() {
		s.Pop()
	}
	return frames, depth
}
