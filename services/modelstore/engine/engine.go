// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine evaluates query documents lazily over an object store.
//
// An Engine drives an explicit stack of work frames. Each call to Next
// processes frames until one of them surfaces an object that has not been
// returned before, the stack empties, or a ceiling trips. Depth and total
// work are bounded by Limits so that a defective include tree or frame
// kind turns into a reported error instead of unbounded growth.
//
// # Frame kinds
//
//	start      seeds the roots, expands root-level includes, then queues queries
//	query      fans a query out into oid lists and type scans
//	type_scan  emits every object of one type
//	include    resolves one include rule on one object
//	follow     emits the objects an include reached
//	oid_list   emits explicitly listed oids
//	custom     supplied by callers through Push
//
// Every (oid, include rule) pair is expanded at most once per traversal,
// so recursive defines and reference cycles terminate without relying on
// the ceilings.
//
// # Thread Safety
//
// An Engine serves one traversal and is NOT safe for concurrent use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianModelServer/services/modelstore/objectstore"
	"github.com/AleutianAI/AleutianModelServer/services/modelstore/querydoc"
)

// Limits are the defect-detection ceilings of a traversal. They are not
// semantic limits of the query language; raise them for legitimately deep
// or wide queries.
type Limits struct {
	// MaxStackDepth trips ErrStackOverflowGuard when the stack grows past it.
	MaxStackDepth int `yaml:"max_stack_depth" json:"max_stack_depth" validate:"gt=0"`

	// MaxFramesProcessed trips ErrRunawayTraversalGuard when more steps run.
	MaxFramesProcessed int64 `yaml:"max_frames_processed" json:"max_frames_processed" validate:"gt=0"`

	// DumpFrames bounds the frames described in the diagnostic dump.
	// Negative disables frame descriptions.
	DumpFrames int `yaml:"dump_frames" json:"dump_frames"`
}

// DefaultLimits returns the reference ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxStackDepth:      1000,
		MaxFramesProcessed: 1_000_000,
		DumpFrames:         20,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxStackDepth <= 0 {
		l.MaxStackDepth = def.MaxStackDepth
	}
	if l.MaxFramesProcessed <= 0 {
		l.MaxFramesProcessed = def.MaxFramesProcessed
	}
	switch {
	case l.DumpFrames == 0:
		l.DumpFrames = def.DumpFrames
	case l.DumpFrames < 0:
		l.DumpFrames = 0
	}
	return l
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimits overrides the ceilings. Zero fields keep their defaults.
func WithLimits(l Limits) Option {
	return func(e *Engine) {
		e.limits = l.withDefaults()
	}
}

// WithLogger sets the logger for the diagnostic dump.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the recorder that receives the diagnostic dump.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithClock overrides the clock used for elapsed time.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine is the pull iterator over one traversal.
type Engine struct {
	doc     *querydoc.Document
	roots   []objectstore.OID
	ec      *ExecContext
	limits  Limits
	logger  *slog.Logger
	metrics MetricsRecorder
	now     func() time.Time

	processed int64
	started   time.Time
	finished  bool
	err       error
	diag      *Diagnostics
}

// New creates an engine for doc starting from roots.
//
// Description:
//
//	The document is checked against registry first; a document that
//	fails the check produces no engine. Roots are copied and repeated
//	oids dropped, keeping first occurrences in order. If session
//	implements ReadNotifier the engine installs its read counter as the
//	session's hook until the traversal ends.
//
// Inputs:
//
//	doc - Parsed query document. Must not be nil.
//	roots - Root identifier set. May be empty.
//	session - Store view the traversal reads from.
//	registry - Metadata registry for type and field lookups.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Engine - Ready to pull with Next.
//	error - Wraps ErrMalformedQuery when doc is nil or fails its check.
func New(doc *querydoc.Document, roots []objectstore.OID, session Session, registry Registry, opts ...Option) (*Engine, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", ErrMalformedQuery)
	}
	if session == nil {
		return nil, errors.New("engine: session must not be nil")
	}
	if registry == nil {
		return nil, errors.New("engine: registry must not be nil")
	}
	if err := doc.Check(registry); err != nil {
		return nil, err
	}

	e := &Engine{
		doc:     doc,
		roots:   uniqueOIDs(roots),
		limits:  DefaultLimits(),
		logger:  slog.Default(),
		metrics: nopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.ec = newExecContext(doc, session, registry)
	e.ec.Push(NewStartFrame(e.roots))
	return e, nil
}

func uniqueOIDs(in []objectstore.OID) []objectstore.OID {
	seen := make(map[objectstore.OID]bool, len(in))
	out := make([]objectstore.OID, 0, len(in))
	for _, oid := range in {
		if !seen[oid] {
			seen[oid] = true
			out = append(out, oid)
		}
	}
	return out
}

// Next returns the next object not yet returned by this engine.
//
// Description:
//
//	Runs the frame loop until a frame surfaces an object whose oid is not
//	in the ledger. Before each step the stack depth and the step count are
//	checked against Limits. Done frames are popped without counting as a
//	step. When the stack empties, or a ceiling trips, or a frame fails,
//	the diagnostic dump is taken exactly once.
//
// Outputs:
//
//	*objectstore.Object - The next object, nil on error.
//	error - ErrExhausted when nothing is left. Otherwise an error matching
//	        ErrQueryEvaluation and one of ErrStackOverflowGuard,
//	        ErrRunawayTraversalGuard or ErrCollaborator. After the first
//	        non-nil error every later call returns the same error.
//
// Thread Safety: NOT safe for concurrent use.
func (e *Engine) Next(ctx context.Context) (*objectstore.Object, error) {
	if e.finished {
		if e.err != nil {
			return nil, e.err
		}
		return nil, ErrExhausted
	}
	if e.started.IsZero() {
		e.started = e.now()
	}

	stack := e.ec.stack
	for !stack.Empty() {
		if stack.Len() > e.limits.MaxStackDepth {
			return nil, e.fail(ctx, OutcomeStackOverflow, fmt.Errorf("%w: depth %d exceeds %d",
				ErrStackOverflowGuard, stack.Len(), e.limits.MaxStackDepth))
		}
		if e.processed > e.limits.MaxFramesProcessed {
			return nil, e.fail(ctx, OutcomeRunawayTraversal, fmt.Errorf("%w: %d steps exceed %d",
				ErrRunawayTraversalGuard, e.processed, e.limits.MaxFramesProcessed))
		}

		top := stack.Peek()
		if top.Done() {
			stack.Pop()
			continue
		}

		e.processed++
		done, err := top.Process(ctx, e.ec)
		if err != nil {
			err = collaboratorError(top, err)
			return nil, e.fail(ctx, outcomeOf(err), err)
		}
		top.SetDone(done)

		if top.Produces() {
			if obj := top.Current(); obj != nil && e.ec.ledger.Add(obj.OID) {
				return obj, nil
			}
		}
	}

	e.finish(ctx, OutcomeExhausted)
	return nil, ErrExhausted
}

func outcomeOf(err error) Outcome {
	switch {
	case errors.Is(err, ErrStackOverflowGuard):
		return OutcomeStackOverflow
	case errors.Is(err, ErrRunawayTraversalGuard):
		return OutcomeRunawayTraversal
	default:
		return OutcomeCollaborator
	}
}

func codeOf(o Outcome) string {
	switch o {
	case OutcomeStackOverflow:
		return CodeStackOverflow
	case OutcomeRunawayTraversal:
		return CodeRunawayTraversal
	default:
		return CodeCollaborator
	}
}

func (e *Engine) fail(ctx context.Context, outcome Outcome, cause error) error {
	d := e.finish(ctx, outcome)
	e.err = terminalError(codeOf(outcome), cause, d)
	e.logger.LogAttrs(ctx, slog.LevelError, "query traversal failed",
		append(d.LogAttrs(), slog.String("error", cause.Error()))...)
	return e.err
}

// finish takes the diagnostic dump, reports it and marks the engine done.
func (e *Engine) finish(ctx context.Context, outcome Outcome) *Diagnostics {
	frames, depth := dump(e.ec.stack, e.limits.DumpFrames)
	d := &Diagnostics{
		Outcome:         outcome,
		Frames:          frames,
		StackDepth:      depth,
		Reads:           e.ec.Reads(),
		FramesProcessed: e.processed,
		Objects:         e.ec.ledger.Len(),
		Elapsed:         e.now().Sub(e.started),
	}
	e.diag = d
	e.finished = true
	e.ec.detachHook()

	if !outcome.Failed() {
		e.logger.LogAttrs(ctx, slog.LevelInfo, "query traversal finished", d.LogAttrs()...)
	}
	e.metrics.RecordTraversal(ctx, d)
	return d
}

// All ranges over the remaining objects. Iteration stops at exhaustion;
// a failure is yielded once as the final pair.
func (e *Engine) All(ctx context.Context) iter.Seq2[*objectstore.Object, error] {
	return func(yield func(*objectstore.Object, error) bool) {
		for {
			obj, err := e.Next(ctx)
			if errors.Is(err, ErrExhausted) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(obj, nil) {
				return
			}
		}
	}
}

// Push places an externally supplied frame on top of the stack. It runs
// before every frame already queued.
func (e *Engine) Push(f Frame) {
	e.ec.Push(f)
}

// Reads returns the low-level store reads so far.
func (e *Engine) Reads() int64 { return e.ec.Reads() }

// HasYielded reports whether oid was already returned.
func (e *Engine) HasYielded(oid objectstore.OID) bool { return e.ec.HasYielded(oid) }

// Document returns the query document the engine evaluates.
func (e *Engine) Document() *querydoc.Document { return e.doc }

// Roots returns the de-duplicated root identifier set.
func (e *Engine) Roots() []objectstore.OID {
	out := make([]objectstore.OID, len(e.roots))
	copy(out, e.roots)
	return out
}

// Limits returns the ceilings in effect.
func (e *Engine) Limits() Limits { return e.limits }

// FramesProcessed returns the number of frame steps run so far.
func (e *Engine) FramesProcessed() int64 { return e.processed }

// Yielded returns the number of distinct objects returned so far.
func (e *Engine) Yielded() int { return e.ec.ledger.Len() }

// Diagnostics returns the dump taken when the traversal ended, or nil
// while it is still running.
func (e *Engine) Diagnostics() *Diagnostics { return e.diag }
