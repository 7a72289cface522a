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
	"errors"
	"fmt"

	"github.com/samber/oops"

	"github.com/AleutianAI/AleutianModelServer/services/modelstore/querydoc"
)

// Sentinel errors for the query engine.
var (
	// ErrMalformedQuery is returned by New when the document cannot be
	// interpreted. No engine is produced.
	ErrMalformedQuery = querydoc.ErrMalformedQuery

	// ErrExhausted is returned by Next when no more objects exist.
	// It is not a failure.
	ErrExhausted = errors.New("query exhausted")

	// ErrQueryEvaluation is the family of terminal evaluation failures.
	ErrQueryEvaluation = errors.New("query evaluation failed")

	// ErrStackOverflowGuard means the traversal stack grew past MaxStackDepth.
	ErrStackOverflowGuard = fmt.Errorf("%w: stack overflow guard", ErrQueryEvaluation)

	// ErrRunawayTraversalGuard means more than MaxFramesProcessed steps ran.
	ErrRunawayTraversalGuard = fmt.Errorf("%w: runaway traversal guard", ErrQueryEvaluation)

	// ErrCollaborator wraps a failure reported by the session or registry.
	ErrCollaborator = fmt.Errorf("%w: collaborator failure", ErrQueryEvaluation)
)

// Error codes carried by terminal evaluation errors.
const (
	CodeStackOverflow    = "engine.guard.stack_overflow"
	CodeRunawayTraversal = "engine.guard.runaway_traversal"
	CodeCollaborator     = "engine.collaborator.failure"
)

// CodeOf returns the machine code attached to err, or "" if none.
func CodeOf(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	if code, ok := oopsErr.Code().(string); ok {
		return code
	}
	if oopsErr.Code() == nil {
		return ""
	}
	return fmt.Sprintf("%v", oopsErr.Code())
}

// ContextOf returns the structured context attached to err, or nil.
func ContextOf(err error) map[string]any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}

// EvaluationError is the terminal error of a failed traversal. Next
// returns the same pointer on every call after the failure.
//
// The wrapped error carries the code and the diagnostic counters as oops
// context, so CodeOf and ContextOf work on it as well as on Code and
// Diagnostics directly.
type EvaluationError struct {
	// Code is one of the Code* constants.
	Code string

	// Diagnostics is the dump taken when the traversal stopped.
	Diagnostics *Diagnostics

	err error
}

func (e *EvaluationError) Error() string { return e.err.Error() }

func (e *EvaluationError) Unwrap() error { return e.err }

// terminalError builds the coded error for a failed traversal. The
// diagnostic counters ride along as structured context.
func terminalError(code string, cause error, d *Diagnostics) *EvaluationError {
	b := oops.Code(code).In("engine").With(
		"reads", d.Reads,
		"frames_processed", d.FramesProcessed,
		"objects", d.Objects,
		"stack_depth", d.StackDepth,
		"elapsed_ms", d.Elapsed.Milliseconds(),
		"frames", d.Frames,
	)
	return &EvaluationError{
		Code:        code,
		Diagnostics: d,
		err:         b.Wrapf(cause, "traversal stopped after %d steps", d.FramesProcessed),
	}
}

// collaboratorError classifies an error returned by a frame step. Errors
// already in the evaluation family pass through unchanged.
func collaboratorError(frame Frame, err error) error {
	if errors.Is(err, ErrQueryEvaluation) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrCollaborator, frame, err)
}
