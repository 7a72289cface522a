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

	"github.com/AleutianAI/AleutianModelServer/services/modelstore/objectstore"
)

// FrameKind discriminates the frame variants.
type FrameKind uint8

const (
	// KindStart seeds the traversal from the root identifier set.
	KindStart FrameKind = iota + 1

	// KindQuery fans one document query out into scans and oid lists.
	KindQuery

	// KindTypeScan enumerates every stored object of one type.
	KindTypeScan

	// KindInclude resolves one include rule on one object.
	KindInclude

	// KindFollow emits the objects an include rule reached.
	KindFollow

	// KindOIDList emits explicitly listed oids.
	KindOIDList

	// KindCustom is for frames supplied from outside this package.
	KindCustom
)

// String returns the kind name.
func (k FrameKind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindQuery:
		return "query"
	case KindTypeScan:
		return "type_scan"
	case KindInclude:
		return "include"
	case KindFollow:
		return "follow"
	case KindOIDList:
		return "oid_list"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Frame is one unit of pending traversal work.
//
// Description:
//
//	The driver peeks the top of the stack. A done frame is popped without
//	being processed. Otherwise Process runs one step and its result becomes
//	the frame's completion state. A step may push child frames through the
//	ExecContext; they run before the frame is revisited. A frame whose
//	Produces reports true may expose one candidate object through Current
//	after a step; the driver yields it unless its oid was already yielded.
//
//	No frame may assume how many steps it gets before completing. A frame
//	that never completes is stopped by the engine's ceilings.
//
// Thread Safety: Frames belong to one traversal and are never shared.
type Frame interface {
	// Kind returns the variant discriminator.
	Kind() FrameKind

	// Produces reports whether the frame can surface objects.
	Produces() bool

	// Done reports the completion state.
	Done() bool

	// SetDone records the completion state returned by Process.
	SetDone(done bool)

	// Process runs one step and returns the new completion state.
	Process(ctx context.Context, ec *ExecContext) (bool, error)

	// Current returns the candidate from the latest step, or nil.
	Current() *objectstore.Object

	// String describes the frame for diagnostic dumps. It must not
	// have side effects.
	String() string
}

// FrameBase carries the completion flag and candidate slot shared by all
// frames. Embed it and call ClearCurrent at the start of each step.
type FrameBase struct {
	done    bool
	current *objectstore.Object
}

// Done reports the completion state.
func (b *FrameBase) Done() bool { return b.done }

// SetDone records the completion state.
func (b *FrameBase) SetDone(done bool) { b.done = done }

// Current returns the candidate object, or nil.
func (b *FrameBase) Current() *objectstore.Object { return b.current }

// Emit offers obj as the step's candidate.
func (b *FrameBase) Emit(obj *objectstore.Object) { b.current = obj }

// ClearCurrent drops the previous step's candidate.
func (b *FrameBase) ClearCurrent() { b.current = nil }
