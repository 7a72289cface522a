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
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianModelServer/services/modelstore/objectstore"
	"github.com/AleutianAI/AleutianModelServer/services/modelstore/querydoc"
)

// =============================================================================
// StartFrame
// =============================================================================

// StartFrame seeds a traversal from the root identifier set.
//
// Description:
//
//	Each step hands off one root: the object is read and offered for
//	emission, and the document's root-level include rules are pushed for
//	it. Once every root is handed off, one QueryFrame per document query
//	is pushed and the frame completes. With no roots the frame completes
//	on its first step without pushing anything.
type StartFrame struct {
	FrameBase
	roots []objectstore.OID
	next  int
}

// NewStartFrame returns the seed frame for roots.
func NewStartFrame(roots []objectstore.OID) *StartFrame {
	return &StartFrame{roots: roots}
}

// Kind reports KindStart.
func (f *StartFrame) Kind() FrameKind { return KindStart }

// Produces reports true: every root is offered for emission.
func (f *StartFrame) Produces() bool { return true }

// Process hands off one root per step: it reads the root, offers it for
// emission and pushes the document's root-level includes for it. The step
// after the last root pushes the document's queries and completes the
// frame.
func (f *StartFrame) Process(ctx context.Context, ec *ExecContext) (bool, error) {
	f.ClearCurrent()
	if f.next < len(f.roots) {
		oid := f.roots[f.next]
		obj, err := ec.ReadObject(ctx, oid)
		if err != nil {
			return false, fmt.Errorf("read root %d: %w", oid, err)
		}
		f.next++
		f.Emit(obj)
		ec.Expand(obj, ec.Document().Includes)
		return false, nil
	}

	if len(f.roots) > 0 {
		queries := ec.Document().Queries
		for i := len(queries) - 1; i >= 0; i-- {
			ec.Push(NewQueryFrame(queries[i]))
		}
	}
	return true, nil
}

// String shows how many roots have been handed off.
func (f *StartFrame) String() string {
	return fmt.Sprintf("start(roots=%d handed_off=%d)", len(f.roots), f.next)
}

// =============================================================================
// QueryFrame
// =============================================================================

// QueryFrame fans one document query out in a single step: an OIDListFrame
// for its explicit oids and one TypeScanFrame per selected concrete type.
type QueryFrame struct {
	FrameBase
	query *querydoc.Query
}

// NewQueryFrame returns a frame for q.
func NewQueryFrame(q *querydoc.Query) *QueryFrame {
	return &QueryFrame{query: q}
}

// Kind reports KindQuery.
func (f *QueryFrame) Kind() FrameKind { return KindQuery }

// Produces reports false; the pushed frames do the emitting.
func (f *QueryFrame) Produces() bool { return false }

// Process completes in one step. It pushes a TypeScanFrame per selected
// type in document order, then an OIDListFrame on top for the explicit
// oids, so listed oids come out before scanned ones.
func (f *QueryFrame) Process(_ context.Context, ec *ExecContext) (bool, error) {
	types := selectTypes(ec.Registry(), f.query)
	for i := len(types) - 1; i >= 0; i-- {
		ec.Push(NewTypeScanFrame(types[i], f.query.Includes))
	}
	if len(f.query.OIDs) > 0 {
		ec.Push(NewOIDListFrame(f.query.OIDs, f.query.Includes))
	}
	return true, nil
}

// String renders the query being fanned out.
func (f *QueryFrame) String() string {
	return f.query.String()
}

// selectTypes lists the types to scan for q in document order, without
// repeats. With IncludeAllSubtypes each listed type expands to its
// concrete subtypes.
func selectTypes(reg Registry, q *querydoc.Query) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range q.Types {
		candidates := []string{t}
		if q.IncludeAllSubtypes {
			candidates = reg.ConcreteSubtypes(t)
		}
		for _, c := range candidates {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// =============================================================================
// TypeScanFrame
// =============================================================================

// TypeScanFrame enumerates the objects of one exact type. The first step
// scans the type index; each later step emits one object and pushes the
// query's include rules for it.
type TypeScanFrame struct {
	FrameBase
	typeName string
	includes []*querydoc.Include
	oids     []objectstore.OID
	scanned  bool
	next     int
}

// NewTypeScanFrame returns a scan of typeName whose results expand incs.
func NewTypeScanFrame(typeName string, incs []*querydoc.Include) *TypeScanFrame {
	return &TypeScanFrame{typeName: typeName, includes: incs}
}

// Kind reports KindTypeScan.
func (f *TypeScanFrame) Kind() FrameKind { return KindTypeScan }

// Produces reports true.
func (f *TypeScanFrame) Produces() bool { return true }

// Process runs the type scan on its first step and completes at once if
// the scan is empty. Every later step reads one scanned object, offers it
// for emission and pushes the query's includes for it.
func (f *TypeScanFrame) Process(ctx context.Context, ec *ExecContext) (bool, error) {
	f.ClearCurrent()
	if !f.scanned {
		oids, err := ec.ScanType(ctx, f.typeName)
		if err != nil {
			return false, fmt.Errorf("scan %s: %w", f.typeName, err)
		}
		f.oids = oids
		f.scanned = true
		return len(f.oids) == 0, nil
	}
	if f.next >= len(f.oids) {
		return true, nil
	}

	oid := f.oids[f.next]
	obj, err := ec.ReadObject(ctx, oid)
	if err != nil {
		return false, fmt.Errorf("scan %s: %w", f.typeName, err)
	}
	f.next++
	f.Emit(obj)
	ec.Expand(obj, f.includes)
	return f.next >= len(f.oids), nil
}

// String shows the type and scan progress.
func (f *TypeScanFrame) String() string {
	if !f.scanned {
		return fmt.Sprintf("type_scan(%s pending)", f.typeName)
	}
	return fmt.Sprintf("type_scan(%s %d/%d)", f.typeName, f.next, len(f.oids))
}

// =============================================================================
// IncludeFrame
// =============================================================================

// IncludeFrame resolves one include rule on one object in a single step.
// Fields the object's type does not have, or that are not references,
// contribute nothing. Referenced oids are handed to a FollowFrame.
type IncludeFrame struct {
	FrameBase
	source  *objectstore.Object
	include *querydoc.Include
}

// NewIncludeFrame returns a frame applying inc to obj.
func NewIncludeFrame(obj *objectstore.Object, inc *querydoc.Include) *IncludeFrame {
	return &IncludeFrame{source: obj, include: inc}
}

// Kind reports KindInclude.
func (f *IncludeFrame) Kind() FrameKind { return KindInclude }

// Produces reports false.
func (f *IncludeFrame) Produces() bool { return false }

// Process completes in one step: it gathers the oids referenced through
// the rule's fields and pushes a FollowFrame for them when there are any.
func (f *IncludeFrame) Process(_ context.Context, ec *ExecContext) (bool, error) {
	var targets []objectstore.OID
	for _, name := range f.include.Fields {
		fd, ok := ec.Registry().Field(f.source.Type, name)
		if !ok || !fd.IsReference() {
			continue
		}
		targets = append(targets, f.source.References(name)...)
	}
	if len(targets) > 0 {
		ec.Push(NewFollowFrame(f.source.OID, f.include, targets))
	}
	return true, nil
}

// String names the source object and the rule.
func (f *IncludeFrame) String() string {
	return fmt.Sprintf("include(oid=%d %s)", f.source.OID, f.include)
}

// =============================================================================
// FollowFrame
// =============================================================================

// FollowFrame emits the objects one include rule reached from a source
// object, one per step. Objects failing the rule's type filter are read
// but neither emitted nor expanded further.
type FollowFrame struct {
	FrameBase
	from    objectstore.OID
	include *querydoc.Include
	targets []objectstore.OID
	next    int
}

// NewFollowFrame returns a frame emitting targets reached from oid via inc.
func NewFollowFrame(from objectstore.OID, inc *querydoc.Include, targets []objectstore.OID) *FollowFrame {
	return &FollowFrame{from: from, include: inc, targets: targets}
}

// Kind reports KindFollow.
func (f *FollowFrame) Kind() FrameKind { return KindFollow }

// Produces reports true.
func (f *FollowFrame) Produces() bool { return true }

// Process reads one target per step. A target passing the rule's type
// filter is offered for emission and the rule's nested includes are
// pushed for it. A target that does not exist fails the step.
func (f *FollowFrame) Process(ctx context.Context, ec *ExecContext) (bool, error) {
	f.ClearCurrent()
	if f.next >= len(f.targets) {
		return true, nil
	}

	oid := f.targets[f.next]
	obj, err := ec.ReadObject(ctx, oid)
	if err != nil {
		return false, fmt.Errorf("follow %s from %d: %w", strings.Join(f.include.Fields, ","), f.from, err)
	}
	f.next++
	if f.include.Matches(obj.Type, ec.Registry().IsSubtype) {
		f.Emit(obj)
		ec.Expand(obj, f.include.Includes)
	}
	return f.next >= len(f.targets), nil
}

// String shows the source, the rule and follow progress.
func (f *FollowFrame) String() string {
	return fmt.Sprintf("follow(from=%d %s %d/%d)", f.from, f.include, f.next, len(f.targets))
}

// =============================================================================
// OIDListFrame
// =============================================================================

// OIDListFrame emits explicitly listed oids, one per step, pushing the
// query's include rules for each.
type OIDListFrame struct {
	FrameBase
	oids     []objectstore.OID
	includes []*querydoc.Include
	next     int
}

// NewOIDListFrame returns a frame emitting oids and expanding incs.
func NewOIDListFrame(oids []objectstore.OID, incs []*querydoc.Include) *OIDListFrame {
	return &OIDListFrame{oids: oids, includes: incs}
}

// Kind reports KindOIDList.
func (f *OIDListFrame) Kind() FrameKind { return KindOIDList }

// Produces reports true.
func (f *OIDListFrame) Produces() bool { return true }

// Process reads one listed oid per step, offers it for emission and
// pushes the query's includes for it.
func (f *OIDListFrame) Process(ctx context.Context, ec *ExecContext) (bool, error) {
	f.ClearCurrent()
	if f.next >= len(f.oids) {
		return true, nil
	}

	oid := f.oids[f.next]
	obj, err := ec.ReadObject(ctx, oid)
	if err != nil {
		return false, fmt.Errorf("read listed oid %d: %w", oid, err)
	}
	f.next++
	f.Emit(obj)
	ec.Expand(obj, f.includes)
	return f.next >= len(f.oids), nil
}

// String shows list progress.
func (f *OIDListFrame) String() string {
	return fmt.Sprintf("oid_list(%d/%d)", f.next, len(f.oids))
}
