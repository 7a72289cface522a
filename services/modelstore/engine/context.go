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
	"github.com/AleutianAI/AleutianModelServer/services/modelstore/querydoc"
	"github.com/AleutianAI/AleutianModelServer/services/modelstore/schema"
)

// Session is read access to one consistent view of the object store.
// *objectstore.Snapshot implements it.
type Session interface {
	// ReadObject fetches one object. Missing oids wrap objectstore.ErrNotFound.
	ReadObject(ctx context.Context, oid objectstore.OID) (*objectstore.Object, error)

	// ScanType lists the oids of all objects whose type is exactly typeName.
	ScanType(ctx context.Context, typeName string) ([]objectstore.OID, error)
}

// ReadNotifier is implemented by sessions that report each low-level read.
type ReadNotifier interface {
	SetReadHook(fn func())
}

// Registry resolves type and field names. *schema.Registry implements it.
type Registry interface {
	Type(name string) (*schema.TypeDescriptor, bool)
	Types() []string
	Field(typeName, field string) (*schema.FieldDescriptor, bool)
	IsSubtype(typeName, ancestor string) bool
	ConcreteSubtypes(typeName string) []string
}

type expansionKey struct {
	oid objectstore.OID
	inc *querydoc.Include
}

// ExecContext is the state shared by the frames of one traversal. It is
// passed to every Process call; frames keep no store or registry handles
// of their own.
//
// Thread Safety: NOT safe for concurrent use.
type ExecContext struct {
	session  Session
	registry Registry
	doc      *querydoc.Document
	stack    *Stack
	ledger   *Ledger
	expanded map[expansionKey]struct{}

	reads      int64
	countCalls bool
}

func newExecContext(doc *querydoc.Document, session Session, registry Registry) *ExecContext {
	ec := &ExecContext{
		session:  session,
		registry: registry,
		doc:      doc,
		stack:    &Stack{},
		ledger:   NewLedger(),
		expanded: make(map[expansionKey]struct{}),
	}
	if n, ok := session.(ReadNotifier); ok {
		n.SetReadHook(ec.countRead)
	} else {
		ec.countCalls = true
	}
	return ec
}

func (ec *ExecContext) countRead() { ec.reads++ }

// ReadObject reads one object through the session.
func (ec *ExecContext) ReadObject(ctx context.Context, oid objectstore.OID) (*objectstore.Object, error) {
	if ec.countCalls {
		ec.reads++
	}
	return ec.session.ReadObject(ctx, oid)
}

// ScanType lists the oids of one type through the session.
func (ec *ExecContext) ScanType(ctx context.Context, typeName string) ([]objectstore.OID, error) {
	if ec.countCalls {
		ec.reads++
	}
	return ec.session.ScanType(ctx, typeName)
}

// Registry returns the metadata registry.
func (ec *ExecContext) Registry() Registry { return ec.registry }

// Document returns the query document.
func (ec *ExecContext) Document() *querydoc.Document { return ec.doc }

// Push places f on top of the traversal stack.
func (ec *ExecContext) Push(f Frame) { ec.stack.Push(f) }

// HasYielded reports whether oid was already returned to the caller.
func (ec *ExecContext) HasYielded(oid objectstore.OID) bool { return ec.ledger.Has(oid) }

// Reads returns the low-level read count so far.
func (ec *ExecContext) Reads() int64 { return ec.reads }

// Expand pushes one IncludeFrame per rule in incs that has not yet been
// expanded for obj. Rules run in document order.
func (ec *ExecContext) Expand(obj *objectstore.Object, incs []*querydoc.Include) {
	for i := len(incs) - 1; i >= 0; i-- {
		key := expansionKey{oid: obj.OID, inc: incs[i]}
		if _, ok := ec.expanded[key]; ok {
			continue
		}
		ec.expanded[key] = struct{}{}
		ec.Push(NewIncludeFrame(obj, incs[i]))
	}
}

func (ec *ExecContext) detachHook() {
	if n, ok := ec.session.(ReadNotifier); ok && !ec.countCalls {
		n.SetReadHook(nil)
	}
}
