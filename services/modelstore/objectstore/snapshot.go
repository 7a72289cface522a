// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package objectstore

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v4"
)

// SnapshotOption configures a Snapshot.
type SnapshotOption func(*Snapshot)

// InRevision pins the snapshot to revision rid. Type scans return only
// the members of rid, and a read by oid returns the newest version
// committed at or before rid. Objects first committed later are not found.
func InRevision(rid int64) SnapshotOption {
	return func(s *Snapshot) {
		s.revision = rid
	}
}

// Snapshot is a point-in-time, read-only view of the store.
//
// Thread Safety: NOT safe for concurrent use.
type Snapshot struct {
	txn      *badger.Txn
	revision int64
	onRead   func()
	closed   bool
}

// SetReadHook installs fn to be called once per low-level key read.
// A nil fn removes the hook.
func (s *Snapshot) SetReadHook(fn func()) {
	s.onRead = fn
}

// Revision returns the revision scope, or 0 for the whole store.
func (s *Snapshot) Revision() int64 {
	return s.revision
}

func (s *Snapshot) notify() {
	if s.onRead != nil {
		s.onRead()
	}
}

// ReadObject fetches the visible version of one object by oid.
//
// Outputs:
//
//	*Object - The decoded object, owned by the caller.
//	error - Wraps ErrNotFound when the oid does not exist.
func (s *Snapshot) ReadObject(ctx context.Context, oid OID) (*Object, error) {
	if s.closed {
		return nil, ErrSnapshotClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("read oid %d: %w", oid, err)
	}

	upto := uint64(math.MaxUint64)
	if s.revision > 0 {
		upto = uint64(s.revision)
	}

	s.notify()
	obj, err := latestVersion(s.txn, oid, upto)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: oid %d", ErrNotFound, oid)
		}
		return nil, fmt.Errorf("read oid %d: %w", oid, err)
	}
	return obj, nil
}

// ScanType returns the oids of all objects whose type is exactly typeName,
// in ascending order. Subtype expansion is the caller's concern.
func (s *Snapshot) ScanType(ctx context.Context, typeName string) ([]OID, error) {
	if s.closed {
		return nil, ErrSnapshotClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scan type %s: %w", typeName, err)
	}

	if s.revision != 0 {
		return s.scanRevision(typeName)
	}

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = typePrefix(typeName)
	it := s.txn.NewIterator(opts)
	defer it.Close()

	var oids []OID
	for it.Rewind(); it.Valid(); it.Next() {
		s.notify()
		if oid, ok := trailingOID(it.Item().Key()); ok {
			oids = append(oids, oid)
		}
	}
	return oids, nil
}

// scanRevision walks the membership rows of the pinned revision. Each row
// holds the type the object had in that revision.
func (s *Snapshot) scanRevision(typeName string) ([]OID, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = revisionPrefix(s.revision)
	it := s.txn.NewIterator(opts)
	defer it.Close()

	var oids []OID
	for it.Rewind(); it.Valid(); it.Next() {
		s.notify()
		item := it.Item()
		oid, ok := trailingOID(item.Key())
		if !ok {
			continue
		}
		var match bool
		if err := item.Value(func(val []byte) error {
			match = string(val) == typeName
			return nil
		}); err != nil {
			return nil, fmt.Errorf("scan type %s in revision %d: %w", typeName, s.revision, err)
		}
		if match {
			oids = append(oids, oid)
		}
	}
	return oids, nil
}

// Close releases the snapshot. Safe to call more than once.
func (s *Snapshot) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.txn.Discard()
}
