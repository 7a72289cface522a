// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package objectstore is the identifier-addressed object store for model
// graphs.
//
// Objects are stored in BadgerDB and grouped into append-only revisions.
// Reads happen through a Snapshot, a read-only badger transaction, so a
// query evaluated against a snapshot never observes revisions committed
// after the snapshot was opened.
//
// # Ownership Model
//
// Objects returned by a Snapshot are freshly decoded and owned by the
// caller. Objects passed to Commit are encoded during the call and may be
// reused afterwards.
//
// # Thread Safety
//
// Store is safe for concurrent use. Snapshot is NOT: it wraps a single
// badger transaction and must be used from one goroutine at a time.
package objectstore

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Sentinel errors for object store operations.
var (
	// ErrNotFound is returned when no object exists for an oid.
	ErrNotFound = errors.New("object not found")

	// ErrRevisionNotFound is returned for an unknown revision id.
	ErrRevisionNotFound = errors.New("revision not found")

	// ErrInvalidObject is returned by Commit for objects without an oid or type.
	ErrInvalidObject = errors.New("invalid object")

	// ErrSnapshotClosed is returned when reading through a closed snapshot.
	ErrSnapshotClosed = errors.New("snapshot closed")
)

// OID identifies one stored object. Zero is never a valid oid.
type OID uint64

// String returns the decimal form of the oid.
func (o OID) String() string {
	return strconv.FormatUint(uint64(o), 10)
}

// ParseOID parses a decimal oid.
func ParseOID(s string) (OID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse oid %q: %w", s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("parse oid %q: oid must be non-zero", s)
	}
	return OID(v), nil
}

// Object is one stored model object.
//
// Attrs holds primitive field values. Refs holds the targets of reference
// and reference-list fields, keyed by field name; a single reference is a
// one-element slice.
type Object struct {
	OID   OID              `json:"oid"`
	Type  string           `json:"type"`
	Attrs map[string]any   `json:"attrs,omitempty"`
	Refs  map[string][]OID `json:"refs,omitempty"`
}

// References returns the oids referenced through field, or nil.
func (o *Object) References(field string) []OID {
	if o == nil || o.Refs == nil {
		return nil
	}
	return o.Refs[field]
}

func (o *Object) validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil object", ErrInvalidObject)
	}
	if o.OID == 0 {
		return fmt.Errorf("%w: oid is required", ErrInvalidObject)
	}
	if o.Type == "" {
		return fmt.Errorf("%w: oid %d has no type", ErrInvalidObject, o.OID)
	}
	return nil
}

// Revision describes one committed revision.
type Revision struct {
	ID        int64     `json:"id"`
	Comment   string    `json:"comment,omitempty"`
	Objects   int       `json:"objects"`
	Committed time.Time `json:"committed"`
}
