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
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/AleutianModelServer/services/modelstore/storage/badger"
)

// Store is the write side of the object store and the factory for snapshots.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db     *badgerstore.DB
	logger *slog.Logger
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used for commit events.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock used to stamp revisions.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Store over an open database. The Store does not own db.
func New(db *badgerstore.DB, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	s := &Store{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Commit writes objects and records them as a new revision.
//
// Description:
//
//	All objects are written in one read-write transaction together with
//	their type index entries and the revision membership rows. Each object
//	is stored as a new version keyed by the revision, so earlier revisions
//	keep reading the content they committed. If an oid changes type the
//	stale type index entry is removed. Either every write lands or none does.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	comment - Free-form revision comment.
//	objs - Objects to store. Each needs a non-zero oid and a type.
//
// Outputs:
//
//	int64 - The new revision id (starting at 1).
//	error - ErrInvalidObject for malformed input, or a wrapped badger error
//	        (badger.ErrConflict when a concurrent commit won the race,
//	        badger.ErrTxnTooBig when the revision does not fit one txn).
func (s *Store) Commit(ctx context.Context, comment string, objs []*Object) (int64, error) {
	for _, o := range objs {
		if err := o.validate(); err != nil {
			return 0, err
		}
	}

	var rid int64
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		next, err := nextRevision(txn)
		if err != nil {
			return err
		}
		rid = next

		for _, o := range objs {
			if err := putObject(txn, rid, o); err != nil {
				return err
			}
		}

		meta, err := json.Marshal(Revision{
			ID:        rid,
			Comment:   comment,
			Objects:   len(objs),
			Committed: s.now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("encode revision %d: %w", rid, err)
		}
		return txn.Set(revisionMetaKey(rid), meta)
	})
	if err != nil {
		return 0, fmt.Errorf("commit revision: %w", err)
	}

	s.logger.Info("revision committed",
		slog.Int64("revision", rid),
		slog.Int("objects", len(objs)),
	)
	return rid, nil
}

func nextRevision(txn *badger.Txn) (int64, error) {
	var last uint64
	item, err := txn.Get(keyNextRevision)
	switch {
	case err == nil:
		val, err := item.ValueCopy(nil)
		if err != nil {
			return 0, fmt.Errorf("read revision counter: %w", err)
		}
		if len(val) == 8 {
			last = binary.BigEndian.Uint64(val)
		}
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return 0, fmt.Errorf("read revision counter: %w", err)
	}

	next := last + 1
	if err := txn.Set(keyNextRevision, putUint64(nil, next)); err != nil {
		return 0, fmt.Errorf("write revision counter: %w", err)
	}
	return int64(next), nil
}

func putObject(txn *badger.Txn, rid int64, o *Object) error {
	prev, err := latestVersion(txn, o.OID, math.MaxUint64)
	switch {
	case err == nil:
		if prev.Type != o.Type {
			if err := txn.Delete(typeKey(prev.Type, o.OID)); err != nil {
				return fmt.Errorf("drop type index for oid %d: %w", o.OID, err)
			}
		}
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return fmt.Errorf("read oid %d: %w", o.OID, err)
	}

	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode oid %d: %w", o.OID, err)
	}
	if err := txn.Set(objectVersionKey(o.OID, uint64(rid)), data); err != nil {
		return fmt.Errorf("write oid %d: %w", o.OID, err)
	}
	if err := txn.Set(typeKey(o.Type, o.OID), nil); err != nil {
		return fmt.Errorf("index oid %d: %w", o.OID, err)
	}
	if err := txn.Set(revisionKey(rid, o.OID), []byte(o.Type)); err != nil {
		return fmt.Errorf("link oid %d to revision %d: %w", o.OID, rid, err)
	}
	return nil
}

// latestVersion returns the newest version of oid committed at or before
// revision upto. It returns badger.ErrKeyNotFound when there is none.
func latestVersion(txn *badger.Txn, oid OID, upto uint64) (*Object, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = objectPrefix(oid)
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(objectVersionKey(oid, upto))
	if !it.ValidForPrefix(opts.Prefix) {
		return nil, badger.ErrKeyNotFound
	}

	var obj Object
	err := it.Item().Value(func(val []byte) error {
		return json.Unmarshal(val, &obj)
	})
	if err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	return &obj, nil
}

// Revisions lists all committed revisions in ascending id order.
func (s *Store) Revisions(ctx context.Context) ([]Revision, error) {
	var revs []Revision
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRevMeta)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rev Revision
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rev)
			})
			if err != nil {
				return fmt.Errorf("decode revision: %w", err)
			}
			revs = append(revs, rev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	return revs, nil
}

// RevisionOIDs returns the oids committed in revision rid, ascending.
//
// This is the usual source of a query's root identifier set.
func (s *Store) RevisionOIDs(ctx context.Context, rid int64) ([]OID, error) {
	var oids []OID
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(revisionMetaKey(rid)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %d", ErrRevisionNotFound, rid)
			}
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = revisionPrefix(rid)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if oid, ok := trailingOID(it.Item().Key()); ok {
				oids = append(oids, oid)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("revision %d oids: %w", rid, err)
	}
	return oids, nil
}

// Snapshot opens a read-only view of the store as of now.
//
// The caller must Close the snapshot to release the underlying badger
// transaction.
func (s *Store) Snapshot(opts ...SnapshotOption) *Snapshot {
	snap := &Snapshot{txn: s.db.NewReadTxn()}
	for _, opt := range opts {
		opt(snap)
	}
	return snap
}
