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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	badgerstore "github.com/AleutianAI/AleutianModelServer/services/modelstore/storage/badger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badgerstore.OpenDB(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store, err := New(db, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	return store
}

func TestNew_NilDB(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestCommit_AndRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rid, err := store.Commit(ctx, "initial", []*Object{
		{OID: 1, Type: "Wall", Attrs: map[string]any{"Name": "W1"}, Refs: map[string][]OID{"ContainedIn": {3}}},
		{OID: 2, Type: "Wall"},
		{OID: 3, Type: "Storey"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rid)

	snap := store.Snapshot()
	defer snap.Close()

	obj, err := snap.ReadObject(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Wall", obj.Type)
	assert.Equal(t, "W1", obj.Attrs["Name"])
	assert.Equal(t, []OID{3}, obj.References("ContainedIn"))

	walls, err := snap.ScanType(ctx, "Wall")
	require.NoError(t, err)
	assert.Equal(t, []OID{1, 2}, walls)

	_, err = snap.ReadObject(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommit_RejectsInvalidObjects(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		obj  *Object
	}{
		{"nil", nil},
		{"zero oid", &Object{Type: "Wall"}},
		{"no type", &Object{OID: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Commit(ctx, "", []*Object{tt.obj})
			assert.ErrorIs(t, err, ErrInvalidObject)
		})
	}
}

func TestCommit_TypeChangeMovesIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Commit(ctx, "", []*Object{{OID: 7, Type: "Wall"}})
	require.NoError(t, err)
	_, err = store.Commit(ctx, "", []*Object{{OID: 7, Type: "Slab"}})
	require.NoError(t, err)

	snap := store.Snapshot()
	defer snap.Close()

	walls, err := snap.ScanType(ctx, "Wall")
	require.NoError(t, err)
	assert.Empty(t, walls)

	slabs, err := snap.ScanType(ctx, "Slab")
	require.NoError(t, err)
	assert.Equal(t, []OID{7}, slabs)
}

func TestRevisions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Commit(ctx, "first", []*Object{{OID: 1, Type: "Wall"}, {OID: 2, Type: "Wall"}})
	require.NoError(t, err)
	rid, err := store.Commit(ctx, "second", []*Object{{OID: 3, Type: "Slab"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rid)

	revs, err := store.Revisions(ctx)
	require.NoError(t, err)
	require.Len(t, revs, 2)
	assert.Equal(t, "first", revs[0].Comment)
	assert.Equal(t, 2, revs[0].Objects)
	assert.Equal(t, int64(2), revs[1].ID)

	oids, err := store.RevisionOIDs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []OID{1, 2}, oids)

	_, err = store.RevisionOIDs(ctx, 42)
	assert.ErrorIs(t, err, ErrRevisionNotFound)
}

func TestSnapshot_Isolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Commit(ctx, "", []*Object{{OID: 1, Type: "Wall"}})
	require.NoError(t, err)

	snap := store.Snapshot()
	defer snap.Close()

	_, err = store.Commit(ctx, "", []*Object{{OID: 2, Type: "Wall"}})
	require.NoError(t, err)

	walls, err := snap.ScanType(ctx, "Wall")
	require.NoError(t, err)
	assert.Equal(t, []OID{1}, walls)

	_, err = snap.ReadObject(ctx, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshot_RevisionScope(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Commit(ctx, "", []*Object{{OID: 1, Type: "Wall"}})
	require.NoError(t, err)
	rid, err := store.Commit(ctx, "", []*Object{{OID: 2, Type: "Wall"}})
	require.NoError(t, err)

	snap := store.Snapshot(InRevision(rid))
	defer snap.Close()
	assert.Equal(t, rid, snap.Revision())

	walls, err := snap.ScanType(ctx, "Wall")
	require.NoError(t, err)
	assert.Equal(t, []OID{2}, walls)

	// Objects from earlier revisions stay readable.
	_, err = snap.ReadObject(ctx, 1)
	assert.NoError(t, err)
}

func TestSnapshot_RevisionReadsItsOwnVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Commit(ctx, "", []*Object{
		{OID: 7, Type: "Wall", Attrs: map[string]any{"Name": "old"}},
	})
	require.NoError(t, err)
	second, err := store.Commit(ctx, "", []*Object{
		{OID: 7, Type: "Slab", Attrs: map[string]any{"Name": "new"}},
		{OID: 8, Type: "Wall"},
	})
	require.NoError(t, err)

	tests := []struct {
		name  string
		opts  []SnapshotOption
		want  string
		walls []OID
		slabs []OID
	}{
		{"first revision", []SnapshotOption{InRevision(first)}, "old", []OID{7}, nil},
		{"second revision", []SnapshotOption{InRevision(second)}, "new", []OID{8}, []OID{7}},
		{"whole store", nil, "new", []OID{8}, []OID{7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := store.Snapshot(tt.opts...)
			defer snap.Close()

			obj, err := snap.ReadObject(ctx, 7)
			require.NoError(t, err)
			assert.Equal(t, tt.want, obj.Attrs["Name"])

			walls, err := snap.ScanType(ctx, "Wall")
			require.NoError(t, err)
			assert.Equal(t, tt.walls, walls)

			slabs, err := snap.ScanType(ctx, "Slab")
			require.NoError(t, err)
			assert.Equal(t, tt.slabs, slabs)
		})
	}

	snap := store.Snapshot(InRevision(first))
	defer snap.Close()
	_, err = snap.ReadObject(ctx, 8)
	assert.ErrorIs(t, err, ErrNotFound, "objects committed later are not visible")
}

func TestSnapshot_ReadHookAndClose(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Commit(ctx, "", []*Object{{OID: 1, Type: "Wall"}, {OID: 2, Type: "Wall"}})
	require.NoError(t, err)

	snap := store.Snapshot()
	reads := 0
	snap.SetReadHook(func() { reads++ })

	_, err = snap.ReadObject(ctx, 1)
	require.NoError(t, err)
	_, err = snap.ScanType(ctx, "Wall")
	require.NoError(t, err)
	assert.Equal(t, 3, reads)

	snap.Close()
	snap.Close()
	_, err = snap.ReadObject(ctx, 1)
	assert.ErrorIs(t, err, ErrSnapshotClosed)
	_, err = snap.ScanType(ctx, "Wall")
	assert.ErrorIs(t, err, ErrSnapshotClosed)
}

func TestParseOID(t *testing.T) {
	oid, err := ParseOID("42")
	require.NoError(t, err)
	assert.Equal(t, OID(42), oid)
	assert.Equal(t, "42", oid.String())

	_, err = ParseOID("0")
	assert.Error(t, err)
	_, err = ParseOID("wall")
	assert.Error(t, err)
}
