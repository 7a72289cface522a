// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianModelServer/services/modelstore/objectstore"
)

const buildingSchema = `
types:
  - name: Product
    abstract: true
    fields:
      - {name: Name, kind: primitive}
      - {name: ContainedIn, kind: reference, target: Storey}
  - name: Wall
    super: Product
    fields:
      - {name: Openings, kind: reference_list, target: Opening}
  - name: CurtainWall
    super: Wall
  - name: Opening
    super: Product
  - name: Storey
    fields:
      - {name: Elevation, kind: primitive}
      - {name: Contains, kind: reference_list, target: Product}
`

func loadBuilding(t *testing.T) *Registry {
	t.Helper()
	reg, err := Load(strings.NewReader(buildingSchema))
	require.NoError(t, err)
	return reg
}

func TestLoad_Building(t *testing.T) {
	reg := loadBuilding(t)

	assert.Equal(t, []string{"CurtainWall", "Opening", "Product", "Storey", "Wall"}, reg.Types())

	wall, ok := reg.Type("Wall")
	require.True(t, ok)
	assert.Equal(t, "Product", wall.Super)

	_, ok = reg.Type("Door")
	assert.False(t, ok)
}

func TestRegistry_FieldWalksSupertypes(t *testing.T) {
	reg := loadBuilding(t)

	f, ok := reg.Field("CurtainWall", "ContainedIn")
	require.True(t, ok)
	assert.Equal(t, "Product", f.Owner)
	assert.Equal(t, KindReference, f.Kind)
	assert.True(t, f.IsReference())

	f, ok = reg.Field("Wall", "Name")
	require.True(t, ok)
	assert.False(t, f.IsReference())

	_, ok = reg.Field("Storey", "Openings")
	assert.False(t, ok)
	_, ok = reg.Field("Nope", "Name")
	assert.False(t, ok)
}

func TestRegistry_Subtypes(t *testing.T) {
	reg := loadBuilding(t)

	assert.True(t, reg.IsSubtype("CurtainWall", "Product"))
	assert.True(t, reg.IsSubtype("Wall", "Wall"))
	assert.False(t, reg.IsSubtype("Storey", "Product"))
	assert.False(t, reg.IsSubtype("Unknown", "Product"))

	assert.Equal(t, []string{"CurtainWall", "Opening", "Wall"}, reg.ConcreteSubtypes("Product"))
	assert.Equal(t, []string{"CurtainWall", "Wall"}, reg.ConcreteSubtypes("Wall"))
	assert.Nil(t, reg.ConcreteSubtypes("Unknown"))

	assert.Equal(t, []string{"CurtainWall", "Opening", "Product", "Wall"}, reg.TypesWithField("ContainedIn"))
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		want   string
	}{
		{"empty", "", "empty document"},
		{"unknown key", "types:\n  - name: A\n    colour: red\n", "colour"},
		{"duplicate", "types:\n  - name: A\n  - name: A\n", "duplicate type"},
		{"slash", "types:\n  - name: A/B\n", "contains '/'"},
		{"unknown super", "types:\n  - name: A\n    super: B\n", "extends unknown"},
		{"cycle", "types:\n  - name: A\n    super: B\n  - name: B\n    super: A\n", "inheritance cycle"},
		{"bad kind", "types:\n  - name: A\n    fields:\n      - {name: x, kind: blob}\n", "unknown kind"},
		{"bad target", "types:\n  - name: A\n    fields:\n      - {name: x, kind: reference, target: Z}\n", "unknown type"},
		{"shadow", "types:\n  - name: A\n    fields:\n      - {name: x, kind: primitive}\n  - name: B\n    super: A\n    fields:\n      - {name: x, kind: primitive}\n", "shadows"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.schema))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSchema)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(buildingSchema), 0o600))

	reg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, reg.Types(), 5)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateObject(t *testing.T) {
	reg := loadBuilding(t)

	ok := &objectstore.Object{
		OID:   1,
		Type:  "Wall",
		Attrs: map[string]any{"Name": "W1"},
		Refs:  map[string][]objectstore.OID{"ContainedIn": {9}, "Openings": {2, 3}},
	}
	assert.NoError(t, reg.ValidateObject(ok))

	tests := []struct {
		name string
		obj  *objectstore.Object
	}{
		{"nil", nil},
		{"unknown type", &objectstore.Object{OID: 1, Type: "Door"}},
		{"abstract", &objectstore.Object{OID: 1, Type: "Product"}},
		{"primitive as ref", &objectstore.Object{OID: 1, Type: "Wall", Refs: map[string][]objectstore.OID{"Name": {2}}}},
		{"single ref with two targets", &objectstore.Object{OID: 1, Type: "Wall", Refs: map[string][]objectstore.OID{"ContainedIn": {2, 3}}}},
		{"ref as attr", &objectstore.Object{OID: 1, Type: "Wall", Attrs: map[string]any{"Openings": 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, reg.ValidateObject(tt.obj), ErrSchemaViolation)
		})
	}
}
