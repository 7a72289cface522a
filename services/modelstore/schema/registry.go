// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schema is the metadata registry describing stored object types.
//
// A schema is a set of named types with single inheritance. Each type owns
// fields that are either primitive values or references (single or list)
// to other types. Field lookups walk the supertype chain, so a field
// declared on an abstract supertype is visible on every subtype.
//
// # Thread Safety
//
// A Registry is immutable once built and safe for concurrent reads.
package schema

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianModelServer/services/modelstore/objectstore"
)

// Sentinel errors for schema operations.
var (
	// ErrInvalidSchema is returned when a schema document is inconsistent.
	ErrInvalidSchema = errors.New("invalid schema")

	// ErrUnknownType is returned when a type name is not registered.
	ErrUnknownType = errors.New("unknown type")

	// ErrSchemaViolation is returned when an object does not fit its type.
	ErrSchemaViolation = errors.New("schema violation")
)

// FieldKind classifies a field.
type FieldKind string

const (
	// KindPrimitive is a scalar value stored in Object.Attrs.
	KindPrimitive FieldKind = "primitive"

	// KindReference points at exactly zero or one other object.
	KindReference FieldKind = "reference"

	// KindReferenceList points at any number of other objects.
	KindReferenceList FieldKind = "reference_list"
)

// FieldDescriptor describes one field of a type.
type FieldDescriptor struct {
	Name   string    `yaml:"name" json:"name"`
	Kind   FieldKind `yaml:"kind" json:"kind"`
	Target string    `yaml:"target,omitempty" json:"target,omitempty"`

	// Owner is the type that declares the field, filled in at load.
	Owner string `yaml:"-" json:"owner"`
}

// IsReference reports whether the field holds object references.
func (f *FieldDescriptor) IsReference() bool {
	return f.Kind == KindReference || f.Kind == KindReferenceList
}

// TypeDescriptor describes one object type.
type TypeDescriptor struct {
	Name     string             `yaml:"name" json:"name"`
	Super    string             `yaml:"super,omitempty" json:"super,omitempty"`
	Abstract bool               `yaml:"abstract,omitempty" json:"abstract,omitempty"`
	Fields   []*FieldDescriptor `yaml:"fields,omitempty" json:"fields,omitempty"`
}

type document struct {
	Types []*TypeDescriptor `yaml:"types"`
}

// Registry resolves type and field names to descriptors.
type Registry struct {
	types    map[string]*TypeDescriptor
	fields   map[string]map[string]*FieldDescriptor
	subtypes map[string][]string
	names    []string
}

// LoadFile reads a YAML schema from path.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schema %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Load reads a YAML schema document.
func Load(r io.Reader) (*Registry, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidSchema)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return New(doc.Types)
}

// New builds a Registry from type descriptors.
//
// Description:
//
//	Validates that type names are unique and slash-free, supertypes exist,
//	inheritance is acyclic, field names are unique along each supertype
//	chain, field kinds are known and reference fields name a registered
//	target type.
//
// Outputs:
//
//	*Registry - The immutable registry.
//	error - Wraps ErrInvalidSchema describing the first problem found.
func New(types []*TypeDescriptor) (*Registry, error) {
	r := &Registry{
		types:    make(map[string]*TypeDescriptor, len(types)),
		fields:   make(map[string]map[string]*FieldDescriptor, len(types)),
		subtypes: make(map[string][]string),
	}

	for _, t := range types {
		if t == nil || t.Name == "" {
			return nil, fmt.Errorf("%w: type without name", ErrInvalidSchema)
		}
		if strings.Contains(t.Name, "/") {
			return nil, fmt.Errorf("%w: type name %q contains '/'", ErrInvalidSchema, t.Name)
		}
		if _, dup := r.types[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate type %q", ErrInvalidSchema, t.Name)
		}
		r.types[t.Name] = t
		r.names = append(r.names, t.Name)
	}
	sort.Strings(r.names)

	for _, t := range types {
		if t.Super != "" {
			if _, ok := r.types[t.Super]; !ok {
				return nil, fmt.Errorf("%w: type %q extends unknown %q", ErrInvalidSchema, t.Name, t.Super)
			}
		}
	}

	for _, t := range types {
		if err := r.checkAcyclic(t); err != nil {
			return nil, err
		}

		own := make(map[string]*FieldDescriptor, len(t.Fields))
		for _, f := range t.Fields {
			if f == nil || f.Name == "" {
				return nil, fmt.Errorf("%w: type %q has a field without name", ErrInvalidSchema, t.Name)
			}
			if _, dup := own[f.Name]; dup {
				return nil, fmt.Errorf("%w: type %q declares %q twice", ErrInvalidSchema, t.Name, f.Name)
			}
			switch f.Kind {
			case KindPrimitive:
			case KindReference, KindReferenceList:
				if _, ok := r.types[f.Target]; !ok {
					return nil, fmt.Errorf("%w: %s.%s targets unknown type %q", ErrInvalidSchema, t.Name, f.Name, f.Target)
				}
			default:
				return nil, fmt.Errorf("%w: %s.%s has unknown kind %q", ErrInvalidSchema, t.Name, f.Name, f.Kind)
			}
			f.Owner = t.Name
			own[f.Name] = f
		}
		r.fields[t.Name] = own
	}

	for _, t := range types {
		for anc := t.Super; anc != ""; anc = r.types[anc].Super {
			for name := range r.fields[t.Name] {
				if _, clash := r.fields[anc][name]; clash {
					return nil, fmt.Errorf("%w: %s.%s shadows %s.%s", ErrInvalidSchema, t.Name, name, anc, name)
				}
			}
			r.subtypes[anc] = append(r.subtypes[anc], t.Name)
		}
	}
	for k := range r.subtypes {
		sort.Strings(r.subtypes[k])
	}

	return r, nil
}

func (r *Registry) checkAcyclic(t *TypeDescriptor) error {
	seen := map[string]bool{t.Name: true}
	for anc := t.Super; anc != ""; anc = r.types[anc].Super {
		if seen[anc] {
			return fmt.Errorf("%w: inheritance cycle through %q", ErrInvalidSchema, t.Name)
		}
		seen[anc] = true
	}
	return nil
}

// Type returns the descriptor for name.
func (r *Registry) Type(name string) (*TypeDescriptor, bool) {
	t, ok := r.types[name]
	return t, ok
}

// Types returns all registered type names, sorted.
func (r *Registry) Types() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Field resolves field on typeName, walking the supertype chain.
func (r *Registry) Field(typeName, field string) (*FieldDescriptor, bool) {
	for t := typeName; t != ""; {
		if f, ok := r.fields[t][field]; ok {
			return f, true
		}
		td, ok := r.types[t]
		if !ok {
			return nil, false
		}
		t = td.Super
	}
	return nil, false
}

// IsSubtype reports whether typeName equals ancestor or inherits from it.
func (r *Registry) IsSubtype(typeName, ancestor string) bool {
	for t := typeName; t != ""; {
		if t == ancestor {
			return true
		}
		td, ok := r.types[t]
		if !ok {
			return false
		}
		t = td.Super
	}
	return false
}

// ConcreteSubtypes returns typeName (if not abstract) and every
// non-abstract type inheriting from it, sorted. Unknown names yield nil.
func (r *Registry) ConcreteSubtypes(typeName string) []string {
	root, ok := r.types[typeName]
	if !ok {
		return nil
	}
	var out []string
	if !root.Abstract {
		out = append(out, typeName)
	}
	for _, sub := range r.subtypes[typeName] {
		if !r.types[sub].Abstract {
			out = append(out, sub)
		}
	}
	sort.Strings(out)
	return out
}

// TypesWithField returns the types on which field resolves, sorted.
func (r *Registry) TypesWithField(field string) []string {
	var out []string
	for _, name := range r.names {
		if _, ok := r.Field(name, field); ok {
			out = append(out, name)
		}
	}
	return out
}

// ValidateObject checks obj against its registered type.
//
// The type must be registered and concrete, every Refs key must be a
// reference field (a single reference carries at most one target) and
// every Attrs key must be a primitive field.
func (r *Registry) ValidateObject(obj *objectstore.Object) error {
	if obj == nil {
		return fmt.Errorf("%w: nil object", ErrSchemaViolation)
	}
	t, ok := r.types[obj.Type]
	if !ok {
		return fmt.Errorf("%w: oid %d: %w %q", ErrSchemaViolation, obj.OID, ErrUnknownType, obj.Type)
	}
	if t.Abstract {
		return fmt.Errorf("%w: oid %d: type %q is abstract", ErrSchemaViolation, obj.OID, obj.Type)
	}
	for name, targets := range obj.Refs {
		f, ok := r.Field(obj.Type, name)
		if !ok || !f.IsReference() {
			return fmt.Errorf("%w: oid %d: %s.%s is not a reference field", ErrSchemaViolation, obj.OID, obj.Type, name)
		}
		if f.Kind == KindReference && len(targets) > 1 {
			return fmt.Errorf("%w: oid %d: %s.%s holds %d targets", ErrSchemaViolation, obj.OID, obj.Type, name, len(targets))
		}
	}
	for name := range obj.Attrs {
		f, ok := r.Field(obj.Type, name)
		if !ok || f.Kind != KindPrimitive {
			return fmt.Errorf("%w: oid %d: %s.%s is not a primitive field", ErrSchemaViolation, obj.OID, obj.Type, name)
		}
	}
	return nil
}
