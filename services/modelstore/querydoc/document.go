// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package querydoc parses and checks selection query documents.
//
// A document names root-level include rules (applied to the caller's root
// objects), a list of queries (type scans and explicit oid lists, each with
// its own include rules) and a table of named include rules that other
// rules may reference by name, recursively.
//
//	{
//	  "defines":  {"openings": {"field": "Openings", "types": ["Opening"]}},
//	  "includes": ["openings", {"field": "ContainedIn"}],
//	  "queries":  [{"types": ["Wall"], "includeAllSubtypes": true, "includes": ["openings"]}]
//	}
//
// A parsed Document is immutable and safe for concurrent reads. Include
// nodes form a graph, not a tree: a define referenced from several places
// is one shared *Include, and a define may reach itself.
package querydoc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianModelServer/services/modelstore/objectstore"
	"github.com/AleutianAI/AleutianModelServer/services/modelstore/schema"
)

// ErrMalformedQuery is returned when a document cannot be interpreted.
var ErrMalformedQuery = errors.New("malformed query")

var validate = validator.New()

// Include is one expansion rule: follow Fields of an object and keep the
// referenced objects whose type matches Types (any type when empty).
type Include struct {
	// Name is the define this node was declared as, empty for inline rules.
	Name string `json:"name,omitempty" validate:"-"`

	Fields   []string   `json:"fields" validate:"min=1,dive,required"`
	Types    []string   `json:"types,omitempty" validate:"dive,required"`
	Includes []*Include `json:"-" validate:"-"`
}

// Matches reports whether an object of typeName passes the type filter.
func (inc *Include) Matches(typeName string, isSubtype func(typeName, ancestor string) bool) bool {
	return matchTypes(inc.Types, typeName, isSubtype)
}

// String describes the rule for logs and diagnostic dumps.
func (inc *Include) String() string {
	var b strings.Builder
	b.WriteString("include")
	if inc.Name != "" {
		b.WriteString("<" + inc.Name + ">")
	}
	b.WriteString("(" + strings.Join(inc.Fields, ","))
	if len(inc.Types) > 0 {
		b.WriteString(" types=" + strings.Join(inc.Types, ","))
	}
	if len(inc.Includes) > 0 {
		fmt.Fprintf(&b, " nested=%d", len(inc.Includes))
	}
	b.WriteString(")")
	return b.String()
}

// Query selects objects by type, by explicit oid, or both.
type Query struct {
	Types              []string          `json:"types,omitempty" validate:"dive,required"`
	IncludeAllSubtypes bool              `json:"includeAllSubtypes,omitempty"`
	OIDs               []objectstore.OID `json:"oids,omitempty" validate:"dive,gt=0"`
	Includes           []*Include        `json:"-" validate:"-"`
}

// String describes the query for logs and diagnostic dumps.
func (q *Query) String() string {
	return fmt.Sprintf("query(types=%s subtypes=%t oids=%d includes=%d)",
		strings.Join(q.Types, ","), q.IncludeAllSubtypes, len(q.OIDs), len(q.Includes))
}

// Document is a parsed, resolved query document.
type Document struct {
	Defines  map[string]*Include
	Includes []*Include
	Queries  []*Query

	source []byte
}

// Source returns the raw document the Document was parsed from.
func (d *Document) Source() []byte {
	return d.source
}

// Walk calls fn once for every distinct include node reachable from the
// document, including unreferenced defines.
func (d *Document) Walk(fn func(*Include)) {
	seen := make(map[*Include]bool)
	var stack []*Include
	push := func(incs []*Include) {
		for i := len(incs) - 1; i >= 0; i-- {
			stack = append(stack, incs[i])
		}
	}

	push(d.Includes)
	for i := len(d.Queries) - 1; i >= 0; i-- {
		push(d.Queries[i].Includes)
	}
	names := make([]string, 0, len(d.Defines))
	for name := range d.Defines {
		names = append(names, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names {
		stack = append(stack, d.Defines[name])
	}

	for len(stack) > 0 {
		inc := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[inc] {
			continue
		}
		seen[inc] = true
		fn(inc)
		push(inc.Includes)
	}
}

// Schema is the part of the metadata registry Check needs.
type Schema interface {
	Type(name string) (*schema.TypeDescriptor, bool)
	Types() []string
	Field(typeName, field string) (*schema.FieldDescriptor, bool)
}

// Check validates the document against a schema.
//
// Description:
//
//	Every type named by a query or an include filter must be registered.
//	Every include field must resolve to a reference field on at least one
//	registered type, otherwise the rule could never expand anything and is
//	almost certainly a typo.
//
// Outputs:
//
//	error - Wraps ErrMalformedQuery describing the first problem found.
func (d *Document) Check(s Schema) error {
	if s == nil {
		return fmt.Errorf("%w: no schema to check against", ErrMalformedQuery)
	}

	for i, q := range d.Queries {
		for _, t := range q.Types {
			if _, ok := s.Type(t); !ok {
				return fmt.Errorf("%w: queries[%d]: unknown type %q", ErrMalformedQuery, i, t)
			}
		}
	}

	refFields := make(map[string]bool)
	for _, t := range s.Types() {
		td, _ := s.Type(t)
		for _, f := range td.Fields {
			if f.IsReference() {
				refFields[f.Name] = true
			}
		}
	}

	var err error
	d.Walk(func(inc *Include) {
		if err != nil {
			return
		}
		for _, t := range inc.Types {
			if _, ok := s.Type(t); !ok {
				err = fmt.Errorf("%w: %s: unknown type %q", ErrMalformedQuery, inc, t)
				return
			}
		}
		for _, f := range inc.Fields {
			if !refFields[f] {
				err = fmt.Errorf("%w: %s: %q is not a reference field of any type", ErrMalformedQuery, inc, f)
				return
			}
		}
	})
	return err
}

// rawInclude is the wire form of an include: either a define name
// (a JSON string) or an inline rule object.
type rawInclude struct {
	Ref      string        `json:"-"`
	Field    string        `json:"field"`
	Fields   []string      `json:"fields"`
	Types    []string      `json:"types"`
	Includes []*rawInclude `json:"includes"`
}

func (r *rawInclude) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &r.Ref); err != nil {
			return err
		}
		if r.Ref == "" {
			return errors.New("empty include reference")
		}
		return nil
	}

	type plain rawInclude
	var p plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*r = rawInclude(p)
	return nil
}

type rawQuery struct {
	Types              []string          `json:"types"`
	IncludeAllSubtypes bool              `json:"includeAllSubtypes"`
	OIDs               []objectstore.OID `json:"oids"`
	Includes           []*rawInclude     `json:"includes"`
}

type rawDocument struct {
	Defines  map[string]*rawInclude `json:"defines"`
	Includes []*rawInclude          `json:"includes"`
	Queries  []*rawQuery            `json:"queries"`
}

// Parse decodes and resolves a JSON query document.
//
// Description:
//
//	Unknown keys are rejected. Include rules written as strings are
//	resolved against "defines"; defines may reference each other and
//	themselves, but every referenced name must exist and alias chains
//	must end in an inline rule. A query must name at least one type or
//	oid. Schema checks are separate, see Check.
//
// Outputs:
//
//	*Document - The resolved document.
//	error - Wraps ErrMalformedQuery.
func Parse(data []byte) (*Document, error) {
	var raw rawDocument
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrMalformedQuery)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedQuery, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after document", ErrMalformedQuery)
	}

	r := &resolver{
		raw:      raw.Defines,
		nodes:    make(map[string]*Include, len(raw.Defines)),
		aliasing: make(map[string]bool),
	}
	doc := &Document{
		Defines: make(map[string]*Include, len(raw.Defines)),
		source:  append([]byte(nil), data...),
	}

	names := make([]string, 0, len(raw.Defines))
	for name := range raw.Defines {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		inc, err := r.define(name)
		if err != nil {
			return nil, err
		}
		doc.Defines[name] = inc
	}

	var err error
	if doc.Includes, err = r.includes("includes", raw.Includes); err != nil {
		return nil, err
	}

	for i, rq := range raw.Queries {
		path := fmt.Sprintf("queries[%d]", i)
		if rq == nil {
			return nil, fmt.Errorf("%w: %s: null query", ErrMalformedQuery, path)
		}
		q := &Query{
			Types:              rq.Types,
			IncludeAllSubtypes: rq.IncludeAllSubtypes,
			OIDs:               rq.OIDs,
		}
		if len(q.Types) == 0 && len(q.OIDs) == 0 {
			return nil, fmt.Errorf("%w: %s: needs types or oids", ErrMalformedQuery, path)
		}
		if err := validate.Struct(q); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedQuery, path, err)
		}
		if q.Includes, err = r.includes(path+".includes", rq.Includes); err != nil {
			return nil, err
		}
		doc.Queries = append(doc.Queries, q)
	}

	return doc, nil
}

// MustParse is Parse for documents known to be valid, such as test fixtures.
func MustParse(data string) *Document {
	doc, err := Parse([]byte(data))
	if err != nil {
		panic(err)
	}
	return doc
}

type resolver struct {
	raw      map[string]*rawInclude
	nodes    map[string]*Include
	aliasing map[string]bool
}

func (r *resolver) define(name string) (*Include, error) {
	if inc, ok := r.nodes[name]; ok {
		return inc, nil
	}
	raw, ok := r.raw[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown define %q", ErrMalformedQuery, name)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: define %q is null", ErrMalformedQuery, name)
	}

	if raw.Ref != "" {
		if r.aliasing[name] {
			return nil, fmt.Errorf("%w: define %q is an alias cycle", ErrMalformedQuery, name)
		}
		r.aliasing[name] = true
		inc, err := r.define(raw.Ref)
		if err != nil {
			return nil, err
		}
		r.nodes[name] = inc
		return inc, nil
	}

	// Registered before filling so that self references resolve to it.
	inc := &Include{Name: name}
	r.nodes[name] = inc
	if err := r.fill(inc, raw, "defines."+name); err != nil {
		return nil, err
	}
	return inc, nil
}

func (r *resolver) includes(path string, raws []*rawInclude) ([]*Include, error) {
	out := make([]*Include, 0, len(raws))
	for i, raw := range raws {
		p := fmt.Sprintf("%s[%d]", path, i)
		if raw == nil {
			return nil, fmt.Errorf("%w: %s: null include", ErrMalformedQuery, p)
		}
		if raw.Ref != "" {
			inc, err := r.define(raw.Ref)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p, err)
			}
			out = append(out, inc)
			continue
		}
		inc := &Include{}
		if err := r.fill(inc, raw, p); err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, nil
}

func (r *resolver) fill(inc *Include, raw *rawInclude, path string) error {
	if raw.Field != "" && len(raw.Fields) > 0 {
		return fmt.Errorf("%w: %s: field and fields are mutually exclusive", ErrMalformedQuery, path)
	}
	if raw.Field != "" {
		inc.Fields = []string{raw.Field}
	} else {
		inc.Fields = raw.Fields
	}
	inc.Types = raw.Types
	if err := validate.Struct(inc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedQuery, path, err)
	}

	children, err := r.includes(path+".includes", raw.Includes)
	if err != nil {
		return err
	}
	inc.Includes = children
	return nil
}

func matchTypes(types []string, typeName string, isSubtype func(typeName, ancestor string) bool) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == typeName || (isSubtype != nil && isSubtype(typeName, t)) {
			return true
		}
	}
	return false
}
