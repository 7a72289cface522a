// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package modelstore

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/AleutianAI/AleutianModelServer/services/modelstore/objectstore"
)

// Sink receives the objects of one query in traversal order.
//
// An error from Emit stops the query; the error is returned from Query.
type Sink interface {
	Emit(obj *objectstore.Object) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(obj *objectstore.Object) error

// Emit calls f(obj).
func (f SinkFunc) Emit(obj *objectstore.Object) error { return f(obj) }

// JSONLinesSink writes one JSON object per line.
//
// Thread Safety: Safe for concurrent use, so several queries of a batch may
// share one writer. Lines of different queries interleave.
type JSONLinesSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLinesSink returns a sink writing to w.
func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	return &JSONLinesSink{enc: json.NewEncoder(w)}
}

// Emit encodes obj followed by a newline.
func (s *JSONLinesSink) Emit(obj *objectstore.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(obj); err != nil {
		return fmt.Errorf("write object %d: %w", obj.OID, err)
	}
	return nil
}

// CollectSink keeps every emitted object in memory.
type CollectSink struct {
	Objects []*objectstore.Object
}

// Emit appends obj.
func (s *CollectSink) Emit(obj *objectstore.Object) error {
	s.Objects = append(s.Objects, obj)
	return nil
}

// OIDs returns the oids collected so far, in emission order.
func (s *CollectSink) OIDs() []objectstore.OID {
	out := make([]objectstore.OID, len(s.Objects))
	for i, o := range s.Objects {
		out[i] = o.OID
	}
	return out
}
