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

import "github.com/AleutianAI/AleutianModelServer/services/modelstore/objectstore"

// Stack is the LIFO work list of a traversal. The top is the most
// recently pushed frame.
//
// Thread Safety: NOT safe for concurrent use.
type Stack struct {
	frames []Frame
}

// Push places f on top.
func (s *Stack) Push(f Frame) {
	s.frames = append(s.frames, f)
}

// Peek returns the top frame, or nil when empty.
func (s *Stack) Peek() Frame {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// Pop removes and returns the top frame, or nil when empty.
func (s *Stack) Pop() Frame {
	n := len(s.frames)
	if n == 0 {
		return nil
	}
	f := s.frames[n-1]
	s.frames[n-1] = nil
	s.frames = s.frames[:n-1]
	return f
}

// Len returns the number of frames.
func (s *Stack) Len() int { return len(s.frames) }

// Empty reports whether no frames remain.
func (s *Stack) Empty() bool { return len(s.frames) == 0 }

// Ledger is the set of oids already yielded by one traversal.
type Ledger struct {
	seen map[objectstore.OID]struct{}
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{seen: make(map[objectstore.OID]struct{})}
}

// Add records oid and reports whether it was new.
func (l *Ledger) Add(oid objectstore.OID) bool {
	if _, ok := l.seen[oid]; ok {
		return false
	}
	l.seen[oid] = struct{}{}
	return true
}

// Has reports whether oid was already recorded.
func (l *Ledger) Has(oid objectstore.OID) bool {
	_, ok := l.seen[oid]
	return ok
}

// Len returns the number of recorded oids.
func (l *Ledger) Len() int { return len(l.seen) }
