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

import "encoding/binary"

// Key layout:
//
//	o/<oid><rid>       -> JSON-encoded Object as committed in rid
//	t/<type>/<oid>     -> empty (type index of the latest versions)
//	r/<rid><oid>       -> type name (revision membership)
//	v/<rid>            -> JSON-encoded Revision
//	m/next_rid         -> last allocated revision id
//
// Integers are 8-byte big-endian so prefix iteration returns them in
// ascending order.
const (
	prefixObject   = "o/"
	prefixType     = "t/"
	prefixRevision = "r/"
	prefixRevMeta  = "v/"
)

var keyNextRevision = []byte("m/next_rid")

func putUint64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

func objectPrefix(oid OID) []byte {
	return putUint64([]byte(prefixObject), uint64(oid))
}

func objectVersionKey(oid OID, rid uint64) []byte {
	return putUint64(objectPrefix(oid), rid)
}

func typePrefix(typeName string) []byte {
	b := make([]byte, 0, len(prefixType)+len(typeName)+1)
	b = append(b, prefixType...)
	b = append(b, typeName...)
	return append(b, '/')
}

func typeKey(typeName string, oid OID) []byte {
	return putUint64(typePrefix(typeName), uint64(oid))
}

func revisionPrefix(rid int64) []byte {
	return putUint64([]byte(prefixRevision), uint64(rid))
}

func revisionKey(rid int64, oid OID) []byte {
	return putUint64(revisionPrefix(rid), uint64(oid))
}

func revisionMetaKey(rid int64) []byte {
	return putUint64([]byte(prefixRevMeta), uint64(rid))
}

// trailingOID decodes the oid stored in the last 8 bytes of an index key.
func trailingOID(key []byte) (OID, bool) {
	if len(key) < 8 {
		return 0, false
	}
	return OID(binary.BigEndian.Uint64(key[len(key)-8:])), true
}
