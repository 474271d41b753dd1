// Package record defines the on-disk 16-byte (hash_key, value) pair that is
// the leaf unit of storage for the index.
package record

import "encoding/binary"

// Size is the encoded length of a Record in bytes.
const Size = 16

// Record is a single (hash_key, value) slot. A zero Record denotes an empty
// slot; nothing else may legitimately take on the all-zero value, per the
// data model invariant that hash_key and value are never both zero for a
// live entry.
type Record struct {
	HashKey uint64
	Value   uint64
}

// Empty reports whether r represents an unoccupied slot.
func (r Record) Empty() bool {
	return r.HashKey == 0 && r.Value == 0
}

// Encode writes the little-endian representation of r into dst, which must
// be at least Size bytes long.
func (r Record) Encode(dst []byte) {
	_ = dst[Size-1]
	binary.LittleEndian.PutUint64(dst[0:8], r.HashKey)
	binary.LittleEndian.PutUint64(dst[8:16], r.Value)
}

// Decode reads a Record from its little-endian representation in src, which
// must be at least Size bytes long.
func Decode(src []byte) Record {
	_ = src[Size-1]
	return Record{
		HashKey: binary.LittleEndian.Uint64(src[0:8]),
		Value:   binary.LittleEndian.Uint64(src[8:16]),
	}
}
