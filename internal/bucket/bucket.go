// Package bucket implements the fixed-capacity, 16-record leaf storage unit
// of a segment, including the insertion-slot policy that lets a segment
// split leave stale records in place instead of rewriting them immediately.
package bucket

import (
	"errors"

	"github.com/xhashdb/xhash/internal/record"
)

// Count is the number of record slots in a bucket (B in the design).
const Count = 16

// Size is the encoded length of a Bucket in bytes.
const Size = Count * record.Size

// ErrFull is returned by Put when every slot is occupied by a still-owned
// record. The engine catches this internally to trigger a segment split; it
// must never reach a caller of Engine.Put.
var ErrFull = errors.New("bucket: full")

// Bucket is a fixed array of Count record slots. Offset is the byte offset
// of this bucket within the backing segment store file, remembered so a
// caller can write the bucket back without recomputing its position.
type Bucket struct {
	Records [Count]record.Record
	Offset  int64
}

// Decode parses a Size-byte little-endian buffer into a Bucket. offset is
// stored verbatim for later write-back.
func Decode(src []byte, offset int64) Bucket {
	_ = src[Size-1]

	var b Bucket
	b.Offset = offset

	for i := 0; i < Count; i++ {
		b.Records[i] = record.Decode(src[i*record.Size : (i+1)*record.Size])
	}

	return b
}

// Encode writes the little-endian representation of b into dst, which must
// be at least Size bytes long.
func (b Bucket) Encode(dst []byte) {
	_ = dst[Size-1]

	for i := 0; i < Count; i++ {
		b.Records[i].Encode(dst[i*record.Size : (i+1)*record.Size])
	}
}

// Get performs a linear scan and returns the first record whose hash key
// equals hk.
func (b Bucket) Get(hk uint64) (record.Record, bool) {
	for _, r := range b.Records {
		if !r.Empty() && r.HashKey == hk {
			return r, true
		}
	}

	return record.Record{}, false
}

// Put chooses an insertion slot for (hk, value) following the four-rule
// policy (empty slot, exact-key overwrite, soft-deleted slot reuse, else
// keep scanning) and writes the record there. localDepth is the owning
// segment's current local depth at the time of the call; at localDepth == 0
// rule 3 (soft-delete reuse) is disabled since there are no discriminating
// bits yet.
//
// Put returns ErrFull if no slot could be chosen.
func (b *Bucket) Put(hk, value uint64, localDepth uint8) (slot int, err error) {
	for i := range b.Records {
		cur := b.Records[i]

		switch {
		case cur.Empty():
			b.Records[i] = record.Record{HashKey: hk, Value: value}
			return i, nil
		case cur.HashKey == hk:
			b.Records[i] = record.Record{HashKey: hk, Value: value}
			return i, nil
		case localDepth > 0 && !sharesPrefix(cur.HashKey, hk, localDepth):
			// Soft-deleted: left behind by a prior split, no longer owned
			// by this bucket's segment at the current depth. Reclaim it.
			b.Records[i] = record.Record{HashKey: hk, Value: value}
			return i, nil
		}
	}

	return 0, ErrFull
}

// sharesPrefix reports whether a and b agree on their top depth bits.
func sharesPrefix(a, b uint64, depth uint8) bool {
	if depth == 0 {
		return true
	}

	shift := 64 - depth
	return (a >> shift) == (b >> shift)
}
