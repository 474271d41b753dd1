// Package splitmath holds the pure bit arithmetic behind directory lookup
// and the segment split protocol. None of it touches disk or takes a lock;
// it exists so the tricky shift-and-mask formulas can be unit- and
// fuzz-tested in isolation from the concurrent engine that calls them.
package splitmath

// DirIndex computes the directory slot for prefix word h0 at global depth D:
// the top D bits of h0, interpreted as a big-endian integer. D == 0 is
// special-cased explicitly instead of relying on a 64-bit shift by 64,
// which Go defines as zero but C and Rust do not.
func DirIndex(h0 uint64, globalDepth uint8) uint64 {
	if globalDepth == 0 {
		return 0
	}

	return h0 >> (64 - globalDepth)
}

// BucketIndex computes the in-segment bucket selector from prefix word h3:
// its low 6 bits, since a segment holds exactly 64 buckets.
func BucketIndex(h3 uint64) uint32 {
	return uint32(h3 & 63)
}

// MovesToSibling reports whether a record with stored hash hk belongs to the
// new (upper) sibling segment once a split raises the owning segment's local
// depth to newDepth. newDepth must be at least 1 — a split always increases
// depth by exactly one from whatever it was before.
func MovesToSibling(hk uint64, newDepth uint8) bool {
	shift := 64 - newDepth
	return (hk>>shift)&1 == 1
}

// Span returns the number of directory slots that point at a segment with
// local depth ld when the directory's global depth is gd. gd must be >= ld.
func Span(globalDepth, localDepth uint8) uint64 {
	return uint64(1) << (globalDepth - localDepth)
}

// RewireStep returns the number of directory slots the new sibling segment
// claims out of the span currently occupied by the old segment, once the
// old segment's local depth becomes newDepth under a directory at
// newGlobalDepth.
func RewireStep(newGlobalDepth, newDepth uint8) uint64 {
	return uint64(1) << (newGlobalDepth - newDepth)
}

// RewireStart computes the first directory slot of the contiguous,
// power-of-two-aligned run currently pointing at the segment being split,
// given the segment's prefix hk, its local depth before the split (ld), and
// the directory's global depth after any grow the split triggered (gd).
//
// This is the formula the design notes flag as having carried a
// "TODO: refactor" in the source the spec was distilled from; it is
// implemented exactly as specified, verified against the literal worked
// example in the split-protocol test scenarios.
func RewireStart(hk uint64, localDepth, newGlobalDepth uint8) uint64 {
	var prefix uint64
	if localDepth != 0 {
		prefix = hk >> (64 - localDepth)
	}

	start := prefix << (newGlobalDepth - localDepth)

	// Align down to guarantee buddy alignment.
	start -= start % 2

	return start
}
