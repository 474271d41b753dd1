package xhash

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/xhashdb/xhash/internal/bucket"
	"github.com/xhashdb/xhash/internal/directory"
	"github.com/xhashdb/xhash/internal/locks"
	"github.com/xhashdb/xhash/internal/segstore"
	"github.com/xhashdb/xhash/internal/splitmath"
	"github.com/xhashdb/xhash/pkg/fs"
)

const (
	segmentsFileName  = "segments.bin"
	directoryFileName = "directory.bin"
)

// Engine is the top-level coordinator: it owns the directory, the segment
// store, the lock tables, and the hasher, and exposes Put/Get. An Engine is
// safe for concurrent use by multiple goroutines.
type Engine struct {
	fsys fs.FS
	dir  *directory.Directory
	segs *segstore.Store

	segLocks    *locks.Striped
	bucketLocks *locks.Striped

	hasher Hasher

	closed atomic.Bool
}

// Open opens (creating if necessary) the database rooted at opts.Dir.
func Open(opts Options) (*Engine, error) {
	opts.setDefaults()

	if err := opts.validate(); err != nil {
		return nil, err
	}

	if err := opts.FS.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("xhash: creating %s: %w", opts.Dir, err)
	}

	segs, err := segstore.Open(opts.FS, filepath.Join(opts.Dir, segmentsFileName))
	if err != nil {
		return nil, err
	}

	dir, err := directory.Open(opts.FS, filepath.Join(opts.Dir, directoryFileName))
	if err != nil {
		_ = segs.Close()
		return nil, err
	}

	return &Engine{
		fsys:        opts.FS,
		dir:         dir,
		segs:        segs,
		segLocks:    locks.New(opts.SegmentStripes),
		bucketLocks: locks.New(opts.BucketStripes),
		hasher:      opts.Hasher,
	}, nil
}

// Close releases the engine's open files. Close is idempotent: calling it
// more than once returns ErrClosed after the first call.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	dirErr := e.dir.Close()
	segErr := e.segs.Close()

	if dirErr != nil {
		return dirErr
	}

	return segErr
}

// Put inserts or overwrites the value for key.
func (e *Engine) Put(key []byte, value uint64) error {
	if e.closed.Load() {
		return ErrClosed
	}

	h := e.hasher.Hash(key)
	bktIdx := splitmath.BucketIndex(h[3])

	for {
		segIdx := e.dir.SegmentIndex(h[0])

		e.segLocks.RLock(uint64(segIdx))

		if confirmed := e.dir.SegmentIndex(h[0]); confirmed != segIdx {
			e.segLocks.RUnlock(uint64(segIdx))
			continue
		}

		seg, err := e.segs.Segment(segIdx)
		if err != nil {
			e.segLocks.RUnlock(uint64(segIdx))
			return err
		}

		bkey := locks.BucketKey(segIdx, bktIdx)
		e.bucketLocks.Lock(bkey)

		b, err := e.segs.Bucket(seg, bktIdx)
		if err != nil {
			e.bucketLocks.Unlock(bkey)
			e.segLocks.RUnlock(uint64(segIdx))
			return err
		}

		_, putErr := b.Put(h[0], value, seg.Depth)
		if putErr == nil {
			writeErr := e.segs.WriteBucket(b)

			e.bucketLocks.Unlock(bkey)
			e.segLocks.RUnlock(uint64(segIdx))

			return writeErr
		}

		e.bucketLocks.Unlock(bkey)

		if !errors.Is(putErr, bucket.ErrFull) {
			e.segLocks.RUnlock(uint64(segIdx))
			return putErr
		}

		// Bucket full: drop the read lock and upgrade to a write lock to
		// run the split protocol. sync.RWMutex has no atomic upgrade, so
		// another goroutine may run first; re-read the segment under the
		// write lock and only split if it's still in the state we saw.
		e.segLocks.RUnlock(uint64(segIdx))
		e.segLocks.Lock(uint64(segIdx))

		seg2, err := e.segs.Segment(segIdx)
		if err != nil {
			e.segLocks.Unlock(uint64(segIdx))
			return err
		}

		if seg2.Depth == seg.Depth {
			if err := e.split(seg2, h[0]); err != nil {
				e.segLocks.Unlock(uint64(segIdx))
				return err
			}
		}

		e.segLocks.Unlock(uint64(segIdx))
		// Retry the whole operation from the top: the directory may now
		// route h[0] to a different segment, or the split may have freed
		// room in the one we already have.
	}
}

// Get looks up key and reports whether it was found.
func (e *Engine) Get(key []byte) (uint64, bool, error) {
	if e.closed.Load() {
		return 0, false, ErrClosed
	}

	h := e.hasher.Hash(key)
	bktIdx := splitmath.BucketIndex(h[3])

	for {
		segIdx := e.dir.SegmentIndex(h[0])

		e.segLocks.RLock(uint64(segIdx))

		if confirmed := e.dir.SegmentIndex(h[0]); confirmed != segIdx {
			e.segLocks.RUnlock(uint64(segIdx))
			continue
		}

		seg, err := e.segs.Segment(segIdx)
		if err != nil {
			e.segLocks.RUnlock(uint64(segIdx))
			return 0, false, err
		}

		b, err := e.segs.Bucket(seg, bktIdx)

		e.segLocks.RUnlock(uint64(segIdx))

		if err != nil {
			return 0, false, err
		}

		rec, ok := b.Get(h[0])
		if !ok {
			return 0, false, nil
		}

		return rec.Value, true, nil
	}
}

// split runs the split protocol (design §4.5) on seg, which must be held
// under the caller's segment write lock. hk is the hash key (h[0]) of the
// put that triggered the overflow; it is only used to derive the directory
// rewiring range, not to identify which records move.
func (e *Engine) split(seg segstore.Ref, hk uint64) error {
	ld := seg.Depth
	if ld >= 64 {
		return ErrDepthExhausted
	}

	gd, err := e.dir.GrowIfEq(ld)
	if err != nil {
		return err
	}

	nd := ld + 1

	var newBuckets [segstore.BucketsPerSegment]bucket.Bucket

	for k := uint32(0); k < segstore.BucketsPerSegment; k++ {
		old, err := e.segs.Bucket(seg, k)
		if err != nil {
			return err
		}

		var fresh bucket.Bucket

		next := 0

		for _, r := range old.Records {
			if r.Empty() || !splitmath.MovesToSibling(r.HashKey, nd) {
				continue
			}

			if next >= bucket.Count {
				return fmt.Errorf("%w: split redistribution overflowed a fresh bucket", ErrDepthExhausted)
			}

			fresh.Records[next] = r
			next++
		}

		newBuckets[k] = fresh
	}

	newSeg, err := e.segs.AllocateWithBuckets(newBuckets, nd)
	if err != nil {
		return err
	}

	step := splitmath.RewireStep(gd, nd)
	start := splitmath.RewireStart(hk, ld, gd)

	for i := uint64(0); i < step; i++ {
		e.dir.SetSegmentIndex(start+step+i, newSeg.Index)
	}

	seg.Depth = nd

	return e.segs.UpdateSegment(seg)
}
