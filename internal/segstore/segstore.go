// Package segstore implements the append-growable segment store backing
// segments.bin: a file of fixed-size segments, each holding a one-byte
// local depth and 64 fixed-size buckets.
package segstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/xhashdb/xhash/internal/bucket"
	"github.com/xhashdb/xhash/pkg/fs"
)

const (
	// HeaderSize is the length of the num_segments header at the start of
	// the file.
	HeaderSize = 4

	// BucketsPerSegment is the fixed number of buckets in every segment.
	BucketsPerSegment = 64

	// SegmentSize is the on-disk length of one segment: a one-byte local
	// depth followed by BucketsPerSegment buckets.
	SegmentSize = 1 + BucketsPerSegment*bucket.Size
)

// ErrCorrupt is returned when the backing file's contents are structurally
// inconsistent with the segment store format (an unreadable header, a file
// shorter than its header's segment count requires, an out-of-range index,
// or an impossible depth byte).
var ErrCorrupt = errors.New("segstore: corrupt segment store")

// Ref identifies an open segment: its index, its local depth as last read,
// and the absolute byte offset of the segment's depth byte within the file.
type Ref struct {
	Index  uint32
	Depth  uint8
	Offset int64
}

// bucketOffset returns the absolute file offset of bucket k within the
// segment referenced by r.
func (r Ref) bucketOffset(k uint32) int64 {
	return r.Offset + 1 + int64(k)*bucket.Size
}

// Store is the append-growable segment file. The backing file is opened
// through an injected fs.FS so production code uses fs.Real while tests can
// substitute fs.Chaos or fs.Crash.
//
// All positional access goes through a single io mutex: the fs.File
// abstraction exposes Seek+Read/Write (to stay implementable by the fault
// injection test doubles, which don't support pread/pwrite), so a seek
// followed by a read or write must be atomic with respect to every other
// access to the same handle.
type Store struct {
	f fs.File

	ioMu sync.Mutex

	headerMu    sync.Mutex
	numSegments atomic.Uint32
}

// Open opens the segment store at path, creating and initializing it if it
// doesn't exist: a fresh store has num_segments = 1 and a single segment 0
// with depth 0 and all-zero buckets.
func Open(fsys fs.FS, path string) (*Store, error) {
	existed, err := fsys.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("segstore: stat %s: %w", path, err)
	}

	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segstore: open %s: %w", path, err)
	}

	s := &Store{f: f}

	if !existed {
		if err := s.init(); err != nil {
			_ = f.Close()
			return nil, err
		}

		return s, nil
	}

	if err := s.load(); err != nil {
		_ = f.Close()
		return nil, err
	}

	return s, nil
}

// init sets up a brand-new, empty backing file.
func (s *Store) init() error {
	if err := s.writeHeader(0); err != nil {
		return err
	}

	if _, err := s.allocateLocked(0, nil); err != nil {
		return err
	}

	return nil
}

// load validates an existing backing file and primes the cached segment
// count.
func (s *Store) load() error {
	hdr := make([]byte, HeaderSize)
	if err := s.readAt(0, hdr); err != nil {
		return fmt.Errorf("%w: reading header: %w", ErrCorrupt, err)
	}

	n := binary.LittleEndian.Uint32(hdr)

	info, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("segstore: stat: %w", err)
	}

	want := int64(HeaderSize) + int64(n)*SegmentSize
	if info.Size() < want {
		return fmt.Errorf("%w: file size %d shorter than %d segments require (%d)",
			ErrCorrupt, info.Size(), n, want)
	}

	s.numSegments.Store(n)

	return nil
}

// NumSegments atomically returns the current segment count.
func (s *Store) NumSegments() uint32 {
	return s.numSegments.Load()
}

// Segment reads the one-byte depth of segment idx and returns a Ref to it.
func (s *Store) Segment(idx uint32) (Ref, error) {
	if idx >= s.NumSegments() {
		return Ref{}, fmt.Errorf("%w: segment index %d >= num_segments %d", ErrCorrupt, idx, s.NumSegments())
	}

	offset := segmentOffset(idx)

	var depthBuf [1]byte
	if err := s.readAt(offset, depthBuf[:]); err != nil {
		return Ref{}, fmt.Errorf("segstore: reading segment %d depth: %w", idx, err)
	}

	if depthBuf[0] > 64 {
		return Ref{}, fmt.Errorf("%w: segment %d has impossible depth %d", ErrCorrupt, idx, depthBuf[0])
	}

	return Ref{Index: idx, Depth: depthBuf[0], Offset: offset}, nil
}

// Bucket reads bucket k of segment seg.
func (s *Store) Bucket(seg Ref, k uint32) (bucket.Bucket, error) {
	if k >= BucketsPerSegment {
		panic(fmt.Sprintf("segstore: bucket index %d out of range", k))
	}

	off := seg.bucketOffset(k)

	buf := make([]byte, bucket.Size)
	if err := s.readAt(off, buf); err != nil {
		return bucket.Bucket{}, fmt.Errorf("segstore: reading segment %d bucket %d: %w", seg.Index, k, err)
	}

	return bucket.Decode(buf, off), nil
}

// WriteBucket writes b back to its remembered offset and flushes.
func (s *Store) WriteBucket(b bucket.Bucket) error {
	buf := make([]byte, bucket.Size)
	b.Encode(buf)

	if err := s.writeAt(b.Offset, buf); err != nil {
		return fmt.Errorf("segstore: writing bucket at %d: %w", b.Offset, err)
	}

	return s.sync()
}

// Allocate appends a new, all-zero segment with the given depth and returns
// a Ref to it. The body is written and flushed before num_segments is
// incremented, so a reader who observes the larger count can always read a
// fully-written segment.
func (s *Store) Allocate(depth uint8) (Ref, error) {
	return s.allocateLocked(depth, nil)
}

// AllocateWithBuckets appends a new segment with the given depth, populated
// with the 64 provided buckets instead of zeros.
func (s *Store) AllocateWithBuckets(buckets [BucketsPerSegment]bucket.Bucket, depth uint8) (Ref, error) {
	return s.allocateLocked(depth, &buckets)
}

// allocateLocked implements both Allocate and AllocateWithBuckets; a nil
// buckets pointer means "all zero".
func (s *Store) allocateLocked(depth uint8, buckets *[BucketsPerSegment]bucket.Bucket) (Ref, error) {
	s.headerMu.Lock()
	defer s.headerMu.Unlock()

	idx := s.numSegments.Load()
	offset := segmentOffset(idx)

	body := make([]byte, SegmentSize)
	body[0] = depth

	if buckets != nil {
		for k := 0; k < BucketsPerSegment; k++ {
			buckets[k].Encode(body[1+k*bucket.Size : 1+(k+1)*bucket.Size])
		}
	}

	if err := s.writeAt(offset, body); err != nil {
		return Ref{}, fmt.Errorf("segstore: writing new segment %d: %w", idx, err)
	}

	if err := s.sync(); err != nil {
		return Ref{}, err
	}

	if err := s.writeHeader(idx + 1); err != nil {
		return Ref{}, err
	}

	s.numSegments.Store(idx + 1)

	return Ref{Index: idx, Depth: depth, Offset: offset}, nil
}

// UpdateSegment overwrites just the one-byte depth field of the segment
// referenced by seg, using seg.Depth as the new value.
func (s *Store) UpdateSegment(seg Ref) error {
	if err := s.writeAt(seg.Offset, []byte{seg.Depth}); err != nil {
		return fmt.Errorf("segstore: updating segment %d depth: %w", seg.Index, err)
	}

	return s.sync()
}

// Close closes the backing file.
func (s *Store) Close() error {
	return s.f.Close()
}

func (s *Store) writeHeader(n uint32) error {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[:], n)

	if err := s.writeAt(0, buf[:]); err != nil {
		return fmt.Errorf("segstore: writing header: %w", err)
	}

	return s.sync()
}

func segmentOffset(idx uint32) int64 {
	return HeaderSize + int64(idx)*SegmentSize
}

func (s *Store) sync() error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("segstore: sync: %w", err)
	}

	return nil
}

func (s *Store) readAt(offset int64, buf []byte) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if _, err := s.f.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	_, err := io.ReadFull(s.f, buf)

	return err
}

func (s *Store) writeAt(offset int64, buf []byte) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if _, err := s.f.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	_, err := s.f.Write(buf)

	return err
}
