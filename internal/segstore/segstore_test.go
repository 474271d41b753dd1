package segstore_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xhashdb/xhash/internal/bucket"
	"github.com/xhashdb/xhash/internal/segstore"
	"github.com/xhashdb/xhash/pkg/fs"
)

func TestOpenFreshLayout(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "segments.bin")

	s, err := segstore.Open(fsys, path)
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, uint32(1), s.NumSegments())

	info, err := fsys.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(segstore.HeaderSize)+segstore.SegmentSize, info.Size())

	seg, err := s.Segment(0)
	require.NoError(t, err)
	require.Equal(t, uint8(0), seg.Depth)

	b, err := s.Bucket(seg, 0)
	require.NoError(t, err)

	for _, r := range b.Records {
		require.True(t, r.Empty())
	}
}

func TestReopenPreservesState(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "segments.bin")

	s1, err := segstore.Open(fsys, path)
	require.NoError(t, err)

	seg, err := s1.Segment(0)
	require.NoError(t, err)

	b, err := s1.Bucket(seg, 3)
	require.NoError(t, err)

	_, err = b.Put(123, 456, 0)
	require.NoError(t, err)
	require.NoError(t, s1.WriteBucket(b))
	require.NoError(t, s1.Close())

	s2, err := segstore.Open(fsys, path)
	require.NoError(t, err)
	defer s2.Close()

	require.Equal(t, uint32(1), s2.NumSegments())

	seg2, err := s2.Segment(0)
	require.NoError(t, err)

	b2, err := s2.Bucket(seg2, 3)
	require.NoError(t, err)

	rec, ok := b2.Get(123)
	require.True(t, ok)
	require.Equal(t, uint64(456), rec.Value)
}

func TestAllocateAppendsSegment(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "segments.bin")

	s, err := segstore.Open(fsys, path)
	require.NoError(t, err)
	defer s.Close()

	seg, err := s.Allocate(1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), seg.Index)
	require.Equal(t, uint8(1), seg.Depth)
	require.Equal(t, uint32(2), s.NumSegments())

	info, err := fsys.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(segstore.HeaderSize)+2*segstore.SegmentSize, info.Size())
}

func TestAllocateWithBucketsPopulatesRecords(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "segments.bin")

	s, err := segstore.Open(fsys, path)
	require.NoError(t, err)
	defer s.Close()

	var bkts [segstore.BucketsPerSegment]bucket.Bucket
	_, err = bkts[5].Put(9, 99, 0)
	require.NoError(t, err)

	seg, err := s.AllocateWithBuckets(bkts, 1)
	require.NoError(t, err)

	b, err := s.Bucket(seg, 5)
	require.NoError(t, err)

	rec, ok := b.Get(9)
	require.True(t, ok)
	require.Equal(t, uint64(99), rec.Value)
}

func TestUpdateSegmentDepth(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "segments.bin")

	s, err := segstore.Open(fsys, path)
	require.NoError(t, err)
	defer s.Close()

	seg, err := s.Segment(0)
	require.NoError(t, err)

	seg.Depth = 1
	require.NoError(t, s.UpdateSegment(seg))

	got, err := s.Segment(0)
	require.NoError(t, err)
	require.Equal(t, uint8(1), got.Depth)
}

func TestSegmentOutOfRange(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "segments.bin")

	s, err := segstore.Open(fsys, path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Segment(1)
	require.ErrorIs(t, err, segstore.ErrCorrupt)
}

// TestCrashDurabilityRequiresSync drives the store through fs.Crash: a
// WriteBucket followed by a synced Close must survive a simulated crash,
// since segstore's I/O is all ordinary File.Write/Sync calls that fs.Crash
// tracks.
func TestCrashDurabilityRequiresSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segments.bin")

	crash, err := fs.NewCrash(t, fs.NewReal(), &fs.CrashConfig{})
	require.NoError(t, err)

	s, err := segstore.Open(crash, path)
	require.NoError(t, err)

	seg, err := s.Segment(0)
	require.NoError(t, err)

	b, err := s.Bucket(seg, 0)
	require.NoError(t, err)

	_, err = b.Put(42, 100, 0)
	require.NoError(t, err)
	require.NoError(t, s.WriteBucket(b))
	require.NoError(t, s.Close())

	require.NoError(t, crash.SimulateCrash())

	reopened, err := segstore.Open(crash, path)
	require.NoError(t, err)
	defer reopened.Close()

	seg, err = reopened.Segment(0)
	require.NoError(t, err)

	got, err := reopened.Bucket(seg, 0)
	require.NoError(t, err)

	rec, ok := got.Get(42)
	require.True(t, ok)
	require.Equal(t, uint64(100), rec.Value)
}

func TestBucketIndexOutOfRangePanics(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "segments.bin")

	s, err := segstore.Open(fsys, path)
	require.NoError(t, err)
	defer s.Close()

	seg, err := s.Segment(0)
	require.NoError(t, err)

	require.Panics(t, func() {
		_, _ = s.Bucket(seg, segstore.BucketsPerSegment)
	})
}
