package directory_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xhashdb/xhash/internal/directory"
	"github.com/xhashdb/xhash/pkg/fs"
)

func TestOpenFreshLayout(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "directory.bin")

	d, err := directory.Open(fsys, path)
	require.NoError(t, err)
	defer d.Close()

	require.Equal(t, uint8(0), d.GlobalDepth())
	require.Equal(t, uint32(0), d.SegmentIndex(0xffffffffffffffff))

	info, err := fsys.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(1+directory.EntrySize), info.Size())
}

func TestSetSegmentIndexIsVisibleImmediately(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "directory.bin")

	d, err := directory.Open(fsys, path)
	require.NoError(t, err)
	defer d.Close()

	d.SetSegmentIndex(0, 7)
	require.Equal(t, uint32(7), d.SegmentIndex(0))
}

func TestGrowIfEqDoublesAndBuddyPairs(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "directory.bin")

	d, err := directory.Open(fsys, path)
	require.NoError(t, err)
	defer d.Close()

	d.SetSegmentIndex(0, 3)

	newDepth, err := d.GrowIfEq(0)
	require.NoError(t, err)
	require.Equal(t, uint8(1), newDepth)
	require.Equal(t, uint8(1), d.GlobalDepth())

	// Both halves of the buddy pair must point at the original segment.
	require.Equal(t, uint32(3), d.SegmentIndex(0))
	require.Equal(t, uint32(3), d.SegmentIndex(uint64(1)<<63))

	info, err := fsys.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(1+directory.EntrySize*2), info.Size())
}

func TestGrowIfEqNoOpWhenDepthsDiffer(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "directory.bin")

	d, err := directory.Open(fsys, path)
	require.NoError(t, err)
	defer d.Close()

	newDepth, err := d.GrowIfEq(5)
	require.NoError(t, err)
	require.Equal(t, uint8(0), newDepth)
	require.Equal(t, uint8(0), d.GlobalDepth())
}

func TestReopenPreservesMapping(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "directory.bin")

	d1, err := directory.Open(fsys, path)
	require.NoError(t, err)

	_, err = d1.GrowIfEq(0)
	require.NoError(t, err)
	d1.SetSegmentIndex(1, 9)
	require.NoError(t, d1.Close())

	d2, err := directory.Open(fsys, path)
	require.NoError(t, err)
	defer d2.Close()

	require.Equal(t, uint8(1), d2.GlobalDepth())
	require.Equal(t, uint32(9), d2.SegmentIndex(uint64(1)<<63))
}

// TestGrowSurvivesCrash drives GrowIfEq through fs.Crash. GrowIfEq now
// writes the doubled table via the shared fs.AtomicWriter (temp file,
// fsync, rename, fsync dir) instead of calling os functions directly, so
// the whole operation is visible to Crash's durability tracking: a grow
// committed before SimulateCrash must come back intact on reopen.
func TestGrowSurvivesCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.bin")

	crash, err := fs.NewCrash(t, fs.NewReal(), &fs.CrashConfig{})
	require.NoError(t, err)

	d, err := directory.Open(crash, path)
	require.NoError(t, err)

	d.SetSegmentIndex(0, 3)

	newDepth, err := d.GrowIfEq(0)
	require.NoError(t, err)
	require.Equal(t, uint8(1), newDepth)
	require.NoError(t, d.Close())

	require.NoError(t, crash.SimulateCrash())

	reopened, err := directory.Open(crash, path)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, uint8(1), reopened.GlobalDepth())
	require.Equal(t, uint32(3), reopened.SegmentIndex(0))
	require.Equal(t, uint32(3), reopened.SegmentIndex(uint64(1)<<63))
}

func TestSetSegmentIndexOutOfRangePanics(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "directory.bin")

	d, err := directory.Open(fsys, path)
	require.NoError(t, err)
	defer d.Close()

	require.Panics(t, func() {
		d.SetSegmentIndex(1, 0)
	})
}
