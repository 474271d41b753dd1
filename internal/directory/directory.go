// Package directory implements the memory-mapped directory.bin file that
// maps a global-depth-bit prefix of a key's hash to a segment index, and the
// atomic grow-and-remap operation that doubles it.
package directory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/xhashdb/xhash/internal/splitmath"
	"github.com/xhashdb/xhash/pkg/fs"
)

// EntrySize is the encoded length of one directory entry (a segment index).
const EntrySize = 4

// ErrCorrupt is returned when the backing file's contents don't match the
// directory format.
var ErrCorrupt = errors.New("directory: corrupt directory file")

// Directory is the mmap'd directory.bin mapping. A single sync.RWMutex
// guards both the global depth and the mapping reference: readers take a
// read lock across both the depth read and the table lookup it feeds, and
// growers take the write lock long enough to build, publish, and remap a
// doubled table. A grow swaps the mapping wholesale rather than resizing
// it in place; the only in-place mutation is SetSegmentIndex overwriting a
// single entry, and that happens under the write lock, so no reader
// observes a torn table.
type Directory struct {
	fsys   fs.FS
	path   string
	writer *fs.AtomicWriter

	mu          sync.RWMutex
	f           fs.File
	mapping     []byte
	globalDepth uint8
}

// Open opens path, creating and initializing it (global_depth = 0, one
// entry pointing at segment 0) if it doesn't exist or is empty.
func Open(fsys fs.FS, path string) (*Directory, error) {
	existed, err := fsys.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("directory: stat %s: %w", path, err)
	}

	if existed {
		info, err := fsys.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("directory: stat %s: %w", path, err)
		}

		existed = info.Size() > 0
	}

	if !existed {
		initial := make([]byte, 1+EntrySize)
		if err := fsys.WriteFile(path, initial, 0o644); err != nil {
			return nil, fmt.Errorf("directory: creating %s: %w", path, err)
		}
	}

	f, mapping, err := mmapOpen(fsys, path)
	if err != nil {
		return nil, err
	}

	if len(mapping) < 1 {
		_ = unix.Munmap(mapping)
		_ = f.Close()
		return nil, fmt.Errorf("%w: file shorter than header", ErrCorrupt)
	}

	depth := mapping[0]

	want := 1 + EntrySize*(1<<depth)
	if len(mapping) != want {
		_ = unix.Munmap(mapping)
		_ = f.Close()
		return nil, fmt.Errorf("%w: depth %d implies %d bytes, file has %d", ErrCorrupt, depth, want, len(mapping))
	}

	return &Directory{
		fsys:        fsys,
		path:        path,
		writer:      fs.NewAtomicWriter(fsys),
		f:           f,
		mapping:     mapping,
		globalDepth: depth,
	}, nil
}

// mmapOpen opens path for read/write and maps its full current contents
// MAP_SHARED, so writes through the mapping (SetSegmentIndex) are visible to
// the file and to any later reopen.
func mmapOpen(fsys fs.FS, path string) (fs.File, []byte, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("directory: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("directory: stat %s: %w", path, err)
	}

	size := info.Size()
	if size == 0 {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%w: empty file", ErrCorrupt)
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("directory: mmap %s: %w", path, err)
	}

	return f, mapping, nil
}

// GlobalDepth returns the current global depth.
func (d *Directory) GlobalDepth() uint8 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.globalDepth
}

// SegmentIndex computes the directory index for prefix word h0 at the
// current global depth and returns the segment index stored there. The
// depth read and the table lookup happen under the same read guard, so a
// concurrent grow cannot be observed half-applied.
func (d *Directory) SegmentIndex(h0 uint64) uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	idx := splitmath.DirIndex(h0, d.globalDepth)

	return d.readEntryLocked(idx)
}

func (d *Directory) readEntryLocked(dirIdx uint64) uint32 {
	off := 1 + dirIdx*EntrySize
	return binary.LittleEndian.Uint32(d.mapping[off : off+EntrySize])
}

// SetSegmentIndex overwrites a single directory entry in place and flushes
// the mapping. dirIdx must be within [0, 2^global_depth); violating this is
// a programmer error (the caller derived dirIdx from a stale depth), not a
// recoverable condition, so it panics.
func (d *Directory) SetSegmentIndex(dirIdx uint64, segIdx uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if dirIdx >= uint64(1)<<d.globalDepth {
		panic(fmt.Sprintf("directory: index %d out of range for depth %d", dirIdx, d.globalDepth))
	}

	off := 1 + dirIdx*EntrySize
	binary.LittleEndian.PutUint32(d.mapping[off:off+EntrySize], segIdx)

	if err := unix.Msync(d.mapping, unix.MS_SYNC); err != nil {
		panic(fmt.Sprintf("directory: msync failed: %v", err))
	}
}

// GrowIfEq doubles the directory and increments global depth if and only if
// localDepth equals the directory's current global depth; otherwise it
// returns the depth unchanged. The new table is built as
// table'[2i] = table'[2i+1] = table[i] (buddy pairing) and written through
// the shared [fs.AtomicWriter] (temp file in the same directory, fsync,
// rename, fsync parent), so a crash mid-grow leaves either the old file or
// the fully-written new one, never a torn one, and the same [fs.FS] a test
// substitutes (fs.Chaos, fs.Crash) observes the write.
func (d *Directory) GrowIfEq(localDepth uint8) (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if localDepth != d.globalDepth {
		return d.globalDepth, nil
	}

	oldDepth := d.globalDepth
	oldEntries := uint64(1) << oldDepth
	newDepth := oldDepth + 1

	newBuf := make([]byte, 1+EntrySize*oldEntries*2)
	newBuf[0] = newDepth

	for i := uint64(0); i < oldEntries; i++ {
		e := d.readEntryLocked(i)

		for _, j := range [2]uint64{2 * i, 2*i + 1} {
			off := 1 + j*EntrySize
			binary.LittleEndian.PutUint32(newBuf[off:off+EntrySize], e)
		}
	}

	if err := d.writer.WriteWithDefaults(d.path, bytes.NewReader(newBuf)); err != nil {
		return 0, fmt.Errorf("directory: growing %s: %w", d.path, err)
	}

	if err := unix.Munmap(d.mapping); err != nil {
		return 0, fmt.Errorf("directory: unmapping old table: %w", err)
	}

	if err := d.f.Close(); err != nil {
		return 0, fmt.Errorf("directory: closing old handle: %w", err)
	}

	f, mapping, err := mmapOpen(d.fsys, d.path)
	if err != nil {
		return 0, err
	}

	d.f = f
	d.mapping = mapping
	d.globalDepth = newDepth

	return newDepth, nil
}

// Close unmaps and closes the backing file.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := unix.Munmap(d.mapping); err != nil {
		return fmt.Errorf("directory: unmapping: %w", err)
	}

	return d.f.Close()
}
