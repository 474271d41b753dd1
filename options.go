package xhash

import (
	"fmt"

	"github.com/xhashdb/xhash/internal/locks"
	"github.com/xhashdb/xhash/pkg/fs"
)

// Options configures Open. The only required field is Dir.
type Options struct {
	// Dir is the directory holding segments.bin and directory.bin. It is
	// created if it doesn't already exist.
	Dir string

	// Seed parameterizes the default Hasher. Ignored if Hasher is set.
	// Must be reproduced identically across opens of the same database.
	Seed [32]byte

	// Hasher overrides the default SHA-256-based hash. Optional.
	Hasher Hasher

	// SegmentStripes is the width of the per-segment striped lock pool.
	// Defaults to locks.DefaultStripes.
	SegmentStripes int

	// BucketStripes is the width of the per-bucket striped lock pool.
	// Defaults to locks.DefaultStripes.
	BucketStripes int

	// FS is the filesystem abstraction used for all file I/O. Defaults to
	// fs.NewReal(). Tests substitute fs.Chaos or fs.Crash.
	FS fs.FS
}

func (o *Options) setDefaults() {
	if o.FS == nil {
		o.FS = fs.NewReal()
	}

	if o.Hasher == nil {
		o.Hasher = NewHasher(o.Seed)
	}

	if o.SegmentStripes <= 0 {
		o.SegmentStripes = locks.DefaultStripes
	}

	if o.BucketStripes <= 0 {
		o.BucketStripes = locks.DefaultStripes
	}
}

func (o Options) validate() error {
	if o.Dir == "" {
		return fmt.Errorf("%w: Dir must not be empty", ErrInvalidOptions)
	}

	return nil
}
