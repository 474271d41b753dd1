// Package xhash implements an on-disk, concurrent, extendible-hash
// key/value index. Keys are opaque byte strings; values are fixed-width
// 64-bit integers.
//
// The index is backed by two files in a directory: segments.bin, an
// append-growable file of fixed-size segments each holding 64 fixed-size
// buckets of records, and directory.bin, a memory-mapped table mapping a
// dynamic-width hash prefix to a segment index. Bucket overflow triggers a
// local split: the owning segment's local depth is raised by one, a sibling
// segment is allocated, records are redistributed between the two, and the
// directory is rewired (growing it first if necessary).
//
//	eng, err := xhash.Open(xhash.Options{Dir: "/var/lib/mydb"})
//	if err != nil {
//		return err
//	}
//	defer eng.Close()
//
//	if err := eng.Put([]byte("k"), 42); err != nil {
//		return err
//	}
//
//	v, ok, err := eng.Get([]byte("k"))
package xhash
