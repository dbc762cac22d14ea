// Package shmcache provides a key/value cache in a memory-mapped region
// shared by independent processes.
//
// A region is a fixed-size file (under /dev/shm by default) identified by a
// namespace or a filename. Every handle opened on the same identity, in any
// process, operates on the same region and sees writes immediately. The
// cache never evicts: when the region or its index is exhausted, writes fail
// with [ErrOutOfSpace] or [ErrFull].
//
// # Basic Usage
//
//	c, err := shmcache.Open(shmcache.Options{
//	    Namespace: "sessions",
//	    Size:      64 << 20,
//	})
//	if err != nil {
//	    // handle [ErrLayoutMismatch]/[ErrCorrupt] by dropping and recreating
//	}
//	defer c.Close()
//
//	err = c.Set([]byte("user:1"), []byte("alice"))
//	value, found, err := c.Get([]byte("user:1"))
//	removed, err := c.Delete([]byte("user:1"))
//
//	st, err := c.Status() // free_bytes, free_chunks, largest_chunk, ...
//
//	err = shmcache.Drop(shmcache.DropOptions{Namespace: "sessions"})
//
// # Storage
//
// The region holds a 256-byte header, a size-class table, the key index, a
// slab table, and 4 KiB slabs. Each slab is carved into chunks of one size
// class. A record (key and value) lives in one chunk of the smallest class
// that fits, or in a chain of slab-sized chunks plus one smaller tail chunk.
// All links are offsets, so they are valid in every process.
//
// # Concurrency
//
// Operations are linearized by a flock(2) on "<path>.lock": shared for
// reads, exclusive for writes. A process that dies holding the lock releases
// it automatically. If it died in the middle of a write, the next lock
// holder sees an odd header generation and resets the region to empty;
// [Info.Recoveries] counts such resets.
//
// # Error Handling
//
// Capacity errors ([ErrOutOfSpace], [ErrFull]) leave the cache unchanged.
//
// Rebuild errors ([ErrCorrupt], [ErrLayoutMismatch]): [Drop] the region and
// open it again.
//
// [ErrStaleRegion]: the region was dropped or removed. Close the handle and
// open it again.
//
// Transient errors ([ErrBusy]): retry after a short delay.
package shmcache
