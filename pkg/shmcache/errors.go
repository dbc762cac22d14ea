package shmcache

import "errors"

// Sentinel errors returned by shmcache operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, shmcache.ErrOutOfSpace) {
//	    // value not stored, previous value (if any) is intact
//	}
var (
	// ErrOutOfSpace indicates the allocator has no chunk chain large enough
	// for the record.
	//
	// The cache never evicts. The previous value of the key, if any, is
	// still stored.
	//
	// Recovery: delete keys, [Cache.Clear], or recreate the region with a
	// larger [Options.Size].
	ErrOutOfSpace = errors.New("shmcache: out of space")

	// ErrFull indicates the key index reached its fixed capacity.
	//
	// Recovery: delete keys, or recreate the region with a larger
	// [Options.IndexCapacity].
	ErrFull = errors.New("shmcache: index full")

	// ErrStaleRegion indicates the region behind a handle was dropped or its
	// backing file was removed or replaced.
	//
	// Every later operation on the handle fails with this error.
	//
	// Recovery: [Cache.Close] the handle and [Open] again.
	ErrStaleRegion = errors.New("shmcache: stale region")

	// ErrLayoutMismatch indicates the region was created with a different
	// layout version, or with geometry options that differ from the ones
	// passed to [Open].
	//
	// Recovery: [Drop] the region and recreate it, or open it with matching
	// options.
	ErrLayoutMismatch = errors.New("shmcache: layout mismatch")

	// ErrCorrupt indicates an internal consistency check failed, for example
	// a header checksum mismatch or a chunk chain pointing outside the region.
	//
	// Recovery: [Drop] the region and recreate it.
	ErrCorrupt = errors.New("shmcache: corrupt")

	// ErrClosed indicates the [Cache] has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("shmcache: closed")

	// ErrInvalidInput indicates invalid arguments were provided.
	//
	// Common causes: key longer than [MaxKeySize], value longer
	// than [MaxValueSize], options out of range.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("shmcache: invalid input")

	// ErrBusy indicates the region lock could not be acquired within
	// [Options.LockTimeout].
	//
	// Recovery: retry after a short delay with backoff.
	ErrBusy = errors.New("shmcache: busy")
)
