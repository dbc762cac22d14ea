package shmcache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/calvinalkan/shmcache/pkg/region"
)

// DropOptions configures [Drop].
type DropOptions struct {
	// Namespace or Filename identifies the region, as in [Options].
	Namespace string
	Filename  string

	// Dir overrides the namespaces root.
	Dir string

	// Force drops the region without waiting for the region lock. A holder
	// in the middle of an operation may observe the drop partway through.
	Force bool

	// LockTimeout bounds the wait for the region lock when Force is false.
	// Zero waits indefinitely.
	LockTimeout time.Duration
}

// Drop destroys the region for an identity.
//
// The region is marked dropped and its backing file is unlinked. Handles
// still attached fail every later operation with [ErrStaleRegion]; the next
// [Open] of the identity creates an empty region. Dropping an identity
// that has no region succeeds. The lock file is kept.
//
// Possible errors: [ErrInvalidInput], [ErrBusy], and filesystem errors.
func Drop(opts DropOptions) error {
	id := region.Identity{Namespace: opts.Namespace, Filename: opts.Filename}
	if err := id.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	if opts.LockTimeout < 0 || opts.LockTimeout > maxLockTimeout {
		return fmt.Errorf("lock timeout %s out of range [0, %s]: %w", opts.LockTimeout, maxLockTimeout, ErrInvalidInput)
	}

	for {
		done, err := dropOnce(id, opts)
		if err != nil || done {
			return err
		}
	}
}

// dropOnce reports false when the identity was replaced by a new file
// between attach and lock, so the caller must retry against the new file.
func dropOnce(id region.Identity, opts DropOptions) (bool, error) {
	reg, err := region.Attach(id, opts.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}

		return false, mapRegionError(err)
	}
	defer func() { _ = reg.Close() }()

	key := reg.Key()
	entry := acquireEntry(key)

	defer releaseEntry(key)

	var lock io.Closer

	if opts.Force {
		if entry.mu.TryLock() {
			defer entry.mu.Unlock()
		}

		lock, err = reg.TryLock()
		if err != nil && !errors.Is(err, region.ErrBusy) {
			return false, fmt.Errorf("acquire region lock: %w", err)
		}
	} else {
		entry.mu.Lock()
		defer entry.mu.Unlock()

		lock, err = lockRegion(reg, false, opts.LockTimeout)
		if err != nil {
			return false, err
		}
	}

	defer releaseLock(lock)

	stale, err := reg.Stale()
	if err != nil {
		return false, fmt.Errorf("check region file: %w", err)
	}

	if stale {
		return false, nil
	}

	data := reg.Bytes()
	if len(data) >= shc1HeaderSize && [4]byte(data[offMagic:offMagic+4]) == shc1Magic {
		atomicStoreUint32(data[offState:], stateDropped)
	}

	if err := region.Destroy(id, opts.Dir); err != nil {
		return false, fmt.Errorf("destroy %s: %w", reg.Path(), err)
	}

	return true, nil
}
