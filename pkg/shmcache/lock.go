package shmcache

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/calvinalkan/shmcache/pkg/region"
)

// Locking architecture
//
//  1. Cache.mu: per-handle closed state. Operations hold RLock, Close
//     holds Lock.
//
//  2. registryEntry.mu: per-file in-process guard, keyed by device and
//     inode. Readers hold RLock, mutations hold Lock. flock(2) excludes open
//     file descriptions, not goroutines sharing one, so every handle in the
//     process goes through this first.
//
//  3. region lock: flock on "<path>.lock". Shared for reads, exclusive for
//     mutations. The kernel drops it when the holder dies.
//
//  4. generation: header counter, odd while a mutation is in progress. An
//     odd value seen by a new lock holder means the previous holder died
//     mid-mutation.
//
// Lock ordering: Cache.mu → registryEntry.mu → region lock

// registry maps region identities ("dev:ino") to their in-process lock.
var registry = cmap.New[*registryEntry]()

// registryEntry is shared by all handles of one region file in this process.
type registryEntry struct {
	mu sync.RWMutex

	// refs counts handles using the entry. Guarded by the registry shard
	// lock (only touched inside Upsert/RemoveCb callbacks).
	refs int
}

// acquireEntry returns the entry for key, creating it if needed. Callers
// must call releaseEntry when done.
func acquireEntry(key string) *registryEntry {
	return registry.Upsert(key, nil, func(exist bool, cur, _ *registryEntry) *registryEntry {
		if !exist || cur == nil {
			cur = &registryEntry{}
		}

		cur.refs++

		return cur
	})
}

// releaseEntry drops one reference and removes the entry at zero.
func releaseEntry(key string) {
	registry.RemoveCb(key, func(_ string, e *registryEntry, exists bool) bool {
		if !exists || e == nil {
			return false
		}

		e.refs--

		return e.refs <= 0
	})
}

// lockRegion acquires the region lock and maps region errors to shmcache
// errors.
func lockRegion(r *region.Region, shared bool, timeout time.Duration) (io.Closer, error) {
	lock, err := r.Lock(shared, timeout)
	if err != nil {
		if errors.Is(err, region.ErrBusy) {
			return nil, fmt.Errorf("%w: %w", ErrBusy, err)
		}

		return nil, fmt.Errorf("acquire region lock: %w", err)
	}

	return lock, nil
}

// releaseLock releases the lock. Safe to call with nil.
// Does NOT delete the lock file: waiters must agree on its inode.
func releaseLock(lock io.Closer) {
	if lock == nil {
		return
	}

	_ = lock.Close()
}

// errStaleIfDropped checks that the handle still addresses a live region.
func (c *Cache) errStaleIfDropped() error {
	if c.arena.state() == stateDropped {
		return fmt.Errorf("%s was dropped: %w", c.id, ErrStaleRegion)
	}

	stale, err := c.reg.Stale()
	if err != nil {
		return fmt.Errorf("check region file: %w", err)
	}

	if stale {
		return fmt.Errorf("%s was removed or replaced: %w", c.id, ErrStaleRegion)
	}

	return nil
}

// read runs fn under the shared locks.
//
// If the generation is odd, a previous writer died mid-mutation. Shared
// holders cannot repair the region, so read drops its locks, recovers under
// the exclusive locks, and retries.
func (c *Cache) read(fn func(a *arena) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}

	for {
		recovered, err := c.readOnce(fn)
		if err != nil || !recovered {
			return err
		}
	}
}

// readOnce reports true when it found an interrupted mutation and repaired
// it instead of running fn.
func (c *Cache) readOnce(fn func(a *arena) error) (bool, error) {
	c.entry.mu.RLock()

	lock, err := lockRegion(c.reg, true, c.lockTimeout)
	if err != nil {
		c.entry.mu.RUnlock()

		return false, err
	}

	if err := c.errStaleIfDropped(); err != nil {
		releaseLock(lock)
		c.entry.mu.RUnlock()

		return false, err
	}

	if c.arena.generation()&1 == 0 {
		err := fn(&c.arena)

		releaseLock(lock)
		c.entry.mu.RUnlock()

		return false, err
	}

	releaseLock(lock)
	c.entry.mu.RUnlock()

	return true, c.writeLocked(func(*arena) error { return nil })
}

// write runs fn as one mutation under the exclusive locks.
func (c *Cache) write(fn func(a *arena) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}

	return c.writeLocked(fn)
}

// writeLocked is write without the closed check. The caller holds c.mu.
//
// The generation is odd while fn runs. If fn reports corruption the
// generation is left odd, so the next lock holder resets the region.
func (c *Cache) writeLocked(fn func(a *arena) error) error {
	c.entry.mu.Lock()
	defer c.entry.mu.Unlock()

	lock, err := lockRegion(c.reg, false, c.lockTimeout)
	if err != nil {
		return err
	}
	defer releaseLock(lock)

	if err := c.errStaleIfDropped(); err != nil {
		return err
	}

	a := &c.arena

	gen := a.generation()
	if gen&1 == 1 {
		c.recoverLocked()
		gen = a.generation()
	}

	a.setGeneration(gen + 1)

	err = fn(a)
	if isCorrupt(err) {
		return err
	}

	a.setGeneration(gen + 2)

	return err
}

// recoverLocked resets a region left mid-mutation by a dead writer.
// Cache contents are disposable, so the allocator and the index start over.
// The caller holds the exclusive locks.
func (c *Cache) recoverLocked() {
	a := &c.arena

	a.resetAllocator()
	a.clearIndex()
	a.setRecoveries(a.recoveries() + 1)
	a.setGeneration(a.generation() + 1)

	c.metrics.Recover()
}
