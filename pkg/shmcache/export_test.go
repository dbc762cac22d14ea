package shmcache

// Export internal functions and variables for testing.
// This file is only compiled during tests.

// RegistryRefsForTesting returns the number of handles sharing the
// in-process lock of c's region file, and whether the entry exists.
func RegistryRefsForTesting(c *Cache) (int, bool) {
	e, ok := registry.Get(c.key)
	if !ok {
		return 0, false
	}

	return e.refs, true
}

// InterruptMutationForTesting simulates a writer that dies mid-mutation.
//
// It takes the exclusive locks, makes the generation odd, damages the free
// list of the smallest class, and releases the locks without finishing.
// The next operation on any handle must recover the region.
func InterruptMutationForTesting(c *Cache) error {
	c.entry.mu.Lock()
	defer c.entry.mu.Unlock()

	lock, err := lockRegion(c.reg, false, c.lockTimeout)
	if err != nil {
		return err
	}
	defer releaseLock(lock)

	a := &c.arena
	a.setGeneration(a.generation() | 1)
	a.setFreeHead(0, 3)
	a.setFreeCount(0, 12345)

	return nil
}

// GenerationForTesting returns the header generation counter.
func GenerationForTesting(c *Cache) uint64 {
	return c.arena.generation()
}

// SetAfterRegionOpenForTesting installs fn to run inside Open right after
// the region is attached and before it is checked for a drop. It returns a
// func that removes the hook. Tests using it must not run in parallel.
func SetAfterRegionOpenForTesting(fn func()) func() {
	afterRegionOpen = fn

	return func() { afterRegionOpen = nil }
}
