package shmcache

import "fmt"

// get returns a copy of the value for key.
func (a *arena) get(key []byte) ([]byte, bool, error) {
	res, err := a.lookup(key, fnv1a64(key))
	if err != nil || !res.found {
		return nil, false, err
	}

	value, err := a.readValue(res.head)
	if err != nil {
		return nil, false, err
	}

	return value, true, nil
}

// set stores a record for key: allocate, write, publish, then free the old
// chain. On ErrFull or ErrOutOfSpace nothing changes.
func (a *arena) set(key, value []byte) error {
	hash := fnv1a64(key)

	res, err := a.lookup(key, hash)
	if err != nil {
		return err
	}

	if !res.found && (a.liveCount() >= a.l.indexCapacity || res.slot == noSlot) {
		return fmt.Errorf("%d of %d entries in use: %w", a.liveCount(), a.l.indexCapacity, ErrFull)
	}

	n := recordLen(key, value)

	chain, err := a.allocChain(n)
	if err != nil {
		return fmt.Errorf("store %d byte record: %w", n, err)
	}

	a.writeRecord(chain, key, value)

	if !res.found {
		a.insertAt(res.slot, hash, chain[0])

		return nil
	}

	a.replaceAt(res.bucket, chain[0])

	if err := a.freeChain(res.head); err != nil {
		return fmt.Errorf("free previous value: %w", err)
	}

	return nil
}

// del removes key and frees its chain.
func (a *arena) del(key []byte) (bool, error) {
	res, err := a.lookup(key, fnv1a64(key))
	if err != nil || !res.found {
		return false, err
	}

	a.removeAt(res.bucket)

	if err := a.freeChain(res.head); err != nil {
		return false, fmt.Errorf("free value: %w", err)
	}

	return true, nil
}

// reset drops every entry and returns every slab to the untouched state.
func (a *arena) reset() {
	a.resetAllocator()
	a.clearIndex()
}
