package shmcache

import (
	"bytes"
	"fmt"
)

// Key index
//
// An open-addressed table of bucketCount 16-byte buckets (hash, head),
// probed linearly from hash & (bucketCount-1). The head word encodes the
// bucket state:
//   - 0:           empty, ends every probe sequence
//   - tombstone:   deleted, skipped by probes and reusable by inserts
//   - otherwise:   offset of the head chunk of the record
//
// bucketCount = nextPow2(2 * indexCapacity), so the load factor of live
// entries stays at or below 0.5.

const (
	tombstone uint64 = ^uint64(0)

	// noSlot marks "no reusable bucket seen" in lookups.
	noSlot = ^uint64(0)

	// purgeDivisor triggers a tombstone purge when tombstones exceed
	// bucketCount/purgeDivisor.
	purgeDivisor = 4
)

func (a *arena) bucketOff(i uint64) uint64 {
	return a.l.bucketsOffset + i*bucketSize
}

func (a *arena) bucket(i uint64) (hash, head uint64) {
	off := a.bucketOff(i)

	return a.u64(off + bucketOffHash), a.u64(off + bucketOffHead)
}

func (a *arena) setBucket(i, hash, head uint64) {
	off := a.bucketOff(i)
	a.putU64(off+bucketOffHash, hash)
	a.putU64(off+bucketOffHead, head)
}

// lookupResult is the outcome of an index probe.
type lookupResult struct {
	// bucket holding the key; valid when found.
	bucket uint64
	// head chunk of the record; valid when found.
	head  uint64
	found bool
	// slot is the first tombstone or empty bucket on the probe sequence,
	// where an insert of the key belongs. noSlot if the table has none.
	slot uint64
}

// lookup probes the index for key.
func (a *arena) lookup(key []byte, hash uint64) (lookupResult, error) {
	mask := a.l.bucketCount - 1
	res := lookupResult{slot: noSlot}

	i := hash & mask
	for range a.l.bucketCount {
		h, head := a.bucket(i)

		switch {
		case head == 0:
			if res.slot == noSlot {
				res.slot = i
			}

			return res, nil
		case head == tombstone:
			if res.slot == noSlot {
				res.slot = i
			}
		case h == hash:
			k, err := a.recordKey(head)
			if err != nil {
				return lookupResult{}, fmt.Errorf("bucket %d: %w", i, err)
			}

			if bytes.Equal(k, key) {
				res.bucket, res.head, res.found = i, head, true

				return res, nil
			}
		}

		i = (i + 1) & mask
	}

	return res, nil
}

// insertAt publishes a new entry in slot (from lookup).
func (a *arena) insertAt(slot, hash, head uint64) {
	if _, old := a.bucket(slot); old == tombstone {
		a.setTombstones(a.tombstones() - 1)
	}

	a.setBucket(slot, hash, head)
	a.setLiveCount(a.liveCount() + 1)
}

// replaceAt points an existing entry at a new head chunk.
func (a *arena) replaceAt(bucket, head uint64) {
	a.putU64(a.bucketOff(bucket)+bucketOffHead, head)
}

// removeAt tombstones a live bucket.
//
// When the following bucket is empty no probe sequence can pass through the
// new tombstone, so it and any tombstones directly before it become empty.
func (a *arena) removeAt(bucket uint64) {
	mask := a.l.bucketCount - 1

	a.setBucket(bucket, 0, tombstone)
	a.setLiveCount(a.liveCount() - 1)

	tombs := a.tombstones() + 1

	if _, next := a.bucket((bucket + 1) & mask); next == 0 {
		for i := bucket; ; i = (i - 1) & mask {
			if _, head := a.bucket(i); head != tombstone {
				break
			}

			a.setBucket(i, 0, 0)
			tombs--
		}
	}

	a.setTombstones(tombs)

	if tombs > a.l.bucketCount/purgeDivisor {
		a.purge()
	}
}

// purge rebuilds the table without tombstones.
func (a *arena) purge() {
	type entry struct{ hash, head uint64 }

	live := make([]entry, 0, a.liveCount())

	for i := range a.l.bucketCount {
		if hash, head := a.bucket(i); head != 0 && head != tombstone {
			live = append(live, entry{hash, head})
		}
	}

	a.clearBuckets()

	mask := a.l.bucketCount - 1
	for _, e := range live {
		i := e.hash & mask
		for {
			if _, head := a.bucket(i); head == 0 {
				break
			}

			i = (i + 1) & mask
		}

		a.setBucket(i, e.hash, e.head)
	}

	a.setLiveCount(uint64(len(live)))
	a.setTombstones(0)
}

func (a *arena) clearBuckets() {
	clear(a.data[a.l.bucketsOffset : a.l.bucketsOffset+a.l.bucketCount*bucketSize])
}

// clearIndex resets every bucket to empty.
func (a *arena) clearIndex() {
	a.clearBuckets()
	a.setLiveCount(0)
	a.setTombstones(0)
}

// forEachEntry calls fn for every live bucket in table order.
func (a *arena) forEachEntry(fn func(bucket, hash, head uint64) bool) {
	for i := range a.l.bucketCount {
		hash, head := a.bucket(i)
		if head == 0 || head == tombstone {
			continue
		}

		if !fn(i, hash, head) {
			return
		}
	}
}
