package shmcache

import (
	"errors"
	"fmt"
)

// check walks the whole region and verifies allocator and index invariants:
//
//   - every free list is a well-formed doubly linked list of free chunks of
//     its class, with the recorded length
//   - every live bucket leads to a valid chain whose key hashes to the
//     bucket hash, and no chunk belongs to two chains
//   - per slab, in-use chunks reached from the index equal the slab use
//     count, and use count plus free chunks equals chunks per slab
//   - live and tombstone counters match the table
//
// Returns the first violation wrapped in ErrCorrupt.
func (a *arena) check() error {
	hw := a.highwater()
	if hw > a.l.slabCount {
		return fmt.Errorf("slab high-water %d exceeds slab count %d: %w", hw, a.l.slabCount, ErrCorrupt)
	}

	freePerSlab := make(map[uint64]uint64)
	slabsPerClass := make([]uint64, len(a.l.classes))

	for s := range hw {
		c := a.slabClass(s)
		if c >= len(a.l.classes) {
			return fmt.Errorf("slab %d has class %d: %w", s, c, ErrCorrupt)
		}

		slabsPerClass[c]++
	}

	for c := range a.l.classes {
		if got, want := slabsPerClass[c], a.classSlabs(c); got != want {
			return fmt.Errorf("class %d owns %d slabs, header says %d: %w", c, got, want, ErrCorrupt)
		}

		var (
			n    uint64
			prev uint64
		)

		for off := a.freeHead(c); off != 0; {
			if n > a.freeCount(c) {
				return fmt.Errorf("class %d free list longer than %d: %w", c, a.freeCount(c), ErrCorrupt)
			}

			s, owner, err := a.chunkClass(off)
			if err != nil {
				return fmt.Errorf("class %d free list: %w", c, err)
			}

			if owner != c {
				return fmt.Errorf("class %d free list holds chunk %d of class %d: %w", c, off, owner, ErrCorrupt)
			}

			word := a.u64(off)
			if word&freeBit == 0 {
				return fmt.Errorf("class %d free list holds in-use chunk %d: %w", c, off, ErrCorrupt)
			}

			if back := a.u64(off + 8); back != prev {
				return fmt.Errorf("free chunk %d links back to %d, want %d: %w", off, back, prev, ErrCorrupt)
			}

			freePerSlab[s]++
			n++
			prev = off
			off = word & linkMask
		}

		if n != a.freeCount(c) {
			return fmt.Errorf("class %d free list has %d chunks, header says %d: %w", c, n, a.freeCount(c), ErrCorrupt)
		}
	}

	usedPerSlab := make(map[uint64]uint64)
	seen := make(map[uint64]struct{})

	var (
		live    uint64
		walkErr error
	)

	a.forEachEntry(func(bucket, hash, head uint64) bool {
		live++

		key, err := a.recordKey(head)
		if err != nil {
			walkErr = fmt.Errorf("bucket %d: %w", bucket, err)

			return false
		}

		if fnv1a64(key) != hash {
			walkErr = fmt.Errorf("bucket %d: key hash mismatch: %w", bucket, ErrCorrupt)

			return false
		}

		if _, err := a.readValue(head); err != nil {
			walkErr = fmt.Errorf("bucket %d: %w", bucket, err)

			return false
		}

		for off := head; off != 0; off = a.u64(off) {
			if _, dup := seen[off]; dup {
				walkErr = fmt.Errorf("chunk %d belongs to two records: %w", off, ErrCorrupt)

				return false
			}

			seen[off] = struct{}{}
			usedPerSlab[(off-a.l.slabsOffset)/slabSize]++
		}

		return true
	})

	if walkErr != nil {
		return walkErr
	}

	if live != a.liveCount() {
		return fmt.Errorf("index has %d live entries, header says %d: %w", live, a.liveCount(), ErrCorrupt)
	}

	var tombs uint64

	for i := range a.l.bucketCount {
		if _, head := a.bucket(i); head == tombstone {
			tombs++
		}
	}

	if tombs != a.tombstones() {
		return fmt.Errorf("index has %d tombstones, header says %d: %w", tombs, a.tombstones(), ErrCorrupt)
	}

	for s := range hw {
		c := a.slabClass(s)
		used := a.slabUsed(s)

		if usedPerSlab[s] != used {
			return fmt.Errorf("slab %d: %d chunks reachable, use count %d: %w", s, usedPerSlab[s], used, ErrCorrupt)
		}

		if used+freePerSlab[s] != a.perSlab(c) {
			return fmt.Errorf("slab %d: %d used + %d free != %d chunks: %w", s, used, freePerSlab[s], a.perSlab(c), ErrCorrupt)
		}
	}

	return nil
}

// isCorrupt reports whether err means shared state can no longer be trusted.
func isCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}
