package shmcache

import "fmt"

// Chunk allocator
//
// The slab area is a run of slabSize slabs. Slabs at or above the high-water
// mark have never been handed out. A slab below it belongs to exactly one
// size class (slab table) and is carved into slabSize/classSize chunks.
//
// The first word of every chunk is its chunk word:
//   - in use: offset of the next chunk of the record chain, 0 ends the chain
//   - free:   freeBit | offset of the next free chunk of the class
//
// A free chunk stores the previous free chunk in its second word, so a slab
// can be unlinked from its class list when all its chunks are free again.
// Such a slab goes back to the slab-sized class, where any class can pick it
// up again.

const (
	freeBit  uint64 = 1 << 63
	linkMask        = ^freeBit

	// chunkWordSize is the per-chunk overhead.
	chunkWordSize = 8

	// maxPayload is the usable bytes of a slab-sized chunk.
	maxPayload = slabSize - chunkWordSize
)

// Status is a point-in-time snapshot of allocator accounting, read under
// one lock acquisition.
type Status struct {
	// FreeBytes is the sum of all free chunks plus untouched slabs.
	FreeBytes uint64 `json:"free_bytes"`
	// FreeChunks counts free chunks of every class. An untouched slab counts
	// as one slab-sized chunk.
	FreeChunks uint64 `json:"free_chunks"`
	// LargestChunk is the size of the biggest class with a free chunk, or 0
	// when nothing is free.
	LargestChunk uint64 `json:"largest_chunk"`
	// TotalBytes is the size of the region.
	TotalBytes uint64 `json:"total_bytes"`
	// UsedBytes is TotalBytes minus FreeBytes. It includes header and
	// index overhead.
	UsedBytes uint64 `json:"used_bytes"`
}

func (a *arena) classOff(c int) uint64 {
	return a.l.classesOffset + uint64(c)*classEntrySize
}

func (a *arena) classSize(c int) uint64 { return uint64(a.l.classes[c]) }

func (a *arena) perSlab(c int) uint64 { return slabSize / uint64(a.l.classes[c]) }

func (a *arena) freeHead(c int) uint64 { return a.u64(a.classOff(c) + classOffFreeHead) }

func (a *arena) setFreeHead(c int, off uint64) { a.putU64(a.classOff(c)+classOffFreeHead, off) }

func (a *arena) freeCount(c int) uint64 { return a.u64(a.classOff(c) + classOffFreeCount) }

func (a *arena) setFreeCount(c int, n uint64) { a.putU64(a.classOff(c)+classOffFreeCount, n) }

func (a *arena) classSlabs(c int) uint64 { return a.u64(a.classOff(c) + classOffSlabs) }

func (a *arena) setClassSlabs(c int, n uint64) { a.putU64(a.classOff(c)+classOffSlabs, n) }

func (a *arena) slabEntry(s uint64) uint64 {
	return a.l.slabTableOffset + s*slabEntrySize
}

func (a *arena) slabClass(s uint64) int { return int(a.u32(a.slabEntry(s) + slabOffClass)) }

func (a *arena) slabUsed(s uint64) uint64 { return uint64(a.u32(a.slabEntry(s) + slabOffUsed)) }

func (a *arena) setSlab(s uint64, class int, used uint64) {
	a.putU32(a.slabEntry(s)+slabOffClass, uint32(class))
	a.putU32(a.slabEntry(s)+slabOffUsed, uint32(used))
}

func (a *arena) setSlabUsed(s, used uint64) { a.putU32(a.slabEntry(s)+slabOffUsed, uint32(used)) }

func (a *arena) slabStart(s uint64) uint64 { return a.l.slabsOffset + s*slabSize }

// classFor returns the smallest class whose payload holds n bytes.
// n must be <= maxPayload.
func (a *arena) classFor(n uint64) int {
	for c, size := range a.l.classes {
		if uint64(size)-chunkWordSize >= n {
			return c
		}
	}

	return a.l.maxClass()
}

// chunkClass validates that off is the start of a chunk inside a carved slab
// and returns its slab and class.
func (a *arena) chunkClass(off uint64) (uint64, int, error) {
	hw := a.highwater()

	if off < a.l.slabsOffset || off >= a.l.slabsOffset+hw*slabSize || hw > a.l.slabCount {
		return 0, 0, fmt.Errorf("chunk offset %d outside carved slabs: %w", off, ErrCorrupt)
	}

	s := (off - a.l.slabsOffset) / slabSize

	c := a.slabClass(s)
	if c < 0 || c >= len(a.l.classes) {
		return 0, 0, fmt.Errorf("slab %d has class %d: %w", s, c, ErrCorrupt)
	}

	rel := off - a.slabStart(s)
	if rel%a.classSize(c) != 0 || rel/a.classSize(c) >= a.perSlab(c) {
		return 0, 0, fmt.Errorf("chunk offset %d not on a class %d boundary: %w", off, c, ErrCorrupt)
	}

	return s, c, nil
}

func (a *arena) pushFree(c int, off uint64) {
	head := a.freeHead(c)
	a.putU64(off, freeBit|head)
	a.putU64(off+8, 0)

	if head != 0 {
		a.putU64(head+8, off)
	}

	a.setFreeHead(c, off)
	a.setFreeCount(c, a.freeCount(c)+1)
}

func (a *arena) unlinkFree(c int, off uint64) {
	next := a.u64(off) & linkMask
	prev := a.u64(off + 8)

	if prev == 0 {
		a.setFreeHead(c, next)
	} else {
		a.putU64(prev, freeBit|next)
	}

	if next != 0 {
		a.putU64(next+8, prev)
	}

	a.putU64(off, 0)
	a.putU64(off+8, 0)
	a.setFreeCount(c, a.freeCount(c)-1)
}

// popFree removes the first free chunk of class c. Returns 0 if none.
func (a *arena) popFree(c int) uint64 {
	off := a.freeHead(c)
	if off == 0 {
		return 0
	}

	a.unlinkFree(c, off)

	return off
}

// carve assigns a slab to class c and puts its chunks on the free list.
// The slab comes from the untouched area or, for smaller classes, from the
// slab-sized free list. Reports false when no slab is available.
func (a *arena) carve(c int) bool {
	var s uint64

	maxC := a.l.maxClass()

	switch hw := a.highwater(); {
	case hw < a.l.slabCount:
		s = hw
		a.setHighwater(hw + 1)
	case c != maxC:
		off := a.popFree(maxC)
		if off == 0 {
			return false
		}

		s = (off - a.l.slabsOffset) / slabSize
		a.setClassSlabs(maxC, a.classSlabs(maxC)-1)
	default:
		return false
	}

	a.setSlab(s, c, 0)
	a.setClassSlabs(c, a.classSlabs(c)+1)

	start, size := a.slabStart(s), a.classSize(c)
	for i := a.perSlab(c); i > 0; i-- {
		a.pushFree(c, start+(i-1)*size)
	}

	return true
}

// alloc returns an in-use chunk of class c or larger.
//
// Order: the class free list, a freshly carved slab, then any larger class
// with a free chunk. Returns ErrOutOfSpace when all fail.
func (a *arena) alloc(c int) (uint64, error) {
	off := a.popFree(c)

	if off == 0 && a.carve(c) {
		off = a.popFree(c)
	}

	for larger := c + 1; off == 0 && larger < len(a.l.classes); larger++ {
		off = a.popFree(larger)
	}

	if off == 0 {
		return 0, fmt.Errorf("no free chunk of %d bytes or larger: %w", a.classSize(c), ErrOutOfSpace)
	}

	s := (off - a.l.slabsOffset) / slabSize
	a.setSlabUsed(s, a.slabUsed(s)+1)

	return off, nil
}

// free returns an in-use chunk to its class. A slab that becomes entirely
// free is handed back to the slab-sized class.
func (a *arena) free(off uint64) error {
	s, c, err := a.chunkClass(off)
	if err != nil {
		return err
	}

	if a.u64(off)&freeBit != 0 {
		return fmt.Errorf("double free of chunk %d: %w", off, ErrCorrupt)
	}

	used := a.slabUsed(s)
	if used == 0 {
		return fmt.Errorf("slab %d use count underflow: %w", s, ErrCorrupt)
	}

	a.pushFree(c, off)
	a.setSlabUsed(s, used-1)

	maxC := a.l.maxClass()
	if used-1 != 0 || c == maxC {
		return nil
	}

	start, size := a.slabStart(s), a.classSize(c)
	for i := range a.perSlab(c) {
		a.unlinkFree(c, start+i*size)
	}

	a.setClassSlabs(c, a.classSlabs(c)-1)
	a.setSlab(s, maxC, 0)
	a.setClassSlabs(maxC, a.classSlabs(maxC)+1)
	a.pushFree(maxC, start)

	return nil
}

// chainPlan returns the classes of the chunks that store a record of n
// bytes: full slab-sized chunks followed by one tail chunk of the smallest
// class that holds the remainder.
func (a *arena) chainPlan(n uint64) []int {
	if n <= maxPayload {
		return []int{a.classFor(n)}
	}

	full, rem := n/maxPayload, n%maxPayload

	plan := make([]int, full, full+1)
	for i := range plan {
		plan[i] = a.l.maxClass()
	}

	if rem > 0 {
		plan = append(plan, a.classFor(rem))
	}

	return plan
}

// allocChain allocates and links the chunks for a record of n bytes.
// Either every chunk is allocated or none is.
func (a *arena) allocChain(n uint64) ([]uint64, error) {
	plan := a.chainPlan(n)
	chain := make([]uint64, 0, len(plan))

	for _, c := range plan {
		off, err := a.alloc(c)
		if err != nil {
			for _, done := range chain {
				_ = a.free(done)
			}

			return nil, err
		}

		chain = append(chain, off)
	}

	for i, off := range chain {
		var next uint64
		if i+1 < len(chain) {
			next = chain[i+1]
		}

		a.putU64(off, next)
	}

	return chain, nil
}

// freeChain frees every chunk of the chain starting at head.
func (a *arena) freeChain(head uint64) error {
	for off, steps := head, uint64(0); off != 0; steps++ {
		if steps > a.l.slabCount*slabSize/uint64(a.l.classes[0]) {
			return fmt.Errorf("chunk chain from %d does not terminate: %w", head, ErrCorrupt)
		}

		next := a.u64(off)
		if next&freeBit != 0 {
			return fmt.Errorf("chain from %d reaches free chunk %d: %w", head, off, ErrCorrupt)
		}

		if err := a.free(off); err != nil {
			return err
		}

		off = next
	}

	return nil
}

// stats aggregates allocator accounting across all classes.
func (a *arena) stats() Status {
	untouched := a.l.slabCount - min(a.highwater(), a.l.slabCount)

	st := Status{
		TotalBytes: a.l.totalBytes,
		FreeBytes:  untouched * slabSize,
		FreeChunks: untouched,
	}

	if untouched > 0 {
		st.LargestChunk = slabSize
	}

	for c := range a.l.classes {
		n := a.freeCount(c)
		if n == 0 {
			continue
		}

		st.FreeBytes += n * a.classSize(c)
		st.FreeChunks += n
		st.LargestChunk = max(st.LargestChunk, a.classSize(c))
	}

	st.FreeBytes = min(st.FreeBytes, st.TotalBytes)
	st.UsedBytes = st.TotalBytes - st.FreeBytes

	return st
}

// resetAllocator returns every slab to the untouched state.
func (a *arena) resetAllocator() {
	a.setHighwater(0)

	for c := range a.l.classes {
		a.setFreeHead(c, 0)
		a.setFreeCount(c, 0)
		a.setClassSlabs(c, 0)
	}
}
