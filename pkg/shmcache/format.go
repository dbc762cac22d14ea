package shmcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"sync/atomic"
	"unsafe"
)

// SHC1 region format constants.
const (
	// Region format version.
	shc1Version = 1

	// Fixed header size in bytes.
	shc1HeaderSize = 256

	// Hash algorithm identifier (FNV-1a 64-bit).
	shc1HashAlgFNV1a64 = 1
)

var shc1Magic = [4]byte{'S', 'H', 'C', '1'}

// FNV-1a 64-bit hash constants.
const (
	fnv1aOffsetBasis uint64 = 14695981039346656037
	fnv1aPrime       uint64 = 1099511628211
)

// fnv1a64 computes the FNV-1a 64-bit hash over key bytes.
func fnv1a64(key []byte) uint64 {
	hash := fnv1aOffsetBasis
	for _, b := range key {
		hash ^= uint64(b)
		hash *= fnv1aPrime
	}

	return hash
}

// Header field offsets (bytes from region start).
//
// Fields before offHeaderCRC32C are written once at creation and covered by
// the checksum. Fields after it are mutated under the region lock.
const (
	offMagic           = 0x000 // [4]byte
	offVersion         = 0x004 // uint32
	offHeaderSize      = 0x008 // uint32
	offHashAlg         = 0x00C // uint32
	offSlabSize        = 0x010 // uint32
	offClassCount      = 0x014 // uint32
	offTotalBytes      = 0x018 // uint64
	offIndexCapacity   = 0x020 // uint64
	offBucketCount     = 0x028 // uint64
	offBucketsOffset   = 0x030 // uint64
	offClassesOffset   = 0x038 // uint64
	offSlabTableOffset = 0x040 // uint64
	offSlabsOffset     = 0x048 // uint64
	offSlabCount       = 0x050 // uint64
	offMinChunkSize    = 0x058 // uint32
	offGrowthPct       = 0x05C // uint32
	offNamespace       = 0x060 // [64]byte
	offHeaderCRC32C    = 0x0A0 // uint32, covers [0, 0x0A0)
	offState           = 0x0A4 // uint32
	offGeneration      = 0x0A8 // uint64
	offLiveCount       = 0x0B0 // uint64
	offTombstones      = 0x0B8 // uint64
	offSlabHighwater   = 0x0C0 // uint64
	offRecoveries      = 0x0C8 // uint64
	offReservedStart   = 0x0D0 // reserved through 0x0FF

	namespaceTagSize = 64
)

// Region state values (stored in the state field at offset 0x0A4).
const (
	// stateNormal indicates the region is operational.
	stateNormal uint32 = 0
	// stateDropped indicates the region was dropped (terminal).
	stateDropped uint32 = 1
)

// Size-class table entry layout (32 bytes per class).
const (
	classEntrySize = 32

	classOffSize      = 0  // uint32 chunk size
	classOffPerSlab   = 4  // uint32 chunks per slab
	classOffFreeHead  = 8  // uint64 first free chunk (0 = none)
	classOffFreeCount = 16 // uint64
	classOffSlabs     = 24 // uint64 slabs assigned to this class
)

// Slab table entry layout (8 bytes per slab).
const (
	slabEntrySize = 8

	slabOffClass = 0 // uint32
	slabOffUsed  = 4 // uint32 chunks in use
)

// Index bucket layout (16 bytes per bucket).
const (
	bucketSize = 16

	bucketOffHash = 0 // uint64
	bucketOffHead = 8 // uint64 head chunk offset
)

// layout is the immutable geometry of a region.
type layout struct {
	totalBytes      uint64
	minChunk        uint32
	growthPct       uint32
	classes         []uint32
	indexCapacity   uint64
	bucketCount     uint64
	classesOffset   uint64
	bucketsOffset   uint64
	slabTableOffset uint64
	slabsOffset     uint64
	slabCount       uint64
	namespace       string
}

// maxClass returns the index of the slab-sized class.
func (l *layout) maxClass() int { return len(l.classes) - 1 }

// sizeClasses builds the chunk size ladder.
//
// Sizes start at minChunk, grow by growthPct percent, are 8-byte aligned,
// strictly increasing, and end with exactly one slab-sized class.
func sizeClasses(minChunk, growthPct uint32) []uint32 {
	var classes []uint32

	size := uint64(align8(uint64(minChunk)))
	for size < slabSize && len(classes) < maxClasses-1 {
		classes = append(classes, uint32(size))

		next := align8(size * uint64(growthPct) / 100)
		if next <= size {
			next = size + 8
		}

		size = next
	}

	return append(classes, slabSize)
}

// defaultIndexCapacity returns the index capacity used when none is given.
func defaultIndexCapacity(totalBytes uint64) uint64 {
	return max(totalBytes/defaultBytesPerEntry, minIndexCapacity)
}

// computeLayout derives the region geometry from the total mapped size.
//
// Region layout:
//
//	[0, 256)                    header
//	classesOffset               class table, classCount * 32 bytes
//	bucketsOffset               index buckets, bucketCount * 16 bytes
//	slabTableOffset             slab table, slabCount * 8 bytes
//	slabsOffset (slab aligned)  slabCount * 4096 bytes
//
// Returns ErrInvalidInput if the region is too small to hold one slab.
func computeLayout(totalBytes uint64, minChunk, growthPct uint32, indexCapacity uint64) (layout, error) {
	if indexCapacity == 0 {
		indexCapacity = defaultIndexCapacity(totalBytes)
	}

	if indexCapacity > maxIndexCapacity {
		return layout{}, fmt.Errorf("index capacity %d exceeds %d: %w", indexCapacity, maxIndexCapacity, ErrInvalidInput)
	}

	classes := sizeClasses(minChunk, growthPct)
	bucketCount := nextPow2(indexCapacity * 2)

	l := layout{
		totalBytes:    totalBytes,
		minChunk:      minChunk,
		growthPct:     growthPct,
		classes:       classes,
		indexCapacity: indexCapacity,
		bucketCount:   bucketCount,
		classesOffset: shc1HeaderSize,
	}

	l.bucketsOffset = align8(l.classesOffset + uint64(len(classes))*classEntrySize)
	l.slabTableOffset = l.bucketsOffset + bucketCount*bucketSize

	if l.slabTableOffset >= totalBytes {
		return layout{}, fmt.Errorf("index of %d entries needs %d bytes, region has %d: %w",
			indexCapacity, l.slabTableOffset, totalBytes, ErrInvalidInput)
	}

	slabs := (totalBytes - l.slabTableOffset) / (slabSize + slabEntrySize)
	for ; slabs > 0; slabs-- {
		start := alignUp(l.slabTableOffset+slabs*slabEntrySize, slabSize)
		if start+slabs*slabSize <= totalBytes {
			l.slabsOffset = start
			l.slabCount = slabs

			break
		}
	}

	if l.slabCount == 0 {
		return layout{}, fmt.Errorf("region of %d bytes leaves no room for a %d byte slab: %w",
			totalBytes, slabSize, ErrInvalidInput)
	}

	return l, nil
}

// writeHeader formats a zeroed region: header, class table. Slab table and
// buckets are valid when zero.
func writeHeader(data []byte, l layout) {
	copy(data[offMagic:], shc1Magic[:])
	binary.LittleEndian.PutUint32(data[offVersion:], shc1Version)
	binary.LittleEndian.PutUint32(data[offHeaderSize:], shc1HeaderSize)
	binary.LittleEndian.PutUint32(data[offHashAlg:], shc1HashAlgFNV1a64)
	binary.LittleEndian.PutUint32(data[offSlabSize:], slabSize)
	binary.LittleEndian.PutUint32(data[offClassCount:], uint32(len(l.classes)))
	binary.LittleEndian.PutUint64(data[offTotalBytes:], l.totalBytes)
	binary.LittleEndian.PutUint64(data[offIndexCapacity:], l.indexCapacity)
	binary.LittleEndian.PutUint64(data[offBucketCount:], l.bucketCount)
	binary.LittleEndian.PutUint64(data[offBucketsOffset:], l.bucketsOffset)
	binary.LittleEndian.PutUint64(data[offClassesOffset:], l.classesOffset)
	binary.LittleEndian.PutUint64(data[offSlabTableOffset:], l.slabTableOffset)
	binary.LittleEndian.PutUint64(data[offSlabsOffset:], l.slabsOffset)
	binary.LittleEndian.PutUint64(data[offSlabCount:], l.slabCount)
	binary.LittleEndian.PutUint32(data[offMinChunkSize:], l.minChunk)
	binary.LittleEndian.PutUint32(data[offGrowthPct:], l.growthPct)

	tag := data[offNamespace : offNamespace+namespaceTagSize]
	clear(tag)
	copy(tag, l.namespace)

	binary.LittleEndian.PutUint32(data[offHeaderCRC32C:], computeHeaderCRC(data))

	for c, size := range l.classes {
		entry := data[l.classesOffset+uint64(c)*classEntrySize:]
		binary.LittleEndian.PutUint32(entry[classOffSize:], size)
		binary.LittleEndian.PutUint32(entry[classOffPerSlab:], slabSize/size)
	}
}

// computeHeaderCRC calculates the CRC32-C checksum of the immutable header.
func computeHeaderCRC(buf []byte) uint32 {
	return crc32.Checksum(buf[:offHeaderCRC32C], crc32.MakeTable(crc32.Castagnoli))
}

// readLayout validates the header of a mapped region and returns its
// geometry.
//
// Returns ErrLayoutMismatch for a foreign or newer format and ErrCorrupt for
// damaged or inconsistent geometry.
func readLayout(data []byte) (layout, error) {
	if len(data) < shc1HeaderSize {
		return layout{}, fmt.Errorf("region is %d bytes, smaller than the header: %w", len(data), ErrCorrupt)
	}

	if [4]byte(data[offMagic:offMagic+4]) != shc1Magic {
		return layout{}, fmt.Errorf("bad magic %q: %w", data[offMagic:offMagic+4], ErrLayoutMismatch)
	}

	if v := binary.LittleEndian.Uint32(data[offVersion:]); v != shc1Version {
		return layout{}, fmt.Errorf("layout version %d, want %d: %w", v, shc1Version, ErrLayoutMismatch)
	}

	if stored, computed := binary.LittleEndian.Uint32(data[offHeaderCRC32C:]), computeHeaderCRC(data); stored != computed {
		return layout{}, fmt.Errorf("header checksum %08x, computed %08x: %w", stored, computed, ErrCorrupt)
	}

	if hs := binary.LittleEndian.Uint32(data[offHeaderSize:]); hs != shc1HeaderSize {
		return layout{}, fmt.Errorf("header size %d: %w", hs, ErrLayoutMismatch)
	}

	if alg := binary.LittleEndian.Uint32(data[offHashAlg:]); alg != shc1HashAlgFNV1a64 {
		return layout{}, fmt.Errorf("hash algorithm %d: %w", alg, ErrLayoutMismatch)
	}

	if ss := binary.LittleEndian.Uint32(data[offSlabSize:]); ss != slabSize {
		return layout{}, fmt.Errorf("slab size %d, want %d: %w", ss, slabSize, ErrLayoutMismatch)
	}

	for i := offReservedStart; i < shc1HeaderSize; i++ {
		if data[i] != 0 {
			return layout{}, fmt.Errorf("reserved header byte 0x%X set: %w", i, ErrCorrupt)
		}
	}

	minChunk := binary.LittleEndian.Uint32(data[offMinChunkSize:])
	growthPct := binary.LittleEndian.Uint32(data[offGrowthPct:])

	if minChunk < minChunkFloor || minChunk > slabSize || growthPct < minGrowthPct || growthPct > maxGrowthPct {
		return layout{}, fmt.Errorf("size class parameters %d/%d%%: %w", minChunk, growthPct, ErrCorrupt)
	}

	want, err := computeLayout(
		uint64(len(data)),
		minChunk,
		growthPct,
		binary.LittleEndian.Uint64(data[offIndexCapacity:]),
	)
	if err != nil {
		return layout{}, fmt.Errorf("recompute geometry: %w: %w", ErrCorrupt, err)
	}

	got := want
	got.totalBytes = binary.LittleEndian.Uint64(data[offTotalBytes:])
	got.bucketCount = binary.LittleEndian.Uint64(data[offBucketCount:])
	got.bucketsOffset = binary.LittleEndian.Uint64(data[offBucketsOffset:])
	got.classesOffset = binary.LittleEndian.Uint64(data[offClassesOffset:])
	got.slabTableOffset = binary.LittleEndian.Uint64(data[offSlabTableOffset:])
	got.slabsOffset = binary.LittleEndian.Uint64(data[offSlabsOffset:])
	got.slabCount = binary.LittleEndian.Uint64(data[offSlabCount:])

	classCount := binary.LittleEndian.Uint32(data[offClassCount:])

	if got.totalBytes != want.totalBytes ||
		got.bucketCount != want.bucketCount ||
		got.bucketsOffset != want.bucketsOffset ||
		got.classesOffset != want.classesOffset ||
		got.slabTableOffset != want.slabTableOffset ||
		got.slabsOffset != want.slabsOffset ||
		got.slabCount != want.slabCount ||
		int(classCount) != len(want.classes) {
		return layout{}, fmt.Errorf("geometry does not match a %d byte region: %w", len(data), ErrCorrupt)
	}

	for c, size := range want.classes {
		entry := data[want.classesOffset+uint64(c)*classEntrySize:]
		if binary.LittleEndian.Uint32(entry[classOffSize:]) != size ||
			binary.LittleEndian.Uint32(entry[classOffPerSlab:]) != slabSize/size {
			return layout{}, fmt.Errorf("size class %d does not match ladder: %w", c, ErrCorrupt)
		}
	}

	tag := data[offNamespace : offNamespace+namespaceTagSize]
	if n := bytes.IndexByte(tag, 0); n >= 0 {
		tag = tag[:n]
	}

	got.namespace = string(tag)

	return got, nil
}

// growthPercent converts a growth factor to the stored percentage.
func growthPercent(factor float64) uint32 {
	return uint32(math.Round(factor * 100))
}

// align8 rounds x up to the next multiple of 8.
func align8(x uint64) uint64 {
	return (x + 7) &^ 7
}

// alignUp rounds x up to the next multiple of a (a power of two).
func alignUp(x, a uint64) uint64 {
	return (x + a - 1) &^ (a - 1)
}

// nextPow2 returns the smallest power of two >= value.
func nextPow2(value uint64) uint64 {
	if value == 0 {
		return 1
	}

	value--
	value |= value >> 1
	value |= value >> 2
	value |= value >> 4
	value |= value >> 8
	value |= value >> 16
	value |= value >> 32

	return value + 1
}

// atomicLoadUint64 performs an atomic 64-bit load from an 8-byte-aligned
// position in the buffer.
//
// The mapping starts page aligned and every 64-bit header field sits at an
// 8-byte aligned offset.
func atomicLoadUint64(buf []byte) uint64 {
	_ = buf[7]

	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&buf[0])))
}

// atomicStoreUint64 performs an atomic 64-bit store to an 8-byte-aligned
// position in the buffer.
func atomicStoreUint64(buf []byte, val uint64) {
	_ = buf[7]

	atomic.StoreUint64((*uint64)(unsafe.Pointer(&buf[0])), val)
}

// atomicLoadUint32 performs an atomic 32-bit load from a 4-byte-aligned
// position in the buffer.
func atomicLoadUint32(buf []byte) uint32 {
	_ = buf[3]

	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&buf[0])))
}

// atomicStoreUint32 performs an atomic 32-bit store to a 4-byte-aligned
// position in the buffer.
func atomicStoreUint32(buf []byte, val uint32) {
	_ = buf[3]

	atomic.StoreUint32((*uint32)(unsafe.Pointer(&buf[0])), val)
}
