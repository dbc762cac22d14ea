package shmcache

import "time"

// Public limits.
const (
	// MaxKeySize is the longest key accepted by [Cache.Set].
	//
	// Keys always fit the head chunk of a record, so a lookup never has to
	// follow a chain to compare keys.
	MaxKeySize = 1024

	// MaxValueSize is the longest value accepted by [Cache.Set].
	MaxValueSize = 1 << 30 // 1 GiB
)

// Defaults applied by [Open] for zero option values.
const (
	// DefaultSize is the region size used when [Options.Size] is zero.
	DefaultSize = 64 << 20 // 64 MiB

	// DefaultMinChunkSize is the smallest size class.
	DefaultMinChunkSize = 32

	// DefaultGrowthFactor is the ratio between neighbouring size classes.
	DefaultGrowthFactor = 1.25

	// defaultBytesPerEntry sizes the default index capacity: one bucket
	// pair per this many region bytes.
	defaultBytesPerEntry = 512

	// minIndexCapacity is the smallest default index capacity.
	minIndexCapacity = 64
)

// Hardcoded implementation limits.
//
// Violations are configuration errors and return ErrInvalidInput.
const (
	// slabSize is the unit carved into chunks of one class. It is also the
	// largest chunk size.
	slabSize = 4096

	// minChunkFloor is the smallest allowed MinChunkSize: a free chunk
	// stores two links.
	minChunkFloor = 16

	// Growth factor bounds. Stored in the header as a percentage.
	minGrowthPct = 105
	maxGrowthPct = 400

	// maxClasses bounds the size-class table.
	maxClasses = 256

	// maxRegionSize is a safety guardrail, not a RAM limit.
	maxRegionSize = int64(1) << 40 // 1 TiB

	// maxIndexCapacity bounds the key index.
	maxIndexCapacity = uint64(1) << 32

	// maxLockTimeout keeps timeouts in a sane range.
	maxLockTimeout = time.Hour
)
