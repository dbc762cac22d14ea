package shmcache

import (
	"errors"
	"fmt"
	"time"

	"github.com/calvinalkan/shmcache/pkg/region"
)

// Options configures [Open].
//
// Exactly one of Namespace or Filename must be set. Geometry options
// (Size, IndexCapacity, MinChunkSize, GrowthFactor) only apply when Open
// creates the region. Attaching to an existing region keeps its size; any
// other non-zero geometry option must match the region or Open fails with
// [ErrLayoutMismatch].
type Options struct {
	// Namespace names a region under the namespaces root.
	Namespace string

	// Filename is the backing file of the region, used as given.
	Filename string

	// Dir overrides the namespaces root (see [region.NamespacesRoot]).
	Dir string

	// Size is the total region size in bytes, rounded up to the page size.
	// Zero means [DefaultSize].
	Size int64

	// IndexCapacity is the maximum number of live entries. Zero derives it
	// from the region size (one entry per 512 bytes, at least 64).
	IndexCapacity uint64

	// MinChunkSize is the smallest size class in bytes (multiple of 8,
	// at least 16). Zero means [DefaultMinChunkSize].
	MinChunkSize int

	// GrowthFactor is the ratio between neighbouring size classes,
	// between 1.05 and 4. Zero means [DefaultGrowthFactor].
	GrowthFactor float64

	// LockTimeout bounds every wait for the region lock. Zero waits
	// indefinitely. Expiry returns [ErrBusy].
	LockTimeout time.Duration

	// Metrics receives cache events. Nil disables them.
	Metrics Metrics
}

func (o Options) identity() region.Identity {
	return region.Identity{Namespace: o.Namespace, Filename: o.Filename}
}

// Open attaches to the region for opts, creating and formatting it if it
// does not exist.
//
// Possible errors: [ErrInvalidInput], [ErrLayoutMismatch], [ErrCorrupt],
// [ErrStaleRegion], [ErrBusy], and filesystem errors.
func Open(opts Options) (*Cache, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	size := opts.Size
	if size == 0 {
		size = DefaultSize
	}

	minChunk := uint32(DefaultMinChunkSize)
	if opts.MinChunkSize != 0 {
		minChunk = uint32(opts.MinChunkSize)
	}

	growth := growthPercent(DefaultGrowthFactor)
	if opts.GrowthFactor != 0 {
		growth = growthPercent(opts.GrowthFactor)
	}

	id := opts.identity()

	regOpts := region.Options{
		Dir:         opts.Dir,
		Size:        size,
		LockTimeout: opts.LockTimeout,
		Init: func(data []byte) error {
			l, err := computeLayout(uint64(len(data)), minChunk, growth, opts.IndexCapacity)
			if err != nil {
				return err
			}

			l.namespace = id.Tag()
			writeHeader(data, l)

			return nil
		},
	}

	reg, err := openRegion(id, regOpts)
	if err != nil {
		return nil, mapRegionError(err)
	}

	l, err := readLayout(reg.Bytes())
	if err != nil {
		_ = reg.Close()

		return nil, fmt.Errorf("open %s: %w", reg.Path(), err)
	}

	if !reg.Created() {
		err := matchLayout(l, opts)
		if err != nil {
			_ = reg.Close()

			return nil, fmt.Errorf("open %s: %w", reg.Path(), err)
		}
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	c := &Cache{
		id:          id,
		reg:         reg,
		key:         reg.Key(),
		arena:       arena{data: reg.Bytes(), l: l},
		lockTimeout: opts.LockTimeout,
		metrics:     metrics,
	}

	if c.arena.state() == stateDropped {
		_ = reg.Close()

		return nil, fmt.Errorf("open %s: region was dropped: %w", reg.Path(), ErrStaleRegion)
	}

	c.entry = acquireEntry(c.key)

	return c, nil
}

// openAttempts bounds how often Open re-attaches after a concurrent Drop
// removed the region it just attached to.
const openAttempts = 3

// afterRegionOpen runs between attach and the dropped check. Tests use it to
// drop the region inside that window.
var afterRegionOpen func()

// openRegion attaches to or creates the region for id. A Drop that runs
// after region.Open released the lock leaves the handle on a dropped and
// unlinked file; the attach is retried so the caller gets a fresh region.
func openRegion(id region.Identity, opts region.Options) (*region.Region, error) {
	for attempt := 1; ; attempt++ {
		reg, err := region.Open(id, opts)
		if err != nil {
			return nil, err
		}

		if afterRegionOpen != nil {
			afterRegionOpen()
		}

		if attempt == openAttempts || !droppedAndRemoved(reg) {
			return reg, nil
		}

		_ = reg.Close()
	}
}

func droppedAndRemoved(reg *region.Region) bool {
	data := reg.Bytes()
	if len(data) < shc1HeaderSize || [4]byte(data[offMagic:offMagic+4]) != shc1Magic {
		return false
	}

	if atomicLoadUint32(data[offState:]) != stateDropped {
		return false
	}

	stale, err := reg.Stale()

	return err == nil && stale
}

func validateOptions(opts Options) error {
	if err := opts.identity().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	if opts.Size < 0 || opts.Size > maxRegionSize {
		return fmt.Errorf("size %d out of range [0, %d]: %w", opts.Size, maxRegionSize, ErrInvalidInput)
	}

	if opts.MinChunkSize != 0 {
		if opts.MinChunkSize < minChunkFloor || opts.MinChunkSize > slabSize/2 || opts.MinChunkSize%8 != 0 {
			return fmt.Errorf("min chunk size %d must be a multiple of 8 in [%d, %d]: %w",
				opts.MinChunkSize, minChunkFloor, slabSize/2, ErrInvalidInput)
		}
	}

	if opts.GrowthFactor != 0 {
		pct := growthPercent(opts.GrowthFactor)
		if opts.GrowthFactor < 0 || pct < minGrowthPct || pct > maxGrowthPct {
			return fmt.Errorf("growth factor %g must be in [%.2f, %.2f]: %w",
				opts.GrowthFactor, float64(minGrowthPct)/100, float64(maxGrowthPct)/100, ErrInvalidInput)
		}
	}

	if opts.IndexCapacity > maxIndexCapacity {
		return fmt.Errorf("index capacity %d exceeds %d: %w", opts.IndexCapacity, maxIndexCapacity, ErrInvalidInput)
	}

	if opts.LockTimeout < 0 || opts.LockTimeout > maxLockTimeout {
		return fmt.Errorf("lock timeout %s out of range [0, %s]: %w", opts.LockTimeout, maxLockTimeout, ErrInvalidInput)
	}

	return nil
}

// matchLayout compares explicitly requested geometry with an existing
// region. Size is not compared: an existing region keeps its size.
func matchLayout(l layout, opts Options) error {
	if opts.MinChunkSize != 0 && uint32(opts.MinChunkSize) != l.minChunk {
		return fmt.Errorf("region min chunk size %d, requested %d: %w", l.minChunk, opts.MinChunkSize, ErrLayoutMismatch)
	}

	if opts.GrowthFactor != 0 && growthPercent(opts.GrowthFactor) != l.growthPct {
		return fmt.Errorf("region growth factor %.2f, requested %.2f: %w",
			float64(l.growthPct)/100, opts.GrowthFactor, ErrLayoutMismatch)
	}

	if opts.IndexCapacity != 0 && opts.IndexCapacity != l.indexCapacity {
		return fmt.Errorf("region index capacity %d, requested %d: %w", l.indexCapacity, opts.IndexCapacity, ErrLayoutMismatch)
	}

	return nil
}

// mapRegionError translates attach layer errors into shmcache errors.
func mapRegionError(err error) error {
	switch {
	case errors.Is(err, region.ErrBusy):
		return fmt.Errorf("%w: %w", ErrBusy, err)
	case errors.Is(err, region.ErrInvalidIdentity), errors.Is(err, region.ErrInvalidSize):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	default:
		return err
	}
}
