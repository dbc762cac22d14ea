package shmcache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/calvinalkan/shmcache/pkg/region"
)

// Cache is a handle to a shared region.
//
// Handles are safe for concurrent use. Every handle attached to the same
// region, in this or another process, observes the same state: a Set through
// one handle is visible to the next Get through any other.
type Cache struct {
	_ [0]func() // prevent external construction

	mu     sync.RWMutex
	closed bool

	id          region.Identity
	reg         *region.Region
	key         string
	entry       *registryEntry
	arena       arena
	lockTimeout time.Duration
	metrics     Metrics
}

// Get returns a copy of the value stored for key.
//
// Missing and deleted keys both return (nil, false, nil).
//
// Possible errors: [ErrInvalidInput], [ErrStaleRegion], [ErrCorrupt],
// [ErrBusy], [ErrClosed].
func (c *Cache) Get(key []byte) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}

	var (
		value []byte
		found bool
	)

	err := c.read(func(a *arena) error {
		var err error

		value, found, err = a.get(key)
		if err != nil {
			return err
		}

		if found {
			c.metrics.Hit()
		} else {
			c.metrics.Miss()
		}

		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return value, found, nil
}

// Set stores value for key, replacing any previous value.
//
// The new record is written and indexed before the old one is freed, so a
// failed Set leaves the previous value in place.
//
// Possible errors: [ErrOutOfSpace], [ErrFull], [ErrInvalidInput],
// [ErrStaleRegion], [ErrCorrupt], [ErrBusy], [ErrClosed].
func (c *Cache) Set(key, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if len(value) > MaxValueSize {
		return fmt.Errorf("value length %d exceeds %d: %w", len(value), MaxValueSize, ErrInvalidInput)
	}

	return c.write(func(a *arena) error {
		err := a.set(key, value)

		switch {
		case err == nil:
			c.metrics.Store(int(recordLen(key, value)))
		case errors.Is(err, ErrOutOfSpace):
			c.metrics.Reject(RejectOutOfSpace)
		case errors.Is(err, ErrFull):
			c.metrics.Reject(RejectFull)
		}

		return err
	})
}

// Delete removes key. It reports whether a live entry was removed; deleting
// a missing key returns false.
//
// Possible errors: [ErrInvalidInput], [ErrStaleRegion], [ErrCorrupt],
// [ErrBusy], [ErrClosed].
func (c *Cache) Delete(key []byte) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	var removed bool

	err := c.write(func(a *arena) error {
		var err error

		removed, err = a.del(key)
		if removed {
			c.metrics.Delete()
		}

		return err
	})
	if err != nil {
		return false, err
	}

	return removed, nil
}

// Clear removes every entry and releases every chunk. Clear is idempotent.
//
// Possible errors: [ErrStaleRegion], [ErrBusy], [ErrClosed].
func (c *Cache) Clear() error {
	return c.write(func(a *arena) error {
		a.reset()

		return nil
	})
}

// Len returns the number of live entries.
func (c *Cache) Len() (int, error) {
	var n uint64

	err := c.read(func(a *arena) error {
		n = a.liveCount()

		return nil
	})
	if err != nil {
		return 0, err
	}

	return int(n), nil
}

// Status returns allocator accounting read under one lock acquisition.
//
// UsedBytes + FreeBytes always equals TotalBytes.
func (c *Cache) Status() (Status, error) {
	var st Status

	err := c.read(func(a *arena) error {
		st = a.stats()

		return nil
	})

	return st, err
}

// Range calls fn with a copy of every entry until fn returns false.
//
// The shared region lock is held for the whole walk, so writers in every
// process wait until Range returns. fn must not call back into handles of
// the same region.
//
// Order is unspecified.
func (c *Cache) Range(fn func(key, value []byte) bool) error {
	return c.read(func(a *arena) error {
		var walkErr error

		a.forEachEntry(func(_, _, head uint64) bool {
			k, err := a.recordKey(head)
			if err != nil {
				walkErr = err

				return false
			}

			v, err := a.readValue(head)
			if err != nil {
				walkErr = err

				return false
			}

			return fn(append([]byte(nil), k...), v)
		})

		return walkErr
	})
}

// Keys returns every key. Order is unspecified.
func (c *Cache) Keys() ([]string, error) {
	var keys []string

	err := c.read(func(a *arena) error {
		keys = make([]string, 0, a.liveCount())

		var walkErr error

		a.forEachEntry(func(_, _, head uint64) bool {
			k, err := a.recordKey(head)
			if err != nil {
				walkErr = err

				return false
			}

			keys = append(keys, string(k))

			return true
		})

		return walkErr
	})
	if err != nil {
		return nil, err
	}

	return keys, nil
}

// Check verifies allocator and index consistency across the whole region.
//
// Possible errors: [ErrCorrupt] describing the first violation.
func (c *Cache) Check() error {
	return c.read(func(a *arena) error { return a.check() })
}

// Sync flushes the mapping to its backing file. It only matters for
// filename-backed regions outside a tmpfs.
func (c *Cache) Sync() error {
	return c.read(func(*arena) error {
		if err := c.reg.Sync(); err != nil {
			return fmt.Errorf("sync region: %w", err)
		}

		return nil
	})
}

// ClassInfo describes one size class.
type ClassInfo struct {
	Size       uint64 `json:"size"`
	PerSlab    uint64 `json:"per_slab"`
	Slabs      uint64 `json:"slabs"`
	FreeChunks uint64 `json:"free_chunks"`
}

// Info describes the geometry and lifetime counters of a region.
type Info struct {
	Path          string      `json:"path"`
	Namespace     string      `json:"namespace"`
	TotalBytes    uint64      `json:"total_bytes"`
	SlabSize      uint64      `json:"slab_size"`
	SlabCount     uint64      `json:"slab_count"`
	SlabHighwater uint64      `json:"slab_highwater"`
	MinChunkSize  uint64      `json:"min_chunk_size"`
	GrowthFactor  float64     `json:"growth_factor"`
	IndexCapacity uint64      `json:"index_capacity"`
	BucketCount   uint64      `json:"bucket_count"`
	Entries       uint64      `json:"entries"`
	Tombstones    uint64      `json:"tombstones"`
	Generation    uint64      `json:"generation"`
	Recoveries    uint64      `json:"recoveries"`
	Classes       []ClassInfo `json:"classes"`
}

// Info returns region geometry and counters.
func (c *Cache) Info() (Info, error) {
	var info Info

	err := c.read(func(a *arena) error {
		info = Info{
			Path:          c.reg.Path(),
			Namespace:     a.l.namespace,
			TotalBytes:    a.l.totalBytes,
			SlabSize:      slabSize,
			SlabCount:     a.l.slabCount,
			SlabHighwater: a.highwater(),
			MinChunkSize:  uint64(a.l.minChunk),
			GrowthFactor:  float64(a.l.growthPct) / 100,
			IndexCapacity: a.l.indexCapacity,
			BucketCount:   a.l.bucketCount,
			Entries:       a.liveCount(),
			Tombstones:    a.tombstones(),
			Generation:    a.generation(),
			Recoveries:    a.recoveries(),
			Classes:       make([]ClassInfo, len(a.l.classes)),
		}

		for i := range a.l.classes {
			info.Classes[i] = ClassInfo{
				Size:       a.classSize(i),
				PerSlab:    a.perSlab(i),
				Slabs:      a.classSlabs(i),
				FreeChunks: a.freeCount(i),
			}
		}

		return nil
	})

	return info, err
}

// Path returns the backing file of the region.
func (c *Cache) Path() string { return c.reg.Path() }

// Close releases the mapping. Other handles and processes are unaffected.
// Close is idempotent.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	releaseEntry(c.key)

	return c.reg.Close()
}

func validateKey(key []byte) error {
	if len(key) > MaxKeySize {
		return fmt.Errorf("key length %d exceeds %d: %w", len(key), MaxKeySize, ErrInvalidInput)
	}

	return nil
}
