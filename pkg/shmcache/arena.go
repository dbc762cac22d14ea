package shmcache

import "encoding/binary"

// arena is the mapped region viewed through its layout.
//
// All links inside the region are byte offsets from the region start, so
// they stay valid in every process that maps it. arena methods do no
// locking; callers hold the region lock.
type arena struct {
	data []byte
	l    layout
}

func (a *arena) u32(off uint64) uint32 {
	return binary.LittleEndian.Uint32(a.data[off:])
}

func (a *arena) putU32(off uint64, v uint32) {
	binary.LittleEndian.PutUint32(a.data[off:], v)
}

func (a *arena) u64(off uint64) uint64 {
	return binary.LittleEndian.Uint64(a.data[off:])
}

func (a *arena) putU64(off, v uint64) {
	binary.LittleEndian.PutUint64(a.data[off:], v)
}

func (a *arena) generation() uint64 { return atomicLoadUint64(a.data[offGeneration:]) }

func (a *arena) setGeneration(g uint64) { atomicStoreUint64(a.data[offGeneration:], g) }

func (a *arena) state() uint32 { return atomicLoadUint32(a.data[offState:]) }

func (a *arena) setState(s uint32) { atomicStoreUint32(a.data[offState:], s) }

func (a *arena) liveCount() uint64 { return a.u64(offLiveCount) }

func (a *arena) setLiveCount(n uint64) { a.putU64(offLiveCount, n) }

func (a *arena) tombstones() uint64 { return a.u64(offTombstones) }

func (a *arena) setTombstones(n uint64) { a.putU64(offTombstones, n) }

func (a *arena) highwater() uint64 { return a.u64(offSlabHighwater) }

func (a *arena) setHighwater(n uint64) { a.putU64(offSlabHighwater, n) }

func (a *arena) recoveries() uint64 { return a.u64(offRecoveries) }

func (a *arena) setRecoveries(n uint64) { a.putU64(offRecoveries, n) }
