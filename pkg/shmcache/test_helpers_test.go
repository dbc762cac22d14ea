// test_helpers_test.go - Shared constants and helper functions for shmcache tests.

package shmcache_test

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"os"
	"testing"

	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

// Header layout constants (must match format.go).
const (
	shcHeaderSize   = 256
	offMagic        = 0x000
	offVersion      = 0x004
	offNamespace    = 0x060
	offHeaderCRC32C = 0x0A0
	offState        = 0x0A4
	offGeneration   = 0x0A8
	offReserved     = 0x0D0
)

// openTestCache opens opts in a fresh temp dir unless opts names a Dir or a
// Filename. The handle is closed at cleanup.
func openTestCache(tb testing.TB, opts shmcache.Options) *shmcache.Cache {
	tb.Helper()

	if opts.Dir == "" && opts.Filename == "" {
		opts.Dir = tb.TempDir()
	}

	if opts.Namespace == "" && opts.Filename == "" {
		opts.Namespace = "test"
	}

	c, err := shmcache.Open(opts)
	if err != nil {
		tb.Fatalf("Open(%+v): %v", opts, err)
	}

	tb.Cleanup(func() { _ = c.Close() })

	return c
}

// mutateHeader rewrites the first 256 bytes of path. The CRC is left as is.
func mutateHeader(tb testing.TB, path string, mutate func([]byte)) {
	tb.Helper()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		tb.Fatalf("open %s: %v", path, err)
	}

	defer func() { _ = f.Close() }()

	hdr := make([]byte, shcHeaderSize)

	if _, err := f.ReadAt(hdr, 0); err != nil {
		tb.Fatalf("read header: %v", err)
	}

	mutate(hdr)

	if _, err := f.WriteAt(hdr, 0); err != nil {
		tb.Fatalf("write header: %v", err)
	}
}

// mutateHeaderAndFixCRC is mutateHeader followed by a CRC recompute, so only
// the mutated field itself can trip validation.
func mutateHeaderAndFixCRC(tb testing.TB, path string, mutate func([]byte)) {
	tb.Helper()

	mutateHeader(tb, path, func(hdr []byte) {
		mutate(hdr)

		crc := crc32.Checksum(hdr[:offHeaderCRC32C], crc32.MakeTable(crc32.Castagnoli))
		binary.LittleEndian.PutUint32(hdr[offHeaderCRC32C:], crc)
	})
}

func mustSet(tb testing.TB, c *shmcache.Cache, key, value []byte) {
	tb.Helper()

	if err := c.Set(key, value); err != nil {
		tb.Fatalf("Set(%q): %v", key, err)
	}
}

func mustGet(tb testing.TB, c *shmcache.Cache, key []byte) ([]byte, bool) {
	tb.Helper()

	value, ok, err := c.Get(key)
	if err != nil {
		tb.Fatalf("Get(%q): %v", key, err)
	}

	return value, ok
}

// mustGetValue fails unless key is present with want.
func mustGetValue(tb testing.TB, c *shmcache.Cache, key []byte, want string) {
	tb.Helper()

	got, ok := mustGet(tb, c, key)
	if !ok {
		tb.Fatalf("Get(%q): not found, want %q", key, want)
	}

	if string(got) != want {
		tb.Fatalf("Get(%q) = %q, want %q", key, got, want)
	}
}

func mustDelete(tb testing.TB, c *shmcache.Cache, key []byte) bool {
	tb.Helper()

	removed, err := c.Delete(key)
	if err != nil {
		tb.Fatalf("Delete(%q): %v", key, err)
	}

	return removed
}

func mustLen(tb testing.TB, c *shmcache.Cache) int {
	tb.Helper()

	n, err := c.Len()
	if err != nil {
		tb.Fatalf("Len: %v", err)
	}

	return n
}

func mustStatus(tb testing.TB, c *shmcache.Cache) shmcache.Status {
	tb.Helper()

	st, err := c.Status()
	if err != nil {
		tb.Fatalf("Status: %v", err)
	}

	return st
}

func mustInfo(tb testing.TB, c *shmcache.Cache) shmcache.Info {
	tb.Helper()

	info, err := c.Info()
	if err != nil {
		tb.Fatalf("Info: %v", err)
	}

	return info
}

func mustCheck(tb testing.TB, c *shmcache.Cache) {
	tb.Helper()

	if err := c.Check(); err != nil {
		tb.Fatalf("Check: %v", err)
	}
}

// wantErrIs fails unless errors.Is(err, target).
func wantErrIs(tb testing.TB, what string, err, target error) {
	tb.Helper()

	if !errors.Is(err, target) {
		tb.Fatalf("%s: err=%v, want %v", what, err, target)
	}
}

// countingMetrics records every event it receives.
type countingMetrics struct {
	hits, misses, stores, deletes, recoveries int
	storedBytes                              int
	rejects                                  map[shmcache.RejectReason]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{rejects: map[shmcache.RejectReason]int{}}
}

func (m *countingMetrics) Hit()  { m.hits++ }
func (m *countingMetrics) Miss() { m.misses++ }

func (m *countingMetrics) Store(n int) {
	m.stores++
	m.storedBytes += n
}

func (m *countingMetrics) Delete()                            { m.deletes++ }
func (m *countingMetrics) Reject(reason shmcache.RejectReason) { m.rejects[reason]++ }
func (m *countingMetrics) Recover()                           { m.recoveries++ }
