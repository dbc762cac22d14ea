package shmcache

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// newTestArena formats an in-memory region. The allocator and index do not
// care whether the bytes are mapped.
func newTestArena(tb testing.TB, total uint64, indexCapacity uint64) *arena {
	tb.Helper()

	l, err := computeLayout(total, DefaultMinChunkSize, growthPercent(DefaultGrowthFactor), indexCapacity)
	if err != nil {
		tb.Fatalf("computeLayout: %v", err)
	}

	l.namespace = "test"

	data := make([]byte, total)
	writeHeader(data, l)

	got, err := readLayout(data)
	if err != nil {
		tb.Fatalf("readLayout of fresh header: %v", err)
	}

	return &arena{data: data, l: got}
}

func mustCheck(tb testing.TB, a *arena) {
	tb.Helper()

	if err := a.check(); err != nil {
		tb.Fatalf("check: %v", err)
	}
}

func Test_SizeClasses_Returns_Default_Ladder_When_Defaults_Used(t *testing.T) {
	t.Parallel()

	want := []uint32{
		32, 40, 56, 72, 96, 120, 152, 192, 240, 304, 384,
		480, 600, 752, 944, 1184, 1480, 1856, 2320, 2904, 3632, 4096,
	}

	got := sizeClasses(DefaultMinChunkSize, growthPercent(DefaultGrowthFactor))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("size classes mismatch (-want +got):\n%s", diff)
	}
}

func Test_SizeClasses_Are_Aligned_And_Increasing_When_Parameters_Vary(t *testing.T) {
	t.Parallel()

	for _, minChunk := range []uint32{16, 24, 32, 64, 2048} {
		for _, pct := range []uint32{105, 110, 125, 200, 400} {
			classes := sizeClasses(minChunk, pct)

			if classes[0] != minChunk {
				t.Fatalf("min=%d pct=%d: first class %d", minChunk, pct, classes[0])
			}

			if classes[len(classes)-1] != slabSize {
				t.Fatalf("min=%d pct=%d: last class %d, want %d", minChunk, pct, classes[len(classes)-1], slabSize)
			}

			for i, size := range classes {
				if size%8 != 0 {
					t.Fatalf("min=%d pct=%d: class %d size %d not 8-aligned", minChunk, pct, i, size)
				}

				if i > 0 && size <= classes[i-1] {
					t.Fatalf("min=%d pct=%d: class %d size %d not above %d", minChunk, pct, i, size, classes[i-1])
				}
			}
		}
	}
}

func Test_ComputeLayout_Places_Slabs_After_Index_When_Region_Is_Small(t *testing.T) {
	t.Parallel()

	l, err := computeLayout(64<<10, DefaultMinChunkSize, 125, 0)
	if err != nil {
		t.Fatalf("computeLayout: %v", err)
	}

	want := layout{
		totalBytes:      64 << 10,
		minChunk:        32,
		growthPct:       125,
		classes:         l.classes,
		indexCapacity:   128,
		bucketCount:     256,
		classesOffset:   256,
		bucketsOffset:   960,
		slabTableOffset: 5056,
		slabsOffset:     8192,
		slabCount:       14,
	}

	if diff := cmp.Diff(want, l, cmp.AllowUnexported(layout{})); diff != "" {
		t.Fatalf("layout mismatch (-want +got):\n%s", diff)
	}
}

func Test_ComputeLayout_Returns_ErrInvalidInput_When_Region_Too_Small(t *testing.T) {
	t.Parallel()

	_, err := computeLayout(4096, DefaultMinChunkSize, 125, 0)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("computeLayout(4096) err = %v, want ErrInvalidInput", err)
	}

	_, err = computeLayout(1<<20, DefaultMinChunkSize, 125, 1<<20)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("index larger than region: err = %v, want ErrInvalidInput", err)
	}
}

func Test_Stats_Reports_Whole_Slab_Area_Free_When_Region_Is_New(t *testing.T) {
	t.Parallel()

	a := newTestArena(t, 64<<10, 0)

	want := Status{
		FreeBytes:    14 * slabSize,
		FreeChunks:   14,
		LargestChunk: slabSize,
		TotalBytes:   64 << 10,
		UsedBytes:    64<<10 - 14*slabSize,
	}

	if diff := cmp.Diff(want, a.stats()); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
}

func Test_Alloc_Carves_Slab_And_Free_Returns_It_When_Last_Chunk_Freed(t *testing.T) {
	t.Parallel()

	a := newTestArena(t, 64<<10, 0)
	before := a.stats()

	off, err := a.alloc(0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	if got := a.classSlabs(0); got != 1 {
		t.Fatalf("class 0 slabs = %d, want 1", got)
	}

	if got, want := a.freeCount(0), uint64(slabSize/32-1); got != want {
		t.Fatalf("class 0 free = %d, want %d", got, want)
	}

	if off != a.l.slabsOffset {
		t.Fatalf("first chunk at %d, want slab start %d", off, a.l.slabsOffset)
	}

	mustCheckAllocOnly(t, a, 1)

	if err := a.free(off); err != nil {
		t.Fatalf("free: %v", err)
	}

	if got := a.classSlabs(0); got != 0 {
		t.Fatalf("class 0 slabs after free = %d, want 0", got)
	}

	maxC := a.l.maxClass()
	if a.classSlabs(maxC) != 1 || a.freeCount(maxC) != 1 || a.freeCount(0) != 0 {
		t.Fatalf("slab not returned to max class: slabs=%d free=%d class0free=%d",
			a.classSlabs(maxC), a.freeCount(maxC), a.freeCount(0))
	}

	after := a.stats()
	if after.FreeBytes != before.FreeBytes || after.UsedBytes != before.UsedBytes {
		t.Fatalf("free bytes %d -> %d, want unchanged", before.FreeBytes, after.FreeBytes)
	}

	mustCheck(t, a)
}

// mustCheckAllocOnly checks that slab use counts add up to n while chunks
// are allocated outside the index, where check would flag them.
func mustCheckAllocOnly(tb testing.TB, a *arena, n uint64) {
	tb.Helper()

	var used uint64
	for s := range a.highwater() {
		used += a.slabUsed(s)
	}

	if used != n {
		tb.Fatalf("slab use counts sum to %d, want %d", used, n)
	}
}

func Test_Alloc_Reuses_Empty_Slab_For_Other_Class_When_Untouched_Slabs_Exhausted(t *testing.T) {
	t.Parallel()

	a := newTestArena(t, 64<<10, 0)
	maxC := a.l.maxClass()

	var slabs []uint64

	for range a.l.slabCount {
		off, err := a.alloc(maxC)
		if err != nil {
			t.Fatalf("alloc max: %v", err)
		}

		slabs = append(slabs, off)
	}

	if _, err := a.alloc(0); !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("alloc with every slab in use: err = %v, want ErrOutOfSpace", err)
	}

	if err := a.free(slabs[3]); err != nil {
		t.Fatalf("free: %v", err)
	}

	off, err := a.alloc(2)
	if err != nil {
		t.Fatalf("alloc class 2 after freeing a slab: %v", err)
	}

	if off != slabs[3] {
		t.Fatalf("class 2 chunk at %d, want start of freed slab %d", off, slabs[3])
	}

	_, c, err := a.chunkClass(off)
	if err != nil || c != 2 {
		t.Fatalf("chunkClass = %d, %v; want 2", c, err)
	}
}

func Test_Alloc_Falls_Back_To_Larger_Class_When_No_Slab_Available(t *testing.T) {
	t.Parallel()

	a := newTestArena(t, 64<<10, 0)
	maxC := a.l.maxClass()

	const big = 5 // 120-byte chunks

	if _, err := a.alloc(big); err != nil {
		t.Fatalf("alloc big: %v", err)
	}

	for range a.l.slabCount - 1 {
		if _, err := a.alloc(maxC); err != nil {
			t.Fatalf("alloc max: %v", err)
		}
	}

	off, err := a.alloc(1)
	if err != nil {
		t.Fatalf("alloc class 1 with a free class 5 chunk: %v", err)
	}

	_, c, err := a.chunkClass(off)
	if err != nil || c != big {
		t.Fatalf("fallback chunk class = %d, %v; want %d", c, err, big)
	}

	if err := a.free(off); err != nil {
		t.Fatalf("free fallback chunk: %v", err)
	}

	if got, want := a.freeCount(big), uint64(slabSize/120-1); got != want {
		t.Fatalf("class %d free = %d, want %d", big, got, want)
	}
}

func Test_Free_Returns_ErrCorrupt_When_Chunk_Freed_Twice(t *testing.T) {
	t.Parallel()

	a := newTestArena(t, 64<<10, 0)

	first, _ := a.alloc(0)
	second, _ := a.alloc(0)

	if err := a.free(first); err != nil {
		t.Fatalf("free: %v", err)
	}

	if err := a.free(first); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("double free err = %v, want ErrCorrupt", err)
	}

	if err := a.free(second + 1); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("misaligned free err = %v, want ErrCorrupt", err)
	}

	if err := a.free(a.l.slabsOffset + 10*slabSize); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("free above high-water err = %v, want ErrCorrupt", err)
	}
}

func Test_ChainPlan_Uses_Tail_Class_When_Record_Spans_Chunks(t *testing.T) {
	t.Parallel()

	a := newTestArena(t, 64<<10, 0)
	maxC := a.l.maxClass()

	tests := []struct {
		n    uint64
		want []int
	}{
		{n: 1, want: []int{0}},
		{n: 24, want: []int{0}},
		{n: 25, want: []int{1}},
		{n: maxPayload, want: []int{maxC}},
		{n: maxPayload + 1, want: []int{maxC, 0}},
		{n: 2*maxPayload + 100, want: []int{maxC, maxC, 5}},
		{n: 3 * maxPayload, want: []int{maxC, maxC, maxC}},
	}

	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, a.chainPlan(tt.n)); diff != "" {
			t.Fatalf("chainPlan(%d) mismatch (-want +got):\n%s", tt.n, diff)
		}
	}
}

func Test_AllocChain_Allocates_Nothing_When_Chain_Does_Not_Fit(t *testing.T) {
	t.Parallel()

	a := newTestArena(t, 64<<10, 0)
	before := a.stats()

	_, err := a.allocChain(20 * maxPayload)
	if !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("allocChain err = %v, want ErrOutOfSpace", err)
	}

	after := a.stats()
	if after.FreeBytes != before.FreeBytes {
		t.Fatalf("free bytes %d -> %d after failed chain", before.FreeBytes, after.FreeBytes)
	}

	mustCheck(t, a)
}

func Test_Stats_Sums_To_Total_When_Chunks_Of_Many_Classes_Allocated(t *testing.T) {
	t.Parallel()

	a := newTestArena(t, 1<<20, 0)

	var chunks []uint64

	for i := range 400 {
		off, err := a.alloc(i % len(a.l.classes))
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}

		chunks = append(chunks, off)

		st := a.stats()
		if st.UsedBytes+st.FreeBytes != st.TotalBytes {
			t.Fatalf("used %d + free %d != total %d", st.UsedBytes, st.FreeBytes, st.TotalBytes)
		}

		if st.FreeChunks > 0 && st.LargestChunk == 0 {
			t.Fatalf("free chunks %d but largest chunk 0", st.FreeChunks)
		}
	}

	for _, off := range chunks {
		if err := a.free(off); err != nil {
			t.Fatalf("free %d: %v", off, err)
		}
	}

	for c := range a.l.maxClass() {
		if a.classSlabs(c) != 0 {
			t.Fatalf("class %d keeps %d slabs after everything was freed", c, a.classSlabs(c))
		}
	}

	mustCheck(t, a)
}

func Test_Stats_Reports_Zero_Largest_When_Region_Is_Full(t *testing.T) {
	t.Parallel()

	a := newTestArena(t, 16<<10, 0)

	for range a.l.slabCount {
		if _, err := a.alloc(a.l.maxClass()); err != nil {
			t.Fatalf("alloc: %v", err)
		}
	}

	st := a.stats()
	if st.FreeBytes != 0 || st.FreeChunks != 0 || st.LargestChunk != 0 || st.UsedBytes != st.TotalBytes {
		t.Fatalf("full region stats = %+v", st)
	}
}
