package shmcache_test

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/calvinalkan/shmcache/pkg/shmcache"
	"github.com/calvinalkan/shmcache/pkg/shmcache/model"
)

// Test_Cache_Matches_Model_When_Random_Operations_Applied drives two handles
// of one region and the in-memory model with the same random operations and
// compares every observable result.
func Test_Cache_Matches_Model_When_Random_Operations_Applied(t *testing.T) {
	t.Parallel()

	for seed := range uint64(8) {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			t.Parallel()

			runModelVsReal(t, seed, 2000)
		})
	}
}

func runModelVsReal(t *testing.T, seed uint64, steps int) {
	t.Helper()

	const capacity = 32

	dir := t.TempDir()
	handles := []*shmcache.Cache{
		openTestCache(t, shmcache.Options{Namespace: "model", Dir: dir, Size: 512 << 10, IndexCapacity: capacity}),
		openTestCache(t, shmcache.Options{Namespace: "model", Dir: dir}),
	}

	m := model.New(capacity)
	rng := rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))

	keyPool := make([][]byte, 48)
	for i := range keyPool {
		keyPool[i] = fmt.Appendf(nil, "key-%d-%s", i, make([]byte, rng.IntN(40)))
	}

	for step := range steps {
		c := handles[rng.IntN(len(handles))]
		key := keyPool[rng.IntN(len(keyPool))]

		switch op := rng.IntN(100); {
		case op < 45:
			value := make([]byte, rng.IntN(600))
			for i := range value {
				value[i] = byte(rng.Uint32())
			}

			wantErr := m.Set(key, value)
			gotErr := c.Set(key, value)

			if errors.Is(gotErr, shmcache.ErrOutOfSpace) {
				t.Fatalf("step %d: unexpected ErrOutOfSpace with %d live entries", step, m.Len())
			}

			if !sameErr(wantErr, gotErr) {
				t.Fatalf("step %d: Set(%q) err = %v, model err = %v", step, key, gotErr, wantErr)
			}

		case op < 75:
			want, wantOK := m.Get(key)

			got, ok, err := c.Get(key)
			if err != nil {
				t.Fatalf("step %d: Get(%q): %v", step, key, err)
			}

			if ok != wantOK || string(got) != string(want) {
				t.Fatalf("step %d: Get(%q) = %q,%v; model %q,%v", step, key, got, ok, want, wantOK)
			}

		case op < 95:
			want := m.Delete(key)

			got, err := c.Delete(key)
			if err != nil {
				t.Fatalf("step %d: Delete(%q): %v", step, key, err)
			}

			if got != want {
				t.Fatalf("step %d: Delete(%q) = %v, model %v", step, key, got, want)
			}

		case op < 97:
			m.Clear()

			if err := c.Clear(); err != nil {
				t.Fatalf("step %d: Clear: %v", step, err)
			}

		default:
			keys, err := c.Keys()
			if err != nil {
				t.Fatalf("step %d: Keys: %v", step, err)
			}

			slices.Sort(keys)

			if diff := cmp.Diff(m.Keys(), keys, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("step %d: keys mismatch (-model +real):\n%s", step, diff)
			}
		}

		if step%100 == 0 {
			if err := c.Check(); err != nil {
				t.Fatalf("step %d: Check: %v", step, err)
			}
		}
	}

	n, err := handles[0].Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}

	if n != m.Len() {
		t.Fatalf("Len = %d, model %d", n, m.Len())
	}
}

func sameErr(want, got error) bool {
	switch {
	case want == nil:
		return got == nil
	case errors.Is(want, shmcache.ErrFull):
		return errors.Is(got, shmcache.ErrFull)
	case errors.Is(want, shmcache.ErrInvalidInput):
		return errors.Is(got, shmcache.ErrInvalidInput)
	default:
		return false
	}
}
