package shmcache_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/shmcache/pkg/region"
	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

func Test_Handles_Agree_On_Contents_When_Goroutines_Write_Concurrently(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	handles := []*shmcache.Cache{
		openTestCache(t, shmcache.Options{Namespace: "race", Dir: dir, Size: 4 << 20}),
		openTestCache(t, shmcache.Options{Namespace: "race", Dir: dir}),
	}

	const (
		workers = 8
		perKey  = 200
	)

	var g errgroup.Group

	for w := range workers {
		c := handles[w%len(handles)]

		g.Go(func() error {
			for i := range perKey {
				key := fmt.Appendf(nil, "w%d-k%d", w, i)

				if err := c.Set(key, key); err != nil {
					return err
				}

				got, ok, err := c.Get(key)
				if err != nil {
					return err
				}

				if !ok || string(got) != string(key) {
					return fmt.Errorf("read back %q: ok=%v got=%q", key, ok, got)
				}

				if i%3 == 0 {
					if _, err := c.Delete(key); err != nil {
						return err
					}
				}
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("workers: %v", err)
	}

	want := workers * (perKey - (perKey+2)/3)

	for i, c := range handles {
		if n := mustLen(t, c); n != want {
			t.Fatalf("handle %d: Len = %d, want %d", i, n, want)
		}
	}

	mustCheck(t, handles[0])
}

func Test_Get_Returns_ErrBusy_When_Region_Lock_Held_Past_Timeout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := openTestCache(t, shmcache.Options{Namespace: "busy", Dir: dir, Size: 64 << 10, LockTimeout: 50 * time.Millisecond})

	reg, err := region.Attach(region.Identity{Namespace: "busy"}, dir)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	defer func() { _ = reg.Close() }()

	lock, err := reg.Lock(false, 0)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	start := time.Now()

	_, _, err = c.Get([]byte("k"))
	wantErrIs(t, "Get while locked", err, shmcache.ErrBusy)

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("Get gave up after %s, want at least the 50ms lock timeout", elapsed)
	}

	wantErrIs(t, "Set while locked", c.Set([]byte("k"), []byte("v")), shmcache.ErrBusy)

	if err := lock.Close(); err != nil {
		t.Fatalf("release lock: %v", err)
	}

	mustSet(t, c, []byte("k"), []byte("v"))
}

const (
	helperEnv = "SHMCACHE_TEST_HELPER"
	dirEnv    = "SHMCACHE_TEST_DIR"
)

// runHelper re-executes the test binary running only testName with
// helperEnv=role.
func runHelper(t *testing.T, testName, role, dir string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=^"+testName+"$", "-test.v")
	cmd.Env = append(os.Environ(), helperEnv+"="+role, dirEnv+"="+dir)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		t.Fatalf("helper %s timed out", role)
	}

	if err != nil {
		t.Fatalf("helper %s failed: %v", role, err)
	}
}

func Test_Set_Is_Visible_Across_Processes_When_Namespace_Shared(t *testing.T) {
	if os.Getenv(helperEnv) == "writer" {
		c, err := shmcache.Open(shmcache.Options{Namespace: "xproc", Dir: os.Getenv(dirEnv)})
		if err != nil {
			t.Fatalf("Open in child: %v", err)
		}

		defer func() { _ = c.Close() }()

		mustGetValue(t, c, []byte("from-parent"), "hello")
		mustSet(t, c, []byte("from-child"), []byte("world"))

		return
	}

	t.Parallel()

	dir := t.TempDir()
	c := openTestCache(t, shmcache.Options{Namespace: "xproc", Dir: dir, Size: 1 << 20})

	mustSet(t, c, []byte("from-parent"), []byte("hello"))

	runHelper(t, "Test_Set_Is_Visible_Across_Processes_When_Namespace_Shared", "writer", dir)

	mustGetValue(t, c, []byte("from-child"), "world")
}

func Test_Region_Recovers_When_Writer_Process_Dies_Mid_Mutation(t *testing.T) {
	if os.Getenv(helperEnv) == "crasher" {
		c, err := shmcache.Open(shmcache.Options{Namespace: "crash", Dir: os.Getenv(dirEnv)})
		if err != nil {
			t.Fatalf("Open in child: %v", err)
		}

		if err := shmcache.InterruptMutationForTesting(c); err != nil {
			t.Fatalf("InterruptMutationForTesting: %v", err)
		}

		// Exit without Close: the kernel releases the mapping and the lock.
		os.Exit(0)
	}

	t.Parallel()

	dir := t.TempDir()
	c := openTestCache(t, shmcache.Options{Namespace: "crash", Dir: dir, Size: 1 << 20})

	for i := range 50 {
		mustSet(t, c, fmt.Appendf(nil, "k%d", i), []byte("v"))
	}

	runHelper(t, "Test_Region_Recovers_When_Writer_Process_Dies_Mid_Mutation", "crasher", dir)

	if n := mustLen(t, c); n != 0 {
		t.Fatalf("Len after crashed writer = %d, want 0", n)
	}

	if info := mustInfo(t, c); info.Recoveries != 1 {
		t.Fatalf("Recoveries = %d, want 1", info.Recoveries)
	}

	mustCheck(t, c)
	mustSet(t, c, []byte("k1"), []byte("again"))
}
