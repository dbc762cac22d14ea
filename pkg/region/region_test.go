package region_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/shmcache/pkg/region"
)

func stamp(tag byte) func([]byte) error {
	return func(data []byte) error {
		data[0] = tag

		return nil
	}
}

func Test_Open_Creates_Region_And_Runs_Init_When_File_Is_Missing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	id := region.Identity{Namespace: "viewcounters"}

	r, err := region.Open(id, region.Options{Dir: dir, Size: 10_000, Init: stamp(0xAB)})
	require.NoError(t, err)

	defer r.Close()

	assert.True(t, r.Created())
	assert.Equal(t, filepath.Join(dir, "viewcounters.shc"), r.Path())
	assert.Equal(t, r.Path()+".lock", r.LockPath())
	assert.Zero(t, len(r.Bytes())%os.Getpagesize(), "size must be page aligned")
	assert.GreaterOrEqual(t, len(r.Bytes()), 10_000)
	assert.Equal(t, byte(0xAB), r.Bytes()[0])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp.", "temp file left behind")
	}
}

func Test_Open_Removes_Leftover_Temp_Files_When_Creator_Died(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	id := region.Identity{Namespace: "orphans"}

	leftover := filepath.Join(dir, "orphans.shc.tmp.0123456789abcdef")
	other := filepath.Join(dir, "others.shc.tmp.0123456789abcdef")

	for _, p := range []string{leftover, other} {
		require.NoError(t, os.WriteFile(p, []byte("half written"), 0o600))
	}

	r, err := region.Open(id, region.Options{Dir: dir, Size: 8192, Init: stamp(1)})
	require.NoError(t, err)

	defer r.Close()

	_, err = os.Stat(leftover)
	require.ErrorIs(t, err, os.ErrNotExist, "temp file of this region must be swept")

	_, err = os.Stat(other)
	require.NoError(t, err, "temp files of other regions are left alone")

	require.NoError(t, os.WriteFile(leftover, nil, 0o600))

	again, err := region.Open(id, region.Options{Dir: dir, Size: 8192})
	require.NoError(t, err)

	defer again.Close()

	assert.False(t, again.Created())

	_, err = os.Stat(leftover)
	require.ErrorIs(t, err, os.ErrNotExist, "attach sweeps too")
}

func Test_Open_Attaches_Without_Init_When_Region_Exists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	id := region.Identity{Namespace: "shared"}

	first, err := region.Open(id, region.Options{Dir: dir, Size: 8192, Init: stamp(1)})
	require.NoError(t, err)

	defer first.Close()

	second, err := region.Open(id, region.Options{Dir: dir, Size: 1 << 20, Init: stamp(2)})
	require.NoError(t, err)

	defer second.Close()

	assert.False(t, second.Created())
	assert.Equal(t, first.Key(), second.Key())
	assert.Len(t, second.Bytes(), len(first.Bytes()), "existing size wins over configured size")

	first.Bytes()[100] = 42
	assert.Equal(t, byte(42), second.Bytes()[100], "mappings must be shared")
	assert.Equal(t, byte(1), second.Bytes()[0])
}

func Test_Open_Creates_Exactly_Once_When_Openers_Race(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	id := region.Identity{Namespace: "race"}

	const openers = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		keys    = map[string]bool{}
	)

	for range openers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			r, err := region.Open(id, region.Options{Dir: dir, Size: 4096, Init: stamp(7)})
			if err != nil {
				t.Errorf("Open: %v", err)

				return
			}

			defer r.Close()

			mu.Lock()
			defer mu.Unlock()

			if r.Created() {
				created++
			}

			keys[r.Key()] = true
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, keys, 1)
}

func Test_Open_Returns_Init_Error_And_Leaves_No_File_When_Init_Fails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	id := region.Identity{Namespace: "broken"}
	boom := errors.New("boom")

	_, err := region.Open(id, region.Options{Dir: dir, Size: 4096, Init: func([]byte) error { return boom }})
	require.ErrorIs(t, err, boom)

	_, err = os.Stat(filepath.Join(dir, "broken.shc"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func Test_Open_Formats_In_Place_When_File_Is_Empty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.db")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	r, err := region.Open(region.Identity{Filename: path}, region.Options{Size: 4096, Init: stamp(9)})
	require.NoError(t, err)

	defer r.Close()

	assert.True(t, r.Created())
	assert.Equal(t, byte(9), r.Bytes()[0])
}

func Test_Open_Returns_ErrInvalidSize_When_Creating_With_Zero_Size(t *testing.T) {
	t.Parallel()

	_, err := region.Open(region.Identity{Namespace: "x"}, region.Options{Dir: t.TempDir()})
	require.ErrorIs(t, err, region.ErrInvalidSize)
}

func Test_Attach_Returns_ErrNotExist_When_Region_Is_Missing(t *testing.T) {
	t.Parallel()

	_, err := region.Attach(region.Identity{Namespace: "nope"}, t.TempDir())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func Test_Stale_Reports_True_When_Destroyed_Or_Replaced(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	id := region.Identity{Namespace: "stale"}

	r, err := region.Open(id, region.Options{Dir: dir, Size: 4096})
	require.NoError(t, err)

	defer r.Close()

	stale, err := r.Stale()
	require.NoError(t, err)
	assert.False(t, stale)

	require.NoError(t, region.Destroy(id, dir))

	stale, err = r.Stale()
	require.NoError(t, err)
	assert.True(t, stale, "removed file must be stale")

	fresh, err := region.Open(id, region.Options{Dir: dir, Size: 4096})
	require.NoError(t, err)

	defer fresh.Close()

	stale, err = r.Stale()
	require.NoError(t, err)
	assert.True(t, stale, "replaced file must be stale")
	assert.NotEqual(t, r.Key(), fresh.Key())

	_, err = os.Stat(r.LockPath())
	assert.NoError(t, err, "lock file must survive destroy")
}

func Test_Destroy_Succeeds_When_Region_Is_Missing(t *testing.T) {
	t.Parallel()

	require.NoError(t, region.Destroy(region.Identity{Namespace: "ghost"}, t.TempDir()))
}

func Test_TryLock_Returns_ErrBusy_When_Lock_Is_Held(t *testing.T) {
	t.Parallel()

	r, err := region.Open(region.Identity{Namespace: "busy"}, region.Options{Dir: t.TempDir(), Size: 4096})
	require.NoError(t, err)

	defer r.Close()

	held, err := r.Lock(false, 0)
	require.NoError(t, err)

	_, err = r.TryLock()
	require.ErrorIs(t, err, region.ErrBusy)

	require.NoError(t, held.Close())

	again, err := r.TryLock()
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func Test_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	r, err := region.Open(region.Identity{Namespace: "closer"}, region.Options{Dir: t.TempDir(), Size: 4096})
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	require.ErrorIs(t, r.Sync(), os.ErrClosed)
}

func Test_Identity_Validate_Rejects_Malformed_Identities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   region.Identity
	}{
		{name: "Empty", id: region.Identity{}},
		{name: "Both", id: region.Identity{Namespace: "a", Filename: "b"}},
		{name: "Slash", id: region.Identity{Namespace: "a/b"}},
		{name: "Dotfile", id: region.Identity{Namespace: ".hidden"}},
		{name: "TooLong", id: region.Identity{Namespace: string(make([]byte, 65))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.ErrorIs(t, tt.id.Validate(), region.ErrInvalidIdentity)
		})
	}
}

func Test_Resolve_Uses_Env_Root_When_Dir_Is_Empty(t *testing.T) {
	root := t.TempDir()
	t.Setenv(region.NamespacesRootEnv, root)

	path, err := region.Resolve(region.Identity{Namespace: "foo"}, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "foo.shc"), path)

	path, err = region.Resolve(region.Identity{Filename: "rel.db"}, "")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))
}
