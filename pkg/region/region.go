// Package region maps the backing files of shmcache regions.
//
// A region is a fixed-size file mapped MAP_SHARED into every attached
// process. This package resolves an [Identity] to a path, creates the file
// (formatted through [Options.Init] before it becomes visible at its path),
// attaches to existing files, and destroys them. It knows nothing about the
// bytes inside a region.
//
// Every region has a sibling lock file "<path>.lock" used with flock(2).
// The lock file is never removed, so waiters always agree on its inode.
package region

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/shmcache/internal/fs"
)

var (
	// ErrInvalidIdentity indicates a malformed [Identity].
	ErrInvalidIdentity = errors.New("region: invalid identity")

	// ErrInvalidSize indicates a size that cannot back a region.
	ErrInvalidSize = errors.New("region: invalid size")

	// ErrBusy indicates the region lock could not be acquired within the
	// configured timeout.
	ErrBusy = errors.New("region: busy")
)

const (
	fileMode  = 0o600
	dirMode   = 0o750
	lockExt   = ".lock"
	tmpMarker = ".tmp."
)

// locker is the package-level file locker for cross-process coordination.
var locker = fs.NewLocker(fs.NewReal())

// pageSize is the system page size; region sizes are rounded up to it.
var pageSize = unix.Getpagesize()

// Options configures [Open].
type Options struct {
	// Dir overrides the namespaces root. Ignored for filename identities.
	Dir string

	// Size is the total size of a newly created region in bytes. It is
	// rounded up to a multiple of the page size. Existing regions keep their
	// size.
	Size int64

	// Init formats a newly created region. It runs before the file is
	// renamed into place, so no other process can observe an unformatted
	// region. Init is not called when attaching.
	Init func(data []byte) error

	// LockTimeout bounds the wait for the region lock during create/attach.
	// Zero waits indefinitely.
	LockTimeout time.Duration
}

// Region is a mapped region file.
//
// A Region must be obtained via [Open] or [Attach]. Close releases the
// mapping; other processes are unaffected.
type Region struct {
	_ [0]func() // prevent external construction

	mu       sync.Mutex
	path     string
	lockPath string
	file     *os.File
	data     []byte
	dev      uint64
	ino      uint64
	created  bool
}

// Open attaches to the region for id, creating it with opts.Size when it
// does not exist yet. Creation and attach are serialized by the region lock.
//
// Possible errors: [ErrInvalidIdentity], [ErrInvalidSize], [ErrBusy],
// errors returned by [Options.Init], and syscall errors.
func Open(id Identity, opts Options) (*Region, error) {
	path, err := Resolve(id, opts.Dir)
	if err != nil {
		return nil, err
	}

	lock, err := acquire(path+lockExt, false, opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Close() }()

	sweepTemps(path)

	r, err := attachPath(path)
	if err == nil {
		if len(r.data) > 0 {
			return r, nil
		}

		// Zero-length file: a creator died between open and truncate, or
		// someone touched the path. Format it in place.
		return formatInPlace(r, opts)
	}

	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	return create(path, opts)
}

// Attach maps an existing region without creating it.
//
// Returns an error satisfying errors.Is(err, os.ErrNotExist) when the
// backing file does not exist.
func Attach(id Identity, dir string) (*Region, error) {
	path, err := Resolve(id, dir)
	if err != nil {
		return nil, err
	}

	return attachPath(path)
}

// Destroy unlinks the backing file for id. A missing file is not an error.
// Processes that still map the region keep their mapping; they detect the
// removal through [Region.Stale].
func Destroy(id Identity, dir string) error {
	path, err := Resolve(id, dir)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}

	return nil
}

// Bytes returns the mapped region. The slice is only valid until Close.
func (r *Region) Bytes() []byte { return r.data }

// Path returns the backing file path.
func (r *Region) Path() string { return r.path }

// LockPath returns the path of the region's lock file.
func (r *Region) LockPath() string { return r.lockPath }

// Created reports whether this call to [Open] created the region.
func (r *Region) Created() bool { return r.created }

// Key returns a string that is equal for two regions exactly when they map
// the same file (device and inode).
func (r *Region) Key() string { return fmt.Sprintf("%d:%d", r.dev, r.ino) }

// Lock acquires the region lock. Shared locks admit other shared holders.
// A zero timeout waits indefinitely.
//
// Possible errors: [ErrBusy] when the timeout expires.
func (r *Region) Lock(shared bool, timeout time.Duration) (io.Closer, error) {
	lock, err := acquire(r.lockPath, shared, timeout)
	if err != nil {
		return nil, err
	}

	return lock, nil
}

// TryLock acquires the exclusive region lock without waiting.
//
// Possible errors: [ErrBusy] when another holder has the lock.
func (r *Region) TryLock() (io.Closer, error) {
	lock, err := locker.TryLock(r.lockPath)
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, ErrBusy
		}

		return nil, fmt.Errorf("acquire region lock: %w", err)
	}

	return lock, nil
}

// Stale reports whether the backing path no longer refers to this mapping,
// either because it was removed or because it was replaced by a new file.
func (r *Region) Stale() (bool, error) {
	var st unix.Stat_t

	err := unix.Stat(r.path, &st)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return true, nil
		}

		return false, fmt.Errorf("stat %s: %w", r.path, err)
	}

	return uint64(st.Dev) != r.dev || st.Ino != r.ino, nil
}

// Sync flushes the mapping to the backing file (msync MS_SYNC).
func (r *Region) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data == nil {
		return os.ErrClosed
	}

	if err := unix.Msync(r.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}

	return nil
}

// Close unmaps the region and closes the backing file. Close is idempotent.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}

	var unmapErr error
	if r.data != nil {
		unmapErr = unix.Munmap(r.data)
		r.data = nil
	}

	closeErr := r.file.Close()
	r.file = nil

	if unmapErr != nil {
		unmapErr = fmt.Errorf("munmap: %w", unmapErr)
	}

	return errors.Join(unmapErr, closeErr)
}

func acquire(lockPath string, shared bool, timeout time.Duration) (*fs.Lock, error) {
	var (
		lock *fs.Lock
		err  error
	)

	switch {
	case timeout > 0 && shared:
		lock, err = locker.RLockWithTimeout(lockPath, timeout)
	case timeout > 0:
		lock, err = locker.LockWithTimeout(lockPath, timeout)
	case shared:
		lock, err = locker.RLock(lockPath)
	default:
		lock, err = locker.Lock(lockPath)
	}

	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, fmt.Errorf("%w: %w", ErrBusy, err)
		}

		return nil, fmt.Errorf("acquire region lock: %w", err)
	}

	return lock, nil
}

// attachPath opens and maps an existing file. A zero-length file is
// returned with a nil mapping so [Open] can format it.
func attachPath(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	r, err := mapFile(path, f)
	if err != nil {
		_ = f.Close()

		return nil, err
	}

	return r, nil
}

func mapFile(path string, f *os.File) (*Region, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, fmt.Errorf("fstat %s: %w", path, err)
	}

	r := &Region{
		path:     path,
		lockPath: path + lockExt,
		file:     f,
		dev:      uint64(st.Dev),
		ino:      st.Ino,
	}

	if st.Size == 0 {
		return r, nil
	}

	if st.Size > int64(maxMapSize) {
		return nil, fmt.Errorf("file size %d exceeds mappable size: %w", st.Size, ErrInvalidSize)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	r.data = data

	return r, nil
}

// maxMapSize bounds region sizes to what a []byte can address.
const maxMapSize = int(^uint(0) >> 1)

func roundSize(size int64) (int64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("size must be > 0, got %d: %w", size, ErrInvalidSize)
	}

	page := int64(pageSize)
	if size > int64(maxMapSize)-page {
		return 0, fmt.Errorf("size %d exceeds mappable size: %w", size, ErrInvalidSize)
	}

	return (size + page - 1) / page * page, nil
}

// create builds the region in a temp file next to path, formats it, and
// renames it into place. The caller holds the region lock.
func create(path string, opts Options) (*Region, error) {
	size, err := roundSize(opts.Size)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	suffix := make([]byte, 8)
	_, _ = rand.Read(suffix)
	tmpPath := fmt.Sprintf("%s%s%x", path, tmpMarker, suffix)

	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	r, err := initFile(tmpPath, f, size, opts.Init)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)

		return nil, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = r.Close()
		_ = os.Remove(tmpPath)

		return nil, fmt.Errorf("rename: %w", err)
	}

	r.path = path
	r.lockPath = path + lockExt
	r.created = true

	return r, nil
}

// sweepTemps removes temp files left by creators that died before their
// rename. The caller holds the region lock, so no live creator owns one.
func sweepTemps(path string) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	prefix := base + tmpMarker

	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}

// formatInPlace sizes and formats a zero-length file that already sits at
// its final path. The caller holds the region lock.
func formatInPlace(empty *Region, opts Options) (*Region, error) {
	size, err := roundSize(opts.Size)
	if err != nil {
		_ = empty.file.Close()

		return nil, err
	}

	r, err := initFile(empty.path, empty.file, size, opts.Init)
	if err != nil {
		_ = empty.file.Close()

		return nil, err
	}

	r.created = true

	return r, nil
}

func initFile(path string, f *os.File, size int64, init func([]byte) error) (*Region, error) {
	if err := unix.Ftruncate(int(f.Fd()), size); err != nil {
		return nil, fmt.Errorf("ftruncate: %w", err)
	}

	r, err := mapFile(path, f)
	if err != nil {
		return nil, err
	}

	if init != nil {
		if err := init(r.data); err != nil {
			_ = unix.Munmap(r.data)

			return nil, err
		}
	}

	if err := unix.Msync(r.data, unix.MS_SYNC); err != nil {
		_ = unix.Munmap(r.data)

		return nil, fmt.Errorf("msync: %w", err)
	}

	return r, nil
}
