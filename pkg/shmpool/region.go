package shmpool

import (
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultDir is where pool regions live unless [Options.Dir] says otherwise.
// On Linux this is the tmpfs behind POSIX shm_open, so a pool named "/frames"
// is the shared memory object /frames.
const DefaultDir = "/dev/shm"

// errRegionExists is an internal sentinel: publishing a freshly created
// region lost the race against another creator. Callers fall back to opening
// the existing region.
var errRegionExists = errors.New("internal: region already exists")

// regionPath maps a pool name to its backing file path.
//
// The observed naming convention uses a leading "/" (shm_open style); it is
// accepted and stripped. The remainder must be a single path component.
func regionPath(dir, name string) (string, error) {
	base := strings.TrimPrefix(name, "/")
	if base == "" {
		return "", fmt.Errorf("pool name is required: %w", ErrInvalidInput)
	}

	if strings.ContainsRune(base, '/') {
		return "", fmt.Errorf("pool name %q must not contain '/': %w", name, ErrInvalidInput)
	}

	if dir == "" {
		dir = DefaultDir
	}

	return filepath.Join(dir, base), nil
}

// mapOSError classifies a syscall failure into the pool error taxonomy.
func mapOSError(op string, err error) error {
	if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
		return fmt.Errorf("%s: %v: %w", op, err, ErrPermission)
	}

	return fmt.Errorf("%s: %v: %w", op, err, ErrResource)
}

// createRegion publishes a new region file at path with the given header and
// total size. The file is prepared under a temp name and linked into place
// with RENAME_NOREPLACE, so other processes either see no file or a fully
// initialized one. Returns errRegionExists if another creator won the race.
func createRegion(path string, header []byte, size int64) error {
	randBytes := make([]byte, 8)
	_, _ = rand.Read(randBytes) // Ignore error; best-effort randomness.
	tmpPath := fmt.Sprintf("%s.tmp.%x", path, randBytes)

	fd, err := unix.Open(tmpPath, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o600)
	if err != nil {
		return mapOSError("create temp region", err)
	}

	// Truncate to full size (sparse: the payload arena commits lazily).
	if err := unix.Ftruncate(fd, size); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(tmpPath)

		return mapOSError("ftruncate", err)
	}

	if _, err := unix.Pwrite(fd, header, 0); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(tmpPath)

		return mapOSError("write header", err)
	}

	if err := unix.Fsync(fd); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(tmpPath)

		return mapOSError("fsync", err)
	}

	_ = unix.Close(fd)

	err = unix.Renameat2(unix.AT_FDCWD, tmpPath, unix.AT_FDCWD, path, unix.RENAME_NOREPLACE)
	if err != nil {
		_ = unix.Unlink(tmpPath)

		if errors.Is(err, unix.EEXIST) {
			return errRegionExists
		}

		return mapOSError("rename", err)
	}

	return nil
}

// mapRegion opens and mmaps an existing region file read-write.
func mapRegion(path string) (int, []byte, int64, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return -1, nil, 0, err
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		_ = unix.Close(fd)

		return -1, nil, 0, mapOSError("stat region", err)
	}

	if stat.Size < xmp1HeaderSize {
		_ = unix.Close(fd)

		return -1, nil, 0, fmt.Errorf("region size %d is less than header size %d: %w", stat.Size, xmp1HeaderSize, ErrCorrupt)
	}

	data, err := unix.Mmap(fd, 0, int(stat.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)

		return -1, nil, 0, mapOSError("mmap", err)
	}

	return fd, data, stat.Size, nil
}

// Unlink destroys the named pool region in dir (DefaultDir if empty).
//
// This is the administrative end of a pool's lifecycle: processes that still
// have the region mapped keep working against the orphaned memory, but no new
// Open can attach, and the backing object is gone once the last mapping goes
// away. Closing pool handles never unlinks.
func Unlink(dir, name string) error {
	path, err := regionPath(dir, name)
	if err != nil {
		return err
	}

	if err := unix.Unlink(path); err != nil {
		return mapOSError("unlink region", err)
	}

	return nil
}
