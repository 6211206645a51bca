package shm

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"vidtap/internal/core/ports"
)

// shmDir is where POSIX shared memory objects appear on Linux.
const shmDir = "/dev/shm"

// Ring is a read-only mapping of a target's shared-memory frame ring. The
// target writes slots; the controller only ever reads them.
type Ring struct {
	path string
	data []byte
}

// Open maps size bytes of the named shared-memory object read-only. Bare
// names resolve under /dev/shm; absolute paths are mapped as-is (tests use
// plain files).
func Open(path string, size uint64) (ports.FrameRing, error) {
	if size == 0 {
		return nil, fmt.Errorf("shm %s: zero size", path)
	}

	full := path
	if !strings.HasPrefix(path, "/") {
		full = filepath.Join(shmDir, path)
	}

	fd, err := unix.Open(full, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open shm %s: %w", full, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("stat shm %s: %w", full, err)
	}
	if uint64(st.Size) < size {
		return nil, fmt.Errorf("shm %s: object is %d bytes, need %d", full, st.Size, size)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap shm %s: %w", full, err)
	}

	return &Ring{path: full, data: data}, nil
}

// Slot returns the byte window of one ring slot. The slice aliases the
// mapping and stays valid until Close.
func (r *Ring) Slot(index uint32, slotSize int) ([]byte, error) {
	if slotSize <= 0 {
		return nil, fmt.Errorf("shm %s: slot size %d", r.path, slotSize)
	}
	return r.Window(int(index)*slotSize, slotSize)
}

// Window returns an arbitrary byte range of the mapping.
func (r *Ring) Window(offset, length int) ([]byte, error) {
	if offset < 0 || length <= 0 {
		return nil, fmt.Errorf("shm %s: window %d+%d", r.path, offset, length)
	}
	end := offset + length
	if end > len(r.data) {
		return nil, fmt.Errorf("shm %s: window %d+%d out of mapped range %d", r.path, offset, length, len(r.data))
	}
	return r.data[offset:end], nil
}

// Size returns the mapped size in bytes.
func (r *Ring) Size() int {
	return len(r.data)
}

// Close releases the mapping. Idempotent: later calls return nil.
func (r *Ring) Close() error {
	if r.data == nil {
		return nil
	}
	data := r.data
	r.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap shm %s: %w", r.path, err)
	}
	return nil
}
