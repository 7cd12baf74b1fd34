//go:build linux

package port

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

type memfdRegion struct {
	fd  int
	buf []byte
}

// NewSharedRegion creates a sealed memfd of the given size and maps it shared.
func NewSharedRegion(name string, size int) (Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region %s: invalid size %d", name, size)
	}
	fd, err := unix.MemfdCreate("apexhv-"+name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create %s: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ftruncate %s: %w", name, err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_SEAL); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("seal %s: %w", name, err)
	}
	buf, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap %s: %w", name, err)
	}
	return &memfdRegion{fd: fd, buf: buf}, nil
}

// SharedAllocator backs channels with memfd regions.
func SharedAllocator(name string, size int) (Region, error) {
	return NewSharedRegion(name, size)
}

func (r *memfdRegion) Bytes() []byte { return r.buf }

// OpenReadOnly reopens the memfd through procfs with O_RDONLY, so the
// descriptor cannot be mapped writable by whoever receives it.
func (r *memfdRegion) OpenReadOnly() (*os.File, error) {
	if r.fd < 0 {
		return nil, os.ErrClosed
	}
	return os.OpenFile("/proc/self/fd/"+strconv.Itoa(r.fd), os.O_RDONLY, 0)
}

func (r *memfdRegion) Close() error {
	var firstErr error
	if r.buf != nil {
		if err := unix.Munmap(r.buf); err != nil {
			firstErr = err
		}
		r.buf = nil
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		r.fd = -1
	}
	return firstErr
}

type readOnlyRegion struct {
	buf []byte
}

// MapReadOnly maps size bytes of the region behind fd for reading. The fd may
// be closed once the mapping exists.
func MapReadOnly(fd uintptr, size int) (Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid region size %d", size)
	}
	buf, err := unix.Mmap(int(fd), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap read-only: %w", err)
	}
	return &readOnlyRegion{buf: buf}, nil
}

func (r *readOnlyRegion) Bytes() []byte { return r.buf }

func (r *readOnlyRegion) ReadOnly() bool { return true }

func (r *readOnlyRegion) Close() error {
	if r.buf == nil {
		return nil
	}
	err := unix.Munmap(r.buf)
	r.buf = nil
	return err
}
