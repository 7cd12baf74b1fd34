//go:build linux

package shim

import (
	"os"

	"golang.org/x/sys/unix"
)

// NewPair creates a connected stream socket pair. The parent end stays with
// the hypervisor; the child end is inherited by the partition.
func NewPair(name string) (parent *os.File, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	return os.NewFile(uintptr(fds[0]), name+"-hv"), os.NewFile(uintptr(fds[1]), name+"-partition"), nil
}
