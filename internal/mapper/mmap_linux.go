//go:build linux

package mapper

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mmapFixed maps fd (or anonymous memory, for fd < 0) at the exact
// address addr, overwriting whatever PROT_NONE reservation already
// covers it. x/sys/unix's Mmap wrapper always lets the kernel choose
// the address, so activating a chunk at its predetermined slot inside
// the mapper's reservation has to go through the raw syscall, the same
// style of direct syscall plumbing gvisor's platform backends use for
// memory management.
func mmapFixed(addr uintptr, length int, prot, flags int, fd int, offset int64) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(length),
		uintptr(prot),
		uintptr(flags|unix.MAP_FIXED),
		uintptr(fd),
		uintptr(offset),
	)
	if errno != 0 {
		return fmt.Errorf("mmap(addr=%#x, len=%d, fd=%d): %w", addr, length, fd, errno)
	}
	return nil
}
