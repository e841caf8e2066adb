//go:build unix

package transport

import (
	"fmt"
	"io"
	"os"
	"syscall"
)

// OpenFD wraps an interface descriptor handed over by the platform, for
// example by a VPN service. The descriptor is switched to non-blocking mode so
// that closing the file interrupts a pending read.
func OpenFD(fd int) (io.ReadWriteCloser, error) {
	if fd < 0 {
		return nil, fmt.Errorf("invalid interface descriptor %d", fd)
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set non-blocking on fd %d: %w", fd, err)
	}
	return os.NewFile(uintptr(fd), fmt.Sprintf("tun%d", fd)), nil
}
