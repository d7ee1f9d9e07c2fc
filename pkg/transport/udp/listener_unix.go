//go:build unix

package udp

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// setSockopts sizes the socket buffers. Unix version (Linux, macOS, BSD, etc.)
func setSockopts(fd uintptr, bufSize int) error {
	if bufSize <= 0 {
		return nil
	}
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bufSize); err != nil {
		return fmt.Errorf("setsockopt(SO_RCVBUF, %d): %w", bufSize, err)
	}
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, bufSize); err != nil {
		return fmt.Errorf("setsockopt(SO_SNDBUF, %d): %w", bufSize, err)
	}
	return nil
}
