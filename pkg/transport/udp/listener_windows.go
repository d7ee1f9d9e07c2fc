//go:build windows

package udp

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// setSockopts sizes the socket buffers. Windows version (uses windows.Handle for the descriptor)
func setSockopts(fd uintptr, bufSize int) error {
	if bufSize <= 0 {
		return nil
	}
	if err := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_RCVBUF, bufSize); err != nil {
		return fmt.Errorf("setsockopt(SO_RCVBUF, %d): %w", bufSize, err)
	}
	if err := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_SNDBUF, bufSize); err != nil {
		return fmt.Errorf("setsockopt(SO_SNDBUF, %d): %w", bufSize, err)
	}
	return nil
}
