//go:build !unix && !windows

package udp

// setSockopts keeps the platform defaults.
func setSockopts(fd uintptr, bufSize int) error { return nil }
