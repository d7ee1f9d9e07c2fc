// Package udp opens the datagram socket used by the UDP fast path.
package udp

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"celestenet/netcore/pkg/config"
)

// Listen opens a UDP socket on addr with kernel buffers of at least
// bufSize bytes. Injected packet listeners are used as they are.
func Listen(ctx context.Context, addr string, bufSize int, deps *config.Dependencies) (net.PacketConn, error) {
	if _, err := net.ResolveUDPAddr("udp", addr); err != nil {
		return nil, fmt.Errorf("net.ResolveUDPAddr(udp, %s): %w", addr, err)
	}

	if deps != nil && deps.PacketListener != nil {
		pc, err := deps.PacketListener("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen(udp, %s): %w", addr, err)
		}
		return pc, nil
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			var serr error
			if err := rc.Control(func(fd uintptr) {
				serr = setSockopts(fd, bufSize)
			}); err != nil {
				return err
			}
			return serr
		},
	}

	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.ListenPacket(udp, %s): %w", addr, err)
	}
	return pc, nil
}

// Resolve returns the UDP address of host:port.
func Resolve(addr string) (*net.UDPAddr, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.ResolveUDPAddr(udp, %s): %w", addr, err)
	}
	return ua, nil
}
