// Package tcp dials and serves the reliable stream over plain TCP.
package tcp

import (
	"context"
	"fmt"
	"net"
	"time"

	"celestenet/netcore/pkg/config"
)

// Dial connects to addr, giving up after timeout if it is positive.
func Dial(ctx context.Context, addr string, timeout time.Duration, deps *config.Dependencies) (net.Conn, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.ResolveTCPAddr(tcp, %s): %w", addr, err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	dial := config.GetTCPDialerFunc(deps)
	conn, err := dial(ctx, "tcp", nil, tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("dial(tcp, %s): %w", tcpAddr, err)
	}

	tune(conn)
	return conn, nil
}

// tune enables keep-alive and disables Nagle on real TCP sockets. The
// write loop batches frames itself.
func tune(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetNoDelay(true)
	}
}
