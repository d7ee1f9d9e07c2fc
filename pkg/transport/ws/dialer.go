// Package ws carries the reliable stream over a binary WebSocket, for
// networks where only HTTP gets through.
package ws

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"celestenet/netcore/pkg/config"
)

const (
	// Subprotocol is negotiated on every upgrade.
	Subprotocol = "celestenet"
	// Path is the upgrade endpoint.
	Path = "/"

	readLimit = 1 << 20
)

// Dial opens a WebSocket to addr and returns it as a byte stream. The
// stream lives until it is closed or ctx is canceled; timeout bounds
// the TCP connect and the upgrade.
func Dial(ctx context.Context, addr string, timeout time.Duration, deps *config.Dependencies) (net.Conn, error) {
	dialTCP := config.GetTCPDialerFunc(deps)

	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, address string) (net.Conn, error) {
			raddr, err := net.ResolveTCPAddr("tcp", address)
			if err != nil {
				return nil, fmt.Errorf("net.ResolveTCPAddr(tcp, %s): %w", address, err)
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return dialTCP(ctx, "tcp", nil, raddr)
		},
		ResponseHeaderTimeout: timeout,
	}

	url := "ws://" + addr + Path
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   &http.Client{Transport: tr},
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket.Dial(%s): %w", url, err)
	}
	if c.Subprotocol() != Subprotocol {
		c.Close(websocket.StatusProtocolError, "unsupported subprotocol")
		return nil, fmt.Errorf("websocket.Dial(%s): server did not agree to %s", url, Subprotocol)
	}

	c.SetReadLimit(readLimit)
	return websocket.NetConn(ctx, c, websocket.MessageBinary), nil
}
