// Package net picks the stream transport for the configured protocol.
// The server listens on a TCP socket in both cases; with ws the stream
// is carried inside a WebSocket served over that socket.
package net

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"celestenet/netcore/pkg/config"
	"celestenet/netcore/pkg/transport/tcp"
	"celestenet/netcore/pkg/transport/ws"
)

// Addr joins the configured host and port, bracketing IPv6 hosts.
func Addr(cfg *config.Shared) string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

// Dial opens the reliable stream to the configured server.
func Dial(ctx context.Context, cfg *config.Shared) (net.Conn, error) {
	addr := Addr(cfg)

	var (
		conn net.Conn
		err  error
	)
	switch cfg.Protocol {
	case config.ProtoWS:
		conn, err = ws.Dial(ctx, addr, cfg.Timeout, cfg.Deps)
	case config.ProtoTCP:
		conn, err = tcp.Dial(ctx, addr, cfg.Timeout, cfg.Deps)
	default:
		return nil, fmt.Errorf("unsupported protocol %d", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s over %s: %w", addr, cfg.Protocol, err)
	}
	return conn, nil
}
