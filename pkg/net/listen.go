package net

import (
	"context"
	"fmt"
	"net"

	"celestenet/netcore/pkg/config"
	"celestenet/netcore/pkg/log"
	"celestenet/netcore/pkg/transport"
	"celestenet/netcore/pkg/transport/tcp"
	"celestenet/netcore/pkg/transport/ws"
)

// Listen opens the TCP socket the server accepts streams on.
func Listen(cfg *config.Shared) (net.Listener, error) {
	return tcp.Listen(Addr(cfg), cfg.Deps)
}

// Serve accepts streams on nl with the configured protocol until ctx is
// canceled. nl is closed when Serve returns.
func Serve(ctx context.Context, cfg *config.Shared, nl net.Listener, handler transport.Handler, logger *log.Logger) error {
	switch cfg.Protocol {
	case config.ProtoWS:
		return ws.Serve(ctx, nl, handler, logger)
	case config.ProtoTCP:
		return tcp.Serve(ctx, nl, handler, logger)
	default:
		_ = nl.Close()
		return fmt.Errorf("unsupported protocol %d", cfg.Protocol)
	}
}
