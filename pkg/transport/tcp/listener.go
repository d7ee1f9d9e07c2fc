package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"celestenet/netcore/pkg/config"
	"celestenet/netcore/pkg/log"
	"celestenet/netcore/pkg/transport"
)

// Listen opens a TCP listener on addr.
func Listen(addr string, deps *config.Dependencies) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.ResolveTCPAddr(tcp, %s): %w", addr, err)
	}

	listen := config.GetTCPListenerFunc(deps)
	nl, err := listen("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen(tcp, %s): %w", tcpAddr, err)
	}
	return nl, nil
}

// Serve accepts streams on nl until ctx is canceled or nl is closed.
// nl is closed when Serve returns.
func Serve(ctx context.Context, nl net.Listener, handler transport.Handler, logger *log.Logger) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { _ = nl.Close() })
	defer stop()
	defer nl.Close()

	for {
		conn, err := nl.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("Accept(): %w", err)
		}

		tune(conn)
		logger.VerboseMsg("New TCP connection from %s", conn.RemoteAddr())

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorMsg("Handler panic: %v", r)
				}
			}()

			if err := handler(conn); err != nil {
				logger.ErrorMsg("Handling %s: %s", conn.RemoteAddr(), err)
			}
		}()
	}
}

// ListenAndServe combines Listen and Serve.
func ListenAndServe(ctx context.Context, addr string, handler transport.Handler, logger *log.Logger, deps *config.Dependencies) error {
	nl, err := Listen(addr, deps)
	if err != nil {
		return err
	}
	return Serve(ctx, nl, handler, logger)
}
