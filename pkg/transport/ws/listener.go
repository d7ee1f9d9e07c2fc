package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"celestenet/netcore/pkg/log"
	"celestenet/netcore/pkg/transport"
)

// Serve answers WebSocket upgrades on nl and runs handler on every
// stream until ctx is canceled. nl is closed when Serve returns.
func Serve(ctx context.Context, nl net.Listener, handler transport.Handler, logger *log.Logger) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	server := &http.Server{
		Handler: upgrade(ctx, &wg, handler, logger),

		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(nl)
	}()

	select {
	case <-ctx.Done():
		_ = server.Close()
		err := <-errCh
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving after cancellation: %w", err)

	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return fmt.Errorf("http.Server.Serve(): %w", err)
	}
}

// ListenAndServe is Serve on a new TCP listener at addr.
func ListenAndServe(ctx context.Context, addr string, handler transport.Handler, logger *log.Logger) error {
	nl, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("net.Listen(tcp, %s): %w", addr, err)
	}
	return Serve(ctx, nl, handler, logger)
}

func upgrade(ctx context.Context, wg *sync.WaitGroup, handler transport.Handler, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wg.Add(1)
		defer wg.Done()

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{Subprotocol},
		})
		if err != nil {
			logger.VerboseMsg("websocket.Accept(%s): %s", r.RemoteAddr, err)
			return
		}
		if c.Subprotocol() != Subprotocol {
			c.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
			return
		}
		c.SetReadLimit(readLimit)

		conn := &stream{Conn: websocket.NetConn(ctx, c, websocket.MessageBinary)}
		if addr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr); err == nil {
			conn.remote = addr
		}
		defer conn.Close()
		logger.VerboseMsg("New WebSocket connection from %s", conn.RemoteAddr())

		defer func() {
			if r := recover(); r != nil {
				logger.ErrorMsg("Handler panic: %v", r)
			}
		}()

		if err := handler(conn); err != nil {
			logger.ErrorMsg("Handling %s: %s", conn.RemoteAddr(), err)
		}
	}
}

// stream reports the HTTP peer as its remote address.
type stream struct {
	net.Conn
	remote net.Addr
}

func (s *stream) RemoteAddr() net.Addr {
	if s.remote != nil {
		return s.remote
	}
	return s.Conn.RemoteAddr()
}
