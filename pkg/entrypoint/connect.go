package entrypoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"celestenet/netcore/pkg/client"
	"celestenet/netcore/pkg/config"
	"celestenet/netcore/pkg/conn"
	"celestenet/netcore/pkg/ext"
	"celestenet/netcore/pkg/log"
	"celestenet/netcore/pkg/packet"
	"celestenet/netcore/pkg/pipeio"
)

// ReasonQuit is sent to the server when the user leaves.
const ReasonQuit = "client quit"

// ErrDisconnected is returned when the server ends the connection.
var ErrDisconnected = errors.New("disconnected")

// Connect joins a server and chats: every line of stdin is sent as a
// chat message and received messages are printed to stdout. It returns
// when stdin ends, ctx is canceled or the server disconnects.
func Connect(ctx context.Context, shared *config.Shared, cfg *config.Client) error {
	return connect(ctx, shared, cfg, log.NewLogger(shared.Verbose))
}

func connect(parent context.Context, shared *config.Shared, cfg *config.Client, logger *log.Logger) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	stdio := pipeio.NewStdio(shared.Deps)
	defer stdio.Close()

	reg := packet.NewRegistry()
	ext.Register(reg)

	handlers := conn.Handlers{
		OnReceive: func(c *conn.Conn, p packet.Packet) {
			if chat, ok := p.(*ext.Chat); ok {
				fmt.Fprintf(stdio, "<%s> %s\n", chat.Player, chat.Text)
			}
		},
		OnUDPDowngrade: func(c *conn.Conn) {
			logger.WarnMsg("UDP stopped working, continuing over TCP")
		},
	}

	c, err := client.New(shared, cfg, reg, handlers, logger, nil).Connect(ctx)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	linesDone := make(chan error, 1)
	go func() {
		linesDone <- pipeio.ReadLines(stdio, func(line string) error {
			if len(line) > ext.MaxChatLength {
				logger.WarnMsg("Message longer than %d bytes, not sent", ext.MaxChatLength)
				return nil
			}
			return c.Send(&ext.Chat{Player: cfg.Name, Text: line})
		})
	}()

	select {
	case <-ctx.Done():
		leave(c, shared.Timeout)
		return nil

	case err := <-linesDone:
		leave(c, shared.Timeout)
		if err != nil && !errors.Is(err, conn.ErrClosed) {
			return fmt.Errorf("sending chat: %w", err)
		}
		return nil

	case <-c.Done():
		return fmt.Errorf("%w: %s", ErrDisconnected, c.Reason())
	}
}

// leave closes c gracefully, giving up after timeout.
func leave(c *conn.Conn, timeout time.Duration) {
	c.Close(ReasonQuit)
	if timeout <= 0 {
		<-c.Done()
		return
	}

	select {
	case <-c.Done():
	case <-time.After(timeout):
		c.Dispose(ReasonQuit)
	}
}
