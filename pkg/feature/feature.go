// Package feature runs the second handshake phase. Features are listed
// explicitly, in the order they run; only those both peers agreed on
// during the teapot exchange take part.
package feature

import (
	"context"
	"fmt"
	"net"

	"celestenet/netcore/pkg/conn"
	"celestenet/netcore/pkg/packet"
)

// Feature is an optional capability with its own handshake. Handshakes
// may send and receive packets on the not yet ready connection.
type Feature interface {
	Name() string
	Register(c *conn.Conn, isClient bool) error
	DoHandshake(ctx context.Context, c *conn.Conn, isClient bool) error
}

// Names returns the names of fs in order.
func Names(fs []Feature) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Name())
	}
	return out
}

// Run registers and handshakes every agreed feature in the order of fs,
// bounded by ctx and the negotiated feature handshake timeout. On success
// the connection is marked ready.
func Run(ctx context.Context, c *conn.Conn, fs []Feature, agreed []string) error {
	settings := c.Settings()
	if timeout := settings.HandshakeTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	on := make(map[string]bool, len(agreed))
	for _, name := range agreed {
		on[name] = true
	}

	for _, f := range fs {
		if !on[f.Name()] {
			continue
		}
		if err := f.Register(c, c.IsClient()); err != nil {
			return fmt.Errorf("feature %s: register: %w", f.Name(), err)
		}
		if err := f.DoHandshake(ctx, c, c.IsClient()); err != nil {
			return fmt.Errorf("feature %s: handshake: %w", f.Name(), err)
		}
		c.Logger().VerboseMsg("%s: feature %s ready", c, f.Name())
	}

	c.MarkReady()
	return nil
}

// Binder is implemented by servers that accept UDP handshake datagrams
// for a connection.
type Binder interface {
	Expect(c *conn.Conn)
}

// UDP negotiates the UDP fast path.
type UDP struct {
	// Binder is used on the server side.
	Binder Binder
	// ServerAddr is where a client sends its handshake datagram.
	ServerAddr net.Addr
}

func (u *UDP) Name() string { return "udp" }

func (u *UDP) Register(c *conn.Conn, isClient bool) error {
	if isClient {
		if c.UDP() == nil || u.ServerAddr == nil {
			return fmt.Errorf("client has no UDP socket or server address")
		}
		return nil
	}
	if u.Binder == nil {
		return fmt.Errorf("server cannot bind UDP")
	}
	u.Binder.Expect(c)
	return nil
}

// DoHandshake sends the first UDP handshake datagram. It does not wait
// for the confirmation; TCP traffic never depends on UDP.
func (u *UDP) DoHandshake(ctx context.Context, c *conn.Conn, isClient bool) error {
	if !isClient {
		return nil
	}
	if err := c.EstablishUDP(u.ServerAddr); err != nil {
		c.Logger().WarnMsg("%s: UDP handshake: %s", c, err)
	}
	return nil
}

// DataTypes exchanges the extension packet types each side can decode,
// so neither sends packets the other would have to skip.
type DataTypes struct{}

func (DataTypes) Name() string { return "datatypes" }

func (DataTypes) Register(c *conn.Conn, isClient bool) error { return nil }

func (DataTypes) DoHandshake(ctx context.Context, c *conn.Conn, isClient bool) error {
	if err := c.Send(&packet.DataTypes{Types: c.Registry().Extensions()}); err != nil {
		return fmt.Errorf("sending data types: %w", err)
	}

	p, err := c.AwaitType(ctx, packet.TypeDataTypes)
	if err != nil {
		return fmt.Errorf("awaiting data types: %w", err)
	}
	c.SetPeerTypes(p.(*packet.DataTypes).Types)
	return nil
}
