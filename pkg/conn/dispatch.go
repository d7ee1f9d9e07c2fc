package conn

import (
	"context"
	"fmt"
	"time"

	"celestenet/netcore/pkg/packet"
)

type waiter struct {
	match func(packet.Packet) bool
	ch    chan packet.Packet
}

// dispatch handles one decoded packet. Core packets are acted upon here;
// every packet is then offered to Await callers and finally delivered to
// OnReceive, or buffered until MarkReady.
func (c *Conn) dispatch(l *loop, p packet.Packet) {
	switch p := p.(type) {
	case *packet.KeepAlive:
		return
	case *packet.Disconnect:
		c.logger.InfoMsg("%s: peer disconnected: %s", c, p.Reason)
		c.fail(l, fmt.Sprintf("%s: %s", ReasonPeerDisconnect, p.Reason))
		return
	case *packet.UDPInfo:
		c.handleUDPInfo(p)
	case *packet.DataTypes:
		c.SetPeerTypes(p.Types)
	}

	c.offer(l, p)
}

func (c *Conn) handleUDPInfo(p *packet.UDPInfo) {
	if p.ConnectionID < 0 {
		c.peerDisabled.Store(true)
		c.Live.Disable()
		return
	}
	if !c.isClient {
		return
	}

	if p.MaxDatagramSize > 0 && int64(p.MaxDatagramSize) < int64(c.datagramSize.Load()) {
		c.datagramSize.Store(int32(p.MaxDatagramSize))
	}
	if c.Live.Confirm(p.ConnectionID, nil) {
		c.Beat.UDPReceived(time.Now())
		c.logger.InfoMsg("%s: UDP active, connection id %d", c, p.ConnectionID)
	}
}

func (c *Conn) offer(l *loop, p packet.Packet) {
	c.mu.Lock()
	for i, w := range c.waiters {
		if w.match(p) {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			c.mu.Unlock()
			w.ch <- p
			return
		}
	}

	if !c.ready {
		if len(c.pending) >= cap(c.tcpQueue) {
			c.mu.Unlock()
			c.fail(l, ReasonBufferOverflow)
			return
		}
		c.pending = append(c.pending, p)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.reg.IsCore(p.DataType()) {
		return
	}

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.ctx.Err() == nil {
		c.deliver(p)
	}
}

// deliver must be called with deliverMu held.
func (c *Conn) deliver(p packet.Packet) {
	if c.handlers.OnReceive != nil {
		c.handlers.OnReceive(c, p)
	}
}

// Await blocks until a packet matching match arrives, ctx is done or the
// connection is disposed. Packets buffered before MarkReady are searched
// first. A packet handed to Await is not delivered to OnReceive.
func (c *Conn) Await(ctx context.Context, match func(packet.Packet) bool) (packet.Packet, error) {
	c.mu.Lock()
	for i, p := range c.pending {
		if match(p) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.mu.Unlock()
			return p, nil
		}
	}
	w := &waiter{match: match, ch: make(chan packet.Packet, 1)}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case p := <-w.ch:
		return p, nil
	case <-ctx.Done():
		if p, ok := c.cancelWait(w); ok {
			return p, nil
		}
		return nil, ctx.Err()
	case <-c.ctx.Done():
		c.cancelWait(w)
		return nil, fmt.Errorf("%w: %s", ErrClosed, c.Reason())
	}
}

// AwaitType waits for a packet of the given data type.
func (c *Conn) AwaitType(ctx context.Context, typ string) (packet.Packet, error) {
	return c.Await(ctx, func(p packet.Packet) bool {
		return p.DataType() == typ
	})
}

// cancelWait unregisters w. If a packet was handed over concurrently it is returned.
func (c *Conn) cancelWait(w *waiter) (packet.Packet, bool) {
	c.mu.Lock()
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	select {
	case p := <-w.ch:
		return p, true
	default:
		return nil, false
	}
}
