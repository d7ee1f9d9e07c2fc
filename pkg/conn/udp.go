package conn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"celestenet/netcore/pkg/config"
	"celestenet/netcore/pkg/liveness"
	"celestenet/netcore/pkg/metrics"
	"celestenet/netcore/pkg/packet"
	"celestenet/netcore/pkg/wire"
)

const (
	// HandshakeMarker starts a UDP handshake datagram. Container IDs
	// never take this value.
	HandshakeMarker = 0xFF
	handshakeLen    = 5
)

// HandshakeDatagram returns the datagram announcing token over UDP.
func HandshakeDatagram(token uint32) []byte {
	b := make([]byte, handshakeLen)
	b[0] = HandshakeMarker
	binary.LittleEndian.PutUint32(b[1:], token)
	return b
}

// ParseHandshakeDatagram returns the token of a UDP handshake datagram.
func ParseHandshakeDatagram(b []byte) (uint32, bool) {
	if len(b) != handshakeLen || b[0] != HandshakeMarker {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[1:]), true
}

// EstablishUDP starts the UDP handshake towards the server at addr.
// It never blocks on the reply; the heartbeat resends the datagram while
// the connection stays Establishing.
func (c *Conn) EstablishUDP(addr net.Addr) error {
	if c.udp == nil {
		return fmt.Errorf("no UDP socket")
	}
	if !c.Live.Establish(addr) {
		return fmt.Errorf("UDP already %s", c.Live.State())
	}
	return c.SendUDPHandshake()
}

// SendUDPHandshake sends the handshake datagram to the UDP endpoint.
func (c *Conn) SendUDPHandshake() error {
	ep := c.Live.Endpoint()
	if c.udp == nil || ep == nil {
		return fmt.Errorf("no UDP endpoint")
	}
	if _, err := c.udp.WriteTo(HandshakeDatagram(c.token), ep); err != nil {
		return fmt.Errorf("WriteTo(%s): %w", ep, err)
	}
	return nil
}

// BindUDP activates UDP after the server received the handshake datagram
// from addr, and confirms it to the client with a udpInfo packet.
func (c *Conn) BindUDP(connID int32, addr net.Addr) bool {
	if !c.Live.Confirm(connID, addr) {
		return false
	}
	c.Beat.UDPReceived(time.Now())
	c.logger.VerboseMsg("%s: UDP bound to %s", c, addr)

	c.enqueueTCP(item{p: &packet.UDPInfo{
		ConnectionID:    connID,
		MaxDatagramSize: uint32(c.settings.MaxDatagramSize),
	}})
	return true
}

// packer fills containers. Every container has its own intern tables so
// it can be decoded without any other datagram.
type packer struct {
	budget int
	next   byte
	enc    *packet.Encoder
	buf    *wire.Encoder
	count  int
	open   bool
}

func newPacker(budget int) *packer {
	return &packer{
		budget: budget,
		buf:    wire.NewEncoderWithCap(budget),
	}
}

func (k *packer) start() {
	k.enc = packet.NewEncoder()
	k.buf.Reset()
	k.buf.WriteByte(k.next)
	k.next = (k.next + 1) % HandshakeMarker
	k.count = 0
	k.open = true
}

// add encodes p into the open container. It returns false without error
// if p does not fit and the container must be flushed first. A packet
// that does not fit an empty container fails with packet.ErrTooLarge.
func (k *packer) add(p packet.Packet) (bool, error) {
	if !k.open {
		k.start()
	}

	err := k.enc.Encode(k.buf, p, k.budget-k.buf.Len())
	if errors.Is(err, packet.ErrTooLarge) && k.count > 0 {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	k.count++
	return true, nil
}

// flush closes the container. The bytes are valid until the next add.
func (k *packer) flush() ([]byte, int) {
	if !k.open || k.count == 0 {
		k.open = false
		return nil, 0
	}
	k.open = false
	return k.buf.Bytes(), k.count
}

func (c *Conn) udpWriteLoop(l *loop) {
	k := newPacker(int(c.datagramSize.Load()))

	for {
		l.busy.Store(false)
		var p packet.Packet
		select {
		case p = <-c.udpQueue:
		case <-c.ctx.Done():
			return
		}
		l.busy.Store(true)

		if size := int(c.datagramSize.Load()); size != k.budget && !k.open {
			k.budget = size
		}

		for p != nil {
			if !c.Live.Probing() {
				if _, ok := p.(*packet.KeepAlive); !ok {
					c.enqueueTCP(item{p: p})
				}
				p = c.nextUDP()
				continue
			}

			ok, err := k.add(p)
			switch {
			case errors.Is(err, packet.ErrTooLarge):
				c.logger.VerboseMsg("%s: %s does not fit a datagram, using TCP", c, p.DataType())
				c.enqueueTCP(item{p: p})
			case err != nil:
				c.logger.ErrorMsg("%s: encoding %s: %s", c, p.DataType(), err)
				c.metrics.Dropped("encode_error")
			case !ok:
				c.sendContainer(k)
				continue
			}
			p = c.nextUDP()
		}

		c.sendContainer(k)
		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *Conn) nextUDP() packet.Packet {
	select {
	case p := <-c.udpQueue:
		return p
	default:
		return nil
	}
}

func (c *Conn) sendContainer(k *packer) {
	b, n := k.flush()
	if b == nil {
		return
	}

	ep := c.Live.Endpoint()
	if ep == nil {
		return
	}

	if _, err := c.udp.WriteTo(b, ep); err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.logger.VerboseMsg("%s: UDP write to %s: %s", c, ep, err)
		c.Live.Failed()
		return
	}

	c.Beat.UDPSent(time.Now())
	c.metrics.Sent(metrics.UDP, n, len(b))
}

func (c *Conn) udpReadLoop(l *loop) {
	buf := make([]byte, config.MaxDatagramBuffer)

	for {
		l.busy.Store(false)
		n, addr, err := c.udp.ReadFrom(buf)
		l.busy.Store(true)

		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.VerboseMsg("%s: UDP read: %s", c, err)
			c.Live.Failed()
			if c.Live.State() == liveness.Degraded {
				return
			}
			continue
		}

		if ep := c.Live.Endpoint(); ep == nil || ep.String() != addr.String() {
			continue
		}
		c.handleDatagram(l, buf[:n])
	}
}

// HandleDatagram processes a datagram received from the peer's UDP
// endpoint on a socket the Conn does not read itself.
func (c *Conn) HandleDatagram(b []byte) {
	c.handleDatagram(nil, b)
}

func (c *Conn) handleDatagram(l *loop, b []byte) {
	if c.State() >= Closing || c.Live.State() != liveness.Active {
		return
	}
	if _, ok := ParseHandshakeDatagram(b); ok {
		return
	}
	if len(b) < 2 {
		c.Live.Failed()
		return
	}

	dec := packet.NewDecoder(c.reg)
	in := wire.NewDecoder(b[1:])
	var ps []packet.Packet
	for !in.EOF() {
		p, err := dec.Decode(in)
		if err == nil {
			ps = append(ps, p)
			continue
		}

		switch {
		case errors.Is(err, packet.ErrCorePacket):
			c.logger.ErrorMsg("%s: UDP: %s", c, err)
			c.fail(l, ReasonProtocolError)
			return
		case packet.IsFatal(err):
			c.logger.VerboseMsg("%s: dropping datagram: %s", c, err)
			c.metrics.Dropped("bad_datagram")
			c.Live.Failed()
			return
		default:
			c.logger.VerboseMsg("%s: skipping packet in datagram: %s", c, err)
			c.metrics.Dropped("decode_error")
		}
	}

	c.Beat.UDPReceived(time.Now())
	c.Live.Received()
	c.metrics.Received(metrics.UDP, len(ps), len(b))

	for _, p := range ps {
		c.dispatch(l, p)
		if c.ctx.Err() != nil {
			return
		}
	}
}
