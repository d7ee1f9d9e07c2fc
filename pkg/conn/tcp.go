package conn

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"celestenet/netcore/pkg/metrics"
	"celestenet/netcore/pkg/packet"
	"celestenet/netcore/pkg/wire"
)

// frameHeader is the little-endian uint16 length in front of every TCP packet.
const frameHeader = 2

func (c *Conn) tcpReadLoop(l *loop) {
	dec := packet.NewDecoder(c.reg)
	hdr := make([]byte, frameHeader)
	buf := make([]byte, c.settings.MaxPacketSize)

	for {
		l.busy.Store(false)
		if _, err := io.ReadFull(c.tcpReader, hdr); err != nil {
			l.busy.Store(true)
			c.fail(l, c.readFailure(err))
			return
		}

		n := int(binary.LittleEndian.Uint16(hdr))
		if n == 0 || n > len(buf) {
			l.busy.Store(true)
			c.logger.ErrorMsg("%s: frame of %d bytes, limit %d", c, n, len(buf))
			c.fail(l, ReasonPacketTooLarge)
			return
		}

		if _, err := io.ReadFull(c.tcpReader, buf[:n]); err != nil {
			l.busy.Store(true)
			c.fail(l, c.readFailure(err))
			return
		}
		l.busy.Store(true)

		c.Beat.TCPReceived(time.Now())
		c.metrics.Received(metrics.TCP, 1, n+frameHeader)

		in := wire.NewDecoder(buf[:n])
		p, err := dec.Decode(in)
		if err == nil && !in.EOF() {
			err = fmt.Errorf("%w: %d trailing bytes after %s", packet.ErrProtocol, in.Remaining(), p.DataType())
		}
		if err != nil {
			if packet.IsFatal(err) {
				c.logger.ErrorMsg("%s: %s", c, err)
				c.fail(l, ReasonProtocolError)
				return
			}
			c.logger.VerboseMsg("%s: skipping packet: %s", c, err)
			c.metrics.Dropped("decode_error")
			continue
		}

		c.dispatch(l, p)
		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *Conn) readFailure(err error) string {
	if c.ctx.Err() != nil {
		return ReasonDisposed
	}
	// The peer may hang up right after reading our disconnect.
	if msg, ok := c.closeMsg.Load().(string); ok {
		return msg
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ReasonClosedByPeer
	}
	c.logger.VerboseMsg("%s: TCP read: %s", c, err)
	return fmt.Sprintf("TCP read error: %s", err)
}

func (c *Conn) tcpWriteLoop(l *loop) {
	w := &frameWriter{
		enc:   packet.NewEncoder(),
		frame: wire.NewEncoderWithCap(int(c.settings.MaxPacketSize) + frameHeader),
		out:   bufio.NewWriterSize(c.tcp, 4*int(c.settings.MaxPacketSize)),
		limit: int(c.settings.MaxPacketSize),
	}
	merge := c.settings.Merge()

	for {
		l.busy.Store(false)
		var it item
		select {
		case it = <-c.tcpQueue:
		case <-c.ctx.Done():
			return
		}
		l.busy.Store(true)

		packets := 0
	batch:
		for {
			if err := w.write(it.p); err != nil {
				if errors.Is(err, packet.ErrTooLarge) {
					c.logger.ErrorMsg("%s: dropping %s", c, err)
					c.metrics.Dropped("too_large")
				} else {
					c.logger.ErrorMsg("%s: encoding %s: %s", c, it.p.DataType(), err)
					c.metrics.Dropped("encode_error")
				}
			} else {
				packets++
			}

			if it.last {
				if err := w.out.Flush(); err != nil {
					c.logger.VerboseMsg("%s: flushing before close: %s", c, err)
				}
				c.fail(l, it.reason)
				return
			}

			select {
			case it = <-c.tcpQueue:
				continue batch
			default:
			}

			if merge <= 0 {
				break batch
			}
			timer := time.NewTimer(merge)
			select {
			case it = <-c.tcpQueue:
				timer.Stop()
				continue batch
			case <-timer.C:
				break batch
			case <-c.ctx.Done():
				timer.Stop()
				return
			}
		}

		n := w.out.Buffered()
		if err := w.out.Flush(); err != nil {
			c.fail(l, c.writeFailure(err))
			return
		}
		c.Beat.TCPSent(time.Now())
		c.metrics.Sent(metrics.TCP, packets, n)
	}
}

func (c *Conn) writeFailure(err error) string {
	if c.ctx.Err() != nil {
		return ReasonDisposed
	}
	return fmt.Sprintf("TCP write error: %s", err)
}

// frameWriter frames packets for the TCP stream. Packets larger than
// limit are rejected before anything reaches the stream.
type frameWriter struct {
	enc   *packet.Encoder
	frame *wire.Encoder
	out   *bufio.Writer
	limit int
}

func (w *frameWriter) write(p packet.Packet) error {
	w.frame.Reset()
	w.frame.WriteUint16(0)
	if err := w.enc.Encode(w.frame, p, w.limit); err != nil {
		return err
	}

	b := w.frame.Bytes()
	binary.LittleEndian.PutUint16(b, uint16(len(b)-frameHeader))
	// Write errors are sticky and surface on Flush.
	w.out.Write(b)
	return nil
}
