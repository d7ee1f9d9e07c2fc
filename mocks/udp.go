// Package mocks provides in-memory stand-ins for sockets and stdio used by tests.
package mocks

import (
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DropFunc decides whether a datagram from src to dst is lost.
type DropFunc func(src, dst string, data []byte) bool

// UDPNetwork simulates a lossy UDP network. Datagrams are delivered
// through per-socket channels and are silently dropped when the
// destination does not exist, its queue is full, or the drop function
// says so.
type UDPNetwork struct {
	mu       sync.Mutex
	sockets  map[string]*udpSocket
	nextPort int
	drop     DropFunc

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewUDPNetwork creates a network without loss.
func NewUDPNetwork() *UDPNetwork {
	return &UDPNetwork{
		sockets:  make(map[string]*udpSocket),
		nextPort: 50000,
	}
}

// SetDrop installs fn as the loss model. A nil fn delivers everything.
func (m *UDPNetwork) SetDrop(fn DropFunc) {
	m.mu.Lock()
	m.drop = fn
	m.mu.Unlock()
}

// Cut drops every datagram while on is true.
func (m *UDPNetwork) Cut(on bool) {
	if on {
		m.SetDrop(func(string, string, []byte) bool { return true })
	} else {
		m.SetDrop(nil)
	}
}

// Delivered returns how many datagrams reached a socket.
func (m *UDPNetwork) Delivered() int64 { return m.delivered.Load() }

// Dropped returns how many datagrams were lost.
func (m *UDPNetwork) Dropped() int64 { return m.dropped.Load() }

// ListenPacket opens a socket. Matches config.PacketListenerFunc.
func (m *UDPNetwork) ListenPacket(network, address string) (net.PacketConn, error) {
	if network != "udp" && network != "udp4" {
		return nil, fmt.Errorf("unsupported network type: %s", network)
	}
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("net.ResolveUDPAddr(udp, %s): %w", address, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: laddr.Port}
	if laddr.IP != nil && !laddr.IP.IsUnspecified() {
		addr.IP = laddr.IP
	}
	if addr.Port == 0 {
		addr.Port = m.nextPort
		m.nextPort++
	}
	if _, exists := m.sockets[addr.String()]; exists {
		return nil, fmt.Errorf("address already in use: %s", addr)
	}

	s := &udpSocket{
		addr:    addr,
		in:      make(chan datagram, 256),
		closeCh: make(chan struct{}),
		network: m,
	}
	m.sockets[addr.String()] = s
	return s, nil
}

func (m *UDPNetwork) send(src *net.UDPAddr, dst string, b []byte) {
	m.mu.Lock()
	to, ok := m.sockets[dst]
	drop := m.drop
	m.mu.Unlock()

	if !ok || (drop != nil && drop(src.String(), dst, b)) {
		m.dropped.Add(1)
		return
	}

	d := datagram{data: append([]byte(nil), b...), from: src}
	select {
	case to.in <- d:
		m.delivered.Add(1)
	default:
		m.dropped.Add(1)
	}
}

type datagram struct {
	data []byte
	from *net.UDPAddr
}

type udpSocket struct {
	addr    *net.UDPAddr
	in      chan datagram
	closeCh chan struct{}
	once    sync.Once
	network *UDPNetwork

	deadline atomic.Value
}

// ReadFrom honors the read deadline set before the call.
func (s *udpSocket) ReadFrom(p []byte) (int, net.Addr, error) {
	var timeout <-chan time.Time
	if t, ok := s.deadline.Load().(time.Time); ok && !t.IsZero() {
		timer := time.NewTimer(time.Until(t))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case d := <-s.in:
		return copy(p, d.data), d.from, nil
	case <-s.closeCh:
		return 0, nil, fmt.Errorf("read %s: %w", s.addr, net.ErrClosed)
	case <-timeout:
		return 0, nil, fmt.Errorf("read %s: %w", s.addr, os.ErrDeadlineExceeded)
	}
}

func (s *udpSocket) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-s.closeCh:
		return 0, fmt.Errorf("write %s: %w", s.addr, net.ErrClosed)
	default:
	}
	s.network.send(s.addr, addr.String(), p)
	return len(p), nil
}

func (s *udpSocket) Close() error {
	s.once.Do(func() {
		close(s.closeCh)

		s.network.mu.Lock()
		delete(s.network.sockets, s.addr.String())
		s.network.mu.Unlock()
	})
	return nil
}

func (s *udpSocket) LocalAddr() net.Addr { return s.addr }

func (s *udpSocket) SetDeadline(t time.Time) error { return s.SetReadDeadline(t) }

func (s *udpSocket) SetReadDeadline(t time.Time) error {
	s.deadline.Store(t)
	return nil
}

func (s *udpSocket) SetWriteDeadline(time.Time) error { return nil }

var _ net.PacketConn = (*udpSocket)(nil)
