// Package tcp provides an in-memory TCP network for tests. Listeners and
// dialers exchange net.Pipe halves, so no real sockets are opened.
package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// firstEphemeralPort is where ports for ":0" listeners and dialers start.
const firstEphemeralPort = 40000

// Network simulates a TCP network.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*Listener
	nextPort  int
	changed   *sync.Cond
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	m := &Network{
		listeners: make(map[string]*Listener),
		nextPort:  firstEphemeralPort,
	}
	m.changed = sync.NewCond(&m.mu)
	return m
}

// normalize assigns loopback to unspecified IPs and a fresh port to port 0.
// Callers hold m.mu.
func (m *Network) normalize(addr *net.TCPAddr) *net.TCPAddr {
	out := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: m.nextPort}
	if addr != nil {
		if addr.IP != nil && !addr.IP.IsUnspecified() {
			out.IP = addr.IP
		}
		if addr.Port != 0 {
			out.Port = addr.Port
			return out
		}
	}
	m.nextPort++
	return out
}

// ListenTCP creates a listener. Matches config.TCPListenerFunc.
func (m *Network) ListenTCP(network string, laddr *net.TCPAddr) (net.Listener, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("unsupported network type: %s", network)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	addr := m.normalize(laddr)
	if _, exists := m.listeners[addr.String()]; exists {
		return nil, fmt.Errorf("address already in use: %s", addr)
	}

	l := &Listener{
		addr:    addr,
		connCh:  make(chan net.Conn, 16),
		closeCh: make(chan struct{}),
		network: m,
	}
	m.listeners[addr.String()] = l
	m.changed.Broadcast()

	return l, nil
}

// DialTCP connects to a listener. Matches config.TCPDialerFunc.
func (m *Network) DialTCP(ctx context.Context, network string, laddr, raddr *net.TCPAddr) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("unsupported network type: %s", network)
	}

	m.mu.Lock()
	l, exists := m.listeners[raddr.String()]
	local := m.normalize(laddr)
	m.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("connection refused: no listener on %s", raddr)
	}

	client, server := net.Pipe()
	select {
	case l.connCh <- &Conn{Conn: server, local: l.addr, remote: local}:
		return &Conn{Conn: client, local: local, remote: l.addr}, nil
	case <-l.closeCh:
		err := fmt.Errorf("connection refused: listener closed")
		client.Close()
		server.Close()
		return nil, err
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

// WaitForListener blocks until a listener exists on addr or timeout passes.
func (m *Network) WaitForListener(addr string, timeout time.Duration) (*Listener, error) {
	deadline := time.Now().Add(timeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if l, exists := m.listeners[addr]; exists {
			return l, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout waiting for listener on %s", addr)
		}

		// wake up periodically to check the deadline
		go func() {
			time.Sleep(20 * time.Millisecond)
			m.changed.Broadcast()
		}()
		m.changed.Wait()
	}
}
