package tcp

import (
	"fmt"
	"net"
	"sync"
)

// Listener is the in-memory counterpart of a *net.TCPListener.
type Listener struct {
	addr    *net.TCPAddr
	connCh  chan net.Conn
	closeCh chan struct{}
	once    sync.Once
	network *Network
}

// Accept waits for the next dialed connection.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-l.closeCh:
		return nil, fmt.Errorf("accept %s: %w", l.addr, net.ErrClosed)
	}
}

// Close stops the listener and frees its address.
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.closeCh)

		l.network.mu.Lock()
		delete(l.network.listeners, l.addr.String())
		l.network.mu.Unlock()
	})
	return nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.addr
}

var _ net.Listener = (*Listener)(nil)
