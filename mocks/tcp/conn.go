package tcp

import "net"

// Conn is a pipe half carrying TCP addresses.
type Conn struct {
	net.Conn
	local  *net.TCPAddr
	remote *net.TCPAddr
}

func (c *Conn) LocalAddr() net.Addr  { return c.local }
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

var _ net.Conn = (*Conn)(nil)
