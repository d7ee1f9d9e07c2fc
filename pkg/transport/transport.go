// Package transport provides the socket layer below netcore connections.
// The reliable stream is a net.Conn produced by one of
//
//   - tcp: plain TCP with keep-alive on and Nagle off
//   - ws: a binary WebSocket carrying the same byte stream
//
// and package udp opens the datagram socket of the fast path.
//
// Serve functions block until ctx is canceled. They run the handler on
// its own goroutine for every accepted stream, close the stream after
// the handler returns and wait for all handlers before returning.
package transport

import "net"

// Handler processes an accepted stream and returns when done with it.
type Handler func(net.Conn) error
