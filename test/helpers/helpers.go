// Package helpers provides common utilities for integration and end-to-end tests.
package helpers

import (
	"io"
	"time"

	"celestenet/netcore/mocks"
	mocks_tcp "celestenet/netcore/mocks/tcp"
	"celestenet/netcore/pkg/config"
)

// Network bundles the in-memory TCP and UDP networks shared by every
// peer of a test.
type Network struct {
	TCP *mocks_tcp.Network
	UDP *mocks.UDPNetwork
}

// NewNetwork creates empty networks.
func NewNetwork() *Network {
	return &Network{
		TCP: mocks_tcp.NewNetwork(),
		UDP: mocks.NewUDPNetwork(),
	}
}

// Dependencies wires the networks and, if not nil, stdio into a
// config.Dependencies.
func (n *Network) Dependencies(stdio *mocks.Stdio) *config.Dependencies {
	deps := &config.Dependencies{
		TCPDialer:      n.TCP.DialTCP,
		TCPListener:    n.TCP.ListenTCP,
		PacketListener: n.UDP.ListenPacket,
	}
	if stdio != nil {
		deps.Stdin = func() io.Reader { return stdio.Stdin() }
		deps.Stdout = func() io.Writer { return stdio.Stdout() }
	}
	return deps
}

// Shared returns the shared configuration of a peer talking to
// 127.0.0.1:port over proto.
func (n *Network) Shared(proto config.Protocol, port int, stdio *mocks.Stdio) *config.Shared {
	return &config.Shared{
		Protocol: proto,
		Host:     "127.0.0.1",
		Port:     port,
		Timeout:  2 * time.Second,
		Deps:     n.Dependencies(stdio),
	}
}
