// Package heartbeat detects dead peers and decides when keep-alives are due.
package heartbeat

import (
	"sync/atomic"
	"time"

	"celestenet/netcore/pkg/liveness"
)

// ReasonTimeout is the disposal reason reported on a missed heartbeat.
const ReasonTimeout = "heartbeat timeout"

// Action tells the caller what to do after a tick.
type Action struct {
	// DisposeReason is non-empty if the connection must be disposed.
	DisposeReason string
	// SendKeepAlive asks for a keep-alive over TCP.
	SendKeepAlive bool
	// SendUDPKeepAlive asks for a keep-alive over UDP.
	SendUDPKeepAlive bool
	// UDPIdle reports that nothing arrived over UDP for two intervals.
	UDPIdle bool
	// ResendUDPHandshake asks for another UDP handshake datagram.
	ResendUDPHandshake bool
}

// Supervisor tracks activity timestamps. The record methods are safe to
// call from any goroutine; Tick is meant to be called from one.
type Supervisor struct {
	interval time.Duration
	timeout  time.Duration

	tcpRecv atomic.Int64
	tcpSend atomic.Int64
	udpRecv atomic.Int64
	udpSend atomic.Int64
}

// New returns a Supervisor that considers now the last activity on every path.
func New(interval time.Duration, maxDelay int, now time.Time) *Supervisor {
	s := &Supervisor{
		interval: interval,
		timeout:  interval * time.Duration(maxDelay),
	}
	n := now.UnixNano()
	s.tcpRecv.Store(n)
	s.tcpSend.Store(n)
	s.udpRecv.Store(n)
	s.udpSend.Store(n)
	return s
}

func (s *Supervisor) TCPReceived(now time.Time) { s.tcpRecv.Store(now.UnixNano()) }
func (s *Supervisor) TCPSent(now time.Time)     { s.tcpSend.Store(now.UnixNano()) }
func (s *Supervisor) UDPReceived(now time.Time) { s.udpRecv.Store(now.UnixNano()) }
func (s *Supervisor) UDPSent(now time.Time)     { s.udpSend.Store(now.UnixNano()) }

// Interval returns the tick interval.
func (s *Supervisor) Interval() time.Duration {
	return s.interval
}

// Tick evaluates the timestamps at now given the state of the UDP path.
// Keep-alives are due after half an interval without sending, so an idle
// peer ticking at the same rate sends one every tick despite jitter. Only
// outbound traffic on a path postpones its keep-alive; received traffic
// does not, since the peer times out on what it receives from us.
func (s *Supervisor) Tick(now time.Time, udp liveness.State) Action {
	var a Action
	n := now.UnixNano()

	if time.Duration(n-s.tcpRecv.Load()) > s.timeout {
		a.DisposeReason = ReasonTimeout
		return a
	}

	due := s.interval / 2
	a.SendKeepAlive = time.Duration(n-s.tcpSend.Load()) >= due

	switch udp {
	case liveness.Establishing:
		a.ResendUDPHandshake = true
	case liveness.Active:
		a.UDPIdle = time.Duration(n-s.udpRecv.Load()) > 2*s.interval
		a.SendUDPKeepAlive = time.Duration(n-s.udpSend.Load()) >= due
	}

	return a
}
