// Package conn implements the dual transport connection. A Conn owns one
// TCP stream and optionally sends and receives over a UDP socket bound
// to the same peer. It runs one read and one write loop per transport and
// routes unreliable packets over UDP while the liveness machine allows it.
package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"celestenet/netcore/pkg/config"
	"celestenet/netcore/pkg/heartbeat"
	"celestenet/netcore/pkg/liveness"
	"celestenet/netcore/pkg/log"
	"celestenet/netcore/pkg/metrics"
	"celestenet/netcore/pkg/packet"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	Connecting State = iota
	Handshaking
	Established
	Degraded
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Degraded:
		return "degraded"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Disposal reasons reported to OnDisconnect.
const (
	ReasonQueueOverflow  = "send queue overflow"
	ReasonBufferOverflow = "receive buffer overflow"
	ReasonClosedByPeer   = "connection closed by peer"
	ReasonPeerDisconnect = "peer disconnected"
	ReasonProtocolError  = "protocol error"
	ReasonPacketTooLarge = "packet too large"
	ReasonDisposed       = "disposed"
)

var (
	// ErrClosed is returned when sending on a closing or closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrQueueOverflow is returned when the TCP queue was full. The
	// connection is disposed.
	ErrQueueOverflow = errors.New(ReasonQueueOverflow)
)

// joinTimeout bounds how long Dispose waits for the loops to exit.
const joinTimeout = 2 * time.Second

// Handlers are the upstream callbacks. All are optional. OnReceive is
// never called concurrently with itself.
type Handlers struct {
	OnReceive      func(c *Conn, p packet.Packet)
	OnDisconnect   func(c *Conn, reason string)
	OnUDPDowngrade func(c *Conn)
}

// Options configure a new Conn.
type Options struct {
	Token    uint32
	Name     string
	IsClient bool
	Features []string
	Settings config.Settings
	Registry *packet.Registry

	// Reader, if set, is used for TCP reads instead of the raw socket.
	// It must wrap the TCP socket and may hold bytes already buffered
	// during the teapot handshake.
	Reader *bufio.Reader

	// UDP is the socket datagrams are written to. OwnsUDP makes the Conn
	// read from it and close it on dispose; a server shares one socket
	// and feeds datagrams through HandleDatagram instead.
	UDP     net.PacketConn
	OwnsUDP bool

	Handlers Handlers
	Logger   *log.Logger
	Metrics  *metrics.Metrics
}

type item struct {
	p packet.Packet
	// last makes the TCP write loop flush and dispose after writing p.
	last   bool
	reason string
}

// loop is one of the background goroutines of a Conn. busy is set while
// it runs code that may dispose the connection, so Dispose never waits
// for the goroutine it was called from.
type loop struct {
	name string
	done chan struct{}
	busy atomic.Bool
}

// Conn is a connection past the teapot handshake.
type Conn struct {
	token    uint32
	name     string
	isClient bool
	features []string
	settings config.Settings
	reg      *packet.Registry
	handlers Handlers
	logger   *log.Logger
	metrics  *metrics.Metrics

	tcp       net.Conn
	tcpReader *bufio.Reader
	udp       net.PacketConn
	ownsUDP   bool

	// Live governs the UDP path; Beat tracks activity for heartbeats.
	Live *liveness.Machine
	Beat *heartbeat.Supervisor

	state      atomic.Int32
	disposed   atomic.Bool
	closing    atomic.Bool
	closeMsg   atomic.Value
	closeTimer atomic.Pointer[time.Timer]
	reason   atomic.Value
	closed   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	tcpQueue chan item
	udpQueue chan packet.Packet

	datagramSize atomic.Int32
	peerDisabled atomic.Bool

	loopsMu sync.Mutex
	loops   []*loop

	// deliverMu serializes delivery to the upper layer.
	deliverMu sync.Mutex

	mu        sync.Mutex
	ready     bool
	pending   []packet.Packet
	waiters   []*waiter
	peerTypes map[string]struct{}
}

// New wraps an established TCP stream. The loops start with Start.
func New(tcp net.Conn, opts Options) *Conn {
	s := opts.Settings
	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		token:    opts.Token,
		name:     opts.Name,
		isClient: opts.IsClient,
		features: opts.Features,
		settings: s,
		reg:      opts.Registry,
		handlers: opts.Handlers,
		logger:   opts.Logger,
		metrics:  opts.Metrics,

		tcp:       tcp,
		tcpReader: opts.Reader,
		udp:       opts.UDP,
		ownsUDP:   opts.OwnsUDP,

		Beat: heartbeat.New(s.HeartbeatPeriod(), int(s.MaxHeartbeatDelay), time.Now()),

		closed: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,

		tcpQueue: make(chan item, s.MaxQueueSize),
		udpQueue: make(chan packet.Packet, s.MaxQueueSize),
	}
	if c.reg == nil {
		c.reg = packet.NewRegistry()
	}
	if c.tcpReader == nil {
		c.tcpReader = bufio.NewReader(tcp)
	}
	c.Live = liveness.New(liveness.ThresholdsFrom(&s), c.onDowngrade)
	c.datagramSize.Store(s.MaxDatagramSize)
	c.state.Store(int32(Connecting))

	return c
}

// Token returns the connection token assigned during the teapot handshake.
func (c *Conn) Token() uint32 { return c.token }

// Name returns the player name sent during the teapot handshake.
func (c *Conn) Name() string { return c.name }

// IsClient reports whether this is the initiating side.
func (c *Conn) IsClient() bool { return c.isClient }

// Features returns the agreed features.
func (c *Conn) Features() []string { return c.features }

// Settings returns the negotiated settings.
func (c *Conn) Settings() config.Settings { return c.settings }

// Registry returns the packet registry used by this connection.
func (c *Conn) Registry() *packet.Registry { return c.reg }

// RemoteAddr returns the TCP peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.tcp.RemoteAddr() }

// UDP returns the UDP socket, if any.
func (c *Conn) UDP() net.PacketConn { return c.udp }

// Logger returns the connection's logger.
func (c *Conn) Logger() *log.Logger { return c.logger }

// Context is canceled when the connection is disposed.
func (c *Conn) Context() context.Context { return c.ctx }

// Done is closed once disposal finished.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// State returns the lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Reason returns the disposal reason, or the empty string.
func (c *Conn) Reason() string {
	r, _ := c.reason.Load().(string)
	return r
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn %08X (%s)", c.token, c.tcp.RemoteAddr())
}

// advance moves the state forward to s unless it already passed it.
func (c *Conn) advance(s State) {
	for {
		cur := c.state.Load()
		if State(cur) >= s {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Start launches the read and write loops and enters Handshaking.
func (c *Conn) Start() {
	c.loopsMu.Lock()
	defer c.loopsMu.Unlock()

	if c.disposed.Load() || len(c.loops) > 0 {
		return
	}

	c.metrics.ConnOpened()
	c.advance(Handshaking)

	c.spawn("tcp-read", c.tcpReadLoop)
	c.spawn("tcp-write", c.tcpWriteLoop)
	if c.udp != nil {
		c.spawn("udp-write", c.udpWriteLoop)
		if c.ownsUDP {
			c.spawn("udp-read", c.udpReadLoop)
		}
	}
}

func (c *Conn) spawn(name string, fn func(l *loop)) {
	l := &loop{name: name, done: make(chan struct{})}
	c.loops = append(c.loops, l)
	go func() {
		defer close(l.done)
		fn(l)
	}()
}

// Send queues p for delivery. Unreliable packets go over UDP while it is
// usable; everything else goes over TCP. Packets are dropped silently on
// closing connections and when the peer announced it cannot decode them.
func (c *Conn) Send(p packet.Packet) error {
	if c.State() >= Closing {
		return ErrClosed
	}

	typ := p.DataType()
	if !c.reg.IsCore(typ) && !c.PeerKnows(typ) {
		c.logger.VerboseMsg("%s: peer cannot decode %s, dropping", c, typ)
		c.metrics.Dropped("unknown_to_peer")
		return nil
	}

	if packet.IsUnreliable(p) && c.udp != nil && c.Live.UseUDP() {
		select {
		case c.udpQueue <- p:
		default:
			c.metrics.Dropped("udp_queue_full")
		}
		return nil
	}

	return c.enqueueTCP(item{p: p})
}

func (c *Conn) enqueueTCP(it item) error {
	select {
	case c.tcpQueue <- it:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}

	c.logger.WarnMsg("%s: TCP queue full (%d packets)", c, cap(c.tcpQueue))
	c.Dispose(ReasonQueueOverflow)
	return ErrQueueOverflow
}

// Close disconnects gracefully: everything queued so far is flushed, then
// a disconnect packet carrying reason is sent and the connection disposed.
func (c *Conn) Close(reason string) {
	if !c.closing.CompareAndSwap(false, true) || c.disposed.Load() {
		return
	}

	c.loopsMu.Lock()
	started := len(c.loops) > 0
	c.loopsMu.Unlock()
	if !started {
		c.Dispose(reason)
		return
	}

	c.closeMsg.Store(reason)
	c.advance(Closing)

	// A peer that stopped reading would block the final flush forever.
	grace := c.settings.HeartbeatPeriod() * time.Duration(c.settings.MaxHeartbeatDelay)
	c.closeTimer.Store(time.AfterFunc(grace, func() {
		c.logger.VerboseMsg("%s: close did not finish within %s", c, grace)
		c.Dispose(reason)
	}))

	it := item{p: &packet.Disconnect{Reason: reason}, last: true, reason: reason}
	select {
	case c.tcpQueue <- it:
	case <-c.ctx.Done():
	case <-time.After(c.settings.HeartbeatPeriod()):
		c.Dispose(reason)
	}
}

// Dispose tears the connection down. It cancels all loops, closes the
// sockets and waits a bounded time for the loops to exit. Only the first
// call has an effect; it may come from any goroutine, including the
// connection's own callbacks.
func (c *Conn) Dispose(reason string) {
	c.dispose(nil, reason)
}

func (c *Conn) dispose(self *loop, reason string) {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}
	if reason == "" {
		reason = ReasonDisposed
	}
	c.reason.Store(reason)
	c.advance(Closing)
	c.cancel()
	if t := c.closeTimer.Load(); t != nil {
		t.Stop()
	}

	// Errors from sockets already torn down are expected.
	_ = c.tcp.Close()
	if c.ownsUDP && c.udp != nil {
		_ = c.udp.Close()
	}

	c.loopsMu.Lock()
	loops := c.loops
	c.loopsMu.Unlock()

	timeout := time.NewTimer(joinTimeout)
	defer timeout.Stop()
join:
	for _, l := range loops {
		if l == self || l.busy.Load() {
			continue
		}
		select {
		case <-l.done:
		case <-timeout.C:
			c.logger.WarnMsg("%s: %s loop did not stop in time", c, l.name)
			break join
		}
	}

	c.mu.Lock()
	c.waiters = nil
	c.pending = nil
	c.mu.Unlock()

	c.state.Store(int32(Closed))
	if len(loops) > 0 {
		c.metrics.ConnClosed()
	}
	c.logger.VerboseMsg("%s: disposed: %s", c, reason)

	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect(c, reason)
	}
	close(c.closed)
}

// fail disposes from inside loop l.
func (c *Conn) fail(l *loop, reason string) {
	c.dispose(l, reason)
}

// MarkReady finishes setup: packets buffered while handshaking are
// delivered in order and the connection enters Established, or Degraded
// if UDP was already abandoned.
func (c *Conn) MarkReady() {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.ready {
		c.mu.Unlock()
		return
	}
	c.ready = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if c.Live.State() == liveness.Degraded {
		c.advance(Degraded)
	} else {
		c.advance(Established)
	}

	for _, p := range pending {
		if c.reg.IsCore(p.DataType()) {
			continue
		}
		c.deliver(p)
	}
}

// Ready reports whether MarkReady was called.
func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// SetPeerTypes records the extension types the peer can decode. Until it
// is called every type is assumed to be decodable.
func (c *Conn) SetPeerTypes(types []string) {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}

	c.mu.Lock()
	c.peerTypes = set
	c.mu.Unlock()
}

// PeerKnows reports whether the peer announced it can decode typ.
func (c *Conn) PeerKnows(typ string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerTypes == nil {
		return true
	}
	_, ok := c.peerTypes[typ]
	return ok
}

// Heartbeat runs one heartbeat tick at now. A closing connection is
// still checked for timeouts but sends no keep-alives.
func (c *Conn) Heartbeat(now time.Time) {
	state := c.State()
	if state == Closed || c.disposed.Load() {
		return
	}

	a := c.Beat.Tick(now, c.Live.State())
	if a.DisposeReason != "" {
		c.logger.WarnMsg("%s: %s", c, a.DisposeReason)
		c.Dispose(a.DisposeReason)
		return
	}
	if state >= Closing {
		return
	}

	if a.SendKeepAlive {
		c.enqueueTCP(item{p: &packet.KeepAlive{}})
	}
	if a.UDPIdle {
		c.logger.VerboseMsg("%s: no UDP traffic for two heartbeats", c)
		c.Live.Failed()
	}
	if a.SendUDPKeepAlive && c.udp != nil {
		select {
		case c.udpQueue <- &packet.KeepAlive{}:
		default:
		}
	}
	if a.ResendUDPHandshake && c.isClient {
		if err := c.SendUDPHandshake(); err != nil {
			c.logger.VerboseMsg("%s: resending UDP handshake: %s", c, err)
		}
	}
}

func (c *Conn) onDowngrade() {
	c.metrics.UDPDowngrade()

	for {
		cur := c.state.Load()
		if State(cur) != Established {
			break
		}
		if c.state.CompareAndSwap(cur, int32(Degraded)) {
			break
		}
	}

	if !c.peerDisabled.Load() {
		c.logger.WarnMsg("%s: UDP unusable, switching to TCP only", c)
		c.enqueueTCP(item{p: &packet.UDPInfo{ConnectionID: -1}})
	} else {
		c.logger.InfoMsg("%s: peer switched to TCP only", c)
	}

	if c.handlers.OnUDPDowngrade != nil {
		c.handlers.OnUDPDowngrade(c)
	}
}
