// Package server accepts netcore connections. It runs the teapot
// handshake with admission control, demultiplexes the shared UDP socket
// onto connections and drives their heartbeats.
package server

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lrucache "github.com/cognusion/go-cache-lru"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"celestenet/netcore/pkg/config"
	"celestenet/netcore/pkg/conn"
	"celestenet/netcore/pkg/feature"
	"celestenet/netcore/pkg/handshake"
	"celestenet/netcore/pkg/log"
	"celestenet/netcore/pkg/metrics"
	pkgnet "celestenet/netcore/pkg/net"
	"celestenet/netcore/pkg/packet"
	"celestenet/netcore/pkg/semaphore"
	"celestenet/netcore/pkg/transport/udp"
)

const (
	// pendingUDPTTL bounds how long a token waits for its UDP handshake.
	pendingUDPTTL = 2 * time.Minute

	// limiterTTL is how long an idle per-IP limiter is remembered.
	limiterTTL  = 10 * time.Minute
	maxLimiters = 4096
)

// ReasonShutdown is sent to clients when the server stops.
const ReasonShutdown = "server shutting down"

// Server is a netcore relay endpoint.
type Server struct {
	shared   *config.Shared
	cfg      *config.Server
	reg      *packet.Registry
	handlers conn.Handlers
	logger   *log.Logger
	metrics  *metrics.Metrics

	handshakes *semaphore.Slots
	slots      *semaphore.Slots

	limitMu  sync.Mutex
	limiters *lrucache.Cache

	// pending maps hex tokens to connections awaiting their UDP handshake.
	pending *lrucache.Cache
	udp     net.PacketConn
	nextID  atomic.Int32

	mu      sync.Mutex
	conns   map[uint32]*conn.Conn
	byUDP   map[string]*conn.Conn
	udpKeys map[uint32]string

	addr  net.Addr
	ready chan struct{}
}

// New creates a server. reg must hold every extension type the server
// decodes; handlers receive the traffic of every connection.
func New(shared *config.Shared, cfg *config.Server, reg *packet.Registry, handlers conn.Handlers, logger *log.Logger, m *metrics.Metrics) *Server {
	return &Server{
		shared:   shared,
		cfg:      cfg,
		reg:      reg,
		handlers: handlers,
		logger:   logger,
		metrics:  m,

		handshakes: semaphore.New(cfg.MaxHandshakes, shared.Timeout),
		slots:      semaphore.New(cfg.MaxConnections, 0),

		limiters: lrucache.NewWithLRU(limiterTTL, time.Minute, maxLimiters),
		pending:  lrucache.NewWithLRU(pendingUDPTTL, time.Minute, cfg.MaxConnections),

		conns:   make(map[uint32]*conn.Conn),
		byUDP:   make(map[string]*conn.Conn),
		udpKeys: make(map[uint32]string),

		ready: make(chan struct{}),
	}
}

// Serve listens and serves until ctx is canceled. Connections still open
// at that point are closed with ReasonShutdown.
func (s *Server) Serve(ctx context.Context) error {
	nl, err := pkgnet.Listen(s.shared)
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	s.addr = nl.Addr()

	if s.cfg.UDP {
		s.udp, err = udp.Listen(ctx, nl.Addr().String(), config.MaxDatagramBuffer, s.shared.Deps)
		if err != nil {
			_ = nl.Close()
			return fmt.Errorf("opening UDP socket: %w", err)
		}
	}

	s.logger.InfoMsg("Listening on %s (%s, UDP %t)", s.addr, s.shared.Protocol, s.udp != nil)
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pkgnet.Serve(gctx, s.shared, nl, func(nc net.Conn) error {
			return s.handle(gctx, nc)
		}, s.logger)
	})

	if s.udp != nil {
		stop := context.AfterFunc(gctx, func() { _ = s.udp.Close() })
		defer stop()
		g.Go(func() error { return s.readUDP(gctx) })
	}

	g.Go(func() error {
		s.heartbeat(gctx)
		return nil
	})

	if s.cfg.MetricsAddr != "" {
		g.Go(func() error { return s.serveMetrics(gctx) })
	}

	return g.Wait()
}

// Ready is closed once the sockets are open.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the stream listener address. Valid after Ready.
func (s *Server) Addr() net.Addr { return s.addr }

// UDPAddr returns the UDP socket address, or nil. Valid after Ready.
func (s *Server) UDPAddr() net.Addr {
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

// Conns returns the connections currently registered.
func (s *Server) Conns() []*conn.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*conn.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast sends p to every ready connection except skip.
func (s *Server) Broadcast(p packet.Packet, skip *conn.Conn) {
	for _, c := range s.Conns() {
		if c == skip || !c.Ready() {
			continue
		}
		if err := c.Send(p); err != nil {
			s.logger.VerboseMsg("%s: broadcast: %s", c, err)
		}
	}
}

// Expect registers c for the UDP handshake with its token.
func (s *Server) Expect(c *conn.Conn) {
	s.pending.Set(tokenKey(c.Token()), c, pendingUDPTTL)
}

func (s *Server) features() []feature.Feature {
	var fs []feature.Feature
	if s.udp != nil {
		fs = append(fs, &feature.UDP{Binder: s})
	}
	return append(fs, feature.DataTypes{})
}

// handle runs one connection from the teapot request to disposal.
func (s *Server) handle(ctx context.Context, nc net.Conn) error {
	ip := hostOf(nc.RemoteAddr())
	if !s.allow(ip) {
		s.reject(nc, http.StatusTooManyRequests, "Too many connection attempts")
		return nil
	}

	if err := s.handshakes.Acquire(ctx); err != nil {
		s.reject(nc, http.StatusServiceUnavailable, "Server busy")
		return nil
	}
	handshaking := true
	defer func() {
		if handshaking {
			s.handshakes.Release()
		}
	}()

	hctx := ctx
	if s.shared.Timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, s.shared.Timeout)
		defer cancel()
	}

	req, err := handshake.ReadRequest(hctx, nc)
	if err != nil {
		s.metrics.Handshake(metrics.HandshakeFailed)
		if hctx.Err() == nil && errors.Is(err, handshake.ErrHandshake) {
			s.reject(nc, http.StatusBadRequest, "Malformed teapot request")
		}
		return fmt.Errorf("handshake.ReadRequest(): %w", err)
	}

	if req.Version != handshake.Version {
		s.reject(nc, http.StatusBadRequest, fmt.Sprintf("Unsupported teapot version %d, server speaks %d", req.Version, handshake.Version))
		return nil
	}
	if reason := s.cfg.CheckName(req.Name); reason != "" {
		s.reject(nc, http.StatusForbidden, reason)
		return nil
	}
	if !s.slots.TryAcquire() {
		s.reject(nc, http.StatusServiceUnavailable, "Server full")
		return nil
	}
	defer s.slots.Release()

	fs := s.features()
	agreed := handshake.Intersect(req.Features, feature.Names(fs))
	token := s.register(nil)

	opts := conn.Options{
		Token:    token,
		Name:     req.Name,
		Features: agreed,
		Settings: s.cfg.Settings,
		Registry: s.reg,
		Reader:   req.Reader,
		Handlers: s.handlers,
		Logger:   s.logger,
		Metrics:  s.metrics,
	}
	if contains(agreed, "udp") {
		opts.UDP = s.udp
	}

	c := conn.New(nc, opts)
	s.register(c)
	defer s.unregister(token, c)

	// The client may send its UDP handshake as soon as it reads the token.
	if opts.UDP != nil {
		s.Expect(c)
	}

	if err := handshake.Accept(nc, token, agreed, &s.cfg.Settings); err != nil {
		s.metrics.Handshake(metrics.HandshakeFailed)
		c.Dispose("teapot response failed")
		return fmt.Errorf("handshake.Accept(): %w", err)
	}
	c.Start()

	s.logger.InfoMsg("%s: %q connected, features %v", c, req.Name, agreed)

	if err := feature.Run(hctx, c, fs, agreed); err != nil {
		s.metrics.Handshake(metrics.HandshakeFailed)
		c.Dispose("feature handshake failed")
		<-c.Done()
		return fmt.Errorf("%s: %w", c, err)
	}
	s.metrics.Handshake(metrics.HandshakeAccepted)
	s.handshakes.Release()
	handshaking = false

	select {
	case <-c.Done():
	case <-ctx.Done():
		c.Close(ReasonShutdown)
		<-c.Done()
	}

	s.logger.InfoMsg("%s: %q disconnected: %s", c, req.Name, c.Reason())
	return nil
}

func (s *Server) reject(nc net.Conn, status int, message string) {
	s.metrics.Handshake(metrics.HandshakeRejected)
	s.logger.VerboseMsg("Rejecting %s: %d %s", nc.RemoteAddr(), status, message)
	if err := handshake.Reject(nc, status, message); err != nil {
		s.logger.VerboseMsg("Rejecting %s: %s", nc.RemoteAddr(), err)
	}
}

// allow applies the per-IP handshake rate limit.
func (s *Server) allow(ip string) bool {
	if s.cfg.HandshakeRate <= 0 {
		return true
	}

	s.limitMu.Lock()
	defer s.limitMu.Unlock()

	var l *rate.Limiter
	if v, ok := s.limiters.Get(ip); ok {
		l = v.(*rate.Limiter)
	} else {
		l = rate.NewLimiter(rate.Limit(s.cfg.HandshakeRate), s.cfg.HandshakeBurst)
	}
	s.limiters.Set(ip, l, limiterTTL)

	return l.Allow()
}

// register reserves a fresh token when c is nil, or records c under its
// token.
func (s *Server) register(c *conn.Conn) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c != nil {
		s.conns[c.Token()] = c
		return c.Token()
	}

	for {
		token := newToken()
		if _, taken := s.conns[token]; token != 0 && !taken {
			s.conns[token] = nil
			return token
		}
	}
}

func (s *Server) unregister(token uint32, c *conn.Conn) {
	s.pending.Delete(tokenKey(token))

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.conns[token]; ok && cur == c {
		delete(s.conns, token)
	}
	if key, ok := s.udpKeys[token]; ok {
		delete(s.byUDP, key)
		delete(s.udpKeys, token)
	}
}

// readUDP dispatches datagrams from the shared socket. Known endpoints
// go to their connection; handshake datagrams bind their sender.
func (s *Server) readUDP(ctx context.Context) error {
	buf := make([]byte, config.MaxDatagramBuffer)

	for {
		n, addr, err := s.udp.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.VerboseMsg("UDP read: %s", err)
			continue
		}
		b := buf[:n]
		key := addr.String()

		s.mu.Lock()
		c := s.byUDP[key]
		s.mu.Unlock()

		if c != nil {
			c.HandleDatagram(b)
			continue
		}

		token, ok := conn.ParseHandshakeDatagram(b)
		if !ok {
			s.metrics.Dropped("unknown_endpoint")
			continue
		}
		v, ok := s.pending.Get(tokenKey(token))
		if !ok {
			s.logger.VerboseMsg("UDP handshake from %s with unknown token %08X", addr, token)
			s.metrics.Dropped("unknown_token")
			continue
		}
		s.bind(v.(*conn.Conn), addr)
	}
}

func (s *Server) bind(c *conn.Conn, addr net.Addr) {
	id := s.nextID.Add(1) & 0x7FFFFFFF
	if !c.BindUDP(id, addr) {
		return
	}
	s.pending.Delete(tokenKey(c.Token()))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c.Token()]; !ok {
		return
	}
	s.byUDP[addr.String()] = c
	s.udpKeys[c.Token()] = addr.String()
}

// heartbeat ticks every connection once per heartbeat period.
func (s *Server) heartbeat(ctx context.Context) {
	t := time.NewTicker(s.cfg.Settings.HeartbeatPeriod())
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			for _, c := range s.Conns() {
				c.Heartbeat(now)
			}
		}
	}
}

func (s *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())

	srv := &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()

	s.logger.InfoMsg("Serving metrics on %s", s.cfg.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics on %s: %w", s.cfg.MetricsAddr, err)
	}
	return nil
}

func newToken() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand: %s", err))
	}
	return binary.LittleEndian.Uint32(b[:])
}

func tokenKey(token uint32) string {
	return strconv.FormatUint(uint64(token), 16)
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
