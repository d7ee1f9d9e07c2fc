// Package client connects to a netcore server: it dials the stream,
// runs both handshake phases and keeps the connection's heartbeat going.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"celestenet/netcore/pkg/config"
	"celestenet/netcore/pkg/conn"
	"celestenet/netcore/pkg/feature"
	"celestenet/netcore/pkg/handshake"
	"celestenet/netcore/pkg/log"
	"celestenet/netcore/pkg/metrics"
	pkgnet "celestenet/netcore/pkg/net"
	"celestenet/netcore/pkg/packet"
	"celestenet/netcore/pkg/transport/udp"
)

// Client holds what is needed to open connections to one server.
type Client struct {
	shared   *config.Shared
	cfg      *config.Client
	reg      *packet.Registry
	handlers conn.Handlers
	logger   *log.Logger
	metrics  *metrics.Metrics
}

// New creates a client. reg must hold every extension type the client decodes.
func New(shared *config.Shared, cfg *config.Client, reg *packet.Registry, handlers conn.Handlers, logger *log.Logger, m *metrics.Metrics) *Client {
	return &Client{
		shared:   shared,
		cfg:      cfg,
		reg:      reg,
		handlers: handlers,
		logger:   logger,
		metrics:  m,
	}
}

// Connect returns a ready connection. Setup is bounded by ctx and the
// configured timeout. Over ws, canceling ctx later also closes the stream.
func (cl *Client) Connect(ctx context.Context) (*conn.Conn, error) {
	hctx := ctx
	if cl.shared.Timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, cl.shared.Timeout)
		defer cancel()
	}

	cl.logger.InfoMsg("Connecting to %s over %s", pkgnet.Addr(cl.shared), cl.shared.Protocol)

	nc, err := pkgnet.Dial(ctx, cl.shared)
	if err != nil {
		return nil, err
	}
	if cl.cfg.Capture != "" {
		captured, err := log.NewCaptureConn(nc, cl.cfg.Capture)
		if err != nil {
			_ = nc.Close()
			return nil, fmt.Errorf("capturing to %s: %w", cl.cfg.Capture, err)
		}
		nc = captured
	}

	fs, pc, err := cl.features(ctx)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}

	res, err := handshake.Negotiate(hctx, nc, feature.Names(fs), cl.cfg.Name)
	if err != nil {
		cl.metrics.Handshake(metrics.HandshakeRejected)
		_ = nc.Close()
		if pc != nil {
			_ = pc.Close()
		}
		return nil, fmt.Errorf("handshake.Negotiate(): %w", err)
	}

	opts := conn.Options{
		Token:    res.Token,
		Name:     cl.cfg.Name,
		IsClient: true,
		Features: res.Features,
		Settings: res.Settings,
		Registry: cl.reg,
		Reader:   res.Reader,
		Handlers: cl.handlers,
		Logger:   cl.logger,
		Metrics:  cl.metrics,
	}
	if pc != nil {
		if contains(res.Features, "udp") {
			opts.UDP = pc
			opts.OwnsUDP = true
		} else {
			cl.logger.VerboseMsg("Server declined UDP")
			_ = pc.Close()
		}
	}

	c := conn.New(nc, opts)
	c.Start()

	if err := feature.Run(hctx, c, fs, res.Features); err != nil {
		cl.metrics.Handshake(metrics.HandshakeFailed)
		c.Dispose("feature handshake failed")
		return nil, fmt.Errorf("%s: %w", c, err)
	}
	cl.metrics.Handshake(metrics.HandshakeAccepted)

	cl.logger.InfoMsg("%s: connected as %q, features %v", c, cl.cfg.Name, res.Features)
	go heartbeat(c)

	return c, nil
}

// features returns the features to offer and the UDP socket backing
// the udp feature, if enabled.
func (cl *Client) features(ctx context.Context) ([]feature.Feature, net.PacketConn, error) {
	if !cl.cfg.UDP {
		return []feature.Feature{feature.DataTypes{}}, nil, nil
	}

	server, err := udp.Resolve(pkgnet.Addr(cl.shared))
	if err != nil {
		return nil, nil, err
	}
	pc, err := udp.Listen(ctx, ":0", config.MaxDatagramBuffer, cl.shared.Deps)
	if err != nil {
		return nil, nil, fmt.Errorf("opening UDP socket: %w", err)
	}

	return []feature.Feature{&feature.UDP{ServerAddr: server}, feature.DataTypes{}}, pc, nil
}

// heartbeat ticks c until it is disposed.
func heartbeat(c *conn.Conn) {
	settings := c.Settings()
	t := time.NewTicker(settings.HeartbeatPeriod())
	defer t.Stop()

	for {
		select {
		case <-c.Done():
			return
		case now := <-t.C:
			c.Heartbeat(now)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
