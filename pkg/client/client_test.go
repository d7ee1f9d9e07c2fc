package client

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"celestenet/netcore/mocks"
	mocks_tcp "celestenet/netcore/mocks/tcp"
	"celestenet/netcore/pkg/config"
	"celestenet/netcore/pkg/conn"
	"celestenet/netcore/pkg/ext"
	"celestenet/netcore/pkg/handshake"
	"celestenet/netcore/pkg/liveness"
	"celestenet/netcore/pkg/packet"
	"celestenet/netcore/pkg/server"
)

type env struct {
	tcp    *mocks_tcp.Network
	udp    *mocks.UDPNetwork
	shared *config.Shared
	srv    *server.Server
	reg    *packet.Registry
}

func testConfig() *config.Server {
	cfg := config.DefaultServer()
	cfg.HandshakeRate = 0
	cfg.BannedNames = []string{"Badeline"}
	cfg.Settings.HeartbeatInterval = 100
	cfg.Settings.MaxHeartbeatDelay = 10
	return cfg
}

// start runs a server on an in-memory network until the test ends.
func start(t *testing.T, cfg *config.Server, handlers conn.Handlers) *env {
	t.Helper()

	e := &env{tcp: mocks_tcp.NewNetwork(), udp: mocks.NewUDPNetwork()}
	e.shared = &config.Shared{
		Protocol: config.ProtoTCP,
		Host:     "127.0.0.1",
		Port:     9000,
		Timeout:  2 * time.Second,
		Deps: &config.Dependencies{
			TCPDialer:      e.tcp.DialTCP,
			TCPListener:    e.tcp.ListenTCP,
			PacketListener: e.udp.ListenPacket,
		},
	}

	e.reg = packet.NewRegistry()
	ext.Register(e.reg)
	e.srv = server.New(e.shared, cfg, e.reg, handlers, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("Serve() did not return after cancel")
		}
	})

	select {
	case <-e.srv.Ready():
	case err := <-errCh:
		t.Fatalf("Serve() error = %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	return e
}

func (e *env) connect(t *testing.T, cfg *config.Client, handlers conn.Handlers) (*conn.Conn, error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	c, err := New(e.shared, cfg, e.reg, handlers, nil, nil).Connect(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	t.Cleanup(func() {
		c.Dispose("test done")
		cancel()
	})
	return c, nil
}

// serverConn returns the server side of the only connection.
func (e *env) serverConn(t *testing.T) *conn.Conn {
	t.Helper()
	waitFor(t, "server connection", func() bool {
		conns := e.srv.Conns()
		return len(conns) == 1 && conns[0].Ready()
	})
	return e.srv.Conns()[0]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func receive[T packet.Packet](t *testing.T, ch <-chan packet.Packet) T {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case p := <-ch:
			if v, ok := p.(T); ok {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("no %T received", zero)
			return zero
		}
	}
}

func collect(ch chan packet.Packet) func(*conn.Conn, packet.Packet) {
	return func(_ *conn.Conn, p packet.Packet) {
		select {
		case ch <- p:
		default:
		}
	}
}

func TestConnect_UDP(t *testing.T) {
	t.Parallel()

	got := make(chan packet.Packet, 64)
	e := start(t, testConfig(), conn.Handlers{OnReceive: collect(got)})

	c, err := e.connect(t, &config.Client{Name: "Madeline", UDP: true}, conn.Handlers{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if c.Token() == 0 || c.UDP() == nil {
		t.Fatalf("Connect() = token %08X, UDP %v", c.Token(), c.UDP())
	}

	sc := e.serverConn(t)
	waitFor(t, "stable UDP", func() bool {
		return c.Live.UseUDP() && sc.Live.State() == liveness.Active
	})

	if err := c.Send(&ext.PlayerState{Level: "1A", X: 1, Y: 2}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	ps := receive[*ext.PlayerState](t, got)
	if ps.Level != "1A" || ps.X != 1 || ps.Y != 2 {
		t.Errorf("received %+v", ps)
	}
}

func TestConnect_TCPOnly(t *testing.T) {
	t.Parallel()

	e := start(t, testConfig(), conn.Handlers{
		OnReceive: func(c *conn.Conn, p packet.Packet) {
			if chat, ok := p.(*ext.Chat); ok {
				c.Send(&ext.Chat{Player: c.Name(), Text: "echo: " + chat.Text})
			}
		},
	})

	got := make(chan packet.Packet, 16)
	c, err := e.connect(t, &config.Client{Name: "Madeline"}, conn.Handlers{OnReceive: collect(got)})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if c.UDP() != nil || c.Live.State() != liveness.NoUDP {
		t.Errorf("UDP = %v, liveness %v; want none", c.UDP(), c.Live.State())
	}

	if err := c.Send(&ext.Chat{Player: "Madeline", Text: "hi"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	chat := receive[*ext.Chat](t, got)
	if chat.Text != "echo: hi" || chat.Player != "Madeline" {
		t.Errorf("received %+v", chat)
	}
}

func TestConnect_ServerWithoutUDP(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.UDP = false
	e := start(t, cfg, conn.Handlers{})

	c, err := e.connect(t, &config.Client{Name: "Madeline", UDP: true}, conn.Handlers{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	for _, f := range c.Features() {
		if f == "udp" {
			t.Errorf("Features() = %v, want no udp", c.Features())
		}
	}
	if c.UDP() != nil || c.Live.State() != liveness.NoUDP {
		t.Errorf("UDP = %v, liveness %v; want none", c.UDP(), c.Live.State())
	}
}

func TestConnect_Rejected(t *testing.T) {
	t.Parallel()

	e := start(t, testConfig(), conn.Handlers{})

	_, err := e.connect(t, &config.Client{Name: "Badeline", UDP: true}, conn.Handlers{})
	var rejected *handshake.RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("Connect() error = %v, want rejection", err)
	}
	if rejected.Status != 403 || !strings.Contains(rejected.Message, "banned") {
		t.Errorf("rejected with %d %q", rejected.Status, rejected.Message)
	}
}

func TestConnect_Degrade(t *testing.T) {
	t.Parallel()

	got := make(chan packet.Packet, 16)
	e := start(t, testConfig(), conn.Handlers{OnReceive: collect(got)})

	downgraded := make(chan struct{}, 1)
	c, err := e.connect(t, &config.Client{Name: "Madeline", UDP: true}, conn.Handlers{
		OnUDPDowngrade: func(*conn.Conn) { downgraded <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	sc := e.serverConn(t)
	waitFor(t, "active UDP", func() bool {
		return c.Live.State() == liveness.Active && sc.Live.State() == liveness.Active
	})

	e.udp.Cut(true)

	select {
	case <-downgraded:
	case <-time.After(5 * time.Second):
		t.Fatal("OnUDPDowngrade not called")
	}
	waitFor(t, "both sides degraded", func() bool {
		return c.State() == conn.Degraded && sc.State() == conn.Degraded
	})

	if err := c.Send(&ext.Chat{Player: "Madeline", Text: "still here"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	chat := receive[*ext.Chat](t, got)
	if chat.Text != "still here" {
		t.Errorf("received %+v", chat)
	}

	// Unreliable packets fall back to TCP.
	if err := c.Send(&ext.PlayerState{Level: "2A"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if ps := receive[*ext.PlayerState](t, got); ps.Level != "2A" {
		t.Errorf("received %+v", ps)
	}
}
