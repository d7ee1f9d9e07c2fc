package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"celestenet/netcore/mocks"
	mocks_tcp "celestenet/netcore/mocks/tcp"
	"celestenet/netcore/pkg/config"
	"celestenet/netcore/pkg/conn"
	"celestenet/netcore/pkg/ext"
	"celestenet/netcore/pkg/handshake"
	"celestenet/netcore/pkg/packet"
)

const testPort = 9000

type env struct {
	tcp    *mocks_tcp.Network
	udp    *mocks.UDPNetwork
	shared *config.Shared
	srv    *Server
}

func fastSettings() config.Settings {
	s := config.DefaultSettings()
	s.HeartbeatInterval = 100
	s.MaxHeartbeatDelay = 10
	return s
}

func testConfig() *config.Server {
	cfg := config.DefaultServer()
	cfg.HandshakeRate = 0
	cfg.Settings = fastSettings()
	return cfg
}

// start runs a server on an in-memory network until the test ends.
func start(t *testing.T, cfg *config.Server, handlers conn.Handlers) *env {
	t.Helper()

	e := &env{tcp: mocks_tcp.NewNetwork(), udp: mocks.NewUDPNetwork()}
	e.shared = &config.Shared{
		Protocol: config.ProtoTCP,
		Host:     "127.0.0.1",
		Port:     testPort,
		Timeout:  2 * time.Second,
		Deps: &config.Dependencies{
			TCPDialer:      e.tcp.DialTCP,
			TCPListener:    e.tcp.ListenTCP,
			PacketListener: e.udp.ListenPacket,
		},
	}

	reg := packet.NewRegistry()
	ext.Register(reg)
	e.srv = New(e.shared, cfg, reg, handlers, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Serve() error = %v", err)
			}
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

func (e *env) dial(t *testing.T) net.Conn {
	t.Helper()

	nc, err := e.tcp.DialTCP(context.Background(), "tcp", nil, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: testPort})
	if err != nil {
		t.Fatalf("DialTCP() error = %v", err)
	}
	t.Cleanup(func() { nc.Close() })
	return nc
}

// negotiate runs the teapot exchange and then drains the stream so the
// server never blocks writing to it.
func (e *env) negotiate(t *testing.T, name string, features []string) (*handshake.Result, error) {
	t.Helper()

	nc := e.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := handshake.Negotiate(ctx, nc, features, name)
	if err == nil {
		go io.Copy(io.Discard, res.Reader)
	}
	return res, err
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

func TestServer_Accept(t *testing.T) {
	t.Parallel()

	e := start(t, testConfig(), conn.Handlers{})
	if e.srv.UDPAddr() == nil {
		t.Fatal("UDPAddr() = nil with UDP enabled")
	}

	res, err := e.negotiate(t, "Madeline", []string{"datatypes-v2", "udp"})
	if err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}

	if res.Token == 0 {
		t.Error("token is zero")
	}
	if want := []string{"udp"}; !reflect.DeepEqual(res.Features, want) {
		t.Errorf("Features = %v, want %v", res.Features, want)
	}
	if res.Settings != fastSettings() {
		t.Errorf("Settings = %+v, want %+v", res.Settings, fastSettings())
	}

	waitFor(t, "registration", func() bool { return len(e.srv.Conns()) == 1 })
	c := e.srv.Conns()[0]
	if c.Token() != res.Token || c.Name() != "Madeline" {
		t.Errorf("registered %s %q, want token %08X", c, c.Name(), res.Token)
	}
	waitFor(t, "ready", c.Ready)
}

func TestServer_Rejects(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.BannedNames = []string{"Madeline"}
	e := start(t, cfg, conn.Handlers{})

	tests := []struct {
		name       string
		player     string
		wantStatus int
		wantMsg    string
	}{
		{"empty name", "", 403, "No name given"},
		{"banned name", "madeline", 403, "Name is banned"},
	}

	for _, tc := range tests {
		_, err := e.negotiate(t, tc.player, nil)
		var rejected *handshake.RejectedError
		if !errors.As(err, &rejected) {
			t.Errorf("%s: Negotiate() error = %v, want rejection", tc.name, err)
			continue
		}
		if rejected.Status != tc.wantStatus || rejected.Message != tc.wantMsg {
			t.Errorf("%s: rejected with %d %q, want %d %q", tc.name, rejected.Status, rejected.Message, tc.wantStatus, tc.wantMsg)
		}
	}

	if n := len(e.srv.Conns()); n != 0 {
		t.Errorf("%d connections registered after rejections", n)
	}
}

func TestServer_BadVersion(t *testing.T) {
	t.Parallel()

	e := start(t, testConfig(), conn.Handlers{})
	nc := e.dial(t)

	req := "CONNECT /teapot HTTP/1.1\r\n" +
		"CelesteNet-TeapotVersion: 99\r\n" +
		"CelesteNet-PlayerNameKey: Madeline\r\n" +
		"\r\n"
	if _, err := io.WriteString(nc, req); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(nc).ReadString('\n')
	if err != nil {
		t.Fatalf("reading status line: %v", err)
	}
	if !strings.HasPrefix(line, "HTTP/1.1 400 ") {
		t.Errorf("status line = %q, want 400", line)
	}
}

func TestServer_RateLimit(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.HandshakeRate = 0.001
	cfg.HandshakeBurst = 1
	e := start(t, cfg, conn.Handlers{})

	if _, err := e.negotiate(t, "Madeline", nil); err != nil {
		t.Fatalf("first Negotiate() error = %v", err)
	}

	_, err := e.negotiate(t, "Theo", nil)
	var rejected *handshake.RejectedError
	if !errors.As(err, &rejected) || rejected.Status != 429 {
		t.Errorf("second Negotiate() error = %v, want 429", err)
	}
}

func TestServer_Full(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxConnections = 1
	e := start(t, cfg, conn.Handlers{})

	if _, err := e.negotiate(t, "Madeline", nil); err != nil {
		t.Fatalf("first Negotiate() error = %v", err)
	}
	waitFor(t, "registration", func() bool { return len(e.srv.Conns()) == 1 })

	_, err := e.negotiate(t, "Theo", nil)
	var rejected *handshake.RejectedError
	if !errors.As(err, &rejected) || rejected.Status != 503 || rejected.Message != "Server full" {
		t.Errorf("second Negotiate() error = %v, want 503 Server full", err)
	}
}

func TestServer_HeartbeatTimeout(t *testing.T) {
	t.Parallel()

	reasons := make(chan string, 1)
	e := start(t, testConfig(), conn.Handlers{
		OnDisconnect: func(c *conn.Conn, reason string) { reasons <- reason },
	})

	// A peer that never sends anything after the teapot exchange.
	if _, err := e.negotiate(t, "Madeline", nil); err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	waitFor(t, "registration", func() bool { return len(e.srv.Conns()) == 1 })

	select {
	case reason := <-reasons:
		if !strings.Contains(reason, "heartbeat") {
			t.Errorf("disconnect reason = %q", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("silent peer was not disconnected")
	}
	waitFor(t, "removal", func() bool { return len(e.srv.Conns()) == 0 })
}

func TestServer_Broadcast(t *testing.T) {
	t.Parallel()

	e := start(t, testConfig(), conn.Handlers{})

	for _, name := range []string{"Madeline", "Theo"} {
		if _, err := e.negotiate(t, name, nil); err != nil {
			t.Fatalf("Negotiate(%s) error = %v", name, err)
		}
	}
	waitFor(t, "registration", func() bool {
		conns := e.srv.Conns()
		return len(conns) == 2 && conns[0].Ready() && conns[1].Ready()
	})

	// Broadcasting to drained peers must neither block nor fail them.
	skip := e.srv.Conns()[0]
	e.srv.Broadcast(&ext.Chat{Player: "server", Text: "hello"}, skip)
	for _, c := range e.srv.Conns() {
		if c.State() != conn.Established {
			t.Errorf("%s: state %v after broadcast", c, c.State())
		}
	}
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr net.Addr
		want string
	}{
		{&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 80}, "10.0.0.1"},
		{&net.TCPAddr{IP: net.IPv6loopback, Port: 80}, "::1"},
	}

	for _, tc := range tests {
		if got := hostOf(tc.addr); got != tc.want {
			t.Errorf("hostOf(%s) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}
