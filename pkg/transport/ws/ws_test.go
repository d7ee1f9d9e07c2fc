package ws

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	mocks_tcp "celestenet/netcore/mocks/tcp"
	"celestenet/netcore/pkg/config"
)

func echo(conn net.Conn) error {
	_, err := io.Copy(conn, conn)
	return err
}

func roundTrip(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != msg {
		t.Fatalf("echo = %q, %v", buf, err)
	}
}

func TestServe_Loopback(t *testing.T) {
	t.Parallel()

	nl, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, nl, echo, nil) }()

	conn, err := Dial(ctx, nl.Addr().String(), time.Second, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	roundTrip(t, conn, "hello over websocket")
	conn.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServe_MockNetwork(t *testing.T) {
	t.Parallel()

	m := mocks_tcp.NewNetwork()
	nl, err := m.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080})
	if err != nil {
		t.Fatalf("ListenTCP() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Serve(ctx, nl, echo, nil)

	conn, err := Dial(ctx, "127.0.0.1:8080", time.Second, &config.Dependencies{TCPDialer: m.DialTCP})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	roundTrip(t, conn, "first")
	roundTrip(t, conn, "second")
	if conn.RemoteAddr() == nil {
		t.Error("RemoteAddr() = nil")
	}
}

func TestDial_Refused(t *testing.T) {
	t.Parallel()

	m := mocks_tcp.NewNetwork()
	_, err := Dial(context.Background(), "127.0.0.1:8081", time.Second, &config.Dependencies{TCPDialer: m.DialTCP})
	if err == nil {
		t.Error("Dial() without listener succeeded")
	}
}
