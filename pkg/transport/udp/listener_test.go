package udp

import (
	"context"
	"testing"
	"time"

	"celestenet/netcore/mocks"
	"celestenet/netcore/pkg/config"
)

func TestListen_Loopback(t *testing.T) {
	t.Parallel()

	pc, err := Listen(context.Background(), "127.0.0.1:0", config.MaxDatagramBuffer, nil)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer pc.Close()

	if _, err := pc.WriteTo([]byte("self"), pc.LocalAddr()); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, _, err := pc.ReadFrom(buf)
	if err != nil || string(buf[:n]) != "self" {
		t.Errorf("ReadFrom() = %q, %v", buf[:n], err)
	}
}

func TestListen_Injected(t *testing.T) {
	t.Parallel()

	m := mocks.NewUDPNetwork()
	deps := &config.Dependencies{PacketListener: m.ListenPacket}

	pc, err := Listen(context.Background(), "127.0.0.1:9100", 0, deps)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer pc.Close()
	if pc.LocalAddr().String() != "127.0.0.1:9100" {
		t.Errorf("LocalAddr() = %s", pc.LocalAddr())
	}

	if _, err := Listen(context.Background(), "127.0.0.1:9100", 0, deps); err == nil {
		t.Error("second Listen() on the same address succeeded")
	}
	if _, err := Listen(context.Background(), "bad:port:x", 0, deps); err == nil {
		t.Error("Listen() on invalid address succeeded")
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	ua, err := Resolve("127.0.0.1:4000")
	if err != nil || ua.Port != 4000 {
		t.Errorf("Resolve() = %v, %v", ua, err)
	}
	if _, err := Resolve("127.0.0.1"); err == nil {
		t.Error("Resolve() without port succeeded")
	}
}
