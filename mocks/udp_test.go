package mocks

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"
)

func TestUDPNetwork(t *testing.T) {
	t.Parallel()

	m := NewUDPNetwork()
	a, err := m.ListenPacket("udp", ":0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	defer a.Close()
	b, err := m.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	defer b.Close()

	if _, err := a.WriteTo([]byte("hi"), b.LocalAddr()); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	buf := make([]byte, 16)
	n, from, err := b.ReadFrom(buf)
	if err != nil || string(buf[:n]) != "hi" || from.String() != a.LocalAddr().String() {
		t.Errorf("ReadFrom() = %q, %v, %v", buf[:n], from, err)
	}

	m.Cut(true)
	a.WriteTo([]byte("lost"), b.LocalAddr())
	b.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	if _, _, err := b.ReadFrom(buf); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("ReadFrom() on cut network error = %v, want deadline exceeded", err)
	}
	if m.Dropped() != 1 || m.Delivered() != 1 {
		t.Errorf("dropped %d delivered %d, want 1 and 1", m.Dropped(), m.Delivered())
	}

	b.SetReadDeadline(time.Time{})
	b.Close()
	if _, _, err := b.ReadFrom(buf); !errors.Is(err, net.ErrClosed) {
		t.Errorf("ReadFrom() after Close error = %v, want net.ErrClosed", err)
	}
}
