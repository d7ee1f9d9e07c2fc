package net

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	mocks_tcp "celestenet/netcore/mocks/tcp"
	"celestenet/netcore/pkg/config"
)

func TestAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host string
		port int
		want string
	}{
		{host: "127.0.0.1", port: 8080, want: "127.0.0.1:8080"},
		{host: "::1", port: 443, want: "[::1]:443"},
		{host: "", port: 1, want: ":1"},
	}

	for _, tc := range tests {
		if got := Addr(&config.Shared{Host: tc.host, Port: tc.port}); got != tc.want {
			t.Errorf("Addr(%q, %d) = %q, want %q", tc.host, tc.port, got, tc.want)
		}
	}
}

func TestDialServe(t *testing.T) {
	t.Parallel()

	for i, proto := range []config.Protocol{config.ProtoTCP, config.ProtoWS} {
		proto := proto
		port := 7100 + i
		t.Run(proto.String(), func(t *testing.T) {
			t.Parallel()

			m := mocks_tcp.NewNetwork()
			cfg := &config.Shared{
				Protocol: proto,
				Host:     "127.0.0.1",
				Port:     port,
				Timeout:  time.Second,
				Deps:     &config.Dependencies{TCPDialer: m.DialTCP, TCPListener: m.ListenTCP},
			}

			nl, err := Listen(cfg)
			if err != nil {
				t.Fatalf("Listen() error = %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go Serve(ctx, cfg, nl, func(conn net.Conn) error {
				_, err := io.Copy(conn, conn)
				return err
			}, nil)

			conn, err := Dial(ctx, cfg)
			if err != nil {
				t.Fatalf("Dial() error = %v", err)
			}
			defer conn.Close()

			go conn.Write([]byte("ping"))
			buf := make([]byte, 4)
			if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "ping" {
				t.Errorf("echo = %q, %v", buf, err)
			}
		})
	}
}

func TestDial_UnknownProtocol(t *testing.T) {
	t.Parallel()

	if _, err := Dial(context.Background(), &config.Shared{Host: "127.0.0.1", Port: 1}); err == nil {
		t.Error("Dial() with zero protocol succeeded")
	}
}
