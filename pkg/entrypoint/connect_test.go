package entrypoint

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	mocks_tcp "celestenet/netcore/mocks/tcp"
	"celestenet/netcore/pkg/config"
	"celestenet/netcore/pkg/handshake"
	"celestenet/netcore/pkg/server"
)

func TestConnect_Refused(t *testing.T) {
	t.Parallel()

	network := mocks_tcp.NewNetwork()
	shared := &config.Shared{
		Protocol: config.ProtoTCP,
		Host:     "127.0.0.1",
		Port:     9000,
		Timeout:  time.Second,
		Deps: &config.Dependencies{
			TCPDialer: network.DialTCP,
			Stdin:     func() io.Reader { return strings.NewReader("") },
			Stdout:    func() io.Writer { return io.Discard },
		},
	}

	err := connect(context.Background(), shared, &config.Client{Name: "Madeline"}, nil)
	if err == nil || !strings.Contains(err.Error(), "connecting") {
		t.Errorf("connect() error = %v, want connection failure", err)
	}
}

func TestConnect_Rejected(t *testing.T) {
	t.Parallel()

	network := mocks_tcp.NewNetwork()
	shared := &config.Shared{
		Protocol: config.ProtoTCP,
		Host:     "127.0.0.1",
		Port:     9000,
		Timeout:  time.Second,
		Deps: &config.Dependencies{
			TCPDialer:   network.DialTCP,
			TCPListener: network.ListenTCP,
			Stdin:       func() io.Reader { return strings.NewReader("") },
			Stdout:      func() io.Writer { return io.Discard },
		},
	}

	cfg := config.DefaultServer()
	cfg.UDP = false
	cfg.BannedNames = []string{"Badeline"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan *server.Server, 1)
	go serve(ctx, shared, cfg, nil, nil, func(s *server.Server) { ready <- s })

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}

	err := connect(context.Background(), shared, &config.Client{Name: "Badeline"}, nil)
	var rejected *handshake.RejectedError
	if !errors.As(err, &rejected) || rejected.Status != 403 {
		t.Errorf("connect() error = %v, want 403", err)
	}
}
