package log

import (
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// captureConn wraps a net.Conn and dumps every read and write to a file as
// a timestamped hex dump, tagged with the direction.
type captureConn struct {
	net.Conn

	mu  sync.Mutex
	out io.WriteCloser
}

func (cc *captureConn) Read(b []byte) (int, error) {
	n, err := cc.Conn.Read(b)
	if n > 0 {
		if werr := cc.dump("<<", b[:n]); werr != nil {
			return n, fmt.Errorf("capturing read: %w", werr)
		}
	}
	return n, err
}

func (cc *captureConn) Write(b []byte) (int, error) {
	n, err := cc.Conn.Write(b)
	if n > 0 {
		if werr := cc.dump(">>", b[:n]); werr != nil {
			return n, fmt.Errorf("capturing write: %w", werr)
		}
	}
	return n, err
}

func (cc *captureConn) Close() error {
	err := cc.Conn.Close()

	cc.mu.Lock()
	cc.out.Close() // best effort
	cc.mu.Unlock()

	return err
}

func (cc *captureConn) dump(dir string, b []byte) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if _, err := fmt.Fprintf(cc.out, "%s %s %d bytes\n", time.Now().Format(time.RFC3339Nano), dir, len(b)); err != nil {
		return err
	}
	_, err := io.WriteString(cc.out, hex.Dump(b))
	return err
}

// NewCaptureConn wraps conn so that all traffic is appended to the file at
// path as hex dumps. Used to debug the raw teapot and frame stream.
func NewCaptureConn(conn net.Conn, path string) (net.Conn, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile(%s): %w", path, err)
	}

	return newCaptureConn(conn, f), nil
}

func newCaptureConn(conn net.Conn, out io.WriteCloser) net.Conn {
	return &captureConn{Conn: conn, out: out}
}
