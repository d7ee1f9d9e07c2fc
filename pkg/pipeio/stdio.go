// Package pipeio adapts the terminal for line-based chat: stdin is read
// line by line and can be canceled, stdout is safe for concurrent writers.
package pipeio

import (
	"io"
	"os"
	"sync"

	"github.com/muesli/cancelreader"

	"celestenet/netcore/pkg/config"
)

// Stdio provides a ReadWriteCloser interface for standard I/O streams.
// It uses cancelable reading from stdin when supported, allowing reads
// to be interrupted via Close.
type Stdio struct {
	stdin            io.Reader
	cancellableStdin cancelreader.CancelReader

	mu     sync.Mutex
	stdout io.Writer
}

// NewStdio creates a Stdio on the streams from deps. Reads are cancelable
// when stdin is a file the platform can cancel reads on.
func NewStdio(deps *config.Dependencies) *Stdio {
	out := Stdio{
		stdin:  config.GetStdinFunc(deps)(),
		stdout: config.GetStdoutFunc(deps)(),
	}

	f, ok := out.stdin.(*os.File)
	if !ok {
		return &out
	}
	cancellableStdin, err := cancelreader.NewReader(f)
	if err != nil {
		return &out
	}

	out.cancellableStdin = cancellableStdin
	return &out
}

// Read reads from stdin, using the cancelable reader if available.
func (s *Stdio) Read(p []byte) (n int, err error) {
	if s.cancellableStdin != nil {
		return s.cancellableStdin.Read(p)
	}

	return s.stdin.Read(p)
}

// Write writes to stdout. Concurrent writes do not interleave.
func (s *Stdio) Write(p []byte) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout.Write(p)
}

// Close cancels any pending reads from stdin if using a cancelable reader.
func (s *Stdio) Close() error {
	if s.cancellableStdin != nil {
		s.cancellableStdin.Cancel()
	}
	return nil
}
