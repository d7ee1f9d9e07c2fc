package mocks

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Stdio replaces a terminal in CLI tests: lines written with Type are
// read from Stdin, and everything written to Stdout is kept for WaitFor.
type Stdio struct {
	inR *io.PipeReader
	inW *io.PipeWriter

	mu  sync.Mutex
	out bytes.Buffer
}

// NewStdio creates an empty Stdio.
func NewStdio() *Stdio {
	r, w := io.Pipe()
	return &Stdio{inR: r, inW: w}
}

// Type writes a line to stdin.
func (s *Stdio) Type(line string) error {
	_, err := io.WriteString(s.inW, line+"\n")
	return err
}

// Stdin is the reader handed to the program. Matches config.StdinFunc.
func (s *Stdio) Stdin() io.Reader { return s.inR }

// Stdout is the writer handed to the program. Matches config.StdoutFunc.
func (s *Stdio) Stdout() io.Writer { return stdout{s} }

// Output returns everything written to stdout so far.
func (s *Stdio) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.String()
}

// WaitFor polls stdout until it contains want.
func (s *Stdio) WaitFor(want string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		got := s.Output()
		if strings.Contains(got, want) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %q, got %q", want, got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// CloseStdin signals end of input.
func (s *Stdio) CloseStdin() error {
	return s.inW.Close()
}

type stdout struct{ s *Stdio }

func (w stdout) Write(p []byte) (int, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	return w.s.out.Write(p)
}
