// Package semaphore bounds how many connections a server admits and how
// many teapot handshakes it runs at once.
package semaphore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrFull is returned by Acquire when no slot freed up within the wait.
var ErrFull = errors.New("no free slot")

// Slots is a counting semaphore. A nil *Slots never blocks.
type Slots struct {
	sem  chan struct{}
	wait time.Duration
}

// New creates n free slots. Acquire waits at most wait for one.
func New(n int, wait time.Duration) *Slots {
	return &Slots{sem: make(chan struct{}, n), wait: wait}
}

// Acquire takes a slot, waiting up to the configured duration.
func (s *Slots) Acquire(ctx context.Context) error {
	if s == nil {
		return nil
	}

	select {
	case s.sem <- struct{}{}:
		return nil
	default:
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.wait)
	defer cancel()

	select {
	case s.sem <- struct{}{}:
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %v", ErrFull, s.wait)
	}
}

// TryAcquire takes a slot if one is free.
func (s *Slots) TryAcquire() bool {
	if s == nil {
		return true
	}
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot taken by Acquire or TryAcquire.
func (s *Slots) Release() {
	if s == nil {
		return
	}
	<-s.sem
}

// InUse returns the number of taken slots.
func (s *Slots) InUse() int {
	if s == nil {
		return 0
	}
	return len(s.sem)
}
