package semaphore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		capacity int
	}{
		{"capacity-1", 1},
		{"capacity-5", 5},
		{"capacity-100", 100},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := New(tc.capacity, time.Second)
			for i := 0; i < tc.capacity; i++ {
				if err := s.Acquire(context.Background()); err != nil {
					t.Fatalf("Acquire() %d failed: %v", i, err)
				}
			}
			if s.InUse() != tc.capacity {
				t.Errorf("InUse() = %d; want %d", s.InUse(), tc.capacity)
			}
			if s.TryAcquire() {
				t.Error("TryAcquire() succeeded with all slots taken")
			}

			for i := 0; i < tc.capacity; i++ {
				s.Release()
			}
			if s.InUse() != 0 {
				t.Errorf("InUse() after release = %d; want 0", s.InUse())
			}
		})
	}
}

func TestAcquireTimeout(t *testing.T) {
	t.Parallel()

	s := New(1, 50*time.Millisecond)
	if !s.TryAcquire() {
		t.Fatal("TryAcquire() on free slots failed")
	}

	start := time.Now()
	err := s.Acquire(context.Background())
	if !errors.Is(err, ErrFull) {
		t.Fatalf("Acquire() error = %v; want ErrFull", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Errorf("Acquire() returned after %v; want about 50ms", time.Since(start))
	}
}

func TestAcquireCanceled(t *testing.T) {
	t.Parallel()

	s := New(1, time.Minute)
	s.TryAcquire()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire() error = %v; want context.Canceled", err)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	t.Parallel()

	s := New(1, time.Second)
	s.TryAcquire()

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Release()
	}()
	if err := s.Acquire(context.Background()); err != nil {
		t.Errorf("Acquire() error = %v", err)
	}
}

func TestNil(t *testing.T) {
	t.Parallel()

	var s *Slots
	if err := s.Acquire(context.Background()); err != nil || !s.TryAcquire() || s.InUse() != 0 {
		t.Error("nil Slots must never block")
	}
	s.Release()
}

func TestConcurrent(t *testing.T) {
	t.Parallel()

	s := New(3, time.Second)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		current int
		peak    int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Acquire(context.Background()); err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			s.Release()
		}()
	}
	wg.Wait()

	if peak > 3 {
		t.Errorf("peak concurrency = %d; want <= 3", peak)
	}
}
