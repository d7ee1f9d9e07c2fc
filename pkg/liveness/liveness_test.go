package liveness

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"celestenet/netcore/pkg/config"
)

func testThresholds() Thresholds {
	return Thresholds{
		AliveMax:     20,
		DowngradeMin: 5,
		DowngradeMax: 10,
		DeathMin:     -5,
		DeathMax:     0,
		Gain:         1,
		Penalty:      3,
	}
}

var peer = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 3802}

func active(t *testing.T, onDowngrade func()) *Machine {
	t.Helper()
	m := New(testThresholds(), onDowngrade)
	if !m.Establish(peer) {
		t.Fatal("Establish() = false")
	}
	if !m.Confirm(7, nil) {
		t.Fatal("Confirm() = false")
	}
	return m
}

func TestMachine_Lifecycle(t *testing.T) {
	t.Parallel()

	m := New(testThresholds(), nil)
	if m.State() != NoUDP || m.UseUDP() || m.Probing() {
		t.Fatalf("new machine status = %+v", m.Status())
	}

	m.Establish(peer)
	m.Received()
	if st := m.Status(); st.State != Establishing || st.Score != 0 {
		t.Errorf("establishing status = %+v", st)
	}

	m.Confirm(7, nil)
	st := m.Status()
	if st.State != Active || st.ConnID != 7 || st.Endpoint != peer {
		t.Errorf("active status = %+v", st)
	}
	if st.Score != 10 || !st.Unstable || m.UseUDP() || !m.Probing() {
		t.Errorf("fresh active connection should probe but not route: %+v", st)
	}

	m.Received()
	if !m.UseUDP() {
		t.Errorf("UseUDP() = false after first container, status %+v", m.Status())
	}

	if m.Confirm(8, nil) || m.Establish(peer) {
		t.Error("repeated Confirm/Establish changed state")
	}
}

func TestMachine_ScoreClamped(t *testing.T) {
	t.Parallel()

	m := active(t, nil)
	for i := 0; i < 100; i++ {
		m.Received()
	}
	if got := m.Status().Score; got != 20 {
		t.Errorf("score = %d, want clamped to 20", got)
	}
}

func TestMachine_Hysteresis(t *testing.T) {
	t.Parallel()

	m := active(t, nil)
	for i := 0; i < 5; i++ {
		m.Received()
	}
	// 15 -> 12 -> 9: inside the band, still routing.
	m.Failed()
	m.Failed()
	if st := m.Status(); st.Score != 9 || st.Unstable {
		t.Fatalf("status = %+v, want score 9 and stable", st)
	}
	// 9 -> 6 -> 3: below the band.
	m.Failed()
	m.Failed()
	if st := m.Status(); st.Score != 3 || !st.Unstable || m.UseUDP() {
		t.Fatalf("status = %+v, want score 3 and unstable", st)
	}
	// Climbing back into the band is not enough.
	for i := 0; i < 7; i++ {
		m.Received()
	}
	if m.UseUDP() {
		t.Errorf("UseUDP() = true at score %d", m.Status().Score)
	}
	m.Received()
	if !m.UseUDP() {
		t.Errorf("UseUDP() = false at score %d", m.Status().Score)
	}
}

func TestMachine_DegradesOnce(t *testing.T) {
	t.Parallel()

	for _, start := range []int{0, 5, 10} {
		var calls atomic.Int32
		m := active(t, func() { calls.Add(1) })
		for i := 0; i < start; i++ {
			m.Received()
		}

		transitions := 0
		for i := 0; i < 50; i++ {
			if m.Failed() {
				transitions++
			}
			if st := m.Status(); st.Score < -5 || st.Score > 20 {
				t.Fatalf("score %d out of bounds", st.Score)
			}
		}

		if transitions != 1 || calls.Load() != 1 {
			t.Errorf("start +%d: %d transitions, %d callbacks; want 1", start, transitions, calls.Load())
		}

		before := m.Status()
		m.Received()
		m.Failed()
		if after := m.Status(); after != before || after.State != Degraded {
			t.Errorf("status changed after degrading: %+v -> %+v", before, after)
		}
		if m.UseUDP() || m.Probing() || m.Disable() {
			t.Error("degraded machine still uses UDP")
		}
	}
}

func TestMachine_NegativeConnIDDisables(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	m := New(testThresholds(), func() { calls.Add(1) })
	m.Establish(peer)
	if m.Confirm(-1, nil) {
		t.Error("Confirm(-1) = true")
	}
	if m.State() != Degraded || calls.Load() != 1 {
		t.Errorf("state %v, %d callbacks", m.State(), calls.Load())
	}
}

func TestMachine_DisableWithoutUDP(t *testing.T) {
	t.Parallel()

	called := false
	m := New(testThresholds(), func() { called = true })
	if m.Disable() {
		t.Error("Disable() from NoUDP reported a downgrade")
	}
	if called {
		t.Error("downgrade callback fired for a connection that never tried UDP")
	}
	if m.Establish(peer) {
		t.Error("Establish() after Disable() succeeded")
	}
}

func TestMachine_CallbackOutsideLock(t *testing.T) {
	t.Parallel()

	var m *Machine
	done := make(chan Status, 1)
	m = active(t, func() { done <- m.Status() })
	m.Disable()
	if st := <-done; st.State != Degraded {
		t.Errorf("status in callback = %+v", st)
	}
}

func TestMachine_Concurrent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	m := active(t, func() { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if (i+j)%3 == 0 {
					m.Received()
				} else {
					m.Failed()
				}
				m.UseUDP()
			}
		}(i)
	}
	wg.Wait()

	if calls.Load() != 1 || m.State() != Degraded {
		t.Errorf("state %v after %d callbacks", m.State(), calls.Load())
	}
}

func TestThresholdsFrom(t *testing.T) {
	t.Parallel()

	s := config.DefaultSettings()
	th := ThresholdsFrom(&s)
	if th.AliveMax != int(s.UDPAliveScoreMax) || th.DeathMax != int(s.UDPDeathScoreMax) || th.Penalty <= 0 || th.Gain <= 0 {
		t.Errorf("ThresholdsFrom() = %+v", th)
	}
}
