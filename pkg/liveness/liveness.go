// Package liveness decides whether UDP is worth using for a connection.
//
// A Machine moves NoUDP -> Establishing -> Active -> Degraded. While
// Active it tracks a score that rises with every received container and
// falls with every UDP error or idle heartbeat. Below the downgrade band
// the connection is unstable: unreliable packets go over TCP while UDP
// keeps being probed, until the score climbs back over the band. At or
// below the death threshold UDP is abandoned for good.
package liveness

import (
	"net"
	"sync"

	"celestenet/netcore/pkg/config"
)

// State of the UDP path.
type State int32

const (
	NoUDP State = iota
	Establishing
	Active
	Degraded
)

func (s State) String() string {
	switch s {
	case NoUDP:
		return "no-udp"
	case Establishing:
		return "establishing"
	case Active:
		return "active"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Thresholds bound and steer the score.
type Thresholds struct {
	AliveMax     int
	DowngradeMin int
	DowngradeMax int
	DeathMin     int
	DeathMax     int

	// Gain is added per received container, Penalty subtracted per failure.
	Gain    int
	Penalty int
}

// ThresholdsFrom takes the score limits from negotiated settings.
func ThresholdsFrom(s *config.Settings) Thresholds {
	return Thresholds{
		AliveMax:     int(s.UDPAliveScoreMax),
		DowngradeMin: int(s.UDPDowngradeScoreMin),
		DowngradeMax: int(s.UDPDowngradeScoreMax),
		DeathMin:     int(s.UDPDeathScoreMin),
		DeathMax:     int(s.UDPDeathScoreMax),
		Gain:         1,
		Penalty:      4,
	}
}

// Status is a consistent snapshot of a Machine.
type Status struct {
	State    State
	Score    int
	Unstable bool
	ConnID   int32
	Endpoint net.Addr
}

// Machine is safe for concurrent use. All state sits behind one mutex.
type Machine struct {
	th          Thresholds
	onDowngrade func()

	mu       sync.Mutex
	state    State
	score    int
	unstable bool
	connID   int32
	endpoint net.Addr
}

// New returns a Machine in state NoUDP. onDowngrade, if not nil, is
// called once when UDP is abandoned after having been attempted.
func New(th Thresholds, onDowngrade func()) *Machine {
	return &Machine{
		th:          th,
		onDowngrade: onDowngrade,
		state:       NoUDP,
	}
}

// Establish moves NoUDP to Establishing.
func (m *Machine) Establish(endpoint net.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != NoUDP {
		return false
	}
	m.state = Establishing
	m.endpoint = endpoint
	return true
}

// Confirm moves NoUDP or Establishing to Active once the peer assigned
// a connection ID. A negative ID means the peer refuses UDP and degrades
// the connection instead.
func (m *Machine) Confirm(connID int32, endpoint net.Addr) bool {
	if connID < 0 {
		m.Disable()
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != NoUDP && m.state != Establishing {
		return false
	}
	m.state = Active
	m.connID = connID
	if endpoint != nil {
		m.endpoint = endpoint
	}
	m.score = m.th.DowngradeMax
	m.unstable = true
	return true
}

// Disable abandons UDP. Returns true if this call caused the transition.
func (m *Machine) Disable() bool {
	m.mu.Lock()
	fire := m.degradeLocked()
	m.mu.Unlock()

	m.notify(fire)
	return fire
}

// Received records a container that arrived over UDP.
func (m *Machine) Received() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Active {
		return
	}
	m.adjustLocked(m.th.Gain)
}

// Failed records a UDP error or an idle heartbeat. Returns true if it
// caused the downgrade to TCP only.
func (m *Machine) Failed() bool {
	m.mu.Lock()
	fire := false
	if m.state == Active {
		m.adjustLocked(-m.th.Penalty)
		if m.score <= m.th.DeathMax {
			fire = m.degradeLocked()
		}
	}
	m.mu.Unlock()

	m.notify(fire)
	return fire
}

func (m *Machine) adjustLocked(delta int) {
	m.score += delta
	if m.score > m.th.AliveMax {
		m.score = m.th.AliveMax
	}
	if m.score < m.th.DeathMin {
		m.score = m.th.DeathMin
	}

	switch {
	case m.score > m.th.DowngradeMax:
		m.unstable = false
	case m.score < m.th.DowngradeMin:
		m.unstable = true
	}
}

func (m *Machine) degradeLocked() bool {
	if m.state == Degraded {
		return false
	}
	attempted := m.state != NoUDP
	m.state = Degraded
	m.unstable = true
	return attempted
}

func (m *Machine) notify(fire bool) {
	if fire && m.onDowngrade != nil {
		m.onDowngrade()
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot of the whole state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:    m.state,
		Score:    m.score,
		Unstable: m.unstable,
		ConnID:   m.connID,
		Endpoint: m.endpoint,
	}
}

// UseUDP reports whether unreliable packets should be sent over UDP.
func (m *Machine) UseUDP() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Active && !m.unstable
}

// Probing reports whether UDP is still worth sending keep-alives over.
func (m *Machine) Probing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Active
}

// Endpoint returns the peer's UDP address, if known.
func (m *Machine) Endpoint() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoint
}

// SetEndpoint replaces the peer's UDP address, for peers whose NAT
// mapping changed while Active.
func (m *Machine) SetEndpoint(addr net.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Active || m.state == Establishing {
		m.endpoint = addr
	}
}
