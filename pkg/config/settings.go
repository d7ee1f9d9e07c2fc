package config

import (
	"fmt"
	"math"
	"net/textproto"
	"strconv"
	"time"
)

// SettingsHeaderPrefix precedes every settings field name in the teapot response.
const SettingsHeaderPrefix = "CelesteNet-Settings-"

// Settings are the transport parameters the server hands to every client
// during the teapot handshake. Durations are in milliseconds on the wire.
type Settings struct {
	MaxPacketSize uint16  `yaml:"max_packet_size"`
	MaxQueueSize  int32   `yaml:"max_queue_size"`
	MergeWindow   float32 `yaml:"merge_window"`

	HeartbeatInterval uint32 `yaml:"heartbeat_interval"`
	MaxHeartbeatDelay int16  `yaml:"max_heartbeat_delay"`

	UDPAliveScoreMax     int16 `yaml:"udp_alive_score_max"`
	UDPDowngradeScoreMin int16 `yaml:"udp_downgrade_score_min"`
	UDPDowngradeScoreMax int16 `yaml:"udp_downgrade_score_max"`
	UDPDeathScoreMin     int16 `yaml:"udp_death_score_min"`
	UDPDeathScoreMax     int16 `yaml:"udp_death_score_max"`

	MaxDatagramSize         int32  `yaml:"max_datagram_size"`
	FeatureHandshakeTimeout uint64 `yaml:"feature_handshake_timeout"`
}

// MaxDatagramBuffer bounds MaxDatagramSize and sizes UDP read buffers.
const MaxDatagramBuffer = 64 * 1024

// Upper bounds for settings that size allocations or timers. Settings come
// from the peer, so anything above them is refused.
const (
	MaxQueueLimit        = 1 << 16
	MaxMergeWindow       = 1000
	MaxHeartbeatInterval = 60 * 1000
	MaxHeartbeatDelayCap = 100
	MaxHandshakeTimeout  = 10 * 60 * 1000
)

// DefaultSettings returns the settings a server offers unless configured otherwise.
func DefaultSettings() Settings {
	return Settings{
		MaxPacketSize: 4096,
		MaxQueueSize:  256,
		MergeWindow:   5,

		HeartbeatInterval: 2500,
		MaxHeartbeatDelay: 4,

		UDPAliveScoreMax:     60,
		UDPDowngradeScoreMin: 5,
		UDPDowngradeScoreMax: 15,
		UDPDeathScoreMin:     -5,
		UDPDeathScoreMax:     0,

		MaxDatagramSize:         4096,
		FeatureHandshakeTimeout: 10000,
	}
}

// settingsField maps a wire name to the field it describes. field returns
// a pointer to one of the scalar kinds handled by format and parse.
type settingsField struct {
	name  string
	field func(s *Settings) any
}

var settingsFields = []settingsField{
	{"MaxPacketSize", func(s *Settings) any { return &s.MaxPacketSize }},
	{"MaxQueueSize", func(s *Settings) any { return &s.MaxQueueSize }},
	{"MergeWindow", func(s *Settings) any { return &s.MergeWindow }},
	{"HeartbeatInterval", func(s *Settings) any { return &s.HeartbeatInterval }},
	{"MaxHeartbeatDelay", func(s *Settings) any { return &s.MaxHeartbeatDelay }},
	{"UDPAliveScoreMax", func(s *Settings) any { return &s.UDPAliveScoreMax }},
	{"UDPDowngradeScoreMin", func(s *Settings) any { return &s.UDPDowngradeScoreMin }},
	{"UDPDowngradeScoreMax", func(s *Settings) any { return &s.UDPDowngradeScoreMax }},
	{"UDPDeathScoreMin", func(s *Settings) any { return &s.UDPDeathScoreMin }},
	{"UDPDeathScoreMax", func(s *Settings) any { return &s.UDPDeathScoreMax }},
	{"MaxDatagramSize", func(s *Settings) any { return &s.MaxDatagramSize }},
	{"FeatureHandshakeTimeout", func(s *Settings) any { return &s.FeatureHandshakeTimeout }},
}

// Header is one settings header as sent on the wire.
type Header struct {
	Name  string
	Value string
}

// Headers returns one header per settings field, in a fixed order.
func (s *Settings) Headers() []Header {
	out := make([]Header, 0, len(settingsFields))
	for _, f := range settingsFields {
		out = append(out, Header{
			Name:  SettingsHeaderPrefix + f.name,
			Value: format(f.field(s)),
		})
	}
	return out
}

// ParseHeaders overwrites the fields present in h. Fields without a
// header keep their current value.
func (s *Settings) ParseHeaders(h textproto.MIMEHeader) error {
	for _, f := range settingsFields {
		raw := h.Get(SettingsHeaderPrefix + f.name)
		if raw == "" {
			continue
		}
		if err := parse(f.field(s), raw); err != nil {
			return fmt.Errorf("setting %s: %w", f.name, err)
		}
	}
	return nil
}

func format(p any) string {
	switch v := p.(type) {
	case *int16:
		return strconv.FormatInt(int64(*v), 10)
	case *int32:
		return strconv.FormatInt(int64(*v), 10)
	case *int64:
		return strconv.FormatInt(*v, 10)
	case *uint16:
		return strconv.FormatUint(uint64(*v), 10)
	case *uint32:
		return strconv.FormatUint(uint64(*v), 10)
	case *uint64:
		return strconv.FormatUint(*v, 10)
	case *float32:
		return strconv.FormatFloat(float64(*v), 'g', -1, 32)
	case *float64:
		return strconv.FormatFloat(*v, 'g', -1, 64)
	default:
		panic(fmt.Sprintf("unsupported settings field type %T", p))
	}
}

func parse(p any, raw string) error {
	switch v := p.(type) {
	case *int16:
		n, err := strconv.ParseInt(raw, 10, 16)
		*v = int16(n)
		return err
	case *int32:
		n, err := strconv.ParseInt(raw, 10, 32)
		*v = int32(n)
		return err
	case *int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		*v = n
		return err
	case *uint16:
		n, err := strconv.ParseUint(raw, 10, 16)
		*v = uint16(n)
		return err
	case *uint32:
		n, err := strconv.ParseUint(raw, 10, 32)
		*v = uint32(n)
		return err
	case *uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		*v = n
		return err
	case *float32:
		n, err := strconv.ParseFloat(raw, 32)
		*v = float32(n)
		return err
	case *float64:
		n, err := strconv.ParseFloat(raw, 64)
		*v = n
		return err
	default:
		panic(fmt.Sprintf("unsupported settings field type %T", p))
	}
}

// Validate checks that the settings are usable and the score thresholds are ordered.
func (s *Settings) Validate() []error {
	var errors []error

	if s.MaxPacketSize < 64 {
		errors = append(errors, fmt.Errorf("max packet size %d must be at least 64", s.MaxPacketSize))
	}
	for _, err := range []error{
		checkRange("max queue size", s.MaxQueueSize, 1, MaxQueueLimit),
		checkRange("heartbeat interval", s.HeartbeatInterval, 1, MaxHeartbeatInterval),
		checkRange("max heartbeat delay", s.MaxHeartbeatDelay, 1, MaxHeartbeatDelayCap),
		checkRange("feature handshake timeout", s.FeatureHandshakeTimeout, 1, MaxHandshakeTimeout),
		checkRange("max datagram size", s.MaxDatagramSize, 64, MaxDatagramBuffer),
	} {
		if err != nil {
			errors = append(errors, err)
		}
	}
	if w := float64(s.MergeWindow); math.IsNaN(w) || w < 0 || w > MaxMergeWindow {
		errors = append(errors, fmt.Errorf("merge window %v not in [0, %d]", s.MergeWindow, MaxMergeWindow))
	}
	if !(s.UDPDeathScoreMin <= s.UDPDeathScoreMax &&
		s.UDPDeathScoreMax < s.UDPDowngradeScoreMin &&
		s.UDPDowngradeScoreMin <= s.UDPDowngradeScoreMax &&
		s.UDPDowngradeScoreMax < s.UDPAliveScoreMax) {
		errors = append(errors, fmt.Errorf("UDP scores must satisfy death min <= death max < downgrade min <= downgrade max < alive max"))
	}

	return errors
}

// HeartbeatPeriod returns the heartbeat interval as a duration.
func (s *Settings) HeartbeatPeriod() time.Duration {
	return time.Duration(s.HeartbeatInterval) * time.Millisecond
}

// Merge returns the merge window as a duration.
func (s *Settings) Merge() time.Duration {
	return time.Duration(float64(s.MergeWindow) * float64(time.Millisecond))
}

// HandshakeTimeout returns the feature handshake timeout as a duration.
func (s *Settings) HandshakeTimeout() time.Duration {
	return time.Duration(s.FeatureHandshakeTimeout) * time.Millisecond
}
