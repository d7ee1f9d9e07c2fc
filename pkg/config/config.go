package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Protocol selects how the control stream is carried.
type Protocol int

const (
	ProtoTCP Protocol = iota + 1
	ProtoWS
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoWS:
		return "ws"
	default:
		return ""
	}
}

// ParseProtocol maps "tcp" and "ws" to their Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return ProtoTCP, nil
	case "ws":
		return ProtoWS, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}

// Shared holds options common to server and client.
type Shared struct {
	Protocol Protocol
	Host     string
	Port     int
	Verbose  bool
	Timeout  time.Duration

	Deps *Dependencies
}

func (c *Shared) Validate() []error {
	var errors []error

	if c.Protocol != ProtoTCP && c.Protocol != ProtoWS {
		errors = append(errors, fmt.Errorf("protocol must be tcp or ws"))
	}

	if err := validatePort(c.Port); err != nil {
		errors = append(errors, fmt.Errorf("'--port': %s", err))
	}

	if c.Timeout < 0 {
		errors = append(errors, fmt.Errorf("'--timeout' must not be negative"))
	}

	return errors
}

// Server configures the relay server. Fields carry yaml tags so a file
// passed with --config can provide them.
type Server struct {
	UDP            bool     `yaml:"udp"`
	MaxConnections int      `yaml:"max_connections"`
	MaxHandshakes  int      `yaml:"max_handshakes"`
	HandshakeRate  float64  `yaml:"handshake_rate"`
	HandshakeBurst int      `yaml:"handshake_burst"`
	MetricsAddr    string   `yaml:"metrics_addr"`
	MaxNameLength  int      `yaml:"max_name_length"`
	BannedNames    []string `yaml:"banned_names"`

	Settings Settings `yaml:"settings"`
}

// DefaultServer returns the server configuration used when nothing is set.
func DefaultServer() *Server {
	return &Server{
		UDP:            true,
		MaxConnections: 256,
		MaxHandshakes:  32,
		HandshakeRate:  2,
		HandshakeBurst: 5,
		MaxNameLength:  32,
		Settings:       DefaultSettings(),
	}
}

// LoadServer reads a YAML file over cfg. Keys missing from the file keep
// the values already in cfg.
func LoadServer(path string, cfg *Server) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("os.ReadFile(%s): %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("yaml.Unmarshal(%s): %w", path, err)
	}

	return nil
}

func (c *Server) Validate() []error {
	var errors []error

	if c.MaxConnections < 1 {
		errors = append(errors, fmt.Errorf("max connections must be positive"))
	}
	if c.MaxHandshakes < 1 {
		errors = append(errors, fmt.Errorf("max handshakes must be positive"))
	}
	if c.HandshakeRate < 0 {
		errors = append(errors, fmt.Errorf("handshake rate must not be negative"))
	}
	if c.HandshakeRate > 0 && c.HandshakeBurst < 1 {
		errors = append(errors, fmt.Errorf("handshake burst must be positive when rate limiting"))
	}
	if c.MaxNameLength < 1 {
		errors = append(errors, fmt.Errorf("max name length must be positive"))
	}

	for _, err := range c.Settings.Validate() {
		errors = append(errors, fmt.Errorf("settings: %s", err))
	}

	return errors
}

// CheckName returns a human-readable reason why name is not acceptable,
// or the empty string.
func (c *Server) CheckName(name string) string {
	if name == "" {
		return "No name given"
	}
	if len(name) > c.MaxNameLength {
		return fmt.Sprintf("Name longer than %d characters", c.MaxNameLength)
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return "Name contains unprintable characters"
		}
	}
	for _, banned := range c.BannedNames {
		if strings.EqualFold(name, banned) {
			return "Name is banned"
		}
	}
	return ""
}

// Client configures a connecting client.
type Client struct {
	Name    string
	UDP     bool
	Capture string
}

func (c *Client) Validate() []error {
	var errors []error

	if strings.TrimSpace(c.Name) == "" {
		errors = append(errors, fmt.Errorf("'--name' must not be empty"))
	}

	return errors
}
