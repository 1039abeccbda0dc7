// Package config holds the CLI configuration: the role, the signaling
// rendezvous, the forwarded ports and the engine settings shared by every
// session. Values come from defaults, an optional YAML file and flags, in
// that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/rtcstream/internal/engine"
)

// Role represents the user's chosen role (host or client).
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// Signaling selects how the two peers exchange envelopes before the data
// channels are up.
type Signaling string

const (
	SignalingWS  Signaling = "ws"  // host serves a PIN-protected WebSocket
	SignalingTCP Signaling = "tcp" // host accepts one raw TCP connection
)

// DefaultICEServers are the public STUN servers used when none are configured.
var DefaultICEServers = []engine.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// Config stores every parameter gathered from the config file, flags and
// interactive prompts.
type Config struct {
	Role      Role      `yaml:"role"`
	Signaling Signaling `yaml:"signaling"`

	TargetPort int `yaml:"targetPort"` // Host: the TCP service port to forward
	LocalPort  int `yaml:"localPort"`  // Client: local port for the virtual service

	WSPort   int    `yaml:"wsPort"`   // Host: signaling server port, 0 picks one
	WSListen bool   `yaml:"wsListen"` // Host: listen on all interfaces
	WSURL    string `yaml:"wsUrl"`    // Client: WebSocket URL to connect to
	TCPAddr  string `yaml:"tcpAddr"`  // tcp signaling: listen (host) or dial (client) address

	Label       string        `yaml:"label"`       // channel label prefix
	OpenTimeout time.Duration `yaml:"openTimeout"` // per-channel open deadline

	ICEServers []engine.ICEServer `yaml:"iceServers"`
	Engine     engine.Options     `yaml:"engine"`

	LogLevel      string        `yaml:"logLevel"`
	StatsInterval time.Duration `yaml:"statsInterval"`
}

// Default returns a Config with every optional field populated.
func Default() Config {
	servers := make([]engine.ICEServer, len(DefaultICEServers))
	copy(servers, DefaultICEServers)

	return Config{
		Signaling:     SignalingWS,
		Label:         "tcp",
		OpenTimeout:   10 * time.Second,
		ICEServers:    servers,
		LogLevel:      "info",
		StatsInterval: 5 * time.Second,
	}
}

// Load reads the YAML file at path on top of Default. Unknown keys are
// rejected so typos surface early.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Role {
	case RoleHost:
		if !validPort(c.TargetPort) {
			errs = append(errs, errors.New("invalid or missing target port (must be 1~65535)"))
		}
	case RoleClient:
		if !validPort(c.LocalPort) {
			errs = append(errs, errors.New("invalid or missing local port (must be 1~65535)"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid role %q: must be 'host' or 'client'", c.Role))
	}

	switch c.Signaling {
	case SignalingWS:
		if c.WSPort < 0 || c.WSPort > 65535 {
			errs = append(errs, errors.New("invalid WebSocket port (must be 0~65535)"))
		}
		if c.Role == RoleClient {
			if _, err := NormalizeWSURL(c.WSURL); err != nil {
				errs = append(errs, err)
			}
		}
	case SignalingTCP:
		if strings.TrimSpace(c.TCPAddr) == "" {
			errs = append(errs, errors.New("missing TCP signaling address"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid signaling %q: must be 'ws' or 'tcp'", c.Signaling))
	}

	if c.Label == "" || strings.ContainsAny(c.Label, " \t\n") {
		errs = append(errs, fmt.Errorf("invalid label %q", c.Label))
	}
	if c.OpenTimeout < 0 {
		errs = append(errs, errors.New("open timeout must not be negative"))
	}
	if c.Engine.UDPPortMax != 0 && c.Engine.UDPPortMin > c.Engine.UDPPortMax {
		errs = append(errs, errors.New("engine udpPortMin exceeds udpPortMax"))
	}
	for _, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			errs = append(errs, errors.New("ICE server without urls"))
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}

	return errors.Join(errs...)
}

// NormalizeWSURL validates a raw WebSocket URL and returns it with a ws or
// wss scheme and the /ws path. The query (which carries the PIN) is kept.
func NormalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" && !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}

	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}

	out := url.URL{Scheme: scheme, Host: u.Host, Path: "/ws", RawQuery: u.RawQuery}
	return out.String(), nil
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}
