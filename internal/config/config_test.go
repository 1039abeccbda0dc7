package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rtcstream.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultNeedsRole(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("default config without role should not validate")
	}

	cfg.Role = RoleHost
	cfg.TargetPort = 8080
	if err := cfg.Validate(); err != nil {
		t.Fatalf("host config: %v", err)
	}
	if len(cfg.ICEServers) != len(DefaultICEServers) {
		t.Errorf("ICE servers = %d, want %d", len(cfg.ICEServers), len(DefaultICEServers))
	}
}

func TestDefaultCopiesICEServers(t *testing.T) {
	cfg := Default()
	cfg.ICEServers[0].URLs = []string{"stun:example.org"}
	if DefaultICEServers[0].URLs[0] == "stun:example.org" {
		t.Error("Default shares the package ICE server slice")
	}
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
role: client
signaling: tcp
localPort: 2222
tcpAddr: 10.0.0.2:7000
label: ssh
openTimeout: 3s
iceServers:
  - urls: ["turn:turn.example.org:3478"]
    username: user
    credential: secret
engine:
  udpPortMin: 50000
  udpPortMax: 50100
logLevel: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Role != RoleClient || cfg.Signaling != SignalingTCP {
		t.Errorf("role/signaling = %s/%s", cfg.Role, cfg.Signaling)
	}
	if cfg.LocalPort != 2222 || cfg.TCPAddr != "10.0.0.2:7000" {
		t.Errorf("localPort/tcpAddr = %d/%s", cfg.LocalPort, cfg.TCPAddr)
	}
	if cfg.OpenTimeout != 3*time.Second {
		t.Errorf("openTimeout = %v", cfg.OpenTimeout)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].Username != "user" {
		t.Errorf("iceServers = %+v", cfg.ICEServers)
	}
	if cfg.Engine.UDPPortMin != 50000 || cfg.Engine.UDPPortMax != 50100 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	// Keys absent from the file keep their defaults.
	if cfg.StatsInterval != Default().StatsInterval {
		t.Errorf("statsInterval = %v", cfg.StatsInterval)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Label != Default().Label {
		t.Errorf("label = %q", cfg.Label)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "role: host\ntargetPrt: 80\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		c := Default()
		c.Role = RoleClient
		c.LocalPort = 9000
		c.WSURL = "wss://example.org/ws?pin=123456"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad role", func(c *Config) { c.Role = "peer" }, "invalid role"},
		{"client port", func(c *Config) { c.LocalPort = 0 }, "local port"},
		{"host port", func(c *Config) { c.Role = RoleHost; c.TargetPort = 70000 }, "target port"},
		{"ws port", func(c *Config) { c.WSPort = -1 }, "WebSocket port"},
		{"missing url", func(c *Config) { c.WSURL = "" }, "invalid WebSocket URL"},
		{"bad signaling", func(c *Config) { c.Signaling = "smoke" }, "invalid signaling"},
		{"tcp without addr", func(c *Config) { c.Signaling = SignalingTCP }, "TCP signaling address"},
		{"empty label", func(c *Config) { c.Label = "" }, "invalid label"},
		{"negative timeout", func(c *Config) { c.OpenTimeout = -time.Second }, "open timeout"},
		{"udp range", func(c *Config) { c.Engine.UDPPortMin = 10; c.Engine.UDPPortMax = 5 }, "udpPortMin"},
		{"ice without urls", func(c *Config) { c.ICEServers = append(c.ICEServers, c.ICEServers[0]); c.ICEServers[1].URLs = nil }, "without urls"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	c := Default()
	c.Label = ""
	err := c.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "invalid role") || !strings.Contains(err.Error(), "invalid label") {
		t.Errorf("error = %v, want both role and label problems", err)
	}
}

func TestNormalizeWSURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ws://127.0.0.1:8080", "ws://127.0.0.1:8080/ws"},
		{"wss://abc.devtunnels.ms/ws?pin=0042", "wss://abc.devtunnels.ms/ws?pin=0042"},
		{"https://abc.devtunnels.ms/other?pin=7", "wss://abc.devtunnels.ms/ws?pin=7"},
		{"  abc.devtunnels.ms  ", "wss://abc.devtunnels.ms/ws"},
	}
	for _, tt := range tests {
		got, err := NormalizeWSURL(tt.in)
		if err != nil {
			t.Errorf("NormalizeWSURL(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeWSURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "ws://", "://nohost"} {
		if _, err := NormalizeWSURL(bad); err == nil {
			t.Errorf("NormalizeWSURL(%q): expected error", bad)
		}
	}
}
