package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/1ureka/rtcstream/internal/config"
)

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.Role != "" {
		t.Errorf("role = %q, want empty for interactive mode", cfg.Role)
	}
	if cfg.Signaling != config.SignalingWS {
		t.Errorf("signaling = %q", cfg.Signaling)
	}
	if len(cfg.ICEServers) == 0 {
		t.Error("default ICE servers missing")
	}
}

func TestParseFlagsOverrides(t *testing.T) {
	cfg, err := parseFlags([]string{
		"--role", "client",
		"--port", "2222",
		"--signal", "tcp",
		"--tcpAddr", "10.0.0.2:7000",
		"--timeout", "2s",
		"--ice", "stun:a.example.org,turn:b.example.org",
		"--debug",
	})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Role != config.RoleClient || cfg.LocalPort != 2222 {
		t.Errorf("role/port = %s/%d", cfg.Role, cfg.LocalPort)
	}
	if cfg.OpenTimeout != 2*time.Second {
		t.Errorf("timeout = %v", cfg.OpenTimeout)
	}
	if len(cfg.ICEServers) != 2 || cfg.ICEServers[1].URLs[0] != "turn:b.example.org" {
		t.Errorf("ice = %+v", cfg.ICEServers)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestParseFlagsOverConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	body := "role: host\ntargetPort: 80\nlabel: web\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := parseFlags([]string{"--config", path, "--port", "8080"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.Role != config.RoleHost {
		t.Errorf("role = %q", cfg.Role)
	}
	if cfg.TargetPort != 8080 {
		t.Errorf("flag should win over file: targetPort = %d", cfg.TargetPort)
	}
	if cfg.Label != "web" {
		t.Errorf("file value lost: label = %q", cfg.Label)
	}
}

func TestParseFlagsRejectsUnknown(t *testing.T) {
	if _, err := parseFlags([]string{"--bogus"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}
