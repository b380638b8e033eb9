package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadStationDefaultsAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "station.yaml")
	yaml := `
secret: trackside-secret
plugin: nettag
server_url: ws://scoring.local:8000/ws/timing
net:
  host: 10.0.0.5
  protocol: tcp
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadStation(path)
	if err != nil {
		t.Fatalf("LoadStation failed: %v", err)
	}

	if cfg.Plugin != "nettag" {
		t.Errorf("plugin = %q, want nettag", cfg.Plugin)
	}
	if cfg.Secret != "trackside-secret" {
		t.Errorf("secret = %q", cfg.Secret)
	}
	if cfg.Net.Host != "10.0.0.5" || cfg.Net.Protocol != "tcp" {
		t.Errorf("net = %+v", cfg.Net)
	}
	// Untouched keys keep their defaults.
	if cfg.Net.Port != 2009 {
		t.Errorf("net.port = %d, want default 2009", cfg.Net.Port)
	}
	if cfg.TimingMode != "duration" {
		t.Errorf("timing_mode = %q, want default duration", cfg.TimingMode)
	}
	if cfg.ReconnectSeconds != 5 {
		t.Errorf("reconnect_seconds = %d, want default 5", cfg.ReconnectSeconds)
	}
}

func TestLoadStationEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "station.yaml")
	if err := os.WriteFile(path, []byte("secret: from-file\ntiming_mode: interval\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("KART_TIMING_MODE", "own_time")
	t.Setenv("KART_SERIAL__DEVICE", "/dev/ttyS9")

	cfg, err := LoadStation(path)
	if err != nil {
		t.Fatalf("LoadStation failed: %v", err)
	}
	if cfg.TimingMode != "own_time" {
		t.Errorf("timing_mode = %q, env must win over the file", cfg.TimingMode)
	}
	if cfg.Serial.Device != "/dev/ttyS9" {
		t.Errorf("serial.device = %q, want /dev/ttyS9", cfg.Serial.Device)
	}
}

func TestLoadStationRequiresSecret(t *testing.T) {
	if _, err := LoadStation(""); err == nil {
		t.Fatal("LoadStation accepted an empty secret")
	}
}

func TestLoadScoring(t *testing.T) {
	t.Setenv("KART_SECRET", "svc-secret")
	t.Setenv("KART_ADDR", ":9000")

	cfg, err := LoadScoring("")
	if err != nil {
		t.Fatalf("LoadScoring failed: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Errorf("addr = %q, want :9000", cfg.Addr)
	}
	if cfg.DedupWindowSeconds != 7.0 {
		t.Errorf("dedup_window_seconds = %v, want default 7", cfg.DedupWindowSeconds)
	}
}
