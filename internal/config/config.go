// Package config defines the configuration for the timing-station and
// scoring binaries. Values are layered: compiled defaults, then an optional
// YAML file, then KART_-prefixed environment variables.
package config

import (
	"github.com/frawau/endurance-go-kart/internal/capture"
	"github.com/frawau/endurance-go-kart/internal/timing"
)

// Station configures the trackside station daemon.
type Station struct {
	// Plugin selects the capture plugin: serial, nettag, or simulator.
	Plugin string `koanf:"plugin"`

	// TimingMode is the decoder raw-clock encoding, declared to the
	// scoring service in the connection handshake.
	TimingMode string `koanf:"timing_mode"`

	// RolloverSeconds is the own_time clock wraparound modulus.
	RolloverSeconds float64 `koanf:"rollover_seconds"`

	// ServerURL is the scoring service websocket endpoint.
	ServerURL string `koanf:"server_url"`

	// Secret is the shared HMAC key for the wire protocol.
	Secret string `koanf:"secret"`

	// ReconnectSeconds is the fixed delay between uplink retry attempts.
	ReconnectSeconds int `koanf:"reconnect_seconds"`

	// AdminAddr, when set, serves local debug routes and /metrics.
	AdminAddr string `koanf:"admin_addr"`

	// BufferPath is the SQLite file holding unacknowledged crossings.
	BufferPath string `koanf:"buffer_path"`

	// CleanupMinutes is the period of the acked-row purge task.
	CleanupMinutes int `koanf:"cleanup_minutes"`

	// RetentionHours is how long acked rows are kept before purging.
	RetentionHours int `koanf:"retention_hours"`

	Serial    capture.SerialConfig    `koanf:"serial"`
	Net       capture.NetConfig       `koanf:"net"`
	Simulator capture.SimulatorConfig `koanf:"simulator"`
}

// Scoring configures the scoring service.
type Scoring struct {
	// Addr is the HTTP listen address for the websocket endpoint.
	Addr string `koanf:"addr"`

	// AdminAddr is the listen address for debug routes and /metrics.
	AdminAddr string `koanf:"admin_addr"`

	// Secret is the shared HMAC key for the wire protocol.
	Secret string `koanf:"secret"`

	// DBPath is the SQLite file holding lap crossings.
	DBPath string `koanf:"db_path"`

	// DedupWindowSeconds suppresses repeat detections of the same team.
	DedupWindowSeconds float64 `koanf:"dedup_window_seconds"`
}

// NewStation returns the default station configuration.
func NewStation() *Station {
	return &Station{
		Plugin:           "simulator",
		TimingMode:       string(timing.Duration),
		RolloverSeconds:  timing.DefaultRolloverSeconds,
		ServerURL:        "ws://localhost:8000/ws/timing",
		Secret:           "",
		ReconnectSeconds: 5,
		AdminAddr:        "",
		BufferPath:       "station-buffer.db",
		CleanupMinutes:   10,
		RetentionHours:   24,
		Serial:           capture.DefaultSerialConfig(),
		Net:              capture.DefaultNetConfig(),
		Simulator:        capture.DefaultSimulatorConfig(),
	}
}

// NewScoring returns the default scoring configuration.
func NewScoring() *Scoring {
	return &Scoring{
		Addr:               ":8000",
		AdminAddr:          ":8001",
		Secret:             "",
		DBPath:             "scoring.db",
		DedupWindowSeconds: 7.0,
	}
}
