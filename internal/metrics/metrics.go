// Package metrics exposes the Prometheus instrumentation shared by the
// timing station and the scoring service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CrossingsCaptured counts transponder passages received from the
	// capture plugin, before buffering.
	CrossingsCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kart_crossings_captured_total",
		Help: "Transponder crossings received from the capture plugin.",
	})

	// FramesDiscarded counts decoder frames that failed to parse.
	FramesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kart_frames_discarded_total",
		Help: "Decoder frames discarded as malformed.",
	})

	// BufferPending tracks unacknowledged crossings in the station buffer.
	BufferPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kart_buffer_pending",
		Help: "Crossings stored but not yet acknowledged by the server.",
	})

	// Reconnects counts websocket reconnection attempts by the station.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kart_ws_reconnects_total",
		Help: "Websocket reconnection attempts.",
	})

	// LapsRecorded counts lap crossings persisted by the scoring service.
	LapsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kart_laps_recorded_total",
		Help: "Lap crossings persisted by the scoring service.",
	})

	// DuplicatesDropped counts crossings rejected by the dedup window or
	// by message-id replay detection.
	DuplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kart_duplicates_dropped_total",
		Help: "Crossings dropped as duplicates.",
	})

	// SuspiciousLaps counts laps flagged as outliers against the team median.
	SuspiciousLaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kart_suspicious_laps_total",
		Help: "Laps flagged as suspicious outliers.",
	})

	// SignatureFailures counts messages rejected for a missing or invalid
	// HMAC signature.
	SignatureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kart_signature_failures_total",
		Help: "Messages rejected for signature verification failure.",
	})
)
