// Package capture abstracts the timing hardware behind a plugin interface.
// A plugin owns its connection to a decoder (serial line, network socket, or
// a synthetic generator) and emits one CrossingEvent per transponder passage.
// Reading is independent of the uplink: a dead network connection must never
// stop a plugin from producing events.
package capture

import "time"

// CrossingEvent is a single transponder passing the timing loop.
type CrossingEvent struct {
	TransponderID  string
	Timestamp      time.Time
	RawTime        float64 // decoder clock value in seconds; meaning depends on timing mode
	SignalStrength int
}

// Handler receives crossing events as they are decoded.
type Handler func(CrossingEvent)

// Plugin is the capability set shared by all hardware integrations.
type Plugin interface {
	// Connect establishes the hardware connection. It returns false on
	// failure; failures are logged, never fatal to the caller.
	Connect() bool

	// Disconnect tears down the hardware connection. Stops reading first
	// if a read loop is active.
	Disconnect()

	// StartReading begins the read loop. No-op when already reading or
	// not connected.
	StartReading()

	// StopReading halts the read loop. No-op when not reading.
	StopReading()

	// Status reports plugin state for operator queries.
	Status() map[string]any

	// SetHandler installs the crossing callback. Must be called before
	// StartReading.
	SetHandler(Handler)
}
