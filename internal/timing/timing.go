// Package timing defines the decoder timing modes and the lap-time math
// shared by the simulator (which encodes raw clock values) and the scoring
// service (which decodes them back into lap durations).
package timing

import (
	"fmt"
	"math"
	"time"
)

// Mode is the encoding convention the decoder uses for its raw clock value.
type Mode string

const (
	// Interval: the raw value is this lap's duration directly.
	Interval Mode = "interval"
	// Duration: the raw value is cumulative seconds since the decoder started.
	Duration Mode = "duration"
	// TimeOfDay: the raw value is seconds since midnight, wrapping at 86400.
	TimeOfDay Mode = "time_of_day"
	// OwnTime: the raw value is a free-running clock wrapping at a
	// hardware-specific rollover.
	OwnTime Mode = "own_time"
)

// SecondsPerDay is the time_of_day wraparound modulus.
const SecondsPerDay = 86400.0

// DefaultRolloverSeconds matches the common decoder rollover (100 hours).
const DefaultRolloverSeconds = 360000.0

// ParseMode validates a wire-format timing mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Interval, Duration, TimeOfDay, OwnTime:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid timing mode %q", s)
}

// LapTime computes a lap duration from consecutive raw clock values. prev is
// nil on a team's first passage. The second return is false when no lap time
// can be derived: first passage, or a non-positive delta after at most one
// wraparound correction. A second wraparound within a single lap is not
// supported and yields no lap time.
func LapTime(mode Mode, raw float64, prev *float64, rolloverSeconds float64) (time.Duration, bool) {
	if prev == nil {
		// First passage carries no reference point, even in interval
		// mode where the decoder reports 0.
		return 0, false
	}

	if mode == Interval {
		if raw <= 0 {
			return 0, false
		}
		return secondsToDuration(raw), true
	}

	delta := raw - *prev
	if delta < 0 {
		switch mode {
		case TimeOfDay:
			delta += SecondsPerDay
		case OwnTime:
			delta += rolloverSeconds
		}
		// Duration mode: a negative delta is genuinely invalid.
	}
	if delta <= 0 {
		return 0, false
	}
	return secondsToDuration(delta), true
}

// EncodeRaw converts a cumulative race clock (seconds since start) and the
// just-completed lap's duration into the raw value a decoder in the given
// mode would report. todOffset is the seconds-since-midnight at race start,
// used only for time_of_day.
func EncodeRaw(mode Mode, cumulative, lap, todOffset, rolloverSeconds float64) float64 {
	switch mode {
	case Interval:
		return lap
	case TimeOfDay:
		return math.Mod(todOffset+cumulative, SecondsPerDay)
	case OwnTime:
		return math.Mod(cumulative, rolloverSeconds)
	default:
		return cumulative
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
