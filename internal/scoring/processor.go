package scoring

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/frawau/endurance-go-kart/internal/metrics"
	"github.com/frawau/endurance-go-kart/internal/monitoring"
	"github.com/frawau/endurance-go-kart/internal/timing"
)

// DefaultDedupWindow suppresses repeat detections of redundant transponders
// mounted on the same kart.
const DefaultDedupWindow = 7 * time.Second

// suspiciousMinSamples is the smallest lap pool the outlier check runs on.
const suspiciousMinSamples = 3

// Crossing is a verified lap_crossing message, ready for processing.
type Crossing struct {
	TransponderID  string
	Timestamp      time.Time
	RawTime        float64
	SignalStrength int
	MessageID      string // empty when the station sent none
}

// Result is the fan-out bundle for one recorded crossing.
type Result struct {
	CrossingID   int64
	RaceID       int64
	TeamID       int64
	LapNumber    int
	LapTime      *float64 // seconds
	Suspicious   bool
	RaceStarted  bool
	RaceFinished bool
	RaceType     string
	Violation    *GridViolation
}

// Processor turns verified crossings into lap records: dedup, lap math,
// suspicious detection, and the race lifecycle side effects.
type Processor struct {
	store       *Store
	assignments AssignmentResolver
	races       RaceState
	penalties   PenaltyRules
	hub         *Hub
	dedupWindow time.Duration

	mu    sync.Mutex
	locks map[[2]int64]*sync.Mutex
}

// NewProcessor wires a processor to its store, collaborators, and fan-out.
func NewProcessor(store *Store, assignments AssignmentResolver, races RaceState, penalties PenaltyRules, hub *Hub) *Processor {
	return &Processor{
		store:       store,
		assignments: assignments,
		races:       races,
		penalties:   penalties,
		hub:         hub,
		dedupWindow: DefaultDedupWindow,
		locks:       make(map[[2]int64]*sync.Mutex),
	}
}

// SetDedupWindow overrides the same-team dedup window.
func (p *Processor) SetDedupWindow(d time.Duration) { p.dedupWindow = d }

// teamLock serializes processing per (race, team); different teams proceed
// independently.
func (p *Processor) teamLock(raceID, teamID int64) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := [2]int64{raceID, teamID}
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	return l
}

// Process handles one crossing under the session's timing mode. A nil result
// with nil error means the crossing was deliberately skipped (duplicate,
// unknown transponder, no assignment).
func (p *Processor) Process(c Crossing, mode timing.Mode, rolloverSeconds float64) (*Result, error) {
	// Idempotency: at-least-once delivery may replay a message.
	if c.MessageID != "" {
		seen, err := p.store.HasMessageID(c.MessageID)
		if err != nil {
			return nil, err
		}
		if seen {
			metrics.DuplicatesDropped.Inc()
			monitoring.Logf("scoring: duplicate message_id %.8s, skipping", c.MessageID)
			return nil, nil
		}
	}

	known, err := p.store.TransponderExists(c.TransponderID)
	if err != nil {
		return nil, err
	}
	if !known {
		monitoring.Logf("scoring: unknown transponder %s", c.TransponderID)
		return nil, nil
	}
	if err := p.store.TouchTransponder(c.TransponderID, c.Timestamp); err != nil {
		monitoring.Logf("scoring: failed to update last_seen for %s: %v", c.TransponderID, err)
	}

	raceID, teamID, ok, err := p.assignments.ResolveActiveAssignment(c.TransponderID, c.Timestamp)
	if err != nil {
		return nil, err
	}
	if !ok {
		monitoring.Logf("scoring: no active race assignment for transponder %s", c.TransponderID)
		return nil, nil
	}

	lock := p.teamLock(raceID, teamID)
	lock.Lock()
	defer lock.Unlock()

	// Redundant transponder on the same kart: the team already crossed
	// inside the window.
	dup, err := p.store.HasCrossingInWindow(raceID, teamID, c.Timestamp, p.dedupWindow)
	if err != nil {
		return nil, err
	}
	if dup {
		metrics.DuplicatesDropped.Inc()
		monitoring.Logf("scoring: team %d already crossed within %s, skipping", teamID, p.dedupWindow)
		return nil, nil
	}

	prevLap, prevRaw, hasPrev, err := p.store.LastValidCrossing(raceID, teamID)
	if err != nil {
		return nil, err
	}
	lapNumber := 1
	var prevRawPtr *float64
	if hasPrev {
		lapNumber = prevLap + 1
		prevRawPtr = &prevRaw
	}

	var lapTime *float64
	if d, ok := timing.LapTime(mode, c.RawTime, prevRawPtr, rolloverSeconds); ok {
		secs := d.Seconds()
		lapTime = &secs
	}

	paused, err := p.races.IsPaused(raceID)
	if err != nil {
		return nil, err
	}
	shouldCount := true
	if paused {
		counts, err := p.races.CountsDuringSuspension(raceID)
		if err != nil {
			return nil, err
		}
		shouldCount = counts
	}

	crossing := &LapCrossing{
		RaceID:                  raceID,
		TeamID:                  teamID,
		TransponderID:           c.TransponderID,
		LapNumber:               lapNumber,
		CrossingTime:            c.Timestamp,
		LapTime:                 lapTime,
		RawTime:                 c.RawTime,
		IsValid:                 shouldCount,
		CountedDuringSuspension: paused,
	}
	if c.MessageID != "" {
		crossing.MessageID = &c.MessageID
	}
	if err := p.store.InsertCrossing(crossing); err != nil {
		return nil, err
	}
	metrics.LapsRecorded.Inc()

	result := &Result{
		CrossingID: crossing.ID,
		RaceID:     raceID,
		TeamID:     teamID,
		LapNumber:  lapNumber,
		LapTime:    lapTime,
	}

	if lapTime != nil && shouldCount {
		suspicious, err := p.isSuspicious(raceID, teamID, *lapTime)
		if err != nil {
			monitoring.Logf("scoring: suspicious check failed: %v", err)
		} else if suspicious {
			if err := p.store.MarkSuspicious(crossing.ID); err != nil {
				return nil, err
			}
			metrics.SuspiciousLaps.Inc()
			result.Suspicious = true
			monitoring.Logf("scoring: suspicious lap: team %d, lap %d, time %.3fs",
				teamID, lapNumber, *lapTime)
		}
	}

	if err := p.raceLifecycle(c, result); err != nil {
		return nil, err
	}

	p.publish(result)
	return result, nil
}

// isSuspicious reports whether lapTime exceeds twice the median of the
// team's valid timed laps. The pool includes the lap under test; fewer than
// three samples never flag.
func (p *Processor) isSuspicious(raceID, teamID int64, lapTime float64) (bool, error) {
	times, err := p.store.ValidLapTimes(raceID, teamID)
	if err != nil {
		return false, err
	}
	if len(times) < suspiciousMinSamples {
		return false, nil
	}
	sort.Float64s(times)
	median := stat.Quantile(0.5, stat.Empirical, times, nil)
	return lapTime > median*2, nil
}

// raceLifecycle applies the cross-cutting effects of a recorded crossing:
// first-crossing race start, finish detection, and the lap-1 grid check.
func (p *Processor) raceLifecycle(c Crossing, result *Result) error {
	if result.LapNumber == 1 {
		startMode, err := p.races.StartMode(result.RaceID)
		if err != nil {
			return err
		}
		if startMode != StartModeImmediate {
			started, err := p.races.StartIfUnset(result.RaceID, c.Timestamp)
			if err != nil {
				return err
			}
			result.RaceStarted = started
		}
	}

	finished, err := p.races.IsFinished(result.RaceID)
	if err != nil {
		return err
	}
	result.RaceFinished = finished
	if finished {
		raceType, err := p.races.RaceType(result.RaceID)
		if err != nil {
			return err
		}
		result.RaceType = raceType
	}

	if result.LapNumber == 1 {
		if err := p.checkGridOrder(c, result); err != nil {
			return err
		}
	}
	return nil
}

// checkGridOrder compares the team's lap-1 arrival order with its assigned
// grid position. MAIN races only, and only when the championship configures
// the grid-order rule.
func (p *Processor) checkGridOrder(c Crossing, result *Result) error {
	raceType, err := p.races.RaceType(result.RaceID)
	if err != nil {
		return err
	}
	if raceType != RaceTypeMain {
		return nil
	}

	championshipID, err := p.races.ChampionshipID(result.RaceID)
	if err != nil {
		return err
	}
	rule, err := p.penalties.GridOrderRule(championshipID)
	if err != nil {
		return err
	}
	if rule == nil {
		return nil
	}

	expected, err := p.penalties.GridStartPosition(result.RaceID, result.TeamID)
	if err != nil {
		return err
	}
	actual, err := p.store.CountLapOneCrossings(result.RaceID)
	if err != nil {
		return err
	}
	if expected == nil || actual == *expected {
		return nil
	}

	if err := p.store.InsertPenalty(result.RaceID, result.TeamID, rule.ID, rule.Value, c.Timestamp); err != nil {
		return fmt.Errorf("failed to record grid penalty: %w", err)
	}
	result.Violation = &GridViolation{
		ExpectedPosition: *expected,
		ActualPosition:   actual,
	}
	monitoring.Logf("scoring: grid violation: team %d expected P%d, arrived P%d",
		result.TeamID, *expected, actual)
	return nil
}

// publish fans the result bundle out as discrete events.
func (p *Processor) publish(result *Result) {
	p.hub.Publish(Event{
		Kind:       EventLapRecorded,
		RaceID:     result.RaceID,
		TeamID:     result.TeamID,
		LapNumber:  result.LapNumber,
		LapTime:    result.LapTime,
		Suspicious: result.Suspicious,
	})
	if result.Suspicious {
		p.hub.Publish(Event{
			Kind:      EventSuspiciousLap,
			RaceID:    result.RaceID,
			TeamID:    result.TeamID,
			LapNumber: result.LapNumber,
			LapTime:   result.LapTime,
		})
	}
	if result.RaceStarted {
		p.hub.Publish(Event{
			Kind:   EventRaceStarted,
			RaceID: result.RaceID,
			TeamID: result.TeamID,
		})
	}
	if result.Violation != nil {
		p.hub.Publish(Event{
			Kind:      EventGridViolation,
			RaceID:    result.RaceID,
			TeamID:    result.TeamID,
			LapNumber: result.LapNumber,
			Violation: result.Violation,
		})
	}
	if result.RaceFinished {
		p.hub.Publish(Event{
			Kind:     EventRaceFinished,
			RaceID:   result.RaceID,
			RaceType: result.RaceType,
		})
	}
}
