package scoring

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frawau/endurance-go-kart/internal/timing"
)

type fixture struct {
	store     *Store
	registry  *Registry
	hub       *Hub
	processor *Processor
	raceID    int64
	start     time.Time
}

// newFixture creates a store with one FIRST_CROSSING race and transponders
// 111111 (team 1) and 222222 (team 2) assigned to it.
func newFixture(t *testing.T, raceType string) *fixture {
	t.Helper()

	store, err := OpenStore(filepath.Join(t.TempDir(), "scoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := NewRegistry(store)
	raceID, err := registry.CreateRace(1, raceType, StartModeFirstCrossing)
	require.NoError(t, err)

	require.NoError(t, registry.RegisterTransponder("111111", "kart 1"))
	require.NoError(t, registry.RegisterTransponder("222222", "kart 2"))
	require.NoError(t, registry.AssignTransponder(raceID, 1, "111111"))
	require.NoError(t, registry.AssignTransponder(raceID, 2, "222222"))

	hub := NewHub()
	return &fixture{
		store:     store,
		registry:  registry,
		hub:       hub,
		processor: NewProcessor(store, registry, registry, registry, hub),
		raceID:    raceID,
		start:     time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC),
	}
}

// cross sends a duration-mode crossing at start+offset with the given raw
// clock value.
func (f *fixture) cross(t *testing.T, transponderID string, offset time.Duration, raw float64, messageID string) *Result {
	t.Helper()
	result, err := f.processor.Process(Crossing{
		TransponderID: transponderID,
		Timestamp:     f.start.Add(offset),
		RawTime:       raw,
		MessageID:     messageID,
	}, timing.Duration, timing.DefaultRolloverSeconds)
	require.NoError(t, err)
	return result
}

func (f *fixture) crossingCount(t *testing.T) int {
	t.Helper()
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var n int
	require.NoError(t, f.store.db.QueryRow(`SELECT COUNT(*) FROM lap_crossings`).Scan(&n))
	return n
}

func TestDuplicateMessageIDRecordedOnce(t *testing.T) {
	f := newFixture(t, RaceTypeMain)

	first := f.cross(t, "111111", 0, 100, "msg-1")
	require.NotNil(t, first)

	replay := f.cross(t, "111111", 10*time.Second, 100, "msg-1")
	assert.Nil(t, replay, "replayed message_id must be skipped")
	assert.Equal(t, 1, f.crossingCount(t))
}

func TestUnknownTransponderSkipped(t *testing.T) {
	f := newFixture(t, RaceTypeMain)
	result := f.cross(t, "999999", 0, 100, "")
	assert.Nil(t, result)
	assert.Equal(t, 0, f.crossingCount(t))
}

func TestNoActiveAssignmentSkipped(t *testing.T) {
	f := newFixture(t, RaceTypeMain)
	require.NoError(t, f.registry.RegisterTransponder("333333", "spare"))
	result := f.cross(t, "333333", 0, 100, "")
	assert.Nil(t, result)
	assert.Equal(t, 0, f.crossingCount(t))
}

func TestSameTeamDedupWindow(t *testing.T) {
	f := newFixture(t, RaceTypeMain)

	require.NotNil(t, f.cross(t, "111111", 0, 100, ""))

	// 3 seconds later, inside the 7s window: redundant transponder.
	assert.Nil(t, f.cross(t, "111111", 3*time.Second, 103, ""))
	assert.Equal(t, 1, f.crossingCount(t))

	// 8 seconds after the first: a genuine new crossing.
	require.NotNil(t, f.cross(t, "111111", 8*time.Second, 108, ""))
	assert.Equal(t, 2, f.crossingCount(t))
}

func TestLapNumberingAndLapTimes(t *testing.T) {
	f := newFixture(t, RaceTypeMain)

	first := f.cross(t, "111111", 0, 100, "")
	require.NotNil(t, first)
	assert.Equal(t, 1, first.LapNumber)
	assert.Nil(t, first.LapTime, "first passage has no lap time")

	second := f.cross(t, "111111", 60*time.Second, 160, "")
	require.NotNil(t, second)
	assert.Equal(t, 2, second.LapNumber)
	require.NotNil(t, second.LapTime)
	assert.InDelta(t, 60.0, *second.LapTime, 1e-9)
}

func TestSuspiciousLapDetection(t *testing.T) {
	f := newFixture(t, RaceTypeMain)

	// Valid lap times 60, 61, 59, then 130: the 130 exceeds twice the
	// median and must be flagged.
	offsets := []struct {
		at  time.Duration
		raw float64
	}{
		{0, 100},
		{60 * time.Second, 160},
		{121 * time.Second, 221},
		{180 * time.Second, 280},
		{310 * time.Second, 410},
	}
	var last *Result
	for _, o := range offsets {
		last = f.cross(t, "111111", o.at, o.raw, "")
		require.NotNil(t, last)
	}

	assert.True(t, last.Suspicious, "130s lap against a ~60s median must be flagged")
	require.NotNil(t, last.LapTime)
	assert.InDelta(t, 130.0, *last.LapTime, 1e-9)

	crossing, err := f.store.Crossing(last.CrossingID)
	require.NoError(t, err)
	assert.True(t, crossing.IsSuspicious)
}

func TestSuspiciousNeedsThreeSamples(t *testing.T) {
	f := newFixture(t, RaceTypeMain)

	// Only two timed laps (60 and 130): never flagged, whatever the ratio.
	f.cross(t, "111111", 0, 100, "")
	f.cross(t, "111111", 60*time.Second, 160, "")
	last := f.cross(t, "111111", 190*time.Second, 290, "")
	require.NotNil(t, last)
	assert.False(t, last.Suspicious)
}

func TestRaceStartsOnFirstCrossingOnce(t *testing.T) {
	f := newFixture(t, RaceTypeMain)

	before, err := f.registry.StartedAt(f.raceID)
	require.NoError(t, err)
	require.Nil(t, before)

	first := f.cross(t, "111111", 0, 100, "")
	require.NotNil(t, first)
	assert.True(t, first.RaceStarted)

	started, err := f.registry.StartedAt(f.raceID)
	require.NoError(t, err)
	require.NotNil(t, started)
	assert.True(t, started.Equal(f.start))

	// Another team's lap 1 must not move the start.
	second := f.cross(t, "222222", 5*time.Second, 105, "")
	require.NotNil(t, second)
	assert.False(t, second.RaceStarted)

	after, err := f.registry.StartedAt(f.raceID)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.True(t, after.Equal(f.start))
}

func TestImmediateStartModeNotTriggered(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "scoring.db"))
	require.NoError(t, err)
	defer store.Close()

	registry := NewRegistry(store)
	raceID, err := registry.CreateRace(1, RaceTypeMain, StartModeImmediate)
	require.NoError(t, err)
	require.NoError(t, registry.RegisterTransponder("111111", ""))
	require.NoError(t, registry.AssignTransponder(raceID, 1, "111111"))

	p := NewProcessor(store, registry, registry, registry, NewHub())
	result, err := p.Process(Crossing{
		TransponderID: "111111",
		Timestamp:     time.Now(),
		RawTime:       100,
	}, timing.Duration, timing.DefaultRolloverSeconds)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.RaceStarted)

	started, err := registry.StartedAt(raceID)
	require.NoError(t, err)
	assert.Nil(t, started, "IMMEDIATE races start from race control, not crossings")
}

func TestGridOrderViolation(t *testing.T) {
	f := newFixture(t, RaceTypeMain)
	_, err := f.registry.CreatePenaltyRule(1, GridOrderRuleName, 10)
	require.NoError(t, err)
	require.NoError(t, f.registry.SetGridPosition(f.raceID, 1, 3))

	// Team 1 was gridded P3 but arrives first.
	result := f.cross(t, "111111", 0, 100, "")
	require.NotNil(t, result)
	require.NotNil(t, result.Violation)
	assert.Equal(t, 3, result.Violation.ExpectedPosition)
	assert.Equal(t, 1, result.Violation.ActualPosition)

	penalties, err := f.store.CountPenalties(f.raceID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, penalties)

	// Lap 2 never re-checks the grid.
	lap2 := f.cross(t, "111111", 60*time.Second, 160, "")
	require.NotNil(t, lap2)
	assert.Nil(t, lap2.Violation)
	penalties, err = f.store.CountPenalties(f.raceID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, penalties)
}

func TestGridOrderMatchedNoViolation(t *testing.T) {
	f := newFixture(t, RaceTypeMain)
	_, err := f.registry.CreatePenaltyRule(1, GridOrderRuleName, 10)
	require.NoError(t, err)
	require.NoError(t, f.registry.SetGridPosition(f.raceID, 1, 1))

	result := f.cross(t, "111111", 0, 100, "")
	require.NotNil(t, result)
	assert.Nil(t, result.Violation)
}

func TestGridOrderSkippedForQualifying(t *testing.T) {
	f := newFixture(t, RaceTypeQualifying)
	_, err := f.registry.CreatePenaltyRule(1, GridOrderRuleName, 10)
	require.NoError(t, err)
	require.NoError(t, f.registry.SetGridPosition(f.raceID, 1, 3))

	result := f.cross(t, "111111", 0, 100, "")
	require.NotNil(t, result)
	assert.Nil(t, result.Violation, "grid order applies to MAIN races only")
}

func TestSuspensionMarksCrossingInvalid(t *testing.T) {
	f := newFixture(t, RaceTypeMain)
	require.NoError(t, f.registry.SetPaused(f.raceID, true))

	result := f.cross(t, "111111", 0, 100, "")
	require.NotNil(t, result)

	crossing, err := f.store.Crossing(result.CrossingID)
	require.NoError(t, err)
	assert.False(t, crossing.IsValid, "paused race without counting: audit only")
	assert.True(t, crossing.CountedDuringSuspension)

	// Opting into counting during suspension keeps crossings valid.
	require.NoError(t, f.registry.SetCountDuringSuspension(f.raceID, true))
	second := f.cross(t, "111111", 60*time.Second, 160, "")
	require.NotNil(t, second)
	crossing, err = f.store.Crossing(second.CrossingID)
	require.NoError(t, err)
	assert.True(t, crossing.IsValid)
}

func TestRaceFinishedFlag(t *testing.T) {
	f := newFixture(t, RaceTypeMain)

	first := f.cross(t, "111111", 0, 100, "")
	require.NotNil(t, first)
	assert.False(t, first.RaceFinished)

	// A crossing on the lap the external rule declares final carries the
	// finish flag. Finishing also closes the assignment window, so do the
	// crossing first, then finish, then confirm resolution stops.
	second := f.cross(t, "111111", 60*time.Second, 160, "")
	require.NotNil(t, second)
	require.NoError(t, f.registry.FinishRace(f.raceID, f.start.Add(61*time.Second)))

	late := f.cross(t, "111111", 130*time.Second, 230, "")
	assert.Nil(t, late, "finished race no longer resolves assignments")
}

func TestFanoutEvents(t *testing.T) {
	f := newFixture(t, RaceTypeMain)
	id, events := f.hub.Subscribe()
	defer f.hub.Unsubscribe(id)

	result := f.cross(t, "111111", 0, 100, "")
	require.NotNil(t, result)

	select {
	case ev := <-events:
		assert.Equal(t, EventLapRecorded, ev.Kind)
		assert.Equal(t, f.raceID, ev.RaceID)
		assert.Equal(t, int64(1), ev.TeamID)
		assert.Equal(t, 1, ev.LapNumber)
	default:
		t.Fatal("no lap_recorded event published")
	}

	select {
	case ev := <-events:
		assert.Equal(t, EventRaceStarted, ev.Kind)
	default:
		t.Fatal("no race_started event published")
	}
}

func TestIntervalModeLapTimes(t *testing.T) {
	f := newFixture(t, RaceTypeMain)

	first, err := f.processor.Process(Crossing{
		TransponderID: "111111",
		Timestamp:     f.start,
		RawTime:       0,
	}, timing.Interval, timing.DefaultRolloverSeconds)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Nil(t, first.LapTime, "first interval passage reports 0, no lap time")

	second, err := f.processor.Process(Crossing{
		TransponderID: "111111",
		Timestamp:     f.start.Add(63 * time.Second),
		RawTime:       62.340,
	}, timing.Interval, timing.DefaultRolloverSeconds)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.NotNil(t, second.LapTime)
	assert.InDelta(t, 62.340, *second.LapTime, 1e-9)
}
