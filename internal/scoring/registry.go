package scoring

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Race types and start modes.
const (
	RaceTypeMain       = "MAIN"
	RaceTypeQualifying = "QUALIFYING"

	StartModeImmediate     = "IMMEDIATE"
	StartModeFirstCrossing = "FIRST_CROSSING"
)

// GridOrderRuleName identifies the penalty rule consulted for lap-1 arrival
// order checks.
const GridOrderRuleName = "grid order"

// PenaltyRule is a configured championship penalty.
type PenaltyRule struct {
	ID    int64
	Value float64
}

// AssignmentResolver maps a transponder to its active (race, team) pair.
type AssignmentResolver interface {
	ResolveActiveAssignment(transponderID string, now time.Time) (raceID, teamID int64, ok bool, err error)
}

// RaceState exposes the race lifecycle fields the processor consults.
type RaceState interface {
	IsPaused(raceID int64) (bool, error)
	CountsDuringSuspension(raceID int64) (bool, error)
	IsFinished(raceID int64) (bool, error)
	StartMode(raceID int64) (string, error)
	RaceType(raceID int64) (string, error)
	ChampionshipID(raceID int64) (int64, error)
	// StartIfUnset sets the race start to `at` and reports whether this
	// call was the one that set it.
	StartIfUnset(raceID int64, at time.Time) (bool, error)
}

// PenaltyRules looks up the configured grid-order rule and grid positions.
type PenaltyRules interface {
	GridOrderRule(championshipID int64) (*PenaltyRule, error)
	GridStartPosition(raceID, teamID int64) (*int, error)
}

// Registry is the store-backed implementation of the collaborator
// interfaces, plus the administrative operations that seed them. Race and
// team management proper lives outside this service; the registry carries
// just enough state to resolve crossings.
type Registry struct {
	store *Store
}

// NewRegistry creates a registry over the scoring store.
func NewRegistry(store *Store) *Registry {
	return &Registry{store: store}
}

// RegisterTransponder adds or updates a transponder.
func (r *Registry) RegisterTransponder(transponderID, label string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	_, err := r.store.db.Exec(
		`INSERT INTO transponders (transponder_id, label) VALUES (?, ?)
		 ON CONFLICT(transponder_id) DO UPDATE SET label = excluded.label`,
		transponderID, label,
	)
	return err
}

// CreateRace creates a race and returns its id.
func (r *Registry) CreateRace(championshipID int64, raceType, startMode string) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	res, err := r.store.db.Exec(
		`INSERT INTO races (championship_id, race_type, start_mode) VALUES (?, ?, ?)`,
		championshipID, raceType, startMode,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create race: %w", err)
	}
	return res.LastInsertId()
}

// AssignTransponder binds a transponder to a team for a race.
func (r *Registry) AssignTransponder(raceID, teamID int64, transponderID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	_, err := r.store.db.Exec(
		`INSERT INTO assignments (race_id, team_id, transponder_id) VALUES (?, ?, ?)`,
		raceID, teamID, transponderID,
	)
	return err
}

// SetGridPosition records a team's assigned starting position.
func (r *Registry) SetGridPosition(raceID, teamID int64, position int) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	_, err := r.store.db.Exec(
		`INSERT INTO grid_positions (race_id, team_id, position) VALUES (?, ?, ?)
		 ON CONFLICT(race_id, team_id) DO UPDATE SET position = excluded.position`,
		raceID, teamID, position,
	)
	return err
}

// CreatePenaltyRule configures a championship penalty rule.
func (r *Registry) CreatePenaltyRule(championshipID int64, name string, value float64) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	res, err := r.store.db.Exec(
		`INSERT INTO penalty_rules (championship_id, name, value) VALUES (?, ?, ?)`,
		championshipID, name, value,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetPaused pauses or resumes a race.
func (r *Registry) SetPaused(raceID int64, paused bool) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	_, err := r.store.db.Exec(`UPDATE races SET paused = ? WHERE id = ?`, paused, raceID)
	return err
}

// SetCountDuringSuspension configures whether paused-race crossings score.
func (r *Registry) SetCountDuringSuspension(raceID int64, counts bool) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	_, err := r.store.db.Exec(`UPDATE races SET count_during_suspension = ? WHERE id = ?`, counts, raceID)
	return err
}

// FinishRace marks a race finished.
func (r *Registry) FinishRace(raceID int64, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	_, err := r.store.db.Exec(
		`UPDATE races SET finished = 1, ended_at = ? WHERE id = ?`, toUnix(at), raceID,
	)
	return err
}

// StartedAt returns the race's recorded start time, nil when unset.
func (r *Registry) StartedAt(raceID int64) (*time.Time, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var started sql.NullFloat64
	err := r.store.db.QueryRow(`SELECT started_at FROM races WHERE id = ?`, raceID).Scan(&started)
	if err != nil {
		return nil, err
	}
	if !started.Valid {
		return nil, nil
	}
	t := fromUnix(started.Float64)
	return &t, nil
}

// ResolveActiveAssignment finds the transponder's assignment in a race whose
// window is still open.
func (r *Registry) ResolveActiveAssignment(transponderID string, now time.Time) (int64, int64, bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var raceID, teamID int64
	err := r.store.db.QueryRow(
		`SELECT a.race_id, a.team_id
		 FROM assignments a JOIN races r ON r.id = a.race_id
		 WHERE a.transponder_id = ? AND a.active = 1
		   AND r.finished = 0 AND r.ended_at IS NULL
		 LIMIT 1`,
		transponderID,
	).Scan(&raceID, &teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return raceID, teamID, true, nil
}

func (r *Registry) raceField(raceID int64, field string, dst any) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.store.db.QueryRow(
		`SELECT `+field+` FROM races WHERE id = ?`, raceID,
	).Scan(dst)
}

func (r *Registry) IsPaused(raceID int64) (bool, error) {
	var v bool
	err := r.raceField(raceID, "paused", &v)
	return v, err
}

func (r *Registry) CountsDuringSuspension(raceID int64) (bool, error) {
	var v bool
	err := r.raceField(raceID, "count_during_suspension", &v)
	return v, err
}

func (r *Registry) IsFinished(raceID int64) (bool, error) {
	var v bool
	err := r.raceField(raceID, "finished", &v)
	return v, err
}

func (r *Registry) StartMode(raceID int64) (string, error) {
	var v string
	err := r.raceField(raceID, "start_mode", &v)
	return v, err
}

func (r *Registry) RaceType(raceID int64) (string, error) {
	var v string
	err := r.raceField(raceID, "race_type", &v)
	return v, err
}

func (r *Registry) ChampionshipID(raceID int64) (int64, error) {
	var v int64
	err := r.raceField(raceID, "championship_id", &v)
	return v, err
}

// StartIfUnset is atomic: only the call that flips NULL reports true, so the
// race start is set exactly once no matter how crossings interleave.
func (r *Registry) StartIfUnset(raceID int64, at time.Time) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	res, err := r.store.db.Exec(
		`UPDATE races SET started_at = ? WHERE id = ? AND started_at IS NULL`,
		toUnix(at), raceID,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *Registry) GridOrderRule(championshipID int64) (*PenaltyRule, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var rule PenaltyRule
	err := r.store.db.QueryRow(
		`SELECT id, value FROM penalty_rules WHERE championship_id = ? AND name = ? LIMIT 1`,
		championshipID, GridOrderRuleName,
	).Scan(&rule.ID, &rule.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *Registry) GridStartPosition(raceID, teamID int64) (*int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var pos int
	err := r.store.db.QueryRow(
		`SELECT position FROM grid_positions WHERE race_id = ? AND team_id = ?`,
		raceID, teamID,
	).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}
