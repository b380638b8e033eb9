package scoring

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/frawau/endurance-go-kart/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// LapCrossing is one recorded transponder passage, resolved to a race and
// team. LapTime is nil when no lap time could be derived (first passage or
// invalid delta).
type LapCrossing struct {
	ID                      int64
	RaceID                  int64
	TeamID                  int64
	TransponderID           string
	LapNumber               int
	CrossingTime            time.Time
	LapTime                 *float64 // seconds
	RawTime                 float64
	MessageID               *string
	IsValid                 bool
	IsSuspicious            bool
	CountedDuringSuspension bool
}

// Store is the scoring-side SQLite database: transponders, races,
// assignments, lap crossings, and penalties.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenStore opens (creating if needed) the scoring database and applies all
// pending schema migrations.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scoring db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// Not closing m: that would close the shared DB connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnix(f float64) time.Time {
	return time.Unix(0, int64(f*float64(time.Second)))
}

// HasMessageID reports whether a crossing with this delivery id was already
// recorded. This is the receiver-side idempotency check for the
// at-least-once protocol.
func (s *Store) HasMessageID(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM lap_crossings WHERE message_id = ?`, messageID,
	).Scan(&n)
	return n > 0, err
}

// TransponderExists reports whether the transponder is registered.
func (s *Store) TransponderExists(transponderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM transponders WHERE transponder_id = ?`, transponderID,
	).Scan(&n)
	return n > 0, err
}

// TouchTransponder updates a transponder's last_seen timestamp.
func (s *Store) TouchTransponder(transponderID string, seen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE transponders SET last_seen = ? WHERE transponder_id = ?`,
		toUnix(seen), transponderID,
	)
	return err
}

// HasCrossingInWindow reports whether the team already has a crossing in the
// window ending at `at`. Used to drop redundant transponders on one kart.
func (s *Store) HasCrossingInWindow(raceID, teamID int64, at time.Time, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM lap_crossings
		 WHERE race_id = ? AND team_id = ? AND crossing_time > ? AND crossing_time <= ?`,
		raceID, teamID, toUnix(at.Add(-window)), toUnix(at),
	).Scan(&n)
	return n > 0, err
}

// LastValidCrossing returns the team's highest-numbered valid crossing, for
// lap numbering and the previous raw clock reference.
func (s *Store) LastValidCrossing(raceID, teamID int64) (lapNumber int, rawTime float64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.QueryRow(
		`SELECT lap_number, raw_time FROM lap_crossings
		 WHERE race_id = ? AND team_id = ? AND is_valid = 1
		 ORDER BY lap_number DESC LIMIT 1`,
		raceID, teamID,
	).Scan(&lapNumber, &rawTime)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return lapNumber, rawTime, true, nil
}

// InsertCrossing persists a crossing and fills in its row id.
func (s *Store) InsertCrossing(c *LapCrossing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msgID any
	if c.MessageID != nil {
		msgID = *c.MessageID
	}
	var lapTime any
	if c.LapTime != nil {
		lapTime = *c.LapTime
	}
	res, err := s.db.Exec(
		`INSERT INTO lap_crossings
		 (race_id, team_id, transponder_id, lap_number, crossing_time, lap_time,
		  raw_time, message_id, is_valid, is_suspicious, counted_during_suspension)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RaceID, c.TeamID, c.TransponderID, c.LapNumber, toUnix(c.CrossingTime),
		lapTime, c.RawTime, msgID, c.IsValid, c.IsSuspicious, c.CountedDuringSuspension,
	)
	if err != nil {
		return fmt.Errorf("failed to insert crossing: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

// MarkSuspicious flags a recorded crossing as a lap-time outlier.
func (s *Store) MarkSuspicious(crossingID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE lap_crossings SET is_suspicious = 1 WHERE id = ?`, crossingID,
	)
	return err
}

// ValidLapTimes returns the team's valid, timed lap durations in seconds.
func (s *Store) ValidLapTimes(raceID, teamID int64) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT lap_time FROM lap_crossings
		 WHERE race_id = ? AND team_id = ? AND is_valid = 1 AND lap_time IS NOT NULL`,
		raceID, teamID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var times []float64
	for rows.Next() {
		var t float64
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

// CountLapOneCrossings counts the race's recorded lap-1 crossings across all
// teams, which is the arrival order of the most recent one.
func (s *Store) CountLapOneCrossings(raceID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM lap_crossings WHERE race_id = ? AND lap_number = 1`,
		raceID,
	).Scan(&n)
	return n, err
}

// InsertPenalty records an imposed penalty against a team.
func (s *Store) InsertPenalty(raceID, teamID, ruleID int64, value float64, imposed time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO penalties (race_id, team_id, rule_id, value, imposed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		raceID, teamID, ruleID, value, toUnix(imposed),
	)
	if err != nil {
		return fmt.Errorf("failed to insert penalty: %w", err)
	}
	return nil
}

// CountPenalties counts penalties imposed on a team in a race.
func (s *Store) CountPenalties(raceID, teamID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM penalties WHERE race_id = ? AND team_id = ?`,
		raceID, teamID,
	).Scan(&n)
	return n, err
}

// Crossing returns one recorded crossing by row id.
func (s *Store) Crossing(id int64) (*LapCrossing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c LapCrossing
	var crossingTime float64
	var lapTime sql.NullFloat64
	var msgID sql.NullString
	err := s.db.QueryRow(
		`SELECT id, race_id, team_id, transponder_id, lap_number, crossing_time,
		        lap_time, raw_time, message_id, is_valid, is_suspicious,
		        counted_during_suspension
		 FROM lap_crossings WHERE id = ?`, id,
	).Scan(&c.ID, &c.RaceID, &c.TeamID, &c.TransponderID, &c.LapNumber,
		&crossingTime, &lapTime, &c.RawTime, &msgID, &c.IsValid,
		&c.IsSuspicious, &c.CountedDuringSuspension)
	if err != nil {
		return nil, err
	}
	c.CrossingTime = fromUnix(crossingTime)
	if lapTime.Valid {
		c.LapTime = &lapTime.Float64
	}
	if msgID.Valid {
		c.MessageID = &msgID.String
	}
	return &c, nil
}

// AttachAdminRoutes mounts the database debug surface: live SQL via tailsql
// plus a JSON summary endpoint.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("scoring: failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB("sqlite://scoring.db", s.db, &tailsql.DBOptions{
		Label: "Scoring DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.HandleSilentFunc("crossings", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var total, suspicious int
		if err := s.db.QueryRow(
			`SELECT COUNT(*), COALESCE(SUM(is_suspicious), 0) FROM lap_crossings`,
		).Scan(&total, &suspicious); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"total_crossings":%d,"suspicious":%d}`, total, suspicious)
	})
}
